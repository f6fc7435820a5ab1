package format

import (
	"context"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"

	"github.com/slowlang/unflat/compiler/ir"
)

func Format(ctx context.Context, b []byte, x any) ([]byte, error) {
	return format(ctx, b, x, 0)
}

func format(ctx context.Context, b []byte, x any, d int) ([]byte, error) {
	switch x := x.(type) {
	case *ir.Package:
		return formatPackage(ctx, b, x, d)
	case *ir.Func:
		return formatFunc(ctx, b, x, d)
	case *ir.Block:
		return formatBlock(ctx, b, x, d)
	default:
		return nil, errors.New("unsupported type: %T", x)
	}
}

func formatPackage(ctx context.Context, b []byte, x *ir.Package, d int) (_ []byte, err error) {
	for i, f := range x.Funcs {
		if i != 0 {
			b = append(b, '\n')
		}

		b, err = formatFunc(ctx, b, f, d)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", f.Name)
		}
	}

	return b, nil
}

func formatFunc(ctx context.Context, b []byte, x *ir.Func, d int) (_ []byte, err error) {
	b = app(b, d, "func %v\n", x.Name)

	for _, blk := range x.Blocks {
		b, err = formatBlock(ctx, b, blk, d)
		if err != nil {
			return nil, errors.Wrap(err, "block %d", blk.ID)
		}
	}

	return b, nil
}

func formatBlock(ctx context.Context, b []byte, x *ir.Block, d int) ([]byte, error) {
	b = app(b, d, "b%d", x.ID)

	if x.Role != ir.RoleNormal {
		b = app(b, 0, " %v", x.Role)
	}

	b = append(b, ":\n"...)

	for _, in := range x.Code {
		if !in.Op.Valid() {
			return nil, errors.New("unsupported op: %v", in.Op)
		}

		b = app(b, d+1, "")
		b = in.AppendText(b)
		b = append(b, '\n')
	}

	return b, nil
}

func app(b []byte, d int, f string, args ...any) []byte {
	const tabs = "\t\t\t\t\t\t\t\t\t\t\t\t\t\t\t"
	b = append(b, tabs[:d]...)
	b = hfmt.Appendf(b, f, args...)
	return b
}
