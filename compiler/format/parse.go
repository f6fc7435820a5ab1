package format

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/unflat/compiler/ir"
)

type (
	parser struct {
		pkg *ir.Package

		f      *ir.Func
		blocks map[int]*ir.Block
		cur    *ir.Block
	}
)

func ParseFile(ctx context.Context, name string) (*ir.Package, error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	return Parse(ctx, name, text)
}

// Parse reads functions in the text form produced by Format.
func Parse(ctx context.Context, name string, text []byte) (pkg *ir.Package, err error) {
	tr := tlog.SpanFromContext(ctx)

	p := &parser{
		pkg: &ir.Package{Path: name},
	}

	for n, line := range bytes.Split(text, []byte("\n")) {
		err = p.line(string(line))
		if err != nil {
			return nil, errors.Wrap(err, "%v:%d", name, n+1)
		}
	}

	err = p.finish()
	if err != nil {
		return nil, errors.Wrap(err, "%v", name)
	}

	tr.V("parse").Printw("parsed", "name", name, "funcs", len(p.pkg.Funcs), "size", len(text))

	return p.pkg, nil
}

func (p *parser) line(l string) (err error) {
	if i := strings.Index(l, "//"); i >= 0 {
		l = l[:i]
	}

	l = strings.TrimSpace(l)
	if l == "" {
		return nil
	}

	if name, ok := strings.CutPrefix(l, "func "); ok {
		err = p.finish()
		if err != nil {
			return err
		}

		p.f = ir.NewFunc(strings.TrimSpace(name))
		p.blocks = map[int]*ir.Block{}
		p.cur = nil

		return nil
	}

	if p.f == nil {
		return errors.New("expected func")
	}

	if label, ok := strings.CutSuffix(l, ":"); ok {
		return p.label(label)
	}

	if p.cur == nil {
		return errors.New("instruction outside of block")
	}

	x, err := parseInsn(l)
	if err != nil {
		return err
	}

	if t := p.cur.Tail(); t != nil && t.Op.IsTerminator() {
		return errors.New("instruction after %v", t.Op)
	}

	p.cur.Code = append(p.cur.Code, x)

	return nil
}

func (p *parser) label(l string) error {
	fs := strings.Fields(l)
	if len(fs) == 0 {
		return errors.New("empty block label")
	}

	id, err := parseBlockRef(fs[0])
	if err != nil {
		return err
	}

	if _, ok := p.blocks[id]; ok {
		return errors.New("duplicate block b%d", id)
	}

	b := &ir.Block{ID: id}

	switch {
	case len(fs) == 1:
	case len(fs) == 2 && fs[1] == "entry":
		b.Role = ir.RoleEntry
	case len(fs) == 2 && fs[1] == "exit":
		b.Role = ir.RoleExit
	default:
		return errors.New("bad block label: %q", l)
	}

	p.blocks[id] = b
	p.cur = b

	return nil
}

func (p *parser) finish() error {
	if p.f == nil {
		return nil
	}

	f := p.f
	p.f = nil

	f.Blocks = make([]*ir.Block, len(p.blocks))

	for id, b := range p.blocks {
		if id >= len(f.Blocks) {
			return errors.New("func %v: blocks are not numbered contiguously", f.Name)
		}

		f.Blocks[id] = b

		switch b.Role {
		case ir.RoleEntry:
			if f.Entry != ir.None {
				return errors.New("func %v: more than one entry block", f.Name)
			}

			f.Entry = id
		case ir.RoleExit:
			if f.Exit != ir.None {
				return errors.New("func %v: more than one exit block", f.Name)
			}

			f.Exit = id
		}
	}

	f.Link()

	err := f.Verify()
	if err != nil {
		return errors.Wrap(err, "func %v", f.Name)
	}

	p.pkg.Funcs = append(p.pkg.Funcs, f)

	return nil
}

func parseInsn(l string) (x ir.Insn, err error) {
	fs := strings.FieldsFunc(l, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ','
	})

	if len(fs) == 0 {
		return x, errors.New("bad instruction: %q", l)
	}

	switch {
	case fs[0] == "nop" && len(fs) == 1:
		return ir.Insn{Op: ir.OpNop}, nil
	case fs[0] == "goto" && len(fs) == 2:
		t, err := parseBlockRef(fs[1])
		if err != nil {
			return x, err
		}

		return ir.Goto(t), nil
	case fs[0] == "if" && len(fs) == 8 && fs[4] == "goto" && fs[6] == "else":
		return parseIf(fs)
	case fs[0] == "ret" && len(fs) <= 2:
		var o ir.Operand

		if len(fs) == 2 {
			o, err = parseOperand(fs[1])
			if err != nil {
				return x, err
			}
		}

		return ir.Ret(o), nil
	case fs[0] == "use" && (len(fs) == 2 || len(fs) == 3):
		var ops [2]ir.Operand

		for i, s := range fs[1:] {
			ops[i], err = parseOperand(s)
			if err != nil {
				return x, err
			}
		}

		return ir.Use(ops[0], ops[1]), nil
	case len(fs) == 3 && fs[1] == "=":
		dst, err := parseLoc(fs[0])
		if err != nil {
			return x, err
		}

		src, err := parseOperand(fs[2])
		if err != nil {
			return x, err
		}

		return ir.Mov(dst, src), nil
	case len(fs) == 5 && fs[1] == "=":
		return parseBinary(fs)
	}

	return x, errors.New("bad instruction: %q", l)
}

func parseIf(fs []string) (x ir.Insn, err error) {
	c := ir.Cond(fs[1])
	if !c.Valid() {
		return x, errors.New("bad condition: %q", fs[1])
	}

	l, err := parseOperand(fs[2])
	if err != nil {
		return x, err
	}

	r, err := parseOperand(fs[3])
	if err != nil {
		return x, err
	}

	then, err := parseBlockRef(fs[5])
	if err != nil {
		return x, err
	}

	els, err := parseBlockRef(fs[7])
	if err != nil {
		return x, err
	}

	return ir.If(c, l, r, then, els), nil
}

func parseBinary(fs []string) (x ir.Insn, err error) {
	dst, err := parseLoc(fs[0])
	if err != nil {
		return x, err
	}

	op, ok := ir.ParseOp(fs[2])
	if !ok || !op.IsBinary() {
		return x, errors.New("bad binary op: %q", fs[2])
	}

	l, err := parseOperand(fs[3])
	if err != nil {
		return x, err
	}

	r, err := parseOperand(fs[4])
	if err != nil {
		return x, err
	}

	return ir.Bin(op, dst, l, r), nil
}

func parseBlockRef(s string) (int, error) {
	n, ok := strings.CutPrefix(s, "b")
	if !ok {
		return 0, errors.New("bad block reference: %q", s)
	}

	id, err := strconv.Atoi(n)
	if err != nil || id < 0 {
		return 0, errors.New("bad block reference: %q", s)
	}

	return id, nil
}

func parseOperand(s string) (ir.Operand, error) {
	if n, ok := strings.CutPrefix(s, "#"); ok {
		v, err := strconv.ParseInt(n, 0, 64)
		if err != nil {
			return ir.Operand{}, errors.Wrap(err, "immediate %q", s)
		}

		return ir.ImmOp(v), nil
	}

	l, err := parseLoc(s)
	if err != nil {
		return ir.Operand{}, err
	}

	return ir.LocOp(l), nil
}

func parseLoc(s string) (ir.Loc, error) {
	for i, r := range s {
		switch {
		case r == '_' || r == '.' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case i != 0 && r >= '0' && r <= '9':
		default:
			return "", errors.New("bad location: %q", s)
		}
	}

	if s == "" || s == "_" {
		return "", errors.New("bad location: %q", s)
	}

	return ir.Loc(s), nil
}
