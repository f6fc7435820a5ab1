package ir

import "tlog.app/go/errors"

type (
	// Trace is the observable behaviour of one execution.
	Trace struct {
		Uses []int64
		Ret  int64

		Steps int
	}
)

var ErrStepLimit = errors.New("step limit exceeded")

// Interp executes f. Unassigned locations read as zero.
func Interp(f *Func, env map[Loc]int64, limit int) (tr Trace, err error) {
	vars := make(map[Loc]int64, len(env))
	for k, v := range env {
		vars[k] = v
	}

	val := func(o Operand) int64 {
		if o.IsImm {
			return int64(o.Imm)
		}

		return vars[o.Loc]
	}

	b := f.Block(f.Entry)
	if b == nil {
		return tr, errors.New("no entry block")
	}

	for {
		if b.Role == RoleExit {
			return tr, nil
		}

		for _, x := range b.Code {
			tr.Steps++
			if tr.Steps > limit {
				return tr, ErrStepLimit
			}

			switch x.Op {
			case OpNop:
			case OpMov:
				vars[x.Dst] = val(x.L)
			case OpAdd:
				vars[x.Dst] = val(x.L) + val(x.R)
			case OpSub:
				vars[x.Dst] = val(x.L) - val(x.R)
			case OpMul:
				vars[x.Dst] = val(x.L) * val(x.R)
			case OpXor:
				vars[x.Dst] = val(x.L) ^ val(x.R)
			case OpAnd:
				vars[x.Dst] = val(x.L) & val(x.R)
			case OpOr:
				vars[x.Dst] = val(x.L) | val(x.R)
			case OpUse:
				tr.Uses = append(tr.Uses, val(x.L))

				if !x.R.IsZero() {
					tr.Uses = append(tr.Uses, val(x.R))
				}
			case OpGoto:
				b = f.Block(x.Then)
			case OpIf:
				if x.Cond.Eval(val(x.L), val(x.R)) {
					b = f.Block(x.Then)
				} else {
					b = f.Block(x.Else)
				}
			case OpRet:
				tr.Ret = val(x.L)
				b = f.Block(f.Exit)
			default:
				return tr, errors.New("block %d: unsupported op %v", b.ID, x.Op)
			}

			if b == nil {
				return tr, errors.New("jump to missing block")
			}
		}
	}
}
