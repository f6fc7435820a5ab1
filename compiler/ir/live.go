package ir

import "github.com/slowlang/unflat/compiler/set"

// Liveness of a single location.
type Liveness struct {
	f   *Func
	loc Loc

	in, out set.Bits[int]
}

func ComputeLiveness(f *Func, loc Loc) *Liveness {
	l := &Liveness{
		f:   f,
		loc: loc,
		in:  set.MakeBits(0),
		out: set.MakeBits(0),
	}

	gen := set.MakeBits(0)
	kill := set.MakeBits(0)

	for _, b := range f.Blocks {
		for _, x := range b.Code {
			if x.Reads(loc) {
				gen.Set(b.ID)
				break
			}

			if d, ok := x.Writes(); ok && d == loc {
				kill.Set(b.ID)
				break
			}
		}
	}

	po := PostOrder(f)

	for changed := true; changed; {
		changed = false

		for _, id := range po {
			b := f.Blocks[id]

			out := false
			for _, s := range b.Succs {
				if l.in.IsSet(s) {
					out = true
					break
				}
			}

			in := gen.IsSet(id) || out && !kill.IsSet(id)

			if out && !l.out.IsSet(id) {
				l.out.Set(id)
				changed = true
			}

			if in && !l.in.IsSet(id) {
				l.in.Set(id)
				changed = true
			}
		}
	}

	return l
}

func (l *Liveness) LiveIn(b int) bool  { return l.in.IsSet(b) }
func (l *Liveness) LiveOut(b int) bool { return l.out.IsSet(b) }

// LiveAfter reports whether the location value right after instruction pos of block b
// may be read later.
func (l *Liveness) LiveAfter(b, pos int) bool {
	blk := l.f.Block(b)
	if blk == nil || pos < 0 || pos >= len(blk.Code) {
		return true
	}

	for _, x := range blk.Code[pos+1:] {
		if x.Reads(l.loc) {
			return true
		}

		if d, ok := x.Writes(); ok && d == l.loc {
			return false
		}
	}

	return l.out.IsSet(b)
}
