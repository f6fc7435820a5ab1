package unflatten

import (
	"sort"

	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/unflat/compiler/ir"
)

type (
	// MoveChainEntry is an assignment Dst = Src at Code[Pos] of Block.
	MoveChainEntry struct {
		Block int
		Pos   int
		Src   ir.Operand
		Dst   ir.Loc
	}

	// MoveChain is ordered by program order.
	MoveChain []MoveChainEntry

	// ErasureSet is a set of instructions pending removal.
	ErasureSet struct {
		m    map[erasureKey]MoveChainEntry
		keys []erasureKey
	}

	erasureKey struct {
		block, pos int
	}
)

// Last returns the entry with the greatest position assigning l.
func (c MoveChain) Last(l ir.Loc) (MoveChainEntry, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Dst == l {
			return c[i], true
		}
	}

	return MoveChainEntry{}, false
}

func (c MoveChain) reverse() {
	for i, j := 0, len(c)-1; i < j; i, j = i+1, j-1 {
		c[i], c[j] = c[j], c[i]
	}
}

func (e MoveChainEntry) Insn() ir.Insn { return ir.Mov(e.Dst, e.Src) }

// Matches reports whether the instruction is still in place.
func (e MoveChainEntry) Matches(f *ir.Func) bool {
	b := f.Block(e.Block)
	if b == nil || e.Pos < 0 || e.Pos >= len(b.Code) {
		return false
	}

	x := b.Code[e.Pos]

	return x.Op == ir.OpMov && x.Dst == e.Dst && x.L == e.Src
}

func (s *ErasureSet) Add(c ...MoveChainEntry) {
	if s.m == nil {
		s.m = make(map[erasureKey]MoveChainEntry)
	}

	for _, e := range c {
		k := erasureKey{e.Block, e.Pos}

		if _, ok := s.m[k]; !ok {
			s.keys = append(s.keys, k)
		}

		s.m[k] = e
	}
}

// Promote moves all entries of x into s and clears x.
func (s *ErasureSet) Promote(x *ErasureSet) {
	for _, k := range x.keys {
		s.Add(x.m[k])
	}

	x.Reset()
}

func (s *ErasureSet) Has(block, pos int) bool {
	_, ok := s.m[erasureKey{block, pos}]
	return ok
}

func (s *ErasureSet) Remove(block, pos int) {
	k := erasureKey{block, pos}

	if _, ok := s.m[k]; !ok {
		return
	}

	delete(s.m, k)

	for i, x := range s.keys {
		if x == k {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

func (s *ErasureSet) Len() int { return len(s.keys) }

// Entries returns entries ordered by block, then by descending position,
// which is the order they can be deleted in.
func (s *ErasureSet) Entries() MoveChain {
	r := make(MoveChain, 0, len(s.keys))

	for _, k := range s.keys {
		r = append(r, s.m[k])
	}

	sort.Slice(r, func(i, j int) bool {
		if r[i].Block != r[j].Block {
			return r[i].Block < r[j].Block
		}

		return r[i].Pos > r[j].Pos
	})

	return r
}

// Reset clears the set keeping allocated memory.
func (s *ErasureSet) Reset() {
	for k := range s.m {
		delete(s.m, k)
	}

	s.keys = s.keys[:0]
}

// Free releases memory.
func (s *ErasureSet) Free() {
	s.m = nil
	s.keys = nil
}

func (e MoveChainEntry) TlogAppend(b []byte) []byte {
	var e2 tlwire.Encoder

	b = e2.AppendMap(b, 3)
	b = e2.AppendKeyInt(b, "b", e.Block)
	b = e2.AppendKeyInt(b, "pos", e.Pos)
	b = e2.AppendString(b, "insn")
	b = e2.AppendString(b, e.Insn().String())

	return b
}
