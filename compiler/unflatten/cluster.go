package unflatten

import (
	"tlog.app/go/errors"

	"github.com/slowlang/unflat/compiler/ir"
)

type (
	// Dominators is the dominator tree query the pass consumes.
	Dominators interface {
		Idom(b int) int
		Dominates(a, b int) bool
	}

	clusterHead struct {
		id  int
		err error
	}
)

func defaultDom(f *ir.Func) Dominators { return ir.ComputeDom(f) }

// dominators returns the dominator tree of the current graph generation.
func (p *Pass) dominators(f *ir.Func) Dominators {
	if p.dom != nil && p.domGen == p.gen {
		return p.dom
	}

	domf := p.Dom
	if domf == nil {
		domf = defaultDom
	}

	p.dom = domf(f)
	p.domGen = p.gen

	for k := range p.heads {
		delete(p.heads, k)
	}

	return p.dom
}

// GetDominatedClusterHead walks the dominator tree up from a dispatcher predecessor
// to the nearest block the dispatcher jumps to. Blocks before the dispatcher
// belong to the cluster headed by the function entry.
func (p *Pass) GetDominatedClusterHead(f *ir.Func, dom Dominators, pred int) (*ir.Block, int, error) {
	if p.info == nil {
		return nil, ir.None, ErrPatternNotFound
	}

	if h, ok := p.heads[pred]; ok {
		if h.err != nil {
			return nil, ir.None, h.err
		}

		return f.Blocks[h.id], h.id, nil
	}

	id, err := p.clusterHead(f, dom, pred)

	if p.heads == nil {
		p.heads = make(map[int]clusterHead)
	}

	p.heads[pred] = clusterHead{id: id, err: err}

	if err != nil {
		return nil, ir.None, err
	}

	return f.Blocks[id], id, nil
}

func (p *Pass) clusterHead(f *ir.Func, dom Dominators, pred int) (int, error) {
	b := pred

	for steps := 0; steps <= len(f.Blocks); steps++ {
		switch {
		case p.info.IsDispatcher(b):
			return ir.None, errors.Wrap(ErrNoClusterHead, "block %d: dominated by dispatcher block %d", pred, b)
		case p.info.IsTarget(b), b == f.Entry:
			return b, nil
		}

		b = dom.Idom(b)

		if b == ir.None {
			return ir.None, errors.Wrap(ErrNoClusterHead, "block %d: unreachable", pred)
		}
	}

	return ir.None, errors.Wrap(ErrInvariant, "block %d: cluster head walk cycles", pred)
}
