package ir

type DomTree struct {
	idom   []int
	rpo    []int
	rpoNum []int
}

// PostOrder returns blocks reachable from the entry in post-order.
func PostOrder(f *Func) []int {
	if f.Block(f.Entry) == nil {
		return nil
	}

	type frame struct {
		b, next int
	}

	seen := make([]bool, len(f.Blocks))
	order := make([]int, 0, len(f.Blocks))
	stack := []frame{{b: f.Entry}}
	seen[f.Entry] = true

	for len(stack) != 0 {
		top := &stack[len(stack)-1]
		succs := f.Blocks[top.b].Succs

		if top.next < len(succs) {
			s := succs[top.next]
			top.next++

			if s >= 0 && s < len(seen) && !seen[s] {
				seen[s] = true
				stack = append(stack, frame{b: s})
			}

			continue
		}

		order = append(order, top.b)
		stack = stack[:len(stack)-1]
	}

	return order
}

func ReversePostOrder(f *Func) []int {
	po := PostOrder(f)

	for i, j := 0, len(po)-1; i < j; i, j = i+1, j-1 {
		po[i], po[j] = po[j], po[i]
	}

	return po
}

// ComputeDom builds the dominator tree using
// Cooper, Harvey and Kennedy "A Simple, Fast Dominance Algorithm".
func ComputeDom(f *Func) *DomTree {
	n := len(f.Blocks)

	d := &DomTree{
		idom:   make([]int, n),
		rpo:    ReversePostOrder(f),
		rpoNum: make([]int, n),
	}

	for i := range d.idom {
		d.idom[i] = None
		d.rpoNum[i] = None
	}

	if len(d.rpo) == 0 {
		return d
	}

	for i, b := range d.rpo {
		d.rpoNum[b] = i
	}

	entry := d.rpo[0]
	d.idom[entry] = entry

	intersect := func(a, b int) int {
		for a != b {
			for d.rpoNum[a] > d.rpoNum[b] {
				a = d.idom[a]
			}
			for d.rpoNum[b] > d.rpoNum[a] {
				b = d.idom[b]
			}
		}

		return a
	}

	for changed := true; changed; {
		changed = false

		for _, b := range d.rpo[1:] {
			nidom := None

			for _, p := range f.Blocks[b].Preds {
				if d.rpoNum[p] == None || d.idom[p] == None {
					continue
				}

				if nidom == None {
					nidom = p
				} else {
					nidom = intersect(p, nidom)
				}
			}

			if nidom != None && d.idom[b] != nidom {
				d.idom[b] = nidom
				changed = true
			}
		}
	}

	d.idom[entry] = None

	return d
}

// Idom returns the immediate dominator or None for the entry and unreachable blocks.
func (d *DomTree) Idom(b int) int {
	if b < 0 || b >= len(d.idom) {
		return None
	}

	return d.idom[b]
}

func (d *DomTree) Reachable(b int) bool {
	return b >= 0 && b < len(d.rpoNum) && d.rpoNum[b] != None
}

// Dominates reports whether a dominates b. A block dominates itself.
func (d *DomTree) Dominates(a, b int) bool {
	if !d.Reachable(a) || !d.Reachable(b) {
		return false
	}

	for steps := 0; b != None && steps <= len(d.idom); steps++ {
		if b == a {
			return true
		}

		if d.rpoNum[b] < d.rpoNum[a] {
			return false
		}

		b = d.idom[b]
	}

	return false
}

func (d *DomTree) RPO() []int { return d.rpo }

func (d *DomTree) RPONum(b int) int {
	if b < 0 || b >= len(d.rpoNum) {
		return None
	}

	return d.rpoNum[b]
}
