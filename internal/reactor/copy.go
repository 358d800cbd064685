package reactor

import "fmt"

// copyInto deep-copies the subtree rooted at src as a child of parent,
// inserting at index at (append when at < 0 or out of range). hist records
// the copy mechanism. Control statements (when-feature) are not copied:
// their gates were evaluated where they were declared. Pruned sources are
// skipped entirely.
//
// Each copy's previous incarnation is set at copy time, so original
// resolution only ever follows an already-linked chain.
func (s *BuildSession) copyInto(src, parent Handle, hist CopyHistory, at int) (Handle, error) {
	sc := s.ctx(src)
	if !sc.supported {
		return NoHandle, nil
	}
	h := Handle(len(s.arena))
	c := &statementContext{
		handle:     h,
		parent:     parent,
		doc:        s.ctx(parent).doc,
		keyword:    sc.keyword,
		raw:        sc.raw,
		arg:        sc.arg,
		loc:        sc.loc,
		completed:  sc.completed,
		hooked:     sc.completed,
		copyHist:   hist,
		previous:   src,
		original:   NoHandle,
		supported:  true,
		typeTarget: sc.typeTarget,
	}
	s.arena = append(s.arena, c)

	p := s.ctx(parent)
	if at < 0 || at >= len(p.children) {
		p.children = append(p.children, h)
	} else {
		p.children = append(p.children, NoHandle)
		copy(p.children[at+1:], p.children[at:])
		p.children[at] = h
	}

	if kind := s.kinds.lookup(c.keyword); kind != nil && kind.BindsChild {
		// Copies re-register under their new parent so paths and duplicate
		// detection see the grafted tree.
		if err := s.AddTo(ChildNS, parent, c.arg, h); err != nil {
			return h, err
		}
	}

	for _, ch := range sc.children {
		cc := s.ctx(ch)
		if cc.keyword == kwWhenFeature {
			continue
		}
		// An expanded embed's products sit next to it and are copied on
		// their own; copying the consumed marker too would expand twice.
		if cc.keyword == kwEmbed && cc.expanded {
			continue
		}
		if _, err := s.copyInto(ch, h, hist, -1); err != nil {
			return h, err
		}
	}
	return h, nil
}

// PreviousIncarnation returns the context h was copied from, or NoHandle for
// a directly declared context.
func (s *BuildSession) PreviousIncarnation(h Handle) Handle {
	return s.ctx(h).previous
}

// CopyHistoryOf returns how h entered the tree.
func (s *BuildSession) CopyHistoryOf(h Handle) CopyHistory {
	return s.ctx(h).copyHist
}

// Original resolves the true original incarnation of h by following previous
// incarnation pointers until a context that is its own original. The chain
// is finite because copy depth strictly decreases along it; the result is
// cached so repeated calls return the identical context. Calling this on a
// copy whose linkage has not been established is a programming error.
func (s *BuildSession) Original(h Handle) Handle {
	c := s.ctx(h)
	if c.copyHist == CopyNone {
		return h
	}
	if c.original != NoHandle {
		return c.original
	}
	if c.previous == NoHandle {
		panic(fmt.Sprintf("reactor: original of %s read before copy resolution", s.describe(h)))
	}
	orig := s.Original(c.previous)
	c.original = orig
	return orig
}
