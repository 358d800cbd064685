package reactor

import "modelforge/internal/model"

// freeze snapshots the completed context forest into the immutable
// effective model. Ownership flips here: the reactor-owned mutable tree
// becomes a read-only structure shared by arbitrarily many readers.
func (s *BuildSession) freeze() *model.Model {
	memo := make(map[Handle]*model.Statement, len(s.arena))
	var order []string
	schemas := make(map[string]*model.Statement, len(s.docs))
	aliases := make(map[string]map[string]string, len(s.docs))

	for _, d := range s.docs {
		root := s.buildEffective(d.root, memo)
		name := s.ctx(d.root).arg
		order = append(order, name)
		schemas[name] = root

		am := make(map[string]string)
		for alias := range d.ns[AliasNS.ID] {
			if v, ok := s.lookupDerived(CanonicalNS, d.root, alias); ok {
				am[alias] = v.(string)
			}
		}
		aliases[name] = am
	}

	// Origin links are attached after the whole forest is materialized so
	// copies can point into subtrees built later in document order.
	for h, st := range memo {
		if s.arena[h].copyHist == CopyNone {
			continue
		}
		if orig, ok := memo[s.Original(h)]; ok {
			st.LinkOrigin(orig)
		}
	}
	return model.New(order, schemas, aliases)
}

func (s *BuildSession) buildEffective(h Handle, memo map[Handle]*model.Statement) *model.Statement {
	c := s.ctx(h)
	var children []*model.Statement
	for _, ch := range c.children {
		cc := s.ctx(ch)
		if !cc.supported {
			continue
		}
		if kind := s.kinds.lookup(cc.keyword); kind != nil && kind.Hidden {
			continue
		}
		children = append(children, s.buildEffective(ch, memo))
	}

	kind := s.kinds.lookup(c.keyword)
	var st *model.Statement
	if kind != nil && kind.Effective != nil {
		st = kind.Effective(s, h, children)
	} else {
		st = model.NewStatement(c.keyword, c.arg, c.loc, provenanceOf(c.copyHist), children)
	}
	memo[h] = st
	return st
}

func provenanceOf(ch CopyHistory) model.Provenance {
	switch ch {
	case AddedByEmbed:
		return model.ProvenanceEmbed
	case AddedByExtend:
		return model.ProvenanceExtend
	default:
		return model.ProvenanceNone
	}
}
