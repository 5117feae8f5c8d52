package etf

// Equal implements the type-strict structural equality §4.1 requires:
// no cross-variant equality (a List of small integers never equals an
// ErlString even when they represent the same text), except the Ref
// special case in §8 (old/new style refs compare equal when node,
// creation, and the first id word match).
func Equal(a, b Term) bool {
	switch av := a.(type) {
	case Atom:
		bv, ok := b.(Atom)
		return ok && av == bv
	case Integer:
		bv, ok := b.(Integer)
		if !ok {
			return false
		}
		if as, aok := av.Int64(); aok {
			if bs, bok := bv.Int64(); bok {
				return as == bs
			}
			return false
		}
		return av.Big().Cmp(bv.Big()) == 0
	case Float:
		bv, ok := b.(Float)
		return ok && av == bv
	case ErlString:
		bv, ok := b.(ErlString)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case Binary:
		bv, ok := b.(Binary)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case BitString:
		bv, ok := b.(BitString)
		return ok && av.PadBits == bv.PadBits && bytesEqual(av.Data, bv.Data)
	case Tuple:
		bv, ok := b.(Tuple)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case List:
		bv, ok := b.(List)
		if !ok || len(av.Items) != len(bv.Items) {
			return false
		}
		for i := range av.Items {
			if !Equal(av.Items[i], bv.Items[i]) {
				return false
			}
		}
		if (av.Tail == nil) != (bv.Tail == nil) {
			return false
		}
		if av.Tail != nil {
			return Equal(av.Tail, bv.Tail)
		}
		return true
	case Pid:
		bv, ok := b.(Pid)
		return ok && av == bv
	case Port:
		bv, ok := b.(Port)
		return ok && av == bv
	case Ref:
		bv, ok := b.(Ref)
		if !ok {
			return false
		}
		return refEqual(av, bv)
	case ExternalFun:
		bv, ok := b.(ExternalFun)
		return ok && av == bv
	case Fun:
		bv, ok := b.(Fun)
		if !ok || av.NewFun != bv.NewFun || av.Module != bv.Module || len(av.FreeVars) != len(bv.FreeVars) {
			return false
		}
		for i := range av.FreeVars {
			if !Equal(av.FreeVars[i], bv.FreeVars[i]) {
				return false
			}
		}
		if av.NewFun {
			return av.Arity == bv.Arity && av.MD5 == bv.MD5 && av.OldIndex == bv.OldIndex
		}
		return av.Pid == bv.Pid && av.Index == bv.Index && av.Uniq == bv.Uniq
	case Compressed:
		bv, ok := b.(Compressed)
		return ok && Equal(av.Inner, bv.Inner)
	default:
		return false
	}
}

// refEqual is the rule §3/§8 require: node, creation, and first id word
// must match; if both refs carry 3 id words, all three must match.
func refEqual(a, b Ref) bool {
	if a.Node != b.Node || a.Creation != b.Creation {
		return false
	}
	if len(a.IDs) == 0 || len(b.IDs) == 0 || a.IDs[0] != b.IDs[0] {
		return false
	}
	if len(a.IDs) == 3 && len(b.IDs) == 3 {
		return a.IDs[1] == b.IDs[1] && a.IDs[2] == b.IDs[2]
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
