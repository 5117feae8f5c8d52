package etf

import (
	"fmt"
	"strings"
)

func (a Atom) String() string { return string(a) }

func (i Integer) String() string {
	if v, ok := i.Int64(); ok {
		return fmt.Sprintf("%d", v)
	}
	return i.Big().String()
}

func (f Float) String() string { return fmt.Sprintf("%g", float64(f)) }

func (s ErlString) String() string { return fmt.Sprintf("%q", string(s)) }

func (b Binary) String() string { return fmt.Sprintf("<<%d bytes>>", len(b)) }

func (b BitString) String() string {
	return fmt.Sprintf("<<%d bytes, %d pad bits>>", len(b.Data), b.PadBits)
}

func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, e := range t {
		parts[i] = e.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (l List) String() string {
	parts := make([]string, len(l.Items))
	for i, e := range l.Items {
		parts[i] = e.String()
	}
	body := strings.Join(parts, ", ")
	if l.Tail == nil {
		return "[" + body + "]"
	}
	return "[" + body + " | " + l.Tail.String() + "]"
}

func (p Pid) String() string {
	return fmt.Sprintf("<%s.%d.%d.%d>", p.Node, p.Creation, p.ID, p.Serial)
}

func (p Port) String() string {
	return fmt.Sprintf("#Port<%s.%d.%d>", p.Node, p.Creation, p.ID)
}

func (r Ref) String() string {
	return fmt.Sprintf("#Ref<%s.%d.%v>", r.Node, r.Creation, r.IDs)
}

func (f Fun) String() string {
	if f.NewFun {
		return fmt.Sprintf("#Fun<%s.%d.%d>", f.Module, f.Arity, f.OldIndex)
	}
	return fmt.Sprintf("#Fun<%s.%d.%d>", f.Module, f.Index, f.Uniq)
}

func (e ExternalFun) String() string {
	return fmt.Sprintf("fun %s:%s/%d", e.Module, e.Function, e.Arity)
}

func (c Compressed) String() string { return "compressed(" + c.Inner.String() + ")" }
