package etf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"

	"github.com/vonwenm/eclus/errs"
)

// Decoder reads terms from a byte slice, advancing an internal cursor.
// It never partially constructs a term on failure (§4.2): any error
// return leaves the caller with only the error, no partial Term.
type Decoder struct {
	buf   []byte
	pos   int
	depth int // nested Compressed wrappers seen so far
}

// NewDecoder wraps buf for reading.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return errs.New(errs.Decode, "need %d bytes at offset %d, have %d", n, d.pos, len(d.buf)-d.pos)
	}
	return nil
}

func (d *Decoder) byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) bytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) u16() (uint16, error) {
	b, err := d.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) u32() (uint32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Decode reads one top-level term: a 0x83 version byte followed by the
// term's own encoding, per Encode's contract.
func Decode(buf []byte) (Term, error) {
	d := NewDecoder(buf)
	tag, err := d.byte()
	if err != nil {
		return nil, err
	}
	if tag != tagVersion {
		return nil, errs.New(errs.Decode, "expected version byte 0x83, got 0x%02x", tag)
	}
	t, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DecodeTerm reads one term with no leading version byte, the shape
// nested values (tuple/list elements, control tuple fields) appear in.
func DecodeTerm(buf []byte) (Term, int, error) {
	d := NewDecoder(buf)
	t, err := d.decodeTerm()
	if err != nil {
		return nil, 0, err
	}
	return t, d.pos, nil
}

func (d *Decoder) decodeTerm() (Term, error) {
	tag, err := d.byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagSmallInt:
		b, err := d.byte()
		if err != nil {
			return nil, err
		}
		return NewInteger(int64(b)), nil
	case tagInt:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}
		return NewInteger(int64(int32(v))), nil
	case tagOldFloat:
		raw, err := d.bytes(31)
		if err != nil {
			return nil, err
		}
		return decodeOldFloat(raw)
	case tagNewFloat:
		raw, err := d.bytes(8)
		if err != nil {
			return nil, err
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(raw))), nil
	case tagAtom:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return Atom(latin1Decode(raw)), nil
	case tagSmallTuple:
		n, err := d.byte()
		if err != nil {
			return nil, err
		}
		return d.decodeTupleBody(int(n))
	case tagLargeTuple:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.decodeTupleBody(int(n))
	case tagNil:
		return List{}, nil
	case tagString:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		s := make(ErlString, len(raw))
		for i, b := range raw {
			s[i] = rune(b)
		}
		return s, nil
	case tagList:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		items := make([]Term, n)
		for i := range items {
			it, err := d.decodeTerm()
			if err != nil {
				return nil, err
			}
			items[i] = it
		}
		tail, err := d.decodeTerm()
		if err != nil {
			return nil, err
		}
		if nilList, ok := tail.(List); ok && len(nilList.Items) == 0 && nilList.Tail == nil {
			return List{Items: items}, nil
		}
		return List{Items: items, Tail: tail}, nil
	case tagBinary:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return Binary(cp), nil
	case tagBitBinary:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		pad, err := d.byte()
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return NewBitString(cp, pad), nil
	case tagSmallBig:
		n, err := d.byte()
		if err != nil {
			return nil, err
		}
		return d.decodeBig(int(n))
	case tagLargeBig:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.decodeBig(int(n))
	case tagPid:
		return d.decodePid()
	case tagPort:
		return d.decodePort()
	case tagRef:
		return d.decodeOldRef()
	case tagNewRef:
		return d.decodeNewRef()
	case tagFun:
		return d.decodeFun()
	case tagNewFun:
		return d.decodeNewFun()
	case tagExternalFun:
		return d.decodeExternalFun()
	case tagCompressed:
		return d.decodeCompressed()
	default:
		return nil, errs.New(errs.Decode, "unknown tag 0x%02x at offset %d", tag, d.pos-1)
	}
}

func latin1Decode(raw []byte) string {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

func (d *Decoder) decodeTupleBody(n int) (Term, error) {
	if n > 255*255*255 {
		return nil, errs.New(errs.Decode, "tuple arity %d implausibly large", n)
	}
	items := make(Tuple, n)
	for i := range items {
		el, err := d.decodeTerm()
		if err != nil {
			return nil, err
		}
		items[i] = el
	}
	return items, nil
}

func decodeOldFloat(raw []byte) (Term, error) {
	// Legacy textual float representation, "%.20e"-ish ASCII; rarely
	// seen on the wire from modern Erlang, kept for decode completeness.
	end := bytes.IndexByte(raw, 0)
	s := raw
	if end >= 0 {
		s = raw[:end]
	}
	var f float64
	if _, err := fmt.Sscan(string(s), &f); err != nil {
		return nil, errs.Wrap(errs.Decode, err, "old float")
	}
	return Float(f), nil
}

func (d *Decoder) decodeBig(n int) (Term, error) {
	sign, err := d.byte()
	if err != nil {
		return nil, err
	}
	le, err := d.bytes(n)
	if err != nil {
		return nil, err
	}
	be := make([]byte, n)
	for i, b := range le {
		be[n-1-i] = b
	}
	v := new(big.Int).SetBytes(be)
	if sign == 1 {
		v.Neg(v)
	}
	return NewBigInt(v), nil
}

func (d *Decoder) decodePid() (Term, error) {
	node, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	nodeAtom, ok := node.(Atom)
	if !ok {
		return nil, errs.New(errs.Decode, "pid node must be an atom")
	}
	id, err := d.u32()
	if err != nil {
		return nil, err
	}
	serial, err := d.u32()
	if err != nil {
		return nil, err
	}
	creation, err := d.byte()
	if err != nil {
		return nil, err
	}
	return Pid{Node: nodeAtom, ID: id & 0x7FFF, Serial: serial & 0x1FFF, Creation: uint32(creation) & 0x3}, nil
}

func (d *Decoder) decodePort() (Term, error) {
	node, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	nodeAtom, ok := node.(Atom)
	if !ok {
		return nil, errs.New(errs.Decode, "port node must be an atom")
	}
	id, err := d.u32()
	if err != nil {
		return nil, err
	}
	creation, err := d.byte()
	if err != nil {
		return nil, err
	}
	return Port{Node: nodeAtom, ID: id & 0xFFFFFFF, Creation: uint32(creation) & 0x3}, nil
}

func (d *Decoder) decodeOldRef() (Term, error) {
	node, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	nodeAtom, ok := node.(Atom)
	if !ok {
		return nil, errs.New(errs.Decode, "ref node must be an atom")
	}
	id, err := d.u32()
	if err != nil {
		return nil, err
	}
	creation, err := d.byte()
	if err != nil {
		return nil, err
	}
	return Ref{Node: nodeAtom, Creation: uint32(creation) & 0x3, IDs: []uint32{id & 0x3FFFF}}, nil
}

func (d *Decoder) decodeNewRef() (Term, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	if n > 3 {
		return nil, errs.New(errs.Decode, "new ref arity %d exceeds 3", n)
	}
	node, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	nodeAtom, ok := node.(Atom)
	if !ok {
		return nil, errs.New(errs.Decode, "ref node must be an atom")
	}
	creation, err := d.byte()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, n)
	for i := range ids {
		v, err := d.u32()
		if err != nil {
			return nil, err
		}
		if i == 0 {
			v &= 0x3FFFF
		}
		ids[i] = v
	}
	return Ref{Node: nodeAtom, Creation: uint32(creation) & 0x3, IDs: ids}, nil
}

func (d *Decoder) decodeFun() (Term, error) {
	pidTerm, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	pid, ok := pidTerm.(Pid)
	if !ok {
		return nil, errs.New(errs.Decode, "fun owner must be a pid")
	}
	modTerm, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	mod, ok := modTerm.(Atom)
	if !ok {
		return nil, errs.New(errs.Decode, "fun module must be an atom")
	}
	idxTerm, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	uniqTerm, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	idx, err := mustInt32(idxTerm)
	if err != nil {
		return nil, err
	}
	uniq, err := mustInt32(uniqTerm)
	if err != nil {
		return nil, err
	}
	return Fun{Pid: pid, Module: mod, Index: idx, Uniq: uniq}, nil
}

func (d *Decoder) decodeNewFun() (Term, error) {
	size, err := d.u32()
	if err != nil {
		return nil, err
	}
	start := d.pos
	arity, err := d.byte()
	if err != nil {
		return nil, err
	}
	md5raw, err := d.bytes(16)
	if err != nil {
		return nil, err
	}
	var md5 [16]byte
	copy(md5[:], md5raw)
	oldIndex, err := d.u32()
	if err != nil {
		return nil, err
	}
	numFree, err := d.u32()
	if err != nil {
		return nil, err
	}
	modTerm, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	mod, ok := modTerm.(Atom)
	if !ok {
		return nil, errs.New(errs.Decode, "newfun module must be an atom")
	}
	if _, err := d.decodeTerm(); err != nil { // old_index (redundant with header)
		return nil, err
	}
	uniqTerm, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	uniq, err := mustInt32(uniqTerm)
	if err != nil {
		return nil, err
	}
	pidTerm, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	pid, ok := pidTerm.(Pid)
	if !ok {
		return nil, errs.New(errs.Decode, "newfun owner must be a pid")
	}
	free := make([]Term, numFree)
	for i := range free {
		fv, err := d.decodeTerm()
		if err != nil {
			return nil, err
		}
		free[i] = fv
	}
	// The header declares a total size; validate the body matched it
	// rather than trusting our own field-by-field parse blindly.
	if got := uint32(d.pos - start + 4); got != size {
		return nil, errs.New(errs.Decode, "newfun size mismatch: header says %d, consumed %d", size, got)
	}
	return Fun{
		NewFun:   true,
		Pid:      pid,
		Module:   mod,
		Arity:    arity,
		MD5:      md5,
		OldIndex: int32(oldIndex),
		Uniq:     uniq,
		FreeVars: free,
	}, nil
}

func (d *Decoder) decodeExternalFun() (Term, error) {
	modTerm, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	mod, ok := modTerm.(Atom)
	if !ok {
		return nil, errs.New(errs.Decode, "external fun module must be an atom")
	}
	funTerm, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	fun, ok := funTerm.(Atom)
	if !ok {
		return nil, errs.New(errs.Decode, "external fun function must be an atom")
	}
	arityTerm, err := d.decodeTerm()
	if err != nil {
		return nil, err
	}
	arity, err := mustInt32(arityTerm)
	if err != nil {
		return nil, err
	}
	if arity < 0 || arity > 255 {
		return nil, errs.New(errs.Range, "external fun arity %d out of range", arity)
	}
	return ExternalFun{Module: mod, Function: fun, Arity: uint8(arity)}, nil
}

func (d *Decoder) decodeCompressed() (Term, error) {
	if d.depth >= maxCompressedDepth {
		return nil, errs.New(errs.Decode, "compressed term nesting exceeds limit of %d", maxCompressedDepth)
	}
	uncompressedLen, err := d.u32()
	if err != nil {
		return nil, err
	}
	rest := d.buf[d.pos:]
	zr, err := zlib.NewReader(bytes.NewReader(rest))
	if err != nil {
		return nil, errs.Wrap(errs.Decode, err, "compressed term: bad zlib header")
	}
	defer zr.Close()
	raw := make([]byte, uncompressedLen)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, errs.Wrap(errs.Decode, err, "compressed term: short read")
	}
	inner := &Decoder{buf: raw, depth: d.depth + 1}
	t, err := inner.decodeTerm()
	if err != nil {
		return nil, err
	}
	// Consume however many zlib-stream bytes were actually used; without
	// framing we cannot know exactly, so treat the wrapper as terminal
	// within its containing term (the only place Compressed may appear
	// in the control/message protocol is as the whole payload).
	d.pos = len(d.buf)
	return t, nil
}

func mustInt32(t Term) (int32, error) {
	i, ok := t.(Integer)
	if !ok {
		return 0, errs.New(errs.Decode, "expected integer, got %T", t)
	}
	v, ok := i.Int64()
	if !ok || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, errs.New(errs.Range, "integer %v does not fit in int32", i)
	}
	return int32(v), nil
}
