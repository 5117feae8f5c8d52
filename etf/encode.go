package etf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"math/big"
)

// Encoder accumulates the wire bytes for one or more terms. It supports
// Poke, a seek-and-overwrite used by NewFun's size back-patch (§4.2).
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated wire bytes.
func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

// Len reports the current buffer length, used as a save-point before a
// later Poke.
func (e *Encoder) Len() int { return e.buf.Len() }

func (e *Encoder) byte(b byte) { e.buf.WriteByte(b) }

func (e *Encoder) bytes(b []byte) { e.buf.Write(b) }

func (e *Encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

// Poke overwrites 4 bytes at offset (set earlier via Len) with v,
// big-endian. Used by the NewFun encoder to back-patch its total size
// once the closure body has been written.
func (e *Encoder) Poke(offset int, v uint32) {
	raw := e.buf.Bytes()
	binary.BigEndian.PutUint32(raw[offset:offset+4], v)
}

// Encode writes t as a top-level term: the 0x83 version byte followed
// by the term's own encoding. This is the only place the version byte
// is emitted — nested encode() calls never write it (§4.2).
func Encode(t Term) []byte {
	e := NewEncoder()
	e.byte(tagVersion)
	t.encode(e)
	return e.Bytes()
}

func (a Atom) encode(e *Encoder) {
	e.byte(tagAtom)
	e.u16(uint16(len(a)))
	e.bytes(latin1Encode(string(a)))
}

// latin1Encode maps each rune to its ISO-8859-1 byte value; callers are
// expected to have already validated the atom is representable (the
// Term invariant: atoms are Latin-1 by construction).
func latin1Encode(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return out
}

func (i Integer) encode(e *Encoder) {
	if v, ok := i.Int64(); ok {
		switch {
		case v >= 0 && v <= 255:
			e.byte(tagSmallInt)
			e.byte(byte(v))
			return
		case v >= -(1<<27) && v <= (1<<27)-1:
			e.byte(tagInt)
			e.u32(uint32(int32(v)))
			return
		}
	}
	encodeBig(e, i.Big())
}

func encodeBig(e *Encoder, v *big.Int) {
	sign := byte(0)
	mag := new(big.Int).Set(v)
	if v.Sign() < 0 {
		sign = 1
		mag.Neg(mag)
	}
	be := mag.Bytes() // big-endian magnitude
	le := make([]byte, len(be))
	for i, b := range be {
		le[len(be)-1-i] = b
	}
	if len(le) <= 255 {
		e.byte(tagSmallBig)
		e.byte(byte(len(le)))
	} else {
		e.byte(tagLargeBig)
		e.u32(uint32(len(le)))
	}
	e.byte(sign)
	e.bytes(le)
}

func (f Float) encode(e *Encoder) {
	e.byte(tagNewFloat)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(float64(f)))
	e.bytes(b[:])
}

func (s ErlString) encode(e *Encoder) {
	if len(s) == 0 {
		e.byte(tagNil)
		return
	}
	if len(s) <= 65535 && allLatin1(s) {
		e.byte(tagString)
		e.u16(uint16(len(s)))
		for _, r := range s {
			e.byte(byte(r))
		}
		return
	}
	// List-of-integers fallback, terminated like any proper list.
	e.byte(tagList)
	e.u32(uint32(len(s)))
	for _, r := range s {
		NewInteger(int64(r)).encode(e)
	}
	e.byte(tagNil)
}

func allLatin1(s ErlString) bool {
	for _, r := range s {
		if r > 255 {
			return false
		}
	}
	return true
}

func (b Binary) encode(e *Encoder) {
	e.byte(tagBinary)
	e.u32(uint32(len(b)))
	e.bytes(b)
}

func (b BitString) encode(e *Encoder) {
	e.byte(tagBitBinary)
	e.u32(uint32(len(b.Data)))
	e.byte(b.PadBits)
	e.bytes(b.Data)
}

func (t Tuple) encode(e *Encoder) {
	if len(t) < 255 {
		e.byte(tagSmallTuple)
		e.byte(byte(len(t)))
	} else {
		e.byte(tagLargeTuple)
		e.u32(uint32(len(t)))
	}
	for _, el := range t {
		el.encode(e)
	}
}

func (l List) encode(e *Encoder) {
	if len(l.Items) == 0 {
		e.byte(tagNil)
		return
	}
	e.byte(tagList)
	e.u32(uint32(len(l.Items)))
	for _, el := range l.Items {
		el.encode(e)
	}
	if l.Tail != nil {
		l.Tail.encode(e)
	} else {
		e.byte(tagNil)
	}
}

func (p Pid) encode(e *Encoder) {
	e.byte(tagPid)
	Atom(p.Node).encode(e)
	e.u32(p.ID & 0x7FFF)
	e.u32(p.Serial & 0x1FFF)
	e.byte(byte(p.Creation & 0x3))
}

func (p Port) encode(e *Encoder) {
	e.byte(tagPort)
	Atom(p.Node).encode(e)
	e.u32(p.ID & 0xFFFFFFF)
	e.byte(byte(p.Creation & 0x3))
}

func (r Ref) encode(e *Encoder) {
	if len(r.IDs) <= 1 {
		e.byte(tagRef)
		Atom(r.Node).encode(e)
		var id uint32
		if len(r.IDs) == 1 {
			id = r.IDs[0] & 0x3FFFF
		}
		e.u32(id)
		e.byte(byte(r.Creation & 0x3))
		return
	}
	e.byte(tagNewRef)
	n := len(r.IDs)
	if n > 3 {
		n = 3
	}
	e.u16(uint16(n))
	Atom(r.Node).encode(e)
	e.byte(byte(r.Creation & 0x3))
	for i := 0; i < n; i++ {
		v := r.IDs[i]
		if i == 0 {
			v &= 0x3FFFF
		}
		e.u32(v)
	}
}

func (f Fun) encode(e *Encoder) {
	if !f.NewFun {
		e.byte(tagFun)
		f.Pid.encode(e)
		Atom(f.Module).encode(e)
		NewInteger(int64(f.Index)).encode(e)
		NewInteger(int64(f.Uniq)).encode(e)
		for _, fv := range f.FreeVars {
			fv.encode(e)
		}
		return
	}
	e.byte(tagNewFun)
	sizeOffset := e.Len()
	e.u32(0) // back-patched below
	e.byte(f.Arity)
	e.bytes(f.MD5[:])
	e.u32(uint32(f.OldIndex))
	e.u32(uint32(len(f.FreeVars)))
	Atom(f.Module).encode(e)
	NewInteger(int64(f.OldIndex)).encode(e)
	NewInteger(int64(f.Uniq)).encode(e)
	f.Pid.encode(e)
	for _, fv := range f.FreeVars {
		fv.encode(e)
	}
	e.Poke(sizeOffset, uint32(e.Len()-sizeOffset))
}

func (ef ExternalFun) encode(e *Encoder) {
	e.byte(tagExternalFun)
	Atom(ef.Module).encode(e)
	Atom(ef.Function).encode(e)
	NewInteger(int64(ef.Arity)).encode(e)
}

func (c Compressed) encode(e *Encoder) {
	inner := NewEncoder()
	c.Inner.encode(inner)
	raw := inner.Bytes()

	var zbuf bytes.Buffer
	w := zlib.NewWriter(&zbuf)
	_, _ = w.Write(raw)
	_ = w.Close()

	e.byte(tagCompressed)
	e.u32(uint32(len(raw)))
	e.bytes(zbuf.Bytes())
}
