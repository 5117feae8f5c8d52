package etf

import "math"

// Per-variant seed constants so e.g. an empty Tuple and an empty List
// never collide just because both reduce to "no elements" (§4.1: "hash
// uses a three-word mix seeded by a per-variant constant").
const (
	seedAtom = 0x9e3779b9 + iota
	seedInteger
	seedFloat
	seedString
	seedBinary
	seedBitString
	seedTuple
	seedList
	seedPid
	seedPort
	seedRef
	seedFun
	seedExternalFun
	seedCompressed
)

// jenkinsMix is the three-word (a, b, c) mix step of Bob Jenkins's
// lookup2 hash; it returns the final c word.
func jenkinsMix(a, b, c uint32) uint32 {
	a -= b
	a -= c
	a ^= c >> 13
	b -= c
	b -= a
	b ^= a << 8
	c -= a
	c -= b
	c ^= b >> 13
	a -= b
	a -= c
	a ^= c >> 12
	b -= c
	b -= a
	b ^= a << 16
	c -= a
	c -= b
	c ^= b >> 5
	a -= b
	a -= c
	a ^= c >> 3
	b -= c
	b -= a
	b ^= a << 10
	c -= a
	c -= b
	c ^= b >> 15
	return c
}

func mixBytes(seed uint32, data []byte) uint32 {
	a, b, c := seed, seed, uint32(len(data))
	for len(data) >= 12 {
		a += u32le(data[0:4])
		b += u32le(data[4:8])
		c += u32le(data[8:12])
		c = jenkinsMix(a, b, c)
		a, b = c, c
		data = data[12:]
	}
	var tail [12]byte
	copy(tail[:], data)
	a += u32le(tail[0:4])
	b += u32le(tail[4:8])
	c += u32le(tail[8:12])
	return jenkinsMix(a, b, c)
}

func u32le(b []byte) uint32 {
	var v uint32
	for i := 0; i < len(b) && i < 4; i++ {
		v |= uint32(b[i]) << (8 * uint(i))
	}
	return v
}

// Hash returns a hash consistent with Equal: Equal(a, b) implies
// Hash(a) == Hash(b). It ignores internal caches (e.g. Integer's small
// fast-path flag contributes nothing beyond the numeric value).
func Hash(t Term) uint32 {
	switch v := t.(type) {
	case Atom:
		return mixBytes(seedAtom, []byte(v))
	case Integer:
		if n, ok := v.Int64(); ok {
			return mixBytes(seedInteger, []byte{
				byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
				byte(n >> 32), byte(n >> 40), byte(n >> 48), byte(n >> 56),
			})
		}
		return mixBytes(seedInteger, v.Big().Bytes())
	case Float:
		return mixBytes(seedFloat, f64Bytes(float64(v)))
	case ErlString:
		buf := make([]byte, 0, len(v)*4)
		for _, r := range v {
			buf = append(buf, byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
		}
		return mixBytes(seedString, buf)
	case Binary:
		return mixBytes(seedBinary, v)
	case BitString:
		return mixBytes(seedBitString, append(append([]byte{}, v.Data...), v.PadBits))
	case Tuple:
		h := uint32(seedTuple)
		for _, e := range v {
			h = jenkinsMix(h, Hash(e), uint32(len(v)))
		}
		return h
	case List:
		h := uint32(seedList)
		for _, e := range v.Items {
			h = jenkinsMix(h, Hash(e), uint32(len(v.Items)))
		}
		if v.Tail != nil {
			h = jenkinsMix(h, Hash(v.Tail), 1)
		}
		return h
	case Pid:
		return mixBytes(seedPid, mixFields(uint32(v.ID), v.Serial, v.Creation, []byte(v.Node)))
	case Port:
		return mixBytes(seedPort, mixFields(v.ID, v.Creation, 0, []byte(v.Node)))
	case Ref:
		// Only node/creation/first id participate, matching the equality
		// rule so Equal(a,b) => Hash(a)==Hash(b) even across old/new refs.
		var first uint32
		if len(v.IDs) > 0 {
			first = v.IDs[0]
		}
		return mixBytes(seedRef, mixFields(first, v.Creation, 0, []byte(v.Node)))
	case ExternalFun:
		return mixBytes(seedExternalFun, append(append([]byte(v.Module), []byte(v.Function)...), v.Arity))
	case Fun:
		h := uint32(seedFun)
		for _, fv := range v.FreeVars {
			h = jenkinsMix(h, Hash(fv), 1)
		}
		idx := uint32(v.Index)
		if v.NewFun {
			idx = uint32(v.OldIndex)
		}
		return jenkinsMix(h, mixBytes(0, []byte(v.Module)), idx)
	case Compressed:
		return jenkinsMix(seedCompressed, Hash(v.Inner), 0)
	default:
		return 0
	}
}

func mixFields(a, b, c uint32, tail []byte) []byte {
	buf := make([]byte, 12, 12+len(tail))
	buf[0], buf[1], buf[2], buf[3] = byte(a), byte(a>>8), byte(a>>16), byte(a>>24)
	buf[4], buf[5], buf[6], buf[7] = byte(b), byte(b>>8), byte(b>>16), byte(b>>24)
	buf[8], buf[9], buf[10], buf[11] = byte(c), byte(c>>8), byte(c>>16), byte(c>>24)
	return append(buf, tail...)
}

func f64Bytes(f float64) []byte {
	bits := math.Float64bits(f)
	return []byte{
		byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24),
		byte(bits >> 32), byte(bits >> 40), byte(bits >> 48), byte(bits >> 56),
	}
}
