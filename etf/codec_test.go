package etf

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Concrete scenarios from spec.md §8, used to seed round-trip coverage.
func TestEncodeLiterals(t *testing.T) {
	cases := []struct {
		name string
		term Term
		want []byte
	}{
		{"small int 0", NewInteger(0), []byte{97, 0}},
		{"int 1000", NewInteger(1000), []byte{98, 0, 0, 3, 232}},
		{"atom ok", Atom("ok"), []byte{100, 0, 2, 111, 107}},
		{"string hi", ErlString("hi"), []byte{107, 0, 2, 104, 105}},
		{"empty string", ErlString(""), []byte{106}},
		{"tuple a,1", Tuple{Atom("a"), NewInteger(1)}, []byte{104, 2, 100, 0, 1, 97, 97, 1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := NewEncoder()
			c.term.encode(e)
			assert.Equal(t, c.want, e.Bytes())
		})
	}
}

func TestRoundTrip(t *testing.T) {
	big1, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)

	terms := []Term{
		NewInteger(0),
		NewInteger(255),
		NewInteger(256),
		NewInteger(-1),
		NewInteger(1 << 30),
		NewBigInt(big1),
		NewBigInt(new(big.Int).Neg(big1)),
		Float(3.14159),
		Atom("hello"),
		ErlString("a short string"),
		ErlString(""),
		Binary([]byte{1, 2, 3, 4}),
		NewBitString([]byte{0xF0}, 4),
		Tuple{Atom("a"), NewInteger(1), ErlString("x")},
		NewList(NewInteger(1), NewInteger(2), NewInteger(3)),
		List{Items: []Term{NewInteger(1)}, Tail: NewInteger(2)},
		Pid{Node: Atom("a@b"), ID: 42, Serial: 1, Creation: 2},
		Port{Node: Atom("a@b"), ID: 7, Creation: 1},
		Ref{Node: Atom("a@b"), Creation: 1, IDs: []uint32{1, 2, 3}},
		Ref{Node: Atom("a@b"), Creation: 1, IDs: []uint32{99}},
		ExternalFun{Module: Atom("lists"), Function: Atom("map"), Arity: 2},
	}

	for _, term := range terms {
		bytes := Encode(term)
		got, err := Decode(bytes)
		require.NoError(t, err)
		assert.True(t, Equal(term, got), "round trip mismatch for %v: got %v", term, got)

		bytes2 := Encode(term)
		assert.Equal(t, bytes, bytes2, "encoding must be deterministic")
	}
}

func TestIntegerCanonicalization(t *testing.T) {
	cases := []struct {
		v        int64
		wantTag  byte
	}{
		{0, tagSmallInt},
		{255, tagSmallInt},
		{256, tagInt},
		{-1, tagInt},
		{(1 << 27) - 1, tagInt},
		{-(1 << 27), tagInt},
	}
	for _, c := range cases {
		b := Encode(NewInteger(c.v))
		assert.Equal(t, c.wantTag, b[1], "value %d", c.v)
	}

	big1 := new(big.Int).Lsh(big.NewInt(1), 300)
	b := Encode(NewBigInt(big1))
	assert.Equal(t, byte(tagSmallBig), b[1])

	huge := new(big.Int).Lsh(big.NewInt(1), 300*8)
	b2 := Encode(NewBigInt(huge))
	assert.Equal(t, byte(tagLargeBig), b2[1])
}

func TestStringPreference(t *testing.T) {
	ascii := ErlString("within latin1 range")
	b := Encode(ascii)
	assert.Equal(t, byte(tagString), b[1])

	unicode := ErlString([]rune("héllo wörld Ā"))
	b2 := Encode(unicode)
	assert.Equal(t, byte(tagList), b2[1])

	b3 := Encode(ErlString(""))
	assert.Equal(t, byte(tagNil), b3[1])
}

func TestListProperness(t *testing.T) {
	proper := NewList(NewInteger(1), NewInteger(2))
	assert.True(t, proper.IsProper())

	improper := List{Items: []Term{NewInteger(1)}, Tail: NewInteger(2)}
	assert.False(t, improper.IsProper())

	for _, l := range []List{proper, improper} {
		got, err := Decode(Encode(l))
		require.NoError(t, err)
		gl, ok := got.(List)
		require.True(t, ok)
		assert.Equal(t, l.IsProper(), gl.IsProper())
	}
}

func TestRefEquality(t *testing.T) {
	oldRef := Ref{Node: Atom("a@b"), Creation: 1, IDs: []uint32{5}}
	newRefSameFirst := Ref{Node: Atom("a@b"), Creation: 1, IDs: []uint32{5, 99, 100}}
	assert.True(t, Equal(oldRef, newRefSameFirst))

	newRefDifferentFirst := Ref{Node: Atom("a@b"), Creation: 1, IDs: []uint32{6, 99, 100}}
	assert.False(t, Equal(oldRef, newRefDifferentFirst))

	newRefA := Ref{Node: Atom("a@b"), Creation: 1, IDs: []uint32{5, 1, 2}}
	newRefB := Ref{Node: Atom("a@b"), Creation: 1, IDs: []uint32{5, 1, 3}}
	assert.False(t, Equal(newRefA, newRefB))
}

func TestStringVsListDistinct(t *testing.T) {
	s := ErlString("hi")
	l := NewList(NewInteger('h'), NewInteger('i'))
	assert.False(t, Equal(s, l))
}

func TestHashConsistentWithEqual(t *testing.T) {
	a := Tuple{Atom("x"), NewInteger(1)}
	b := Tuple{Atom("x"), NewInteger(1)}
	assert.True(t, Equal(a, b))
	assert.Equal(t, Hash(a), Hash(b))

	c := NewList(Atom("x"), NewInteger(1))
	assert.False(t, Equal(a, c))
}

func TestCompressedRoundTrip(t *testing.T) {
	inner := NewList(NewInteger(1), NewInteger(2), ErlString("repeat repeat repeat repeat"))
	wrapped := Compressed{Inner: inner}
	b := Encode(wrapped)
	assert.Equal(t, byte(tagCompressed), b[1])

	got, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, Equal(inner, got))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{tagVersion, 0xFF})
	require.Error(t, err)

	_, err = Decode([]byte{tagVersion, tagAtom, 0, 10, 'a', 'b'})
	require.Error(t, err)

	_, err = Decode([]byte{0x00})
	require.Error(t, err)
}

func TestNewFunRoundTrip(t *testing.T) {
	f := Fun{
		NewFun:   true,
		Pid:      Pid{Node: Atom("a@b"), ID: 1, Serial: 0, Creation: 1},
		Module:   Atom("mymod"),
		Arity:    2,
		OldIndex: 3,
		FreeVars: []Term{NewInteger(1), Atom("free")},
	}
	b := Encode(f)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, Equal(f, got))
}
