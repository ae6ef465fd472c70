package taskqueue

import (
	"bytes"
	"testing"
)

func TestSubspacePackOrdersUint64Numerically(t *testing.T) {
	s := NewSubspace([]byte("root/"))
	prev := s.Pack(uint64(0))
	for _, v := range []uint64{1, 2, 10, 255, 256, 1 << 40} {
		cur := s.Pack(v)
		if bytes.Compare(prev, cur) >= 0 {
			t.Fatalf("expected packed key for %d to sort after its predecessor", v)
		}
		prev = cur
	}
}

func TestSubspacePackOrdersBytesLexicographically(t *testing.T) {
	s := NewSubspace([]byte("root/"))
	a := s.Pack([]byte("a"))
	b := s.Pack([]byte("b"))
	aa := s.Pack([]byte("aa"))
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected pack(a) < pack(b)")
	}
	if bytes.Compare(a, aa) >= 0 {
		t.Fatalf("expected pack(a) < pack(aa)")
	}
}

func TestSubspacePackEscapesEmbeddedZeroBytes(t *testing.T) {
	s := NewSubspace([]byte("root/"))
	withZero := s.Pack([]byte{0x01, 0x00, 0x02})
	plain := s.Pack([]byte{0x01, 0x02})
	if bytes.Equal(withZero, plain) {
		t.Fatalf("expected distinct packed keys for distinct byte strings containing NUL")
	}

	elems, err := s.Unpack(withZero)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(elems) != 1 || !bytes.Equal(elems[0].Bytes, []byte{0x01, 0x00, 0x02}) {
		t.Fatalf("round-trip mismatch: %+v", elems)
	}
}

func TestSubspaceUnpackRoundTripsMixedElements(t *testing.T) {
	s := NewSubspace([]byte("root/"))
	key := s.Pack(uint64(7), []byte("uid"), "param")

	elems, err := s.Unpack(key)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(elems) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(elems))
	}
	if !elems[0].IsUint || elems[0].Uint64 != 7 {
		t.Fatalf("expected first element uint64(7), got %+v", elems[0])
	}
	if string(elems[1].Bytes) != "uid" {
		t.Fatalf("expected second element %q, got %q", "uid", elems[1].Bytes)
	}
	if string(elems[2].Bytes) != "param" {
		t.Fatalf("expected third element %q, got %q", "param", elems[2].Bytes)
	}
}

func TestSubspaceUnpackRejectsKeyOutsideSubspace(t *testing.T) {
	s := NewSubspace([]byte("root/"))
	other := NewSubspace([]byte("other/")).Pack("x")
	if _, err := s.Unpack(other); err == nil {
		t.Fatalf("expected an error unpacking a key outside the subspace")
	}
}

func TestSubRangeCoversOnlyPackedChildren(t *testing.T) {
	s := NewSubspace([]byte("root/")).Sub("avp")
	start, end := s.Range()

	inside := s.Pack(uint64(1), []byte("uid"))
	if bytes.Compare(inside, start) < 0 || bytes.Compare(inside, end) >= 0 {
		t.Fatalf("expected packed child key to fall within [start, end)")
	}

	sibling := NewSubspace([]byte("root/")).Sub("to").Pack(uint64(1))
	if bytes.Compare(sibling, start) >= 0 && bytes.Compare(sibling, end) < 0 {
		t.Fatalf("expected a sibling subspace's key to fall outside this range")
	}
}

func TestPrefixEndIsExclusiveUpperBound(t *testing.T) {
	p := []byte("abc")
	end := prefixEnd(p)
	if bytes.Compare(p, end) >= 0 {
		t.Fatalf("expected prefixEnd(p) > p")
	}
	child := append(append([]byte{}, p...), 0xFF)
	if bytes.Compare(child, end) >= 0 {
		t.Fatalf("expected a key with prefix p to sort before prefixEnd(p)")
	}
}
