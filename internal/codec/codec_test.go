package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/faanross/babelstorage/internal/spec"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0x00}, 32),
		bytes.Repeat([]byte{0xFF}, 1850),
	}

	for _, in := range cases {
		page, err := Encode(in)
		if err != nil {
			t.Fatalf("Encode(%d bytes): %v", len(in), err)
		}
		if len(page) != spec.PageSize {
			t.Fatalf("Encode(%d bytes) produced page of length %d, want %d", len(in), len(page), spec.PageSize)
		}

		out, version, err := Decode(page)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if version != spec.CurrentProtocolVersion {
			t.Errorf("Decode returned version %d, want %d", version, spec.CurrentProtocolVersion)
		}
		if !bytes.Equal(out, in) {
			t.Errorf("round trip mismatch: got %x, want %x", out, in)
		}
	}
}

func TestEncodeUsesOnlyAlphabet(t *testing.T) {
	page, err := Encode([]byte("the quick brown fox"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i, c := range page {
		if !strings.ContainsRune(spec.Alphabet, c) {
			t.Fatalf("page byte %d (%q) is not in the alphabet", i, c)
		}
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	in := []byte("determinism matters")
	a, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if a != b {
		t.Fatalf("Encode is not deterministic for identical input")
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, _, err := Decode("short")
	if err == nil {
		t.Fatal("expected error for short page")
	}
}

func TestDecodeRejectsBadAlphabet(t *testing.T) {
	page, err := Encode([]byte("valid"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	corrupted := []byte(page)
	corrupted[500] = '9' // not in the alphabet
	_, _, err = Decode(string(corrupted))
	if err == nil {
		t.Fatal("expected error for non-alphabet byte")
	}
}

func TestDecodeRejectsUnknownVersionMarker(t *testing.T) {
	page, err := Encode([]byte("valid"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	corrupted := []byte(page)
	corrupted[0] = 'z' // not a recognized marker
	_, _, err = Decode(string(corrupted))
	if err == nil {
		t.Fatal("expected error for unrecognized version marker")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	huge := bytes.Repeat([]byte{0x42}, spec.PageSize*10)
	_, err := Encode(huge)
	if err == nil {
		t.Fatal("expected error for payload too large for one page")
	}
}
