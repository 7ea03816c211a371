package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/faanross/babelstorage/internal/spec"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("the library of babel "), 500)

	compressed, err := Compress(original)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	out, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, original) {
		t.Fatal("decompressed output does not match original")
	}
}

func TestPlanChunkCount(t *testing.T) {
	cases := []struct {
		length int
		want   int
	}{
		{0, 1},
		{1, 1},
		{spec.ChunkPayloadMax, 1},
		{spec.ChunkPayloadMax + 1, 2},
		{spec.ChunkPayloadMax * 3, 3},
	}
	for _, c := range cases {
		if got := PlanChunkCount(c.length); got != c.want {
			t.Errorf("PlanChunkCount(%d) = %d, want %d", c.length, got, c.want)
		}
	}
}

func TestSplitAndReassembleRoundTrip(t *testing.T) {
	compressed := bytes.Repeat([]byte{0x01, 0x02, 0x03}, spec.ChunkPayloadMax)

	c := New()
	raw := c.Split(compressed)
	if len(raw) != PlanChunkCount(len(compressed)) {
		t.Fatalf("Split produced %d chunks, want %d", len(raw), PlanChunkCount(len(compressed)))
	}

	decoded := make([]DecodedChunk, len(raw))
	expected := make([]ExpectedChunk, len(raw))
	for i, rc := range raw {
		decoded[i] = DecodedChunk{Index: rc.Index, Payload: rc.Payload}
		expected[i] = ExpectedChunk{Index: rc.Index, RawLen: rc.RawLen, SHA256: rc.SHA256}
	}

	fileSum := sha256.Sum256(compressed)
	out, warnings, err := Reassemble(decoded, expected, hex.EncodeToString(fileSum[:]), true)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if !bytes.Equal(out, compressed) {
		t.Fatal("reassembled bytes do not match original compressed stream")
	}
}

func TestSplitEmptyInputYieldsOneChunk(t *testing.T) {
	c := New()
	raw := c.Split(nil)
	if len(raw) != 1 {
		t.Fatalf("Split(nil) produced %d chunks, want 1", len(raw))
	}
	if raw[0].RawLen != 0 {
		t.Fatalf("Split(nil) chunk has RawLen %d, want 0", raw[0].RawLen)
	}
}

func TestReassembleDetectsTamperedChunk(t *testing.T) {
	compressed := bytes.Repeat([]byte{0xAB}, spec.ChunkPayloadMax+10)

	c := New()
	raw := c.Split(compressed)

	decoded := make([]DecodedChunk, len(raw))
	expected := make([]ExpectedChunk, len(raw))
	for i, rc := range raw {
		payload := rc.Payload
		if i == 0 {
			tampered := make([]byte, len(payload))
			copy(tampered, payload)
			tampered[0] ^= 0xFF
			payload = tampered
		}
		decoded[i] = DecodedChunk{Index: rc.Index, Payload: payload}
		expected[i] = ExpectedChunk{Index: rc.Index, RawLen: rc.RawLen, SHA256: rc.SHA256}
	}

	fileSum := sha256.Sum256(compressed)

	if _, _, err := Reassemble(decoded, expected, hex.EncodeToString(fileSum[:]), true); err == nil {
		t.Fatal("expected strict Reassemble to fail on tampered chunk")
	}

	out, warnings, err := Reassemble(decoded, expected, hex.EncodeToString(fileSum[:]), false)
	if err != nil {
		t.Fatalf("non-strict Reassemble returned error: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatal("expected warnings for tampered chunk in non-strict mode")
	}
	if len(out) != len(compressed) {
		t.Fatalf("reassembled length %d, want %d", len(out), len(compressed))
	}
}

func TestReassembleDetectsMissingChunk(t *testing.T) {
	compressed := bytes.Repeat([]byte{0xCD}, spec.ChunkPayloadMax*2)

	c := New()
	raw := c.Split(compressed)

	// Drop the last chunk.
	decoded := make([]DecodedChunk, 0, len(raw)-1)
	expected := make([]ExpectedChunk, 0, len(raw))
	for i, rc := range raw {
		if i != len(raw)-1 {
			decoded = append(decoded, DecodedChunk{Index: rc.Index, Payload: rc.Payload})
		}
		expected = append(expected, ExpectedChunk{Index: rc.Index, RawLen: rc.RawLen, SHA256: rc.SHA256})
	}

	fileSum := sha256.Sum256(compressed)
	if _, _, err := Reassemble(decoded, expected, hex.EncodeToString(fileSum[:]), true); err == nil {
		t.Fatal("expected error for missing chunk count mismatch")
	}
}
