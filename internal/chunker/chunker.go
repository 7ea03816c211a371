// Package chunker implements C2: zstd compression, size-planning,
// splitting a compressed byte stream into CHUNK_PAYLOAD_MAX-sized
// pieces with per-chunk SHA-256, and the reverse — verified
// reassembly, strict or lenient.
//
// The split/reassemble shape here is adapted from a DNS TXT-record
// fragmentation scheme: self-contained, self-describing chunks
// indexed by sequence number, each carrying its own integrity check,
// reassembled only once every expected piece has arrived and
// verified.
package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/faanross/babelstorage/internal/bserr"
	"github.com/faanross/babelstorage/internal/spec"
)

// RawChunk is one fixed-capacity slice of the compressed byte stream,
// produced by Split, ready to be handed to the codec and then the
// oracle.
type RawChunk struct {
	Index   int
	Payload []byte
	RawLen  int
	SHA256  string
}

// DecodedChunk is what the decode side has after fetching a page by
// coordinate and running it through the codec — the raw bytes of one
// chunk, identified by its position in the record's chunk list.
type DecodedChunk struct {
	Index   int
	Payload []byte
}

// Stats mirrors the kind of lightweight counters a chunker
// implementation tracks across calls, updated by Split and read
// through Chunker.Stats.
type Stats struct {
	FilesChunked int
	TotalChunks  int
	TotalBytes   int64
}

// Chunker holds no mutable config beyond stats; chunk size and
// compression level are fixed by spec (§4.2) and not user-tunable,
// unlike the teacher's encoding-choice config, because BSP has exactly
// one wire format.
type Chunker struct {
	stats Stats
}

// New returns a ready-to-use Chunker.
func New() *Chunker { return &Chunker{} }

// Compress runs zstd at COMPRESSION_LEVEL (19) over input.
func Compress(input []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(spec.CompressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("zstd writer init failed: %w", err)
	}
	if _, err := w.Write(input); err != nil {
		w.Close()
		return nil, fmt.Errorf("zstd compress failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zstd compress close failed: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(compressed []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("zstd reader init failed: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return out, nil
}

// PlanChunkCount returns ceil(compressedLen / CHUNK_PAYLOAD_MAX),
// invariant 8's chunk_count formula. An empty stream still yields 1
// (zero-length) chunk.
func PlanChunkCount(compressedLen int) int {
	if compressedLen == 0 {
		return 1
	}
	return int(math.Ceil(float64(compressedLen) / float64(spec.ChunkPayloadMax)))
}

// Split fragments compressed into ordered, hashed RawChunks. The last
// chunk may be shorter than CHUNK_PAYLOAD_MAX; an empty input still
// yields exactly one (empty) chunk, consistent with PlanChunkCount.
func (c *Chunker) Split(compressed []byte) []RawChunk {
	count := PlanChunkCount(len(compressed))
	chunks := make([]RawChunk, 0, count)

	for i := 0; i < count; i++ {
		start := i * spec.ChunkPayloadMax
		end := start + spec.ChunkPayloadMax
		if end > len(compressed) {
			end = len(compressed)
		}
		payload := compressed[start:end]
		sum := sha256.Sum256(payload)

		chunks = append(chunks, RawChunk{
			Index:   i,
			Payload: payload,
			RawLen:  len(payload),
			SHA256:  hex.EncodeToString(sum[:]),
		})
	}

	c.stats.FilesChunked++
	c.stats.TotalChunks += len(chunks)
	c.stats.TotalBytes += int64(len(compressed))

	return chunks
}

// ExpectedChunk is the subset of a FileRecord chunk entry that
// Reassemble needs to verify a DecodedChunk against.
type ExpectedChunk struct {
	Index  int
	RawLen int
	SHA256 string
}

// Reassemble concatenates decoded chunks in index order, verifying
// each against its expected length and hash, then the whole stream
// against expectedFileSHA256.
//
// In strict mode any mismatch is fatal (§4.2 "Failure semantics"). In
// non-strict mode, per-chunk mismatches are collected as warnings and
// that chunk's bytes are still used for reassembly (best-effort); a
// final-hash mismatch is always reported, but only returned as an
// error in strict mode — callers must check len(warnings) > 0 to know
// whether the result is "unverified" per §4.2.
func Reassemble(decoded []DecodedChunk, expected []ExpectedChunk, expectedFileSHA256 string, strict bool) ([]byte, []string, error) {
	if len(decoded) != len(expected) {
		return nil, nil, bserr.New(bserr.ChunkLengthMismatch, "decoded chunk count does not match record", nil)
	}

	byIndex := make(map[int][]byte, len(decoded))
	for _, d := range decoded {
		byIndex[d.Index] = d.Payload
	}

	var warnings []string
	ordered := make([][]byte, len(expected))

	for _, exp := range expected {
		payload, ok := byIndex[exp.Index]
		if !ok {
			err := bserr.NewAt(bserr.ChunkLengthMismatch, exp.Index, "missing chunk in decoded set", nil)
			if strict {
				return nil, nil, err
			}
			warnings = append(warnings, err.Error())
			continue
		}

		if len(payload) != exp.RawLen {
			err := bserr.NewAt(bserr.ChunkLengthMismatch, exp.Index,
				fmt.Sprintf("decoded length %d != expected %d", len(payload), exp.RawLen), nil)
			if strict {
				return nil, nil, err
			}
			warnings = append(warnings, err.Error())
		}

		sum := sha256.Sum256(payload)
		if hex.EncodeToString(sum[:]) != exp.SHA256 {
			err := bserr.NewAt(bserr.ChunkHashMismatch, exp.Index, "chunk sha256 mismatch", nil)
			if strict {
				return nil, nil, err
			}
			warnings = append(warnings, err.Error())
		}

		ordered[exp.Index] = payload
	}

	var compressed bytes.Buffer
	for _, p := range ordered {
		compressed.Write(p)
	}

	sum := sha256.Sum256(compressed.Bytes())
	if hex.EncodeToString(sum[:]) != expectedFileSHA256 {
		err := bserr.New(bserr.FileHashMismatch, "compressed stream sha256 mismatch", nil)
		if strict {
			return nil, nil, err
		}
		warnings = append(warnings, err.Error())
	}

	return compressed.Bytes(), warnings, nil
}

// Stats returns a snapshot of this Chunker's lifetime counters.
func (c *Chunker) Stats() Stats { return c.stats }
