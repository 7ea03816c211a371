// Package metadata implements C6: the FileRecord type and its
// persisted gzipped-JSON envelope, with schema/version gating.
//
// The gzip-wrapped-JSON round-trip is lifted directly from the
// teacher's own payload envelope (compress before embedding, sniff and
// decompress on the way out) — just applied to a metadata document
// instead of a secret message.
package metadata

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/faanross/babelstorage/internal/bserr"
	"github.com/faanross/babelstorage/internal/chunker"
	"github.com/faanross/babelstorage/internal/coordinate"
	"github.com/faanross/babelstorage/internal/spec"
)

// CompressionInfo is FileRecord.compression (§3.1): an algorithm label
// plus the level it was run at.
type CompressionInfo struct {
	Algorithm string `json:"algorithm"`
	Level     int    `json:"level"`
}

// ChunkEntry is one element of FileRecord.chunks (§3.1).
type ChunkEntry struct {
	Index      int                   `json:"index"`
	Coordinate coordinate.Coordinate `json:"coordinate"`
	RawLen     int                   `json:"raw_len"`
	SHA256     string                `json:"sha256"`
}

// FileRecord is the persisted artifact (§3.1). It is immutable once
// built: no method on this type mutates it after Upload constructs it.
type FileRecord struct {
	ProtocolVersion      int             `json:"protocol_version"`
	OriginalName         string          `json:"original_name"`
	OriginalSize         int64           `json:"original_size"`
	CompressedSize       int64           `json:"compressed_size"`
	Compression          CompressionInfo `json:"compression"`
	FileSHA256           string          `json:"file_sha256"`
	ChunkCount           int             `json:"chunk_count"`
	Chunks               []ChunkEntry    `json:"chunks"`
	Encoding             string          `json:"encoding"`
	Signature            string          `json:"signature,omitempty"`
	PublicKeyFingerprint string          `json:"public_key_fingerprint,omitempty"`
}

// New builds an unsigned FileRecord from the pieces the chunker and
// oracle produced. It is the only constructor — callers never build a
// FileRecord field-by-field. New enforces invariants 1 and 2 and sets
// chunk_count to len(chunks); it does not check invariant 8
// (chunk_count against compressed_size), which CheckInvariants does.
func New(originalName string, originalSize, compressedSize int64, fileSHA256 string, chunks []ChunkEntry) (*FileRecord, error) {
	for i, c := range chunks {
		if c.Index != i {
			return nil, bserr.NewAt(bserr.SchemaError, i, "chunk index is not sequential", nil)
		}
	}

	var sumRawLen int64
	for _, c := range chunks {
		sumRawLen += int64(c.RawLen)
	}
	if sumRawLen != compressedSize {
		return nil, bserr.New(bserr.SchemaError, "sum of chunk raw_len does not equal compressed_size", nil)
	}

	expectedCount := len(chunks)
	if expectedCount == 0 {
		return nil, bserr.New(bserr.SchemaError, "a record must have at least one chunk", nil)
	}

	return &FileRecord{
		ProtocolVersion: spec.CurrentProtocolVersion,
		OriginalName:    originalName,
		OriginalSize:    originalSize,
		CompressedSize:  compressedSize,
		Compression:     CompressionInfo{Algorithm: spec.CompressionAlgorithm, Level: spec.CompressionLevel},
		FileSHA256:      fileSHA256,
		ChunkCount:      expectedCount,
		Chunks:          chunks,
		Encoding:        spec.EncodingLabel,
	}, nil
}

// CheckInvariants verifies invariants 1, 2, and 8 against an already
// decoded record — used by both Load (in strict and non-strict mode)
// and orchestrator.VerifyMetadata.
func (r *FileRecord) CheckInvariants() error {
	if r.ChunkCount != len(r.Chunks) {
		return bserr.New(bserr.SchemaError, "chunk_count does not match len(chunks)", nil)
	}

	var sumRawLen int64
	for i, c := range r.Chunks {
		if c.Index != i {
			return bserr.NewAt(bserr.SchemaError, i, "chunk index is not sequential", nil)
		}
		sumRawLen += int64(c.RawLen)
	}
	if sumRawLen != r.CompressedSize {
		return bserr.New(bserr.SchemaError, "sum of chunk raw_len does not equal compressed_size", nil)
	}

	if expected := chunker.PlanChunkCount(int(r.CompressedSize)); r.ChunkCount != expected {
		return bserr.New(bserr.SchemaError,
			fmt.Sprintf("chunk_count %d does not match ceil(compressed_size/CHUNK_PAYLOAD_MAX) = %d", r.ChunkCount, expected), nil)
	}

	return nil
}

// jsonFieldNames lists the top-level keys Save ever writes, used by
// Load in strict mode to reject unknown top-level fields (§4.6).
var jsonFieldNames = map[string]bool{
	"protocol_version":       true,
	"original_name":          true,
	"original_size":          true,
	"compressed_size":        true,
	"compression":            true,
	"file_sha256":            true,
	"chunk_count":            true,
	"chunks":                 true,
	"encoding":               true,
	"signature":              true,
	"public_key_fingerprint": true,
}

// Save renders r as gzipped JSON, the persisted form (§4.6, §6.2).
func Save(r *FileRecord) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("metadata: marshal failed: %w", err)
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, fmt.Errorf("metadata: gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("metadata: gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

// Load parses a gzipped-JSON blob back into a FileRecord, gating on
// protocol_version (§4.6) and, in strict mode, on unknown top-level
// fields.
func Load(blob []byte, strict bool) (*FileRecord, error) {
	r, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, bserr.New(bserr.SchemaError, "not a gzip stream", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, bserr.New(bserr.SchemaError, "gzip decompress failed", err)
	}

	if strict {
		var generic map[string]json.RawMessage
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&generic); err != nil {
			return nil, bserr.New(bserr.SchemaError, "malformed JSON", err)
		}
		for key := range generic {
			if !jsonFieldNames[key] {
				return nil, bserr.New(bserr.SchemaError, fmt.Sprintf("unknown field %q", key), nil)
			}
		}
	}

	var record FileRecord
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&record); err != nil {
		return nil, bserr.New(bserr.SchemaError, "failed to decode FileRecord", err)
	}

	if !spec.KnownProtocolVersions[record.ProtocolVersion] {
		return nil, bserr.New(bserr.UnsupportedProtocolVersion,
			fmt.Sprintf("protocol_version %d not in known set", record.ProtocolVersion), nil)
	}

	if err := record.CheckInvariants(); err != nil {
		return nil, err
	}

	return &record, nil
}
