// Package orchestrator implements C5: the four user-facing operations
// (upload, download, verify_metadata, info) built from internal/codec,
// internal/chunker, internal/sign, internal/oracle, and
// internal/metadata, plus progress reporting and cancellation.
//
// The progress map guarded by a single mutex, with an operation ID per
// in-flight job, is adapted from the teacher's MemoryStorage /
// QueueManager pair (internal/dns-server/storage.go): one map, one
// lock, read and write through accessor methods only.
package orchestrator

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/faanross/babelstorage/internal/bserr"
	"github.com/faanross/babelstorage/internal/chunker"
	"github.com/faanross/babelstorage/internal/codec"
	"github.com/faanross/babelstorage/internal/metadata"
	"github.com/faanross/babelstorage/internal/oracle"
	"github.com/faanross/babelstorage/internal/sign"
	"github.com/faanross/babelstorage/internal/spec"
)

// Phase is one state in a progress tuple (§5.1).
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// Progress is one snapshot of an in-flight operation.
type Progress struct {
	OperationID string
	Phase       Phase
	Current     int
	Total       int
	Message     string
	Err         error
}

// Orchestrator wires the pipeline together and tracks progress for
// every operation it starts, keyed by operation ID.
type Orchestrator struct {
	client *oracle.Client
	strict bool

	mu          sync.Mutex
	progress    map[string]Progress
	subscribers map[string][]chan Progress
}

// New returns an Orchestrator backed by client. strict controls
// whether chunk-length, chunk-hash and file-hash mismatches found while
// reassembling in Download are fatal (§4.2). Signature checks are fatal
// whenever a public key is given, and record invariants are always
// enforced, whatever strict says.
func New(client *oracle.Client, strict bool) *Orchestrator {
	return &Orchestrator{
		client:   client,
		strict:   strict,
		progress: make(map[string]Progress),
	}
}

// Progress returns a snapshot of operationID's current state — the
// "poll" half of §5.1's progress API.
func (o *Orchestrator) Progress(operationID string) (Progress, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.progress[operationID]
	return p, ok
}

// Subscribe returns a channel that receives every progress update for
// operationID until the operation reaches PhaseCompleted or
// PhaseError, at which point the channel is closed — the "channel"
// half of §5.1's progress API.
func (o *Orchestrator) Subscribe(operationID string) <-chan Progress {
	ch := make(chan Progress, 16)
	o.mu.Lock()
	if o.subscribers == nil {
		o.subscribers = make(map[string][]chan Progress)
	}
	o.subscribers[operationID] = append(o.subscribers[operationID], ch)
	o.mu.Unlock()
	return ch
}

// publish records p and fans it out to any subscribers, closing their
// channels once the operation is terminal.
func (o *Orchestrator) publish(p Progress) {
	o.mu.Lock()
	o.progress[p.OperationID] = p
	subs := o.subscribers[p.OperationID]
	terminal := p.Phase == PhaseCompleted || p.Phase == PhaseError
	if terminal {
		delete(o.subscribers, p.OperationID)
	}
	o.mu.Unlock()

	for _, ch := range subs {
		ch <- p
		if terminal {
			close(ch)
		}
	}
}

// UploadResult is what Upload returns on success.
type UploadResult struct {
	Record *metadata.FileRecord
}

// Upload runs C5's upload operation (§5.1): compress, chunk, encode
// each chunk as a page, resolve every page to a coordinate through the
// oracle's bounded-concurrency SearchAll (§5), assemble and optionally
// sign a FileRecord.
func (o *Orchestrator) Upload(ctx context.Context, operationID string, originalName string, data []byte, priv *rsa.PrivateKey) (*UploadResult, error) {
	o.publish(Progress{OperationID: operationID, Phase: PhaseQueued, Message: "queued"})

	if int64(len(data)) > spec.MaxOriginalFileSize {
		err := bserr.New(bserr.BadInput, fmt.Sprintf("file exceeds max size of %d bytes", spec.MaxOriginalFileSize), nil)
		o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
		return nil, err
	}

	compressed, err := chunker.Compress(data)
	if err != nil {
		o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
		return nil, err
	}
	compressedSum := sha256.Sum256(compressed)

	ck := chunker.New()
	raw := ck.Split(compressed)
	total := len(raw)

	pages := make([]string, total)
	for i, rc := range raw {
		select {
		case <-ctx.Done():
			err := bserr.New(bserr.Cancelled, "upload cancelled", ctx.Err())
			o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
			return nil, err
		default:
		}

		o.publish(Progress{OperationID: operationID, Phase: PhaseRunning, Current: i, Total: total, Message: "encoding chunk"})

		page, err := codec.Encode(rc.Payload)
		if err != nil {
			err = bserr.NewAt(bserr.BadInput, i, "failed to encode chunk", err)
			o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
			return nil, err
		}
		pages[i] = page
	}

	o.publish(Progress{OperationID: operationID, Phase: PhaseRunning, Current: 0, Total: total, Message: "resolving chunks against the oracle"})

	coords, err := o.client.SearchAll(ctx, pages)
	if err != nil {
		o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
		return nil, err
	}

	entries := make([]metadata.ChunkEntry, total)
	for i, rc := range raw {
		entries[i] = metadata.ChunkEntry{
			Index:      i,
			Coordinate: coords[i],
			RawLen:     rc.RawLen,
			SHA256:     rc.SHA256,
		}
	}

	record, err := metadata.New(originalName, int64(len(data)), int64(len(compressed)), hex.EncodeToString(compressedSum[:]), entries)
	if err != nil {
		o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
		return nil, err
	}
	if priv != nil {
		fp, err := sign.Fingerprint(&priv.PublicKey)
		if err != nil {
			o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
			return nil, err
		}
		record.PublicKeyFingerprint = fp
		sigB64, err := sign.Sign(priv, record)
		if err != nil {
			o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
			return nil, err
		}
		record.Signature = sigB64
	}

	o.publish(Progress{OperationID: operationID, Phase: PhaseCompleted, Current: total, Total: total, Message: "upload complete"})
	return &UploadResult{Record: record}, nil
}

// Download runs C5's download operation (§5.1): verify the record's
// signature (if pub is non-nil), fetch every chunk's page by
// coordinate, decode it, reassemble, decompress, and verify against the
// record's hashes. Per §4.3, a missing or bad signature is fatal
// whenever pub is provided, independent of strict mode.
func (o *Orchestrator) Download(ctx context.Context, operationID string, record *metadata.FileRecord, pub *rsa.PublicKey) ([]byte, []string, error) {
	o.publish(Progress{OperationID: operationID, Phase: PhaseQueued, Message: "queued"})

	if pub != nil {
		if err := sign.Verify(pub, record, record.Signature); err != nil {
			o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
			return nil, nil, err
		}
	}

	total := len(record.Chunks)
	decoded := make([]chunker.DecodedChunk, total)
	expected := make([]chunker.ExpectedChunk, total)

	for i, entry := range record.Chunks {
		select {
		case <-ctx.Done():
			err := bserr.New(bserr.Cancelled, "download cancelled", ctx.Err())
			o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
			return nil, nil, err
		default:
		}

		o.publish(Progress{OperationID: operationID, Phase: PhaseRunning, Current: i, Total: total, Message: "fetching chunk"})

		page, err := o.client.Fetch(ctx, entry.Coordinate)
		if err != nil {
			o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
			return nil, nil, err
		}

		payload, _, err := codec.Decode(page)
		if err != nil {
			err = bserr.NewAt(bserr.BadInput, i, "failed to decode fetched page", err)
			o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
			return nil, nil, err
		}

		decoded[i] = chunker.DecodedChunk{Index: entry.Index, Payload: payload}
		expected[i] = chunker.ExpectedChunk{Index: entry.Index, RawLen: entry.RawLen, SHA256: entry.SHA256}
	}

	compressed, warnings, err := chunker.Reassemble(decoded, expected, record.FileSHA256, o.strict)
	if err != nil {
		o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
		return nil, nil, err
	}

	original, err := chunker.Decompress(compressed)
	if err != nil {
		err = bserr.New(bserr.BadInput, "failed to decompress reassembled stream", err)
		o.publish(Progress{OperationID: operationID, Phase: PhaseError, Err: err})
		return nil, nil, err
	}

	o.publish(Progress{OperationID: operationID, Phase: PhaseCompleted, Current: total, Total: total, Message: "download complete"})
	return original, warnings, nil
}

// VerifyMetadata runs C5's verify_metadata operation (§5.1): checks a
// record's internal invariants and, if pub is non-nil, its signature —
// without touching the oracle.
func (o *Orchestrator) VerifyMetadata(record *metadata.FileRecord, pub *rsa.PublicKey) error {
	if err := record.CheckInvariants(); err != nil {
		return err
	}
	if pub != nil {
		if err := sign.Verify(pub, record, record.Signature); err != nil {
			return err
		}
	}
	return nil
}

// InfoSummary is the human-facing digest C5's info operation (§5.1,
// supplemented by §6.3's info subcommand) produces for a record,
// without contacting the oracle.
type InfoSummary struct {
	OriginalName   string
	OriginalSize   int64
	CompressedSize int64
	ChunkCount     int
	Signed         bool
	ProtocolVer    int
}

// Info builds an InfoSummary from record.
func Info(record *metadata.FileRecord) InfoSummary {
	return InfoSummary{
		OriginalName:   record.OriginalName,
		OriginalSize:   record.OriginalSize,
		CompressedSize: record.CompressedSize,
		ChunkCount:     record.ChunkCount,
		Signed:         record.Signature != "",
		ProtocolVer:    record.ProtocolVersion,
	}
}
