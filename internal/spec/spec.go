// Package spec holds the wire-format and protocol constants shared by
// every other BabelStorage package. Nothing in here depends on any
// other internal package; everything else depends on this one.
package spec

import "math"

// Alphabet constants (BSP, §4.1).
const (
	// Alphabet is the 29-symbol page alphabet, in wire order. The
	// ordering is part of the wire format — changing it breaks every
	// existing record.
	Alphabet = "abcdefghijklmnopqrstuvwxyz .,"

	// AlphabetSize is len(Alphabet).
	AlphabetSize = 29

	// ZeroSymbol is the padding/zero digit, always Alphabet[0].
	ZeroSymbol = 'a'

	// PageSize is the fixed length of every page, in symbols.
	PageSize = 3200
)

// Protocol versions and their marker symbols and length-field widths.
//
// The source README does not fully describe LEN_WIDTH for each
// historical version; this registry is the documented resolution
// (see DESIGN.md / SPEC_FULL.md §4.1a). Only CurrentProtocolVersion is
// ever written; all entries are read-compatible.
const (
	ProtocolVersionV1 = 1
	ProtocolVersionV2 = 2
	ProtocolVersionV3 = 3
	ProtocolVersionV4 = 4
	ProtocolVersionV5 = 5

	CurrentProtocolVersion = ProtocolVersionV5

	// VersionLenWidthV5 is VersionLenWidth[ProtocolVersionV5], broken
	// out as a plain constant so it can appear in other const
	// expressions.
	VersionLenWidthV5 = 8

	// EnvelopeOverheadSymbols is the version marker plus the v5 length
	// field (1 + LEN_WIDTH).
	EnvelopeOverheadSymbols = 1 + VersionLenWidthV5
)

// KnownProtocolVersions is the set §4.6/§6.2 require envelope loaders
// to gate against.
var KnownProtocolVersions = map[int]bool{
	ProtocolVersionV1: true,
	ProtocolVersionV2: true,
	ProtocolVersionV3: true,
	ProtocolVersionV4: true,
	ProtocolVersionV5: true,
}

// VersionMarker maps a protocol version to its single-symbol envelope
// marker (the first symbol of every encoded page).
var VersionMarker = map[int]byte{
	ProtocolVersionV1: 'a',
	ProtocolVersionV2: 'b',
	ProtocolVersionV3: 'c',
	ProtocolVersionV4: 'e',
	ProtocolVersionV5: 'd',
}

// VersionLenWidth maps a protocol version to its length-field width,
// in symbols.
var VersionLenWidth = map[int]int{
	ProtocolVersionV1: 4,
	ProtocolVersionV2: 5,
	ProtocolVersionV3: 6,
	ProtocolVersionV4: 7,
	ProtocolVersionV5: VersionLenWidthV5,
}

// MarkerVersion is the inverse of VersionMarker, built once at init.
var MarkerVersion = func() map[byte]int {
	m := make(map[byte]int, len(VersionMarker))
	for v, marker := range VersionMarker {
		m[marker] = v
	}
	return m
}()

// Chunking constants (§4.2).
const (
	// CompressionLevel is the zstd level used on upload.
	CompressionLevel = 19

	// ChunkPayloadMax is the conservative per-chunk payload size
	// (bytes) the chunker actually uses, leaving margin below the
	// theoretical ~1935-byte ceiling for future envelope growth.
	ChunkPayloadMax = 1850
)

// EncodingOverhead is 8/log2(29), the expansion factor going from raw
// bytes to base-29 symbols.
var EncodingOverhead = 8 / math.Log2(float64(AlphabetSize))

// Coordinate domain bounds (§3.1).
const (
	WallMin   = 1
	WallMax   = 4
	ShelfMin  = 1
	ShelfMax  = 5
	VolumeMin = 1
	VolumeMax = 32
	PageMin   = 1
	PageMax   = 410
)

// Oracle client constants (§4.4).
const (
	OracleMaxAttempts        = 5
	OracleInitialBackoffSec  = 1
	OracleMaxBackoffSec      = 60
	OracleBackoffBase        = 2
	OracleDefaultTimeoutSec  = 60
	OracleDefaultConcurrency = 4
)

// Signature constants (§4.3).
const (
	RSAKeyBits = 4096
)

// MaxOriginalFileSize is the hard cap on pre-compression input size
// (§4.2b Open Question resolution): 128 MiB.
const MaxOriginalFileSize = 128 * 1024 * 1024

// EncodingLabel is the label persisted in FileRecord.encoding (§3.1).
const EncodingLabel = "base29-v5"

// CompressionAlgorithm is the label persisted in FileRecord.compression.
const CompressionAlgorithm = "zstd"
