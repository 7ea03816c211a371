// Package codec implements the Babel Storage Protocol's alphabet
// codec (C1): a deterministic, reversible transform between arbitrary
// byte strings and fixed-length 3200-symbol pages over the 29-symbol
// alphabet `abcdefghijklmnopqrstuvwxyz .,`.
//
// Encode always writes the current protocol version (v5). Decode
// recognizes v1 through v5 for read compatibility; see
// internal/spec's version registry for the marker/LEN_WIDTH table.
package codec

import (
	"math"
	"math/big"

	"github.com/faanross/babelstorage/internal/bserr"
	"github.com/faanross/babelstorage/internal/spec"
)

var symbolIndex = func() map[byte]int64 {
	m := make(map[byte]int64, spec.AlphabetSize)
	for i := 0; i < len(spec.Alphabet); i++ {
		m[spec.Alphabet[i]] = int64(i)
	}
	return m
}()

// Encode renders b as a 3200-symbol page using the current protocol
// version's envelope (§4.1):
//
//  1. version marker symbol
//  2. fixed-width base-29 length field
//  3. base-29 big-endian encoding of b, left-padded to the digit count
//     implied by len(b)
//  4. zero-symbol padding out to PageSize
func Encode(b []byte) (string, error) {
	digitCount := payloadDigitCount(len(b))
	marker := spec.VersionMarker[spec.CurrentProtocolVersion]
	lenWidth := spec.VersionLenWidth[spec.CurrentProtocolVersion]

	if 1+lenWidth+digitCount > spec.PageSize {
		return "", bserr.New(bserr.BadLength, "payload too large for one page", nil)
	}

	out := make([]byte, 0, spec.PageSize)
	out = append(out, marker)
	out = append(out, encodeFixedWidth(uint64(len(b)), lenWidth)...)
	out = append(out, encodeDigits(b, digitCount)...)
	for len(out) < spec.PageSize {
		out = append(out, spec.ZeroSymbol)
	}
	return string(out), nil
}

// Decode reverses Encode for any recognized protocol version. It
// returns the decoded bytes and the version the page was written
// with.
func Decode(page string) ([]byte, int, error) {
	if len(page) != spec.PageSize {
		return nil, 0, bserr.New(bserr.BadLength, "page is not PageSize symbols long", nil)
	}

	version, ok := spec.MarkerVersion[page[0]]
	if !ok {
		return nil, 0, bserr.New(bserr.BadVersion, "unrecognized version marker", nil)
	}
	lenWidth := spec.VersionLenWidth[version]

	if err := validateAlphabet(page); err != nil {
		return nil, 0, err
	}

	lenField := page[1 : 1+lenWidth]
	length, err := decodeFixedWidth(lenField)
	if err != nil {
		return nil, 0, err
	}

	digitCount := payloadDigitCount(int(length))
	start := 1 + lenWidth
	end := start + digitCount
	if end > spec.PageSize {
		return nil, 0, bserr.New(bserr.BadLength, "declared length exceeds page capacity", nil)
	}

	digits := page[start:end]
	value := new(big.Int)
	for i := 0; i < len(digits); i++ {
		idx, known := symbolIndex[digits[i]]
		if !known {
			return nil, 0, bserr.New(bserr.BadAlphabet, "non-alphabet symbol in payload digits", nil)
		}
		value.Mul(value, big.NewInt(spec.AlphabetSize))
		value.Add(value, big.NewInt(idx))
	}

	out := make([]byte, length)
	value.FillBytes(out)
	return out, version, nil
}

// payloadDigitCount is ceil(numBytes*8 / log2(29)), the exact digit
// count §4.1 step 3 specifies.
func payloadDigitCount(numBytes int) int {
	if numBytes == 0 {
		return 0
	}
	return int(math.Ceil(float64(numBytes*8) / math.Log2(spec.AlphabetSize)))
}

// encodeDigits renders b as a base-29 big-endian integer, left-padded
// with the zero symbol to exactly digitCount symbols.
func encodeDigits(b []byte, digitCount int) []byte {
	if digitCount == 0 {
		return nil
	}
	value := new(big.Int).SetBytes(b)
	digits := make([]byte, digitCount)
	for i := digitCount - 1; i >= 0; i-- {
		if value.Sign() == 0 {
			digits[i] = spec.ZeroSymbol
			continue
		}
		rem := new(big.Int)
		value.DivMod(value, big.NewInt(spec.AlphabetSize), rem)
		digits[i] = spec.Alphabet[rem.Int64()]
	}
	return digits
}

// encodeFixedWidth renders n as exactly width base-29 digits,
// zero-padded. n is always small enough (a chunk length) to fit in a
// uint64 without big.Int.
func encodeFixedWidth(n uint64, width int) []byte {
	digits := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		digits[i] = spec.Alphabet[n%spec.AlphabetSize]
		n /= spec.AlphabetSize
	}
	return digits
}

func decodeFixedWidth(field string) (uint64, error) {
	var n uint64
	for i := 0; i < len(field); i++ {
		idx, known := symbolIndex[field[i]]
		if !known {
			return 0, bserr.New(bserr.BadAlphabet, "non-alphabet symbol in length field", nil)
		}
		n = n*spec.AlphabetSize + uint64(idx)
	}
	return n, nil
}

func validateAlphabet(page string) error {
	for i := 0; i < len(page); i++ {
		if _, ok := symbolIndex[page[i]]; !ok {
			return bserr.New(bserr.BadAlphabet, "page contains a non-alphabet byte", nil)
		}
	}
	return nil
}
