package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrCorruptRecord reports a checksum mismatch or unparseable journal line.
// Readers must halt the scan at the last valid record.
var ErrCorruptRecord = errors.New("corrupt journal record")

// castagnoli is the CRC32C table used for record checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// wireRecord is the on-disk line format: the Record fields plus a
// trailing hex CRC32C over the record's own JSON encoding.
type wireRecord struct {
	Record
	CRC string `json:"crc"`
}

// EncodeLine encodes a record as a single UTF-8 JSON line, newline
// terminated, with the checksum appended as a trailing hex field.
func EncodeLine(r *Record) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	sum := crc32.Checksum(body, castagnoli)
	line, err := json.Marshal(wireRecord{
		Record: *r,
		CRC:    fmt.Sprintf("%08x", sum),
	})
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(line, '\n'), nil
}

// DecodeLine parses and verifies a single journal line.
func DecodeLine(line []byte) (*Record, error) {
	var wire wireRecord
	if err := json.Unmarshal(line, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if wire.Kind == "" || wire.Sequence == 0 {
		return nil, fmt.Errorf("%w: missing kind or sequence", ErrCorruptRecord)
	}

	// The checksum covers the record without the crc field.
	body, err := json.Marshal(wire.Record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	want := fmt.Sprintf("%08x", crc32.Checksum(body, castagnoli))
	if wire.CRC != want {
		return nil, fmt.Errorf("%w: checksum mismatch at seq %d", ErrCorruptRecord, wire.Sequence)
	}

	rec := wire.Record
	return &rec, nil
}
