// Package codec converts between raw byte streams and the structured records
// the storage engine persists: one record per slot holding the content
// metadata plus the payload, and one record for the provisioned slot layout.
//
// The engine treats this package as an opaque dependency. Records carry a
// format version and a kind tag; Parse rejects anything it does not
// recognize with ErrUnsupportedFormat so callers can distinguish corrupt or
// foreign data from I/O failures.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FormatVersion is the record envelope layout produced by Serialize.
const FormatVersion = 1

// Record kinds understood by the current format version.
const (
	KindSlotContent = "slot-content"
	KindSlotLayout  = "slot-layout"
)

// ErrUnsupportedFormat reports a byte stream that is not a structured record
// this codec version understands.
var ErrUnsupportedFormat = errors.New("unsupported record format")

// Record is a structured record envelope. Body is an inner document whose
// schema is owned by the producer; the codec only guarantees the envelope.
type Record struct {
	FormatVersion int             `json:"format_version"`
	Kind          string          `json:"kind"`
	Body          json.RawMessage `json:"body"`
}

// Serialize converts a structured record into its byte-stream form.
func Serialize(record *Record) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("record is required")
	}
	if record.Kind == "" {
		return nil, fmt.Errorf("record kind is required")
	}
	if record.FormatVersion == 0 {
		record.FormatVersion = FormatVersion
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}
	return data, nil
}

// Parse converts a byte stream back into a structured record. It fails with
// ErrUnsupportedFormat when the stream is not a record envelope, carries an
// unknown format version, or an unknown kind.
func Parse(raw []byte) (*Record, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty byte stream", ErrUnsupportedFormat)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	if record.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: format version %d", ErrUnsupportedFormat, record.FormatVersion)
	}

	switch record.Kind {
	case KindSlotContent, KindSlotLayout:
	default:
		return nil, fmt.Errorf("%w: unknown record kind %q", ErrUnsupportedFormat, record.Kind)
	}

	return &record, nil
}

// EncodeBody marshals a producer-owned document into a record body.
func EncodeBody(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record body: %w", err)
	}
	return data, nil
}

// DecodeBody unmarshals a record body into a producer-owned document.
func DecodeBody(record *Record, v interface{}) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	if err := json.Unmarshal(record.Body, v); err != nil {
		return fmt.Errorf("%w: malformed %s body: %v", ErrUnsupportedFormat, record.Kind, err)
	}
	return nil
}
