package slotvault

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"southwinds.dev/slotvault/codec"
)

// Persisted record schemas. Both are carried inside the codec envelope and
// sealed before they reach the store.

type slotContentBody struct {
	Props   ContentProps `json:"props"`
	Payload []byte       `json:"payload"`
}

type slotLayoutBody struct {
	Slots []SlotRow `json:"slots"`
}

// encodeSlotRecord serializes a content record for persistence. The payload
// copy taken for marshaling is wiped before returning.
func encodeSlotRecord(record *contentRecord) ([]byte, error) {
	payload, err := record.openPayload()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(payload)

	body, err := codec.EncodeBody(slotContentBody{Props: record.props, Payload: payload})
	if err != nil {
		return nil, err
	}
	return codec.Serialize(&codec.Record{Kind: codec.KindSlotContent, Body: body})
}

// decodeSlotRecord rebuilds a content record from its persisted form,
// surfacing codec rejections as ErrUnsupportedFormat.
func decodeSlotRecord(raw []byte) (*contentRecord, error) {
	record, err := codec.Parse(raw)
	if err != nil {
		return nil, mapCodecError(err)
	}
	if record.Kind != codec.KindSlotContent {
		return nil, fmt.Errorf("expected %s record, got %s: %w",
			codec.KindSlotContent, record.Kind, ErrUnsupportedFormat)
	}
	var body slotContentBody
	if err = codec.DecodeBody(record, &body); err != nil {
		return nil, mapCodecError(err)
	}
	// newContentRecord wipes the decoded payload slice
	return newContentRecord(body.Props, body.Payload), nil
}

func encodeLayout(rows []SlotRow) ([]byte, error) {
	body, err := codec.EncodeBody(slotLayoutBody{Slots: rows})
	if err != nil {
		return nil, err
	}
	return codec.Serialize(&codec.Record{Kind: codec.KindSlotLayout, Body: body})
}

func decodeLayout(raw []byte) ([]SlotRow, error) {
	record, err := codec.Parse(raw)
	if err != nil {
		return nil, mapCodecError(err)
	}
	if record.Kind != codec.KindSlotLayout {
		return nil, fmt.Errorf("expected %s record, got %s: %w",
			codec.KindSlotLayout, record.Kind, ErrUnsupportedFormat)
	}
	var body slotLayoutBody
	if err = codec.DecodeBody(record, &body); err != nil {
		return nil, mapCodecError(err)
	}
	return body.Slots, nil
}

// mapCodecError translates the codec's rejection sentinel into the engine
// taxonomy so callers only ever dispatch on package errors.
func mapCodecError(err error) error {
	if errors.Is(err, codec.ErrUnsupportedFormat) {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return err
}
