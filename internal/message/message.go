// Package message encodes detection events into the JSON payloads sent to the
// dashboard client, one payload per WebSocket frame.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/piece-counter/internal/config"
	"github.com/sweeney/piece-counter/internal/logic"
)

// Wire formats for PieceRecord date and time fields.
const (
	DateLayout = "02/01/2006"
	TimeLayout = "15:04:05"
)

// PieceType labels a counter by position.
type PieceType string

const (
	PieceLarge  PieceType = "Grande"
	PieceMedium PieceType = "Media"
	PieceSmall  PieceType = "Pequena"
)

// PieceTypes are the labels in counter order.
var PieceTypes = [logic.NumCounters]PieceType{PieceLarge, PieceMedium, PieceSmall}

// Valid reports whether t is one of the known labels.
func (t PieceType) Valid() bool {
	for _, p := range PieceTypes {
		if t == p {
			return true
		}
	}
	return false
}

// PieceRecord is one counter's value, labelled and timestamped.
type PieceRecord struct {
	Quantity int       `json:"quantidade"`
	Type     PieceType `json:"tipo"`
	Date     string    `json:"data"`
	Time     string    `json:"hora"`
}

// Records builds one record per counter, in counter order.
func Records(event logic.Event) []PieceRecord {
	date := event.Timestamp.Format(DateLayout)
	clock := event.Timestamp.Format(TimeLayout)

	out := make([]PieceRecord, 0, logic.NumCounters)
	for i, q := range event.Counters {
		out = append(out, PieceRecord{
			Quantity: q,
			Type:     PieceTypes[i],
			Date:     date,
			Time:     clock,
		})
	}
	return out
}

// Encode turns an event into the payloads to send, in send order.
func Encode(variant config.Variant, event logic.Event) ([][]byte, error) {
	switch variant {
	case config.VariantCounts:
		payload, err := json.Marshal(event.Counters[:])
		if err != nil {
			return nil, fmt.Errorf("encode counters: %w", err)
		}
		return [][]byte{payload}, nil

	case config.VariantRecords:
		records := Records(event)
		payloads := make([][]byte, 0, len(records))
		for _, r := range records {
			payload, err := json.Marshal(r)
			if err != nil {
				return nil, fmt.Errorf("encode record %s: %w", r.Type, err)
			}
			payloads = append(payloads, payload)
		}
		return payloads, nil
	}

	return nil, fmt.Errorf("unknown message variant %q", variant)
}

// DecodeCounts parses a variant 1 payload.
func DecodeCounts(payload []byte) (logic.Counters, error) {
	var values []int
	if err := json.Unmarshal(payload, &values); err != nil {
		return logic.Counters{}, fmt.Errorf("decode counters: %w", err)
	}
	if len(values) != logic.NumCounters {
		return logic.Counters{}, fmt.Errorf("decode counters: got %d values, want %d", len(values), logic.NumCounters)
	}

	var c logic.Counters
	copy(c[:], values)
	return c, nil
}

// DecodeRecord parses a variant 2 payload and checks the label and the date/time formats.
func DecodeRecord(payload []byte) (PieceRecord, error) {
	var r PieceRecord
	if err := json.Unmarshal(payload, &r); err != nil {
		return PieceRecord{}, fmt.Errorf("decode record: %w", err)
	}
	if !r.Type.Valid() {
		return PieceRecord{}, fmt.Errorf("decode record: unknown type %q", r.Type)
	}
	if err := checkLayout(DateLayout, r.Date); err != nil {
		return PieceRecord{}, fmt.Errorf("decode record: date: %w", err)
	}
	if err := checkLayout(TimeLayout, r.Time); err != nil {
		return PieceRecord{}, fmt.Errorf("decode record: time: %w", err)
	}
	return r, nil
}

// checkLayout requires value to match layout exactly, zero padding included.
func checkLayout(layout, value string) error {
	if len(value) != len(layout) {
		return fmt.Errorf("%q does not match %q", value, layout)
	}
	_, err := time.Parse(layout, value)
	return err
}
