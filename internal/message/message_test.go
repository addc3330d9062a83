package message

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/piece-counter/internal/config"
	"github.com/sweeney/piece-counter/internal/logic"
)

func testEvent() logic.Event {
	return logic.Event{
		Timestamp:  time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		Sequence:   1,
		DistanceCM: 8,
		Counters:   logic.Counters{1, 2, 3},
	}
}

func TestEncodeCounts(t *testing.T) {
	ev := testEvent()
	ev.Counters = logic.Counters{3, 7, 11}

	payloads, err := Encode(config.VariantCounts, ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(payloads))
	}
	if string(payloads[0]) != "[3,7,11]" {
		t.Errorf("payload: got %s, want [3,7,11]", payloads[0])
	}

	got, err := DecodeCounts(payloads[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != ev.Counters {
		t.Errorf("round trip: got %v, want %v", got, ev.Counters)
	}
}

func TestEncodeRecords(t *testing.T) {
	ev := testEvent()

	payloads, err := Encode(config.VariantRecords, ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payloads) != 3 {
		t.Fatalf("expected 3 payloads, got %d", len(payloads))
	}

	want := []PieceRecord{
		{Quantity: 1, Type: PieceLarge, Date: "03/02/2026", Time: "04:05:06"},
		{Quantity: 2, Type: PieceMedium, Date: "03/02/2026", Time: "04:05:06"},
		{Quantity: 3, Type: PieceSmall, Date: "03/02/2026", Time: "04:05:06"},
	}
	for i, p := range payloads {
		got, err := DecodeRecord(p)
		if err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		if got != want[i] {
			t.Errorf("payload %d: got %+v, want %+v", i, got, want[i])
		}
	}
}

func TestRecordWireFields(t *testing.T) {
	payloads, err := Encode(config.VariantRecords, testEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(payloads[0], &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	for _, key := range []string{"quantidade", "tipo", "data", "hora"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, payloads[0])
		}
	}
	if len(raw) != 4 {
		t.Errorf("expected exactly 4 keys, got %d", len(raw))
	}
	// Integers, never floats.
	if strings.Contains(string(payloads[0]), ".") {
		t.Errorf("payload contains a decimal point: %s", payloads[0])
	}
}

func TestRecordsZeroPadded(t *testing.T) {
	ev := testEvent()
	ev.Timestamp = time.Date(2026, 1, 9, 0, 0, 7, 0, time.UTC)

	r := Records(ev)[0]
	if r.Date != "09/01/2026" {
		t.Errorf("date: got %q, want 09/01/2026", r.Date)
	}
	if r.Time != "00:00:07" {
		t.Errorf("time: got %q, want 00:00:07", r.Time)
	}
}

func TestEncodeUnknownVariant(t *testing.T) {
	if _, err := Encode("binary", testEvent()); err == nil {
		t.Error("expected error for unknown variant")
	}
}

func TestDecodeRecordRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `quantidade`},
		{"unknown type", `{"quantidade":1,"tipo":"Huge","data":"01/01/2026","hora":"10:00:00"}`},
		{"unpadded date", `{"quantidade":1,"tipo":"Grande","data":"1/1/2026","hora":"10:00:00"}`},
		{"unpadded time", `{"quantidade":1,"tipo":"Grande","data":"01/01/2026","hora":"9:00:00"}`},
		{"float quantity", `{"quantidade":1.5,"tipo":"Grande","data":"01/01/2026","hora":"10:00:00"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRecord([]byte(tt.payload)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDecodeCountsRejects(t *testing.T) {
	for _, p := range []string{`[1,2]`, `[1,2,3,4]`, `[1.5,2,3]`, `{}`} {
		if _, err := DecodeCounts([]byte(p)); err == nil {
			t.Errorf("DecodeCounts(%s): expected error", p)
		}
	}
}

func TestPieceTypeValid(t *testing.T) {
	for _, p := range PieceTypes {
		if !p.Valid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if PieceType("Large").Valid() {
		t.Error("English label should not be valid on the wire")
	}
}
