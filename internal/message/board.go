package message

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sweeney/piece-counter/internal/logic"
)

// Board is the dashboard's view of the stream: the latest quantity per label
// in first-seen order, or the latest counter triple for array payloads.
type Board struct {
	labels   []PieceType
	values   map[PieceType]int
	counters logic.Counters
	updates  int
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{values: make(map[PieceType]int)}
}

// Apply folds one payload into the board.
func (b *Board) Apply(payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return errors.New("empty payload")
	}

	switch trimmed[0] {
	case '[':
		c, err := DecodeCounts(trimmed)
		if err != nil {
			return err
		}
		b.counters = c
	case '{':
		r, err := DecodeRecord(trimmed)
		if err != nil {
			return err
		}
		if _, ok := b.values[r.Type]; !ok {
			b.labels = append(b.labels, r.Type)
		}
		b.values[r.Type] = r.Quantity
	default:
		return fmt.Errorf("unrecognised payload %q", trimmed)
	}

	b.updates++
	return nil
}

// Labels returns the labels seen so far, in first-seen order.
func (b *Board) Labels() []PieceType {
	out := make([]PieceType, len(b.labels))
	copy(out, b.labels)
	return out
}

// Quantity returns the latest quantity for a label.
func (b *Board) Quantity(t PieceType) (int, bool) {
	q, ok := b.values[t]
	return q, ok
}

// Counters returns the latest counter triple.
func (b *Board) Counters() logic.Counters {
	return b.counters
}

// Updates returns how many payloads were applied.
func (b *Board) Updates() int {
	return b.updates
}

// String renders the board on one line.
func (b *Board) String() string {
	if len(b.labels) == 0 {
		return fmt.Sprintf("%v", b.counters)
	}
	var buf bytes.Buffer
	for i, l := range b.labels {
		if i > 0 {
			buf.WriteString(" ")
		}
		fmt.Fprintf(&buf, "%s=%d", l, b.values[l])
	}
	return buf.String()
}
