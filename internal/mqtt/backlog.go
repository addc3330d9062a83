package mqtt

// outbound is one serialized mirror message waiting for the broker.
type outbound struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// backlog holds mirror messages while the broker is unreachable. Once full,
// each new detection pushes out the oldest one, so the broker later sees the
// most recent counters. Callers synchronize.
type backlog struct {
	slots  []outbound
	oldest int
	size   int
	lost   int // pushed out since the last flush
}

func newBacklog(limit int) *backlog {
	if limit < 1 {
		limit = 1
	}
	return &backlog{slots: make([]outbound, limit)}
}

// hold queues msg. It reports true on the first loss since the last flush.
func (b *backlog) hold(msg outbound) bool {
	n := len(b.slots)
	if b.size < n {
		b.slots[(b.oldest+b.size)%n] = msg
		b.size++
		return false
	}
	b.slots[b.oldest] = msg
	b.oldest = (b.oldest + 1) % n
	b.lost++
	return b.lost == 1
}

// flush returns the held messages oldest first and empties the backlog.
func (b *backlog) flush() []outbound {
	if b.size == 0 {
		return nil
	}
	out := make([]outbound, b.size)
	for i := range out {
		out[i] = b.slots[(b.oldest+i)%len(b.slots)]
	}
	clear(b.slots)
	b.oldest, b.size, b.lost = 0, 0, 0
	return out
}

func (b *backlog) pending() int { return b.size }

func (b *backlog) dropped() int { return b.lost }
