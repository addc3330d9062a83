package logic

// Edge is the two-state threshold machine. It reports a detection only on the
// OUTSIDE -> INSIDE transition; leaving the zone silently re-arms it.
type Edge struct {
	threshold float64
	state     State
}

// NewEdge creates an edge detector in the OUTSIDE state.
func NewEdge(thresholdCM float64) *Edge {
	return &Edge{threshold: thresholdCM, state: StateOutside}
}

// Observe feeds one reading and reports whether an object just entered the zone.
// Invalid readings carry no information and leave the state unchanged.
func (e *Edge) Observe(distanceCM float64, valid bool) bool {
	if !valid {
		return false
	}

	if distanceCM <= e.threshold {
		if e.state == StateOutside {
			e.state = StateInside
			return true
		}
		return false
	}

	e.state = StateOutside
	return false
}

// State returns the current edge state.
func (e *Edge) State() State {
	return e.state
}

// Threshold returns the configured threshold in centimeters.
func (e *Edge) Threshold() float64 {
	return e.threshold
}

// Detector owns the per-connection counting state: the edge machine and the counters.
type Detector struct {
	edge     *Edge
	counters Counters
	initial  Counters
	events   int
}

// NewDetector creates a detector with the given threshold and initial counter values.
func NewDetector(thresholdCM float64, initial Counters) *Detector {
	return &Detector{
		edge:     NewEdge(thresholdCM),
		counters: initial,
		initial:  initial,
	}
}

// Process takes a new sample and returns the detection event, if any.
func (d *Detector) Process(input Input) *Event {
	if !d.edge.Observe(input.DistanceCM, input.Valid) {
		return nil
	}

	for i := range d.counters {
		d.counters[i] += Steps[i]
	}
	d.events++

	return &Event{
		Timestamp:  input.Time,
		Sequence:   d.events,
		DistanceCM: input.DistanceCM,
		Counters:   d.counters,
	}
}

// State returns the current edge state.
func (d *Detector) State() State {
	return d.edge.State()
}

// Counters returns the current counter values.
func (d *Detector) Counters() Counters {
	return d.counters
}

// Initial returns the counter values the detector started from.
func (d *Detector) Initial() Counters {
	return d.initial
}

// Events returns the number of detections so far.
func (d *Detector) Events() int {
	return d.events
}
