// Package logic contains pure business logic for counting objects passing the sensor.
// This package has NO external dependencies (no GPIO, sockets, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// State represents the position of the nearest object relative to the threshold zone.
type State string

const (
	StateOutside State = "OUTSIDE"
	StateInside  State = "INSIDE"
)

// NumCounters is the number of object counters carried per connection.
const NumCounters = 3

// Counters holds the three object counters in wire order.
type Counters [NumCounters]int

// Steps are the fixed increments applied to each counter per detected object.
// The three counters all advance on the same event; nothing in the sensor
// signal distinguishes object sizes.
var Steps = Counters{1, 2, 3}

// Input represents a single distance sample.
type Input struct {
	DistanceCM float64 // only meaningful when Valid
	Valid      bool    // false when the sensor saw no echo
	Time       time.Time
}

// Event represents one object entering the threshold zone.
type Event struct {
	Timestamp  time.Time
	Sequence   int      // 1-based detection number within the connection
	DistanceCM float64  // reading that triggered the event
	Counters   Counters // counter values after this event was applied
}
