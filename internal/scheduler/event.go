package scheduler

import "time"

type EventKind int

const (
	EventMeasure EventKind = iota
	EventBeat
	EventSubdivision
	EventPolyrhythm
)

func (k EventKind) String() string {
	switch k {
	case EventMeasure:
		return "measure"
	case EventBeat:
		return "beat"
	case EventSubdivision:
		return "subdivision"
	case EventPolyrhythm:
		return "polyrhythm"
	default:
		return "unknown"
	}
}

// Event is one scheduled click. AudioTime is the exact clock deadline;
// Timestamp is the wall-clock moment the notification was delivered.
type Event struct {
	Kind      EventKind
	Measure   int
	Beat      int
	Tick      int
	PolyBeat  int
	AudioTime float64
	Timestamp time.Time

	// BPM in effect when the event was scheduled.
	BPM    float64
	Accent bool
	Volume float64
	Sound  string
}

// Handler receives delivered events. Handlers run one at a time on the
// delivery goroutine and should not block.
type Handler func(Event)
