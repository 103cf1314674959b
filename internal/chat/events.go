package chat

type EventKind int

const (
	GenerationStarted EventKind = iota
	GenerationFinished
	MessageUpdated
	StatusChanged
)

func (k EventKind) String() string {
	switch k {
	case GenerationStarted:
		return "generation_started"
	case GenerationFinished:
		return "generation_finished"
	case MessageUpdated:
		return "message_updated"
	case StatusChanged:
		return "status_changed"
	}
	return "unknown"
}

// Event tells a view that something changed. Events are best effort: when
// nobody drains the channel they are dropped, and every operation also
// reports its outcome through its return value.
type Event struct {
	Kind      EventKind
	SessionID string
	MessageID string
	Status    string
	Err       error
}

const eventBuffer = 256

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Events returns the channel views listen on.
func (c *Controller) Events() <-chan Event {
	return c.events
}
