package bus

import "time"

// Event represents a domain event published on the bus.
// Room is set for events scoped to one conversation room, empty otherwise.
type Event struct {
	Kind      string
	Room      string
	Timestamp time.Time
	Payload   any
}
