package resource

import "go.uber.org/zap"

// Handle is an index into an Arena.
// Handle 0 is reserved and always invalid.
type Handle uint32

// Event types for resource lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDropped:
		return "dropped"
	}
	return "unknown"
}

// Event represents a resource lifecycle event.
type Event struct {
	Value any    // host resource
	Map   string // name of the emitting map
	Guest uint32
	Type  EventType
}

// Observer receives notifications about resource lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }

// LogEvents returns an observer that logs every event at debug level.
func LogEvents(log *zap.Logger) Observer {
	return ObserverFunc(func(e Event) {
		log.Debug("handle "+e.Type.String(),
			zap.String("map", e.Map),
			zap.Uint32("guest", e.Guest),
			zap.Any("host", e.Value))
	})
}
