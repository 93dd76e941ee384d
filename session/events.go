package session

import (
	"github.com/nekocode/agent-team/protocol"
)

// EventKind selects the payload of an Event.
type EventKind int

const (
	// EventEntry is a completed ring-buffer entry.
	EventEntry EventKind = iota
	// EventFragment is a streaming piece of an agent message or thought,
	// printed in place; the assembled entry reaches the buffer later.
	EventFragment
	// EventInfo is a supervisor lifecycle line (started, idle, shutdown).
	EventInfo
	// eventStop ends the printer loop at supervisor exit.
	eventStop
)

// Event is one item on the supervisor's stdout stream.
type Event struct {
	Kind EventKind

	// EventEntry
	Entry protocol.OutputEntry

	// EventFragment
	FragmentKind protocol.OutputType
	FragmentText string

	// EventInfo
	Tag     string
	Message string
}

// emitter sends events without ever blocking the callback path. A full
// printer queue drops the event; the ring buffer remains the source of
// truth for history.
type emitter struct {
	ch chan<- Event
}

func (e *emitter) send(ev Event) {
	if e.ch == nil {
		return
	}
	select {
	case e.ch <- ev:
	default:
	}
}

func (e *emitter) entry(entry protocol.OutputEntry) {
	e.send(Event{Kind: EventEntry, Entry: entry})
}

func (e *emitter) fragment(kind protocol.OutputType, text string) {
	e.send(Event{Kind: EventFragment, FragmentKind: kind, FragmentText: text})
}

func (e *emitter) info(tag, message string) {
	e.send(Event{Kind: EventInfo, Tag: tag, Message: message})
}
