package link

import (
	"fmt"
	"time"

	"github.com/1ureka/udplink/internal/protocol"
)

// EventType is a link lifecycle notification.
type EventType int

const (
	EventEstablished     EventType = iota + 1 // our HELLO was acknowledged
	EventClosing                              // close() started, GOODBYE queued
	EventClosed                               // link finished and left its manager
	EventTimeout                              // nothing received within the timeout; fatal
	EventPossibleTimeout                      // nothing received for a while; not fatal
	EventResendFailure                        // a unit ran out of resends; fatal
	EventSessionChanged                       // the remote peer restarted its session
	EventMTUTestFinished                      // path MTU discovery concluded
	EventReceived                             // a complete message was delivered
)

var eventNames = map[EventType]string{
	EventEstablished:     "ESTABLISHED",
	EventClosing:         "CLOSING",
	EventClosed:          "CLOSED",
	EventTimeout:         "TIMEOUT",
	EventPossibleTimeout: "POSSIBLE_TIMEOUT",
	EventResendFailure:   "RESEND_FAILURE",
	EventSessionChanged:  "SESSION_CHANGED",
	EventMTUTestFinished: "MTU_TEST_FINISHED",
	EventReceived:        "RECEIVED",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EVENT(%d)", int(t))
}

// Event is delivered to link subscribers.
type Event struct {
	Type EventType
	Link *Link

	// Unit is the delivered message for EventReceived and the abandoned
	// unit for EventResendFailure.
	Unit *protocol.Unit

	// Elapsed is the silence that triggered EventTimeout or EventPossibleTimeout.
	Elapsed time.Duration
}

func (e Event) String() string {
	switch {
	case e.Unit != nil:
		return fmt.Sprintf("%s %s %s", e.Type, e.Link, e.Unit)
	case e.Elapsed > 0:
		return fmt.Sprintf("%s %s after %v", e.Type, e.Link, e.Elapsed.Round(time.Millisecond))
	default:
		return fmt.Sprintf("%s %s", e.Type, e.Link)
	}
}
