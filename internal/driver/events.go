package driver

import (
	"github.com/go-rod/rod/lib/proto"
)

// EventKind discriminates runtime events emitted by the driver.
type EventKind string

// Runtime event kinds consumed by the Orchestrator.
const (
	EventDisconnected          EventKind = "disconnected"
	EventTargetCreated         EventKind = "targetCreated"
	EventTargetChanged         EventKind = "targetChanged"
	EventTargetDestroyed       EventKind = "targetDestroyed"
	EventFileProtocolViolation EventKind = "fileProtocolViolation"
)

// Event is one lifecycle or security event from the browser process.
// Target carries the target descriptor for created/changed events; TargetID
// alone is set for destroyed events; URL is set for protocol violations.
type Event struct {
	Kind     EventKind
	Target   *proto.TargetTargetInfo
	TargetID proto.TargetTargetID
	URL      string
}

// emit delivers an event without ever blocking the CDP event loop. If the
// consumer has fallen behind far enough to fill the buffer the event is
// dropped; the channel is sized so that only a wedged consumer gets there.
func (d *Driver) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
	}
}
