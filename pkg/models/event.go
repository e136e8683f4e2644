package models

import (
	"encoding/json"
	"time"
)

// EventType tags every event published on the bus.
type EventType string

// Project lifecycle events.
const (
	EventProjectCreated  EventType = "project.created"
	EventProjectQueued   EventType = "project.queued"
	EventProjectClaimed  EventType = "project.claimed"
	EventProjectProgress EventType = "project.progress"
	EventProjectPushed   EventType = "project.pushed"
	EventProjectInReview EventType = "project.in-review"
	EventReviewVerdict   EventType = "review.verdict"
	EventProjectRework   EventType = "project.rework"
	EventProjectAccepted EventType = "project.accepted"
	EventProjectFailed   EventType = "project.failed"
	EventProjectReleased EventType = "project.released"
)

// Agent lifecycle events.
const (
	EventAgentAdded        EventType = "agent.added"
	EventAgentPaused       EventType = "agent.paused"
	EventAgentResumed      EventType = "agent.resumed"
	EventAgentStopped      EventType = "agent.stopped"
	EventAgentUnresponsive EventType = "agent.unresponsive"
	EventAgentHeartbeat    EventType = "agent.heartbeat"
)

// Cost and error events.
const (
	EventCostWarning  EventType = "cost.warning"
	EventCostHardStop EventType = "cost.hardStop"
	EventError        EventType = "error"
)

// knownEventTypes is consulted by external event ingress; unknown types are
// rejected with 400.
var knownEventTypes = map[EventType]bool{
	EventProjectCreated: true, EventProjectQueued: true, EventProjectClaimed: true,
	EventProjectProgress: true, EventProjectPushed: true, EventProjectInReview: true,
	EventReviewVerdict: true, EventProjectRework: true, EventProjectAccepted: true,
	EventProjectFailed: true, EventProjectReleased: true,
	EventAgentAdded: true, EventAgentPaused: true, EventAgentResumed: true,
	EventAgentStopped: true, EventAgentUnresponsive: true, EventAgentHeartbeat: true,
	EventCostWarning: true, EventCostHardStop: true, EventError: true,
}

// IsValid checks if the event type belongs to the taxonomy.
func (t EventType) IsValid() bool {
	return knownEventTypes[t]
}

// Event is one sequenced bus record. Seq is assigned by the bus, is global,
// strictly increasing, and gapless in the authoritative log.
type Event struct {
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"data"`
	At      time.Time       `json:"at"`
}

// ProjectEventRequest is an externally submitted project event awaiting
// sequencing by the bus.
type ProjectEventRequest struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
