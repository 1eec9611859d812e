// Package model defines the core domain types for Careloop.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. Event payloads stay opaque
// (json.RawMessage) because the bus never interprets them.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type names are the inter-agent protocol. They travel on the wire
// as SSE event names and in the persisted log, so they must never change.
const (
	EventRequestBooking    = "REQUEST_BOOKING"
	EventSeekSooner        = "SEEK_SOONER"
	EventBookingUpdated    = "BOOKING_UPDATED"
	EventBookingFailed     = "BOOKING_FAILED"
	EventCoverageReady     = "COVERAGE_READY"
	EventSymptomsSubmitted = "SYMPTOMS_SUBMITTED"
	EventWellnessReady     = "WELLNESS_READY"

	// EventAgentError is the synthetic entry recorded when a subscribed
	// handler fails. It never dispatches to handlers.
	EventAgentError = "AGENT_ERROR"
)

// Per-run stream channel names.
const (
	RunChannelStatus    = "status"
	RunChannelLog       = "log"
	RunChannelToken     = "token"
	RunChannelStep      = "step"
	RunChannelFinal     = "final"
	RunChannelHeartbeat = "heartbeat"
)

// Event is an immutable, typed notification. Identity is ID; ordering is
// publish order (the log's sequence number, see LogEntry).
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEvent builds an event with a fresh identity. A nil payload is
// normalised to JSON null so the wire form is always valid JSON.
func NewEvent(eventType string, payload json.RawMessage) Event {
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// LogEntry is an Event plus its position in the append-only log.
// Seq is strictly increasing in publish order.
type LogEntry struct {
	Seq int64 `json:"seq"`
	Event
}

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusFailed
}

// StepEvent is an append-only element of a run's step sequence.
// Index is monotonic from 0.
type StepEvent struct {
	Index  int             `json:"index"`
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
}

// Run is a tracked task execution with incremental progress and a terminal
// result. Immutable once Status is terminal.
type Run struct {
	ID           uuid.UUID   `json:"id"`
	Task         string      `json:"task"`
	Status       RunStatus   `json:"status"`
	Steps        []StepEvent `json:"steps"`
	FinalMessage string      `json:"final_message,omitempty"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// RunEvent is a single notification on a run's watch channel.
type RunEvent struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Booking is the singleton "current appointment" document. Overwritten by
// the scheduler agent only; no history retained.
type Booking struct {
	BookingID     uuid.UUID `json:"bookingId"`
	ClinicID      string    `json:"clinicId"`
	ClinicName    string    `json:"clinicName"`
	InNetwork     bool      `json:"inNetwork"`
	DistanceMiles float64   `json:"distanceMiles"`
	Slot          string    `json:"slot"`
	BookedAt      time.Time `json:"bookedAt"`
}

// CoverageSummary is the singleton plain-language coverage document.
// Overwritten by the coverage agent only.
type CoverageSummary struct {
	Summary    []string  `json:"summary"`
	ProducedAt time.Time `json:"producedAt"`
}

// TriageLevel is the wellness triage tier.
type TriageLevel string

const (
	TriageLow    TriageLevel = "LOW"
	TriageMedium TriageLevel = "MEDIUM"
	TriageHigh   TriageLevel = "HIGH"
)

// Triage is the classification result for a symptom submission.
type Triage struct {
	Level  TriageLevel `json:"level"`
	Advice []string    `json:"advice"`
}

// WellnessTriage is the singleton triage document. Overwritten by the
// wellness agent only. NextCheckInAt is advisory: when the patient should
// re-report symptoms given the assessed tier.
type WellnessTriage struct {
	InputText     string     `json:"inputText"`
	Triage        Triage     `json:"triage"`
	NextCheckInAt *time.Time `json:"nextCheckInAt,omitempty"`
	ProducedAt    time.Time  `json:"producedAt"`
}

// Vitals are optional measurements attached to a symptom submission.
type Vitals struct {
	TempF *float64 `json:"temp,omitempty"`
}

// SymptomsPayload is the payload of a SYMPTOMS_SUBMITTED event.
type SymptomsPayload struct {
	Text   string  `json:"text"`
	Vitals *Vitals `json:"vitals,omitempty"`
}

// BookingFailedPayload is the payload of a BOOKING_FAILED event.
type BookingFailedPayload struct {
	Reason string `json:"reason"`
}

// ClinicSlotOffer is external read-only reference data: one clinic and the
// appointment slots it currently offers.
type ClinicSlotOffer struct {
	ClinicID      string   `json:"clinicId" yaml:"clinicId"`
	ClinicName    string   `json:"clinicName" yaml:"clinicName"`
	InNetwork     bool     `json:"inNetwork" yaml:"inNetwork"`
	DistanceMiles float64  `json:"distanceMiles" yaml:"distanceMiles"`
	Slots         []string `json:"slots" yaml:"slots"`
}

// Snapshot is the point-in-time read of the three singleton documents plus
// the recent event log.
type Snapshot struct {
	Booking  *Booking         `json:"booking"`
	Coverage *CoverageSummary `json:"coverage"`
	Wellness *WellnessTriage  `json:"wellness"`
	Log      []LogEntry       `json:"log"`
}
