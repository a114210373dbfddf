package models

import "time"

// AdmissionResult is the outcome of an admission attempt. Denials are values, not errors.
type AdmissionResult string

const (
	AdmissionAccepted                AdmissionResult = "ACCEPTED"
	AdmissionAlreadyRegistered       AdmissionResult = "ALREADY_REGISTERED"
	AdmissionCapacityExhausted       AdmissionResult = "CAPACITY_EXHAUSTED"
	AdmissionNotInRegistrationWindow AdmissionResult = "NOT_IN_REGISTRATION_WINDOW"
	AdmissionNotEligible             AdmissionResult = "NOT_ELIGIBLE"
	AdmissionNotStarted              AdmissionResult = "NOT_STARTED"
	AdmissionOutOfRange              AdmissionResult = "OUT_OF_RANGE"
)

// EventType distinguishes the two kinds of pending writes.
type EventType string

const (
	EventRegistration EventType = "registration"
	EventCheckin      EventType = "checkin"
)

// PendingWriteEvent is the payload carried on the durable write queue and mirrored in the outbox.
type PendingWriteEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	ActivityID int64     `json:"activity_id"`
	Phone      string    `json:"phone"`
	Name       string    `json:"name,omitempty"`
	College    string    `json:"college,omitempty"`
	Latitude   float64   `json:"latitude,omitempty"`
	Longitude  float64   `json:"longitude,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AdmissionSnapshot summarises the live coordination state for one activity.
type AdmissionSnapshot struct {
	ActivityID        int64 `json:"activity_id"`
	RegistrationOpen  bool  `json:"registration_open"`
	Remaining         int64 `json:"remaining"`
	Admitted          int64 `json:"admitted"`
	CheckinOpen       bool  `json:"checkin_open"`
	PendingCheckins   int64 `json:"pending_checkins"`
	UndeliveredEvents int64 `json:"undelivered_events"`
}

// AdmissionOutcome is what the coordinator reports for one attempt.
type AdmissionOutcome struct {
	Result     AdmissionResult `json:"result"`
	EventID    string          `json:"event_id,omitempty"`
	DistanceKM *float64        `json:"distance_km,omitempty"`
}

// Accepted reports whether the attempt was admitted.
func (o AdmissionOutcome) Accepted() bool {
	return o.Result == AdmissionAccepted
}
