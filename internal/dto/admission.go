package dto

import "github.com/noah-isme/activity-admission-api/internal/models"

// RegisterRequest is the body of POST /registrations.
type RegisterRequest struct {
	ActivityID int64  `json:"activity_id" validate:"required,gt=0"`
	Phone      string `json:"phone" validate:"required,cnphone"`
	Name       string `json:"name" validate:"omitempty,max=64"`
	College    string `json:"college" validate:"omitempty,max=128"`
}

// CheckinRequest is the body of POST /checkins. Coordinates are pointers so that 0 is accepted.
type CheckinRequest struct {
	ActivityID int64    `json:"activity_id" validate:"required,gt=0"`
	Phone      string   `json:"phone" validate:"required,cnphone"`
	Latitude   *float64 `json:"latitude" validate:"required,gte=-85.05112878,lte=85.05112878"`
	Longitude  *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

// AdjustCapacityRequest is the body of PATCH /activities/:id/capacity.
type AdjustCapacityRequest struct {
	Delta int `json:"delta" validate:"required"`
}

// AdmissionResponse reports an accepted attempt.
type AdmissionResponse struct {
	Result     models.AdmissionResult `json:"result"`
	EventID    string                 `json:"event_id,omitempty"`
	DistanceKM *float64               `json:"distance_km,omitempty"`
}

// CapacityResponse reports the remaining capacity after an edit.
type CapacityResponse struct {
	ActivityID int64 `json:"activity_id"`
	Remaining  int64 `json:"remaining"`
}
