package models

import "time"

// ActivityStatus enumerates the lifecycle states stored on the activity row.
type ActivityStatus int

const (
	ActivityStatusUnpublished  ActivityStatus = 1
	ActivityStatusUnregistered ActivityStatus = 2
	ActivityStatusRegistering  ActivityStatus = 3
	ActivityStatusUnstarted    ActivityStatus = 4
	ActivityStatusUndergoing   ActivityStatus = 5
	ActivityStatusTerminated   ActivityStatus = 6
)

// String renders the status for logs.
func (s ActivityStatus) String() string {
	switch s {
	case ActivityStatusUnpublished:
		return "unpublished"
	case ActivityStatusUnregistered:
		return "unregistered"
	case ActivityStatusRegistering:
		return "registering"
	case ActivityStatusUnstarted:
		return "unstarted"
	case ActivityStatusUndergoing:
		return "undergoing"
	case ActivityStatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Activity is the subset of the activity row the admission engine reads.
type Activity struct {
	ID                int64          `db:"id" json:"id"`
	Name              string         `db:"activity_name" json:"activity_name"`
	Status            ActivityStatus `db:"status" json:"status"`
	Latitude          *float64       `db:"latitude" json:"latitude,omitempty"`
	Longitude         *float64       `db:"longitude" json:"longitude,omitempty"`
	RegistrationStart *time.Time     `db:"registration_start" json:"registration_start,omitempty"`
	RegistrationEnd   *time.Time     `db:"registration_end" json:"registration_end,omitempty"`
	ActivityStart     *time.Time     `db:"activity_start" json:"activity_start,omitempty"`
	ActivityEnd       *time.Time     `db:"activity_end" json:"activity_end,omitempty"`
	MaxParticipants   int            `db:"max_participants" json:"max_participants"`
}

// HasLocation reports whether a reference coordinate is known.
func (a Activity) HasLocation() bool {
	return a.Latitude != nil && a.Longitude != nil
}
