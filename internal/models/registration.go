package models

import "time"

// Registration is a durable roster row. (activity_id, phone) is unique.
type Registration struct {
	ID               int64     `db:"id" json:"id"`
	ActivityID       int64     `db:"activity_id" json:"activity_id"`
	Name             string    `db:"registration_name" json:"registration_name"`
	College          string    `db:"college" json:"college"`
	Phone            string    `db:"phone" json:"phone"`
	RegistrationTime time.Time `db:"registration_time" json:"registration_time"`
	Checkin          bool      `db:"checkin" json:"checkin"`
}
