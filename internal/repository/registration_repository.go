package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/activity-admission-api/internal/models"
)

// RegistrationRepository persists roster rows. It relies on a unique index on (activity_id, phone).
type RegistrationRepository struct {
	db *sqlx.DB
}

// NewRegistrationRepository constructs the repository.
func NewRegistrationRepository(db *sqlx.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// Upsert inserts the registration unless a row for (activity_id, phone) exists.
// It reports whether a new row was written.
func (r *RegistrationRepository) Upsert(ctx context.Context, reg *models.Registration) (bool, error) {
	if reg.RegistrationTime.IsZero() {
		reg.RegistrationTime = time.Now().UTC()
	}
	const query = `INSERT INTO registration (id, activity_id, registration_name, college, phone, registration_time, checkin)
VALUES (:id, :activity_id, :registration_name, :college, :phone, :registration_time, :checkin)
ON CONFLICT (activity_id, phone) DO NOTHING`
	res, err := r.db.NamedExecContext(ctx, query, reg)
	if err != nil {
		return false, fmt.Errorf("upsert registration activity %d: %w", reg.ActivityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert registration activity %d: %w", reg.ActivityID, err)
	}
	return n > 0, nil
}

// MarkCheckedIn flips the checkin flag. It reports false when the row was already checked in
// and returns sql.ErrNoRows (wrapped) when no registration exists.
func (r *RegistrationRepository) MarkCheckedIn(ctx context.Context, activityID int64, phone string) (bool, error) {
	const update = `UPDATE registration SET checkin = TRUE WHERE activity_id = $1 AND phone = $2 AND checkin = FALSE`
	res, err := r.db.ExecContext(ctx, update, activityID, phone)
	if err != nil {
		return false, fmt.Errorf("checkin registration activity %d: %w", activityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checkin registration activity %d: %w", activityID, err)
	}
	if n > 0 {
		return true, nil
	}

	const lookup = `SELECT checkin FROM registration WHERE activity_id = $1 AND phone = $2`
	var checked bool
	if err := r.db.GetContext(ctx, &checked, lookup, activityID, phone); err != nil {
		return false, fmt.Errorf("lookup registration activity %d: %w", activityID, err)
	}
	return false, nil
}

// ListRegisteredPhones returns the roster of an activity, optionally without participants
// who already checked in.
func (r *RegistrationRepository) ListRegisteredPhones(ctx context.Context, activityID int64, excludeCheckedIn bool) ([]string, error) {
	query := `SELECT phone FROM registration WHERE activity_id = $1`
	if excludeCheckedIn {
		query += ` AND checkin = FALSE`
	}
	query += ` ORDER BY registration_time ASC`
	var phones []string
	if err := r.db.SelectContext(ctx, &phones, query, activityID); err != nil {
		return nil, fmt.Errorf("list registered phones activity %d: %w", activityID, err)
	}
	return phones, nil
}
