package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/activity-admission-api/internal/models"
)

const activityColumns = `id, activity_name, status, latitude, longitude, registration_start, registration_end, activity_start, activity_end, max_participants`

// ActivityRepository reads activity timing and advances lifecycle status.
type ActivityRepository struct {
	db *sqlx.DB
}

// NewActivityRepository constructs the repository.
func NewActivityRepository(db *sqlx.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// FindByID returns one activity.
func (r *ActivityRepository) FindByID(ctx context.Context, id int64) (*models.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activity WHERE id = $1`
	var activity models.Activity
	if err := r.db.GetContext(ctx, &activity, query, id); err != nil {
		return nil, fmt.Errorf("get activity %d: %w", id, err)
	}
	return &activity, nil
}

// FindEnteringRegistration lists activities whose registration window has opened and not yet closed.
// Rows with a missing registration_end are returned so the caller can report them.
func (r *ActivityRepository) FindEnteringRegistration(ctx context.Context, now time.Time) ([]models.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activity
WHERE registration_start <= $1 AND (registration_end IS NULL OR registration_end > $1) AND status IN ($2, $3, $4)
ORDER BY registration_start ASC`
	var activities []models.Activity
	if err := r.db.SelectContext(ctx, &activities, query, now,
		models.ActivityStatusUnpublished, models.ActivityStatusUnregistered, models.ActivityStatusRegistering); err != nil {
		return nil, fmt.Errorf("list activities entering registration: %w", err)
	}
	return activities, nil
}

// FindEnteringExecution lists activities that have started and not yet ended.
func (r *ActivityRepository) FindEnteringExecution(ctx context.Context, now time.Time) ([]models.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activity
WHERE activity_start <= $1 AND (activity_end IS NULL OR activity_end > $1) AND status IN ($2, $3, $4)
ORDER BY activity_start ASC`
	var activities []models.Activity
	if err := r.db.SelectContext(ctx, &activities, query, now,
		models.ActivityStatusRegistering, models.ActivityStatusUnstarted, models.ActivityStatusUndergoing); err != nil {
		return nil, fmt.Errorf("list activities entering execution: %w", err)
	}
	return activities, nil
}

// UpdateStatus moves the activity forward to status. It never moves a status backwards and
// reports whether the row changed.
func (r *ActivityRepository) UpdateStatus(ctx context.Context, id int64, status models.ActivityStatus) (bool, error) {
	const query = `UPDATE activity SET status = $1, update_time = $2 WHERE id = $3 AND status < $1`
	res, err := r.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("update activity %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update activity %d status: %w", id, err)
	}
	return n > 0, nil
}
