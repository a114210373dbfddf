package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/activity-admission-api/internal/dto"
	"github.com/noah-isme/activity-admission-api/internal/models"
	"github.com/noah-isme/activity-admission-api/internal/service"
	appErrors "github.com/noah-isme/activity-admission-api/pkg/errors"
	"github.com/noah-isme/activity-admission-api/pkg/response"
	"github.com/noah-isme/activity-admission-api/pkg/validation"
)

type admissionCoordinator interface {
	Register(ctx context.Context, cmd service.RegisterCommand) (models.AdmissionOutcome, error)
	Checkin(ctx context.Context, cmd service.CheckinCommand) (models.AdmissionOutcome, error)
	AdjustCapacity(ctx context.Context, activityID int64, delta int) (int64, error)
	Teardown(ctx context.Context, activityID int64) error
	Snapshot(ctx context.Context, activityID int64) (*models.AdmissionSnapshot, error)
}

// AdmissionHandler exposes registration and check-in endpoints.
type AdmissionHandler struct {
	admission admissionCoordinator
	validate  *validator.Validate
}

// NewAdmissionHandler constructs the handler. A nil validator gets one with the phone tag installed.
func NewAdmissionHandler(admission admissionCoordinator, validate *validator.Validate) *AdmissionHandler {
	if validate == nil {
		validate = validation.New()
	}
	return &AdmissionHandler{admission: admission, validate: validate}
}

// Register godoc
// @Summary Register for an activity
// @Description Admits the phone against the live capacity ledger. Persistence happens asynchronously.
// @Tags Admission
// @Accept json
// @Produce json
// @Param payload body dto.RegisterRequest true "Registration payload"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /registrations [post]
func (h *AdmissionHandler) Register(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid registration payload"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid registration payload"))
		return
	}
	outcome, err := h.admission.Register(c.Request.Context(), service.RegisterCommand{
		ActivityID: req.ActivityID,
		Phone:      req.Phone,
		Name:       req.Name,
		College:    req.College,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if !outcome.Accepted() {
		response.Error(c, denialError(outcome.Result))
		return
	}
	response.Accepted(c, dto.AdmissionResponse{Result: outcome.Result, EventID: outcome.EventID})
}

// Checkin godoc
// @Summary Check in to an undergoing activity
// @Tags Admission
// @Accept json
// @Produce json
// @Param payload body dto.CheckinRequest true "Check-in payload"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /checkins [post]
func (h *AdmissionHandler) Checkin(c *gin.Context) {
	var req dto.CheckinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid checkin payload"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid checkin payload"))
		return
	}
	outcome, err := h.admission.Checkin(c.Request.Context(), service.CheckinCommand{
		ActivityID: req.ActivityID,
		Phone:      req.Phone,
		Latitude:   *req.Latitude,
		Longitude:  *req.Longitude,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if !outcome.Accepted() {
		response.Error(c, denialError(outcome.Result))
		return
	}
	response.Accepted(c, dto.AdmissionResponse{Result: outcome.Result, EventID: outcome.EventID, DistanceKM: outcome.DistanceKM})
}

// Snapshot godoc
// @Summary Live admission state of an activity
// @Tags Admission
// @Produce json
// @Param id path int true "Activity ID"
// @Success 200 {object} response.Envelope
// @Router /activities/{id}/admission [get]
func (h *AdmissionHandler) Snapshot(c *gin.Context) {
	id, ok := activityIDParam(c)
	if !ok {
		return
	}
	snapshot, err := h.admission.Snapshot(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot)
}

// AdjustCapacity godoc
// @Summary Edit remaining capacity of an open registration
// @Tags Admission
// @Accept json
// @Produce json
// @Param id path int true "Activity ID"
// @Param payload body dto.AdjustCapacityRequest true "Capacity delta"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /activities/{id}/capacity [patch]
func (h *AdmissionHandler) AdjustCapacity(c *gin.Context) {
	id, ok := activityIDParam(c)
	if !ok {
		return
	}
	var req dto.AdjustCapacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid capacity payload"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "delta must be non-zero"))
		return
	}
	remaining, err := h.admission.AdjustCapacity(c.Request.Context(), id, req.Delta)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.CapacityResponse{ActivityID: id, Remaining: remaining})
}

// Teardown godoc
// @Summary Drop coordination state of a deleted activity
// @Tags Admission
// @Param id path int true "Activity ID"
// @Success 204
// @Router /activities/{id}/coordination [delete]
func (h *AdmissionHandler) Teardown(c *gin.Context) {
	id, ok := activityIDParam(c)
	if !ok {
		return
	}
	if err := h.admission.Teardown(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func activityIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid activity id"))
		return 0, false
	}
	return id, true
}

func denialError(result models.AdmissionResult) error {
	switch result {
	case models.AdmissionAlreadyRegistered:
		return appErrors.ErrAlreadyRegistered
	case models.AdmissionCapacityExhausted:
		return appErrors.ErrCapacityExhausted
	case models.AdmissionNotInRegistrationWindow:
		return appErrors.ErrNotInRegistrationWindow
	case models.AdmissionNotEligible:
		return appErrors.ErrNotEligible
	case models.AdmissionNotStarted:
		return appErrors.ErrNotStarted
	case models.AdmissionOutOfRange:
		return appErrors.ErrOutOfRange
	default:
		return appErrors.ErrInternal
	}
}
