package cascade

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/otymasaude/telemed-backend/pkg/models"
)

// Store defines the persistence operations the engine needs. The two
// conditional writes (StartRound, AssignDoctor) are the concurrency
// boundary: they must be atomic compare-and-swap updates, because doctors
// and operational clients race from independent processes.
type Store interface {
	GetConsultation(ctx context.Context, id uuid.UUID) (*models.ConsultationRequest, error)
	GetSettings(ctx context.Context) (*models.CascadeSettings, error)

	// ListEligibleDoctors returns approved, available doctors whose
	// specialty matches (exact or generalist fallback).
	ListEligibleDoctors(ctx context.Context, specialty string) ([]*models.Doctor, error)

	// ListNotifiedDoctorIDs returns every doctor already notified for this
	// consultation, in any round.
	ListNotifiedDoctorIDs(ctx context.Context, consultationID uuid.UUID) (map[uuid.UUID]bool, error)

	// AverageResponseSeconds returns each doctor's historical mean response
	// time; doctors with no recorded responses are absent from the map.
	AverageResponseSeconds(ctx context.Context, doctorIDs []uuid.UUID) (map[uuid.UUID]float64, error)

	// StartRound advances cascade_round from fromRound to fromRound+1 and
	// inserts the round's notifications as one unit. Returns false without
	// side effects when another caller advanced the round first.
	StartRound(ctx context.Context, consultationID uuid.UUID, fromRound int, startedAt time.Time, notifs []*models.CascadeNotification) (bool, error)

	// AssignDoctor sets assigned_doctor_id if and only if it is still
	// null. Returns true for the single winner.
	AssignDoctor(ctx context.Context, consultationID, doctorID uuid.UUID, at time.Time) (bool, error)

	// SetNotificationResponse moves the doctor's pending notification to
	// accepted/rejected/expired, recording the response time. Returns
	// false when no pending notification exists.
	SetNotificationResponse(ctx context.Context, consultationID, doctorID uuid.UUID, resp models.Response, reason string, at time.Time) (bool, error)

	// ExpirePending expires every pending notification of the consultation
	// whose deadline has passed, recording the full timeout as response
	// time. Returns the number of rows transitioned.
	ExpirePending(ctx context.Context, consultationID uuid.UUID, now time.Time) (int64, error)

	MarkUnattended(ctx context.Context, consultationID uuid.UUID) error

	// ListNotifications returns the cascade history ordered by round, then
	// notified_at.
	ListNotifications(ctx context.Context, consultationID uuid.UUID) ([]*models.CascadeNotification, error)
	ListAllNotifications(ctx context.Context) ([]*models.CascadeNotification, error)

	// EarliestPendingForDoctor returns the pending notification with the
	// nearest deadline addressed to the doctor, restricted to
	// consultations that are still up for grabs.
	EarliestPendingForDoctor(ctx context.Context, doctorID uuid.UUID) (*models.CascadeNotification, error)

	// ListLiveConsultationIDs returns consultations still in pending
	// status, the sweep working set.
	ListLiveConsultationIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Sink delivers outbound doctor notifications and staff notices.
// Delivery failures must never fail the enclosing cascade operation; the
// notification row persisted by the store is the source of truth for
// timeout and expiry.
type Sink interface {
	Notify(ctx context.Context, n *models.CascadeNotification, cons *models.ConsultationRequest, doc *models.Doctor) error
	NotifyStaff(ctx context.Context, consultationID uuid.UUID, eventType, message string) error
}

// Publisher is the change feed consumed by UI observers. Delivery is
// at-least-once and ordered per consultation.
type Publisher interface {
	PublishConsultation(consultationID uuid.UUID, eventType string, data any)
}

// Result is the outcome of a round start (or next-round check).
type Result struct {
	Success         bool      `json:"success"`
	ConsultationID  uuid.UUID `json:"consultation_id"`
	DoctorsNotified int       `json:"doctors_notified"`
	RoundNumber     int       `json:"round_number"`
	Message         string    `json:"message,omitempty"`
}

// ResponseResult is the outcome of a doctor's accept or reject.
type ResponseResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Call is the one outstanding prompt surfaced to a doctor, with a
// display-only countdown; authoritative expiry happens server-side.
type Call struct {
	Notification     *models.CascadeNotification `json:"notification"`
	Consultation     *models.ConsultationRequest `json:"consultation"`
	RemainingSeconds int                         `json:"remaining_seconds"`
}
