package cascade

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/otymasaude/telemed-backend/pkg/models"
)

// GormStore is the production Store over Postgres. The acceptance and
// round-advance writes are conditional UPDATEs checked via RowsAffected,
// never application-level locks.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

func (s *GormStore) GetConsultation(ctx context.Context, id uuid.UUID) (*models.ConsultationRequest, error) {
	var cons models.ConsultationRequest
	if err := s.db.WithContext(ctx).First(&cons, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &cons, nil
}

// GetSettings returns the singleton settings row, creating it with defaults
// on first read.
func (s *GormStore) GetSettings(ctx context.Context) (*models.CascadeSettings, error) {
	var set models.CascadeSettings
	err := s.db.WithContext(ctx).First(&set, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		set = models.CascadeSettings{
			ID:                     1,
			TimeoutPerRoundMinutes: 5,
			MaxRounds:              3,
			DoctorsPerRound:        2,
			PrioritizeBy:           models.StrategyAvailability,
			EnableWhatsApp:         true,
		}
		if err := s.db.WithContext(ctx).Create(&set).Error; err != nil {
			return nil, err
		}
		return &set, nil
	}
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// UpdateSettings applies a partial admin edit; changes take effect on the
// next round decision.
func (s *GormStore) UpdateSettings(ctx context.Context, patch map[string]any) (*models.CascadeSettings, error) {
	if _, err := s.GetSettings(ctx); err != nil {
		return nil, err
	}
	if len(patch) > 0 {
		if err := s.db.WithContext(ctx).Model(&models.CascadeSettings{}).
			Where("id = ?", 1).Updates(patch).Error; err != nil {
			return nil, err
		}
	}
	return s.GetSettings(ctx)
}

// ListEligibleDoctors: approved + available, exact specialty plus
// generalists ("Clínica Geral") as the compatible fallback.
func (s *GormStore) ListEligibleDoctors(ctx context.Context, specialty string) ([]*models.Doctor, error) {
	var docs []*models.Doctor
	err := s.db.WithContext(ctx).
		Where("approval_status = ? AND available = true", models.ApprovalApproved).
		Where("specialty = ? OR specialty = ?", specialty, "Clínica Geral").
		Order("created_at ASC, id ASC").
		Find(&docs).Error
	return docs, err
}

func (s *GormStore) ListNotifiedDoctorIDs(ctx context.Context, consultationID uuid.UUID) (map[uuid.UUID]bool, error) {
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&models.CascadeNotification{}).
		Where("consultation_id = ?", consultationID).
		Distinct("doctor_id").
		Pluck("doctor_id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (s *GormStore) AverageResponseSeconds(ctx context.Context, doctorIDs []uuid.UUID) (map[uuid.UUID]float64, error) {
	if len(doctorIDs) == 0 {
		return map[uuid.UUID]float64{}, nil
	}
	type row struct {
		DoctorID uuid.UUID
		Avg      float64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&models.CascadeNotification{}).
		Select("doctor_id, AVG(response_time_seconds) AS avg").
		Where("doctor_id IN ? AND response_time_seconds IS NOT NULL", doctorIDs).
		Group("doctor_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]float64, len(rows))
	for _, r := range rows {
		out[r.DoctorID] = r.Avg
	}
	return out, nil
}

// StartRound advances the round with a CAS on cascade_round and inserts the
// round's notifications in the same transaction, so a lost race leaves no
// partial state behind.
func (s *GormStore) StartRound(ctx context.Context, consultationID uuid.UUID, fromRound int, startedAt time.Time, notifs []*models.CascadeNotification) (bool, error) {
	started := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ConsultationRequest{}).
			Where("id = ? AND cascade_round = ? AND assigned_doctor_id IS NULL AND status = ?",
				consultationID, fromRound, models.ConsultationPending).
			Updates(map[string]any{
				"cascade_round":      fromRound + 1,
				"cascade_started_at": startedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // someone else advanced the round
		}
		if err := tx.Create(&notifs).Error; err != nil {
			return err
		}
		started = true
		return nil
	})
	return started, err
}

// AssignDoctor is the at-most-one-acceptance write: the WHERE clause on the
// null assignment column makes the database arbitrate concurrent acceptors.
func (s *GormStore) AssignDoctor(ctx context.Context, consultationID, doctorID uuid.UUID, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ConsultationRequest{}).
		Where("id = ? AND assigned_doctor_id IS NULL AND status = ?",
			consultationID, models.ConsultationPending).
		Updates(map[string]any{
			"assigned_doctor_id": doctorID,
			"assigned_at":        at,
			"status":             models.ConsultationInProgress,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) SetNotificationResponse(ctx context.Context, consultationID, doctorID uuid.UUID, resp models.Response, reason string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.CascadeNotification{}).
		Where("consultation_id = ? AND doctor_id = ? AND response = ?",
			consultationID, doctorID, models.ResponsePending).
		Updates(map[string]any{
			"response":              resp,
			"responded_at":          at,
			"rejection_reason":      reason,
			"response_time_seconds": gorm.Expr("EXTRACT(EPOCH FROM (?::timestamptz - notified_at))::int", at),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ExpirePending records the full timeout duration as the response time,
// computed from the row's own deadline so the value is exact regardless of
// when the sweep ran.
func (s *GormStore) ExpirePending(ctx context.Context, consultationID uuid.UUID, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.CascadeNotification{}).
		Where("consultation_id = ? AND response = ? AND response_deadline <= ?",
			consultationID, models.ResponsePending, now).
		Updates(map[string]any{
			"response":              models.ResponseExpired,
			"responded_at":          now,
			"response_time_seconds": gorm.Expr("EXTRACT(EPOCH FROM (response_deadline - notified_at))::int"),
		})
	return res.RowsAffected, res.Error
}

func (s *GormStore) MarkUnattended(ctx context.Context, consultationID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&models.ConsultationRequest{}).
		Where("id = ? AND status = ?", consultationID, models.ConsultationPending).
		Update("status", models.ConsultationUnattended).Error
}

func (s *GormStore) ListNotifications(ctx context.Context, consultationID uuid.UUID) ([]*models.CascadeNotification, error) {
	var rows []*models.CascadeNotification
	err := s.db.WithContext(ctx).
		Where("consultation_id = ?", consultationID).
		Order("round_number ASC, notified_at ASC").
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) ListAllNotifications(ctx context.Context) ([]*models.CascadeNotification, error) {
	var rows []*models.CascadeNotification
	err := s.db.WithContext(ctx).Order("round_number ASC, notified_at ASC").Find(&rows).Error
	return rows, err
}

// EarliestPendingForDoctor joins against the consultation so a prompt is
// only surfaced while the consultation is still up for grabs.
func (s *GormStore) EarliestPendingForDoctor(ctx context.Context, doctorID uuid.UUID) (*models.CascadeNotification, error) {
	var n models.CascadeNotification
	err := s.db.WithContext(ctx).
		Joins("JOIN consultation_requests ON consultation_requests.id = cascade_notifications.consultation_id").
		Where("cascade_notifications.doctor_id = ? AND cascade_notifications.response = ?",
			doctorID, models.ResponsePending).
		Where("consultation_requests.status = ? AND consultation_requests.assigned_doctor_id IS NULL",
			models.ConsultationPending).
		Order("cascade_notifications.response_deadline ASC").
		First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *GormStore) ListLiveConsultationIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.ConsultationRequest{}).
		Where("status = ?", models.ConsultationPending).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	return ids, err
}
