package cascade

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/otymasaude/telemed-backend/pkg/models"
)

// memStore is an in-memory Store with the same conditional-write semantics
// as the SQL implementation, guarded by a single mutex so the concurrency
// tests exercise real contention.
type memStore struct {
	mu sync.Mutex

	consultations map[uuid.UUID]*models.ConsultationRequest
	doctors       []*models.Doctor
	notifs        []*models.CascadeNotification
	settings      models.CascadeSettings
	avgResponse   map[uuid.UUID]float64
}

func newMemStore() *memStore {
	return &memStore{
		consultations: map[uuid.UUID]*models.ConsultationRequest{},
		avgResponse:   map[uuid.UUID]float64{},
		settings: models.CascadeSettings{
			ID:                     1,
			TimeoutPerRoundMinutes: 5,
			MaxRounds:              3,
			DoctorsPerRound:        2,
			PrioritizeBy:           models.StrategyAvailability,
			EnableWhatsApp:         true,
		},
	}
}

func (s *memStore) addConsultation(c *models.ConsultationRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = models.ConsultationPending
	}
	s.consultations[c.ID] = c
}

func (s *memStore) addDoctor(d *models.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	s.doctors = append(s.doctors, d)
}

func (s *memStore) GetConsultation(_ context.Context, id uuid.UUID) (*models.ConsultationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consultations[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) GetSettings(_ context.Context) (*models.CascadeSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.settings
	return &cp, nil
}

func (s *memStore) ListEligibleDoctors(_ context.Context, specialty string) ([]*models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Doctor
	for _, d := range s.doctors {
		if d.ApprovalStatus != models.ApprovalApproved || !d.Available {
			continue
		}
		if d.Specialty != specialty && d.Specialty != "Clínica Geral" {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *memStore) ListNotifiedDoctorIDs(_ context.Context, consultationID uuid.UUID) (map[uuid.UUID]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	for _, n := range s.notifs {
		if n.ConsultationID == consultationID {
			seen[n.DoctorID] = true
		}
	}
	return seen, nil
}

func (s *memStore) AverageResponseSeconds(_ context.Context, doctorIDs []uuid.UUID) (map[uuid.UUID]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[uuid.UUID]float64{}
	for _, id := range doctorIDs {
		if v, ok := s.avgResponse[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *memStore) StartRound(_ context.Context, consultationID uuid.UUID, fromRound int, startedAt time.Time, notifs []*models.CascadeNotification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consultations[consultationID]
	if !ok || c.CascadeRound != fromRound || c.Status != models.ConsultationPending {
		return false, nil
	}
	c.CascadeRound = fromRound + 1
	t := startedAt
	c.CascadeStartedAt = &t
	for _, n := range notifs {
		cp := *n
		cp.ID = uuid.New()
		s.notifs = append(s.notifs, &cp)
	}
	return true, nil
}

func (s *memStore) AssignDoctor(_ context.Context, consultationID, doctorID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consultations[consultationID]
	if !ok || c.AssignedDoctorID != nil || c.Status != models.ConsultationPending {
		return false, nil
	}
	id := doctorID
	t := at
	c.AssignedDoctorID = &id
	c.AssignedAt = &t
	c.Status = models.ConsultationInProgress
	return true, nil
}

func (s *memStore) SetNotificationResponse(_ context.Context, consultationID, doctorID uuid.UUID, resp models.Response, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifs {
		if n.ConsultationID != consultationID || n.DoctorID != doctorID || n.Response != models.ResponsePending {
			continue
		}
		t := at
		secs := int(at.Sub(n.NotifiedAt).Seconds())
		n.Response = resp
		n.RespondedAt = &t
		n.ResponseTimeSeconds = &secs
		n.RejectionReason = reason
		return true, nil
	}
	return false, nil
}

func (s *memStore) ExpirePending(_ context.Context, consultationID uuid.UUID, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.notifs {
		if n.ConsultationID != consultationID || n.Response != models.ResponsePending {
			continue
		}
		if n.ResponseDeadline.After(now) {
			continue
		}
		secs := int(n.ResponseDeadline.Sub(n.NotifiedAt).Seconds())
		n.Response = models.ResponseExpired
		n.ResponseTimeSeconds = &secs
		count++
	}
	return count, nil
}

func (s *memStore) MarkUnattended(_ context.Context, consultationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consultations[consultationID]; ok {
		c.Status = models.ConsultationUnattended
	}
	return nil
}

func (s *memStore) ListNotifications(_ context.Context, consultationID uuid.UUID) ([]*models.CascadeNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CascadeNotification
	for _, n := range s.notifs {
		if n.ConsultationID == consultationID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RoundNumber != out[j].RoundNumber {
			return out[i].RoundNumber < out[j].RoundNumber
		}
		return out[i].NotifiedAt.Before(out[j].NotifiedAt)
	})
	return out, nil
}

func (s *memStore) ListAllNotifications(_ context.Context) ([]*models.CascadeNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.CascadeNotification, 0, len(s.notifs))
	for _, n := range s.notifs {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) EarliestPendingForDoctor(_ context.Context, doctorID uuid.UUID) (*models.CascadeNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.CascadeNotification
	for _, n := range s.notifs {
		if n.DoctorID != doctorID || n.Response != models.ResponsePending {
			continue
		}
		c, ok := s.consultations[n.ConsultationID]
		if !ok || c.Status != models.ConsultationPending || c.AssignedDoctorID != nil {
			continue
		}
		if best == nil || n.ResponseDeadline.Before(best.ResponseDeadline) {
			best = n
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *memStore) ListLiveConsultationIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for id, c := range s.consultations {
		if c.Status == models.ConsultationPending {
			out = append(out, id)
		}
	}
	return out, nil
}

// pendingCount reports how many notifications for the consultation are still
// awaiting a response.
func (s *memStore) pendingCount(consultationID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, notif := range s.notifs {
		if notif.ConsultationID == consultationID && notif.Response == models.ResponsePending {
			n++
		}
	}
	return n
}

/* ----------------------------- sink / feed ------------------------------ */

var errSendDown = errors.New("delivery channel down")

type recordedNotify struct {
	DoctorID uuid.UUID
	Round    int
}

type memSink struct {
	mu      sync.Mutex
	sent    []recordedNotify
	staff   []string
	sendErr error
}

func (m *memSink) Notify(_ context.Context, n *models.CascadeNotification, _ *models.ConsultationRequest, doc *models.Doctor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, recordedNotify{DoctorID: doc.ID, Round: n.RoundNumber})
	return nil
}

func (m *memSink) NotifyStaff(_ context.Context, _ uuid.UUID, eventType, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staff = append(m.staff, eventType)
	return nil
}

type memFeed struct {
	mu     sync.Mutex
	events []string
}

func (m *memFeed) PublishConsultation(_ uuid.UUID, eventType string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}
