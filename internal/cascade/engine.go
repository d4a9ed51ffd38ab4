package cascade

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/otymasaude/telemed-backend/pkg/models"
)

// Engine orchestrates the consultation cascade: rounds of candidate
// selection, notification dispatch, timeout tracking and acceptance
// arbitration. Settings are re-read at every round decision so admin edits
// take effect on the next round, never retroactively.
type Engine struct {
	store Store
	sink  Sink
	feed  Publisher
	log   zerolog.Logger

	// injectable for tests
	now     func() time.Time
	shuffle func(n int, swap func(i, j int))
}

func NewEngine(store Store, sink Sink, feed Publisher, log zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		sink:    sink,
		feed:    feed,
		log:     log,
		now:     time.Now,
		shuffle: rand.Shuffle,
	}
}

/* ============================ Round start =============================== */

// StartCascade opens the next round for a pending consultation: selects up
// to doctors_per_round candidates, persists their notifications with a
// shared deadline, then dispatches outbound messages fire-and-forget.
func (e *Engine) StartCascade(ctx context.Context, consultationID uuid.UUID) (*Result, error) {
	cons, err := e.store.GetConsultation(ctx, consultationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failure(consultationID, 0, "Consulta não encontrada"), nil
		}
		return nil, fmt.Errorf("load consultation: %w", err)
	}
	if cons.AssignedDoctorID != nil || cons.Status != models.ConsultationPending {
		return failure(consultationID, cons.CascadeRound, "Consulta já atribuída ou encerrada"), nil
	}

	set, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cascade settings: %w", err)
	}

	candidates, err := e.selectCandidates(ctx, cons, set)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return failure(consultationID, cons.CascadeRound,
			"Nenhum médico disponível encontrado para esta especialidade"), nil
	}

	now := e.now()
	round := cons.CascadeRound + 1
	deadline := now.Add(time.Duration(set.TimeoutPerRoundMinutes) * time.Minute)
	channel := primaryChannel(set)

	notifs := make([]*models.CascadeNotification, 0, len(candidates))
	for _, doc := range candidates {
		notifs = append(notifs, &models.CascadeNotification{
			ConsultationID:   consultationID,
			DoctorID:         doc.ID,
			RoundNumber:      round,
			Channel:          channel,
			NotifiedAt:       now,
			ResponseDeadline: deadline,
			Response:         models.ResponsePending,
		})
	}

	// The CAS on cascade_round gates the notification insert, so two
	// concurrent callers cannot both open the same round.
	started, err := e.store.StartRound(ctx, consultationID, cons.CascadeRound, now, notifs)
	if err != nil {
		return nil, fmt.Errorf("start round %d: %w", round, err)
	}
	if !started {
		return failure(consultationID, cons.CascadeRound, "Rodada já iniciada por outro processo"), nil
	}

	for i, doc := range candidates {
		if err := e.sink.Notify(ctx, notifs[i], cons, doc); err != nil {
			e.log.Warn().Err(err).
				Str("consultation_id", consultationID.String()).
				Str("doctor_id", doc.ID.String()).
				Int("round", round).
				Msg("notification dispatch failed")
		}
	}

	e.feed.PublishConsultation(consultationID, "cascade_round_started", fiberless{
		"round_number": round, "doctors_notified": len(candidates),
	})
	e.log.Info().
		Str("consultation_id", consultationID.String()).
		Int("round", round).
		Int("doctors_notified", len(candidates)).
		Msg("cascade round started")

	return &Result{
		Success:         true,
		ConsultationID:  consultationID,
		DoctorsNotified: len(candidates),
		RoundNumber:     round,
		Message:         fmt.Sprintf("%d médico(s) notificado(s) na rodada %d", len(candidates), round),
	}, nil
}

/* ========================== Accept / Reject ============================= */

// AcceptConsultation is first-acceptance-wins. Exactly one doctor among
// concurrent acceptors succeeds; a retry by the winning doctor reports
// success instead of a race loss.
func (e *Engine) AcceptConsultation(ctx context.Context, consultationID, doctorID uuid.UUID) (*ResponseResult, error) {
	now := e.now()
	won, err := e.store.AssignDoctor(ctx, consultationID, doctorID, now)
	if err != nil {
		return nil, fmt.Errorf("assign doctor: %w", err)
	}

	if !won {
		cons, err := e.store.GetConsultation(ctx, consultationID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &ResponseResult{Success: false, Message: "Consulta não encontrada"}, nil
			}
			return nil, fmt.Errorf("load consultation: %w", err)
		}
		if cons.AssignedDoctorID != nil && *cons.AssignedDoctorID == doctorID {
			// Same doctor, second session: idempotent success.
			return &ResponseResult{Success: true, Message: "Consulta já estava aceita por você."}, nil
		}
		if cons.AssignedDoctorID == nil {
			// Nobody won; the consultation was closed another way
			// (cancelled or unattended).
			return &ResponseResult{Success: false, Message: "Esta consulta já foi encerrada"}, nil
		}
		return &ResponseResult{Success: false, Message: "Esta consulta já foi aceita por outro médico"}, nil
	}

	if _, err := e.store.SetNotificationResponse(ctx, consultationID, doctorID, models.ResponseAccepted, "", now); err != nil {
		// Assignment already persisted; the notification row catches up on
		// the next sweep at worst.
		e.log.Warn().Err(err).Str("consultation_id", consultationID.String()).Msg("mark accepted failed")
	}

	if err := e.sink.NotifyStaff(ctx, consultationID, "consultation_accepted",
		fmt.Sprintf("Consulta %s foi aceita por um médico", shortID(consultationID))); err != nil {
		e.log.Warn().Err(err).Msg("staff notice failed")
	}
	e.feed.PublishConsultation(consultationID, "consultation_accepted", fiberless{"doctor_id": doctorID})

	return &ResponseResult{Success: true, Message: "Consulta aceita com sucesso! Você pode iniciar o atendimento."}, nil
}

// RejectConsultation marks the doctor's pending notification rejected.
// Round advancement stays with CheckAndStartNextRound.
func (e *Engine) RejectConsultation(ctx context.Context, consultationID, doctorID uuid.UUID, reason string) (*ResponseResult, error) {
	if reason == "" {
		reason = "Não especificado"
	}
	ok, err := e.store.SetNotificationResponse(ctx, consultationID, doctorID, models.ResponseRejected, reason, e.now())
	if err != nil {
		return nil, fmt.Errorf("mark rejected: %w", err)
	}
	if !ok {
		return &ResponseResult{Success: false, Message: "Nenhuma notificação pendente para este médico"}, nil
	}

	e.feed.PublishConsultation(consultationID, "doctor_rejected", fiberless{"doctor_id": doctorID})
	return &ResponseResult{Success: true, Message: "Consulta rejeitada. Ela será oferecida a outros médicos."}, nil
}

/* =========================== Round check ================================ */

// CheckAndStartNextRound is the idempotent poll point. It returns nil when
// there is nothing to do: consultation assigned or terminal, or the current
// round is still inside its timeout window. Past the window it expires the
// round's pending notifications and either opens the next round or, with
// rounds exhausted, marks the consultation unattended.
func (e *Engine) CheckAndStartNextRound(ctx context.Context, consultationID uuid.UUID) (*Result, error) {
	cons, err := e.store.GetConsultation(ctx, consultationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load consultation: %w", err)
	}
	if cons.AssignedDoctorID != nil || cons.Status != models.ConsultationPending {
		return nil, nil
	}

	set, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cascade settings: %w", err)
	}

	// Round 0 means the cascade never managed to open (no eligible doctors
	// at creation time); keep retrying from the sweep.
	if cons.CascadeRound == 0 || cons.CascadeStartedAt == nil {
		return e.StartCascade(ctx, consultationID)
	}

	now := e.now()
	timeout := time.Duration(set.TimeoutPerRoundMinutes) * time.Minute
	if now.Sub(*cons.CascadeStartedAt) < timeout {
		return nil, nil
	}

	// Server-evaluated deadline: clients reaching zero on their countdown
	// never decide expiry.
	if _, err := e.store.ExpirePending(ctx, consultationID, now); err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}

	if cons.CascadeRound >= set.MaxRounds {
		if err := e.store.MarkUnattended(ctx, consultationID); err != nil {
			return nil, fmt.Errorf("mark unattended: %w", err)
		}
		if err := e.sink.NotifyStaff(ctx, consultationID, "consultation_unattended",
			fmt.Sprintf("Consulta %s não foi aceita após %d rodadas", shortID(consultationID), set.MaxRounds)); err != nil {
			e.log.Warn().Err(err).Msg("staff notice failed")
		}
		e.feed.PublishConsultation(consultationID, "consultation_unattended", fiberless{"rounds": set.MaxRounds})
		e.log.Info().Str("consultation_id", consultationID.String()).Msg("cascade exhausted, consultation unattended")
		return nil, nil
	}

	return e.StartCascade(ctx, consultationID)
}

// Sweep runs the next-round check over every live consultation. Invoked
// periodically by the background sweeper and safe to run concurrently with
// client-triggered checks.
func (e *Engine) Sweep(ctx context.Context) {
	ids, err := e.store.ListLiveConsultationIDs(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("sweep: list live consultations")
		return
	}
	for _, id := range ids {
		if _, err := e.CheckAndStartNextRound(ctx, id); err != nil {
			e.log.Error().Err(err).Str("consultation_id", id.String()).Msg("sweep: next-round check")
		}
	}
}

/* ======================== Read-side operations ========================== */

// History returns the cascade notifications for one consultation, ordered
// by round then notified_at.
func (e *Engine) History(ctx context.Context, consultationID uuid.UUID) ([]*models.CascadeNotification, error) {
	return e.store.ListNotifications(ctx, consultationID)
}

// PendingCall returns the one outstanding prompt for a doctor: the
// earliest-deadline pending notification, with remaining seconds for the
// client countdown. Nil when the doctor has nothing pending.
func (e *Engine) PendingCall(ctx context.Context, doctorID uuid.UUID) (*Call, error) {
	n, err := e.store.EarliestPendingForDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("pending notification: %w", err)
	}
	if n == nil {
		return nil, nil
	}
	cons, err := e.store.GetConsultation(ctx, n.ConsultationID)
	if err != nil {
		return nil, fmt.Errorf("load consultation: %w", err)
	}
	remaining := int(n.ResponseDeadline.Sub(e.now()).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return &Call{Notification: n, Consultation: cons, RemainingSeconds: remaining}, nil
}

/* =============================== Helpers ================================ */

// fiberless is a plain payload map for feed events (no fiber import here).
type fiberless map[string]any

func failure(id uuid.UUID, round int, msg string) *Result {
	return &Result{Success: false, ConsultationID: id, DoctorsNotified: 0, RoundNumber: round, Message: msg}
}

func primaryChannel(set *models.CascadeSettings) models.Channel {
	switch {
	case set.EnableWhatsApp:
		return models.ChannelWhatsApp
	case set.EnableEmail:
		return models.ChannelEmail
	case set.EnablePush:
		return models.ChannelPush
	}
	return models.ChannelWhatsApp
}

// shortID keeps staff notices readable; full IDs live in the records.
func shortID(id uuid.UUID) string {
	s := id.String()
	return s[:8]
}
