package cascade

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otymasaude/telemed-backend/pkg/models"
)

func newTestEngine(store Store) (*Engine, *memSink, *memFeed) {
	sink := &memSink{}
	feed := &memFeed{}
	return NewEngine(store, sink, feed, zerolog.Nop()), sink, feed
}

func seedDoctors(store *memStore, specialty string, n int) []*models.Doctor {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	out := make([]*models.Doctor, 0, n)
	for i := 0; i < n; i++ {
		d := &models.Doctor{
			ID:             uuid.New(),
			Name:           "Dr. Teste",
			Specialty:      specialty,
			ApprovalStatus: models.ApprovalApproved,
			Available:      true,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		store.addDoctor(d)
		out = append(out, d)
	}
	return out
}

func seedConsultation(store *memStore, specialty string) *models.ConsultationRequest {
	c := &models.ConsultationRequest{
		ID:          uuid.New(),
		PatientName: "Maria Silva",
		Specialty:   specialty,
		Urgency:     models.UrgencyNormal,
		Status:      models.ConsultationPending,
	}
	store.addConsultation(c)
	return c
}

/* ============================ Round start =============================== */

func TestStartCascadeNotifiesBatch(t *testing.T) {
	store := newMemStore()
	docs := seedDoctors(store, "Cardiologia", 3)
	cons := seedConsultation(store, "Cardiologia")

	e, sink, feed := newTestEngine(store)
	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return start }

	res, err := e.StartCascade(context.Background(), cons.ID)
	if err != nil {
		t.Fatalf("StartCascade: %v", err)
	}
	if !res.Success || res.RoundNumber != 1 || res.DoctorsNotified != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	notifs, _ := store.ListNotifications(context.Background(), cons.ID)
	if len(notifs) != 2 {
		t.Fatalf("want 2 notifications, got %d", len(notifs))
	}
	wantDeadline := start.Add(5 * time.Minute)
	for _, n := range notifs {
		if !n.ResponseDeadline.Equal(wantDeadline) {
			t.Errorf("deadline = %v, want %v", n.ResponseDeadline, wantDeadline)
		}
		if n.Response != models.ResponsePending {
			t.Errorf("response = %s, want pending", n.Response)
		}
	}
	// availability strategy: the two earliest-registered doctors
	if notifs[0].DoctorID != docs[0].ID || notifs[1].DoctorID != docs[1].ID {
		t.Errorf("wrong batch: got %v/%v", notifs[0].DoctorID, notifs[1].DoctorID)
	}
	if len(sink.sent) != 2 {
		t.Errorf("want 2 dispatches, got %d", len(sink.sent))
	}
	if len(feed.events) == 0 || feed.events[0] != "cascade_round_started" {
		t.Errorf("feed events = %v", feed.events)
	}
}

// Outbound delivery failures must not fail the round: the persisted
// notification rows, not the messages, drive timeout and expiry.
func TestStartCascadeSurvivesDispatchFailure(t *testing.T) {
	store := newMemStore()
	seedDoctors(store, "Cardiologia", 2)
	cons := seedConsultation(store, "Cardiologia")

	e, sink, _ := newTestEngine(store)
	sink.sendErr = errSendDown

	res, err := e.StartCascade(context.Background(), cons.ID)
	if err != nil {
		t.Fatalf("StartCascade: %v", err)
	}
	if !res.Success || res.DoctorsNotified != 2 {
		t.Fatalf("round failed with sink down: %+v", res)
	}
	if store.pendingCount(cons.ID) != 2 {
		t.Errorf("notifications not persisted")
	}
}

func TestStartCascadeNoEligibleDoctors(t *testing.T) {
	store := newMemStore()
	cons := seedConsultation(store, "Dermatologia")
	e, _, _ := newTestEngine(store)

	res, err := e.StartCascade(context.Background(), cons.ID)
	if err != nil {
		t.Fatalf("StartCascade: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Message, "Nenhum médico disponível") {
		t.Errorf("message = %q", res.Message)
	}

	got, _ := store.GetConsultation(context.Background(), cons.ID)
	if got.CascadeRound != 0 {
		t.Errorf("round advanced to %d on empty batch", got.CascadeRound)
	}
}

func TestStartCascadeGeneralistFallback(t *testing.T) {
	store := newMemStore()
	gp := &models.Doctor{
		ID: uuid.New(), Specialty: "Clínica Geral",
		ApprovalStatus: models.ApprovalApproved, Available: true,
	}
	store.addDoctor(gp)
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	res, err := e.StartCascade(context.Background(), cons.ID)
	if err != nil {
		t.Fatalf("StartCascade: %v", err)
	}
	if !res.Success || res.DoctorsNotified != 1 {
		t.Fatalf("generalist not picked up: %+v", res)
	}
}

func TestStartCascadeRejectsAssignedOrTerminal(t *testing.T) {
	store := newMemStore()
	seedDoctors(store, "Cardiologia", 2)
	e, _, _ := newTestEngine(store)

	docID := uuid.New()
	cases := []struct {
		name string
		mut  func(c *models.ConsultationRequest)
	}{
		{"assigned", func(c *models.ConsultationRequest) {
			c.AssignedDoctorID = &docID
			c.Status = models.ConsultationInProgress
		}},
		{"cancelled", func(c *models.ConsultationRequest) { c.Status = models.ConsultationCancelled }},
		{"unattended", func(c *models.ConsultationRequest) { c.Status = models.ConsultationUnattended }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cons := seedConsultation(store, "Cardiologia")
			tc.mut(cons)
			res, err := e.StartCascade(context.Background(), cons.ID)
			if err != nil {
				t.Fatalf("StartCascade: %v", err)
			}
			if res.Success {
				t.Fatalf("expected refusal, got %+v", res)
			}
		})
	}
}

// A caller holding a stale snapshot must lose the round CAS, not duplicate
// the round.
func TestStartCascadeLosesRoundRace(t *testing.T) {
	store := newMemStore()
	seedDoctors(store, "Cardiologia", 4)
	cons := seedConsultation(store, "Cardiologia")

	e, _, _ := newTestEngine(&staleRoundStore{memStore: store})
	if _, err := e.StartCascade(context.Background(), cons.ID); err != nil {
		t.Fatalf("first start: %v", err)
	}

	res, err := e.StartCascade(context.Background(), cons.ID)
	if err != nil {
		t.Fatalf("StartCascade: %v", err)
	}
	if res.Success {
		t.Fatalf("stale caller won the round: %+v", res)
	}
	if !strings.Contains(res.Message, "Rodada já iniciada") {
		t.Errorf("message = %q", res.Message)
	}
	got, _ := store.GetConsultation(context.Background(), cons.ID)
	if got.CascadeRound != 1 {
		t.Errorf("round = %d, want 1", got.CascadeRound)
	}
}

// staleRoundStore always reports cascade_round = 0, simulating a reader
// that loaded the consultation before another process opened round 1.
type staleRoundStore struct{ *memStore }

func (s *staleRoundStore) GetConsultation(ctx context.Context, id uuid.UUID) (*models.ConsultationRequest, error) {
	c, err := s.memStore.GetConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	c.CascadeRound = 0
	return c, nil
}

/* ========================== Accept / Reject ============================= */

func TestAcceptExactlyOneWinner(t *testing.T) {
	store := newMemStore()
	docs := seedDoctors(store, "Cardiologia", 8)
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	var wg sync.WaitGroup
	results := make([]*ResponseResult, len(docs))
	for i, d := range docs {
		wg.Add(1)
		go func(i int, docID uuid.UUID) {
			defer wg.Done()
			res, err := e.AcceptConsultation(context.Background(), cons.ID, docID)
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			results[i] = res
		}(i, d.ID)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r != nil && r.Success {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("want exactly 1 winner, got %d", winners)
	}

	got, _ := store.GetConsultation(context.Background(), cons.ID)
	if got.Status != models.ConsultationInProgress || got.AssignedDoctorID == nil {
		t.Fatalf("consultation not assigned: %+v", got)
	}
}

func TestAcceptIdempotentForWinner(t *testing.T) {
	store := newMemStore()
	docs := seedDoctors(store, "Cardiologia", 1)
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	first, err := e.AcceptConsultation(context.Background(), cons.ID, docs[0].ID)
	if err != nil || !first.Success {
		t.Fatalf("first accept: %v %+v", err, first)
	}
	second, err := e.AcceptConsultation(context.Background(), cons.ID, docs[0].ID)
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if !second.Success {
		t.Fatalf("retry by winner should succeed: %+v", second)
	}
	if !strings.Contains(second.Message, "já estava aceita") {
		t.Errorf("message = %q", second.Message)
	}
}

func TestAcceptAfterAnotherDoctorWon(t *testing.T) {
	store := newMemStore()
	docs := seedDoctors(store, "Cardiologia", 2)
	cons := seedConsultation(store, "Cardiologia")
	e, sink, _ := newTestEngine(store)

	if _, err := e.AcceptConsultation(context.Background(), cons.ID, docs[0].ID); err != nil {
		t.Fatal(err)
	}
	res, err := e.AcceptConsultation(context.Background(), cons.ID, docs[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatalf("loser reported success: %+v", res)
	}
	if !strings.Contains(res.Message, "aceita por outro médico") {
		t.Errorf("message = %q", res.Message)
	}
	if len(sink.staff) != 1 || sink.staff[0] != "consultation_accepted" {
		t.Errorf("staff notices = %v", sink.staff)
	}
}

func TestAcceptUnknownConsultation(t *testing.T) {
	store := newMemStore()
	docs := seedDoctors(store, "Cardiologia", 1)
	e, _, _ := newTestEngine(store)

	res, err := e.AcceptConsultation(context.Background(), uuid.New(), docs[0].ID)
	if err != nil {
		t.Fatalf("AcceptConsultation: %v", err)
	}
	if res.Success {
		t.Fatalf("accept of unknown consultation reported success: %+v", res)
	}
	if !strings.Contains(res.Message, "não encontrada") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestAcceptClosedConsultation(t *testing.T) {
	store := newMemStore()
	docs := seedDoctors(store, "Cardiologia", 1)
	e, _, _ := newTestEngine(store)

	for _, status := range []models.ConsultationStatus{
		models.ConsultationCancelled,
		models.ConsultationUnattended,
	} {
		t.Run(string(status), func(t *testing.T) {
			cons := seedConsultation(store, "Cardiologia")
			cons.Status = status

			res, err := e.AcceptConsultation(context.Background(), cons.ID, docs[0].ID)
			if err != nil {
				t.Fatalf("AcceptConsultation: %v", err)
			}
			if res.Success {
				t.Fatalf("accept of %s consultation reported success: %+v", status, res)
			}
			if !strings.Contains(res.Message, "encerrada") {
				t.Errorf("message = %q", res.Message)
			}
			if strings.Contains(res.Message, "outro médico") {
				t.Errorf("closed consultation reported as race loss: %q", res.Message)
			}
		})
	}
}

func TestRejectMarksNotificationOnly(t *testing.T) {
	store := newMemStore()
	seedDoctors(store, "Cardiologia", 2)
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	if _, err := e.StartCascade(context.Background(), cons.ID); err != nil {
		t.Fatal(err)
	}
	notifs, _ := store.ListNotifications(context.Background(), cons.ID)

	res, err := e.RejectConsultation(context.Background(), cons.ID, notifs[0].DoctorID, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("reject failed: %+v", res)
	}

	// rejection never advances the round by itself
	got, _ := store.GetConsultation(context.Background(), cons.ID)
	if got.CascadeRound != 1 || got.Status != models.ConsultationPending {
		t.Errorf("consultation mutated by reject: %+v", got)
	}

	updated, _ := store.ListNotifications(context.Background(), cons.ID)
	if updated[0].Response != models.ResponseRejected {
		t.Errorf("response = %s", updated[0].Response)
	}
	if updated[0].RejectionReason != "Não especificado" {
		t.Errorf("reason = %q", updated[0].RejectionReason)
	}
	if updated[1].Response != models.ResponsePending {
		t.Errorf("other notification touched: %s", updated[1].Response)
	}
}

func TestRejectWithoutPendingNotification(t *testing.T) {
	store := newMemStore()
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	res, err := e.RejectConsultation(context.Background(), cons.ID, uuid.New(), "ocupado")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatalf("expected failure: %+v", res)
	}
}

/* ========================= Round progression ============================ */

func TestCheckIsNoopInsideWindow(t *testing.T) {
	store := newMemStore()
	seedDoctors(store, "Cardiologia", 3)
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return start }
	if _, err := e.StartCascade(context.Background(), cons.ID); err != nil {
		t.Fatal(err)
	}

	e.now = func() time.Time { return start.Add(3 * time.Minute) }
	for i := 0; i < 2; i++ {
		res, err := e.CheckAndStartNextRound(context.Background(), cons.ID)
		if err != nil {
			t.Fatal(err)
		}
		if res != nil {
			t.Fatalf("check inside window must be a no-op, got %+v", res)
		}
	}
	got, _ := store.GetConsultation(context.Background(), cons.ID)
	if got.CascadeRound != 1 {
		t.Errorf("round = %d, want 1", got.CascadeRound)
	}
	if store.pendingCount(cons.ID) != 2 {
		t.Errorf("duplicate or expired notifications inside the window")
	}
}

func TestCheckAdvancesRoundAfterTimeout(t *testing.T) {
	store := newMemStore()
	docs := seedDoctors(store, "Cardiologia", 3)
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return start }
	if _, err := e.StartCascade(context.Background(), cons.ID); err != nil {
		t.Fatal(err)
	}

	e.now = func() time.Time { return start.Add(6 * time.Minute) }
	res, err := e.CheckAndStartNextRound(context.Background(), cons.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !res.Success || res.RoundNumber != 2 {
		t.Fatalf("round 2 not opened: %+v", res)
	}
	// only the third doctor is left; the first two are excluded for good
	if res.DoctorsNotified != 1 {
		t.Fatalf("doctors notified = %d, want 1", res.DoctorsNotified)
	}
	notifs, _ := store.ListNotifications(context.Background(), cons.ID)
	last := notifs[len(notifs)-1]
	if last.DoctorID != docs[2].ID || last.RoundNumber != 2 {
		t.Errorf("round 2 went to %v (round %d)", last.DoctorID, last.RoundNumber)
	}
	// round 1 notifications were expired with the full timeout recorded
	for _, n := range notifs[:2] {
		if n.Response != models.ResponseExpired {
			t.Errorf("round 1 response = %s, want expired", n.Response)
		}
		if n.ResponseTimeSeconds == nil || *n.ResponseTimeSeconds != 300 {
			t.Errorf("response time = %v, want 300", n.ResponseTimeSeconds)
		}
	}
}

func TestCheckExhaustionMarksUnattended(t *testing.T) {
	store := newMemStore()
	seedDoctors(store, "Cardiologia", 10)
	cons := seedConsultation(store, "Cardiologia")
	e, sink, feed := newTestEngine(store)

	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	now := start
	e.now = func() time.Time { return now }

	if _, err := e.StartCascade(context.Background(), cons.ID); err != nil {
		t.Fatal(err)
	}
	for round := 2; round <= 3; round++ {
		now = now.Add(6 * time.Minute)
		res, err := e.CheckAndStartNextRound(context.Background(), cons.ID)
		if err != nil {
			t.Fatal(err)
		}
		if res == nil || res.RoundNumber != round {
			t.Fatalf("expected round %d, got %+v", round, res)
		}
	}

	// max_rounds reached and timed out: terminal, no round 4
	now = now.Add(6 * time.Minute)
	res, err := e.CheckAndStartNextRound(context.Background(), cons.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("round 4 opened past max_rounds: %+v", res)
	}

	got, _ := store.GetConsultation(context.Background(), cons.ID)
	if got.Status != models.ConsultationUnattended {
		t.Fatalf("status = %s, want unattended", got.Status)
	}
	if store.pendingCount(cons.ID) != 0 {
		t.Errorf("pending notifications survived exhaustion")
	}
	foundStaff := false
	for _, ev := range sink.staff {
		if ev == "consultation_unattended" {
			foundStaff = true
		}
	}
	if !foundStaff {
		t.Errorf("no staff notice on exhaustion: %v", sink.staff)
	}
	foundFeed := false
	for _, ev := range feed.events {
		if ev == "consultation_unattended" {
			foundFeed = true
		}
	}
	if !foundFeed {
		t.Errorf("no feed event on exhaustion: %v", feed.events)
	}

	// terminal state is stable
	now = now.Add(time.Hour)
	if res, err := e.CheckAndStartNextRound(context.Background(), cons.ID); err != nil || res != nil {
		t.Fatalf("terminal consultation revived: %v %+v", err, res)
	}
	if sres, err := e.StartCascade(context.Background(), cons.ID); err != nil || sres.Success {
		t.Fatalf("StartCascade on terminal consultation: %v %+v", err, sres)
	}
}

func TestCheckRetriesRoundZero(t *testing.T) {
	store := newMemStore()
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	// no doctors yet: check keeps returning the failure result
	res, err := e.CheckAndStartNextRound(context.Background(), cons.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.Success {
		t.Fatalf("expected retry failure: %+v", res)
	}

	// a doctor comes online and the next sweep opens round 1
	seedDoctors(store, "Cardiologia", 1)
	res, err = e.CheckAndStartNextRound(context.Background(), cons.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !res.Success || res.RoundNumber != 1 {
		t.Fatalf("round 1 not opened after doctor appeared: %+v", res)
	}
}

func TestCheckIgnoresAssignedConsultation(t *testing.T) {
	store := newMemStore()
	docs := seedDoctors(store, "Cardiologia", 2)
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return start }
	if _, err := e.StartCascade(context.Background(), cons.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AcceptConsultation(context.Background(), cons.ID, docs[0].ID); err != nil {
		t.Fatal(err)
	}

	e.now = func() time.Time { return start.Add(time.Hour) }
	res, err := e.CheckAndStartNextRound(context.Background(), cons.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("check mutated an assigned consultation: %+v", res)
	}
	got, _ := store.GetConsultation(context.Background(), cons.ID)
	if got.Status != models.ConsultationInProgress || *got.AssignedDoctorID != docs[0].ID {
		t.Fatalf("assignment disturbed: %+v", got)
	}
}

// Three cardiologists, two per round, five-minute timeout: the classic
// escalation path ending with the last doctor accepting in round 2.
func TestEscalationScenario(t *testing.T) {
	store := newMemStore()
	docs := seedDoctors(store, "Cardiologia", 3)
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	now := start
	e.now = func() time.Time { return now }

	res, err := e.StartCascade(context.Background(), cons.ID)
	if err != nil || res.DoctorsNotified != 2 {
		t.Fatalf("round 1: %v %+v", err, res)
	}

	now = start.Add(6 * time.Minute)
	res, err = e.CheckAndStartNextRound(context.Background(), cons.ID)
	if err != nil || res == nil || res.RoundNumber != 2 || res.DoctorsNotified != 1 {
		t.Fatalf("round 2: %v %+v", err, res)
	}

	accept, err := e.AcceptConsultation(context.Background(), cons.ID, docs[2].ID)
	if err != nil || !accept.Success {
		t.Fatalf("accept: %v %+v", err, accept)
	}

	got, _ := store.GetConsultation(context.Background(), cons.ID)
	if got.Status != models.ConsultationInProgress || *got.AssignedDoctorID != docs[2].ID {
		t.Fatalf("final state: %+v", got)
	}

	notifs, _ := store.ListNotifications(context.Background(), cons.ID)
	if len(notifs) != 3 {
		t.Fatalf("want 3 notifications total, got %d", len(notifs))
	}
	if notifs[2].Response != models.ResponseAccepted {
		t.Errorf("round 2 response = %s", notifs[2].Response)
	}
}

/* ============================ Pending call ============================== */

func TestPendingCall(t *testing.T) {
	store := newMemStore()
	docs := seedDoctors(store, "Cardiologia", 1)
	cons := seedConsultation(store, "Cardiologia")
	e, _, _ := newTestEngine(store)

	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return start }
	if _, err := e.StartCascade(context.Background(), cons.ID); err != nil {
		t.Fatal(err)
	}

	e.now = func() time.Time { return start.Add(2 * time.Minute) }
	call, err := e.PendingCall(context.Background(), docs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if call == nil || call.Consultation.ID != cons.ID {
		t.Fatalf("call = %+v", call)
	}
	if call.RemainingSeconds != 180 {
		t.Errorf("remaining = %d, want 180", call.RemainingSeconds)
	}

	// past the deadline the countdown clamps at zero
	e.now = func() time.Time { return start.Add(10 * time.Minute) }
	call, err = e.PendingCall(context.Background(), docs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if call != nil && call.RemainingSeconds != 0 {
		t.Errorf("remaining = %d, want 0", call.RemainingSeconds)
	}

	// no pending prompt for an unknown doctor
	call, err = e.PendingCall(context.Background(), uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if call != nil {
		t.Fatalf("unexpected call: %+v", call)
	}
}
