package cascade

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/otymasaude/telemed-backend/internal/auth"
	"github.com/otymasaude/telemed-backend/pkg/models"
	"github.com/otymasaude/telemed-backend/pkg/validation"
)

// Handler exposes the engine over HTTP. Business failures come back as
// 200 {success:false, message}; only infrastructure errors become 5xx.
type Handler struct {
	db     *gorm.DB
	engine *Engine
	store  *GormStore
}

func NewHandler(db *gorm.DB, engine *Engine, store *GormStore) *Handler {
	return &Handler{db: db, engine: engine, store: store}
}

func parseConsultationID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	return id, nil
}

// doctorForUser resolves the authenticated medico to their registry row.
func (h *Handler) doctorForUser(c *fiber.Ctx) (*models.Doctor, error) {
	userID := auth.MustUserID(c)
	var d models.Doctor
	if err := h.db.First(&d, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fiber.NewError(fiber.StatusForbidden, "no doctor registry entry for this account")
		}
		return nil, fiber.ErrInternalServerError
	}
	return &d, nil
}

/* ============================ Round control ============================= */

// POST /consultations/:id/cascade/start (admin, atendente)
func (h *Handler) Start(c *fiber.Ctx) error {
	id, err := parseConsultationID(c)
	if err != nil {
		return err
	}
	res, err := h.engine.StartCascade(c.Context(), id)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(res)
}

// POST /consultations/:id/cascade/check (admin, atendente)
// 204 when there is nothing to do (round still live or consultation done).
func (h *Handler) Check(c *fiber.Ctx) error {
	id, err := parseConsultationID(c)
	if err != nil {
		return err
	}
	res, err := h.engine.CheckAndStartNextRound(c.Context(), id)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if res == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(res)
}

// GET /consultations/:id/cascade (admin, atendente)
func (h *Handler) History(c *fiber.Ctx) error {
	id, err := parseConsultationID(c)
	if err != nil {
		return err
	}
	rows, err := h.engine.History(c.Context(), id)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	if rows == nil {
		rows = []*models.CascadeNotification{}
	}
	return c.JSON(fiber.Map{"items": rows})
}

/* =========================== Doctor responses =========================== */

type rejectRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=300"`
}

// POST /consultations/:id/accept (medico)
func (h *Handler) Accept(c *fiber.Ctx) error {
	id, err := parseConsultationID(c)
	if err != nil {
		return err
	}
	doc, err := h.doctorForUser(c)
	if err != nil {
		return err
	}
	res, err := h.engine.AcceptConsultation(c.Context(), id, doc.ID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(res)
}

// POST /consultations/:id/reject (medico)
func (h *Handler) Reject(c *fiber.Ctx) error {
	id, err := parseConsultationID(c)
	if err != nil {
		return err
	}
	doc, err := h.doctorForUser(c)
	if err != nil {
		return err
	}
	var in rejectRequest
	_ = c.BodyParser(&in) // body is optional
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}
	res, err := h.engine.RejectConsultation(c.Context(), id, doc.ID, in.Reason)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(res)
}

// GET /calls/pending (medico): the one outstanding prompt, or 204.
func (h *Handler) PendingCall(c *fiber.Ctx) error {
	doc, err := h.doctorForUser(c)
	if err != nil {
		return err
	}
	call, err := h.engine.PendingCall(c.Context(), doc.ID)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	if call == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(call)
}

/* ============================ Settings/stats ============================ */

type settingsPatch struct {
	TimeoutPerRoundMinutes *int    `json:"timeout_per_round_minutes" validate:"omitempty,gte=1,lte=120"`
	MaxRounds              *int    `json:"max_rounds" validate:"omitempty,gte=1,lte=20"`
	DoctorsPerRound        *int    `json:"doctors_per_round" validate:"omitempty,gte=1,lte=50"`
	PrioritizeBy           *string `json:"prioritize_by" validate:"omitempty,oneof=availability rating response_time specialty_match random"`
	EnableWhatsApp         *bool   `json:"enable_whatsapp"`
	EnableEmail            *bool   `json:"enable_email"`
	EnablePush             *bool   `json:"enable_push"`
	WhatsAppTemplate       *string `json:"whatsapp_template" validate:"omitempty,max=2000"`
}

// GET /cascade/settings (admin)
func (h *Handler) GetSettings(c *fiber.Ctx) error {
	set, err := h.store.GetSettings(c.Context())
	if err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(set)
}

// PUT /cascade/settings (admin). Partial update; the engine reads settings
// fresh at every round decision, so edits apply from the next round on.
func (h *Handler) UpdateSettings(c *fiber.Ctx) error {
	var in settingsPatch
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	patch := map[string]any{}
	if in.TimeoutPerRoundMinutes != nil {
		patch["timeout_per_round_minutes"] = *in.TimeoutPerRoundMinutes
	}
	if in.MaxRounds != nil {
		patch["max_rounds"] = *in.MaxRounds
	}
	if in.DoctorsPerRound != nil {
		patch["doctors_per_round"] = *in.DoctorsPerRound
	}
	if in.PrioritizeBy != nil {
		patch["prioritize_by"] = *in.PrioritizeBy
	}
	if in.EnableWhatsApp != nil {
		patch["enable_whatsapp"] = *in.EnableWhatsApp
	}
	if in.EnableEmail != nil {
		patch["enable_email"] = *in.EnableEmail
	}
	if in.EnablePush != nil {
		patch["enable_push"] = *in.EnablePush
	}
	if in.WhatsAppTemplate != nil {
		patch["whatsapp_template"] = *in.WhatsAppTemplate
	}

	set, err := h.store.UpdateSettings(c.Context(), patch)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(set)
}

// GET /cascade/stats (admin, atendente)
func (h *Handler) Stats(c *fiber.Ctx) error {
	st, err := h.engine.Stats(c.Context())
	if err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(st)
}
