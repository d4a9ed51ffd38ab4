package consultations

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/otymasaude/telemed-backend/internal/auth"
	"github.com/otymasaude/telemed-backend/internal/cascade"
	"github.com/otymasaude/telemed-backend/pkg/models"
	"github.com/otymasaude/telemed-backend/pkg/validation"
)

/* ================================ DTOs ================================= */

type CreateRequest struct {
	PatientName  string `json:"patient_name" validate:"required,min=2,max=120"`
	PatientPhone string `json:"patient_phone" validate:"required,brphone"`
	PatientEmail string `json:"patient_email" validate:"omitempty,email,max=120"`
	Specialty    string `json:"specialty" validate:"required,max=60"`
	Urgency      string `json:"urgency" validate:"omitempty,oneof=baixa normal alta urgente"`
	Description  string `json:"description" validate:"omitempty,max=2000"`
}

/* ============================== Handler ================================= */

type Handler struct {
	db     *gorm.DB
	engine *cascade.Engine
	log    zerolog.Logger
}

func NewHandler(db *gorm.DB, engine *cascade.Engine, log zerolog.Logger) *Handler {
	return &Handler{db: db, engine: engine, log: log}
}

func parsePage(c *fiber.Ctx) (page, size int) {
	page, _ = strconv.Atoi(c.Query("page", "1"))
	size, _ = strconv.Atoi(c.Query("pageSize", "10"))
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 50 {
		size = 10
	}
	return
}

/* =============================== Create ================================= */

// POST /consultations (admin, atendente). Records the intake and fires the
// first cascade round. A round-0 failure (no eligible doctors yet) does not
// fail the request; the sweeper retries until doctors appear or rounds run
// out.
func (h *Handler) Create(c *fiber.Ctx) error {
	var in CreateRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	urgency := models.Urgency(in.Urgency)
	if in.Urgency == "" {
		urgency = models.UrgencyNormal
	}

	creator, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}

	cons := models.ConsultationRequest{
		PatientName:  strings.TrimSpace(in.PatientName),
		PatientPhone: strings.TrimSpace(in.PatientPhone),
		PatientEmail: strings.ToLower(strings.TrimSpace(in.PatientEmail)),
		Specialty:    strings.TrimSpace(in.Specialty),
		Urgency:      urgency,
		Description:  strings.TrimSpace(in.Description),
		Status:       models.ConsultationPending,
		CreatedBy:    creator,
	}
	if err := h.db.Create(&cons).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	res, err := h.engine.StartCascade(c.Context(), cons.ID)
	if err != nil {
		h.log.Error().Err(err).Str("consultation_id", cons.ID.String()).
			Msg("first cascade round failed, sweeper will retry")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"consultation": cons,
		"cascade":      res,
	})
}

/* ================================ List ================================== */

// GET /consultations?status=&specialty=&urgency= (any authenticated role;
// medicos only see their own assignments)
func (h *Handler) List(c *fiber.Ctx) error {
	page, size := parsePage(c)

	q := h.db.Model(&models.ConsultationRequest{})

	if auth.MustRole(c) == string(models.RoleMedico) {
		doc, err := h.doctorForUser(c)
		if err != nil {
			return err
		}
		q = q.Where("assigned_doctor_id = ?", doc.ID)
	}

	if st := strings.TrimSpace(c.Query("status")); st != "" {
		q = q.Where("status = ?", st)
	}
	if sp := strings.TrimSpace(c.Query("specialty")); sp != "" {
		q = q.Where("specialty = ?", sp)
	}
	if ur := strings.TrimSpace(c.Query("urgency")); ur != "" {
		q = q.Where("urgency = ?", ur)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	var rows []models.ConsultationRequest
	if err := q.Order("created_at DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&rows).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	if rows == nil {
		rows = []models.ConsultationRequest{}
	}

	return c.JSON(fiber.Map{
		"page": page, "pageSize": size, "total": total,
		"pages": int(math.Ceil(float64(total) / float64(size))),
		"items": rows,
	})
}

// GET /consultations/:id
func (h *Handler) Get(c *fiber.Ctx) error {
	cons, err := h.load(c)
	if err != nil {
		return err
	}
	if auth.MustRole(c) == string(models.RoleMedico) {
		doc, err := h.doctorForUser(c)
		if err != nil {
			return err
		}
		if cons.AssignedDoctorID == nil || *cons.AssignedDoctorID != doc.ID {
			return fiber.ErrNotFound
		}
	}
	return c.JSON(cons)
}

/* =========================== State transitions ========================== */

// POST /consultations/:id/complete (medico). Only the assigned doctor may
// close an in_progress consultation.
func (h *Handler) Complete(c *fiber.Ctx) error {
	cons, err := h.load(c)
	if err != nil {
		return err
	}
	doc, err := h.doctorForUser(c)
	if err != nil {
		return err
	}
	if cons.AssignedDoctorID == nil || *cons.AssignedDoctorID != doc.ID {
		return fiber.NewError(fiber.StatusForbidden, "consultation is not assigned to you")
	}

	now := time.Now()
	res := h.db.Model(&models.ConsultationRequest{}).
		Where("id = ? AND status = ?", cons.ID, models.ConsultationInProgress).
		Updates(map[string]any{"status": models.ConsultationCompleted, "completed_at": now})
	if res.Error != nil {
		return fiber.ErrInternalServerError
	}
	if res.RowsAffected == 0 {
		return fiber.NewError(fiber.StatusConflict, "consultation is not in progress")
	}
	return c.JSON(fiber.Map{"id": cons.ID, "status": models.ConsultationCompleted, "completed_at": now})
}

// POST /consultations/:id/cancel (admin, atendente). Allowed only while the
// consultation is still pending; an accepted consultation belongs to its
// doctor and must be completed, not cancelled.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	cons, err := h.load(c)
	if err != nil {
		return err
	}
	if cons.Status.Terminal() {
		return fiber.NewError(fiber.StatusConflict, "consultation is already closed")
	}

	now := time.Now()
	res := h.db.Model(&models.ConsultationRequest{}).
		Where("id = ? AND status = ? AND assigned_doctor_id IS NULL", cons.ID, models.ConsultationPending).
		Updates(map[string]any{"status": models.ConsultationCancelled, "cancelled_at": now})
	if res.Error != nil {
		return fiber.ErrInternalServerError
	}
	if res.RowsAffected == 0 {
		return fiber.NewError(fiber.StatusConflict, "only pending consultations can be cancelled")
	}
	return c.JSON(fiber.Map{"id": cons.ID, "status": models.ConsultationCancelled, "cancelled_at": now})
}

/* =============================== Helpers ================================ */

func (h *Handler) load(c *fiber.Ctx) (*models.ConsultationRequest, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	var cons models.ConsultationRequest
	if err := h.db.First(&cons, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fiber.ErrNotFound
		}
		return nil, fiber.ErrInternalServerError
	}
	return &cons, nil
}

func (h *Handler) doctorForUser(c *fiber.Ctx) (*models.Doctor, error) {
	var d models.Doctor
	if err := h.db.First(&d, "user_id = ?", auth.MustUserID(c)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fiber.NewError(fiber.StatusForbidden, "no doctor registry entry for this account")
		}
		return nil, fiber.ErrInternalServerError
	}
	return &d, nil
}
