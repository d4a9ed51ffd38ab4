package doctors

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/otymasaude/telemed-backend/internal/auth"
	"github.com/otymasaude/telemed-backend/pkg/models"
	"github.com/otymasaude/telemed-backend/pkg/validation"
)

/* ================================ DTOs ================================= */

type CreateDoctorRequest struct {
	Name      string `json:"name" validate:"required,min=2,max=80"`
	CRM       string `json:"crm" validate:"required,crm"`
	Specialty string `json:"specialty" validate:"required,max=60"`
	WhatsApp  string `json:"whatsapp" validate:"omitempty,brphone"`
	Email     string `json:"email" validate:"omitempty,email,max=120"`
}

type UpdateDoctorRequest struct {
	Name      *string  `json:"name" validate:"omitempty,min=2,max=80"`
	Specialty *string  `json:"specialty" validate:"omitempty,max=60"`
	WhatsApp  *string  `json:"whatsapp" validate:"omitempty,brphone"`
	Email     *string  `json:"email" validate:"omitempty,email,max=120"`
	Rating    *float64 `json:"rating" validate:"omitempty,gte=0,lte=5"`
}

type ApproveRequest struct {
	Status string `json:"status" validate:"required,oneof=approved rejected"`
}

type AvailabilityRequest struct {
	Available bool `json:"available"`
}

/* ============================== Handler ================================= */

type Handler struct{ db *gorm.DB }

func NewHandler(db *gorm.DB) *Handler { return &Handler{db: db} }

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

// POST /doctors (admin). Registers a doctor without a login account, e.g.
// migrated rosters. Medico signups go through /signup instead.
func (h *Handler) Create(c *fiber.Ctx) error {
	var in CreateDoctorRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	d := models.Doctor{
		Name:           strings.TrimSpace(in.Name),
		CRM:            strings.ToUpper(strings.TrimSpace(in.CRM)),
		Specialty:      strings.TrimSpace(in.Specialty),
		ApprovalStatus: models.ApprovalPending,
		WhatsApp:       in.WhatsApp,
		Email:          strings.ToLower(strings.TrimSpace(in.Email)),
	}
	if err := h.db.Create(&d).Error; err != nil {
		return fiber.NewError(fiber.StatusConflict, "crm already registered")
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

/* ================================ List ================================== */

// GET /doctors?specialty=&status=&available= (admin, atendente)
func (h *Handler) List(c *fiber.Ctx) error {
	page, size := parsePage(c)

	q := h.db.Model(&models.Doctor{})
	if sp := strings.TrimSpace(c.Query("specialty")); sp != "" {
		q = q.Where("specialty = ?", sp)
	}
	if st := strings.TrimSpace(c.Query("status")); st != "" {
		switch st {
		case string(models.ApprovalPending), string(models.ApprovalApproved), string(models.ApprovalRejected):
			q = q.Where("approval_status = ?", st)
		default:
			return fiber.NewError(fiber.StatusBadRequest, "invalid status filter")
		}
	}
	if av := c.Query("available"); av != "" {
		q = q.Where("available = ?", av == "true")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	var rows []models.Doctor
	if err := q.Order("created_at ASC").
		Offset((page - 1) * size).Limit(size).
		Find(&rows).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	if rows == nil {
		rows = []models.Doctor{}
	}

	return c.JSON(fiber.Map{
		"page": page, "pageSize": size, "total": total,
		"pages": int(math.Ceil(float64(total) / float64(size))),
		"items": rows,
	})
}

// GET /doctors/:id (admin, atendente)
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid doctor id")
	}
	var d models.Doctor
	if err := h.db.First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}
	return c.JSON(d)
}

/* ================================ Update ================================ */

// PUT /doctors/:id (admin)
func (h *Handler) Update(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid doctor id")
	}
	var in UpdateDoctorRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	patch := map[string]any{}
	if in.Name != nil {
		patch["name"] = strings.TrimSpace(*in.Name)
	}
	if in.Specialty != nil {
		patch["specialty"] = strings.TrimSpace(*in.Specialty)
	}
	if in.WhatsApp != nil {
		patch["whatsapp"] = *in.WhatsApp
	}
	if in.Email != nil {
		patch["email"] = strings.ToLower(strings.TrimSpace(*in.Email))
	}
	if in.Rating != nil {
		patch["rating"] = *in.Rating
	}

	res := h.db.Model(&models.Doctor{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return fiber.ErrInternalServerError
	}
	if res.RowsAffected == 0 {
		return fiber.ErrNotFound
	}

	var d models.Doctor
	if err := h.db.First(&d, "id = ?", id).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(d)
}

/* =============================== Approve ================================ */

// POST /doctors/:id/approve (admin). Moves the registry entry out of
// pending; only approved doctors ever enter a cascade round.
func (h *Handler) Approve(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid doctor id")
	}
	var in ApproveRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	res := h.db.Model(&models.Doctor{}).Where("id = ?", id).
		Update("approval_status", models.ApprovalStatus(in.Status))
	if res.Error != nil {
		return fiber.ErrInternalServerError
	}
	if res.RowsAffected == 0 {
		return fiber.ErrNotFound
	}
	return c.JSON(fiber.Map{"id": id, "approval_status": in.Status})
}

/* ============================= Availability ============================= */

// PUT /doctors/availability (medico). Toggles the caller's own flag.
// Going unavailable is refused while the doctor holds an in_progress
// consultation; the cascade's candidate filter consumes this flag as a
// precondition, it never force-toggles anyone.
func (h *Handler) SetAvailability(c *fiber.Ctx) error {
	userID := auth.MustUserID(c)

	var in AvailabilityRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}

	var d models.Doctor
	if err := h.db.First(&d, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusForbidden, "no doctor registry entry for this account")
		}
		return fiber.ErrInternalServerError
	}

	if !in.Available {
		var active int64
		if err := h.db.Model(&models.ConsultationRequest{}).
			Where("assigned_doctor_id = ? AND status = ?", d.ID, models.ConsultationInProgress).
			Count(&active).Error; err != nil {
			return fiber.ErrInternalServerError
		}
		if active > 0 {
			return fiber.NewError(fiber.StatusConflict, "cannot go unavailable with an active consultation")
		}
	}

	if err := h.db.Model(&models.Doctor{}).Where("id = ?", d.ID).
		Update("available", in.Available).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"id": d.ID, "available": in.Available})
}
