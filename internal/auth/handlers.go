package auth

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/otymasaude/telemed-backend/pkg/models"
	"github.com/otymasaude/telemed-backend/pkg/validation"
)

/* ================================ DTOs ================================= */

// Request body for /signup
type SignupRequest struct {
	Role     string `json:"role" validate:"required,oneof=admin atendente medico"`
	Name     string `json:"name" validate:"required,min=2,max=80"`
	Email    string `json:"email" validate:"required,email,max=120"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	// Required for medicos
	CRM       string `json:"crm" validate:"omitempty,crm"`
	Specialty string `json:"specialty" validate:"omitempty,max=60"`
	WhatsApp  string `json:"whatsapp" validate:"omitempty,brphone"`
}

// Request body for /login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=120"`
	Password string `json:"password" validate:"required"`
}

// Standard auth response
type AuthResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// Profile response for /me
type UserProfileResponse struct {
	ID        uuid.UUID   `json:"id"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	Name      string      `json:"name"`
	DoctorID  *uuid.UUID  `json:"doctor_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

/* ============================== Handler ================================= */

type Handler struct{ db *gorm.DB }

func NewHandler(db *gorm.DB) *Handler { return &Handler{db: db} }

/* =============================== Signup ================================= */

// Signup registers a new account. A medico signup also creates the doctor
// registry row, which stays in approval_status=pending until an admin
// approves it; unapproved doctors are never cascade candidates.
func (h *Handler) Signup(c *fiber.Ctx) error {
	var in SignupRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}

	// Normalize email
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	// Validate request (Laravel-like error shape)
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}
	if in.Role == string(models.RoleMedico) && (in.CRM == "" || in.Specialty == "") {
		return fiber.NewError(fiber.StatusBadRequest, "crm and specialty are required for medico accounts")
	}

	// Hash password
	hash, _ := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)

	// Create user
	u := models.User{
		Email:        in.Email,
		PasswordHash: string(hash),
		Role:         models.Role(in.Role),
		Name:         in.Name,
	}
	if err := h.db.Create(&u).Error; err != nil {
		return fiber.NewError(fiber.StatusConflict, "email already exists")
	}

	// Medicos get a registry entry pending admin approval
	if u.Role == models.RoleMedico {
		d := models.Doctor{
			UserID:         &u.ID,
			Name:           in.Name,
			CRM:            strings.ToUpper(strings.TrimSpace(in.CRM)),
			Specialty:      strings.TrimSpace(in.Specialty),
			ApprovalStatus: models.ApprovalPending,
			WhatsApp:       in.WhatsApp,
			Email:          in.Email,
		}
		if err := h.db.Create(&d).Error; err != nil {
			return fiber.NewError(fiber.StatusConflict, "crm already registered")
		}
	}

	// Issue JWT
	token, _ := IssueToken(u.ID.String(), string(u.Role))
	return c.Status(fiber.StatusCreated).JSON(AuthResponse{Token: token, Role: string(u.Role)})
}

/* ================================ Login ================================= */

// Login authenticates and returns a JWT.
func (h *Handler) Login(c *fiber.Ctx) error {
	var in LoginRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}

	// Normalize email
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	// Validate request
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	// Find user by email
	var u models.User
	if err := h.db.Where("email = ?", in.Email).First(&u).Error; err != nil {
		return fiber.ErrUnauthorized
	}

	// Verify password
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)) != nil {
		return fiber.ErrUnauthorized
	}

	// Issue JWT
	token, _ := IssueToken(u.ID.String(), string(u.Role))
	return c.JSON(AuthResponse{Token: token, Role: string(u.Role)})
}

/* ================================= Me =================================== */

// Me returns the profile of the authenticated user, with the linked doctor
// registry ID for medicos.
func (h *Handler) Me(c *fiber.Ctx) error {
	userID := c.Locals("userID")
	if userID == nil {
		return fiber.ErrUnauthorized
	}

	// Load user by ID from context (set by auth middleware)
	var u models.User
	if err := h.db.First(&u, "id = ?", userID).Error; err != nil {
		return fiber.ErrUnauthorized
	}

	resp := UserProfileResponse{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		Name:      u.Name,
		CreatedAt: u.CreatedAt,
	}
	if u.Role == models.RoleMedico {
		var d models.Doctor
		if err := h.db.First(&d, "user_id = ?", u.ID).Error; err == nil {
			resp.DoctorID = &d.ID
		}
	}
	return c.JSON(resp)
}
