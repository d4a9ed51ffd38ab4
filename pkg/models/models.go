package models

import (
	"time"

	"github.com/google/uuid"
)

/* =============================== Enums ================================== */

// Role defines the type of user in the system.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAtendente Role = "atendente"
	RoleMedico    Role = "medico"
)

// ConsultationStatus defines lifecycle states for a consultation request.
type ConsultationStatus string

const (
	ConsultationPending    ConsultationStatus = "pending"
	ConsultationInProgress ConsultationStatus = "in_progress"
	ConsultationCompleted  ConsultationStatus = "completed"
	ConsultationUnattended ConsultationStatus = "unattended"
	ConsultationCancelled  ConsultationStatus = "cancelled"
)

// Terminal reports whether the consultation can no longer change hands.
func (s ConsultationStatus) Terminal() bool {
	switch s {
	case ConsultationCompleted, ConsultationUnattended, ConsultationCancelled:
		return true
	}
	return false
}

// Urgency levels as captured at intake.
type Urgency string

const (
	UrgencyBaixa   Urgency = "baixa"
	UrgencyNormal  Urgency = "normal"
	UrgencyAlta    Urgency = "alta"
	UrgencyUrgente Urgency = "urgente"
)

// ApprovalStatus defines the admin review state of a doctor.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Response defines the outcome of one cascade notification.
type Response string

const (
	ResponsePending  Response = "pending"
	ResponseAccepted Response = "accepted"
	ResponseRejected Response = "rejected"
	ResponseExpired  Response = "expired"
)

// Channel is the delivery channel used for a cascade notification.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelPush     Channel = "push"
	ChannelSMS      Channel = "sms"
)

// Strategy orders candidate doctors inside a cascade round.
type Strategy string

const (
	StrategyAvailability   Strategy = "availability"
	StrategyRating         Strategy = "rating"
	StrategyResponseTime   Strategy = "response_time"
	StrategySpecialtyMatch Strategy = "specialty_match"
	StrategyRandom         Strategy = "random"
)

/* =============================== Entities =============================== */

// User represents an admin, atendente or medico account.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         Role      `gorm:"type:varchar(20);not null"`
	Name         string
	CreatedAt    time.Time
}

// Doctor is the registry entry behind a medico account. Only approved and
// available doctors with a matching specialty are cascade candidates.
type Doctor struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         *uuid.UUID     `gorm:"type:uuid;uniqueIndex"`
	Name           string         `gorm:"not null"`
	CRM            string         `gorm:"uniqueIndex;not null"`
	Specialty      string         `gorm:"not null;index"`
	ApprovalStatus ApprovalStatus `gorm:"type:varchar(20);default:'pending';index"`
	Available      bool           `gorm:"default:false"`
	Rating         float64        `gorm:"default:0"`
	WhatsApp       string         `gorm:"column:whatsapp"`
	Email          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConsultationRequest is a patient intake waiting for (or assigned to) a
// doctor.
//
// AssignedDoctorID is written exactly once, by the conditional update in the
// cascade store; once set the status never returns to pending.
type ConsultationRequest struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	PatientName  string    `gorm:"not null"`
	PatientPhone string    `gorm:"not null"`
	PatientEmail string
	Specialty    string             `gorm:"not null;index"`
	Urgency      Urgency            `gorm:"type:varchar(10);default:'normal'"`
	Description  string             `gorm:"type:text"`
	Status       ConsultationStatus `gorm:"type:varchar(20);default:'pending';index"`

	CascadeRound     int `gorm:"default:0"`
	CascadeStartedAt *time.Time

	AssignedDoctorID *uuid.UUID `gorm:"type:uuid;index"`
	AssignedAt       *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time

	CreatedBy uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CascadeNotification records one offer made to one doctor in one round.
// Exactly one row exists per (consultation, doctor, round); the response
// only ever moves pending -> accepted|rejected|expired.
type CascadeNotification struct {
	ID             uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ConsultationID uuid.UUID `gorm:"type:uuid;not null;index:idx_consult_doctor_round,unique;index"`
	DoctorID       uuid.UUID `gorm:"type:uuid;not null;index:idx_consult_doctor_round,unique;index"`
	RoundNumber    int       `gorm:"not null;index:idx_consult_doctor_round,unique"`

	Channel          Channel   `gorm:"type:varchar(10);default:'whatsapp'"`
	NotifiedAt       time.Time `gorm:"not null"`
	ResponseDeadline time.Time `gorm:"not null;index"`

	Response            Response `gorm:"type:varchar(10);default:'pending';index"`
	RespondedAt         *time.Time
	ResponseTimeSeconds *int
	RejectionReason     string
}

// CascadeSettings is the process-wide cascade configuration, a single row
// edited by admins and re-read at every round decision.
type CascadeSettings struct {
	ID                     int      `gorm:"primaryKey"`
	TimeoutPerRoundMinutes int      `gorm:"default:5"`
	MaxRounds              int      `gorm:"default:3"`
	DoctorsPerRound        int      `gorm:"default:2"`
	PrioritizeBy           Strategy `gorm:"type:varchar(20);default:'availability'"`
	EnableWhatsApp         bool     `gorm:"column:enable_whatsapp;default:true"`
	EnableEmail            bool     `gorm:"default:false"`
	EnablePush             bool     `gorm:"default:false"`
	WhatsAppTemplate       string   `gorm:"column:whatsapp_template;type:text"`
	UpdatedAt              time.Time
}

// OpsNotification is an in-app notice for operational staff (atendentes and
// admins): consultation accepted, consultation unattended, and so on.
type OpsNotification struct {
	ID             uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	RecipientID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	Title          string     `gorm:"not null"`
	Message        string     `gorm:"type:text"`
	Type           string     `gorm:"type:varchar(40)"`
	ConsultationID *uuid.UUID `gorm:"type:uuid;index"`
	Read           bool       `gorm:"default:false"`
	CreatedAt      time.Time
}
