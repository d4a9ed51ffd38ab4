// Package notify delivers cascade offers to doctors (WhatsApp/email/push)
// and operational notices to staff. Delivery here is best-effort by
// contract: the persisted notification row, not the outbound message, is
// what drives timeouts.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/otymasaude/telemed-backend/pkg/models"
	"github.com/otymasaude/telemed-backend/pkg/sanitize"
)

// Sender delivers one rendered message over one channel.
type Sender interface {
	Send(ctx context.Context, to, message string) error
}

// Dispatcher renders the configured template and fans the message out over
// every enabled channel. It satisfies the cascade engine's Sink interface.
type Dispatcher struct {
	db      *gorm.DB
	log     zerolog.Logger
	senders map[models.Channel]Sender
	baseURL string
}

func NewDispatcher(db *gorm.DB, log zerolog.Logger, baseURL string) *Dispatcher {
	return &Dispatcher{
		db:  db,
		log: log,
		senders: map[models.Channel]Sender{
			models.ChannelWhatsApp: &stubSender{log: log, channel: models.ChannelWhatsApp},
			models.ChannelEmail:    &stubSender{log: log, channel: models.ChannelEmail},
			models.ChannelPush:     &stubSender{log: log, channel: models.ChannelPush},
		},
		baseURL: baseURL,
	}
}

// SetSender swaps the transport for one channel (tests, real integrations).
func (d *Dispatcher) SetSender(ch models.Channel, s Sender) { d.senders[ch] = s }

// Notify renders and sends the offer for one cascade notification.
func (d *Dispatcher) Notify(ctx context.Context, n *models.CascadeNotification, cons *models.ConsultationRequest, doc *models.Doctor) error {
	set, err := d.settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	msg := RenderTemplate(d.template(set), TemplateData(n, cons, doc, set, d.baseURL))

	var firstErr error
	for _, target := range d.targets(set, doc) {
		sender, ok := d.senders[target.channel]
		if !ok {
			continue
		}
		if err := sender.Send(ctx, target.to, msg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			d.log.Warn().Err(err).
				Str("channel", string(target.channel)).
				Str("doctor_id", doc.ID.String()).
				Msg("send failed")
		}
	}
	return firstErr
}

// NotifyStaff writes an in-app notice for every admin and atendente, the
// same best-effort audit shape the rest of the system uses.
func (d *Dispatcher) NotifyStaff(ctx context.Context, consultationID uuid.UUID, eventType, message string) error {
	var staff []models.User
	if err := d.db.WithContext(ctx).
		Where("role IN ?", []models.Role{models.RoleAdmin, models.RoleAtendente}).
		Find(&staff).Error; err != nil {
		return err
	}

	notices := make([]models.OpsNotification, 0, len(staff))
	for _, u := range staff {
		notices = append(notices, models.OpsNotification{
			RecipientID:    u.ID,
			Title:          "Atualização de Consulta",
			Message:        message,
			Type:           eventType,
			ConsultationID: &consultationID,
		})
	}
	if len(notices) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).Create(&notices).Error
}

type target struct {
	channel models.Channel
	to      string
}

func (d *Dispatcher) targets(set *models.CascadeSettings, doc *models.Doctor) []target {
	var out []target
	if set.EnableWhatsApp && doc.WhatsApp != "" {
		out = append(out, target{models.ChannelWhatsApp, doc.WhatsApp})
	}
	if set.EnableEmail && doc.Email != "" {
		out = append(out, target{models.ChannelEmail, doc.Email})
	}
	if set.EnablePush {
		out = append(out, target{models.ChannelPush, doc.ID.String()})
	}
	return out
}

func (d *Dispatcher) settings(ctx context.Context) (*models.CascadeSettings, error) {
	var set models.CascadeSettings
	if err := d.db.WithContext(ctx).First(&set, "id = ?", 1).Error; err != nil {
		return nil, err
	}
	return &set, nil
}

func (d *Dispatcher) template(set *models.CascadeSettings) string {
	if strings.TrimSpace(set.WhatsAppTemplate) != "" {
		return set.WhatsAppTemplate
	}
	return DefaultTemplate
}

// stubSender logs instead of delivering; real transports plug in through
// SetSender. Message bodies carry patient contact data, so only the
// redacted form ever reaches the log.
type stubSender struct {
	log     zerolog.Logger
	channel models.Channel
}

func (s *stubSender) Send(ctx context.Context, to, message string) error {
	s.log.Info().
		Str("channel", string(s.channel)).
		Str("to", sanitize.RedactPII(to)).
		Str("preview", sanitize.Summary(sanitize.RedactPII(message), 120)).
		Msg("outbound notification")
	return nil
}
