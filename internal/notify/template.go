package notify

import (
	"fmt"
	"strings"

	"github.com/otymasaude/telemed-backend/pkg/models"
)

// DefaultTemplate is the WhatsApp offer sent when the admin has not
// configured a custom one.
const DefaultTemplate = `🏥 *Nova Consulta Disponível - Rodada {{round_number}}*

👤 *Paciente:* {{patient_name}}
📞 *Telefone:* {{patient_phone}}
🩺 *Especialidade:* {{specialty}}
⚠️ *Urgência:* {{urgency}}

📝 *Descrição:*
{{description}}

⏰ *Tempo para responder:* {{timeout_minutes}} minutos

✅ Aceitar: {{accept_url}}
❌ Recusar: {{reject_url}}

_Sistema de Teleconsulta - Otyma Saúde_`

// TemplateData builds the substitution map for one offer.
func TemplateData(n *models.CascadeNotification, cons *models.ConsultationRequest, doc *models.Doctor, set *models.CascadeSettings, baseURL string) map[string]string {
	desc := cons.Description
	if desc == "" {
		desc = "Não informada"
	}
	return map[string]string{
		"round_number":    fmt.Sprintf("%d", n.RoundNumber),
		"patient_name":    cons.PatientName,
		"patient_phone":   cons.PatientPhone,
		"specialty":       cons.Specialty,
		"urgency":         strings.ToUpper(string(cons.Urgency)),
		"description":     desc,
		"timeout_minutes": fmt.Sprintf("%d", set.TimeoutPerRoundMinutes),
		"doctor_name":     doc.Name,
		"accept_url":      fmt.Sprintf("%s/consulta/%s/aceitar?doctor=%s", baseURL, cons.ID, doc.ID),
		"reject_url":      fmt.Sprintf("%s/consulta/%s/recusar?doctor=%s", baseURL, cons.ID, doc.ID),
	}
}

// RenderTemplate substitutes {{key}} placeholders; unknown placeholders are
// left as-is so a typo in an admin template is visible instead of silent.
func RenderTemplate(tmpl string, data map[string]string) string {
	out := tmpl
	for k, v := range data {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return strings.TrimSpace(out)
}
