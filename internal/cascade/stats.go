package cascade

import (
	"context"
	"fmt"

	"github.com/otymasaude/telemed-backend/pkg/models"
)

// RoundBreakdown counts outcomes inside one round number across all
// consultations.
type RoundBreakdown struct {
	Notified int `json:"notified"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Expired  int `json:"expired"`
}

// Stats is the aggregate report over the whole notification history.
// Rates are percentages of total notifications, not of consultations.
type Stats struct {
	TotalNotifications     int                     `json:"total_notifications"`
	TotalAccepted          int                     `json:"total_accepted"`
	TotalRejected          int                     `json:"total_rejected"`
	TotalExpired           int                     `json:"total_expired"`
	AverageResponseSeconds float64                 `json:"average_response_time"`
	AcceptanceRate         float64                 `json:"acceptance_rate"`
	RejectionRate          float64                 `json:"rejection_rate"`
	ByRound                map[int]*RoundBreakdown `json:"by_round"`
}

// Stats reduces the full notification history in memory. Read-only, no
// side effects, and safe on an empty data set (rates stay 0, never NaN).
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	rows, err := e.store.ListAllNotifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	st := &Stats{ByRound: make(map[int]*RoundBreakdown)}
	st.TotalNotifications = len(rows)

	var timed, timedSum int
	for _, n := range rows {
		br := st.ByRound[n.RoundNumber]
		if br == nil {
			br = &RoundBreakdown{}
			st.ByRound[n.RoundNumber] = br
		}
		br.Notified++

		switch n.Response {
		case models.ResponseAccepted:
			st.TotalAccepted++
			br.Accepted++
		case models.ResponseRejected:
			st.TotalRejected++
			br.Rejected++
		case models.ResponseExpired:
			st.TotalExpired++
			br.Expired++
		}

		if n.ResponseTimeSeconds != nil {
			timed++
			timedSum += *n.ResponseTimeSeconds
		}
	}

	if timed > 0 {
		st.AverageResponseSeconds = float64(timedSum) / float64(timed)
	}
	if st.TotalNotifications > 0 {
		st.AcceptanceRate = float64(st.TotalAccepted) / float64(st.TotalNotifications) * 100
		st.RejectionRate = float64(st.TotalRejected) / float64(st.TotalNotifications) * 100
	}
	return st, nil
}
