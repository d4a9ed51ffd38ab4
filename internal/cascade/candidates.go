package cascade

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/otymasaude/telemed-backend/pkg/models"
)

// selectCandidates filters eligible doctors and orders them by the
// configured strategy, returning at most doctors_per_round entries.
// Doctors notified in any earlier round of this consultation are excluded
// permanently: a non-responder is never re-prompted for the same request.
func (e *Engine) selectCandidates(ctx context.Context, cons *models.ConsultationRequest, set *models.CascadeSettings) ([]*models.Doctor, error) {
	docs, err := e.store.ListEligibleDoctors(ctx, cons.Specialty)
	if err != nil {
		return nil, fmt.Errorf("list eligible doctors: %w", err)
	}

	notified, err := e.store.ListNotifiedDoctorIDs(ctx, cons.ID)
	if err != nil {
		return nil, fmt.Errorf("list notified doctors: %w", err)
	}

	pool := docs[:0]
	for _, d := range docs {
		if !notified[d.ID] {
			pool = append(pool, d)
		}
	}
	if len(pool) == 0 {
		return nil, nil
	}

	if err := e.prioritize(ctx, pool, cons.Specialty, set.PrioritizeBy); err != nil {
		return nil, err
	}

	limit := set.DoctorsPerRound
	if limit <= 0 {
		limit = 1
	}
	if len(pool) > limit {
		pool = pool[:limit]
	}
	return pool, nil
}

// prioritize orders the pool in place. Every strategy except random breaks
// ties by registration order (CreatedAt, then ID) so a given pool always
// yields the same batch.
func (e *Engine) prioritize(ctx context.Context, pool []*models.Doctor, specialty string, strategy models.Strategy) error {
	switch strategy {
	case models.StrategyRating:
		sort.SliceStable(pool, func(i, j int) bool {
			if pool[i].Rating != pool[j].Rating {
				return pool[i].Rating > pool[j].Rating
			}
			return registeredBefore(pool[i], pool[j])
		})

	case models.StrategyResponseTime:
		return e.orderByResponseTime(ctx, pool)

	case models.StrategySpecialtyMatch:
		sort.SliceStable(pool, func(i, j int) bool {
			ei, ej := pool[i].Specialty == specialty, pool[j].Specialty == specialty
			if ei != ej {
				return ei
			}
			return registeredBefore(pool[i], pool[j])
		})

	case models.StrategyRandom:
		// Not reproducible by contract; tests inject a deterministic shuffle.
		e.shuffle(len(pool), func(i, j int) {
			pool[i], pool[j] = pool[j], pool[i]
		})

	default: // availability
		sort.SliceStable(pool, func(i, j int) bool {
			return registeredBefore(pool[i], pool[j])
		})
	}
	return nil
}

func (e *Engine) orderByResponseTime(ctx context.Context, pool []*models.Doctor) error {
	ids := make([]uuid.UUID, 0, len(pool))
	for _, d := range pool {
		ids = append(ids, d.ID)
	}
	avg, err := e.store.AverageResponseSeconds(ctx, ids)
	if err != nil {
		return fmt.Errorf("average response times: %w", err)
	}
	mean := func(d *models.Doctor) float64 {
		if v, ok := avg[d.ID]; ok {
			return v
		}
		// No history yet: rank after doctors with a track record.
		return math.MaxFloat64
	}
	sort.SliceStable(pool, func(i, j int) bool {
		mi, mj := mean(pool[i]), mean(pool[j])
		if mi != mj {
			return mi < mj
		}
		return registeredBefore(pool[i], pool[j])
	})
	return nil
}

func registeredBefore(a, b *models.Doctor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
