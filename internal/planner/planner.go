// Package planner expands a campaign definition into its full job set.
// Selection resolves to a concrete account list, videos are paired
// round-robin, and scheduled times spread evenly across the posting window
// with a bounded random delay. The planner only computes the set; persisting
// it atomically is the store's job.
package planner

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autopost-engine/internal/faults"
	"autopost-engine/internal/models"
)

// AccountSource supplies candidate accounts.
type AccountSource interface {
	ListActiveAccounts(ctx context.Context) ([]models.Account, error)
	ListAccountsByIDs(ctx context.Context, ids []string) ([]models.Account, error)
}

// LeaseChecker reports live account leases so the ALL strategy can skip
// accounts already claimed by another running campaign.
type LeaseChecker interface {
	Held(ctx context.Context, accountID string) (bool, error)
}

// Planner builds job sets from campaigns.
type Planner struct {
	accounts   AccountSource
	leases     LeaseChecker
	maxRetries int
	logger     *zap.Logger
}

// New builds a planner. leases may be nil, in which case no lease filtering
// is applied for the ALL strategy.
func New(accounts AccountSource, leases LeaseChecker, maxRetries int, logger *zap.Logger) *Planner {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{accounts: accounts, leases: leases, maxRetries: maxRetries, logger: logger}
}

// Plan expands the campaign into an ordered job set. The campaign seed makes
// the run reproducible: the same campaign always yields the same pairing and
// jitter. Any validation problem aborts the whole run with a ConfigError; no
// partial set is ever returned.
func (p *Planner) Plan(ctx context.Context, c models.Campaign) ([]models.Job, error) {
	window := c.Schedule.EndTime.Sub(c.Schedule.StartTime)
	if window <= 0 {
		return nil, faults.Configf("schedule window must be positive, got %s", window)
	}
	if len(c.VideoPaths) == 0 {
		return nil, faults.Configf("campaign %s has no videos", c.ID)
	}
	delayMin := time.Duration(c.Schedule.DelayMinSeconds) * time.Second
	delayMax := time.Duration(c.Schedule.DelayMaxSeconds) * time.Second
	if delayMax < delayMin || delayMin < 0 {
		return nil, faults.Configf("invalid delay range [%s, %s]", delayMin, delayMax)
	}

	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	accounts, err := p.resolveAccounts(ctx, c.Selection, rng)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, faults.Configf("campaign %s resolved to an empty account set", c.ID)
	}

	// Cycle videos across the ordered account list: every account posts and
	// every video is used at least once.
	pairs := len(accounts)
	if len(c.VideoPaths) > pairs {
		pairs = len(c.VideoPaths)
	}
	base := window / time.Duration(pairs)

	now := time.Now().UTC()
	jobs := make([]models.Job, 0, pairs)
	for i := 0; i < pairs; i++ {
		account := accounts[i%len(accounts)]
		video := c.VideoPaths[i%len(c.VideoPaths)]

		delay := delayMin
		if delayMax > delayMin {
			delay += time.Duration(rng.Int63n(int64(delayMax - delayMin)))
		}
		scheduledAt := c.Schedule.StartTime.Add(time.Duration(i)*base + delay)
		if scheduledAt.Before(c.Schedule.StartTime) {
			scheduledAt = c.Schedule.StartTime
		}
		if scheduledAt.After(c.Schedule.EndTime) {
			scheduledAt = c.Schedule.EndTime
		}

		jobs = append(jobs, models.Job{
			ID:          uuid.New().String(),
			CampaignID:  c.ID,
			AccountID:   account.ID,
			ProxyID:     account.ProxyID,
			Category:    models.CategoryUpload,
			VideoPath:   video,
			Caption:     c.CaptionTemplate,
			Status:      models.JobPending,
			ScheduledAt: scheduledAt,
			Seed:        rng.Int63(),
			MaxRetries:  p.maxRetries,
			CreatedAt:   now,
		})
	}

	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].ScheduledAt.Equal(jobs[b].ScheduledAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].ScheduledAt.Before(jobs[b].ScheduledAt)
	})

	p.logger.Info("planned campaign job set",
		zap.String("campaign", c.ID),
		zap.Int("accounts", len(accounts)),
		zap.Int("jobs", len(jobs)))
	return jobs, nil
}

func (p *Planner) resolveAccounts(ctx context.Context, sel models.AccountSelection, rng *rand.Rand) ([]models.Account, error) {
	switch sel.Strategy {
	case models.SelectAll:
		active, err := p.accounts.ListActiveAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active accounts: %w", err)
		}
		return p.filterUnleased(ctx, active)

	case models.SelectRandom:
		if sel.Count <= 0 {
			return nil, faults.Configf("random selection needs a positive count, got %d", sel.Count)
		}
		active, err := p.accounts.ListActiveAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active accounts: %w", err)
		}
		if sel.Count > len(active) {
			return nil, faults.Configf("random selection wants %d accounts but only %d are active", sel.Count, len(active))
		}
		// Uniform sample without replacement, stable under the campaign seed.
		perm := rng.Perm(len(active))
		picked := make([]models.Account, 0, sel.Count)
		for _, idx := range perm[:sel.Count] {
			picked = append(picked, active[idx])
		}
		sort.Slice(picked, func(a, b int) bool { return picked[a].ID < picked[b].ID })
		return picked, nil

	case models.SelectSpecific:
		if len(sel.AccountIDs) == 0 {
			return nil, faults.Configf("specific selection needs account ids")
		}
		found, err := p.accounts.ListAccountsByIDs(ctx, sel.AccountIDs)
		if err != nil {
			return nil, fmt.Errorf("list accounts by ids: %w", err)
		}
		byID := make(map[string]models.Account, len(found))
		for _, a := range found {
			byID[a.ID] = a
		}
		out := make([]models.Account, 0, len(sel.AccountIDs))
		for _, id := range sel.AccountIDs {
			a, ok := byID[id]
			if !ok {
				return nil, faults.Configf("account %s does not exist", id)
			}
			if a.Status != models.AccountActive {
				return nil, faults.Configf("account %s is %s, not active", id, a.Status)
			}
			out = append(out, a)
		}
		sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
		return out, nil
	}
	return nil, faults.Configf("unknown selection strategy %q", sel.Strategy)
}

func (p *Planner) filterUnleased(ctx context.Context, accounts []models.Account) ([]models.Account, error) {
	if p.leases == nil {
		return accounts, nil
	}
	out := make([]models.Account, 0, len(accounts))
	for _, a := range accounts {
		held, err := p.leases.Held(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("check lease for account %s: %w", a.ID, err)
		}
		if !held {
			out = append(out, a)
		}
	}
	return out, nil
}
