package agent

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/careloop-ai/careloop/internal/bus"
	"github.com/careloop-ai/careloop/internal/model"
	"github.com/careloop-ai/careloop/internal/refdata"
	"github.com/careloop-ai/careloop/internal/store"
)

// InsuranceSource yields the raw insurance notes text.
type InsuranceSource interface {
	InsuranceText() string
}

// Coverage summarizes insurance coverage whenever a booking changes.
type Coverage struct {
	bus       *bus.Bus
	store     store.DocumentStore
	insurance InsuranceSource
	policy    refdata.CoveragePolicy
	logger    *slog.Logger

	deductible *regexp.Regexp
}

// NewCoverage creates the coverage agent. A malformed deductible pattern in
// the policy disables the rewrite rather than failing startup.
func NewCoverage(b *bus.Bus, st store.DocumentStore, ins InsuranceSource, policy refdata.CoveragePolicy, logger *slog.Logger) *Coverage {
	c := &Coverage{
		bus:       b,
		store:     st,
		insurance: ins,
		policy:    policy,
		logger:    logger,
	}
	re, err := regexp.Compile(policy.DeductibleRegexp)
	if err != nil {
		logger.Warn("coverage: invalid deductible pattern, rewrite disabled",
			"pattern", policy.DeductibleRegexp, "error", err)
	} else {
		c.deductible = re
	}
	return c
}

// Register subscribes the coverage agent's handler on the bus.
func (c *Coverage) Register() {
	c.bus.Subscribe(model.EventBookingUpdated, "coverage", c.handleBookingUpdated)
}

// handleBookingUpdated builds the coverage summary from the policy bullets,
// rewriting the deductible line when the insurance notes mention the known
// deductible. Persistence is best-effort.
func (c *Coverage) handleBookingUpdated(ctx context.Context, _ model.Event) error {
	summary := model.CoverageSummary{
		Summary:    c.bullets(),
		ProducedAt: time.Now().UTC(),
	}
	if err := store.WriteCoverage(ctx, c.store, summary); err != nil {
		c.logger.Warn("coverage: summary write failed", "error", err)
	}
	_, err := c.bus.Publish(ctx, model.EventCoverageReady, summary)
	return err
}

func (c *Coverage) bullets() []string {
	out := slices.Clone(c.policy.Bullets)
	if len(out) == 0 {
		return out
	}
	if c.deductible != nil && c.deductible.MatchString(c.insurance.InsuranceText()) {
		out[0] = c.policy.DeductibleBullet
	}
	return out
}
