package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careloop-ai/careloop/internal/bus"
	"github.com/careloop-ai/careloop/internal/model"
	"github.com/careloop-ai/careloop/internal/refdata"
	"github.com/careloop-ai/careloop/internal/store"
)

// staticInsurance is a fixed InsuranceSource.
type staticInsurance string

func (s staticInsurance) InsuranceText() string { return string(s) }

func newTestCoverage(t *testing.T, insurance string, policy refdata.CoveragePolicy) (*bus.Bus, *memStore, *tapRecorder) {
	t.Helper()
	b := bus.New(testLogger(), nil)
	st := newMemStore()
	rec := &tapRecorder{}
	b.AddTap(rec.tap)
	c := NewCoverage(b, st, staticInsurance(insurance), policy, testLogger())
	c.Register()
	return b, st, rec
}

func TestCoverageRewritesDeductibleBullet(t *testing.T) {
	policy := refdata.DefaultPolicy().Coverage
	b, st, rec := newTestCoverage(t, "Plan notes. Deductible: $2,000 remaining.", policy)

	_, err := b.Publish(context.Background(), model.EventBookingUpdated, model.Booking{ClinicID: "c1"})
	require.NoError(t, err)
	b.Drain()

	ready := rec.byType(model.EventCoverageReady)
	require.Len(t, ready, 1)

	var summary model.CoverageSummary
	require.NoError(t, json.Unmarshal(ready[0].Payload, &summary))
	require.NotEmpty(t, summary.Summary)
	assert.Equal(t, policy.DeductibleBullet, summary.Summary[0])
	assert.Equal(t, policy.Bullets[1:], summary.Summary[1:])

	stored, err := store.ReadCoverage(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, summary.Summary, stored.Summary)
}

func TestCoverageKeepsBulletsWithoutDeductibleMention(t *testing.T) {
	policy := refdata.DefaultPolicy().Coverage
	b, _, rec := newTestCoverage(t, "Plan notes with no relevant figures.", policy)

	_, err := b.Publish(context.Background(), model.EventBookingUpdated, model.Booking{ClinicID: "c1"})
	require.NoError(t, err)
	b.Drain()

	ready := rec.byType(model.EventCoverageReady)
	require.Len(t, ready, 1)

	var summary model.CoverageSummary
	require.NoError(t, json.Unmarshal(ready[0].Payload, &summary))
	assert.Equal(t, policy.Bullets, summary.Summary)
}

func TestCoverageDeductibleMatchIsCaseAndCommaInsensitive(t *testing.T) {
	policy := refdata.DefaultPolicy().Coverage
	for _, text := range []string{
		"DEDUCTIBLE: $2000",
		"deductible: 2,000",
		"Annual deductible: $2,000 per member",
	} {
		b, _, rec := newTestCoverage(t, text, policy)
		_, err := b.Publish(context.Background(), model.EventBookingUpdated, nil)
		require.NoError(t, err)
		b.Drain()

		ready := rec.byType(model.EventCoverageReady)
		require.Len(t, ready, 1)
		var summary model.CoverageSummary
		require.NoError(t, json.Unmarshal(ready[0].Payload, &summary))
		assert.Equal(t, policy.DeductibleBullet, summary.Summary[0], "text: %s", text)
	}
}

func TestCoverageInvalidPatternDisablesRewrite(t *testing.T) {
	policy := refdata.CoveragePolicy{
		Bullets:          []string{"bullet one", "bullet two"},
		DeductibleRegexp: "([unclosed",
		DeductibleBullet: "rewritten",
	}
	b, _, rec := newTestCoverage(t, "anything", policy)

	_, err := b.Publish(context.Background(), model.EventBookingUpdated, nil)
	require.NoError(t, err)
	b.Drain()

	ready := rec.byType(model.EventCoverageReady)
	require.Len(t, ready, 1)
	var summary model.CoverageSummary
	require.NoError(t, json.Unmarshal(ready[0].Payload, &summary))
	assert.Equal(t, policy.Bullets, summary.Summary)
}

func TestCoverageEmptyBulletsStaysEmpty(t *testing.T) {
	policy := refdata.CoveragePolicy{DeductibleRegexp: "x", DeductibleBullet: "y"}
	b, _, rec := newTestCoverage(t, "x", policy)

	_, err := b.Publish(context.Background(), model.EventBookingUpdated, nil)
	require.NoError(t, err)
	b.Drain()

	ready := rec.byType(model.EventCoverageReady)
	require.Len(t, ready, 1)
	var summary model.CoverageSummary
	require.NoError(t, json.Unmarshal(ready[0].Payload, &summary))
	assert.Empty(t, summary.Summary)
}
