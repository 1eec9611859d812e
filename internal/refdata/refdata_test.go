package refdata

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careloop-ai/careloop/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const offersYAML = `
- clinicId: c1
  clinicName: Greenway Clinic
  inNetwork: true
  distanceMiles: 2.5
  slots:
    - "2099-01-02T10:00:00Z"
- clinicId: c2
  clinicName: Uptown Urgent Care
  inNetwork: false
  distanceMiles: 5.1
  slots:
    - "2099-01-01T09:00:00Z"
    - "2099-01-03T14:00:00Z"
`

func writeDataFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestProviderLoadsOffers(t *testing.T) {
	dir := t.TempDir()
	writeDataFile(t, dir, "clinic_slots.yaml", offersYAML)

	p := NewProvider(dir, testLogger())
	offers := p.Offers()
	require.Len(t, offers, 2)
	assert.Equal(t, "Greenway Clinic", offers[0].ClinicName)
	assert.Len(t, offers[1].Slots, 2)
}

func TestProviderMissingOffersFileIsEmpty(t *testing.T) {
	p := NewProvider(t.TempDir(), testLogger())
	assert.Empty(t, p.Offers())
}

func TestProviderReloadSwapsOffers(t *testing.T) {
	dir := t.TempDir()
	p := NewProvider(dir, testLogger())
	require.Empty(t, p.Offers())

	writeDataFile(t, dir, "clinic_slots.yaml", offersYAML)
	require.NoError(t, p.Load())
	assert.Len(t, p.Offers(), 2)
}

func TestInsuranceTextToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	p := NewProvider(dir, testLogger())
	assert.Equal(t, "", p.InsuranceText())

	writeDataFile(t, dir, "insurance.txt", "Deductible: $2,000")
	assert.Equal(t, "Deductible: $2,000", p.InsuranceText())
}

func TestDefaultPolicyIsSelfConsistent(t *testing.T) {
	policy := DefaultPolicy()

	for _, level := range []model.TriageLevel{model.TriageLow, model.TriageMedium, model.TriageHigh} {
		assert.NotEmpty(t, policy.Triage.Advice[string(level)], "advice for %s", level)
		assert.Positive(t, policy.Triage.NextCheckInHours[string(level)], "check-in hours for %s", level)
	}
	assert.Len(t, policy.Coverage.Bullets, 3)
}

func TestLoadPolicyOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	writeDataFile(t, dir, "policy.yaml", `
triage:
  urgent_keywords: ["stroke"]
coverage:
  deductible_bullet: "Custom deductible bullet."
`)

	policy := LoadPolicy(dir, testLogger())
	assert.Equal(t, []string{"stroke"}, policy.Triage.UrgentKeywords)
	assert.Equal(t, "Custom deductible bullet.", policy.Coverage.DeductibleBullet)
	// Untouched fields keep their defaults.
	assert.NotEmpty(t, policy.Triage.MildKeywords)
	assert.Len(t, policy.Coverage.Bullets, 3)
}

func TestLoadPolicyMissingFileYieldsDefaults(t *testing.T) {
	policy := LoadPolicy(t.TempDir(), testLogger())
	assert.Equal(t, DefaultPolicy().Triage.UrgentKeywords, policy.Triage.UrgentKeywords)
}
