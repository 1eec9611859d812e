package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/careloop-ai/careloop/internal/bus"
	"github.com/careloop-ai/careloop/internal/model"
	"github.com/careloop-ai/careloop/internal/refdata"
	"github.com/careloop-ai/careloop/internal/store"
)

// Fever thresholds in degrees Fahrenheit. 100.4 is the conventional fever
// line; 102 marks a high fever that warrants urgent attention.
const (
	feverHighF   = 102.0
	feverMediumF = 100.4
)

// Wellness triages free-text symptom reports. HIGH triage additionally asks
// the scheduler for a sooner appointment.
type Wellness struct {
	bus    *bus.Bus
	store  store.DocumentStore
	policy refdata.TriagePolicy
	logger *slog.Logger
}

// NewWellness creates the wellness agent.
func NewWellness(b *bus.Bus, st store.DocumentStore, policy refdata.TriagePolicy, logger *slog.Logger) *Wellness {
	return &Wellness{bus: b, store: st, policy: policy, logger: logger}
}

// Register subscribes the wellness agent's handler on the bus.
func (w *Wellness) Register() {
	w.bus.Subscribe(model.EventSymptomsSubmitted, "wellness", w.handleSymptomsSubmitted)
}

// handleSymptomsSubmitted classifies the submission, persists the triage
// document best-effort, publishes WELLNESS_READY, and for HIGH triage
// follows up with SEEK_SOONER. The follow-up is published after
// WELLNESS_READY so log order reflects cause before effect.
func (w *Wellness) handleSymptomsSubmitted(ctx context.Context, evt model.Event) error {
	var sub model.SymptomsPayload
	if err := json.Unmarshal(evt.Payload, &sub); err != nil {
		return fmt.Errorf("decode symptoms payload: %w", err)
	}

	now := time.Now().UTC()
	triage := w.classify(sub)
	doc := model.WellnessTriage{
		InputText:     sub.Text,
		Triage:        triage,
		NextCheckInAt: w.nextCheckIn(now, triage.Level),
		ProducedAt:    now,
	}
	if err := store.WriteWellness(ctx, w.store, doc); err != nil {
		w.logger.Warn("wellness: triage write failed", "error", err)
	}

	if _, err := w.bus.Publish(ctx, model.EventWellnessReady, doc); err != nil {
		return err
	}
	if triage.Level == model.TriageHigh {
		w.logger.Info("wellness: urgent triage, requesting sooner appointment")
		if _, err := w.bus.Publish(ctx, model.EventSeekSooner,
			map[string]string{"reason": "urgent triage"}); err != nil {
			return err
		}
	}
	return nil
}

// classify maps a submission to a triage tier. Urgent keywords always win,
// even when mild keywords also match. A high fever is urgent on its own;
// a moderate fever rules out LOW. Text with no keyword match defaults to
// MEDIUM.
func (w *Wellness) classify(sub model.SymptomsPayload) model.Triage {
	text := strings.ToLower(sub.Text)

	level := model.TriageMedium
	switch {
	case containsAny(text, w.policy.UrgentKeywords):
		level = model.TriageHigh
	case sub.Vitals != nil && sub.Vitals.TempF != nil && *sub.Vitals.TempF >= feverHighF:
		level = model.TriageHigh
	case sub.Vitals != nil && sub.Vitals.TempF != nil && *sub.Vitals.TempF >= feverMediumF:
		level = model.TriageMedium
	case containsAny(text, w.policy.MildKeywords):
		level = model.TriageLow
	}

	return model.Triage{
		Level:  level,
		Advice: w.policy.Advice[string(level)],
	}
}

// nextCheckIn derives the advisory re-report time for a tier, or nil when
// the policy does not configure one.
func (w *Wellness) nextCheckIn(from time.Time, level model.TriageLevel) *time.Time {
	hours, ok := w.policy.NextCheckInHours[string(level)]
	if !ok {
		return nil
	}
	at := from.Add(time.Duration(hours) * time.Hour)
	return &at
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
