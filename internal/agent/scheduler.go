// Package agent implements the three reactive agents: scheduler, coverage,
// and wellness. Each subscribes to its event types on the bus, derives a new
// document, persists it best-effort, and re-publishes a result event.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/careloop-ai/careloop/internal/bus"
	"github.com/careloop-ai/careloop/internal/model"
	"github.com/careloop-ai/careloop/internal/store"
)

// OfferSource yields the current clinic slot offers.
type OfferSource interface {
	Offers() []model.ClinicSlotOffer
}

// slotCandidate is one parseable clinic/slot pair under consideration.
type slotCandidate struct {
	offer model.ClinicSlotOffer
	slot  string
	at    time.Time
}

// Scheduler books the earliest available clinic slot. It reacts to
// REQUEST_BOOKING and SEEK_SOONER, and runs a background loop that rebooks
// when a strictly earlier slot appears.
type Scheduler struct {
	bus    *bus.Bus
	store  store.DocumentStore
	offers OfferSource
	clock  clock.Clock
	logger *slog.Logger

	recheckInterval time.Duration
	boostInterval   time.Duration
	boostWindow     time.Duration

	mu         sync.Mutex
	boosted    bool
	boostTimer *clock.Timer

	loopRunning atomic.Bool
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Bus             *bus.Bus
	Store           store.DocumentStore
	Offers          OfferSource
	Clock           clock.Clock
	Logger          *slog.Logger
	RecheckInterval time.Duration
	BoostInterval   time.Duration
	BoostWindow     time.Duration
}

// NewScheduler creates the scheduler agent.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		bus:             cfg.Bus,
		store:           cfg.Store,
		offers:          cfg.Offers,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		recheckInterval: cfg.RecheckInterval,
		boostInterval:   cfg.BoostInterval,
		boostWindow:     cfg.BoostWindow,
	}
}

// Register subscribes the scheduler's handlers on the bus.
func (s *Scheduler) Register() {
	s.bus.Subscribe(model.EventRequestBooking, "scheduler", s.handleRequestBooking)
	s.bus.Subscribe(model.EventSeekSooner, "scheduler", s.handleSeekSooner)
}

// handleRequestBooking books the earliest slot across all offers, or
// publishes BOOKING_FAILED when none exists. A no-slots outcome is a domain
// result, not an error.
func (s *Scheduler) handleRequestBooking(ctx context.Context, _ model.Event) error {
	best := pickEarliestSlot(s.offers.Offers())
	if best == nil {
		_, err := s.bus.Publish(ctx, model.EventBookingFailed,
			model.BookingFailedPayload{Reason: "No available slots"})
		return err
	}
	return s.book(ctx, *best)
}

// handleSeekSooner shortens the re-check interval for a fixed window.
// Repeated events re-arm the window rather than stacking boosts.
func (s *Scheduler) handleSeekSooner(ctx context.Context, _ model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.boosted = true
	if s.boostTimer != nil {
		s.boostTimer.Stop()
	}
	s.boostTimer = s.clock.AfterFunc(s.boostWindow, func() {
		s.mu.Lock()
		s.boosted = false
		s.mu.Unlock()
		s.logger.Info("scheduler: rate boost expired")
	})
	s.logger.Info("scheduler: rate boost active",
		"interval", s.boostInterval, "window", s.boostWindow)
	return nil
}

// book persists the booking and publishes BOOKING_UPDATED. Persistence is
// best-effort: a store failure is logged and the update still goes out.
func (s *Scheduler) book(ctx context.Context, best slotCandidate) error {
	booking := model.Booking{
		BookingID:     uuid.New(),
		ClinicID:      best.offer.ClinicID,
		ClinicName:    best.offer.ClinicName,
		InNetwork:     best.offer.InNetwork,
		DistanceMiles: best.offer.DistanceMiles,
		Slot:          best.slot,
		BookedAt:      time.Now().UTC(),
	}
	if err := store.WriteBooking(ctx, s.store, booking); err != nil {
		s.logger.Warn("scheduler: booking write failed", "error", err)
	}
	_, err := s.bus.Publish(ctx, model.EventBookingUpdated, booking)
	return err
}

// interval returns the current loop cadence.
func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boosted {
		return s.boostInterval
	}
	return s.recheckInterval
}

// RunLoop is the background re-check loop. Only one instance ever runs;
// re-entry returns immediately. The loop never terminates on a bad tick —
// failures are swallowed and retried on the next interval.
func (s *Scheduler) RunLoop(ctx context.Context) error {
	if !s.loopRunning.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler: loop already running, ignoring duplicate start")
		return nil
	}
	defer s.loopRunning.Store(false)

	s.logger.Info("scheduler: background loop started", "interval", s.recheckInterval)
	for {
		t := s.clock.Timer(s.interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// tick rebooks when a strictly earlier slot than the current booking
// exists. Without a current booking it does nothing: only REQUEST_BOOKING
// creates the first one.
func (s *Scheduler) tick(ctx context.Context) {
	current, err := store.ReadBooking(ctx, s.store)
	if err != nil {
		// Includes the no-booking-yet case. Nothing to improve on.
		return
	}
	currentAt, err := time.Parse(time.RFC3339, current.Slot)
	if err != nil {
		s.logger.Warn("scheduler: current booking slot unparsable, skipping tick", "slot", current.Slot)
		return
	}

	best := pickEarliestSlot(s.offers.Offers())
	if best == nil || !best.at.Before(currentAt) {
		return
	}

	s.logger.Info("scheduler: earlier slot found, rebooking",
		"current", current.Slot, "better", best.slot, "clinic", best.offer.ClinicName)
	if err := s.book(ctx, *best); err != nil {
		s.logger.Warn("scheduler: rebooking failed, will retry next tick", "error", err)
	}
}

// pickEarliestSlot selects the clinic/slot pair with the globally minimal
// parseable timestamp. Ties keep the first pair encountered; unparsable
// timestamps are excluded from consideration.
func pickEarliestSlot(offers []model.ClinicSlotOffer) *slotCandidate {
	var best *slotCandidate
	for _, offer := range offers {
		for _, slot := range offer.Slots {
			at, err := time.Parse(time.RFC3339, slot)
			if err != nil {
				continue
			}
			if best == nil || at.Before(best.at) {
				best = &slotCandidate{offer: offer, slot: slot, at: at}
			}
		}
	}
	return best
}
