// Package scheduler drives the Epoch Scheduler state machine (spec.md
// §4.8): pending -> active -> cleared -> settled, with an admin override
// to expired at any point.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/eventbus"
	"github.com/r3e-network/gridtokenx-gateway/internal/lock"
	"github.com/r3e-network/gridtokenx-gateway/internal/matching"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// Settler hands matching-engine output to the Settlement Pipeline. The
// interface keeps scheduler free of an import cycle with
// internal/settlement, which itself depends on internal/store,
// internal/ledger, and internal/matching's output types.
type Settler interface {
	Settle(ctx context.Context, match domain.OrderMatch) error
	RetrySweep(ctx context.Context) error
}

// Config tunes epoch duration and tick cadence.
type Config struct {
	EpochDuration         time.Duration
	SettlementRetryPeriod time.Duration
}

// DefaultConfig matches spec.md §4.8's default 15 minute epoch.
func DefaultConfig() Config {
	return Config{
		EpochDuration:         15 * time.Minute,
		SettlementRetryPeriod: 5 * time.Second,
	}
}

// Scheduler owns the epoch lifecycle and the periodic settlement retry
// sweep.
type Scheduler struct {
	st      *store.Store
	engine  *matching.Engine
	settler Settler
	locks   *lock.Service
	bus     *eventbus.Bus
	log     *logging.Logger
	cfg     Config

	cron *cron.Cron
}

// New constructs a Scheduler.
func New(st *store.Store, engine *matching.Engine, settler Settler, locks *lock.Service, bus *eventbus.Bus, log *logging.Logger, cfg Config) *Scheduler {
	return &Scheduler{st: st, engine: engine, settler: settler, locks: locks, bus: bus, log: log, cfg: cfg}
}

// Start bootstraps the current epoch (creating the first one if none
// exists), loads the matching engine for whichever epoch is active, and
// registers the periodic ticks that drive the state machine and the
// settlement retry sweep.
func (sch *Scheduler) Start(ctx context.Context) error {
	if err := sch.bootstrap(ctx); err != nil {
		return err
	}

	sch.cron = cron.New()
	if _, err := sch.cron.AddFunc("@every 1s", func() { sch.tick(context.Background()) }); err != nil {
		return gwerrors.Internal("register epoch tick", err)
	}
	if _, err := sch.cron.AddFunc("@every "+sch.cfg.SettlementRetryPeriod.String(), func() {
		if err := sch.settler.RetrySweep(context.Background()); err != nil {
			sch.log.WithError(err).Warn("settlement retry sweep failed")
		}
		sch.sweepStalledMatches(context.Background())
	}); err != nil {
		return gwerrors.Internal("register settlement retry sweep", err)
	}
	sch.cron.Start()
	return nil
}

// Stop halts the cron driver. Already-running tick invocations are
// allowed to finish.
func (sch *Scheduler) Stop() {
	if sch.cron != nil {
		<-sch.cron.Stop().Done()
	}
}

// bootstrap ensures exactly one active (or about-to-be-active) epoch
// exists, loading the matching engine's in-memory book for it — this is
// spec.md §4.7's "Restart recovery" entry point.
func (sch *Scheduler) bootstrap(ctx context.Context) error {
	sch.sweepStalledMatches(ctx)

	active, err := sch.st.GetActiveEpoch(ctx)
	if err == nil {
		return sch.engine.LoadEpoch(ctx, active.ID)
	}
	if !gwerrors.IsNotFound(err) {
		return err
	}

	pending, err := sch.st.GetEpochByStatus(ctx, domain.EpochPending)
	if err == nil {
		return sch.activate(ctx, pending)
	}
	if !gwerrors.IsNotFound(err) {
		return err
	}

	return sch.createNextEpoch(ctx, time.Now().UTC())
}

// tick is invoked every second and advances whichever epoch(s) have
// crossed a state boundary. Polling at a fixed short interval (rather
// than scheduling a one-shot timer per epoch) mirrors how the teacher's
// own automation scheduler drives time-based transitions.
func (sch *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	if pending, err := sch.st.GetEpochByStatus(ctx, domain.EpochPending); err == nil {
		if !now.Before(pending.StartTime) {
			if err := sch.activate(ctx, pending); err != nil {
				sch.log.WithError(err).Warn("epoch activation failed")
			}
		}
	} else if !gwerrors.IsNotFound(err) {
		sch.log.WithError(err).Warn("lookup pending epoch failed")
	}

	if active, err := sch.st.GetActiveEpoch(ctx); err == nil {
		if !now.Before(active.EndTime) {
			if err := sch.clear(ctx, active); err != nil {
				sch.log.WithError(err).Warn("epoch clearing failed")
			}
		}
	} else if !gwerrors.IsNotFound(err) {
		sch.log.WithError(err).Warn("lookup active epoch failed")
	}

	if cleared, err := sch.st.GetEpochByStatus(ctx, domain.EpochCleared); err == nil {
		if err := sch.tryDrain(ctx, cleared); err != nil {
			sch.log.WithError(err).Warn("epoch drain check failed")
		}
	} else if !gwerrors.IsNotFound(err) {
		sch.log.WithError(err).Warn("lookup cleared epoch failed")
	}
}

func (sch *Scheduler) activate(ctx context.Context, epoch *domain.MarketEpoch) error {
	if err := sch.st.SetEpochStatus(ctx, epoch.ID, domain.EpochActive); err != nil {
		return err
	}
	if err := sch.engine.LoadEpoch(ctx, epoch.ID); err != nil {
		return err
	}
	sch.bus.Publish(eventbus.Event{Type: eventbus.OrderBookSnapshot, Payload: sch.engine.Snapshot(epoch.ID)})
	return nil
}

// clear runs the final matching pass for an ending epoch (spec.md §4.8:
// "acquires market_clearing:<epoch>, invokes the matching engine one
// final time for tail matches, then hands the generated matches to the
// Settlement Pipeline"), then prepares the next pending epoch so there
// is always exactly one future epoch queued.
func (sch *Scheduler) clear(ctx context.Context, epoch *domain.MarketEpoch) error {
	handle, err := sch.locks.Acquire(ctx, "market_clearing", epoch.ID.String())
	if err != nil {
		return err
	}
	defer sch.locks.Release(ctx, handle)

	matches, err := sch.engine.Run(ctx, epoch.ID)
	if err != nil {
		return err
	}
	if err := sch.st.CancelOpenOrders(ctx, epoch.ID); err != nil {
		return err
	}
	if err := sch.st.SetEpochStatus(ctx, epoch.ID, domain.EpochCleared); err != nil {
		return err
	}

	for _, m := range matches {
		if err := sch.settler.Settle(ctx, m); err != nil {
			sch.log.WithError(err).Warn("settlement dispatch failed")
		}
	}

	return sch.createNextEpoch(ctx, epoch.EndTime)
}

// sweepStalledMatches re-dispatches matches whose epoch has already
// cleared but that never reached a terminal {settled, failed} status: a
// match clear() handed to Settle but that failed before a Settlement row
// ever got inserted (e.g. a GetZoneCost error or lock contention on
// settlement:<seller>), or one left mid-flight by a crash. Settle is
// idempotent against a match that already has a Settlement in progress
// (see settlement.Pipeline.loadOrBuildSettlement), so redispatching here
// never double-inserts or double-submits for a dispatch that is merely
// slow rather than lost. Run on the same cadence as the settlement retry
// sweep, and once at startup so a crash mid-epoch doesn't strand matches
// until the next tick.
func (sch *Scheduler) sweepStalledMatches(ctx context.Context) {
	stalled, err := sch.st.ListStalledMatches(ctx)
	if err != nil {
		sch.log.WithError(err).Warn("list stalled matches failed")
		return
	}
	for _, m := range stalled {
		if err := sch.settler.Settle(ctx, m); err != nil {
			sch.log.WithError(err).Warn("stalled match settlement dispatch failed")
		}
	}
}

// tryDrain transitions a cleared epoch to settled once every match it
// produced has reached {settled, failed}.
func (sch *Scheduler) tryDrain(ctx context.Context, epoch *domain.MarketEpoch) error {
	pending, err := sch.st.ListPendingMatches(ctx, epoch.ID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}
	return sch.st.SetEpochStatus(ctx, epoch.ID, domain.EpochSettled)
}

// createNextEpoch inserts the next pending epoch starting at startTime,
// numbered one past the highest epoch seen so far. A no-op if a pending
// epoch already exists.
func (sch *Scheduler) createNextEpoch(ctx context.Context, startTime time.Time) error {
	if _, err := sch.st.GetEpochByStatus(ctx, domain.EpochPending); err == nil {
		return nil
	} else if !gwerrors.IsNotFound(err) {
		return err
	}

	number, err := sch.st.LatestEpochNumber(ctx)
	if err != nil {
		return err
	}

	epoch := &domain.MarketEpoch{
		ID:        uuid.New(),
		Number:    number + 1,
		StartTime: startTime,
		EndTime:   startTime.Add(sch.cfg.EpochDuration),
		Status:    domain.EpochPending,
	}
	return sch.st.InsertEpoch(ctx, epoch)
}

// Expire sets any epoch to expired regardless of its current state, the
// admin override path in spec.md §4.8's state diagram.
func (sch *Scheduler) Expire(ctx context.Context, epochID uuid.UUID) error {
	return sch.st.SetEpochStatus(ctx, epochID, domain.EpochExpired)
}

// TriggerClearing forces the clearing transition for epochID immediately
// rather than waiting for its EndTime to pass, the admin override spec.md
// §6 names as `POST /admin/epochs/{id}/trigger`.
func (sch *Scheduler) TriggerClearing(ctx context.Context, epochID uuid.UUID) error {
	epoch, err := sch.st.GetActiveEpoch(ctx)
	if err != nil {
		return err
	}
	if epoch.ID != epochID {
		return gwerrors.EpochNotActive(epochID.String(), string(epoch.Status))
	}
	return sch.clear(ctx, epoch)
}
