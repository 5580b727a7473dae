// Package dashboard implements the Dashboard Aggregator (spec.md §4.11):
// it subscribes to MeterReadingReceived, keeps rolling per-zone and
// global generation/consumption sums, and periodically emits a GridStatus
// snapshot onto the Event Bus while retaining a bounded history.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/eventbus"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// ZoneStatus is one zone's rolling generation/consumption totals.
type ZoneStatus struct {
	Generation  float64 `json:"generation_kwh"`
	Consumption float64 `json:"consumption_kwh"`
}

// GridStatus is one published/retained aggregate snapshot.
type GridStatus struct {
	Timestamp         time.Time             `json:"timestamp"`
	GlobalGeneration  float64               `json:"global_generation_kwh"`
	GlobalConsumption float64               `json:"global_consumption_kwh"`
	Zones             map[string]ZoneStatus `json:"zones"`
}

// Config tunes emission cadence and retained history depth.
type Config struct {
	TickInterval      time.Duration
	HistoryHorizon    time.Duration
	HistoryResolution time.Duration
}

// DefaultConfig matches spec.md §4.11's defaults: emit every second,
// retain 24h of history at one-minute resolution.
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second,
		HistoryHorizon:    24 * time.Hour,
		HistoryResolution: time.Minute,
	}
}

func (c Config) historyCapacity() int {
	n := int(c.HistoryHorizon / c.HistoryResolution)
	if n < 1 {
		n = 1
	}
	return n
}

// Aggregator is the Dashboard Aggregator.
type Aggregator struct {
	st  *store.Store
	bus *eventbus.Bus
	log *logging.Logger
	cfg Config

	mu         sync.Mutex
	zones      map[string]ZoneStatus
	zoneByMtr  map[string]string // meter serial -> zone id, memoized
	history    []GridStatus      // ring buffer, oldest first
	historyCap int
	lastSample time.Time
}

// New constructs an Aggregator.
func New(st *store.Store, bus *eventbus.Bus, log *logging.Logger, cfg Config) *Aggregator {
	return &Aggregator{
		st:         st,
		bus:        bus,
		log:        log,
		cfg:        cfg,
		zones:      make(map[string]ZoneStatus),
		zoneByMtr:  make(map[string]string),
		historyCap: cfg.historyCapacity(),
	}
}

// Run subscribes to the Event Bus and drives the periodic snapshot emit
// until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	sub := a.bus.Subscribe()
	defer a.bus.Unsubscribe(sub)

	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Type != eventbus.MeterReadingReceived {
				continue
			}
			reading, ok := evt.Payload.(*domain.MeterReading)
			if !ok {
				continue
			}
			a.onReading(ctx, reading)
		case now := <-ticker.C:
			a.emit(now)
		}
	}
}

// onReading folds one meter reading into its zone's and the global rolling
// sums: positive kWh is generation, negative is consumption.
func (a *Aggregator) onReading(ctx context.Context, reading *domain.MeterReading) {
	zoneID, err := a.resolveZone(ctx, reading.MeterSerial)
	if err != nil {
		a.log.WithError(err).Warn("dashboard: zone resolution failed, dropping reading from aggregate")
		return
	}
	a.onReadingLocked(zoneID, reading.KWh)
}

// onReadingLocked folds one zone's reading into its rolling sums.
func (a *Aggregator) onReadingLocked(zoneID string, kwh float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	zs := a.zones[zoneID]
	if kwh >= 0 {
		zs.Generation += kwh
	} else {
		zs.Consumption += -kwh
	}
	a.zones[zoneID] = zs
}

// resolveZone memoizes meter serial -> zone id so each reading after a
// meter's first does not cost a store round trip.
func (a *Aggregator) resolveZone(ctx context.Context, serial string) (string, error) {
	a.mu.Lock()
	if zoneID, ok := a.zoneByMtr[serial]; ok {
		a.mu.Unlock()
		return zoneID, nil
	}
	a.mu.Unlock()

	meter, err := a.st.GetMeterBySerial(ctx, serial)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.zoneByMtr[serial] = meter.ZoneID
	a.mu.Unlock()
	return meter.ZoneID, nil
}

// emit publishes the current aggregate as a GridStatus event and appends
// it to the bounded history ring buffer.
func (a *Aggregator) emit(now time.Time) {
	a.mu.Lock()
	snapshot := GridStatus{
		Timestamp: now.UTC(),
		Zones:     make(map[string]ZoneStatus, len(a.zones)),
	}
	for id, zs := range a.zones {
		snapshot.Zones[id] = zs
		snapshot.GlobalGeneration += zs.Generation
		snapshot.GlobalConsumption += zs.Consumption
	}
	a.appendHistory(snapshot)
	a.lastSample = now
	a.mu.Unlock()

	a.bus.Publish(eventbus.Event{Type: eventbus.GridStatus, Payload: snapshot})
}

// appendHistory must be called with a.mu held. It downsamples to the
// configured resolution by only retaining one snapshot per resolution
// window, then truncates to historyCap, dropping the oldest entries.
func (a *Aggregator) appendHistory(snapshot GridStatus) {
	if len(a.history) > 0 {
		last := a.history[len(a.history)-1]
		if snapshot.Timestamp.Sub(last.Timestamp) < a.cfg.HistoryResolution {
			a.history[len(a.history)-1] = snapshot
			return
		}
	}

	a.history = append(a.history, snapshot)
	if len(a.history) > a.historyCap {
		a.history = a.history[len(a.history)-a.historyCap:]
	}
}

// History returns a copy of the retained snapshot history, oldest first.
func (a *Aggregator) History() []GridStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]GridStatus, len(a.history))
	copy(out, a.history)
	return out
}

// Current returns the live (not yet emitted) aggregate without waiting
// for the next tick.
func (a *Aggregator) Current() GridStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := GridStatus{
		Timestamp: time.Now().UTC(),
		Zones:     make(map[string]ZoneStatus, len(a.zones)),
	}
	for id, zs := range a.zones {
		snapshot.Zones[id] = zs
		snapshot.GlobalGeneration += zs.Generation
		snapshot.GlobalConsumption += zs.Consumption
	}
	return snapshot
}
