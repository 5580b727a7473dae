package dashboard

import (
	"testing"
	"time"
)

func newAggregator(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:        cfg,
		zones:      make(map[string]ZoneStatus),
		zoneByMtr:  make(map[string]string),
		historyCap: cfg.historyCapacity(),
	}
}

func TestAppendHistoryDownsamplesWithinResolutionWindow(t *testing.T) {
	a := newAggregator(Config{HistoryResolution: time.Minute, HistoryHorizon: time.Hour})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.appendHistory(GridStatus{Timestamp: base, GlobalGeneration: 1})
	a.appendHistory(GridStatus{Timestamp: base.Add(10 * time.Second), GlobalGeneration: 2})
	a.appendHistory(GridStatus{Timestamp: base.Add(70 * time.Second), GlobalGeneration: 3})

	if len(a.history) != 2 {
		t.Fatalf("expected 2 retained samples, got %d", len(a.history))
	}
	if a.history[0].GlobalGeneration != 2 {
		t.Fatalf("expected the first window's last sample to win (2), got %v", a.history[0].GlobalGeneration)
	}
	if a.history[1].GlobalGeneration != 3 {
		t.Fatalf("expected second window's sample to be 3, got %v", a.history[1].GlobalGeneration)
	}
}

func TestAppendHistoryTruncatesToCapacity(t *testing.T) {
	a := newAggregator(Config{HistoryResolution: time.Minute, HistoryHorizon: 3 * time.Minute})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a.appendHistory(GridStatus{Timestamp: base.Add(time.Duration(i) * time.Minute), GlobalGeneration: float64(i)})
	}

	if len(a.history) != 3 {
		t.Fatalf("expected history truncated to capacity 3, got %d", len(a.history))
	}
	if a.history[0].GlobalGeneration != 2 {
		t.Fatalf("expected oldest retained sample to be index 2, got %v", a.history[0].GlobalGeneration)
	}
	if a.history[len(a.history)-1].GlobalGeneration != 4 {
		t.Fatalf("expected newest sample to be index 4, got %v", a.history[len(a.history)-1].GlobalGeneration)
	}
}

func TestOnReadingSplitsByGenerationAndConsumptionSign(t *testing.T) {
	a := newAggregator(DefaultConfig())
	a.zoneByMtr["meter-1"] = "zone-a"

	a.onReadingLocked("zone-a", 5.0)
	a.onReadingLocked("zone-a", -2.0)

	zs := a.zones["zone-a"]
	if zs.Generation != 5.0 {
		t.Fatalf("expected generation 5.0, got %v", zs.Generation)
	}
	if zs.Consumption != 2.0 {
		t.Fatalf("expected consumption 2.0, got %v", zs.Consumption)
	}
}

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TickInterval != time.Second {
		t.Fatalf("expected 1s tick interval, got %v", cfg.TickInterval)
	}
	if cfg.HistoryHorizon != 24*time.Hour || cfg.HistoryResolution != time.Minute {
		t.Fatalf("unexpected history bounds: %+v", cfg)
	}
	if cfg.historyCapacity() != 24*60 {
		t.Fatalf("expected 1440 retained samples, got %d", cfg.historyCapacity())
	}
}
