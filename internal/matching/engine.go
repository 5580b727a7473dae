package matching

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/eventbus"
	"github.com/r3e-network/gridtokenx-gateway/internal/lock"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// priceDecimals is the storage precision match prices are rounded to
// (spec.md §4.7's "two-decimal rounding policy").
const priceDecimals = 2

// epochBook pairs an in-memory book with the engine-local arrival
// counter seeded on load/restart recovery.
type epochBook struct {
	book    *book
	arrival int64 // accessed via atomic
}

// Engine is the Matching Engine (spec.md §4.7): one in-memory order book
// per active epoch, with a single-writer-per-epoch lock shared across
// gateway processes.
type Engine struct {
	st    *store.Store
	bus   *eventbus.Bus
	locks *lock.Service
	log   *logging.Logger

	mu     sync.RWMutex
	epochs map[uuid.UUID]*epochBook
}

// New constructs an Engine.
func New(st *store.Store, bus *eventbus.Bus, locks *lock.Service, log *logging.Logger) *Engine {
	return &Engine{
		st:     st,
		bus:    bus,
		locks:  locks,
		log:    log,
		epochs: make(map[uuid.UUID]*epochBook),
	}
}

// LoadEpoch performs restart recovery for one epoch (spec.md §4.7
// "Restart recovery"): every order in {open, partially_filled} is
// loaded into memory in original arrival order, and the in-memory
// arrival counter is seeded one past the maximum observed.
func (e *Engine) LoadEpoch(ctx context.Context, epochID uuid.UUID) error {
	orders, err := e.st.ListOpenOrders(ctx, epochID)
	if err != nil {
		return err
	}
	maxSeq, err := e.st.MaxArrivalSeq(ctx, epochID)
	if err != nil {
		return err
	}

	eb := &epochBook{book: newBook(), arrival: maxSeq}
	for i := range orders {
		eb.book.insert(&orders[i])
	}

	e.mu.Lock()
	e.epochs[epochID] = eb
	e.mu.Unlock()
	return nil
}

func (e *Engine) epochBookFor(epochID uuid.UUID) *epochBook {
	e.mu.RLock()
	eb, ok := e.epochs[epochID]
	e.mu.RUnlock()
	if ok {
		return eb
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if eb, ok := e.epochs[epochID]; ok {
		return eb
	}
	eb = &epochBook{book: newBook()}
	e.epochs[epochID] = eb
	return eb
}

// SubmitOrder implements ingestor.OrderSubmitter: it durably persists the
// order, assigns its arrival sequence, and inserts it into the live book
// for its epoch. Order submissions from the REST handlers go through the
// same path.
func (e *Engine) SubmitOrder(ctx context.Context, order *domain.TradingOrder) error {
	handle, err := e.locks.Acquire(ctx, "matching", order.EpochID.String())
	if err != nil {
		return err
	}
	defer e.locks.Release(ctx, handle)

	eb := e.epochBookFor(order.EpochID)

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Status == "" {
		order.Status = domain.OrderOpen
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.ArrivalSeq = atomic.AddInt64(&eb.arrival, 1)

	if err := e.st.InsertOrder(ctx, order); err != nil {
		return err
	}
	eb.book.insert(order)

	e.bus.Publish(eventbus.Event{Type: eventbus.OrderCreated, Payload: *order})
	return nil
}

// CancelOrder removes an order from the live book and marks it cancelled
// in storage.
func (e *Engine) CancelOrder(ctx context.Context, epochID, orderID uuid.UUID) error {
	handle, err := e.locks.Acquire(ctx, "matching", epochID.String())
	if err != nil {
		return err
	}
	defer e.locks.Release(ctx, handle)

	eb := e.epochBookFor(epochID)
	if _, ok := eb.book.cancel(orderID); !ok {
		return gwerrors.NotFound("order", orderID.String())
	}
	return e.st.CancelOrder(ctx, orderID)
}

// BestBid returns the current best buy order for an epoch, or nil.
func (e *Engine) BestBid(epochID uuid.UUID) *domain.TradingOrder {
	return e.epochBookFor(epochID).book.bestBid()
}

// BestAsk returns the current best sell order for an epoch, or nil.
func (e *Engine) BestAsk(epochID uuid.UUID) *domain.TradingOrder {
	return e.epochBookFor(epochID).book.bestAsk()
}

// Depth returns the top N aggregated price levels on each side.
func (e *Engine) Depth(epochID uuid.UUID, levels int) (bids, asks []DepthLevel) {
	return e.epochBookFor(epochID).book.depth(levels)
}

// Snapshot returns a read-only copy of the full book for an epoch.
func (e *Engine) Snapshot(epochID uuid.UUID) Snapshot {
	return e.epochBookFor(epochID).book.snapshot(epochID)
}

// Run executes one clearing pass for an epoch (spec.md §4.7 "Matching
// algorithm"): while the best bid crosses the best ask, match at the
// midpoint price for the smaller remaining amount, persist the fill, and
// update both orders in the live book. Invoked by the Epoch Scheduler at
// epoch end (and may also be invoked mid-epoch where a caller wants
// continuous clearing).
func (e *Engine) Run(ctx context.Context, epochID uuid.UUID) ([]domain.OrderMatch, error) {
	handle, err := e.locks.Acquire(ctx, "matching", epochID.String())
	if err != nil {
		return nil, err
	}
	defer e.locks.Release(ctx, handle)

	eb := e.epochBookFor(epochID)
	var matches []domain.OrderMatch
	var totalVolume, totalValue float64

	for {
		bid := eb.book.bestBid()
		ask := eb.book.bestAsk()
		if bid == nil || ask == nil {
			break
		}
		bidPrice, askPrice := price(bid), price(ask)
		if bidPrice < askPrice {
			break
		}

		matchPrice := roundHalfEven((bidPrice+askPrice)/2, priceDecimals)
		matchQty := math.Min(bid.Remaining(), ask.Remaining())
		if matchQty <= 0 {
			break
		}

		m := domain.OrderMatch{
			ID:            uuid.New(),
			EpochID:       epochID,
			BuyOrderID:    bid.ID,
			SellOrderID:   ask.ID,
			MatchedAmount: matchQty,
			MatchPrice:    matchPrice,
			MatchTime:     time.Now().UTC(),
			Status:        domain.MatchPending,
		}
		if err := e.st.InsertMatch(ctx, &m); err != nil {
			return matches, err
		}

		bid.Filled += matchQty
		ask.Filled += matchQty
		totalVolume += matchQty
		totalValue += matchQty * matchPrice

		if bid.Remaining() <= 0 {
			bid.Status = domain.OrderFilled
			eb.book.removeFilled(bid)
		} else {
			bid.Status = domain.OrderPartiallyFilled
		}
		if ask.Remaining() <= 0 {
			ask.Status = domain.OrderFilled
			eb.book.removeFilled(ask)
		} else {
			ask.Status = domain.OrderPartiallyFilled
		}

		matches = append(matches, m)
		e.bus.Publish(eventbus.Event{Type: eventbus.OrderMatched, Payload: m})
	}

	if totalVolume > 0 {
		clearingPrice := totalValue / totalVolume
		if err := e.st.SetEpochClearingPrice(ctx, epochID, clearingPrice); err != nil {
			return matches, err
		}
	}

	return matches, nil
}

// roundHalfEven rounds v to the given number of decimal places using
// banker's rounding, per spec.md §4.7's storage-precision policy.
func roundHalfEven(v float64, decimals int) float64 {
	shift := math.Pow10(decimals)
	scaled := v * shift
	floor := math.Floor(scaled)
	diff := scaled - floor

	var rounded float64
	switch {
	case diff < 0.5:
		rounded = floor
	case diff > 0.5:
		rounded = floor + 1
	default:
		if math.Mod(floor, 2) == 0 {
			rounded = floor
		} else {
			rounded = floor + 1
		}
	}
	return rounded / shift
}
