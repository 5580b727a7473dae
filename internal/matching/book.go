// Package matching implements the in-memory order book and matching
// engine described in spec.md §4.7: one double-sided book per active
// epoch, price-time priority, periodic clearing.
package matching

import (
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
)

// DepthLevel is one aggregated price level in a depth snapshot.
type DepthLevel struct {
	Price  float64
	Amount float64
}

// Snapshot is a point-in-time, read-only copy of a book's state.
type Snapshot struct {
	EpochID uuid.UUID
	Bids    []domain.TradingOrder
	Asks    []domain.TradingOrder
}

// book is the in-memory double-sided order book for one epoch. The buy
// side is ordered by descending price then ascending arrival; the sell
// side by ascending price then ascending arrival. Ties on price are
// broken only by arrival, never by user or amount.
//
// Orders are kept in two slices, sorted on insert via binary search.
// Cancellation is a linear scan by id; book sizes within a single epoch
// are small enough (bounded by one epoch's order flow) that this beats
// the bookkeeping cost of a balanced tree for every insert.
type book struct {
	mu   sync.RWMutex
	buys []*domain.TradingOrder
	asks []*domain.TradingOrder
}

func newBook() *book {
	return &book{}
}

// less reports whether a sorts before b on a given side.
func lessBuy(a, b *domain.TradingOrder) bool {
	pa, pb := price(a), price(b)
	if pa != pb {
		return pa > pb // descending price
	}
	return a.ArrivalSeq < b.ArrivalSeq
}

func lessAsk(a, b *domain.TradingOrder) bool {
	pa, pb := price(a), price(b)
	if pa != pb {
		return pa < pb // ascending price
	}
	return a.ArrivalSeq < b.ArrivalSeq
}

// price returns the order's limit price, treating a market order as
// always crossing (buy: +Inf, sell: -Inf) so it sorts to the front of
// its side.
func price(o *domain.TradingOrder) float64 {
	if o.PricePerKWh != nil {
		return *o.PricePerKWh
	}
	if o.Side == domain.SideBuy {
		return math.Inf(1)
	}
	return math.Inf(-1)
}

// insert adds an order to its side in sorted order, O(log N) to find the
// slot and O(N) to shift, amortized over typical order flow per epoch.
func (bk *book) insert(o *domain.TradingOrder) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	if o.Side == domain.SideBuy {
		idx := sort.Search(len(bk.buys), func(i int) bool { return lessBuy(o, bk.buys[i]) })
		bk.buys = append(bk.buys, nil)
		copy(bk.buys[idx+1:], bk.buys[idx:])
		bk.buys[idx] = o
		return
	}
	idx := sort.Search(len(bk.asks), func(i int) bool { return lessAsk(o, bk.asks[i]) })
	bk.asks = append(bk.asks, nil)
	copy(bk.asks[idx+1:], bk.asks[idx:])
	bk.asks[idx] = o
}

// cancel removes an order by id from whichever side holds it.
func (bk *book) cancel(orderID uuid.UUID) (*domain.TradingOrder, bool) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	for i, o := range bk.buys {
		if o.ID == orderID {
			bk.buys = append(bk.buys[:i], bk.buys[i+1:]...)
			return o, true
		}
	}
	for i, o := range bk.asks {
		if o.ID == orderID {
			bk.asks = append(bk.asks[:i], bk.asks[i+1:]...)
			return o, true
		}
	}
	return nil, false
}

// removeFilled drops an order from its side once fully filled.
func (bk *book) removeFilled(o *domain.TradingOrder) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	side := &bk.asks
	if o.Side == domain.SideBuy {
		side = &bk.buys
	}
	for i, cur := range *side {
		if cur.ID == o.ID {
			*side = append((*side)[:i], (*side)[i+1:]...)
			return
		}
	}
}

// bestBid returns the highest-priority buy order, or nil if the buy side
// is empty.
func (bk *book) bestBid() *domain.TradingOrder {
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	if len(bk.buys) == 0 {
		return nil
	}
	return bk.buys[0]
}

// bestAsk returns the highest-priority sell order, or nil if the sell
// side is empty.
func (bk *book) bestAsk() *domain.TradingOrder {
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	if len(bk.asks) == 0 {
		return nil
	}
	return bk.asks[0]
}

// depth aggregates the top N price levels on each side by summing
// remaining amounts at each distinct price.
func (bk *book) depth(levels int) (bids, asks []DepthLevel) {
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	return aggregate(bk.buys, levels), aggregate(bk.asks, levels)
}

func aggregate(orders []*domain.TradingOrder, levels int) []DepthLevel {
	var out []DepthLevel
	for _, o := range orders {
		p := price(o)
		if n := len(out); n > 0 && out[n-1].Price == p {
			out[n-1].Amount += o.Remaining()
			continue
		}
		if len(out) >= levels {
			break
		}
		out = append(out, DepthLevel{Price: p, Amount: o.Remaining()})
	}
	return out
}

// snapshot returns a read-only copy of both sides, safe to hand to a
// caller without holding the book's lock.
func (bk *book) snapshot(epochID uuid.UUID) Snapshot {
	bk.mu.RLock()
	defer bk.mu.RUnlock()

	snap := Snapshot{EpochID: epochID}
	for _, o := range bk.buys {
		snap.Bids = append(snap.Bids, *o)
	}
	for _, o := range bk.asks {
		snap.Asks = append(snap.Asks, *o)
	}
	return snap
}
