package matching

import (
	"testing"

	"github.com/google/uuid"

	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
)

func newOrder(side domain.OrderSide, price float64, arrival int64) *domain.TradingOrder {
	p := price
	return &domain.TradingOrder{
		ID:           uuid.New(),
		Side:         side,
		Type:         domain.OrderLimit,
		EnergyAmount: 10,
		PricePerKWh:  &p,
		Status:       domain.OrderOpen,
		ArrivalSeq:   arrival,
	}
}

func TestBookBuySideOrdersByDescendingPriceThenArrival(t *testing.T) {
	bk := newBook()
	bk.insert(newOrder(domain.SideBuy, 5.0, 1))
	bk.insert(newOrder(domain.SideBuy, 7.0, 2))
	bk.insert(newOrder(domain.SideBuy, 7.0, 3))

	if got := bk.bestBid().PricePerKWh; *got != 7.0 {
		t.Fatalf("expected best bid price 7.0, got %v", *got)
	}
	if bk.buys[1].ArrivalSeq != 2 {
		t.Fatalf("expected arrival tiebreak to keep seq 2 ahead of seq 3, got %d", bk.buys[1].ArrivalSeq)
	}
}

func TestBookSellSideOrdersByAscendingPriceThenArrival(t *testing.T) {
	bk := newBook()
	bk.insert(newOrder(domain.SideSell, 9.0, 1))
	bk.insert(newOrder(domain.SideSell, 4.0, 2))
	bk.insert(newOrder(domain.SideSell, 4.0, 3))

	if got := bk.bestAsk().PricePerKWh; *got != 4.0 {
		t.Fatalf("expected best ask price 4.0, got %v", *got)
	}
	if bk.asks[0].ArrivalSeq != 2 {
		t.Fatalf("expected arrival tiebreak to put seq 2 first, got %d", bk.asks[0].ArrivalSeq)
	}
}

func TestBookCancelRemovesOrder(t *testing.T) {
	bk := newBook()
	o := newOrder(domain.SideBuy, 5.0, 1)
	bk.insert(o)

	removed, ok := bk.cancel(o.ID)
	if !ok || removed.ID != o.ID {
		t.Fatalf("expected cancel to find and remove order %s", o.ID)
	}
	if bk.bestBid() != nil {
		t.Fatalf("expected empty book after cancelling only order")
	}
}

func TestBookDepthAggregatesByPriceLevel(t *testing.T) {
	bk := newBook()
	bk.insert(newOrder(domain.SideBuy, 5.0, 1))
	bk.insert(newOrder(domain.SideBuy, 5.0, 2))
	bk.insert(newOrder(domain.SideBuy, 4.0, 3))

	bids, _ := bk.depth(10)
	if len(bids) != 2 {
		t.Fatalf("expected 2 aggregated levels, got %d", len(bids))
	}
	if bids[0].Price != 5.0 || bids[0].Amount != 20 {
		t.Fatalf("expected top level price=5.0 amount=20, got %+v", bids[0])
	}
}

func TestBookSnapshotIsIndependentCopy(t *testing.T) {
	bk := newBook()
	bk.insert(newOrder(domain.SideBuy, 5.0, 1))

	epoch := uuid.New()
	snap := bk.snapshot(epoch)
	if len(snap.Bids) != 1 || snap.EpochID != epoch {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	bk.cancel(snap.Bids[0].ID)
	if len(snap.Bids) != 1 {
		t.Fatalf("snapshot should not observe mutations to the live book")
	}
}
