// Package settlement implements the Settlement Pipeline (spec.md §4.9):
// turns a pending OrderMatch into a completed on-ledger token transfer
// between buyer and seller, net of platform fee and cross-zone wheeling
// cost, with bounded exponential-backoff confirmation polling and a
// retry sweep for anything left mid-flight.
package settlement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/eventbus"
	"github.com/r3e-network/gridtokenx-gateway/internal/keystore"
	"github.com/r3e-network/gridtokenx-gateway/internal/ledger"
	"github.com/r3e-network/gridtokenx-gateway/internal/lock"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// RecIssuer requests automated REC issuance for a completed settlement.
// Settlement depends on this seam rather than internal/rec directly so
// the two packages don't form an import cycle (REC issuance records
// reference Settlement, not the other way around).
type RecIssuer interface {
	IssueForSettlement(ctx context.Context, sellerID, meterID, settlementID uuid.UUID, kwhAmount float64) error
}

// Config tunes the fee rate and confirmation-polling/retry bounds.
type Config struct {
	FeeRate          float64
	TokenMintAddress string

	PollBase         time.Duration
	PollFactor       float64
	PollCap          time.Duration
	PollMaxTry       int
	RetryMaxAttempts int
}

// DefaultConfig matches spec.md §4.9 step 6's defaults.
func DefaultConfig() Config {
	return Config{
		FeeRate:          0.01,
		PollBase:         500 * time.Millisecond,
		PollFactor:       2,
		PollCap:          8 * time.Second,
		PollMaxTry:       6,
		RetryMaxAttempts: 3,
	}
}

// Pipeline is the Settlement Pipeline.
type Pipeline struct {
	st        *store.Store
	bus       *eventbus.Bus
	locks     *lock.Service
	chain     ledger.Adapter
	authority *keystore.AuthorityKey
	rec       RecIssuer
	log       *logging.Logger
	cfg       Config
}

// New constructs a Pipeline.
func New(st *store.Store, bus *eventbus.Bus, locks *lock.Service, chain ledger.Adapter, authority *keystore.AuthorityKey, log *logging.Logger, cfg Config) *Pipeline {
	return &Pipeline{st: st, bus: bus, locks: locks, chain: chain, authority: authority, log: log, cfg: cfg}
}

// SetRecIssuer wires the REC Service once it is constructed, mirroring
// the ingestor.OrderSubmitter late-binding pattern used for the matching
// engine.
func (p *Pipeline) SetRecIssuer(rec RecIssuer) {
	p.rec = rec
}

// Settle runs the full settlement flow for one pending match (spec.md
// §4.9 steps 1-7), serialized per seller via the settlement:<seller>
// lock, the scarcer resource in a many-buyer/one-seller market. It is
// safe to call more than once for the same match: loadOrBuildSettlement
// resumes an in-flight Settlement row left by a prior call instead of
// inserting a duplicate, and the idempotency key passed to SubmitTransfer
// keeps a resumed call from submitting a second on-chain transfer for a
// match whose first attempt already went through.
func (p *Pipeline) Settle(ctx context.Context, match domain.OrderMatch) error {
	buyOrder, err := p.st.GetOrder(ctx, match.BuyOrderID)
	if err != nil {
		return err
	}
	sellOrder, err := p.st.GetOrder(ctx, match.SellOrderID)
	if err != nil {
		return err
	}

	handle, err := p.locks.Acquire(ctx, "settlement", sellOrder.UserID.String())
	if err != nil {
		return err
	}
	defer p.locks.Release(ctx, handle)

	st, err := p.loadOrBuildSettlement(ctx, &match, buyOrder, sellOrder)
	if err != nil {
		return err
	}
	if st == nil {
		// Another invocation already carried this match to a terminal
		// (completed/failed) state; nothing left to do.
		return nil
	}
	if st.LedgerTx != "" {
		return p.confirm(ctx, st, match.ID, st.LedgerTx, sellOrder)
	}

	buyer, err := p.st.GetUser(ctx, buyOrder.UserID)
	if err != nil {
		return err
	}
	seller, err := p.st.GetUser(ctx, sellOrder.UserID)
	if err != nil {
		return err
	}
	if buyer.WalletAddress == "" {
		return p.fail(ctx, st, match.ID, gwerrors.MissingWallet(buyer.ID.String()).Error())
	}
	if seller.WalletAddress == "" {
		return p.fail(ctx, st, match.ID, gwerrors.MissingWallet(seller.ID.String()).Error())
	}

	buyerAccount, err := p.chain.EnsureTokenAccount(ctx, buyer.WalletAddress, p.cfg.TokenMintAddress)
	if err != nil {
		return p.fail(ctx, st, match.ID, err.Error())
	}
	sellerAccount, err := p.chain.EnsureTokenAccount(ctx, seller.WalletAddress, p.cfg.TokenMintAddress)
	if err != nil {
		return p.fail(ctx, st, match.ID, err.Error())
	}

	amount, err := ledger.KWhToBaseUnits(st.EffectiveEnergy)
	if err != nil {
		return p.fail(ctx, st, match.ID, err.Error())
	}

	attempt := st.AttemptCount + 1
	idempotencyKey := fmt.Sprintf("%s:%d", match.ID, attempt)
	txID, err := p.chain.SubmitTransfer(ctx, p.authority, sellerAccount, buyerAccount, p.cfg.TokenMintAddress, amount, idempotencyKey)
	if err != nil {
		return p.fail(ctx, st, match.ID, err.Error())
	}
	if err := p.st.UpdateSettlementStatus(ctx, st.ID, domain.SettlementProcessing, "", txID, attempt); err != nil {
		return err
	}

	return p.confirm(ctx, st, match.ID, txID, sellOrder)
}

// loadOrBuildSettlement returns the Settlement row this call should drive
// forward. If the match already references one (inserted by an earlier,
// possibly crashed, call), that row is reused rather than rebuilt, so a
// redispatch from the scheduler's stalled-match sweep never creates a
// second Settlement for the same match. A nil, nil return means the match
// already reached a terminal status elsewhere and this call has nothing
// left to do.
func (p *Pipeline) loadOrBuildSettlement(ctx context.Context, match *domain.OrderMatch, buyOrder, sellOrder *domain.TradingOrder) (*domain.Settlement, error) {
	current, err := p.st.GetMatch(ctx, match.ID)
	if err != nil {
		return nil, err
	}

	if current.SettlementID == nil {
		st, err := p.buildSettlement(ctx, match, buyOrder, sellOrder)
		if err != nil {
			return nil, err
		}
		if err := p.st.InsertSettlement(ctx, st); err != nil {
			return nil, err
		}
		return st, nil
	}

	st, err := p.st.GetSettlement(ctx, *current.SettlementID)
	if err != nil {
		return nil, err
	}
	if st.Status == domain.SettlementCompleted || st.Status == domain.SettlementFailed {
		return nil, nil
	}
	return st, nil
}

// buildSettlement computes fees, cross-zone wheeling/loss, and net
// amount per spec.md §4.9 step 1.
func (p *Pipeline) buildSettlement(ctx context.Context, match *domain.OrderMatch, buyOrder, sellOrder *domain.TradingOrder) (*domain.Settlement, error) {
	totalAmount := match.MatchedAmount * match.MatchPrice
	feeAmount := totalAmount * p.cfg.FeeRate

	var wheeling, lossFactor float64
	effectiveEnergy := match.MatchedAmount
	if sellOrder.ZoneID != buyOrder.ZoneID {
		zc, err := p.st.GetZoneCost(ctx, sellOrder.ZoneID, buyOrder.ZoneID)
		if err != nil {
			return nil, err
		}
		if zc == nil {
			p.log.WithFields(map[string]interface{}{
				"seller_zone": sellOrder.ZoneID, "buyer_zone": buyOrder.ZoneID,
			}).Warn("no zone cost entry, degrading to zero wheeling/loss")
		} else {
			wheeling = zc.WheelingCost * match.MatchedAmount
			lossFactor = zc.LossFactor
			effectiveEnergy = match.MatchedAmount * (1 - lossFactor)
		}
	}

	netAmount := totalAmount - feeAmount - wheeling

	return &domain.Settlement{
		ID:              uuid.New(),
		EpochID:         match.EpochID,
		MatchID:         match.ID,
		BuyerID:         buyOrder.UserID,
		SellerID:        sellOrder.UserID,
		EnergyAmount:    match.MatchedAmount,
		PricePerKWh:     match.MatchPrice,
		TotalAmount:     totalAmount,
		FeeAmount:       feeAmount,
		WheelingCharge:  wheeling,
		LossFactor:      lossFactor,
		LossCost:        totalAmount * lossFactor,
		EffectiveEnergy: effectiveEnergy,
		BuyerZoneID:     buyOrder.ZoneID,
		SellerZoneID:    sellOrder.ZoneID,
		NetAmount:       netAmount,
		Status:          domain.SettlementPending,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// confirm polls signature_status with exponential backoff (spec.md §4.9
// step 6): base 500ms, factor 2, cap 8s, max 6 attempts, total bounded
// near 60s.
func (p *Pipeline) confirm(ctx context.Context, st *domain.Settlement, matchID uuid.UUID, txID string, sellOrder *domain.TradingOrder) error {
	delay := p.cfg.PollBase
	for attempt := 1; attempt <= p.cfg.PollMaxTry; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		status, err := p.chain.SignatureStatus(ctx, txID)
		if err != nil {
			p.log.WithError(err).Warn("signature status poll failed")
		} else {
			switch status {
			case ledger.StatusConfirmed:
				return p.complete(ctx, st, matchID, txID, sellOrder)
			case ledger.StatusFailed:
				return p.fail(ctx, st, matchID, "ledger transfer failed")
			}
		}

		delay = nextDelay(delay, p.cfg.PollFactor, p.cfg.PollCap)
	}

	// Still unknown/pending after the bound: leave processing with the
	// attempt recorded; the retry sweep picks it up next interval.
	return p.st.UpdateSettlementStatus(ctx, st.ID, domain.SettlementProcessing, "", txID, 1)
}

// nextDelay grows a poll interval by factor, capped at cap.
func nextDelay(delay time.Duration, factor float64, cap time.Duration) time.Duration {
	return time.Duration(math.Min(float64(delay)*factor, float64(cap)))
}

func (p *Pipeline) complete(ctx context.Context, st *domain.Settlement, matchID uuid.UUID, txID string, sellOrder *domain.TradingOrder) error {
	confirmedAt := time.Now().UTC()
	if err := p.st.CompleteSettlement(ctx, st.ID, matchID, txID, confirmedAt); err != nil {
		return err
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TradeExecuted, Payload: *st})

	if sellOrder.MeterID != nil && p.rec != nil {
		if err := p.rec.IssueForSettlement(ctx, sellOrder.UserID, *sellOrder.MeterID, st.ID, st.EnergyAmount); err != nil {
			p.log.WithError(err).Warn("automated REC issuance failed")
		}
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, st *domain.Settlement, matchID uuid.UUID, reason string) error {
	if err := p.st.UpdateSettlementStatus(ctx, st.ID, domain.SettlementFailed, reason, "", st.AttemptCount+1); err != nil {
		return err
	}
	return p.st.SetMatchStatus(ctx, matchID, domain.MatchFailed)
}

// RetrySweep implements scheduler.Settler: it re-polls every settlement
// still "processing" with attempt_count below the configured max,
// giving a transfer that outlived Settle's own polling window one more
// chance to confirm before it is marked failed.
func (p *Pipeline) RetrySweep(ctx context.Context) error {
	pending, err := p.st.ListRetriableSettlements(ctx, p.cfg.RetryMaxAttempts)
	if err != nil {
		return err
	}

	for i := range pending {
		st := &pending[i]
		if st.LedgerTx == "" {
			continue // never got far enough to submit a transfer; nothing to re-poll
		}
		status, err := p.chain.SignatureStatus(ctx, st.LedgerTx)
		if err != nil {
			p.log.WithError(err).Warn("retry sweep: signature status poll failed")
			continue
		}
		switch status {
		case ledger.StatusConfirmed:
			if err := p.st.CompleteSettlement(ctx, st.ID, st.MatchID, st.LedgerTx, time.Now().UTC()); err != nil {
				p.log.WithError(err).Warn("retry sweep: complete settlement failed")
			}
		case ledger.StatusFailed:
			if err := p.fail(ctx, st, st.MatchID, "ledger transfer failed"); err != nil {
				p.log.WithError(err).Warn("retry sweep: mark failed failed")
			}
		default:
			if st.AttemptCount+1 >= p.cfg.RetryMaxAttempts {
				if err := p.fail(ctx, st, st.MatchID, "ledger transfer not confirmed after retries"); err != nil {
					p.log.WithError(err).Warn("retry sweep: mark failed failed")
				}
				continue
			}
			if err := p.st.UpdateSettlementStatus(ctx, st.ID, domain.SettlementProcessing, "", st.LedgerTx, st.AttemptCount+1); err != nil {
				p.log.WithError(err).Warn("retry sweep: bump attempt count failed")
			}
		}
	}
	return nil
}
