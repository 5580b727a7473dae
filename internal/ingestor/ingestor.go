// Package ingestor implements the Reading Ingestor (spec.md §4.6): a
// synchronous validate-and-enqueue path and an asynchronous worker that
// resolves meter context, aggregates and mints energy tokens, persists
// the reading, and synthesizes trading orders from surplus/deficit.
package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/eventbus"
	"github.com/r3e-network/gridtokenx-gateway/internal/keystore"
	"github.com/r3e-network/gridtokenx-gateway/internal/ledger"
	"github.com/r3e-network/gridtokenx-gateway/internal/lock"
	"github.com/r3e-network/gridtokenx-gateway/internal/signature"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// maxReadingAge is how far in the past a reading timestamp may fall
// before it is rejected as stale (spec.md §4.6 step 3).
const maxReadingAge = 7 * 24 * time.Hour

// plausibility bounds for electrical parameters (spec.md §4.6 step 5).
const (
	maxVoltage     = 400.0
	maxCurrent     = 1000.0
	maxFrequency   = 100.0
	maxTHD         = 100.0
	maxPowerFactor = 1.0
)

// Request is one inbound reading submission.
type Request struct {
	Timestamp       *time.Time
	KWh             float64
	Voltage         *float64
	Current         *float64
	PowerFactor     *float64
	Frequency       *float64
	THD             *float64
	Wallet          string // optional override when the user has no wallet on file
	MaxSellPrice    *float64
	MaxBuyPrice     *float64
	Signature       string // base58, required iff the meter has a registered signing key
	AutoMint        bool
}

func (r Request) params() domain.ElectricalParams {
	return domain.ElectricalParams{
		Voltage:     r.Voltage,
		Current:     r.Current,
		PowerFactor: r.PowerFactor,
		Frequency:   r.Frequency,
		THD:         r.THD,
	}
}

// Result is the provisional response returned from the synchronous path.
type Result struct {
	ID          uuid.UUID
	MeterSerial string
	Accepted    bool
	Message     string
}

// OrderSubmitter is satisfied by the matching engine; the ingestor calls
// it to synthesize a sell/buy order from a surplus/deficit reading. A nil
// OrderSubmitter simply skips order synthesis.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, order *domain.TradingOrder) error
}

// Config tunes ingestion policy.
type Config struct {
	MaxKWhPerReading float64
	MintThresholdKWh float64
	TokenMintAddress string
}

// Ingestor wires the Reading Ingestor's dependencies.
type Ingestor struct {
	store     *store.Store
	bus       *eventbus.Bus
	locks     *lock.Service
	chain     ledger.Adapter
	authority *keystore.AuthorityKey
	orders    OrderSubmitter
	log       *logging.Logger
	cfg       Config
}

// New constructs an Ingestor. orders may be nil until the matching engine
// is wired in.
func New(st *store.Store, bus *eventbus.Bus, locks *lock.Service, chain ledger.Adapter,
	authority *keystore.AuthorityKey, orders OrderSubmitter, log *logging.Logger, cfg Config) *Ingestor {
	if cfg.MaxKWhPerReading <= 0 {
		cfg.MaxKWhPerReading = 100
	}
	return &Ingestor{store: st, bus: bus, locks: locks, chain: chain, authority: authority,
		orders: orders, log: log, cfg: cfg}
}

// SetOrderSubmitter wires the matching engine in after construction, to
// break the ingestor/matching initialization cycle.
func (ing *Ingestor) SetOrderSubmitter(orders OrderSubmitter) {
	ing.orders = orders
}

// queuedPayload is the JSON form persisted to reading_queue.
type queuedPayload struct {
	Request
}

// Submit is the synchronous path: validate, enqueue, and return
// immediately. Processing continues asynchronously in ProcessNext.
func (ing *Ingestor) Submit(ctx context.Context, serial string, req Request) (*Result, error) {
	meter, err := ing.store.GetMeterBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}

	if err := ing.validate(meter, req); err != nil {
		ing.bus.Publish(eventbus.Event{Type: eventbus.MeterReadingValidationFailed, Payload: map[string]interface{}{
			"meter_serial": serial,
			"reason":       err.Error(),
		}})
		return nil, err
	}

	id := uuid.New()
	payload, err := json.Marshal(queuedPayload{req})
	if err != nil {
		return nil, gwerrors.Internal("marshal queued reading", err)
	}
	if err := ing.store.EnqueueReading(ctx, id, serial, payload); err != nil {
		return nil, err
	}

	return &Result{ID: id, MeterSerial: serial, Accepted: true, Message: "Reading queued for processing"}, nil
}

// validate re-runs the full synchronous+defense-in-depth check set
// shared by both the sync path and the async worker.
func (ing *Ingestor) validate(meter *domain.Meter, req Request) error {
	if meter.SigningPublicKey != "" {
		if req.Signature == "" {
			return gwerrors.InvalidInput("signature", "required: meter has a registered signing key")
		}
		ts := time.Now().UTC()
		if req.Timestamp != nil {
			ts = *req.Timestamp
		}
		msg := signature.Message{
			MeterSerial: meter.Serial,
			Timestamp:   ts,
			KWhAmount:   req.KWh,
			Wallet:      req.Wallet,
		}
		ok, err := signature.Verify(meter.SigningPublicKey, req.Signature, msg)
		if err != nil {
			return err
		}
		if !ok {
			return gwerrors.InvalidSignature(fmt.Errorf("signature does not match canonical reading"))
		}
	}

	now := time.Now().UTC()
	if req.Timestamp != nil {
		if req.Timestamp.After(now) {
			return gwerrors.InvalidInput("timestamp", "must not be in the future")
		}
		if now.Sub(*req.Timestamp) > maxReadingAge {
			return gwerrors.InvalidInput("timestamp", "older than the 7-day acceptance window")
		}
	}

	if abs(req.KWh) > ing.cfg.MaxKWhPerReading {
		return gwerrors.OutOfRange("kwh", -ing.cfg.MaxKWhPerReading, ing.cfg.MaxKWhPerReading)
	}

	if req.Voltage != nil && (*req.Voltage < 0 || *req.Voltage > maxVoltage) {
		return gwerrors.OutOfRange("voltage", 0, maxVoltage)
	}
	if req.Current != nil && (*req.Current < 0 || *req.Current > maxCurrent) {
		return gwerrors.OutOfRange("current", 0, maxCurrent)
	}
	if req.PowerFactor != nil && (*req.PowerFactor < 0 || *req.PowerFactor > maxPowerFactor) {
		return gwerrors.OutOfRange("power_factor", 0, maxPowerFactor)
	}
	if req.Frequency != nil && (*req.Frequency < 0 || *req.Frequency > maxFrequency) {
		return gwerrors.OutOfRange("frequency", 0, maxFrequency)
	}
	if req.THD != nil && (*req.THD < 0 || *req.THD > maxTHD) {
		return gwerrors.OutOfRange("thd", 0, maxTHD)
	}

	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// ProcessNext claims and processes one queued reading. Returns false,
// nil when the queue is empty, so callers (the ticker worker) can treat
// it as a no-op tick.
func (ing *Ingestor) ProcessNext(ctx context.Context) (bool, error) {
	queued, err := ing.store.ClaimNextReading(ctx)
	if err != nil {
		return false, err
	}
	if queued == nil {
		return false, nil
	}

	var payload queuedPayload
	if err := json.Unmarshal(queued.Payload, &payload); err != nil {
		ing.log.WithError(err).WithFields(map[string]interface{}{"reading_id": queued.ID}).Error("discarding malformed queued reading")
		return true, ing.store.CompleteReading(ctx, queued.ID)
	}

	if err := ing.process(ctx, queued.MeterSerial, payload.Request); err != nil {
		ing.log.WithError(err).WithFields(map[string]interface{}{
			"meter_serial": queued.MeterSerial,
			"reading_id":   queued.ID,
		}).Error("failed to process queued reading")
		return true, err
	}

	return true, ing.store.CompleteReading(ctx, queued.ID)
}

func (ing *Ingestor) process(ctx context.Context, serial string, req Request) error {
	meter, err := ing.store.GetMeterBySerial(ctx, serial)
	if err != nil {
		return err
	}
	if err := ing.validate(meter, req); err != nil {
		return err
	}

	mctx, err := ing.store.ResolveMeterContext(ctx, serial)
	if err != nil {
		return err
	}
	wallet := mctx.WalletAddress
	if wallet == "" {
		wallet = req.Wallet
	}

	minted := false
	var mintTxID string
	if req.AutoMint && req.KWh > 0 {
		minted, mintTxID, err = ing.tryMint(ctx, serial, wallet, req.KWh)
		if err != nil {
			ing.log.WithError(err).WithFields(map[string]interface{}{"meter_serial": serial}).Warn("mint attempt failed, balance retained for retry")
		}
	}

	params := req.params()
	alerts := checkAlerts(serial, params, time.Now().UTC())
	for _, a := range alerts {
		ing.bus.Publish(eventbus.Event{Type: eventbus.MeterAlert, Payload: a})
	}
	score := healthScore(params)

	surplus := 0.0
	deficit := 0.0
	if req.KWh > 0 {
		surplus = req.KWh
	} else {
		deficit = -req.KWh
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	reading := &domain.MeterReading{
		ID:                uuid.New(),
		MeterSerial:       serial,
		Timestamp:         ts,
		KWh:               req.KWh,
		ElectricalParams:  params,
		Surplus:           &surplus,
		Deficit:           &deficit,
		PricePreference:   req.MaxSellPrice,
		VerificationState: meter.VerificationState,
		Minted:            minted,
		MintTxID:          mintTxID,
		HealthScore:       &score,
		CreatedAt:         time.Now().UTC(),
	}
	if err := ing.store.InsertMeterReading(ctx, reading); err != nil {
		return err
	}

	ing.bus.Publish(eventbus.Event{Type: eventbus.MeterReadingReceived, Payload: reading})
	if minted {
		ing.bus.Publish(eventbus.Event{Type: eventbus.TokensMinted, Payload: map[string]interface{}{
			"meter_serial": serial,
			"wallet":       wallet,
			"tx_id":        mintTxID,
		}})
	}

	ing.synthesizeOrders(ctx, mctx, surplus, deficit, req.MaxSellPrice, req.MaxBuyPrice)
	return nil
}

// tryMint atomically increments the meter's unminted balance and, once
// the balance crosses the configured threshold, mints the accumulated
// total under the per-wallet mint lock. On mint failure the balance is
// left intact so the next reading re-attempts it.
func (ing *Ingestor) tryMint(ctx context.Context, serial, wallet string, kwh float64) (bool, string, error) {
	total, err := ing.store.IncrementUnmintedBalance(ctx, serial, kwh)
	if err != nil {
		return false, "", err
	}
	if total < ing.cfg.MintThresholdKWh {
		return false, "", nil
	}
	if wallet == "" {
		return false, "", gwerrors.MissingWallet(serial)
	}

	handle, err := ing.locks.Acquire(ctx, "mint", wallet)
	if err != nil {
		return false, "", err
	}
	defer ing.locks.Release(ctx, handle)

	tokenAccount, err := ing.chain.EnsureTokenAccount(ctx, wallet, ing.cfg.TokenMintAddress)
	if err != nil {
		return false, "", err
	}

	amount, err := ledger.KWhToBaseUnits(total)
	if err != nil {
		return false, "", err
	}

	idempotencyKey := fmt.Sprintf("mint:%s:%d", wallet, amount)
	txID, err := ing.chain.SubmitMint(ctx, ing.authority, tokenAccount, ing.cfg.TokenMintAddress, amount, idempotencyKey)
	if err != nil {
		return false, "", err
	}

	if err := ing.store.ResetUnmintedBalance(ctx, serial, time.Now().UTC()); err != nil {
		return false, "", err
	}
	return true, txID, nil
}

func (ing *Ingestor) synthesizeOrders(ctx context.Context, mctx *store.MeterContext, surplus, deficit float64, sellPrice, buyPrice *float64) {
	if ing.orders == nil {
		return
	}
	wantsSell := surplus > 0 && sellPrice != nil && *sellPrice > 0
	wantsBuy := deficit > 0 && buyPrice != nil && *buyPrice > 0
	if !wantsSell && !wantsBuy {
		return
	}

	epoch, err := ing.store.GetActiveEpoch(ctx)
	if err != nil {
		ing.log.WithError(err).Warn("auto order synthesis skipped: no active epoch")
		return
	}

	meterID := mctx.MeterID
	if wantsSell {
		order := &domain.TradingOrder{
			ID:           uuid.New(),
			UserID:       mctx.UserID,
			EpochID:      epoch.ID,
			MeterID:      &meterID,
			Side:         domain.SideSell,
			Type:         domain.OrderLimit,
			EnergyAmount: surplus,
			PricePerKWh:  sellPrice,
			Status:       domain.OrderOpen,
			ZoneID:       mctx.ZoneID,
			CreatedAt:    time.Now().UTC(),
		}
		if err := ing.orders.SubmitOrder(ctx, order); err != nil {
			ing.log.WithError(err).Warn("auto-sell order submission failed")
		}
	}
	if wantsBuy {
		order := &domain.TradingOrder{
			ID:           uuid.New(),
			UserID:       mctx.UserID,
			EpochID:      epoch.ID,
			MeterID:      &meterID,
			Side:         domain.SideBuy,
			Type:         domain.OrderLimit,
			EnergyAmount: deficit,
			PricePerKWh:  buyPrice,
			Status:       domain.OrderOpen,
			ZoneID:       mctx.ZoneID,
			CreatedAt:    time.Now().UTC(),
		}
		if err := ing.orders.SubmitOrder(ctx, order); err != nil {
			ing.log.WithError(err).Warn("auto-buy order submission failed")
		}
	}
}
