package settlement

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/eventbus"
	"github.com/r3e-network/gridtokenx-gateway/internal/keystore"
	"github.com/r3e-network/gridtokenx-gateway/internal/ledger"
	"github.com/r3e-network/gridtokenx-gateway/internal/lock"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// fakeChain is a minimal ledger.Adapter double: only the methods the
// settlement pipeline actually calls are configurable, the rest are never
// exercised by these tests.
type fakeChain struct {
	ensureTokenAccount func(ctx context.Context, owner, mint string) (string, error)
	submitTransfer     func(ctx context.Context, authority *keystore.AuthorityKey, from, to, mint string, amount uint64, idempotencyKey string) (string, error)
	signatureStatus    func(ctx context.Context, txID string) (ledger.SignatureStatus, error)
}

func (f *fakeChain) DeriveAccount(owner, mint string) string { return owner + ":" + mint }
func (f *fakeChain) AccountExists(ctx context.Context, address string) (bool, error) {
	return true, nil
}
func (f *fakeChain) GetBalance(ctx context.Context, address, mint string) (uint64, error) {
	return 0, nil
}
func (f *fakeChain) EnsureTokenAccount(ctx context.Context, owner, mint string) (string, error) {
	return f.ensureTokenAccount(ctx, owner, mint)
}
func (f *fakeChain) SubmitMint(ctx context.Context, authority *keystore.AuthorityKey, destination, mint string, amount uint64, idempotencyKey string) (string, error) {
	return "", nil
}
func (f *fakeChain) SubmitTransfer(ctx context.Context, authority *keystore.AuthorityKey, from, to, mint string, amount uint64, idempotencyKey string) (string, error) {
	return f.submitTransfer(ctx, authority, from, to, mint, amount, idempotencyKey)
}
func (f *fakeChain) SubmitInstruction(ctx context.Context, signedTxHex string) (string, error) {
	return "", nil
}
func (f *fakeChain) SignatureStatus(ctx context.Context, txID string) (ledger.SignatureStatus, error) {
	return f.signatureStatus(ctx, txID)
}
func (f *fakeChain) LatestBlockHash(ctx context.Context) (string, error) { return "", nil }

func newTestAuthorityKey(t *testing.T) *keystore.AuthorityKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key, err := keystore.LoadAuthorityKey("", base58.Encode(priv.Seed()))
	require.NoError(t, err)
	return key
}

func newTestPipeline(t *testing.T, chain ledger.Adapter) (*Pipeline, sqlmock.Sqlmock) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logging.New("test", "error", "text")
	locks := lock.New(redisClient, log, lock.DefaultConfig())
	bus := eventbus.New(10)
	st := store.NewWithDB(sqlx.NewDb(db, "postgres"))

	cfg := DefaultConfig()
	cfg.TokenMintAddress = "energy-mint"
	cfg.PollBase = time.Millisecond
	cfg.PollCap = 4 * time.Millisecond
	cfg.PollMaxTry = 3

	return New(st, bus, locks, chain, newTestAuthorityKey(t), log, cfg), mock
}

func testOrderRow(id, epochID, userID uuid.UUID, side domain.OrderSide, zone string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "epoch_id", "meter_id", "side", "order_type",
		"energy_amount", "price_per_kwh", "filled", "status", "zone_id",
		"min_fill", "max_fill", "time_in_force", "arrival_seq", "created_at",
	}).AddRow(id, userID, epochID, nil, side, domain.OrderLimit, 10.0, 5.0, 0.0,
		domain.OrderFilled, zone, nil, nil, nil, 1, time.Now().UTC())
}

func testUserRow(id uuid.UUID, wallet string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "wallet_address", "encrypted_key_cipher", "encrypted_key_salt",
		"encrypted_key_iv", "external_key_ref", "role", "active", "created_at",
	}).AddRow(id, "user@example.com", wallet, "", "", "", "", domain.RoleProsumer, true, time.Now().UTC())
}

func testMatchRow(m domain.OrderMatch) *sqlmock.Rows {
	var settlementID interface{}
	if m.SettlementID != nil {
		settlementID = *m.SettlementID
	}
	return sqlmock.NewRows([]string{
		"id", "epoch_id", "buy_order_id", "sell_order_id", "matched_amount",
		"match_price", "match_time", "status", "settlement_id",
	}).AddRow(m.ID, m.EpochID, m.BuyOrderID, m.SellOrderID, m.MatchedAmount,
		m.MatchPrice, m.MatchTime, m.Status, settlementID)
}

func testSettlementRow(st domain.Settlement) *sqlmock.Rows {
	var confirmedAt interface{}
	if st.ConfirmedAt != nil {
		confirmedAt = *st.ConfirmedAt
	}
	return sqlmock.NewRows([]string{
		"id", "epoch_id", "match_id", "buyer_id", "seller_id", "energy_amount",
		"price_per_kwh", "total_amount", "fee_amount", "wheeling_charge",
		"loss_factor", "loss_cost", "effective_energy", "buyer_zone_id",
		"seller_zone_id", "net_amount", "status", "failure_reason", "ledger_tx",
		"attempt_count", "confirmed_at", "created_at",
	}).AddRow(st.ID, st.EpochID, st.MatchID, st.BuyerID, st.SellerID, st.EnergyAmount,
		st.PricePerKWh, st.TotalAmount, st.FeeAmount, st.WheelingCharge,
		st.LossFactor, st.LossCost, st.EffectiveEnergy, st.BuyerZoneID,
		st.SellerZoneID, st.NetAmount, st.Status, st.FailureReason, st.LedgerTx,
		st.AttemptCount, confirmedAt, st.CreatedAt)
}

func TestSettleCompletesANewMatchSameZone(t *testing.T) {
	chain := &fakeChain{
		ensureTokenAccount: func(ctx context.Context, owner, mint string) (string, error) {
			return owner + "-account", nil
		},
		submitTransfer: func(ctx context.Context, authority *keystore.AuthorityKey, from, to, mint string, amount uint64, idempotencyKey string) (string, error) {
			return "tx-1", nil
		},
		signatureStatus: func(ctx context.Context, txID string) (ledger.SignatureStatus, error) {
			return ledger.StatusConfirmed, nil
		},
	}
	p, mock := newTestPipeline(t, chain)

	epochID, buyerID, sellerID := uuid.New(), uuid.New(), uuid.New()
	buyOrderID, sellOrderID := uuid.New(), uuid.New()
	match := domain.OrderMatch{
		ID: uuid.New(), EpochID: epochID, BuyOrderID: buyOrderID, SellOrderID: sellOrderID,
		MatchedAmount: 10, MatchPrice: 5.0, MatchTime: time.Now().UTC(), Status: domain.MatchPending,
	}

	mock.ExpectQuery(`SELECT id, user_id, epoch_id, meter_id, side`).WithArgs(buyOrderID).
		WillReturnRows(testOrderRow(buyOrderID, epochID, buyerID, domain.SideBuy, "zone-1"))
	mock.ExpectQuery(`SELECT id, user_id, epoch_id, meter_id, side`).WithArgs(sellOrderID).
		WillReturnRows(testOrderRow(sellOrderID, epochID, sellerID, domain.SideSell, "zone-1"))

	mock.ExpectQuery(`SELECT id, epoch_id, buy_order_id, sell_order_id`).WithArgs(match.ID).
		WillReturnRows(testMatchRow(match))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO settlements`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE order_matches SET settlement_id`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT id, email, wallet_address`).WithArgs(buyerID).
		WillReturnRows(testUserRow(buyerID, "buyer-wallet"))
	mock.ExpectQuery(`SELECT id, email, wallet_address`).WithArgs(sellerID).
		WillReturnRows(testUserRow(sellerID, "seller-wallet"))

	mock.ExpectExec(`UPDATE settlements SET status = \$1, failure_reason`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE settlements SET status = 'completed'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE order_matches SET status = 'settled'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.Settle(context.Background(), match)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleResumesInFlightSettlementWithoutResubmitting(t *testing.T) {
	chain := &fakeChain{
		signatureStatus: func(ctx context.Context, txID string) (ledger.SignatureStatus, error) {
			assert.Equal(t, "tx-already-submitted", txID)
			return ledger.StatusConfirmed, nil
		},
	}
	p, mock := newTestPipeline(t, chain)

	epochID, buyerID, sellerID := uuid.New(), uuid.New(), uuid.New()
	buyOrderID, sellOrderID := uuid.New(), uuid.New()
	settlementID := uuid.New()
	match := domain.OrderMatch{
		ID: uuid.New(), EpochID: epochID, BuyOrderID: buyOrderID, SellOrderID: sellOrderID,
		MatchedAmount: 10, MatchPrice: 5.0, MatchTime: time.Now().UTC(),
		Status: domain.MatchPending, SettlementID: &settlementID,
	}
	existing := domain.Settlement{
		ID: settlementID, EpochID: epochID, MatchID: match.ID, BuyerID: buyerID, SellerID: sellerID,
		EnergyAmount: 10, PricePerKWh: 5.0, Status: domain.SettlementProcessing,
		LedgerTx: "tx-already-submitted", AttemptCount: 1, CreatedAt: time.Now().UTC(),
	}

	mock.ExpectQuery(`SELECT id, user_id, epoch_id, meter_id, side`).WithArgs(buyOrderID).
		WillReturnRows(testOrderRow(buyOrderID, epochID, buyerID, domain.SideBuy, "zone-1"))
	mock.ExpectQuery(`SELECT id, user_id, epoch_id, meter_id, side`).WithArgs(sellOrderID).
		WillReturnRows(testOrderRow(sellOrderID, epochID, sellerID, domain.SideSell, "zone-1"))

	mock.ExpectQuery(`SELECT id, epoch_id, buy_order_id, sell_order_id`).WithArgs(match.ID).
		WillReturnRows(testMatchRow(match))
	mock.ExpectQuery(`SELECT id, epoch_id, match_id, buyer_id, seller_id`).WithArgs(settlementID).
		WillReturnRows(testSettlementRow(existing))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE settlements SET status = 'completed'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE order_matches SET status = 'settled'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.Settle(context.Background(), match)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleIsNoopOnceMatchAlreadyTerminal(t *testing.T) {
	p, mock := newTestPipeline(t, &fakeChain{})

	epochID, buyerID, sellerID := uuid.New(), uuid.New(), uuid.New()
	buyOrderID, sellOrderID := uuid.New(), uuid.New()
	settlementID := uuid.New()
	match := domain.OrderMatch{
		ID: uuid.New(), EpochID: epochID, BuyOrderID: buyOrderID, SellOrderID: sellOrderID,
		MatchedAmount: 10, MatchPrice: 5.0, MatchTime: time.Now().UTC(),
		Status: domain.MatchPending, SettlementID: &settlementID,
	}
	completed := domain.Settlement{
		ID: settlementID, EpochID: epochID, MatchID: match.ID, BuyerID: buyerID, SellerID: sellerID,
		Status: domain.SettlementCompleted, LedgerTx: "tx-done", CreatedAt: time.Now().UTC(),
	}

	mock.ExpectQuery(`SELECT id, user_id, epoch_id, meter_id, side`).WithArgs(buyOrderID).
		WillReturnRows(testOrderRow(buyOrderID, epochID, buyerID, domain.SideBuy, "zone-1"))
	mock.ExpectQuery(`SELECT id, user_id, epoch_id, meter_id, side`).WithArgs(sellOrderID).
		WillReturnRows(testOrderRow(sellOrderID, epochID, sellerID, domain.SideSell, "zone-1"))

	mock.ExpectQuery(`SELECT id, epoch_id, buy_order_id, sell_order_id`).WithArgs(match.ID).
		WillReturnRows(testMatchRow(match))
	mock.ExpectQuery(`SELECT id, epoch_id, match_id, buyer_id, seller_id`).WithArgs(settlementID).
		WillReturnRows(testSettlementRow(completed))

	err := p.Settle(context.Background(), match)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildSettlementAppliesCrossZoneWheelingAndLoss(t *testing.T) {
	p, mock := newTestPipeline(t, &fakeChain{})
	epochID, buyOrderID, sellOrderID := uuid.New(), uuid.New(), uuid.New()
	buyOrder := &domain.TradingOrder{ID: buyOrderID, EpochID: epochID, UserID: uuid.New(), ZoneID: "zone-b"}
	sellOrder := &domain.TradingOrder{ID: sellOrderID, EpochID: epochID, UserID: uuid.New(), ZoneID: "zone-a"}
	match := &domain.OrderMatch{ID: uuid.New(), EpochID: epochID, MatchedAmount: 10, MatchPrice: 5.0}

	mock.ExpectQuery(`SELECT seller_zone_id, buyer_zone_id, wheeling_cost`).
		WithArgs("zone-a", "zone-b").
		WillReturnRows(sqlmock.NewRows([]string{"seller_zone_id", "buyer_zone_id", "wheeling_cost", "loss_factor"}).
			AddRow("zone-a", "zone-b", 0.1, 0.05))

	st, err := p.buildSettlement(context.Background(), match, buyOrder, sellOrder)

	require.NoError(t, err)
	assert.Equal(t, 1.0, st.WheelingCharge) // 0.1 * 10
	assert.Equal(t, 0.05, st.LossFactor)
	assert.Equal(t, 9.5, st.EffectiveEnergy) // 10 * (1 - 0.05)
	assert.Equal(t, 50.0, st.TotalAmount)
	assert.Equal(t, 0.5, st.FeeAmount) // 1% of 50
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildSettlementDegradesToZeroWheelingWithoutZoneCostEntry(t *testing.T) {
	p, mock := newTestPipeline(t, &fakeChain{})
	epochID, buyOrderID, sellOrderID := uuid.New(), uuid.New(), uuid.New()
	buyOrder := &domain.TradingOrder{ID: buyOrderID, EpochID: epochID, UserID: uuid.New(), ZoneID: "zone-b"}
	sellOrder := &domain.TradingOrder{ID: sellOrderID, EpochID: epochID, UserID: uuid.New(), ZoneID: "zone-a"}
	match := &domain.OrderMatch{ID: uuid.New(), EpochID: epochID, MatchedAmount: 10, MatchPrice: 5.0}

	mock.ExpectQuery(`SELECT seller_zone_id, buyer_zone_id, wheeling_cost`).
		WithArgs("zone-a", "zone-b").
		WillReturnError(sql.ErrNoRows)

	st, err := p.buildSettlement(context.Background(), match, buyOrder, sellOrder)

	require.NoError(t, err)
	assert.Equal(t, 0.0, st.WheelingCharge)
	assert.Equal(t, 0.0, st.LossFactor)
	assert.Equal(t, 10.0, st.EffectiveEnergy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextDelayGrowsByFactorUntilCap(t *testing.T) {
	cfg := DefaultConfig()

	delay := cfg.PollBase
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		delay = nextDelay(delay, cfg.PollFactor, cfg.PollCap)
		if delay != w {
			t.Fatalf("step %d: nextDelay = %v, want %v", i, delay, w)
		}
	}
}

func TestDefaultConfigMatchesSpecBounds(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.FeeRate != 0.01 {
		t.Fatalf("expected 1%% fee rate, got %v", cfg.FeeRate)
	}
	if cfg.PollBase != 500*time.Millisecond || cfg.PollCap != 8*time.Second || cfg.PollMaxTry != 6 {
		t.Fatalf("unexpected polling bounds: %+v", cfg)
	}
}
