// Package store is the Persistence Layer (spec.md §4.3): typed Postgres
// access via sqlx, with every multi-row write that crosses an invariant
// boundary running inside a single transaction. Transactions are opened
// with the database's default isolation level; no stricter level is
// requested.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
)

// Store is the persistence handle shared by every domain package that
// needs durable storage.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and verifies connectivity.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, gwerrors.DatabaseError("connect", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open sqlx handle, for tests that inject a
// sqlmock connection from another package.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, for the /health composite.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func wrapNotFound(err error, resource, id string) error {
	if err == sql.ErrNoRows {
		return gwerrors.NotFound(resource, id)
	}
	return gwerrors.DatabaseError("query "+resource, err)
}

// --- Users -----------------------------------------------------------------

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := s.db.GetContext(ctx, &u, `SELECT id, email, wallet_address, encrypted_key_cipher,
		encrypted_key_salt, encrypted_key_iv, external_key_ref, role, active, created_at
		FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err, "user", id.String())
	}
	return &u, nil
}

// GetUserByEmail resolves a user by email, for the login/register stubs.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var u domain.User
	err := s.db.GetContext(ctx, &u, `SELECT id, email, wallet_address, encrypted_key_cipher,
		encrypted_key_salt, encrypted_key_iv, external_key_ref, role, active, created_at
		FROM users WHERE email = $1`, email)
	if err != nil {
		return nil, wrapNotFound(err, "user", email)
	}
	return &u, nil
}

// InsertUser creates a new user row.
func (s *Store) InsertUser(ctx context.Context, u *domain.User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (
		id, email, wallet_address, encrypted_key_cipher, encrypted_key_salt,
		encrypted_key_iv, external_key_ref, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.ID, u.Email, u.WalletAddress, u.EncryptedKeyCipher, u.EncryptedKeySalt,
		u.EncryptedKeyIV, u.ExternalKeyRef, u.Role, u.Active, u.CreatedAt)
	if err != nil {
		return gwerrors.DatabaseError("insert user", err)
	}
	return nil
}

// --- Meters ------------------------------------------------------------

// GetMeterBySerial resolves a meter by its serial number.
func (s *Store) GetMeterBySerial(ctx context.Context, serial string) (*domain.Meter, error) {
	var m domain.Meter
	err := s.db.GetContext(ctx, &m, `SELECT id, user_id, serial, type, location, zone_id,
		verification_state, signing_public_key, created_at FROM meters WHERE serial = $1`, serial)
	if err != nil {
		return nil, wrapNotFound(err, "meter", serial)
	}
	return &m, nil
}

// GetMeter resolves a meter by its primary key.
func (s *Store) GetMeter(ctx context.Context, id uuid.UUID) (*domain.Meter, error) {
	var m domain.Meter
	err := s.db.GetContext(ctx, &m, `SELECT id, user_id, serial, type, location, zone_id,
		verification_state, signing_public_key, created_at FROM meters WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err, "meter", id.String())
	}
	return &m, nil
}

// InsertMeter creates a new meter row.
func (s *Store) InsertMeter(ctx context.Context, m *domain.Meter) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO meters (
		id, user_id, serial, type, location, zone_id, verification_state,
		signing_public_key, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.UserID, m.Serial, m.Type, m.Location, m.ZoneID,
		m.VerificationState, m.SigningPublicKey, m.CreatedAt)
	if err != nil {
		return gwerrors.DatabaseError("insert meter", err)
	}
	return nil
}

// SetMeterVerificationState transitions a meter's verification state
// (unverified/verified/revoked), used by the admin verify/revoke endpoints.
func (s *Store) SetMeterVerificationState(ctx context.Context, meterID uuid.UUID, state domain.VerificationState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE meters SET verification_state = $1 WHERE id = $2`, state, meterID)
	if err != nil {
		return gwerrors.DatabaseError("update meter verification state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gwerrors.NotFound("meter", meterID.String())
	}
	return nil
}

// MeterContext is the resolved identity behind a meter serial: the meter
// and user ids, the user's wallet, the meter's zone and registered
// signing key.
type MeterContext struct {
	MeterID           uuid.UUID                 `db:"meter_id"`
	UserID            uuid.UUID                 `db:"user_id"`
	WalletAddress     string                    `db:"wallet_address"`
	ZoneID            string                    `db:"zone_id"`
	SigningPublicKey  string                    `db:"signing_public_key"`
	VerificationState domain.VerificationState  `db:"verification_state"`
}

// ResolveMeterContext joins meters to users to answer "who owns this
// serial, and where do its tokens go" for the Reading Ingestor.
func (s *Store) ResolveMeterContext(ctx context.Context, serial string) (*MeterContext, error) {
	var mc MeterContext
	err := s.db.GetContext(ctx, &mc, `SELECT m.id AS meter_id, m.user_id AS user_id,
		u.wallet_address AS wallet_address, m.zone_id AS zone_id,
		m.signing_public_key AS signing_public_key, m.verification_state AS verification_state
		FROM meters m JOIN users u ON m.user_id = u.id
		WHERE m.serial = $1`, serial)
	if err != nil {
		return nil, wrapNotFound(err, "meter", serial)
	}
	return &mc, nil
}

// --- Meter readings & unminted balance ----------------------------------

// InsertMeterReading persists the full reading row (after derived fields
// have been computed by the Reading Ingestor).
func (s *Store) InsertMeterReading(ctx context.Context, r *domain.MeterReading) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO meter_readings (
		id, meter_serial, reading_time, kwh, voltage, current, power_factor,
		frequency, thd, surplus, deficit, price_preference, verification_state,
		minted, mint_tx_id, health_score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.MeterSerial, r.Timestamp, r.KWh,
		nullableFloat(r.Voltage), nullableFloat(r.Current),
		nullableFloat(r.PowerFactor), nullableFloat(r.Frequency),
		nullableFloat(r.THD), r.Surplus, r.Deficit, r.PricePreference,
		r.VerificationState, r.Minted, r.MintTxID, r.HealthScore, r.CreatedAt)
	if err != nil {
		return gwerrors.DatabaseError("insert meter reading", err)
	}
	return nil
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// IncrementUnmintedBalance is the canonical critical section from
// spec.md §4.3: an atomic upsert-and-increment that returns the
// post-increment total observed by exactly one writer per row per
// transaction.
func (s *Store) IncrementUnmintedBalance(ctx context.Context, meterSerial string, delta float64) (float64, error) {
	var total float64
	err := s.db.GetContext(ctx, &total, `
		INSERT INTO meter_unminted_balances (meter_serial, accumulated, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (meter_serial) DO UPDATE
		SET accumulated = meter_unminted_balances.accumulated + excluded.accumulated,
		    updated_at = now()
		RETURNING accumulated`, meterSerial, delta)
	if err != nil {
		return 0, gwerrors.DatabaseError("increment unminted balance", err)
	}
	return total, nil
}

// ResetUnmintedBalance zeroes a meter's accumulated balance after a
// confirmed mint and records the mint timestamp.
func (s *Store) ResetUnmintedBalance(ctx context.Context, meterSerial string, mintedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE meter_unminted_balances
		SET accumulated = 0, updated_at = now(), last_mint_at = $2
		WHERE meter_serial = $1`, meterSerial, mintedAt)
	if err != nil {
		return gwerrors.DatabaseError("reset unminted balance", err)
	}
	return nil
}

// --- Reading queue ---------------------------------------------------------

// QueuedReading is one durable work-queue row awaiting asynchronous
// ingestion (spec.md §4.6).
type QueuedReading struct {
	ID          uuid.UUID `db:"id"`
	MeterSerial string    `db:"meter_serial"`
	Payload     []byte    `db:"payload"`
	EnqueuedAt  time.Time `db:"enqueued_at"`
}

// EnqueueReading durably enqueues a validated reading payload, keyed by
// meter serial, for asynchronous processing.
func (s *Store) EnqueueReading(ctx context.Context, id uuid.UUID, meterSerial string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reading_queue (id, meter_serial, payload, enqueued_at)
		VALUES ($1, $2, $3, now())`, id, meterSerial, payload)
	if err != nil {
		return gwerrors.DatabaseError("enqueue reading", err)
	}
	return nil
}

// ClaimNextReading atomically claims the oldest unclaimed queue row,
// using SKIP LOCKED so multiple workers can drain the queue concurrently
// without claiming the same row twice. Returns nil, nil if the queue is
// empty.
func (s *Store) ClaimNextReading(ctx context.Context) (*QueuedReading, error) {
	var r QueuedReading
	err := s.db.GetContext(ctx, &r, `
		UPDATE reading_queue SET claimed_at = now()
		WHERE id = (
			SELECT id FROM reading_queue
			WHERE claimed_at IS NULL
			ORDER BY enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, meter_serial, payload, enqueued_at`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, gwerrors.DatabaseError("claim reading", err)
	}
	return &r, nil
}

// CompleteReading marks a claimed queue row as done. The row is kept
// (not deleted) as a short-lived processing audit trail.
func (s *Store) CompleteReading(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reading_queue SET done_at = now() WHERE id = $1`, id)
	if err != nil {
		return gwerrors.DatabaseError("complete reading", err)
	}
	return nil
}

// --- Market epochs -------------------------------------------------------

// InsertEpoch creates a new market epoch row.
func (s *Store) InsertEpoch(ctx context.Context, e *domain.MarketEpoch) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO market_epochs (
		id, number, start_time, end_time, status, clearing_price, total_volume,
		total_orders, matched_orders) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.Number, e.StartTime, e.EndTime, e.Status, e.ClearingPrice,
		e.TotalVolume, e.TotalOrders, e.MatchedOrders)
	if err != nil {
		return gwerrors.DatabaseError("insert epoch", err)
	}
	return nil
}

// GetActiveEpoch returns the single epoch currently in "active" status, if
// any.
func (s *Store) GetActiveEpoch(ctx context.Context) (*domain.MarketEpoch, error) {
	var e domain.MarketEpoch
	err := s.db.GetContext(ctx, &e, `SELECT id, number, start_time, end_time, status,
		clearing_price, total_volume, total_orders, matched_orders
		FROM market_epochs WHERE status = 'active' ORDER BY number DESC LIMIT 1`)
	if err != nil {
		return nil, wrapNotFound(err, "epoch", "active")
	}
	return &e, nil
}

// GetEpochByStatus returns the oldest (lowest-numbered) epoch in the
// given status, used by the Epoch Scheduler to find the next pending
// epoch to activate or the cleared epoch still draining settlements.
func (s *Store) GetEpochByStatus(ctx context.Context, status domain.EpochStatus) (*domain.MarketEpoch, error) {
	var e domain.MarketEpoch
	err := s.db.GetContext(ctx, &e, `SELECT id, number, start_time, end_time, status,
		clearing_price, total_volume, total_orders, matched_orders
		FROM market_epochs WHERE status = $1 ORDER BY number ASC LIMIT 1`, status)
	if err != nil {
		return nil, wrapNotFound(err, "epoch", string(status))
	}
	return &e, nil
}

// LatestEpochNumber returns the highest epoch number created so far, 0 if
// none exist, used to number the next pending epoch.
func (s *Store) LatestEpochNumber(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.GetContext(ctx, &max, `SELECT MAX(number) FROM market_epochs`)
	if err != nil {
		return 0, gwerrors.DatabaseError("latest epoch number", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// SetEpochStatus transitions an epoch's status.
func (s *Store) SetEpochStatus(ctx context.Context, epochID uuid.UUID, status domain.EpochStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE market_epochs SET status = $1 WHERE id = $2`, status, epochID)
	if err != nil {
		return gwerrors.DatabaseError("update epoch status", err)
	}
	return nil
}

// SetEpochClearingPrice records the clearing price once the final tail
// match of an epoch has run.
func (s *Store) SetEpochClearingPrice(ctx context.Context, epochID uuid.UUID, price float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE market_epochs SET clearing_price = $1 WHERE id = $2`, price, epochID)
	if err != nil {
		return gwerrors.DatabaseError("update epoch clearing price", err)
	}
	return nil
}

// --- Trading orders -------------------------------------------------------

// InsertOrder inserts a new order and increments the owning epoch's
// total_orders counter in a single transaction, per spec.md §4.3.
func (s *Store) InsertOrder(ctx context.Context, o *domain.TradingOrder) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return gwerrors.DatabaseError("begin insert order tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO trading_orders (
		id, user_id, epoch_id, meter_id, side, order_type, energy_amount,
		price_per_kwh, filled, status, zone_id, min_fill, max_fill,
		time_in_force, arrival_seq, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		o.ID, o.UserID, o.EpochID, o.MeterID, o.Side, o.Type, o.EnergyAmount,
		o.PricePerKWh, o.Filled, o.Status, o.ZoneID, o.MinFill, o.MaxFill,
		o.TimeInForce, o.ArrivalSeq, o.CreatedAt)
	if err != nil {
		return gwerrors.DatabaseError("insert order", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE market_epochs SET total_orders = total_orders + 1 WHERE id = $1`, o.EpochID)
	if err != nil {
		return gwerrors.DatabaseError("increment epoch order count", err)
	}

	if err := tx.Commit(); err != nil {
		return gwerrors.DatabaseError("commit insert order tx", err)
	}
	return nil
}

// GetOrder fetches a single order by id, used by the Settlement Pipeline
// to resolve the buyer/seller behind a match.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*domain.TradingOrder, error) {
	var o domain.TradingOrder
	err := s.db.GetContext(ctx, &o, `SELECT id, user_id, epoch_id, meter_id, side,
		order_type, energy_amount, price_per_kwh, filled, status, zone_id, min_fill,
		max_fill, time_in_force, arrival_seq, created_at
		FROM trading_orders WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err, "order", id.String())
	}
	return &o, nil
}

// ListOpenOrders loads every order in {open, partially_filled} for an
// epoch in original arrival order, for restart recovery (spec.md §4.7).
func (s *Store) ListOpenOrders(ctx context.Context, epochID uuid.UUID) ([]domain.TradingOrder, error) {
	var orders []domain.TradingOrder
	err := s.db.SelectContext(ctx, &orders, `SELECT id, user_id, epoch_id, meter_id, side,
		order_type, energy_amount, price_per_kwh, filled, status, zone_id, min_fill,
		max_fill, time_in_force, arrival_seq, created_at
		FROM trading_orders
		WHERE epoch_id = $1 AND status IN ('open', 'partially_filled')
		ORDER BY arrival_seq ASC`, epochID)
	if err != nil {
		return nil, gwerrors.DatabaseError("list open orders", err)
	}
	return orders, nil
}

// MaxArrivalSeq returns the highest arrival sequence number observed for
// an epoch, so the in-memory counter can be seeded one past it.
func (s *Store) MaxArrivalSeq(ctx context.Context, epochID uuid.UUID) (int64, error) {
	var max sql.NullInt64
	err := s.db.GetContext(ctx, &max, `SELECT MAX(arrival_seq) FROM trading_orders WHERE epoch_id = $1`, epochID)
	if err != nil {
		return 0, gwerrors.DatabaseError("max arrival seq", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// CancelOpenOrders marks every {open, partially_filled} order in an epoch
// as cancelled, used at epoch end per spec.md's Open Question resolution
// (partially-filled orders do not carry to the next epoch).
func (s *Store) CancelOpenOrders(ctx context.Context, epochID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE trading_orders SET status = 'cancelled'
		WHERE epoch_id = $1 AND status IN ('open', 'partially_filled')`, epochID)
	if err != nil {
		return gwerrors.DatabaseError("cancel open orders", err)
	}
	return nil
}

// CancelOrder marks a single order cancelled, used by the order-cancel
// endpoint and the matching engine's in-memory cancel path.
func (s *Store) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE trading_orders SET status = 'cancelled'
		WHERE id = $1 AND status IN ('open', 'partially_filled')`, orderID)
	if err != nil {
		return gwerrors.DatabaseError("cancel order", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gwerrors.NotFound("order", orderID.String())
	}
	return nil
}

// --- Order matches & settlement linkage ----------------------------------

// InsertMatch inserts a match and decrements both orders' remaining
// amounts, marking either filled when remaining reaches zero, all within
// one transaction per spec.md §4.3.
func (s *Store) InsertMatch(ctx context.Context, m *domain.OrderMatch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return gwerrors.DatabaseError("begin insert match tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO order_matches (
		id, epoch_id, buy_order_id, sell_order_id, matched_amount, match_price,
		match_time, status) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.EpochID, m.BuyOrderID, m.SellOrderID, m.MatchedAmount,
		m.MatchPrice, m.MatchTime, m.Status)
	if err != nil {
		return gwerrors.DatabaseError("insert match", err)
	}

	for _, orderID := range []uuid.UUID{m.BuyOrderID, m.SellOrderID} {
		if err := fillOrder(ctx, tx, orderID, m.MatchedAmount); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE market_epochs SET matched_orders = matched_orders + 1 WHERE id = $1`, m.EpochID)
	if err != nil {
		return gwerrors.DatabaseError("increment epoch matched count", err)
	}

	if err := tx.Commit(); err != nil {
		return gwerrors.DatabaseError("commit insert match tx", err)
	}
	return nil
}

func fillOrder(ctx context.Context, tx *sqlx.Tx, orderID uuid.UUID, amount float64) error {
	_, err := tx.ExecContext(ctx, `UPDATE trading_orders SET filled = filled + $2 WHERE id = $1`, orderID, amount)
	if err != nil {
		return gwerrors.DatabaseError("increment order filled", err)
	}

	var filled, energyAmount float64
	if err := tx.GetContext(ctx, &filled, `SELECT filled FROM trading_orders WHERE id = $1`, orderID); err != nil {
		return gwerrors.DatabaseError("read order filled", err)
	}
	if err := tx.GetContext(ctx, &energyAmount, `SELECT energy_amount FROM trading_orders WHERE id = $1`, orderID); err != nil {
		return gwerrors.DatabaseError("read order energy amount", err)
	}

	status := "partially_filled"
	if filled >= energyAmount {
		status = "filled"
	}
	if _, err := tx.ExecContext(ctx, `UPDATE trading_orders SET status = $2 WHERE id = $1`, orderID, status); err != nil {
		return gwerrors.DatabaseError("update order status", err)
	}
	return nil
}

// SetMatchStatus transitions a match's status (e.g. to settled/failed).
func (s *Store) SetMatchStatus(ctx context.Context, matchID uuid.UUID, status domain.MatchStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE order_matches SET status = $1 WHERE id = $2`, status, matchID)
	if err != nil {
		return gwerrors.DatabaseError("update match status", err)
	}
	return nil
}

// SetMatchSettlement records which settlement a match is tied to.
func (s *Store) SetMatchSettlement(ctx context.Context, matchID, settlementID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE order_matches SET settlement_id = $1 WHERE id = $2`, settlementID, matchID)
	if err != nil {
		return gwerrors.DatabaseError("link match to settlement", err)
	}
	return nil
}

// ListPendingMatches returns matches still awaiting settlement.
func (s *Store) ListPendingMatches(ctx context.Context, epochID uuid.UUID) ([]domain.OrderMatch, error) {
	var matches []domain.OrderMatch
	err := s.db.SelectContext(ctx, &matches, `SELECT id, epoch_id, buy_order_id, sell_order_id,
		matched_amount, match_price, match_time, status, settlement_id
		FROM order_matches WHERE epoch_id = $1 AND status = 'pending'`, epochID)
	if err != nil {
		return nil, gwerrors.DatabaseError("list pending matches", err)
	}
	return matches, nil
}

// GetMatch fetches a single match by id, used by the settlement pipeline
// to re-check whether a match already has a Settlement in flight before
// inserting a new one.
func (s *Store) GetMatch(ctx context.Context, matchID uuid.UUID) (*domain.OrderMatch, error) {
	var m domain.OrderMatch
	err := s.db.GetContext(ctx, &m, `SELECT id, epoch_id, buy_order_id, sell_order_id,
		matched_amount, match_price, match_time, status, settlement_id
		FROM order_matches WHERE id = $1`, matchID)
	if err != nil {
		return nil, wrapNotFound(err, "match", matchID.String())
	}
	return &m, nil
}

// ListStalledMatches returns matches still "pending" whose epoch has
// already moved past active (cleared or settled), across all epochs.
// A healthy match never lingers here: clear() dispatches every match it
// produces to the settlement pipeline immediately. A row surviving here
// means that dispatch never reached a terminal state, either because
// Settle failed before it could insert a Settlement row at all, or
// because the process crashed mid-pipeline. The scheduler's stalled-match
// sweep re-dispatches these, and also runs this query at startup as the
// crash-recovery bootstrap.
func (s *Store) ListStalledMatches(ctx context.Context) ([]domain.OrderMatch, error) {
	var matches []domain.OrderMatch
	err := s.db.SelectContext(ctx, &matches, `SELECT m.id, m.epoch_id, m.buy_order_id, m.sell_order_id,
		m.matched_amount, m.match_price, m.match_time, m.status, m.settlement_id
		FROM order_matches m
		JOIN market_epochs e ON e.id = m.epoch_id
		WHERE m.status = 'pending' AND e.status IN ('cleared', 'settled')`)
	if err != nil {
		return nil, gwerrors.DatabaseError("list stalled matches", err)
	}
	return matches, nil
}

// --- Settlements -----------------------------------------------------------

// InsertSettlement inserts a settlement row and marks the match as
// referencing it, in one transaction (spec.md §4.3, §4.9 step 2).
func (s *Store) InsertSettlement(ctx context.Context, st *domain.Settlement) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return gwerrors.DatabaseError("begin insert settlement tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO settlements (
		id, epoch_id, match_id, buyer_id, seller_id, energy_amount, price_per_kwh,
		total_amount, fee_amount, wheeling_charge, loss_factor, loss_cost,
		effective_energy, buyer_zone_id, seller_zone_id, net_amount, status,
		failure_reason, ledger_tx, attempt_count, confirmed_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		st.ID, st.EpochID, st.MatchID, st.BuyerID, st.SellerID, st.EnergyAmount,
		st.PricePerKWh, st.TotalAmount, st.FeeAmount, st.WheelingCharge,
		st.LossFactor, st.LossCost, st.EffectiveEnergy, st.BuyerZoneID,
		st.SellerZoneID, st.NetAmount, st.Status, st.FailureReason, st.LedgerTx,
		st.AttemptCount, st.ConfirmedAt, st.CreatedAt)
	if err != nil {
		return gwerrors.DatabaseError("insert settlement", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE order_matches SET settlement_id = $1 WHERE id = $2`, st.ID, st.MatchID)
	if err != nil {
		return gwerrors.DatabaseError("link settlement to match", err)
	}

	if err := tx.Commit(); err != nil {
		return gwerrors.DatabaseError("commit insert settlement tx", err)
	}
	return nil
}

// UpdateSettlementStatus transitions a settlement's status and optional
// fields, used through the processing/completed/failed lifecycle. ledgerTx
// records the in-flight transfer's transaction id as soon as it is
// submitted (before confirmation), so a later retry sweep can re-poll the
// same signature instead of resubmitting.
func (s *Store) UpdateSettlementStatus(ctx context.Context, id uuid.UUID, status domain.SettlementStatus, failureReason, ledgerTx string, attemptCount int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE settlements SET status = $1, failure_reason = NULLIF($2, ''),
		ledger_tx = NULLIF($3, ''), attempt_count = $4 WHERE id = $5`, status, failureReason, ledgerTx, attemptCount, id)
	if err != nil {
		return gwerrors.DatabaseError("update settlement status", err)
	}
	return nil
}

// GetSettlement fetches a settlement by id, used by the retry sweep to
// re-poll an in-flight transfer's signature status.
func (s *Store) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Settlement, error) {
	var st domain.Settlement
	err := s.db.GetContext(ctx, &st, `SELECT id, epoch_id, match_id, buyer_id, seller_id,
		energy_amount, price_per_kwh, total_amount, fee_amount, wheeling_charge,
		loss_factor, loss_cost, effective_energy, buyer_zone_id, seller_zone_id,
		net_amount, status, failure_reason, ledger_tx, attempt_count, confirmed_at,
		created_at FROM settlements WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err, "settlement", id.String())
	}
	return &st, nil
}

// CompleteSettlement marks an existing settlement completed with its
// ledger_tx and confirmation time, and marks the match settled, in one
// transaction per spec.md §4.3. The unique
// constraint on settlements.ledger_tx enforces the "ledger_tx set and
// unique" invariant (spec.md §8 property 4).
func (s *Store) CompleteSettlement(ctx context.Context, settlementID, matchID uuid.UUID, ledgerTx string, confirmedAt time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return gwerrors.DatabaseError("begin complete settlement tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE settlements SET status = 'completed', ledger_tx = $1,
		confirmed_at = $2 WHERE id = $3`, ledgerTx, confirmedAt, settlementID)
	if err != nil {
		return gwerrors.DatabaseError("complete settlement", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE order_matches SET status = 'settled' WHERE id = $1`, matchID)
	if err != nil {
		return gwerrors.DatabaseError("mark match settled", err)
	}

	if err := tx.Commit(); err != nil {
		return gwerrors.DatabaseError("commit complete settlement tx", err)
	}
	return nil
}

// ListRetriableSettlements returns settlements still in "processing" with
// attempt_count below the configured max, for the retry sweep.
func (s *Store) ListRetriableSettlements(ctx context.Context, maxAttempts int) ([]domain.Settlement, error) {
	var settlements []domain.Settlement
	err := s.db.SelectContext(ctx, &settlements, `SELECT id, epoch_id, match_id, buyer_id,
		seller_id, energy_amount, price_per_kwh, total_amount, fee_amount,
		wheeling_charge, loss_factor, loss_cost, effective_energy, buyer_zone_id,
		seller_zone_id, net_amount, status, failure_reason, ledger_tx,
		attempt_count, confirmed_at, created_at
		FROM settlements WHERE status = 'processing' AND attempt_count < $1`, maxAttempts)
	if err != nil {
		return nil, gwerrors.DatabaseError("list retriable settlements", err)
	}
	return settlements, nil
}

// --- Zone costs -----------------------------------------------------------

// GetZoneCost looks up the wheeling/loss pair for a (seller, buyer) zone
// pair. Returns nil, nil if no entry exists (caller degrades to zero per
// spec.md §4.9 step 1).
func (s *Store) GetZoneCost(ctx context.Context, sellerZoneID, buyerZoneID string) (*domain.ZoneCost, error) {
	var zc domain.ZoneCost
	err := s.db.GetContext(ctx, &zc, `SELECT seller_zone_id, buyer_zone_id, wheeling_cost,
		loss_factor FROM zone_costs WHERE seller_zone_id = $1 AND buyer_zone_id = $2`,
		sellerZoneID, buyerZoneID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, gwerrors.DatabaseError("get zone cost", err)
	}
	return &zc, nil
}

// --- Energy certificates ---------------------------------------------------

// InsertCertificate inserts a newly issued REC.
func (s *Store) InsertCertificate(ctx context.Context, c *domain.EnergyCertificate) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO energy_certificates (
		id, user_id, issuer, kwh_amount, energy_type, issued_at, expires_at,
		metadata, status, settlement_id, ledger_tx)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.UserID, c.Issuer, c.KWhAmount, c.EnergyType, c.IssuedAt,
		c.ExpiresAt, c.Metadata, c.Status, c.SettlementID, c.LedgerTx)
	if err != nil {
		return gwerrors.DatabaseError("insert certificate", err)
	}
	return nil
}

// GetCertificate fetches a certificate by id.
func (s *Store) GetCertificate(ctx context.Context, id uuid.UUID) (*domain.EnergyCertificate, error) {
	var c domain.EnergyCertificate
	err := s.db.GetContext(ctx, &c, `SELECT id, user_id, issuer, kwh_amount, energy_type,
		issued_at, expires_at, metadata, status, settlement_id, ledger_tx
		FROM energy_certificates WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err, "certificate", id.String())
	}
	return &c, nil
}

// ListCertificatesByUser lists every certificate owned by a user.
func (s *Store) ListCertificatesByUser(ctx context.Context, userID uuid.UUID) ([]domain.EnergyCertificate, error) {
	var certs []domain.EnergyCertificate
	err := s.db.SelectContext(ctx, &certs, `SELECT id, user_id, issuer, kwh_amount, energy_type,
		issued_at, expires_at, metadata, status, settlement_id, ledger_tx
		FROM energy_certificates WHERE user_id = $1 ORDER BY issued_at DESC`, userID)
	if err != nil {
		return nil, gwerrors.DatabaseError("list certificates", err)
	}
	return certs, nil
}

// RetireCertificate transitions a certificate issued → retired, one-way.
// Returns AlreadyRetired if the current status is not "issued".
func (s *Store) RetireCertificate(ctx context.Context, id uuid.UUID, ledgerTx string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE energy_certificates SET status = 'retired', ledger_tx = $2
		WHERE id = $1 AND status = 'issued'`, id, ledgerTx)
	if err != nil {
		return gwerrors.DatabaseError("retire certificate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gwerrors.AlreadyRetired(id.String())
	}
	return nil
}

// --- Audit log --------------------------------------------------------------

// InsertAuditLog appends an audit record.
func (s *Store) InsertAuditLog(ctx context.Context, a *domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_log (
		id, actor, action, resource, resource_id, result, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.Actor, a.Action, a.Resource, a.ResourceID, a.Result, a.CreatedAt)
	if err != nil {
		return gwerrors.DatabaseError("insert audit log", err)
	}
	return nil
}
