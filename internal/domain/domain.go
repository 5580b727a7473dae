// Package domain defines the core data model shared by every gateway
// subsystem: users, meters, readings, orders, matches, settlements,
// certificates, and zones.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserRole is the access level granted to a user.
type UserRole string

const (
	RoleConsumer UserRole = "consumer"
	RoleProsumer UserRole = "prosumer"
	RoleAdmin    UserRole = "admin"
)

// User is an account holder. Login credentials are opaque to the core;
// only the encrypted ledger key (if any) lives here.
type User struct {
	ID                 uuid.UUID `db:"id"`
	Email              string    `db:"email"`
	WalletAddress      string    `db:"wallet_address"`
	EncryptedKeyCipher string    `db:"encrypted_key_cipher"`
	EncryptedKeySalt   string    `db:"encrypted_key_salt"`
	EncryptedKeyIV     string    `db:"encrypted_key_iv"`
	ExternalKeyRef     string    `db:"external_key_ref"`
	Role               UserRole  `db:"role"`
	Active             bool      `db:"active"`
	CreatedAt          time.Time `db:"created_at"`
}

// MeterType classifies the generation/consumption asset behind a meter.
type MeterType string

const (
	MeterSolar   MeterType = "solar"
	MeterWind    MeterType = "wind"
	MeterBattery MeterType = "battery"
	MeterGrid    MeterType = "grid"
)

// VerificationState is the lifecycle of a meter's registry verification.
type VerificationState string

const (
	VerificationUnverified VerificationState = "unverified"
	VerificationVerified   VerificationState = "verified"
	VerificationRevoked    VerificationState = "revoked"
)

// Meter is a physical or virtual metering point owned by a user.
type Meter struct {
	ID                uuid.UUID         `db:"id"`
	UserID            uuid.UUID         `db:"user_id"`
	Serial            string            `db:"serial"`
	Type              MeterType         `db:"type"`
	Location          string            `db:"location"`
	ZoneID            string            `db:"zone_id"`
	VerificationState VerificationState `db:"verification_state"`
	SigningPublicKey  string            `db:"signing_public_key"` // base58 Ed25519 public key, empty if unregistered
	CreatedAt         time.Time         `db:"created_at"`
}

// ElectricalParams carries optional instrument readings that accompany a
// meter reading payload.
type ElectricalParams struct {
	Voltage     *float64 `db:"voltage"`
	Current     *float64 `db:"current"`
	PowerFactor *float64 `db:"power_factor"`
	Frequency   *float64 `db:"frequency"`
	THD         *float64 `db:"thd"`
}

// MeterReading is one ingested sample from a meter.
type MeterReading struct {
	ID          uuid.UUID `db:"id"`
	MeterSerial string    `db:"meter_serial"`
	Timestamp   time.Time `db:"reading_time"`
	KWh         float64   `db:"kwh"` // positive = production, negative = consumption
	ElectricalParams
	Surplus           *float64           `db:"surplus"`
	Deficit           *float64           `db:"deficit"`
	PricePreference   *float64           `db:"price_preference"`
	VerificationState VerificationState  `db:"verification_state"`
	Minted            bool               `db:"minted"`
	MintTxID          string             `db:"mint_tx_id"`
	HealthScore       *float64           `db:"health_score"`
	CreatedAt         time.Time          `db:"created_at"`
}

// UnmintedBalance is the per-meter accumulator feeding the mint-aggregation
// pipeline.
type UnmintedBalance struct {
	MeterSerial string     `db:"meter_serial"`
	Accumulated float64    `db:"accumulated"`
	UpdatedAt   time.Time  `db:"updated_at"`
	LastMintAt  *time.Time `db:"last_mint_at"`
}

// EpochStatus is the state-machine position of a MarketEpoch.
type EpochStatus string

const (
	EpochPending EpochStatus = "pending"
	EpochActive  EpochStatus = "active"
	EpochCleared EpochStatus = "cleared"
	EpochSettled EpochStatus = "settled"
	EpochExpired EpochStatus = "expired"
)

// MarketEpoch is one fixed-duration trading window.
type MarketEpoch struct {
	ID            uuid.UUID   `db:"id"`
	Number        int64       `db:"number"`
	StartTime     time.Time   `db:"start_time"`
	EndTime       time.Time   `db:"end_time"`
	Status        EpochStatus `db:"status"`
	ClearingPrice *float64    `db:"clearing_price"`
	TotalVolume   float64     `db:"total_volume"`
	TotalOrders   int         `db:"total_orders"`
	MatchedOrders int         `db:"matched_orders"`
}

// OrderSide distinguishes buy from sell orders.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType distinguishes limit from market orders.
type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

// OrderStatus is the lifecycle of a TradingOrder.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
)

// TradingOrder is a bid or ask placed against an epoch's order book.
type TradingOrder struct {
	ID           uuid.UUID      `db:"id"`
	UserID       uuid.UUID      `db:"user_id"`
	EpochID      uuid.UUID      `db:"epoch_id"`
	MeterID      *uuid.UUID     `db:"meter_id"`
	Side         OrderSide      `db:"side"`
	Type         OrderType      `db:"order_type"`
	EnergyAmount float64        `db:"energy_amount"`
	PricePerKWh  *float64       `db:"price_per_kwh"` // nil iff Type == OrderMarket
	Filled       float64        `db:"filled"`
	Status       OrderStatus    `db:"status"`
	CreatedAt    time.Time      `db:"created_at"`
	ZoneID       string         `db:"zone_id"`
	MinFill      *float64       `db:"min_fill"`
	MaxFill      *float64       `db:"max_fill"`
	TimeInForce  *time.Duration `db:"time_in_force"`
	// ArrivalSeq is the engine-local strictly monotonic arrival counter
	// used to break price ties; it is persisted so a restart can
	// reconstruct the exact original arrival order.
	ArrivalSeq int64 `db:"arrival_seq"`
}

// Remaining returns the unfilled portion of the order.
func (o *TradingOrder) Remaining() float64 {
	return o.EnergyAmount - o.Filled
}

// MatchStatus is the lifecycle of an OrderMatch.
type MatchStatus string

const (
	MatchPending MatchStatus = "pending"
	MatchSettled MatchStatus = "settled"
	MatchFailed  MatchStatus = "failed"
)

// OrderMatch is one fill produced by the matching engine.
type OrderMatch struct {
	ID            uuid.UUID  `db:"id"`
	EpochID       uuid.UUID  `db:"epoch_id"`
	BuyOrderID    uuid.UUID  `db:"buy_order_id"`
	SellOrderID   uuid.UUID  `db:"sell_order_id"`
	MatchedAmount float64    `db:"matched_amount"`
	MatchPrice    float64    `db:"match_price"`
	MatchTime     time.Time  `db:"match_time"`
	Status        MatchStatus `db:"status"`
	SettlementID  *uuid.UUID `db:"settlement_id"`
}

// SettlementStatus is the lifecycle of a Settlement.
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementFailed     SettlementStatus = "failed"
)

// Settlement records the financial/ledger outcome of one OrderMatch.
type Settlement struct {
	ID              uuid.UUID        `db:"id"`
	EpochID         uuid.UUID        `db:"epoch_id"`
	MatchID         uuid.UUID        `db:"match_id"`
	BuyerID         uuid.UUID        `db:"buyer_id"`
	SellerID        uuid.UUID        `db:"seller_id"`
	EnergyAmount    float64          `db:"energy_amount"`
	PricePerKWh     float64          `db:"price_per_kwh"`
	TotalAmount     float64          `db:"total_amount"`
	FeeAmount       float64          `db:"fee_amount"`
	WheelingCharge  float64          `db:"wheeling_charge"`
	LossFactor      float64          `db:"loss_factor"`
	LossCost        float64          `db:"loss_cost"`
	EffectiveEnergy float64          `db:"effective_energy"`
	BuyerZoneID     string           `db:"buyer_zone_id"`
	SellerZoneID    string           `db:"seller_zone_id"`
	NetAmount       float64          `db:"net_amount"`
	Status          SettlementStatus `db:"status"`
	FailureReason   string           `db:"failure_reason"`
	LedgerTx        string           `db:"ledger_tx"`
	AttemptCount    int              `db:"attempt_count"`
	ConfirmedAt     *time.Time       `db:"confirmed_at"`
	CreatedAt       time.Time        `db:"created_at"`
}

// CertificateStatus is the lifecycle of an EnergyCertificate.
type CertificateStatus string

const (
	CertificateIssued  CertificateStatus = "issued"
	CertificateRetired CertificateStatus = "retired"
	CertificateExpired CertificateStatus = "expired"
)

// EnergyCertificate is a renewable-energy certificate (REC).
type EnergyCertificate struct {
	ID           uuid.UUID         `db:"id"`
	UserID       uuid.UUID         `db:"user_id"`
	Issuer       string            `db:"issuer"`
	KWhAmount    float64           `db:"kwh_amount"`
	EnergyType   string            `db:"energy_type"`
	IssuedAt     time.Time         `db:"issued_at"`
	ExpiresAt    *time.Time        `db:"expires_at"`
	Metadata     string            `db:"metadata"` // serialized JSON blob
	Status       CertificateStatus `db:"status"`
	SettlementID *uuid.UUID        `db:"settlement_id"`
	LedgerTx     string            `db:"ledger_tx"`
}

// EffectiveStatus computes the observed status, folding in the time-based
// expired transition that is never persisted as a write.
func (c *EnergyCertificate) EffectiveStatus(now time.Time) CertificateStatus {
	if c.Status == CertificateRetired {
		return CertificateRetired
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return CertificateExpired
	}
	return c.Status
}

// Zone is an administrative grid region.
type Zone struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

// ZoneCost is the wheeling/loss coefficient pair between two zones.
type ZoneCost struct {
	SellerZoneID string  `db:"seller_zone_id"`
	BuyerZoneID  string  `db:"buyer_zone_id"`
	WheelingCost float64 `db:"wheeling_cost"` // per kWh
	LossFactor   float64 `db:"loss_factor"`   // in [0,1)
}

// AuditLog is an append-only record of administrative/security-relevant
// actions.
type AuditLog struct {
	ID         uuid.UUID `db:"id"`
	Actor      string    `db:"actor"`
	Action     string    `db:"action"`
	Resource   string    `db:"resource"`
	ResourceID string    `db:"resource_id"`
	Result     string    `db:"result"`
	CreatedAt  time.Time `db:"created_at"`
}
