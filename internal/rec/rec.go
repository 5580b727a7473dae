// Package rec implements the REC Service (spec.md §4.10): issues
// renewable-energy certificates against completed settlements and
// retires them one-way. Certificate metadata is serialized to JSON and
// stored on the certificate row; the ledger mint carries the amount only,
// not the metadata.
package rec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/eventbus"
	"github.com/r3e-network/gridtokenx-gateway/internal/keystore"
	"github.com/r3e-network/gridtokenx-gateway/internal/ledger"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// Config tunes certificate issuance.
type Config struct {
	Issuer         string
	RecMintAddress string
	Validity       time.Duration // 0 means certificates never expire

	// AttributesByType is a raw JSON object, keyed by meter energy type,
	// of attribute lists to embed in each certificate's metadata, e.g.
	// {"solar":["rooftop","net-metered"],"wind":["onshore"]}. Looked up
	// ad hoc with gjson rather than unmarshaled into a struct, since the
	// key set is open-ended and operator supplied.
	AttributesByType string
}

// Service is the REC Service.
type Service struct {
	st        *store.Store
	bus       *eventbus.Bus
	chain     ledger.Adapter
	authority *keystore.AuthorityKey
	log       *logging.Logger
	cfg       Config
}

// New constructs a Service.
func New(st *store.Store, bus *eventbus.Bus, chain ledger.Adapter, authority *keystore.AuthorityKey, log *logging.Logger, cfg Config) *Service {
	return &Service{st: st, bus: bus, chain: chain, authority: authority, log: log, cfg: cfg}
}

// certMetadata is the serialized blob persisted on EnergyCertificate.Metadata.
// It is not written to the ledger.
type certMetadata struct {
	Name       string    `json:"name"`
	KWhAmount  float64   `json:"kwh_amount"`
	EnergyType string    `json:"energy_type"`
	Issuer     string    `json:"issuer"`
	IssuedAt   time.Time `json:"issued_at"`
	Attributes []string  `json:"attributes,omitempty"`
}

// IssueForSettlement implements settlement.RecIssuer: it mints a REC for
// the seller's meter and kWh amount, recording the certificate on success.
// Per spec.md §4.9 step 7, issuance failure is logged but never rolls back
// the settlement that triggered it.
func (s *Service) IssueForSettlement(ctx context.Context, sellerID, meterID, settlementID uuid.UUID, kwhAmount float64) error {
	meter, err := s.st.GetMeter(ctx, meterID)
	if err != nil {
		return err
	}
	seller, err := s.st.GetUser(ctx, sellerID)
	if err != nil {
		return err
	}
	if seller.WalletAddress == "" {
		return gwerrors.MissingWallet(sellerID.String())
	}

	issuedAt := time.Now().UTC()
	meta := certMetadata{
		Name:       "GridTokenX REC " + meterID.String(),
		KWhAmount:  kwhAmount,
		EnergyType: string(meter.Type),
		Issuer:     s.cfg.Issuer,
		IssuedAt:   issuedAt,
		Attributes: s.attributesFor(string(meter.Type)),
	}
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return gwerrors.Internal("marshal certificate metadata", err)
	}

	account, err := s.chain.EnsureTokenAccount(ctx, seller.WalletAddress, s.cfg.RecMintAddress)
	if err != nil {
		return err
	}
	amount, err := ledger.KWhToBaseUnits(kwhAmount)
	if err != nil {
		return err
	}
	idempotencyKey := fmt.Sprintf("rec-issue:%s", settlementID)
	txID, err := s.chain.SubmitMint(ctx, s.authority, account, s.cfg.RecMintAddress, amount, idempotencyKey)
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if s.cfg.Validity > 0 {
		t := issuedAt.Add(s.cfg.Validity)
		expiresAt = &t
	}

	cert := &domain.EnergyCertificate{
		ID:           uuid.New(),
		UserID:       sellerID,
		Issuer:       s.cfg.Issuer,
		KWhAmount:    kwhAmount,
		EnergyType:   string(meter.Type),
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
		Metadata:     string(metadataJSON),
		Status:       domain.CertificateIssued,
		SettlementID: &settlementID,
		LedgerTx:     txID,
	}
	if err := s.st.InsertCertificate(ctx, cert); err != nil {
		return err
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.RecIssued, Payload: *cert})
	return nil
}

// attributesFor looks up the configured attribute list for an energy type,
// falling back to none if the type is absent from the config or the config
// is unset.
func (s *Service) attributesFor(energyType string) []string {
	if s.cfg.AttributesByType == "" {
		return nil
	}
	result := gjson.Get(s.cfg.AttributesByType, energyType)
	if !result.IsArray() {
		return nil
	}
	var attrs []string
	for _, v := range result.Array() {
		attrs = append(attrs, v.String())
	}
	return attrs
}

// Retire transitions a certificate issued -> retired, one-way, submitting a
// transfer of its REC tokens from the owner's account to the issuing
// authority's REC account. Returns AlreadyRetired if the
// certificate is not currently issued.
func (s *Service) Retire(ctx context.Context, certificateID, requestedBy uuid.UUID) (*domain.EnergyCertificate, error) {
	cert, err := s.st.GetCertificate(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	if cert.UserID != requestedBy {
		return nil, gwerrors.Forbidden("certificate does not belong to requester")
	}
	if cert.Status != domain.CertificateIssued {
		return nil, gwerrors.AlreadyRetired(certificateID.String())
	}

	owner, err := s.st.GetUser(ctx, cert.UserID)
	if err != nil {
		return nil, err
	}

	amount, err := ledger.KWhToBaseUnits(cert.KWhAmount)
	if err != nil {
		return nil, err
	}
	account, err := s.chain.EnsureTokenAccount(ctx, owner.WalletAddress, s.cfg.RecMintAddress)
	if err != nil {
		return nil, err
	}
	// Retirement moves the certificate's represented tokens to the
	// issuing authority's own account, taking them permanently out of
	// circulation without requiring a separate burn instruction type.
	authorityAccount, err := s.chain.EnsureTokenAccount(ctx, s.authority.Address(), s.cfg.RecMintAddress)
	if err != nil {
		return nil, err
	}
	idempotencyKey := fmt.Sprintf("rec-retire:%s", certificateID)
	txID, err := s.chain.SubmitTransfer(ctx, s.authority, account, authorityAccount, s.cfg.RecMintAddress, amount, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if err := s.st.RetireCertificate(ctx, certificateID, txID); err != nil {
		return nil, err
	}
	cert.Status = domain.CertificateRetired
	cert.LedgerTx = txID

	s.bus.Publish(eventbus.Event{Type: eventbus.RecRetired, Payload: *cert})
	return cert, nil
}

// ListForUser returns every certificate owned by userID, newest first.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.EnergyCertificate, error) {
	return s.st.ListCertificatesByUser(ctx, userID)
}
