package rec

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/eventbus"
	"github.com/r3e-network/gridtokenx-gateway/internal/keystore"
	"github.com/r3e-network/gridtokenx-gateway/internal/ledger"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// fakeChain is a minimal ledger.Adapter double covering only the methods
// the REC service calls.
type fakeChain struct {
	ensureTokenAccount func(ctx context.Context, owner, mint string) (string, error)
	submitMint         func(ctx context.Context, authority *keystore.AuthorityKey, destination, mint string, amount uint64, idempotencyKey string) (string, error)
	submitTransfer     func(ctx context.Context, authority *keystore.AuthorityKey, from, to, mint string, amount uint64, idempotencyKey string) (string, error)
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
	return f.submitMint(ctx, authority, destination, mint, amount, idempotencyKey)
}
func (f *fakeChain) SubmitTransfer(ctx context.Context, authority *keystore.AuthorityKey, from, to, mint string, amount uint64, idempotencyKey string) (string, error) {
	return f.submitTransfer(ctx, authority, from, to, mint, amount, idempotencyKey)
}
func (f *fakeChain) SubmitInstruction(ctx context.Context, signedTxHex string) (string, error) {
	return "", nil
}
func (f *fakeChain) SignatureStatus(ctx context.Context, txID string) (ledger.SignatureStatus, error) {
	return ledger.StatusConfirmed, nil
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

func newTestService(t *testing.T, chain ledger.Adapter) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewWithDB(sqlx.NewDb(db, "postgres"))
	bus := eventbus.New(10)
	log := logging.New("test", "error", "text")
	cfg := Config{Issuer: "gridtokenx", RecMintAddress: "rec-mint"}

	return New(st, bus, chain, newTestAuthorityKey(t), log, cfg), mock
}

func testMeterRow(id, userID uuid.UUID, mtype domain.MeterType, zone string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "serial", "type", "location", "zone_id",
		"verification_state", "signing_public_key", "created_at",
	}).AddRow(id, userID, "serial-1", mtype, "loc", zone, domain.VerificationVerified, "", time.Now().UTC())
}

func testUserRow(id uuid.UUID, wallet string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "wallet_address", "encrypted_key_cipher", "encrypted_key_salt",
		"encrypted_key_iv", "external_key_ref", "role", "active", "created_at",
	}).AddRow(id, "user@example.com", wallet, "", "", "", "", domain.RoleProsumer, true, time.Now().UTC())
}

func testCertificateRow(c domain.EnergyCertificate) *sqlmock.Rows {
	var settlementID interface{}
	if c.SettlementID != nil {
		settlementID = *c.SettlementID
	}
	var expiresAt interface{}
	if c.ExpiresAt != nil {
		expiresAt = *c.ExpiresAt
	}
	return sqlmock.NewRows([]string{
		"id", "user_id", "issuer", "kwh_amount", "energy_type", "issued_at",
		"expires_at", "metadata", "status", "settlement_id", "ledger_tx",
	}).AddRow(c.ID, c.UserID, c.Issuer, c.KWhAmount, c.EnergyType, c.IssuedAt,
		expiresAt, c.Metadata, c.Status, settlementID, c.LedgerTx)
}

func TestIssueForSettlementMintsAndRecordsCertificate(t *testing.T) {
	chain := &fakeChain{
		ensureTokenAccount: func(ctx context.Context, owner, mint string) (string, error) {
			return owner + "-account", nil
		},
		submitMint: func(ctx context.Context, authority *keystore.AuthorityKey, destination, mint string, amount uint64, idempotencyKey string) (string, error) {
			return "mint-tx-1", nil
		},
	}
	svc, mock := newTestService(t, chain)

	meterID, sellerID, settlementID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT id, user_id, serial, type, location, zone_id`).WithArgs(meterID).
		WillReturnRows(testMeterRow(meterID, sellerID, domain.MeterSolar, "zone-1"))
	mock.ExpectQuery(`SELECT id, email, wallet_address`).WithArgs(sellerID).
		WillReturnRows(testUserRow(sellerID, "seller-wallet"))
	mock.ExpectExec(`INSERT INTO energy_certificates`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := svc.IssueForSettlement(context.Background(), sellerID, meterID, settlementID, 10.0)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueForSettlementRejectsSellerWithoutWallet(t *testing.T) {
	svc, mock := newTestService(t, &fakeChain{})
	meterID, sellerID, settlementID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT id, user_id, serial, type, location, zone_id`).WithArgs(meterID).
		WillReturnRows(testMeterRow(meterID, sellerID, domain.MeterSolar, "zone-1"))
	mock.ExpectQuery(`SELECT id, email, wallet_address`).WithArgs(sellerID).
		WillReturnRows(testUserRow(sellerID, ""))

	err := svc.IssueForSettlement(context.Background(), sellerID, meterID, settlementID, 10.0)

	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetireTransfersToAuthorityAndMarksRetired(t *testing.T) {
	chain := &fakeChain{
		ensureTokenAccount: func(ctx context.Context, owner, mint string) (string, error) {
			return owner + "-account", nil
		},
		submitTransfer: func(ctx context.Context, authority *keystore.AuthorityKey, from, to, mint string, amount uint64, idempotencyKey string) (string, error) {
			return "retire-tx-1", nil
		},
	}
	svc, mock := newTestService(t, chain)

	certID, ownerID := uuid.New(), uuid.New()
	cert := domain.EnergyCertificate{
		ID: certID, UserID: ownerID, Issuer: "gridtokenx", KWhAmount: 5.0,
		EnergyType: "solar", IssuedAt: time.Now().UTC(), Status: domain.CertificateIssued,
	}

	mock.ExpectQuery(`SELECT id, user_id, issuer, kwh_amount, energy_type`).WithArgs(certID).
		WillReturnRows(testCertificateRow(cert))
	mock.ExpectQuery(`SELECT id, email, wallet_address`).WithArgs(ownerID).
		WillReturnRows(testUserRow(ownerID, "owner-wallet"))
	mock.ExpectExec(`UPDATE energy_certificates SET status = 'retired'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := svc.Retire(context.Background(), certID, ownerID)

	require.NoError(t, err)
	assert.Equal(t, domain.CertificateRetired, got.Status)
	assert.Equal(t, "retire-tx-1", got.LedgerTx)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetireRejectsWrongRequester(t *testing.T) {
	svc, mock := newTestService(t, &fakeChain{})
	certID, ownerID, strangerID := uuid.New(), uuid.New(), uuid.New()
	cert := domain.EnergyCertificate{ID: certID, UserID: ownerID, Status: domain.CertificateIssued}

	mock.ExpectQuery(`SELECT id, user_id, issuer, kwh_amount, energy_type`).WithArgs(certID).
		WillReturnRows(testCertificateRow(cert))

	_, err := svc.Retire(context.Background(), certID, strangerID)

	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetireAlreadyRetiredReturnsAlreadyRetiredError(t *testing.T) {
	svc, mock := newTestService(t, &fakeChain{})
	certID, ownerID := uuid.New(), uuid.New()
	cert := domain.EnergyCertificate{ID: certID, UserID: ownerID, Status: domain.CertificateRetired}

	mock.ExpectQuery(`SELECT id, user_id, issuer, kwh_amount, energy_type`).WithArgs(certID).
		WillReturnRows(testCertificateRow(cert))

	_, err := svc.Retire(context.Background(), certID, ownerID)

	require.Error(t, err)
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodeAlreadyRetired, svcErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttributesForLooksUpByEnergyType(t *testing.T) {
	svc := &Service{cfg: Config{
		AttributesByType: `{"solar":["rooftop","net-metered"],"wind":["onshore"]}`,
	}}

	got := svc.attributesFor("solar")
	want := []string{"rooftop", "net-metered"}
	if len(got) != len(want) {
		t.Fatalf("attributesFor(solar) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attributesFor(solar)[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAttributesForUnknownTypeReturnsNil(t *testing.T) {
	svc := &Service{cfg: Config{
		AttributesByType: `{"solar":["rooftop"]}`,
	}}
	if got := svc.attributesFor("hydro"); got != nil {
		t.Fatalf("attributesFor(hydro) = %v, want nil", got)
	}
}

func TestAttributesForUnsetConfigReturnsNil(t *testing.T) {
	svc := &Service{}
	if got := svc.attributesFor("solar"); got != nil {
		t.Fatalf("attributesFor with no config = %v, want nil", got)
	}
}
