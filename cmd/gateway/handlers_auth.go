package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/httputil"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/keystore"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// Credential exchange is explicitly out-of-scope internals (spec.md §6):
// these two handlers identify a user by email alone and mint a bearer
// token, with no password storage or verification. A production deploy
// would put real credential handling in front of this boundary.

type registerRequest struct {
	Email            string `json:"email"`
	WalletAddress    string `json:"wallet_address"`
	WalletPassphrase string `json:"wallet_passphrase"`
}

// provisionCustodialWallet generates an Ed25519 keypair and seals its seed
// under passphrase-derived encryption (internal/keystore, spec.md §4.2),
// for registrants who supply a passphrase instead of their own wallet
// address. The encrypted triple lands on domain.User's
// encrypted_key_{cipher,salt,iv} columns; the platform never holds the
// passphrase itself.
func provisionCustodialWallet(passphrase string) (address string, enc *keystore.Encrypted, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, gwerrors.EncryptionFailed(err)
	}
	enc, err = keystore.Encrypt(passphrase, priv.Seed())
	if err != nil {
		return "", nil, err
	}
	return base58.Encode(pub), enc, nil
}

type loginRequest struct {
	Email string `json:"email"`
}

type authResponse struct {
	Token  string    `json:"token"`
	UserID uuid.UUID `json:"user_id"`
}

func registerHandler(st *store.Store, signingKey []byte, expiry time.Duration, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.Email == "" {
			writeServiceError(w, r, log, gwerrors.MissingParameter("email"))
			return
		}

		if existing, err := st.GetUserByEmail(r.Context(), req.Email); err == nil {
			token, signErr := issueToken(signingKey, expiry, existing)
			if signErr != nil {
				writeServiceError(w, r, log, gwerrors.Internal("sign token", signErr))
				return
			}
			httputil.WriteJSON(w, http.StatusOK, authResponse{Token: token, UserID: existing.ID})
			return
		} else if !gwerrors.IsNotFound(err) {
			writeServiceError(w, r, log, err)
			return
		}

		u := &domain.User{
			ID:            uuid.New(),
			Email:         req.Email,
			WalletAddress: req.WalletAddress,
			Role:          domain.RoleConsumer,
			Active:        true,
			CreatedAt:     time.Now().UTC(),
		}

		if u.WalletAddress == "" {
			if req.WalletPassphrase == "" {
				writeServiceError(w, r, log, gwerrors.MissingParameter("wallet_address or wallet_passphrase"))
				return
			}
			address, enc, err := provisionCustodialWallet(req.WalletPassphrase)
			if err != nil {
				writeServiceError(w, r, log, err)
				return
			}
			u.WalletAddress = address
			u.EncryptedKeyCipher = enc.Ciphertext
			u.EncryptedKeySalt = enc.Salt
			u.EncryptedKeyIV = enc.IV
		}

		if err := st.InsertUser(r.Context(), u); err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		token, err := issueToken(signingKey, expiry, u)
		if err != nil {
			writeServiceError(w, r, log, gwerrors.Internal("sign token", err))
			return
		}
		httputil.RespondCreated(w, authResponse{Token: token, UserID: u.ID})
	}
}

func loginHandler(st *store.Store, signingKey []byte, expiry time.Duration, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}

		u, err := st.GetUserByEmail(r.Context(), req.Email)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		if !u.Active {
			writeServiceError(w, r, log, gwerrors.Forbidden("account is deactivated"))
			return
		}

		token, err := issueToken(signingKey, expiry, u)
		if err != nil {
			writeServiceError(w, r, log, gwerrors.Internal("sign token", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, authResponse{Token: token, UserID: u.ID})
	}
}
