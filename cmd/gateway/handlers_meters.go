package main

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/httputil"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/audit"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/ingestor"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// submitReadingRequest mirrors ingestor.Request's wire shape (spec.md §4.6
// sync path).
type submitReadingRequest struct {
	Timestamp    *time.Time `json:"timestamp"`
	KWh          float64    `json:"kwh"`
	Voltage      *float64   `json:"voltage"`
	Current      *float64   `json:"current"`
	PowerFactor  *float64   `json:"power_factor"`
	Frequency    *float64   `json:"frequency"`
	THD          *float64   `json:"thd"`
	Wallet       string     `json:"wallet"`
	MaxSellPrice *float64   `json:"max_sell_price"`
	MaxBuyPrice  *float64   `json:"max_buy_price"`
	Signature    string     `json:"signature"`
	AutoMint     bool       `json:"auto_mint"`
}

func submitReadingHandler(ing *ingestor.Ingestor, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := mux.Vars(r)["serial"]

		var req submitReadingRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}

		result, err := ing.Submit(r.Context(), serial, ingestor.Request{
			Timestamp:    req.Timestamp,
			KWh:          req.KWh,
			Voltage:      req.Voltage,
			Current:      req.Current,
			PowerFactor:  req.PowerFactor,
			Frequency:    req.Frequency,
			THD:          req.THD,
			Wallet:       req.Wallet,
			MaxSellPrice: req.MaxSellPrice,
			MaxBuyPrice:  req.MaxBuyPrice,
			Signature:    req.Signature,
			AutoMint:     req.AutoMint,
		})
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		httputil.RespondCreated(w, result)
	}
}

// verifyMeterHandler and revokeMeterHandler implement the meter
// verification workflow SPEC_FULL.md §10 supplements from
// original_source/'s handlers/meter_verification.rs: admin-only
// transitions on Meter.verification_state. Both are audit-logged since
// revoking a meter's verification halts its future mint-eligible readings.
func verifyMeterHandler(st *store.Store, rec *audit.Recorder, log *logging.Logger) http.HandlerFunc {
	return meterStateHandler(st, rec, log, domain.VerificationVerified)
}

func revokeMeterHandler(st *store.Store, rec *audit.Recorder, log *logging.Logger) http.HandlerFunc {
	return meterStateHandler(st, rec, log, domain.VerificationRevoked)
}

func meterStateHandler(st *store.Store, rec *audit.Recorder, log *logging.Logger, state domain.VerificationState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeServiceError(w, r, log, gwerrors.InvalidFormat("id", "uuid"))
			return
		}
		actor := logging.GetUserID(r.Context())
		if err := st.SetMeterVerificationState(r.Context(), id, state); err != nil {
			rec.Record(r.Context(), actor, "meter."+string(state), "meter", id.String(), "failure")
			writeServiceError(w, r, log, err)
			return
		}
		rec.Record(r.Context(), actor, "meter."+string(state), "meter", id.String(), "success")
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": string(state)})
	}
}
