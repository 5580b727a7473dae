package main

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/httputil"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
	"github.com/r3e-network/gridtokenx-gateway/internal/matching"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

type createOrderRequest struct {
	MeterID      *uuid.UUID `json:"meter_id"`
	Side         string     `json:"side"`
	Type         string     `json:"type"`
	EnergyAmount float64    `json:"energy_amount"`
	PricePerKWh  *float64   `json:"price_per_kwh"`
	ZoneID       string     `json:"zone_id"`
	MinFill      *float64   `json:"min_fill"`
	MaxFill      *float64   `json:"max_fill"`
	TimeInForceS *int64     `json:"time_in_force_seconds"`
}

// createOrderHandler implements POST /trading/orders (spec.md §6): it
// places the order against whichever epoch is currently active.
func createOrderHandler(st *store.Store, engine *matching.Engine, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromContext(r)
		if err != nil {
			writeServiceError(w, r, log, gwerrors.Unauthorized("missing or invalid user id"))
			return
		}

		var req createOrderRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}

		side := domain.OrderSide(req.Side)
		if side != domain.SideBuy && side != domain.SideSell {
			writeServiceError(w, r, log, gwerrors.InvalidInput("side", "must be buy or sell"))
			return
		}
		orderType := domain.OrderType(req.Type)
		if orderType != domain.OrderLimit && orderType != domain.OrderMarket {
			writeServiceError(w, r, log, gwerrors.InvalidInput("type", "must be limit or market"))
			return
		}
		if orderType == domain.OrderLimit && req.PricePerKWh == nil {
			writeServiceError(w, r, log, gwerrors.MissingParameter("price_per_kwh"))
			return
		}
		if req.EnergyAmount <= 0 {
			writeServiceError(w, r, log, gwerrors.InvalidInput("energy_amount", "must be positive"))
			return
		}

		epoch, err := st.GetActiveEpoch(r.Context())
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		var timeInForce *time.Duration
		if req.TimeInForceS != nil {
			d := time.Duration(*req.TimeInForceS) * time.Second
			timeInForce = &d
		}

		order := &domain.TradingOrder{
			UserID:       userID,
			EpochID:      epoch.ID,
			MeterID:      req.MeterID,
			Side:         side,
			Type:         orderType,
			EnergyAmount: req.EnergyAmount,
			PricePerKWh:  req.PricePerKWh,
			ZoneID:       req.ZoneID,
			MinFill:      req.MinFill,
			MaxFill:      req.MaxFill,
			TimeInForce:  timeInForce,
		}
		if err := engine.SubmitOrder(r.Context(), order); err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		httputil.RespondCreated(w, map[string]interface{}{"order_id": order.ID})
	}
}
