package main

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/httputil"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/audit"
	"github.com/r3e-network/gridtokenx-gateway/internal/matching"
	"github.com/r3e-network/gridtokenx-gateway/internal/scheduler"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

// orderBookHandler implements GET /market/orderbook: the full live book
// for whichever epoch is currently active.
func orderBookHandler(st *store.Store, engine *matching.Engine, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		epoch, err := st.GetActiveEpoch(r.Context())
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, engine.Snapshot(epoch.ID))
	}
}

// epochHandler implements both GET /market/epoch and GET
// /market/epoch/status: the caller decides which fields matter.
func epochHandler(st *store.Store, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		epoch, err := st.GetActiveEpoch(r.Context())
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, epoch)
	}
}

// marketDepthHandler implements GET /market/depth (SPEC_FULL.md §10,
// supplementing the MarketDepthUpdate event with a pollable REST view).
func marketDepthHandler(st *store.Store, engine *matching.Engine, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		epoch, err := st.GetActiveEpoch(r.Context())
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		levels := httputil.QueryInt(r, "levels", 10)
		bids, asks := engine.Depth(epoch.ID, levels)
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"epoch_id": epoch.ID,
			"bids":     bids,
			"asks":     asks,
		})
	}
}

// marketStatsHandler implements GET /market/stats (SPEC_FULL.md §10,
// supplementing the MarketStats event), reporting the active epoch's
// running volume/clearing-price counters.
func marketStatsHandler(st *store.Store, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		epoch, err := st.GetActiveEpoch(r.Context())
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"epoch_id":       epoch.ID,
			"epoch_number":   epoch.Number,
			"total_volume":   epoch.TotalVolume,
			"total_orders":   epoch.TotalOrders,
			"matched_orders": epoch.MatchedOrders,
			"clearing_price": epoch.ClearingPrice,
		})
	}
}

// triggerEpochHandler implements POST /admin/epochs/{id}/trigger: an
// admin-only forced clearing transition (spec.md §6). The action is
// audit-logged since forcing a clearing early changes which orders match.
func triggerEpochHandler(sch *scheduler.Scheduler, rec *audit.Recorder, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeServiceError(w, r, log, gwerrors.InvalidFormat("id", "uuid"))
			return
		}
		actor := logging.GetUserID(r.Context())
		if err := sch.TriggerClearing(r.Context(), id); err != nil {
			rec.Record(r.Context(), actor, "epoch.trigger", "market_epoch", id.String(), "failure")
			writeServiceError(w, r, log, err)
			return
		}
		rec.Record(r.Context(), actor, "epoch.trigger", "market_epoch", id.String(), "success")
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}
