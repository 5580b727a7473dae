package main

import (
	"net/http"

	"github.com/r3e-network/gridtokenx-gateway/infrastructure/httputil"
	"github.com/r3e-network/gridtokenx-gateway/internal/dashboard"
)

// dashboardMetricsHandler implements GET /dashboard/metrics (spec.md §6):
// the latest grid snapshot plus its recent downsampled history.
func dashboardMetricsHandler(agg *dashboard.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"current": agg.Current(),
			"history": agg.History(),
		})
	}
}
