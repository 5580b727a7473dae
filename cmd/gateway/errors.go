package main

import (
	"net/http"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/httputil"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
)

// writeServiceError maps a *gwerrors.ServiceError returned by any
// internal/* package to the typed JSON error body spec.md §7 describes.
// httputil's own generic handler wrappers only recognize httputil's
// typed errors, not gwerrors.ServiceError, so every gateway handler
// routes failures through here instead.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logging.Logger, err error) {
	svcErr := gwerrors.GetServiceError(err)
	if svcErr == nil {
		log.WithContext(r.Context()).WithError(err).Error("unhandled error in gateway handler")
		httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, string(gwerrors.ErrCodeInternal), "internal server error", nil)
		return
	}

	if svcErr.HTTPStatus >= http.StatusInternalServerError {
		log.WithContext(r.Context()).WithError(svcErr).Error("service error in gateway handler")
	}
	httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
}
