package main

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/httputil"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/rec"
)

// myCertificatesHandler implements GET /erc/my-certificates (spec.md §6):
// every Energy Certificate owned by the caller, newest first.
func myCertificatesHandler(svc *rec.Service, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromContext(r)
		if err != nil {
			writeServiceError(w, r, log, gwerrors.Unauthorized("missing or invalid user id"))
			return
		}
		certs, err := svc.ListForUser(r.Context(), userID)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, certs)
	}
}

// retireCertificateHandler implements POST /erc/{id}/retire (spec.md §6).
func retireCertificateHandler(svc *rec.Service, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromContext(r)
		if err != nil {
			writeServiceError(w, r, log, gwerrors.Unauthorized("missing or invalid user id"))
			return
		}
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeServiceError(w, r, log, gwerrors.InvalidFormat("id", "uuid"))
			return
		}

		cert, err := svc.Retire(r.Context(), id, userID)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, cert)
	}
}
