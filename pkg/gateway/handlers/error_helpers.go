package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/signloop/signloop/pkg/gateway/apierror"
)

func writeAPIErrorJSON(w http.ResponseWriter, reqID string, apiErr *apierror.Error, status int) {
	if apiErr != nil && apiErr.RequestID == "" {
		apiErr.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: apiErr})
}
