package handlers

import (
	"net/http"

	"github.com/signloop/signloop/pkg/gateway/apierror"
	"github.com/signloop/signloop/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeAPIErrorJSON(w, reqID, &apierror.Error{
		Type:    apierror.ErrNotFound,
		Message: "not found",
	}, http.StatusNotFound)
}
