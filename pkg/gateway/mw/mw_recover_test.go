package mw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/signloop/signloop/pkg/gateway/apierror"
)

func TestRecover_PanicBecomesOpaque500(t *testing.T) {
	h := RequestID(Recover(discardLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/practice", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}

	var env apierror.Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Type != apierror.ErrAPI {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.Error.Message != "internal error" {
		t.Fatalf("message=%q leaks panic detail", env.Error.Message)
	}
	if env.Error.RequestID == "" {
		t.Fatal("expected request_id in error body")
	}
}
