package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body ErrorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return body.Error
}

func TestWriteSuccessStatusWrapsData(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"job_id": "abc"})

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"data":{"job_id":"abc"}}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		status      int
		code        pkgerrors.Code
		message     string
		wantDetails bool
	}{
		{
			name:        "validation exposes message and details",
			err:         pkgerrors.New(pkgerrors.CodeValidation, "bad input").WithDetails(map[string]string{"field": "file"}),
			status:      http.StatusBadRequest,
			code:        pkgerrors.CodeValidation,
			message:     "bad input",
			wantDetails: true,
		},
		{
			name:   "insufficient credits",
			err:    pkgerrors.New(pkgerrors.CodeInsufficientCredits, "x"),
			status: http.StatusPaymentRequired,
			code:   pkgerrors.CodeInsufficientCredits,
		},
		{
			name:   "consent required",
			err:    pkgerrors.New(pkgerrors.CodeConsentRequired, "x"),
			status: http.StatusForbidden,
			code:   pkgerrors.CodeConsentRequired,
		},
		{
			name:   "too many active runs",
			err:    pkgerrors.New(pkgerrors.CodeTooManyActiveRuns, "x"),
			status: http.StatusTooManyRequests,
			code:   pkgerrors.CodeTooManyActiveRuns,
		},
		{
			name:   "vendor timeout",
			err:    pkgerrors.New(pkgerrors.CodeVendorTimeout, "x"),
			status: http.StatusGatewayTimeout,
			code:   pkgerrors.CodeVendorTimeout,
		},
		{
			name:    "untyped error hides its text",
			err:     errors.New("dial tcp 10.0.0.3:5432: refused"),
			status:  http.StatusInternalServerError,
			code:    pkgerrors.CodeInternal,
			message: pkgerrors.MetadataFor(pkgerrors.CodeInternal).PublicMessage,
		},
		{
			name:   "nil error",
			status: http.StatusInternalServerError,
			code:   pkgerrors.CodeInternal,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(context.Background(), nil, w, tc.err)

			if w.Code != tc.status {
				t.Fatalf("expected %d got %d", tc.status, w.Code)
			}
			body := decodeError(t, w)
			if body.Code != string(tc.code) {
				t.Fatalf("unexpected code %s", body.Code)
			}
			if tc.message != "" && body.Message != tc.message {
				t.Fatalf("unexpected message %q", body.Message)
			}
			if (body.Details != nil) != tc.wantDetails {
				t.Fatalf("details presence mismatch: %v", body.Details)
			}
		})
	}
}

func TestWriteErrorLogsServerFailures(t *testing.T) {
	var buf bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "responses-test", Output: &buf})

	WriteError(context.Background(), logg, httptest.NewRecorder(),
		pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("redis down"), "rate limiter unavailable"))

	out := buf.String()
	if !strings.Contains(out, "request.error") || !strings.Contains(out, `"http_status":`) {
		t.Fatalf("expected request.error log with status, got %s", out)
	}
}
