package apperror

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serveError(t *testing.T, method string, err error) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	handler := HTTPErrorHandler(slog.Default())

	req := httptest.NewRequest(method, "/", nil)
	rec := httptest.NewRecorder()
	handler(err, e.NewContext(req, rec))
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	return resp["error"].(map[string]any)
}

func TestHTTPErrorHandler_AppError(t *testing.T) {
	rec := serveError(t, http.MethodGet, NewBadRequest("invalid input"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	errObj := decodeErrorBody(t, rec)
	if errObj["code"] != "bad_request" {
		t.Errorf("Code = %v, want bad_request", errObj["code"])
	}
	if errObj["message"] != "invalid input" {
		t.Errorf("Message = %v, want 'invalid input'", errObj["message"])
	}
}

func TestHTTPErrorHandler_WrappedAppErrorWithDetails(t *testing.T) {
	err := fmt.Errorf("merge: %w", ErrUnresolvedConflicts.WithDetails(map[string]any{
		"objects": []string{"a"},
	}))
	rec := serveError(t, http.MethodPost, err)

	if rec.Code != http.StatusConflict {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusConflict)
	}
	errObj := decodeErrorBody(t, rec)
	if errObj["code"] != "unresolved_conflicts" {
		t.Errorf("Code = %v", errObj["code"])
	}
	if _, ok := errObj["details"]; !ok {
		t.Errorf("details missing from %v", errObj)
	}
}

func TestHTTPErrorHandler_EchoError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode string
	}{
		{"forbidden", http.StatusForbidden, "forbidden"},
		{"not_found", http.StatusNotFound, "not_found"},
		{"bad_request", http.StatusBadRequest, "bad_request"},
		{"method_not_allowed", http.StatusMethodNotAllowed, "method_not_allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveError(t, http.MethodGet, echo.NewHTTPError(tt.status, "test message"))
			if rec.Code != tt.status {
				t.Errorf("Status = %d, want %d", rec.Code, tt.status)
			}
			errObj := decodeErrorBody(t, rec)
			if errObj["code"] != tt.wantCode {
				t.Errorf("Code = %v, want %v", errObj["code"], tt.wantCode)
			}
			if errObj["message"] != "test message" {
				t.Errorf("Message = %v", errObj["message"])
			}
		})
	}
}

func TestHTTPErrorHandler_UnknownError(t *testing.T) {
	rec := serveError(t, http.MethodGet, fmt.Errorf("boom"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if decodeErrorBody(t, rec)["code"] != "internal_error" {
		t.Error("unknown errors must render as internal_error")
	}
}

func TestHTTPErrorHandler_HeadRequest(t *testing.T) {
	rec := serveError(t, http.MethodHead, NewNotFound("object", "123"))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("Body should be empty for HEAD request, got %d bytes", rec.Body.Len())
	}
}
