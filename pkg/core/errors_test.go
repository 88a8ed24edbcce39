package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestServiceError(t *testing.T) {
	tests := []struct {
		status int
		code   ErrorCode
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusGone, ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusTooManyRequests, ErrRateLimit},
		{http.StatusGatewayTimeout, ErrServiceTimeout},
		{http.StatusBadRequest, ErrInvalidInput},
		{http.StatusInternalServerError, ErrInternalError},
		{http.StatusServiceUnavailable, ErrServiceUnavailable},
		{http.StatusTeapot, ErrServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := ServiceError("OSM API", tt.status, "failed")
			if err.Code != string(tt.code) {
				t.Errorf("code = %s, want %s", err.Code, tt.code)
			}
			if err.Status != tt.status {
				t.Errorf("status = %d, want %d", err.Status, tt.status)
			}
			if err.Guidance == "" {
				t.Error("expected guidance")
			}
		})
	}
}

func TestIsCodeAndAsError(t *testing.T) {
	wrapped := fmt.Errorf("get changeset: %w", NewError(ErrNotFound, "changeset 4"))

	if !IsCode(wrapped, ErrNotFound) {
		t.Error("IsCode should see through wrapping")
	}
	if IsCode(wrapped, ErrRateLimit) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(errors.New("plain"), ErrNotFound) {
		t.Error("IsCode matched a plain error")
	}

	if got := AsError(wrapped); got.Code != string(ErrNotFound) {
		t.Errorf("AsError lost the code: %s", got.Code)
	}
	if got := AsError(errors.New("plain")); got.Code != string(ErrInternalError) || got.Message != "plain" {
		t.Errorf("unexpected conversion %+v", got)
	}
}

func TestErrorToMCPResult(t *testing.T) {
	e := NewValidationError(ErrInvalidParameter, "workspace must be positive").
		WithQuery("workspace=0").
		WithSuggestions("use 1")

	result := e.ToMCPResult()
	if !result.IsError {
		t.Fatal("expected an error result")
	}

	text := result.Content[0].(mcp.TextContent).Text
	var decoded Error
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if decoded.Code != string(ErrInvalidParameter) || decoded.Query != "workspace=0" || len(decoded.Suggestions) != 1 {
		t.Errorf("unexpected payload %+v", decoded)
	}
	if !strings.Contains(e.Error(), "Please correct") {
		t.Errorf("Error() should include guidance: %s", e.Error())
	}
}
