package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("bad sdp")
	err := NewInvalidMessageError(originalErr)

	if !errors.Is(err, originalErr) {
		t.Errorf("expected cause to be reachable with errors.Is")
	}
	if !strings.Contains(err.Error(), "bad sdp") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want 400", err.HTTPStatus)
	}
}

func TestAppError_Frame(t *testing.T) {
	err := NewPeerNotFoundError("bob")

	raw, jerr := json.Marshal(err.Frame())
	if jerr != nil {
		t.Fatal(jerr)
	}

	var decoded map[string]interface{}
	if jerr := json.Unmarshal(raw, &decoded); jerr != nil {
		t.Fatal(jerr)
	}
	if decoded["type"] != "error" {
		t.Errorf("type = %v, want error", decoded["type"])
	}
	if decoded["code"] != string(ErrCodePeerNotFound) {
		t.Errorf("code = %v, want %s", decoded["code"], ErrCodePeerNotFound)
	}
	ctx, _ := decoded["context"].(map[string]interface{})
	if ctx["peer_id"] != "bob" {
		t.Errorf("context.peer_id = %v, want bob", ctx["peer_id"])
	}
}

func TestAppError_FrameOmitsEmptyContext(t *testing.T) {
	raw, _ := json.Marshal(NewRateLimitError().Frame())
	if strings.Contains(string(raw), "context") {
		t.Errorf("expected no context key, got %s", raw)
	}
}

func TestGetAppError_Wrapped(t *testing.T) {
	appErr := NewSessionMismatchError()
	wrapped := fmt.Errorf("route: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError() = %v, want %v", got, appErr)
	}
	if !IsAppError(wrapped) {
		t.Errorf("IsAppError() = false, want true")
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Errorf("expected nil for plain error")
	}
	if GetAppError(nil) != nil {
		t.Errorf("expected nil for nil error")
	}
}
