package status

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorCodesMapToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeNoAvailableOffer, http.StatusNotFound},
		{CodeOfferHasChanged, http.StatusConflict},
		{CodeInvalidChain, http.StatusForbidden},
		{CodePatchRejected, http.StatusBadRequest},
		{CodeProducerLocked, http.StatusLocked},
		{CodeNotAuthorized, http.StatusUnauthorized},
		{CodeInternal, http.StatusInternalServerError},
		{CodeCheckTimelineOverlap, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom")
			if got := HTTPStatusOf(err); got != tt.want {
				t.Errorf("HTTPStatusOf(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	err := New(CodeNoAvailableOffer, "nothing listed")
	if got := CodeOf(err); got != CodeNoAvailableOffer {
		t.Errorf("CodeOf = %q, want %q", got, CodeNoAvailableOffer)
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if got := CodeOf(wrapped); got != CodeNoAvailableOffer {
		t.Errorf("CodeOf(wrapped) = %q, want %q", got, CodeNoAvailableOffer)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, CodeInternal)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap(CodeStorage, "write failed", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if got := HTTPStatusOf(err); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatusOf = %d, want 500", got)
	}
}

func TestWithDetail(t *testing.T) {
	err := New(CodeOfferHasChanged, "newer version exists").
		WithDetail("currentUpdateUTC", int64(1234))
	details := DetailsOf(err)
	if details == nil {
		t.Fatal("DetailsOf = nil, want map")
	}
	if got := details["currentUpdateUTC"]; got != int64(1234) {
		t.Errorf("details[currentUpdateUTC] = %v, want 1234", got)
	}
}

func TestPredicates(t *testing.T) {
	if !IsNoAvailableOffer(New(CodeNoAvailableOffer, "x")) {
		t.Error("IsNoAvailableOffer = false, want true")
	}
	if IsNoAvailableOffer(New(CodeInvalidChain, "x")) {
		t.Error("IsNoAvailableOffer on INVALID_CHAIN = true, want false")
	}
	if !IsProducerLocked(Wrap(CodeProducerLocked, "busy", errors.New("row locked"))) {
		t.Error("IsProducerLocked = false, want true")
	}
}

func TestErrorsIsByCode(t *testing.T) {
	a := New(CodeInvalidChain, "one")
	b := New(CodeInvalidChain, "another")
	if !errors.Is(a, b) {
		t.Error("errors.Is for same code = false, want true")
	}
}
