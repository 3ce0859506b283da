package types

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"testing"
)

func TestKind_RetryableSubset(t *testing.T) {
	retryable := []Kind{KindTimeout, KindRateLimit, KindServerError, KindOverloaded, KindSSLError}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	terminal := []Kind{KindLimitExceeded, KindAuthError, KindInvalidRequest,
		KindInvalidResponse, KindCircuitOpen, KindUnsupportedCapability, KindUnknown}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Kind
	}{
		{429, "", KindRateLimit},
		{503, "", KindOverloaded},
		{500, "", KindServerError},
		{502, "", KindServerError},
		{408, "", KindTimeout},
		{401, "", KindAuthError},
		{400, "", KindInvalidRequest},
		{200, "request timeout while upstream", KindTimeout},
		{418, "teapot", KindUnknown},
	}
	for _, c := range cases {
		if got := ClassifyHTTP(c.status, c.body); got != c.want {
			t.Errorf("ClassifyHTTP(%d, %q) = %s, want %s", c.status, c.body, got, c.want)
		}
	}
}

func TestClassifyTransport(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{errors.New("tls: handshake failure"), KindSSLError},
		{errors.New("x509: certificate signed by unknown authority"), KindSSLError},
		{errors.New("context deadline exceeded"), KindTimeout},
		{errors.New("dial tcp: i/o timeout"), KindTimeout},
		{errors.New("connection refused"), KindUnknown},
	}
	for _, c := range cases {
		if got := ClassifyTransport(c.err); got != c.want {
			t.Errorf("ClassifyTransport(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindTimeout:            http.StatusRequestTimeout,
		KindRateLimit:          http.StatusTooManyRequests,
		KindLimitExceeded:      http.StatusTooManyRequests,
		KindQualityCheckFailed: http.StatusUnprocessableEntity,
		KindSSLError:           http.StatusBadGateway,
		KindOverloaded:         http.StatusServiceUnavailable,
		KindInvalidRequest:     http.StatusBadRequest,
		KindUnknown:            http.StatusInternalServerError,
	}
	for k, want := range cases {
		if got := k.HTTPStatus(); got != want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", k, got, want)
		}
	}
}

func TestAgentError_WrapAndKindOf(t *testing.T) {
	cause := errors.New("socket closed")
	err := WrapError(KindServerError, "gemini", cause)

	if got := KindOf(err); got != KindServerError {
		t.Errorf("KindOf = %s", got)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if got := KindOf(wrapped); got != KindServerError {
		t.Errorf("KindOf through wrap = %s", got)
	}
	if got := KindOf(errors.New("mystery")); got != KindUnknown {
		t.Errorf("KindOf(unclassified) = %s", got)
	}
}

func TestUserMessage_NeverEmpty(t *testing.T) {
	kinds := []Kind{
		KindTimeout, KindRateLimit, KindLimitExceeded, KindOverloaded,
		KindServerError, KindSSLError, KindAuthError, KindInvalidRequest,
		KindInvalidResponse, KindProviderUnavailable, KindCircuitOpen,
		KindUnsupportedCapability, KindQualityCheckFailed,
		KindIdentificationError, KindEnrichmentError, KindClarificationError,
		KindDatabaseError, KindRetryExhausted, KindUnknown,
	}
	for _, k := range kinds {
		if k.UserMessage() == "" {
			t.Errorf("%s has no user message", k)
		}
	}
}

func TestSupportRef_Format(t *testing.T) {
	ref := SupportRef(KindTimeout, "identifyText")
	if !regexp.MustCompile(`^[0-9a-f]{8}$`).MatchString(ref) {
		t.Fatalf("supportRef %q is not 8 hex digits", ref)
	}
}
