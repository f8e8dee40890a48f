package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testIdentity() Identity {
	return Identity{Token: "tok", Fingerprint: "fp", PrinterType: "I3MK3S", SDKVersion: "1.0.0"}
}

func TestPostTelemetrySendsIdentityHeaders(t *testing.T) {
	var gotToken, gotType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("Token")
		gotType = r.Header.Get("Printer-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tr := New(ts.URL)
	_, err := tr.PostTelemetry(context.Background(), testIdentity(), map[string]string{"state": "READY"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotToken != "tok" || gotType != "I3MK3S" {
		t.Fatalf("identity headers not propagated: token=%q type=%q", gotToken, gotType)
	}
}

func TestPostTelemetryExtractsCommandID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Command-Id", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tr := New(ts.URL)
	resp, err := tr.PostTelemetry(context.Background(), testIdentity(), map[string]string{}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CommandID == nil || *resp.CommandID != 42 {
		t.Fatalf("expected CommandID 42, got %v", resp.CommandID)
	}
}

func TestPostTelemetrySetsClockAdjustedHeader(t *testing.T) {
	var gotHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Clock-Adjusted")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tr := New(ts.URL)
	_, _ = tr.PostTelemetry(context.Background(), testIdentity(), map[string]string{}, true)
	if gotHeader != "1" {
		t.Fatalf("expected Clock-Adjusted: 1, got %q", gotHeader)
	}
}

func TestRegisterExtractsCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Code", "ABCD1234")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tr := New(ts.URL)
	resp, err := tr.Register(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Code != "ABCD1234" {
		t.Fatalf("expected registration code, got %q", resp.Code)
	}
}

func TestPollRegistrationPendingReturns202(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	tr := New(ts.URL)
	resp, err := tr.PollRegistration(context.Background(), "ABCD1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}

func TestPollRegistrationCompleteReturnsToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Printer-Token", "secret-token")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tr := New(ts.URL)
	resp, err := tr.PollRegistration(context.Background(), "ABCD1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Token != "secret-token" {
		t.Fatalf("expected token, got %q", resp.Token)
	}
}

func TestPostEventRetryAfterParsed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	tr := New(ts.URL)
	resp, err := tr.PostEvent(context.Background(), testIdentity(), map[string]string{"event": "INFO"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.RetryAfter.Seconds() != 5 {
		t.Fatalf("expected 5s retry-after, got %v", resp.RetryAfter)
	}
}
