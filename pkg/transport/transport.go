// Package transport implements the single-request/response HTTP boundary
// described in spec §6, generalized from the teacher's retrying HTTP
// client (shared/pkg/client/client.go) down to the three endpoints this
// SDK actually needs: telemetry push, event push, and device
// registration. Everything above this layer (retry policy, clock-jump
// detection, command parsing) stays out of Transport on purpose so the
// loop context remains the only writer to the socket (spec §5.1).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Identity is attached to every outbound request as headers, per spec §6.
type Identity struct {
	Token          string
	Fingerprint    string
	PrinterType    string
	PrinterVersion string
	SDKVersion     string
}

// Response carries a decoded HTTP response plus the handful of headers
// the loop context inspects to decide what happened (spec §6 Command-Id,
// Code, Retry-After, Printer-Token).
type Response struct {
	StatusCode int
	Body       []byte
	CommandID  *uint32
	Code       string
	RetryAfter time.Duration
	Token      string
}

// HttpTransport is the single HTTPS request/response abstraction spec.md
// names as the component to swap for a fake in tests (spec §6, "3%" of
// the original's surface).
type HttpTransport interface {
	PostTelemetry(ctx context.Context, id Identity, body any, clockAdjusted bool) (Response, error)
	PostEvent(ctx context.Context, id Identity, body any) (Response, error)
	Register(ctx context.Context, id Identity) (Response, error)
	PollRegistration(ctx context.Context, code string) (Response, error)
}

// Transport is the net/http-backed HttpTransport implementation used
// outside of tests.
type Transport struct {
	baseURL    string
	httpClient *http.Client
}

// RequestTimeout is the per-request deadline from spec §6 ("REQUEST_TIMEOUT = 10s").
const RequestTimeout = 10 * time.Second

// New builds a Transport pointed at baseURL (e.g. "https://connect.prusa3d.com").
func New(baseURL string) *Transport {
	return &Transport{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: RequestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (t *Transport) applyIdentity(req *http.Request, id Identity, clockAdjusted bool) {
	req.Header.Set("Token", id.Token)
	req.Header.Set("Fingerprint", id.Fingerprint)
	req.Header.Set("Printer-Type", id.PrinterType)
	req.Header.Set("Printer-Version", id.PrinterVersion)
	req.Header.Set("SDK-Version", id.SDKVersion)
	req.Header.Set("Content-Type", "application/json")
	if clockAdjusted {
		req.Header.Set("Clock-Adjusted", "1")
	}
}

func parseResponse(resp *http.Response) (Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}

	out := Response{StatusCode: resp.StatusCode, Body: body}

	if raw := resp.Header.Get("Command-Id"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 32); err == nil {
			id := uint32(v)
			out.CommandID = &id
		}
	}
	out.Code = resp.Header.Get("Code")
	out.Token = resp.Header.Get("Printer-Token")

	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			out.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	return out, nil
}

func (t *Transport) post(ctx context.Context, path string, id Identity, body any, clockAdjusted bool) (Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return Response{}, err
	}
	t.applyIdentity(req, id, clockAdjusted)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Response{}, err
	}
	return parseResponse(resp)
}

// PostTelemetry sends a telemetry snapshot to POST /p/telemetry (spec §6).
func (t *Transport) PostTelemetry(ctx context.Context, id Identity, body any, clockAdjusted bool) (Response, error) {
	return t.post(ctx, "/p/telemetry", id, body, clockAdjusted)
}

// PostEvent sends an event to POST /p/events (spec §6).
func (t *Transport) PostEvent(ctx context.Context, id Identity, body any) (Response, error) {
	return t.post(ctx, "/p/events", id, body, false)
}

// Register initiates device registration via POST /p/register, which
// returns a registration Code header for the user to enter on the Connect
// website (spec §6).
func (t *Transport) Register(ctx context.Context, id Identity) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/p/register", nil)
	if err != nil {
		return Response{}, err
	}
	t.applyIdentity(req, id, false)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Response{}, err
	}
	return parseResponse(resp)
}

// PollRegistration sends one GET /p/register?code=… and returns its
// response: 202 means "still pending", 200 with a Printer-Token header
// means done (spec §6). Repeating the request is left to the caller.
func (t *Transport) PollRegistration(ctx context.Context, code string) (Response, error) {
	url := fmt.Sprintf("%s/p/register?code=%s", t.baseURL, code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Response{}, err
	}
	return parseResponse(resp)
}
