// Package backend is the HTTP client for the remote validation service.
//
// CheckMatch submits a discovered peer for a verdict; UploadSVG pushes a
// mosaic fragment. Every failure is returned as *Error so callers can tell
// a transport-level problem (ErrValidation) from an unexpected verdict
// (ErrProtocol).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mosaic-app/mosaic/internal/backend"

// maxBody bounds how much of a response is read.
const maxBody = 1 << 20

// Verdict is the backend's classification of a discovered peer.
type Verdict string

const (
	VerdictMatch    Verdict = "match"
	VerdictBadMatch Verdict = "badmatch"
)

// Valid reports whether v is one of the two known verdicts.
func (v Verdict) Valid() bool {
	return v == VerdictMatch || v == VerdictBadMatch
}

// Client talks to the validation backend.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default tuned client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("backend url is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:   u,
		http:   NewHTTPClient(DefaultHTTPConfig()),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "backend")
	return c, nil
}

type userFoundRequest struct {
	Finder string `json:"finder"`
	Found  string `json:"found"`
	RSSI   int    `json:"rssi"`
}

type userFoundResponse struct {
	Match json.RawMessage `json:"match"`
}

// CheckMatch asks the backend whether found is a match for finder.
func (c *Client) CheckMatch(ctx context.Context, finder, found string, rssi int) (Verdict, error) {
	const op = "user_found"

	ctx, span := c.tracer.Start(ctx, "backend.CheckMatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mosaic.finder", finder),
			attribute.String("mosaic.found", found),
			attribute.Int("mosaic.rssi", rssi),
		))
	defer span.End()

	start := time.Now()
	status, body, err := c.post(ctx, "/user_found", userFoundRequest{Finder: finder, Found: found, RSSI: rssi})
	if err != nil {
		return "", c.fail(span, &Error{Op: op, Code: ErrValidation, Status: status, Err: err})
	}
	if status < 200 || status > 299 {
		return "", c.fail(span, &Error{Op: op, Code: ErrValidation, Status: status, Err: errors.New(responseMessage(body, http.StatusText(status)))})
	}

	var resp userFoundResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", c.fail(span, &Error{Op: op, Code: ErrValidation, Status: status, Err: fmt.Errorf("decode response: %w", err)})
	}
	v, err := parseVerdict(resp.Match)
	if err != nil {
		return "", c.fail(span, &Error{Op: op, Code: ErrProtocol, Status: status, Err: err})
	}

	span.SetAttributes(attribute.String("mosaic.verdict", string(v)))
	c.logger.Debug("verdict received", "finder", finder, "peer", found, "verdict", v, "latency", time.Since(start))
	return v, nil
}

// parseVerdict accepts only the string "match" or "badmatch".
func parseVerdict(raw json.RawMessage) (Verdict, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("verdict missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("verdict is not a string: %s", raw)
	}
	v := Verdict(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown verdict %q", s)
	}
	return v, nil
}

// MosaicID identifies a mosaic. Integer ids are sent as JSON numbers.
type MosaicID string

// MarshalJSON encodes canonical integer ids as numbers and everything else,
// including "007" or "+5", as strings.
func (id MosaicID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(string(id)), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *MosaicID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = MosaicID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("mosaic id must be a string or number")
	}
	*id = MosaicID(n.String())
	return nil
}

type addSVGRequest struct {
	MosaicID MosaicID `json:"mosaic_id"`
	SVG      string   `json:"svg"`
}

// UploadResult is the backend's reply to a fragment upload.
type UploadResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// UploadSVG stores an SVG fragment for mosaicID.
func (c *Client) UploadSVG(ctx context.Context, mosaicID MosaicID, svg string) (*UploadResult, error) {
	const op = "add_svg"

	ctx, span := c.tracer.Start(ctx, "backend.UploadSVG",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mosaic.id", string(mosaicID)),
			attribute.Int("mosaic.svg_bytes", len(svg)),
		))
	defer span.End()

	status, body, err := c.post(ctx, "/add_svg", addSVGRequest{MosaicID: mosaicID, SVG: svg})
	if err != nil {
		return nil, c.fail(span, &Error{Op: op, Code: ErrUpload, Status: status, Err: err})
	}
	if status < 200 || status > 299 {
		return nil, c.fail(span, &Error{Op: op, Code: ErrUpload, Status: status, Err: errors.New(responseMessage(body, "Upload failed"))})
	}

	var res UploadResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, c.fail(span, &Error{Op: op, Code: ErrUpload, Status: status, Err: fmt.Errorf("decode response: %w", err)})
	}
	c.logger.Info("fragment uploaded", "mosaic_id", mosaicID, "status", res.Status)
	return &res, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) fail(span trace.Span, err *Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Code.Error())
	if err.Status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", err.Status))
	}
	c.logger.Warn("backend request failed", "op", err.Op, "status", err.Status, "err", err.Err)
	return err
}

// responseMessage extracts a FastAPI-style "detail" or falls back to the raw body.
func responseMessage(body []byte, fallback string) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Detail) > 0 {
		var s string
		if err := json.Unmarshal(env.Detail, &s); err == nil {
			return s
		}
		return string(env.Detail)
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fallback
}
