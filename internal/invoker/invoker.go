// Package invoker executes HTTP calls against registered APIs: it binds
// resolved parameters into the endpoint, injects the credential, enforces
// the descriptor's call budget and retries transient failures of idempotent
// calls.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/conversa/internal/apperr"
	"github.com/kalambet/conversa/internal/descriptor"
)

const (
	defaultCallTimeout    = 10 * time.Second
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 200 * time.Millisecond
	maxResponseBytes      = 5 << 20
	userAgent             = "conversa/1.0"
)

// Options tunes the invoker. Zero values select the defaults.
type Options struct {
	HTTPClient *http.Client
	// CallTimeout bounds each attempt.
	CallTimeout time.Duration
	// MaxAttempts bounds attempts for GET calls. Other methods are tried once.
	MaxAttempts    int
	InitialBackoff time.Duration
}

// RawResponse is a decoded upstream reply. Body is a JSON object: top-level
// arrays are wrapped as {"data": [...]} and non-JSON text as {"data": "..."}.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       map[string]any
}

type Invoker struct {
	client   *http.Client
	opts     Options
	limiters *limiters
}

func New(opts Options) *Invoker {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Invoker{client: client, opts: opts, limiters: newLimiters()}
}

// Forget drops the call budget state of a deleted descriptor.
func (inv *Invoker) Forget(apiID string) {
	inv.limiters.forget(apiID)
}

// transient marks a failed attempt that may succeed when retried.
type transient struct {
	status  int
	timeout bool
	err     error
}

func (t *transient) Error() string {
	if t.status != 0 {
		return fmt.Sprintf("HTTP %d", t.status)
	}
	return t.err.Error()
}

func (t *transient) Unwrap() error { return t.err }

// statusError is a non-retryable HTTP failure.
type statusError struct {
	status int
	body   map[string]any
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d", e.status) }

// Invoke performs the call described by d with params. secret is the
// decrypted credential, or nil for the none variant. It is placed only where
// d.Auth declares and is redacted from every returned or logged error.
func (inv *Invoker) Invoke(ctx context.Context, d descriptor.Descriptor, params map[string]string, secret []byte) (RawResponse, error) {
	if !inv.limiters.allow(d.ID, d.RateLimit.RequestsPerMinute) {
		return RawResponse{}, fmt.Errorf("%w: %s allows %d requests per minute", apperr.ErrRateLimited, d.ID, d.RateLimit.RequestsPerMinute)
	}

	target, body, err := buildTarget(d, params)
	if err != nil {
		return RawResponse{}, err
	}
	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", userAgent)
	if body != nil {
		header.Set("Content-Type", "application/json")
	}
	logged := target.String()
	switch d.Auth.Kind {
	case descriptor.AuthHeader:
		header.Set(d.Auth.HeaderName, string(secret))
	case descriptor.AuthBearer:
		header.Set("Authorization", "Bearer "+string(secret))
	case descriptor.AuthQuery:
		q := target.Query()
		q.Set(d.Auth.ParamName, "REDACTED")
		target.RawQuery = q.Encode()
		logged = target.String()
		q.Set(d.Auth.ParamName, string(secret))
		target.RawQuery = q.Encode()
	}
	rawURL := target.String()

	attempts := 1
	if d.Method == descriptor.MethodGet {
		attempts = inv.opts.MaxAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = inv.opts.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	start := time.Now()
	attempt := 0
	var resp RawResponse
	op := func() error {
		attempt++
		slog.Debug("calling api", "api_id", d.ID, "method", d.Method, "url", logged, "attempt", attempt)
		r, err := inv.do(ctx, d.Method, rawURL, header, body)
		if err != nil {
			err = scrub(err, logged, secret)
			var t *transient
			if errors.As(err, &t) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("api call failed, retrying", "api_id", d.ID, "attempt", attempt, "error", err, "backoff", wait)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		slog.Info("api call failed", "api_id", d.ID, "url", logged, "attempts", attempt, "error", err, "latency", time.Since(start))
		return RawResponse{}, inv.classify(ctx, d, err)
	}
	slog.Debug("api call succeeded", "api_id", d.ID, "status", resp.StatusCode, "latency", time.Since(start))
	return resp, nil
}

// do runs a single attempt under its own deadline.
func (inv *Invoker) do(ctx context.Context, method, rawURL string, header http.Header, body []byte) (RawResponse, error) {
	actx, cancel := context.WithTimeout(ctx, inv.opts.CallTimeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, rawURL, rdr)
	if err != nil {
		return RawResponse{}, fmt.Errorf("building request: %w", err)
	}
	req.Header = header.Clone()

	httpResp, err := inv.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return RawResponse{}, ctx.Err()
		}
		return RawResponse{}, &transient{timeout: isTimeout(actx, err), err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return RawResponse{}, ctx.Err()
		}
		return RawResponse{}, &transient{timeout: isTimeout(actx, err), err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case httpResp.StatusCode >= 500:
		return RawResponse{}, &transient{status: httpResp.StatusCode}
	case httpResp.StatusCode >= 400:
		return RawResponse{}, &statusError{status: httpResp.StatusCode, body: decodeBody(data)}
	}
	return RawResponse{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       decodeBody(data),
	}, nil
}

// scrub rewrites err so neither the credential-bearing URL nor the credential
// itself appears in its text. The transient fields used for classification
// are preserved.
func scrub(err error, logged string, secret []byte) error {
	var t *transient
	if errors.As(err, &t) {
		if t.err == nil {
			return err
		}
		return &transient{status: t.status, timeout: t.timeout, err: redact(t.err, logged, secret)}
	}
	return redact(err, logged, secret)
}

func redact(err error, logged string, secret []byte) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = &url.Error{Op: ue.Op, URL: logged, Err: ue.Err}
	}
	if len(secret) == 0 {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, string(secret)) && !strings.Contains(msg, url.QueryEscape(string(secret))) {
		return err
	}
	msg = strings.ReplaceAll(msg, string(secret), "REDACTED")
	return errors.New(strings.ReplaceAll(msg, url.QueryEscape(string(secret)), "REDACTED"))
}

func isTimeout(actx context.Context, err error) bool {
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify turns the final attempt's failure into the error taxonomy.
func (inv *Invoker) classify(ctx context.Context, d descriptor.Descriptor, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	var t *transient
	if errors.As(err, &t) {
		if t.status != 0 {
			return &apperr.UpstreamError{APIID: d.ID, StatusCode: t.status, Message: statusMessage(d, t.status)}
		}
		if t.timeout {
			return &apperr.UpstreamError{APIID: d.ID, Message: "the API took too long to respond", Timeout: true, Err: t.err}
		}
		return &apperr.UpstreamError{APIID: d.ID, Message: "could not reach the API", Err: t.err}
	}
	var se *statusError
	if errors.As(err, &se) {
		return &apperr.UpstreamError{APIID: d.ID, StatusCode: se.status, Message: statusMessage(d, se.status)}
	}
	if errors.Is(err, apperr.ErrValidation) {
		return err
	}
	return &apperr.UpstreamError{APIID: d.ID, Message: "request failed", Err: err}
}

// buildTarget substitutes placeholders and places the remaining parameters
// in the query (GET, DELETE) or a JSON body (POST, PUT).
func buildTarget(d descriptor.Descriptor, params map[string]string) (*url.URL, []byte, error) {
	used := make(map[string]bool)
	endpoint := d.Endpoint
	pathPart, queryPart, hasQuery := strings.Cut(endpoint, "?")

	var missing []string
	subst := func(s string, escape func(string) string) string {
		return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
			name := m[1 : len(m)-1]
			v, ok := params[name]
			if !ok {
				missing = append(missing, name)
				return m
			}
			used[name] = true
			return escape(v)
		})
	}
	pathPart = subst(pathPart, url.PathEscape)
	if hasQuery {
		queryPart = subst(queryPart, url.QueryEscape)
	}
	if len(missing) > 0 {
		return nil, nil, &apperr.MissingParameterError{Name: missing[0]}
	}

	raw := pathPart
	if hasQuery {
		raw += "?" + queryPart
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, apperr.Validation("endpoint %q: %v", d.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, apperr.Validation("endpoint %q: scheme must be http or https", d.Endpoint)
	}

	rest := make([]string, 0, len(params))
	for k := range params {
		if !used[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	if len(rest) == 0 {
		return u, nil, nil
	}

	switch d.Method {
	case descriptor.MethodPost, descriptor.MethodPut:
		obj := make(map[string]any, len(rest))
		for _, k := range rest {
			obj[k] = typedValue(d, k, params[k])
		}
		body, err := json.Marshal(obj)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding request body: %w", err)
		}
		return u, body, nil
	default:
		q := u.Query()
		for _, k := range rest {
			q.Set(k, params[k])
		}
		u.RawQuery = q.Encode()
		return u, nil, nil
	}
}

// typedValue renders a parameter as a JSON number or boolean when the
// schema says so.
func typedValue(d descriptor.Descriptor, name, v string) any {
	for _, p := range d.Parameters.All() {
		if p.Name != name {
			continue
		}
		switch p.Type {
		case descriptor.TypeNumber:
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				return json.Number(v)
			}
		case descriptor.TypeBoolean:
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
	}
	return v
}

// decodeBody parses a response body, preserving numbers as json.Number.
func decodeBody(data []byte) map[string]any {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return map[string]any{}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return map[string]any{"data": string(trimmed)}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"data": v}
}
