// Package dispatch runs a chat message through the pipeline: classify the
// utterance, resolve the chosen API's parameters, call it through the
// response cache and render the reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/conversa/internal/apperr"
	"github.com/kalambet/conversa/internal/cache"
	"github.com/kalambet/conversa/internal/descriptor"
	"github.com/kalambet/conversa/internal/intent"
	"github.com/kalambet/conversa/internal/invoker"
	"github.com/kalambet/conversa/internal/mapper"
	"github.com/kalambet/conversa/internal/params"
	"github.com/kalambet/conversa/internal/session"
	"github.com/kalambet/conversa/internal/storage"
	"github.com/kalambet/conversa/internal/telemetry"
)

const (
	maxMessageRunes        = 1000
	defaultTimeout         = 20 * time.Second
	defaultContextMessages = 5
	defaultTTL             = 5 * time.Minute
)

// Replies for outcomes that produce no API data.
const (
	NoMatchReply  = "I couldn't find an appropriate API for your request. Please try rephrasing or register a custom API."
	FailureReply  = "Sorry, something went wrong while handling your request. Please try again."
	TimeoutReply  = "Sorry, the request took too long. Please try again later."
	noMatchErrTag = "no_api_found"
)

type Registry interface {
	Active() []descriptor.Descriptor
	Get(id string) (descriptor.Descriptor, error)
}

type Resolver interface {
	Resolve(d descriptor.Descriptor, text string, ctx params.Context) (map[string]string, error)
}

type Invoker interface {
	Invoke(ctx context.Context, d descriptor.Descriptor, params map[string]string, secret []byte) (invoker.RawResponse, error)
}

// Secrets opens a stored credential for the duration of fn.
type Secrets interface {
	WithSecret(ciphertext string, fn func(secret []byte) error) error
}

type UsageLog interface {
	LogUsage(u storage.UsageRecord) error
}

// TTLs picks the cache lifetime of a reply by descriptor category.
type TTLs struct {
	Default    time.Duration
	ByCategory map[string]time.Duration
}

func (t TTLs) For(category string) time.Duration {
	if ttl, ok := t.ByCategory[strings.ToLower(category)]; ok {
		return ttl
	}
	if t.Default > 0 {
		return t.Default
	}
	return defaultTTL
}

type Options struct {
	// Timeout bounds a whole dispatch as seen by the caller.
	Timeout         time.Duration
	ContextMessages int
	TTLs            TTLs
}

type Deps struct {
	Registry   Registry
	Classifier intent.Classifier
	Resolver   Resolver
	Invoker    Invoker
	Mapper     *mapper.Mapper
	Cache      *cache.Cache
	Secrets    Secrets
	Sessions   *session.Manager
	Usage      UsageLog
}

type Dispatcher struct {
	Deps
	opts   Options
	tracer trace.Tracer
	now    func() time.Time
}

func New(deps Deps, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ContextMessages <= 0 {
		opts.ContextMessages = defaultContextMessages
	}
	return &Dispatcher{Deps: deps, opts: opts, tracer: telemetry.Tracer("dispatch"), now: time.Now}
}

type Request struct {
	SessionID string
	Message   string
}

// Reply is the chat response.
type Reply struct {
	Response  string              `json:"response"`
	SessionID string              `json:"session_id"`
	Intent    *session.IntentInfo `json:"intent"`
	APIUsed   *string             `json:"api_used"`
	Cached    bool                `json:"cached"`
}

// outcome is what the pipeline produced for one message.
type outcome struct {
	text    string
	intent  *session.IntentInfo
	apiID   string
	params  map[string]string
	cached  bool
	called  bool // went through the cache to the API
	errTag  string
	err     error
	started time.Time
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// Sanitize strips markup, collapses whitespace and truncates to 1000 runes.
func Sanitize(s string) (string, error) {
	s = tagRe.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > maxMessageRunes {
		s = string([]rune(s)[:maxMessageRunes])
	}
	if s == "" {
		return "", apperr.Validation("message is empty")
	}
	return s, nil
}

// Dispatch answers one chat message. Pipeline failures become reply text;
// the returned error is reserved for invalid input, storage failures and a
// cancelled caller, in which case no reply is persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Reply, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch")
	defer span.End()

	text, err := Sanitize(req.Message)
	if err != nil {
		return Reply{}, err
	}
	sid, err := d.Sessions.Ensure(req.SessionID)
	if err != nil {
		return Reply{}, err
	}
	span.SetAttributes(attribute.String("session.id", sid))

	history, err := d.Sessions.Context(sid, d.opts.ContextMessages)
	if err != nil {
		slog.Warn("loading session context", "session_id", sid, "error", err)
	}
	if _, err := d.Sessions.Append(session.Message{SessionID: sid, Role: storage.RoleUser, Content: text}); err != nil {
		return Reply{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	out := d.run(pctx, sid, text, history)
	cancel()

	if err := ctx.Err(); err != nil {
		slog.Info("dispatch abandoned by caller", "session_id", sid, "error", err)
		return Reply{}, err
	}

	reply := Reply{Response: out.text, SessionID: sid, Intent: out.intent, Cached: out.cached}
	meta := &session.Metadata{Intent: out.intent, Cached: out.cached, Error: out.errTag}
	if out.apiID != "" {
		id := out.apiID
		reply.APIUsed = &id
		meta.APIUsed = &id
		meta.Params = out.params
		span.SetAttributes(attribute.String("api.id", id), attribute.Bool("cache.hit", out.cached))
	}
	if out.err != nil {
		span.SetStatus(codes.Error, out.err.Error())
	}
	if _, err := d.Sessions.Append(session.Message{SessionID: sid, Role: storage.RoleAssistant, Content: out.text, Metadata: meta}); err != nil {
		return Reply{}, err
	}
	if out.called {
		d.logUsage(sid, text, out)
	}
	return reply, nil
}

func (d *Dispatcher) logUsage(sid, query string, out outcome) {
	rec := storage.UsageRecord{
		ID:        uuid.NewString(),
		SessionID: sid,
		APIID:     out.apiID,
		Query:     query,
		Status:    storage.UsageSuccess,
		LatencyMS: time.Since(out.started).Milliseconds(),
		CreatedAt: d.now().UTC(),
	}
	switch {
	case out.err != nil:
		rec.Status = storage.UsageError
		rec.Error = out.err.Error()
	case out.cached:
		rec.Status = storage.UsageCached
	}
	if err := d.Usage.LogUsage(rec); err != nil {
		slog.Warn("logging api usage", "api_id", out.apiID, "error", err)
	}
}

// run executes classification through rendering. A panic anywhere in the
// pipeline becomes a failure reply.
func (d *Dispatcher) run(ctx context.Context, sid, text string, history []string) (out outcome) {
	out.started = time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch panic", "session_id", sid, "api_id", out.apiID, "panic", r)
			out.text = FailureReply
			out.cached = false
			out.errTag = "internal_error"
			out.err = &apperr.UpstreamError{APIID: out.apiID, Message: "internal error", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	_, cspan := d.tracer.Start(ctx, "classify")
	res := d.Classifier.Classify(text, d.Registry.Active())
	cspan.SetAttributes(attribute.String("intent", res.Intent), attribute.Float64("confidence", res.Confidence))
	cspan.End()

	out.intent = &session.IntentInfo{Intent: res.Intent, Confidence: res.Confidence}
	if res.Descriptor == nil {
		out.text = NoMatchReply
		out.errTag = noMatchErrTag
		return out
	}
	desc := *res.Descriptor
	out.apiID = desc.ID

	_, rspan := d.tracer.Start(ctx, "resolve")
	resolved, err := d.Resolver.Resolve(desc, text, params.Context{
		History:  history,
		Previous: d.Sessions.LastParams(sid),
	})
	rspan.End()
	var missing *apperr.MissingParameterError
	if errors.As(err, &missing) {
		out.text = clarification(desc, missing)
		out.errTag = "missing_parameter:" + missing.Name
		out.err = err
		return out
	}
	if err != nil {
		out.text = FailureReply
		out.errTag = "resolution_failed"
		out.err = err
		return out
	}
	out.params = resolved
	d.Sessions.SetLastParams(sid, resolved)

	out.called = true
	val, cached, err := d.Cache.Do(ctx, cache.Key(desc.ID, desc.UpdatedAt, resolved), d.opts.TTLs.For(desc.Category), func(cctx context.Context) (cache.Value, error) {
		return d.call(cctx, desc, resolved)
	})
	out.cached = cached
	if err != nil {
		out.err = err
		out.text, out.errTag = failureText(desc, err)
		out.cached = false
		return out
	}
	out.text = val.Text
	return out
}

// call invokes the API and renders the reply. It runs inside the cache's
// single-flight goroutine, so panics are recovered here.
func (d *Dispatcher) call(ctx context.Context, desc descriptor.Descriptor, resolved map[string]string) (val cache.Value, err error) {
	ctx, span := d.tracer.Start(ctx, "invoke", trace.WithAttributes(attribute.String("api.id", desc.ID)))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("api call panic", "api_id", desc.ID, "panic", r)
			err = &apperr.UpstreamError{APIID: desc.ID, Message: "internal error", Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	var raw invoker.RawResponse
	invoke := func(secret []byte) error {
		var err error
		raw, err = d.Invoker.Invoke(ctx, desc, resolved, secret)
		return err
	}
	if desc.Auth.NeedsKey() {
		err = d.Secrets.WithSecret(desc.Auth.Key, invoke)
	} else {
		err = invoke(nil)
	}
	if err != nil {
		return cache.Value{}, err
	}

	text, err := d.Mapper.MapAndRender(desc, raw.Body, resolved)
	if err != nil {
		return cache.Value{}, err
	}
	return cache.Value{Text: text, Data: raw.Body}, nil
}

func clarification(desc descriptor.Descriptor, missing *apperr.MissingParameterError) string {
	what := missing.Name
	if missing.Description != "" {
		what = fmt.Sprintf("%s (%s)", missing.Name, missing.Description)
	}
	return fmt.Sprintf("To use %s I need the %s. Could you tell me?", desc.Name, what)
}

// failureText turns a call failure into reply text and a metadata tag.
func failureText(desc descriptor.Descriptor, err error) (string, string) {
	var me *apperr.MappingError
	var ue *apperr.UpstreamError
	switch {
	case errors.As(err, &me):
		if me.Partial != "" {
			return me.Partial, "mapping_incomplete"
		}
		return fmt.Sprintf("%s returned data in an unexpected shape.", desc.Name), "mapping_error"
	case errors.Is(err, apperr.ErrRateLimited):
		return fmt.Sprintf("%s is receiving too many requests right now. Please try again in a minute.", desc.Name), "rate_limited"
	case errors.Is(err, apperr.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return TimeoutReply, "timeout"
	case errors.Is(err, context.Canceled):
		return FailureReply, "cancelled"
	case errors.As(err, &ue):
		slog.Warn("api call failed", "api_id", desc.ID, "status", ue.StatusCode, "error", err)
		return fmt.Sprintf("Sorry, I couldn't get an answer from %s. %s", desc.Name, ue.Message), "upstream_error"
	default:
		slog.Error("api call failed", "api_id", desc.ID, "error", err)
		return FailureReply, "internal_error"
	}
}

// TestResult is the outcome of a dry run.
type TestResult struct {
	Success  bool              `json:"success"`
	Params   map[string]string `json:"params,omitempty"`
	Data     map[string]any    `json:"data,omitempty"`
	Rendered string            `json:"rendered,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Test calls an API directly with the given parameters, bypassing the
// classifier and the cache. Parameter and upstream problems are reported in
// the result; an unknown api id is an error.
func (d *Dispatcher) Test(ctx context.Context, apiID string, given map[string]string) (TestResult, error) {
	desc, err := d.Registry.Get(apiID)
	if err != nil {
		return TestResult{}, err
	}
	resolved, err := params.Complete(desc, given)
	if err != nil {
		return TestResult{Success: false, Error: err.Error()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	val, err := d.call(ctx, desc, resolved)
	if err != nil {
		var me *apperr.MappingError
		if errors.As(err, &me) {
			return TestResult{Success: false, Params: resolved, Rendered: me.Partial, Error: err.Error()}, nil
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return TestResult{}, err
		}
		return TestResult{Success: false, Params: resolved, Error: err.Error()}, nil
	}
	return TestResult{Success: true, Params: resolved, Data: val.Data, Rendered: val.Text}, nil
}
