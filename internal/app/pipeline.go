// Package app implements the application services of the relay: the
// request pipeline that carries a client call to an upstream and back,
// and the admin service that manages the configuration it runs on.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/clientversion"
	"github.com/llmrelay/llmrelay/internal/pricing"
	"github.com/llmrelay/llmrelay/internal/ratelimit"
	"github.com/llmrelay/llmrelay/internal/reqfilter"
	"github.com/llmrelay/llmrelay/internal/session"
	"github.com/llmrelay/llmrelay/internal/storage"
	"github.com/llmrelay/llmrelay/internal/timewin"
	"github.com/llmrelay/llmrelay/internal/translate"
	"github.com/llmrelay/llmrelay/internal/upstream"
)

// maxRequestBody caps inbound request payloads.
const maxRequestBody = 16 << 20

var pathModelPattern = regexp.MustCompile(`/models/([^/:?]+)`)

// Recorder accepts finished accounting rows for asynchronous persistence.
type Recorder interface {
	Enqueue(*relay.MessageRequest)
}

// ProxyService orchestrates one relay request end to end: slot, version
// guard, auth, filters, rate limit, provider retry, accounting.
type ProxyService struct {
	store    storage.Store
	auth     *auth.Authenticator
	guard    *ratelimit.Guard
	sessions *session.Tracker
	versions *clientversion.Guard
	filters  *reqfilter.Engine
	executor *upstream.Executor
	recorder Recorder
	prices   *PriceCache
	clock    *timewin.Clock
}

// NewProxyService wires the pipeline.
func NewProxyService(store storage.Store, a *auth.Authenticator, guard *ratelimit.Guard,
	sessions *session.Tracker, versions *clientversion.Guard, filters *reqfilter.Engine,
	executor *upstream.Executor, recorder Recorder, prices *PriceCache, clock *timewin.Clock) *ProxyService {
	return &ProxyService{
		store:    store,
		auth:     a,
		guard:    guard,
		sessions: sessions,
		versions: versions,
		filters:  filters,
		executor: executor,
		recorder: recorder,
		prices:   prices,
		clock:    clock,
	}
}

// Relay runs the pipeline for one inbound request. A nil return means the
// response has been written; any error is handed to the response builder.
// The accounting row is written in every exit path past authentication.
func (ps *ProxyService) Relay(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return &relay.ProxyError{StatusCode: 400, Category: relay.CategoryValidation, Message: "read request body"}
	}

	info, err := ps.auth.Authenticate(ctx, r)
	if err != nil {
		return err
	}
	ctx = relay.ContextWithAuth(ctx, info)

	s := ps.newSession(r, info, body)

	// Slot before limits; release on every exit path.
	ps.sessions.Acquire(ctx, s.User.ID, s.Key.ID, s.SessionID)
	defer ps.sessions.Release(s.User.ID, s.Key.ID, s.SessionID)

	if err := ps.versions.Check(ctx, clientType(s.OriginalFormat), clientVersion(r), s.User.ID); err != nil {
		if errors.Is(err, relay.ErrVersionTooOld) {
			ps.account(s, 0, nil, err)
			return err
		}
		slog.WarnContext(ctx, "client version guard failed open", slog.Any("error", err))
	}

	s.Body = ps.filters.Apply(s.Headers, s.Body)

	if denial := ps.guard.Ensure(ctx, s.User, s.Key); denial != nil {
		ps.account(s, http.StatusTooManyRequests, nil, denial)
		return denial
	}

	providers, err := ps.store.ListProviders(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "list providers", slog.Any("error", err))
		err = &relay.ProxyError{StatusCode: 500, Category: relay.CategoryInternal, Message: "provider lookup failed"}
		ps.account(s, 500, nil, err)
		return err
	}

	res, err := ps.executor.Execute(ctx, w, s, providers)
	if err != nil {
		status := 0
		var pe *relay.ProxyError
		if errors.As(err, &pe) {
			status = pe.HTTPStatus()
		}
		ps.account(s, status, nil, err)
		return err
	}

	ps.account(s, res.StatusCode, res.Usage, nil)
	return nil
}

// newSession builds the per-request state. The true original model comes
// from the body, or from the URL path for Gemini-style endpoints.
func (ps *ProxyService) newSession(r *http.Request, info *relay.AuthInfo, body []byte) *relay.ProxySession {
	url := r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		if m := pathModelPattern.FindStringSubmatch(r.URL.Path); m != nil {
			model = m[1]
		}
	}

	sessionID := r.Header.Get("X-Session-Id")
	if sessionID == "" {
		sessionID = uuid.Must(uuid.NewV7()).String()
	}

	return &relay.ProxySession{
		User:            info.User,
		Key:             info.Key,
		RequestURL:      url,
		Headers:         r.Header,
		Model:           model,
		Body:            body,
		Stream:          gjson.GetBytes(body, "stream").Bool() || strings.HasSuffix(r.URL.Path, ":streamGenerateContent"),
		OriginalFormat:  translate.DetectFormat(r.URL.Path, body),
		OriginalModel:   model,
		OriginalURLPath: url,
		SessionID:       sessionID,
		RequestID:       relay.RequestIDFromContext(r.Context()),
		StartTime:       time.Now(),
	}
}

// account finalizes the MessageRequest row, computes the cost at the
// billing model's price, records it against the quota counters, and hands
// the row to the async recorder.
func (ps *ProxyService) account(s *relay.ProxySession, status int, usage *relay.Usage, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	row := &relay.MessageRequest{
		ID:            uuid.Must(uuid.NewV7()).String(),
		UserID:        s.User.ID,
		KeyID:         s.Key.ID,
		Model:         s.Model,
		OriginalModel: s.OriginalModel,
		Status:        status,
		DurationMs:    time.Since(s.StartTime).Milliseconds(),
		CostUSD:       "0",
		SessionID:     s.SessionID,
		Note:          s.Note,
		ProviderChain: s.ProviderChain,
		CreatedAt:     time.Now().UTC(),
	}
	if s.Provider != nil {
		row.ProviderID = s.Provider.ID
	}
	if cause != nil {
		row.ErrorMessage = cause.Error()
	}

	if usage != nil {
		row.Usage = *usage
		price := ps.prices.Lookup(ctx, billingModel(s))
		if price != nil {
			cost := pricing.CalculateRequestCost(*usage, price, s.Key.CacheTTL, 1)
			row.CostUSD = pricing.CostString(cost)
			ps.guard.RecordCost(ctx, s.User, s.Key, cost.InexactFloat64())
		} else {
			slog.WarnContext(ctx, "no price for model, cost recorded as zero",
				slog.String("model", billingModel(s)))
		}
	}

	ps.recorder.Enqueue(row)
}

// billingModel is the model whose price applies: the one the client asked
// for, regardless of redirects.
func billingModel(s *relay.ProxySession) string {
	if e := s.LastChainEntry(); e != nil && e.BillingModel != "" {
		return e.BillingModel
	}
	return s.OriginalModel
}

// clientType labels the calling client family for version tracking.
func clientType(f relay.Format) string {
	return string(f)
}

// clientVersion extracts the client build from headers, falling back to a
// name/version User-Agent.
func clientVersion(r *http.Request) string {
	if v := r.Header.Get("X-Client-Version"); v != "" {
		return v
	}
	ua := r.Header.Get("User-Agent")
	if _, v, ok := strings.Cut(ua, "/"); ok {
		if i := strings.IndexByte(v, ' '); i > 0 {
			v = v[:i]
		}
		return v
	}
	return ""
}
