// Package api serves the chat and API-registry endpoints over HTTP and the
// same operations as MCP tools.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kalambet/conversa/internal/cache"
	"github.com/kalambet/conversa/internal/descriptor"
	"github.com/kalambet/conversa/internal/dispatch"
	"github.com/kalambet/conversa/internal/session"
	"github.com/kalambet/conversa/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	popularAPIs         = 5
)

// Dispatcher runs chat messages and dry-run API tests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Reply, error)
	Test(ctx context.Context, apiID string, params map[string]string) (dispatch.TestResult, error)
}

type Registry interface {
	Get(id string) (descriptor.Descriptor, error)
	List(includeSystem bool) []descriptor.Descriptor
	Register(draft descriptor.Draft) (descriptor.Descriptor, error)
	Update(id string, draft descriptor.Draft) (descriptor.Descriptor, error)
	Delete(id string) error
}

type Sessions interface {
	Create() (string, error)
	History(id string, limit int) ([]session.Message, error)
	Clear(id string) error
}

type Stats interface {
	UsageStats(top int) (storage.UsageStats, error)
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Dispatcher Dispatcher
	Registry   Registry
	Sessions   Sessions
	Stats      Stats
	Cache      *cache.Cache
	// Invalidate drops state derived from a descriptor after it changed.
	Invalidate func(apiID string)

	Token          string
	AllowedOrigins []string
	Version        string
	Environment    string
}

// NewHandler builds the HTTP router.
func NewHandler(deps Deps) http.Handler {
	if deps.Invalidate == nil {
		deps.Invalidate = func(string) {}
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(tracing)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Get("/info", handleInfo(deps))
		r.Get("/stats", handleStats(deps))

		r.Route("/chat", func(r chi.Router) {
			r.Post("/message", handleChatMessage(deps))
			r.Get("/history/{sessionID}", handleHistory(deps))
			r.Post("/session/new", handleNewSession(deps))
			r.Delete("/session/{sessionID}", handleClearSession(deps))
		})

		r.Route("/apis", func(r chi.Router) {
			r.Get("/list", handleListAPIs(deps))
			r.Get("/{apiID}", handleGetAPI(deps))

			r.Group(func(r chi.Router) {
				r.Use(BearerAuth(deps.Token))
				r.Post("/register", handleRegisterAPI(deps))
				r.Put("/{apiID}", handleUpdateAPI(deps))
				r.Delete("/{apiID}", handleDeleteAPI(deps))
				r.Post("/{apiID}/test", handleTestAPI(deps))
			})
		})
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":      "healthy",
			"environment": deps.Environment,
		})
	}
}

var features = []string{
	"intent classification",
	"dynamic api dispatch",
	"encrypted credentials",
	"response caching",
	"conversation sessions",
}

func handleInfo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":     "conversa",
			"version":  deps.Version,
			"features": features,
		})
	}
}

type statsResponse struct {
	storage.UsageStats
	Cache     cache.Stats `json:"cache"`
	Timestamp time.Time   `json:"timestamp"`
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Stats.UsageStats(popularAPIs)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp := statsResponse{UsageStats: st, Timestamp: time.Now().UTC()}
		if deps.Cache != nil {
			resp.Cache = deps.Cache.Stats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
