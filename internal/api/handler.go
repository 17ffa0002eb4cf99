// internal/api/handler.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"repo-radar/internal/feed"
	"repo-radar/internal/model"
	"repo-radar/internal/spam"
	"repo-radar/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// FlagSource exposes the spam report of the most recent cycle.
type FlagSource interface {
	Flags() []spam.Flag
}

// Handler serves the read-only operational API over the radar state.
type Handler struct {
	store  *store.Store
	flags  FlagSource
	feeds  *feed.Generator
	logger *slog.Logger
}

func NewHandler(st *store.Store, flags FlagSource, feeds *feed.Generator, logger *slog.Logger) *Handler {
	return &Handler{store: st, flags: flags, feeds: feeds, logger: logger}
}

// NewRouter creates a chi router with sensible middleware and all routes.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/repos/top", h.TopRepos)
		r.Get("/repos/flagged", h.FlaggedRepos)
		r.Get("/feed.xml", h.FeedRSS)
		r.Get("/feed.atom", h.FeedAtom)
		r.Get("/store/validate", h.ValidateStore)
	})
	return r
}

type repoResponse struct {
	FullName       string                `json:"full_name"`
	Owner          string                `json:"owner"`
	Description    string                `json:"description,omitempty"`
	VelocityScore  float64               `json:"velocity_score"`
	ContentAddress string                `json:"content_address"`
	DiscoveredAt   time.Time             `json:"discovered_at"`
	LastSeenAt     time.Time             `json:"last_seen_at"`
	Metrics        model.MetricsSnapshot `json:"metrics"`
}

func toRepoResponse(r *model.DiscoveredRepo) repoResponse {
	return repoResponse{
		FullName:       r.FullName,
		Owner:          r.Owner,
		Description:    r.Description,
		VelocityScore:  r.VelocityScore,
		ContentAddress: r.ContentAddress,
		DiscoveredAt:   r.DiscoveredAt,
		LastSeenAt:     r.LastSeenAt,
		Metrics:        r.Metrics,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TopRepos returns tracked repositories ranked by velocity score.
func (h *Handler) TopRepos(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}

	repos, err := h.store.TopRepos(r.Context(), limit)
	if err != nil {
		h.logger.Error("Listing top repositories failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to list repositories")
		return
	}

	out := make([]repoResponse, 0, len(repos))
	for i := range repos {
		out = append(out, toRepoResponse(&repos[i]))
	}
	respondWithJSON(w, http.StatusOK, out)
}

// FlaggedRepos returns the spam flags raised by the last completed cycle.
func (h *Handler) FlaggedRepos(w http.ResponseWriter, r *http.Request) {
	flags := h.flags.Flags()
	if flags == nil {
		flags = []spam.Flag{}
	}
	respondWithJSON(w, http.StatusOK, flags)
}

func (h *Handler) FeedRSS(w http.ResponseWriter, r *http.Request) {
	h.serveFeed(w, r, "application/rss+xml", h.feeds.RSS)
}

func (h *Handler) FeedAtom(w http.ResponseWriter, r *http.Request) {
	h.serveFeed(w, r, "application/atom+xml", h.feeds.Atom)
}

func (h *Handler) serveFeed(w http.ResponseWriter, r *http.Request, contentType string,
	render func([]model.DiscoveredRepo, time.Time) ([]byte, error)) {
	snapshot, err := h.store.SnapshotAll(r.Context())
	if err != nil {
		h.logger.Error("Reading snapshot for feed failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to read snapshot")
		return
	}
	body, err := render(snapshot, time.Now().UTC())
	if err != nil {
		h.logger.Error("Rendering feed failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to render feed")
		return
	}
	w.Header().Set("Content-Type", contentType+"; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// ValidateStore runs the state integrity check, reporting 503 on a
// corrupted database so operators can wire it into monitoring.
func (h *Handler) ValidateStore(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Validate(r.Context()); err != nil {
		if errors.Is(err, store.ErrCorrupted) {
			respondWithError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.logger.Error("Store validation failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "validation failed")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "valid"})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "failed to marshal response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
