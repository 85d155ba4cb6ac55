package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/httpx"
	"github.com/webvault/listings/internal/platform/requestctx"
	"github.com/webvault/listings/internal/repositories"
	"github.com/webvault/listings/internal/services"
)

const maxSessionBodySize = 16 * 1024

// SessionHandlers exposes the browse-session lifecycle plus one endpoint per
// filter intent. Every intent answers with the full session snapshot so
// clients never have to diff partial updates.
type SessionHandlers struct {
	sessions services.SessionService
	limiter  RateLimiter
}

// NewSessionHandlers constructs session handlers. A nil limiter disables
// rate limiting on session creation.
func NewSessionHandlers(sessions services.SessionService, limiter RateLimiter) *SessionHandlers {
	return &SessionHandlers{
		sessions: sessions,
		limiter:  limiter,
	}
}

// Routes wires the /sessions endpoints onto the provided router.
func (h *SessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createSession)
	r.Get("/{sessionID}", h.getSession)
	r.Delete("/{sessionID}", h.destroySession)

	r.Post("/{sessionID}:search", h.setSearch)
	r.Post("/{sessionID}:category", h.setCategory)
	r.Post("/{sessionID}:tags", h.setTags)
	r.Post("/{sessionID}:addTag", h.addTag)
	r.Post("/{sessionID}:removeTag", h.removeTag)
	r.Post("/{sessionID}:sort", h.setSorting)
	r.Post("/{sessionID}:page", h.setPage)
	r.Post("/{sessionID}:pageSize", h.setPageSize)
	r.Post("/{sessionID}:view", h.setViewMode)
	r.Post("/{sessionID}:clearFilters", h.clearFilters)
	r.Post("/{sessionID}:retry", h.retryLoad)
	r.Post("/{sessionID}:refresh", h.refreshData)
	r.Post("/{sessionID}:clearErrors", h.clearErrors)
	r.Post("/{sessionID}:applyUrl", h.applyURL)
}

type createSessionRequest struct {
	Kind  string `json:"kind"`
	Slug  string `json:"slug"`
	Query string `json:"query"`
}

type setSearchRequest struct {
	Search string `json:"search"`
}

type setCategoryRequest struct {
	Category string `json:"category"`
}

type setTagsRequest struct {
	Tags []string `json:"tags"`
}

type tagRequest struct {
	Tag string `json:"tag"`
}

type setSortingRequest struct {
	Sort  string `json:"sort"`
	Order string `json:"order"`
}

type setPageRequest struct {
	Page int `json:"page"`
}

type setPageSizeRequest struct {
	PageSize int `json:"page_size"`
}

type setViewRequest struct {
	View string `json:"view"`
}

type applyURLRequest struct {
	URL string `json:"url"`
}

func (h *SessionHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_service_unavailable", "session service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many sessions created from this address", http.StatusTooManyRequests))
		return
	}

	var req createSessionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	snap, err := h.sessions.CreateSession(ctx, services.CreateSessionCommand{
		Kind:     domain.PageKind(strings.TrimSpace(req.Kind)),
		Slug:     req.Slug,
		RawQuery: req.Query,
	})
	if err != nil {
		writeSessionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, sessionResponse{Session: buildSessionPayload(snap)})
}

func (h *SessionHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.GetSession(ctx, id)
	})
}

func (h *SessionHandlers) destroySession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_service_unavailable", "session service unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.DestroySession(requestctx.WithSessionID(ctx, sessionID), sessionID); err != nil {
		writeSessionError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandlers) setSearch(w http.ResponseWriter, r *http.Request) {
	var req setSearchRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.SetSearch(ctx, id, req.Search)
	})
}

func (h *SessionHandlers) setCategory(w http.ResponseWriter, r *http.Request) {
	var req setCategoryRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.SetCategory(ctx, id, req.Category)
	})
}

func (h *SessionHandlers) setTags(w http.ResponseWriter, r *http.Request) {
	var req setTagsRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.SetTags(ctx, id, req.Tags)
	})
}

func (h *SessionHandlers) addTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.AddTag(ctx, id, req.Tag)
	})
}

func (h *SessionHandlers) removeTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.RemoveTag(ctx, id, req.Tag)
	})
}

func (h *SessionHandlers) setSorting(w http.ResponseWriter, r *http.Request) {
	var req setSortingRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.SetSorting(ctx, id, domain.SortField(strings.TrimSpace(req.Sort)), domain.SortOrder(strings.TrimSpace(req.Order)))
	})
}

func (h *SessionHandlers) setPage(w http.ResponseWriter, r *http.Request) {
	var req setPageRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.SetPage(ctx, id, req.Page)
	})
}

func (h *SessionHandlers) setPageSize(w http.ResponseWriter, r *http.Request) {
	var req setPageSizeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.SetItemsPerPage(ctx, id, req.PageSize)
	})
}

func (h *SessionHandlers) setViewMode(w http.ResponseWriter, r *http.Request) {
	var req setViewRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.SetViewMode(ctx, id, domain.ViewMode(strings.TrimSpace(req.View)))
	})
}

func (h *SessionHandlers) clearFilters(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.ClearFilters(ctx, id)
	})
}

func (h *SessionHandlers) retryLoad(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.RetryLoad(ctx, id)
	})
}

func (h *SessionHandlers) refreshData(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.RefreshData(ctx, id)
	})
}

func (h *SessionHandlers) clearErrors(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.ClearErrors(ctx, id)
	})
}

func (h *SessionHandlers) applyURL(w http.ResponseWriter, r *http.Request) {
	var req applyURLRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, id string) (services.SessionSnapshot, error) {
		return h.sessions.ApplyURL(ctx, id, req.URL)
	})
}

// respond runs one session operation and renders the resulting snapshot.
func (h *SessionHandlers) respond(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (services.SessionSnapshot, error)) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_service_unavailable", "session service unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	snap, err := op(requestctx.WithSessionID(ctx, sessionID), sessionID)
	if err != nil {
		writeSessionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(snap)})
}

func (h *SessionHandlers) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	return decodeJSONBody(w, r, maxSessionBodySize, out)
}

func writeSessionError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSessionRegistryFull):
		httpx.WriteError(ctx, w, httpx.NewError("session_capacity", "session capacity reached, retry shortly", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrInvalidSubject):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_subject", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrFilterDisabled):
		httpx.WriteError(ctx, w, httpx.NewError("filter_disabled", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSubjectTagImmutable):
		httpx.WriteError(ctx, w, httpx.NewError("subject_tag_immutable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrRetryExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("retry_exhausted", "retry budget spent; clear errors or refresh first", http.StatusConflict))
	case errors.Is(err, domain.ErrUnknownPageKind),
		errors.Is(err, domain.ErrUnknownSortField),
		errors.Is(err, domain.ErrUnknownSortOrder),
		errors.Is(err, domain.ErrUnknownViewMode):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSubjectNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("subject_not_found", "subject not found", http.StatusNotFound))
	default:
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			httpx.WriteError(ctx, w, httpx.NewError("content_source_unavailable", "content source unavailable", http.StatusServiceUnavailable))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("session_error", "failed to process session request", http.StatusInternalServerError))
	}
}

func clientKey(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return addr
}
