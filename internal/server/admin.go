package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	relay "github.com/llmrelay/llmrelay/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// maxPriceImportBody allows larger price documents (8 MB).
const maxPriceImportBody = 8 << 20

func (s *server) mountAdminRoutes(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Get("/", s.handleListUsers)
		r.Post("/", s.handleCreateUser)
		r.Get("/{id}", s.handleGetUser)
		r.Put("/{id}", s.handleUpdateUser)
		r.Delete("/{id}", s.handleDeleteUser)
		r.Get("/{id}/keys", s.handleListKeys)
		r.Get("/{id}/requests", s.handleListRequests)
	})
	r.Route("/keys", func(r chi.Router) {
		r.Post("/", s.handleCreateKey)
		r.Put("/{id}", s.handleUpdateKey)
		r.Delete("/{id}", s.handleDeleteKey)
	})
	r.Route("/providers", func(r chi.Router) {
		r.Get("/", s.handleListProviders)
		r.Post("/", s.handleCreateProvider)
		r.Get("/{id}", s.handleGetProvider)
		r.Put("/{id}", s.handleUpdateProvider)
		r.Delete("/{id}", s.handleDeleteProvider)
	})
	r.Route("/error-rules", func(r chi.Router) {
		r.Get("/", s.handleListErrorRules)
		r.Post("/", s.handleCreateErrorRule)
		r.Put("/{id}", s.handleUpdateErrorRule)
		r.Delete("/{id}", s.handleDeleteErrorRule)
	})
	r.Route("/request-filters", func(r chi.Router) {
		r.Get("/", s.handleListRequestFilters)
		r.Post("/", s.handleCreateRequestFilter)
		r.Put("/{id}", s.handleUpdateRequestFilter)
		r.Delete("/{id}", s.handleDeleteRequestFilter)
	})
	r.Post("/prices/import", s.handleImportPrices)
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking store internals.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		writeErrorEnvelope(w, http.StatusNotFound, "not found", "")
	case errors.Is(err, relay.ErrConflict):
		writeErrorEnvelope(w, http.StatusConflict, "conflict", "")
	case errors.Is(err, relay.ErrBadRequest),
		errors.Is(err, relay.ErrPolicyExceeds),
		errors.Is(err, relay.ErrLastKey):
		writeErrorEnvelope(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeErrorEnvelope(w, http.StatusInternalServerError, "internal error", "")
	}
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// --- Users ---

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	users, err := s.deps.Admin.ListUsers(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": users})
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var opts struct {
		Name           string       `json:"name"`
		Role           relay.Role   `json:"role"`
		ExpiresAt      *string      `json:"expires_at"`
		Policy         relay.Policy `json:"policy"`
		ProviderGroups []string     `json:"provider_groups"`
	}
	if !decodeJSON(w, r, &opts) {
		return
	}
	expiresAt, ok := parseExpiresAt(w, opts.ExpiresAt)
	if !ok {
		return
	}
	u, err := s.deps.Admin.CreateUser(r.Context(), appCreateUserOpts(opts.Name, opts.Role, expiresAt, opts.Policy, opts.ProviderGroups))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Admin.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var u relay.User
	if !decodeJSON(w, r, &u) {
		return
	}
	u.ID = chi.URLParam(r, "id")
	if err := s.deps.Admin.UpdateUser(r.Context(), &u); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &u)
}

func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Admin.DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	rows, err := s.deps.Admin.ListRequests(r.Context(), chi.URLParam(r, "id"), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

// --- Keys ---

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Admin.ListKeys(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": keys})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var opts createKeyRequest
	if !decodeJSON(w, r, &opts) {
		return
	}
	created, err := s.deps.Admin.CreateKey(r.Context(), opts.toOpts())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var k relay.Key
	if !decodeJSON(w, r, &k) {
		return
	}
	k.ID = chi.URLParam(r, "id")
	if err := s.deps.Admin.UpdateKey(r.Context(), &k); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &k)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Admin.DeleteKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Admin.ListProviders(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": providers})
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p providerRequest
	if !decodeJSON(w, r, &p) {
		return
	}
	created, err := s.deps.Admin.CreateProvider(r.Context(), p.toProvider())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Admin.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var p providerRequest
	if !decodeJSON(w, r, &p) {
		return
	}
	prov := p.toProvider()
	prov.ID = chi.URLParam(r, "id")
	if err := s.deps.Admin.UpdateProvider(r.Context(), prov); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prov)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Admin.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Error rules ---

func (s *server) handleListErrorRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Admin.ListErrorRules(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rules})
}

func (s *server) handleCreateErrorRule(w http.ResponseWriter, r *http.Request) {
	var rule relay.ErrorRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	if err := s.deps.Admin.CreateErrorRule(r.Context(), &rule); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *server) handleUpdateErrorRule(w http.ResponseWriter, r *http.Request) {
	var rule relay.ErrorRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid rule id", "invalid_request_error")
		return
	}
	rule.ID = id
	if err := s.deps.Admin.UpdateErrorRule(r.Context(), &rule); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &rule)
}

func (s *server) handleDeleteErrorRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid rule id", "invalid_request_error")
		return
	}
	if err := s.deps.Admin.DeleteErrorRule(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Request filters ---

func (s *server) handleListRequestFilters(w http.ResponseWriter, r *http.Request) {
	filters, err := s.deps.Admin.ListRequestFilters(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": filters})
}

func (s *server) handleCreateRequestFilter(w http.ResponseWriter, r *http.Request) {
	var f relay.RequestFilter
	if !decodeJSON(w, r, &f) {
		return
	}
	if err := s.deps.Admin.CreateRequestFilter(r.Context(), &f); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &f)
}

func (s *server) handleUpdateRequestFilter(w http.ResponseWriter, r *http.Request) {
	var f relay.RequestFilter
	if !decodeJSON(w, r, &f) {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid filter id", "invalid_request_error")
		return
	}
	f.ID = id
	if err := s.deps.Admin.UpdateRequestFilter(r.Context(), &f); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &f)
}

func (s *server) handleDeleteRequestFilter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid filter id", "invalid_request_error")
		return
	}
	if err := s.deps.Admin.DeleteRequestFilter(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Prices ---

func (s *server) handleImportPrices(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPriceImportBody))
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "read request body", "invalid_request_error")
		return
	}
	n, err := s.deps.Admin.ImportPrices(r.Context(), doc)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"written": n})
}
