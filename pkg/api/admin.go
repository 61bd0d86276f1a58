package api

import (
	"encoding/json"
	"net/http"

	"github.com/authcore-labs/authcore/pkg/authz"
	"github.com/authcore-labs/authcore/pkg/pipeline"
	"github.com/authcore-labs/authcore/pkg/platform"
	"github.com/authcore-labs/authcore/pkg/webhook"
)

// requireAdmin authenticates the caller and checks the platform admin
// role. Handlers behind it receive the admin's user ID.
func (s *Server) requireAdmin(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authenticate(r)
		if err != nil {
			WriteKindError(w, err)
			return
		}
		admin, err := s.users.IsPlatformAdmin(r.Context(), userID)
		if err != nil {
			WriteKindError(w, platform.Wrap(platform.KindStorageError, "role lookup", err))
			return
		}
		if !admin {
			WriteKindError(w, platform.E(platform.KindForbidden, "platform admin required"))
			return
		}
		next(w, r, userID)
	}
}

// --- authorization models and tuples ---

func (s *Server) handleUpsertModel(w http.ResponseWriter, r *http.Request, _ string) {
	entityType := r.PathValue("type")
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		WriteKindError(w, err)
		return
	}
	model, err := s.registry.UpsertModel(r.Context(), entityType, raw)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, model)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request, _ string) {
	entityType := r.PathValue("type")
	model, err := s.registry.GetModel(r.Context(), entityType)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	if model == nil {
		WriteKindError(w, platform.E(platform.KindNotFound, "model not found"))
		return
	}
	WriteJSON(w, http.StatusOK, model)
}

func (s *Server) handleWriteTuple(w http.ResponseWriter, r *http.Request, _ string) {
	var tuple authz.Tuple
	if err := decodeBody(r, &tuple); err != nil {
		WriteKindError(w, err)
		return
	}
	if err := s.registry.WriteTuple(r.Context(), &tuple); err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tuple)
}

func (s *Server) handleDeleteTuple(w http.ResponseWriter, r *http.Request, _ string) {
	var tuple authz.Tuple
	if err := decodeBody(r, &tuple); err != nil {
		WriteKindError(w, err)
		return
	}
	if err := s.registry.DeleteTuple(r.Context(), &tuple); err != nil {
		WriteKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- pipeline scripts and graph ---

func (s *Server) handleUpsertScript(w http.ResponseWriter, r *http.Request, _ string) {
	var script pipeline.Script
	if err := decodeBody(r, &script); err != nil {
		WriteKindError(w, err)
		return
	}
	script.ID = r.PathValue("id")
	if err := s.pipelines.UpsertScript(r.Context(), &script); err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, script)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request, _ string) {
	scripts, err := s.pipelines.ListScripts(r.Context())
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"scripts": scripts})
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request, _ string) {
	if err := s.pipelines.DeleteScript(r.Context(), r.PathValue("id")); err != nil {
		WriteKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request, _ string) {
	graph, err := s.pipelines.GetGraph(r.Context())
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, graph)
}

func (s *Server) handleSetGraph(w http.ResponseWriter, r *http.Request, _ string) {
	var graph pipeline.Graph
	if err := decodeBody(r, &graph); err != nil {
		WriteKindError(w, err)
		return
	}
	plans, err := s.pipelines.SetGraph(r.Context(), &graph)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request, _ string) {
	trigger := pipeline.Hook(r.URL.Query().Get("trigger"))
	traces, err := s.traces.ListTraces(r.Context(), trigger, 100)
	if err != nil {
		WriteKindError(w, platform.Wrap(platform.KindStorageError, "list traces", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request, _ string) {
	id := r.PathValue("id")
	trace, err := s.traces.GetTrace(r.Context(), id)
	if err != nil {
		WriteKindError(w, platform.Wrap(platform.KindStorageError, "load trace", err))
		return
	}
	if trace == nil {
		WriteKindError(w, platform.E(platform.KindNotFound, "trace not found"))
		return
	}
	spans, err := s.traces.ListSpans(r.Context(), id)
	if err != nil {
		WriteKindError(w, platform.Wrap(platform.KindStorageError, "load spans", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"trace": trace, "spans": spans})
}

// --- vault ---

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request, _ string) {
	var body struct {
		Name        string `json:"name"`
		Value       string `json:"value"`
		Description string `json:"description,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteKindError(w, err)
		return
	}
	secret, err := s.secrets.Set(r.Context(), body.Name, body.Value, body.Description)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, secret)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request, _ string) {
	secrets, err := s.secrets.List(r.Context())
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"secrets": secrets})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request, _ string) {
	if err := s.secrets.Delete(r.Context(), r.PathValue("name")); err != nil {
		WriteKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- webhook endpoints ---

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request, _ string) {
	var in webhook.CreateInput
	if err := decodeBody(r, &in); err != nil {
		WriteKindError(w, err)
		return
	}
	endpoint, secret, err := s.endpoints.Create(r.Context(), in)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	// The plaintext secret is returned once and never again.
	WriteJSON(w, http.StatusCreated, map[string]any{"endpoint": endpoint, "secret": secret})
}

func (s *Server) adminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /admin/authz/models/{type}", s.requireAdmin(s.handleUpsertModel))
	mux.HandleFunc("GET /admin/authz/models/{type}", s.requireAdmin(s.handleGetModel))
	mux.HandleFunc("POST /admin/authz/tuples", s.requireAdmin(s.handleWriteTuple))
	mux.HandleFunc("DELETE /admin/authz/tuples", s.requireAdmin(s.handleDeleteTuple))

	mux.HandleFunc("PUT /admin/pipeline/scripts/{id}", s.requireAdmin(s.handleUpsertScript))
	mux.HandleFunc("GET /admin/pipeline/scripts", s.requireAdmin(s.handleListScripts))
	mux.HandleFunc("DELETE /admin/pipeline/scripts/{id}", s.requireAdmin(s.handleDeleteScript))
	mux.HandleFunc("GET /admin/pipeline/graph", s.requireAdmin(s.handleGetGraph))
	mux.HandleFunc("PUT /admin/pipeline/graph", s.requireAdmin(s.handleSetGraph))
	mux.HandleFunc("GET /admin/pipeline/traces", s.requireAdmin(s.handleListTraces))
	mux.HandleFunc("GET /admin/pipeline/traces/{id}", s.requireAdmin(s.handleGetTrace))

	mux.HandleFunc("POST /admin/vault/secrets", s.requireAdmin(s.handleSetSecret))
	mux.HandleFunc("GET /admin/vault/secrets", s.requireAdmin(s.handleListSecrets))
	mux.HandleFunc("DELETE /admin/vault/secrets/{name}", s.requireAdmin(s.handleDeleteSecret))

	mux.HandleFunc("POST /admin/webhooks/endpoints", s.requireAdmin(s.handleCreateEndpoint))
}
