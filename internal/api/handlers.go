package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/checkapp/checkapp-sync-server/internal/api/common"
	"github.com/checkapp/checkapp-sync-server/internal/apply"
	"github.com/checkapp/checkapp-sync-server/internal/fetch"
	"github.com/checkapp/checkapp-sync-server/internal/rules"
	"github.com/checkapp/checkapp-sync-server/internal/tenant"
	"github.com/checkapp/checkapp-sync-server/internal/versions"
)

type handlers struct {
	svc Services
	cfg *serverConfig
}

func (h *handlers) schema(r *http.Request) string {
	if schema, ok := tenant.SchemaFromContext(r.Context()); ok {
		return schema
	}
	return h.cfg.defaultSchema
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   ServiceName,
		Version:   versions.GetVersionInfo().Version,
	}, http.StatusOK)
}

func (h *handlers) readiness(w http.ResponseWriter, r *http.Request) {
	if h.svc.Pinger == nil {
		common.WriteErrorResponse(w, "database not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.svc.Pinger.Ping(r.Context()); err != nil {
		slog.Warn("Readiness check failed", "error", err)
		common.WriteErrorResponse(w, "database not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	common.WriteJSONResponse(w, ReadinessResponse{Status: "ready"}, http.StatusOK)
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

func offlineDataHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, NotImplementedResponse{Message: "not implemented"}, http.StatusNotImplemented)
}

// pull handles GET /sync/pull?table=&since=&cursor=&limit=
func (h *handlers) pull(w http.ResponseWriter, r *http.Request) {
	schema := h.schema(r)
	table, err := common.TableParam(r)
	if err != nil {
		common.WriteJSONResponse(w, pullFailure(schema, "", err.Error()), http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	res, err := h.svc.Puller.Pull(r.Context(), schema, table, fetch.Options{
		Since:  common.ParseSince(q.Get("since")),
		Cursor: q.Get("cursor"),
		Limit:  common.ParseLimit(q.Get("limit")),
	})
	switch {
	case errors.Is(err, fetch.ErrUnknownTable):
		common.WriteJSONResponse(w, pullFailure(schema, table, err.Error()), http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("Pull failed", "tenant", schema, "table", table, "error", err)
		common.WriteJSONResponse(w, pullFailure(schema, table, "failed to pull changes"), http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, pullSuccess(schema, res), http.StatusOK)
}

// push handles POST /sync/delta
func (h *handlers) push(w http.ResponseWriter, r *http.Request) {
	schema := h.schema(r)
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.maxBodyBytes)

	var batch apply.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writePushFailure(w, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				http.StatusRequestEntityTooLarge)
			return
		}
		writePushFailure(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := batch.Validate(); err != nil {
		writePushFailure(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.svc.Applier.Apply(r.Context(), schema, batch)
	switch {
	case errors.Is(err, fetch.ErrUnknownTable), errors.Is(err, apply.ErrInvalidBatch):
		writePushFailure(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("Push failed", "tenant", schema, "table", batch.Table, "error", err)
		writePushFailure(w, "failed to apply changes", http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, res, http.StatusOK)
}

func writePushFailure(w http.ResponseWriter, message string, status int) {
	res := apply.NewResult()
	res.Success = false
	res.Errors = append(res.Errors, message)
	common.WriteJSONResponse(w, res, status)
}

// listRules handles GET /api/rules/list?since=&cursor=&limit=&full=
func (h *handlers) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list := h.svc.Rules.List(r.Context(), h.schema(r), rules.Request{
		Since:  common.ParseSince(q.Get("since")),
		Cursor: q.Get("cursor"),
		Limit:  common.ParseLimit(q.Get("limit")),
		Full:   common.ParseBool(q.Get("full")),
	})

	status := http.StatusOK
	if len(list.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	common.WriteJSONResponse(w, list, status)
}
