package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/auditledger/pkg/audit"
	"github.com/platinummonkey/auditledger/pkg/audit/diff"
	"github.com/platinummonkey/auditledger/pkg/audit/export"
	"github.com/platinummonkey/auditledger/pkg/audit/integrity"
	"github.com/platinummonkey/auditledger/pkg/audit/query"
	"github.com/platinummonkey/auditledger/pkg/audit/store"
	"github.com/platinummonkey/auditledger/pkg/contextkeys"
	"github.com/platinummonkey/auditledger/pkg/httputil"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

// Recorder persists drafts. *recorder.Recorder implements it.
type Recorder interface {
	Record(ctx context.Context, d audit.Draft) (*audit.Record, error)
}

// Handlers provides HTTP handlers for the audit ledger API
type Handlers struct {
	query     *query.Service
	recorder  Recorder
	formatter *diff.Formatter
	logger    *observability.Logger
}

// NewHandlers creates audit handlers. recorder may be nil, in which case
// purges are not themselves recorded.
func NewHandlers(q *query.Service, recorder Recorder, formatter *diff.Formatter, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handlers{
		query:     q,
		recorder:  recorder,
		formatter: formatter,
		logger:    logger.WithField("component", "handlers"),
	}
}

// RegisterRoutes registers audit routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/records", h.listRecords).Methods(http.MethodGet)
	router.HandleFunc("/audit/records", h.purgeRecords).Methods(http.MethodDelete)
	router.HandleFunc("/audit/records/{id:[0-9]+}", h.getRecord).Methods(http.MethodGet)
	router.HandleFunc("/audit/export", h.exportRecords).Methods(http.MethodGet)
	router.HandleFunc("/audit/stats", h.getStats).Methods(http.MethodGet)
	router.HandleFunc("/audit/verify", h.verify).Methods(http.MethodPost)
	router.HandleFunc("/audit/diff", h.formatDiff).Methods(http.MethodPost)
}

// listRecords handles GET /audit/records
func (h *Handlers) listRecords(w http.ResponseWriter, r *http.Request) {
	criteria, err := parseCriteria(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	page, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	size, err := httputil.ParseQueryInt(r, "size", query.DefaultPageSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.query.Search(r.Context(), criteria, query.PageRequest{Page: page, Size: size})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result) //nolint:errcheck
}

// getRecord handles GET /audit/records/{id}
func (h *Handlers) getRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.query.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rec) //nolint:errcheck
}

// exportRecords handles GET /audit/export
func (h *Handlers) exportRecords(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	criteria, err := parseCriteria(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := criteria.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename="+format.Filename())
	n, err := h.query.Export(r.Context(), criteria, format, w)
	if err != nil {
		// headers are gone; the truncated body is all the client gets
		observability.FromContext(r.Context(), h.logger).WithError(err).WithField("written", n).Error("audit export failed")
	}
}

// getStats handles GET /audit/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	start, err := httputil.ParseQueryTime(r, "start_time")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	end, err := httputil.ParseQueryTime(r, "end_time")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	stats, err := h.query.Stats(r.Context(), start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats) //nolint:errcheck
}

// VerifyRequest selects the chain to verify. An empty chain id verifies
// every chain.
type VerifyRequest struct {
	ChainID string `json:"chain_id"`
}

// VerifyResponse carries one report per verified chain
type VerifyResponse struct {
	OK      bool                `json:"ok"`
	Reports []*integrity.Report `json:"reports"`
}

// verify handles POST /audit/verify
func (h *Handlers) verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	var reports []*integrity.Report
	if req.ChainID != "" {
		report, err := h.query.Verify(r.Context(), req.ChainID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		reports = []*integrity.Report{report}
	} else {
		var err error
		if reports, err = h.query.VerifyAll(r.Context()); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	resp := VerifyResponse{OK: true, Reports: reports}
	for _, report := range reports {
		resp.OK = resp.OK && report.OK()
	}
	httputil.WriteSuccess(w, resp) //nolint:errcheck
}

// PurgeResponse reports how many records a purge removed
type PurgeResponse struct {
	Purged int64 `json:"purged"`
}

// purgeRecords handles DELETE /audit/records. The purge itself becomes the
// first record of the fresh ledger.
func (h *Handlers) purgeRecords(w http.ResponseWriter, r *http.Request) {
	actor, ok := contextkeys.Actor(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "an authenticated actor is required to purge the audit log")
		return
	}

	n, err := h.query.PurgeAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.recorder != nil {
		d := audit.Draft{
			ActionCode: "audit.purge",
			Actor:      actor,
			Client:     clientOf(r, http.StatusOK),
			Summary:    fmt.Sprintf("Purged %d audit records", n),
			Metadata:   map[string]string{"purged": strconv.FormatInt(n, 10)},
		}
		if _, err := h.recorder.Record(r.Context(), d); err != nil {
			observability.FromContext(r.Context(), h.logger).WithError(err).Error("failed to record audit purge")
		}
		contextkeys.Scope(r.Context()).MarkAudited()
	}
	httputil.WriteSuccess(w, PurgeResponse{Purged: n}) //nolint:errcheck
}

// DiffRequest is the body of POST /audit/diff
type DiffRequest struct {
	ResourceType string         `json:"resource_type"`
	Before       map[string]any `json:"before"`
	After        map[string]any `json:"after"`
}

// DiffResponse lists the displayable changes
type DiffResponse struct {
	Changes []diff.Change `json:"changes"`
}

// formatDiff handles POST /audit/diff
func (h *Handlers) formatDiff(w http.ResponseWriter, r *http.Request) {
	var req DiffRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	changes := h.formatter.Format(req.Before, req.After, req.ResourceType)
	if changes == nil {
		changes = []diff.Change{}
	}
	httputil.WriteSuccess(w, DiffResponse{Changes: changes}) //nolint:errcheck
}

// writeError maps service errors to status codes
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *audit.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteDetailedError(w, http.StatusBadRequest, err, map[string]string{"field": verr.Field})
	case errors.Is(err, store.ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, query.ErrNoVerifier):
		httputil.WriteServiceUnavailable(w, err.Error())
	default:
		observability.FromContext(r.Context(), h.logger).WithError(err).WithField("path", r.URL.Path).Error("audit request failed")
		httputil.WriteInternalError(w, errors.New("internal server error"))
	}
}

// parseCriteria reads search filters from query parameters
func parseCriteria(r *http.Request) (query.Criteria, error) {
	q := r.URL.Query()
	c := query.Criteria{
		Actor:       q.Get("actor"),
		ModuleKey:   q.Get("module"),
		Result:      audit.Result(q.Get("result")),
		TargetTable: q.Get("target_table"),
		TargetID:    q.Get("target_id"),
		ClientIP:    q.Get("client_ip"),
		Keyword:     q.Get("keyword"),
		ChainID:     q.Get("chain_id"),
	}
	for _, k := range httputil.ParseQueryList(r, "kinds") {
		c.Kinds = append(c.Kinds, audit.OperationKind(k))
	}

	var err error
	if c.Start, err = httputil.ParseQueryTime(r, "start_time"); err != nil {
		return c, err
	}
	if c.End, err = httputil.ParseQueryTime(r, "end_time"); err != nil {
		return c, err
	}
	return c, nil
}
