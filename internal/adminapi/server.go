// Package adminapi implements the admin HTTP surface: pause control
// and read/cancel access over earmarks and rebalance operations,
// guarded by a shared-secret header.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/rs/cors"

	"github.com/marklabs/mark/internal/errkind"
	"github.com/marklabs/mark/internal/policy"
	"github.com/marklabs/mark/internal/store/earmarks"
	"github.com/marklabs/mark/internal/store/rebalanceops"
	mt "github.com/marklabs/mark/internal/types"
)

const sharedSecretHeader = "X-Mark-Admin-Secret"

// Config is the admin surface's listen configuration.
type Config struct {
	ListenAddr   string
	SharedSecret string
}

// Server is the admin HTTP surface.
type Server struct {
	cfg       Config
	gate      *policy.Gate
	earmarkSt *earmarks.Store
	opsSt     *rebalanceops.Store
	handler   http.Handler
}

// New builds a Server; call Handler() to get the wrapped http.Handler
// or ListenAndServe to run it directly.
func New(cfg Config, gate *policy.Gate, earmarkSt *earmarks.Store, opsSt *rebalanceops.Store) *Server {
	s := &Server{cfg: cfg, gate: gate, earmarkSt: earmarkSt, opsSt: opsSt}

	router := httprouter.New()
	router.POST("/admin/pause/:flag", s.withAuth(s.handlePause))
	router.POST("/admin/unpause/:flag", s.withAuth(s.handleUnpause))
	router.POST("/admin/rebalance/cancel", s.withAuth(s.handleCancelEarmark))
	router.POST("/admin/rebalance/operation/cancel", s.withAuth(s.handleCancelOperation))
	router.GET("/admin/rebalance/operations", s.withAuth(s.handleListOperations))
	router.GET("/admin/rebalance/operation/:id", s.withAuth(s.handleGetOperation))
	router.GET("/admin/rebalance/earmarks", s.withAuth(s.handleListEarmarks))
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	s.handler = cors.Default().Handler(router)
	return s
}

// Handler returns the fully wrapped handler (cors + router).
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe runs the admin surface until ctx-independent error or
// process exit; callers needing graceful shutdown should build their
// own *http.Server around Handler() instead.
func (s *Server) ListenAndServe() error {
	return http.ListenAndServe(s.cfg.ListenAddr, s.handler)
}

func (s *Server) withAuth(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.cfg.SharedSecret == "" || r.Header.Get(sharedSecretHeader) != s.cfg.SharedSecret {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		h(w, r, ps)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, map[string]string{"message": message})
}

func statusForError(err error) int {
	switch {
	case errkind.Is(err, errkind.ErrNotFound):
		return http.StatusNotFound
	case errkind.Is(err, errkind.ErrPolicyRejected):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func isPauseFlag(flag string) (mt.PauseFlag, bool) {
	switch mt.PauseFlag(flag) {
	case mt.PausePurchase, mt.PauseRebalance, mt.PauseOnDemand:
		return mt.PauseFlag(flag), true
	default:
		return "", false
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	flag, ok := isPauseFlag(ps.ByName("flag"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown pause flag")
		return
	}
	if err := s.gate.SetPause(r.Context(), flag); err != nil {
		if errors.Is(err, policy.ErrAlreadyPaused) {
			writeError(w, http.StatusInternalServerError, "already paused")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "paused"})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	flag, ok := isPauseFlag(ps.ByName("flag"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown pause flag")
		return
	}
	if err := s.gate.Unpause(r.Context(), flag); err != nil {
		if errors.Is(err, policy.ErrNotPaused) {
			writeError(w, http.StatusInternalServerError, "not paused")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "unpaused"})
}

type cancelEarmarkBody struct {
	EarmarkID string `json:"earmarkId"`
}

func (s *Server) handleCancelEarmark(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body cancelEarmarkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.EarmarkID == "" {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.earmarkSt.CancelEarmarkAndOrphan(body.EarmarkID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "cancelled"})
}

type cancelOperationBody struct {
	OperationID string `json:"operationId"`
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body cancelOperationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OperationID == "" {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	op, err := s.opsSt.CancelOperation(body.OperationID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "malformed operation id")
		return
	}
	op, err := s.opsSt.GetOperation(id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func parseOperationFilter(r *http.Request) mt.OperationFilter {
	q := r.URL.Query()
	var filter mt.OperationFilter
	if status := q.Get("status"); status != "" {
		filter.Statuses = []mt.OperationStatus{mt.OperationStatus(status)}
	}
	if chainStr := q.Get("chainId"); chainStr != "" {
		if n, err := strconv.ParseUint(chainStr, 10, 64); err == nil {
			chainID := mt.ChainID(n)
			filter.ChainID = &chainID
		}
	}
	if invoiceID := q.Get("invoiceId"); invoiceID != "" {
		filter.InvoiceID = &invoiceID
	}
	filter.Limit = parseIntDefault(q.Get("limit"), 50)
	filter.Offset = parseIntDefault(q.Get("offset"), 0)
	return filter
}

func parseEarmarkFilter(r *http.Request) mt.EarmarkFilter {
	q := r.URL.Query()
	var filter mt.EarmarkFilter
	if status := q.Get("status"); status != "" {
		filter.Statuses = []mt.EarmarkStatus{mt.EarmarkStatus(status)}
	}
	if invoiceID := q.Get("invoiceId"); invoiceID != "" {
		filter.InvoiceID = &invoiceID
	}
	if chainStr := q.Get("chainId"); chainStr != "" {
		if n, err := strconv.ParseUint(chainStr, 10, 64); err == nil {
			chainID := mt.ChainID(n)
			filter.DesignatedChain = &chainID
		}
	}
	filter.Limit = parseIntDefault(q.Get("limit"), 50)
	filter.Offset = parseIntDefault(q.Get("offset"), 0)
	return filter
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	filter := parseOperationFilter(r)
	ops, err := s.opsSt.GetOperations(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

type earmarkWithOperations struct {
	mt.Earmark
	Operations []mt.RebalanceOperation `json:"operations"`
}

func (s *Server) handleListEarmarks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	filter := parseEarmarkFilter(r)
	rows, err := s.earmarkSt.GetEarmarks(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]earmarkWithOperations, 0, len(rows))
	for _, e := range rows {
		ops, err := s.opsSt.GetOperationsForEarmark(e.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, earmarkWithOperations{Earmark: e, Operations: ops})
	}
	writeJSON(w, http.StatusOK, out)
}
