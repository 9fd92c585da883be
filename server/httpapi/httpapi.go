// Package httpapi exposes the scheduler's public operations over a JSON HTTP
// API. It is a thin transport layer: all validation and semantics live in
// the entrypoint.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/blocksched/blocksched/server/entrypoint"
	"github.com/blocksched/blocksched/server/scheduler"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/util/log"
	"github.com/blocksched/blocksched/server/util/status"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	entry *entrypoint.Entrypoint
}

func NewServer(entry *entrypoint.Entrypoint) *Server {
	return &Server{entry: entry}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/tasks", s.handleSchedule)
	r.Get("/v1/tasks/{env}", s.handleTaskStatus)
	r.Post("/v1/tasks/{env}/cancel", s.handleCancel)
	r.Post("/v1/tasks/{env}/cancellers", s.handleCancellers)
	r.Post("/v1/execute", s.handleExecute)
	r.Get("/v1/estimate", s.handleEstimate)
	r.Get("/v1/next_block", s.handleNextBlock)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to encode response: %s", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case status.IsInvalidArgumentError(err) || status.IsOutOfRangeError(err):
		code = http.StatusBadRequest
	case status.IsNotFoundError(err):
		code = http.StatusNotFound
	case status.IsAlreadyExistsError(err) || status.IsFailedPreconditionError(err):
		code = http.StatusConflict
	case status.IsPermissionDeniedError(err):
		code = http.StatusForbidden
	case status.IsResourceExhaustedError(err):
		code = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": status.Message(err)})
}

type scheduleRequest struct {
	Owner          string `json:"owner"`
	Nonce          uint64 `json:"nonce"`
	Implementation string `json:"implementation"`
	Payload        string `json:"payload"`
	ComputeLimit   uint64 `json:"compute_limit"`
	TargetBlock    uint64 `json:"target_block"`
	MaxPayment     uint64 `json:"max_payment"`
	PayFromEscrow  bool   `json:"pay_from_escrow"`
}

type scheduleResponse struct {
	ID   string `json:"id"`
	Env  string `json:"env"`
	Cost uint64 `json:"cost"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, status.InvalidArgumentErrorf("parse request: %s", err))
		return
	}
	owner, err := taskid.AddressFromHex(req.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	impl, err := taskid.AddressFromHex(req.Implementation)
	if err != nil {
		writeError(w, err)
		return
	}
	sreq := &scheduler.ScheduleRequest{
		Owner:          owner,
		Nonce:          req.Nonce,
		Implementation: impl,
		Payload:        []byte(req.Payload),
		ComputeLimit:   req.ComputeLimit,
		TargetBlock:    req.TargetBlock,
		MaxPayment:     req.MaxPayment,
	}
	var res *scheduler.ScheduleResult
	if req.PayFromEscrow {
		res, err = s.entry.ScheduleWithEscrow(r.Context(), sreq)
	} else {
		res, err = s.entry.ScheduleTask(r.Context(), sreq)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &scheduleResponse{ID: res.ID.String(), Env: res.Env.Hex(), Cost: res.Cost})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	env, err := taskid.AddressFromHex(chi.URLParam(r, "env"))
	if err != nil {
		writeError(w, err)
		return
	}
	executed, err := s.entry.IsTaskExecuted(r.Context(), env)
	if err != nil {
		writeError(w, err)
		return
	}
	cancelled, err := s.entry.IsTaskCancelled(r.Context(), env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"executed": executed, "cancelled": cancelled})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	env, err := taskid.AddressFromHex(chi.URLParam(r, "env"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, status.InvalidArgumentErrorf("parse request: %s", err))
		return
	}
	caller, err := taskid.AddressFromHex(req.Caller)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.entry.CancelTask(r.Context(), env, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"cancelled": true})
}

func (s *Server) handleCancellers(w http.ResponseWriter, r *http.Request) {
	env, err := taskid.AddressFromHex(chi.URLParam(r, "env"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Caller    string `json:"caller"`
		Canceller string `json:"canceller"`
		Scope     string `json:"scope"`
		Remove    bool   `json:"remove"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, status.InvalidArgumentErrorf("parse request: %s", err))
		return
	}
	caller, err := taskid.AddressFromHex(req.Caller)
	if err != nil {
		writeError(w, err)
		return
	}
	canceller, err := taskid.AddressFromHex(req.Canceller)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	switch {
	case req.Scope == "task" && !req.Remove:
		err = s.entry.AddTaskCanceller(ctx, env, caller, canceller)
	case req.Scope == "task" && req.Remove:
		err = s.entry.RemoveTaskCanceller(ctx, env, caller, canceller)
	case req.Scope == "environment" && !req.Remove:
		err = s.entry.AddEnvironmentCanceller(ctx, env, caller, canceller)
	case req.Scope == "environment" && req.Remove:
		err = s.entry.RemoveEnvironmentCanceller(ctx, env, caller, canceller)
	default:
		err = status.InvalidArgumentErrorf("unknown canceller scope %q", req.Scope)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payout      string `json:"payout"`
		Proposer    string `json:"proposer"`
		Reserve     uint64 `json:"reserve"`
		BudgetLimit uint64 `json:"budget_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, status.InvalidArgumentErrorf("parse request: %s", err))
		return
	}
	payout, err := taskid.AddressFromHex(req.Payout)
	if err != nil {
		writeError(w, err)
		return
	}
	proposer := taskid.Address{}
	if req.Proposer != "" {
		if proposer, err = taskid.AddressFromHex(req.Proposer); err != nil {
			writeError(w, err)
			return
		}
	}
	earned, err := s.entry.ExecuteTasks(r.Context(), &entrypoint.ExecuteRequest{
		Payout:      payout,
		Proposer:    proposer,
		Reserve:     req.Reserve,
		BudgetLimit: req.BudgetLimit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"fees_earned": earned})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	computeLimit, err := strconv.ParseUint(r.URL.Query().Get("compute_limit"), 10, 64)
	if err != nil {
		writeError(w, status.InvalidArgumentErrorf("parse compute_limit: %s", err))
		return
	}
	targetBlock, err := strconv.ParseUint(r.URL.Query().Get("target_block"), 10, 64)
	if err != nil {
		writeError(w, status.InvalidArgumentErrorf("parse target_block: %s", err))
		return
	}
	cost, err := s.entry.EstimateCost(r.Context(), computeLimit, targetBlock)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"cost": cost})
}

func (s *Server) handleNextBlock(w http.ResponseWriter, r *http.Request) {
	lookahead, err := strconv.ParseUint(r.URL.Query().Get("lookahead"), 10, 64)
	if err != nil {
		writeError(w, status.InvalidArgumentErrorf("parse lookahead: %s", err))
		return
	}
	block, err := s.entry.GetNextExecutionBlockInRange(r.Context(), lookahead)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"block": block})
}
