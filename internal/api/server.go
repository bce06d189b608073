package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"SwarmMarket/internal/auction"
	xerrors "SwarmMarket/internal/errors"
	"SwarmMarket/internal/observability/metrics"
	"SwarmMarket/internal/proof"
	"SwarmMarket/internal/registry"
)

// Server 负责暴露市场的 REST 接口。
type Server struct {
	addr     string
	registry *registry.Service
	ledger   *auction.Ledger
	verifier *proof.Verifier
}

// NewServer 构造 API 服务实例。verifier 可以为 nil，此时证明相关接口返回 503。
func NewServer(addr string, reg *registry.Service, ledger *auction.Ledger, verifier *proof.Verifier) *Server {
	return &Server{addr: addr, registry: reg, ledger: ledger, verifier: verifier}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 返回完整的路由表，便于测试直接挂载。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents", s.instrument("agents", s.handleAgents))
	mux.HandleFunc("/api/v1/agents/", s.instrument("agent_detail", s.handleAgentDetail))
	mux.HandleFunc("/api/v1/tasks", s.instrument("tasks", s.handleTasks))
	mux.HandleFunc("/api/v1/tasks/", s.instrument("task_detail", s.handleTaskDetail))
	mux.HandleFunc("/api/v1/accounts/", s.instrument("accounts", s.handleAccounts))
	mux.HandleFunc("/api/v1/funds", s.instrument("funds", s.handleFunds))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

type registerAgentRequest struct {
	Address      string  `json:"address"`
	AgentID      string  `json:"agent_id"`
	Capabilities []int64 `json:"capabilities"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req registerAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		agent, err := s.registry.Register(r.Context(), req.Address, req.AgentID, req.Capabilities)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, agent)
	case http.MethodGet:
		agents, err := s.registry.ActiveAgents(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type capabilitiesRequest struct {
	Capabilities []int64 `json:"capabilities"`
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	address, action, _ := strings.Cut(rest, "/")
	if address == "" {
		http.Error(w, "缺少智能体地址", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch {
	case action == "" && r.Method == http.MethodGet:
		agent, err := s.registry.Get(ctx, address)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case action == "activate" && r.Method == http.MethodPost:
		if err := s.registry.Activate(ctx, address); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "deactivate" && r.Method == http.MethodPost:
		if err := s.registry.Deactivate(ctx, address); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "capabilities" && r.Method == http.MethodPut:
		var req capabilitiesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if err := s.registry.UpdateCapabilities(ctx, address, req.Capabilities); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "不支持的操作", http.StatusMethodNotAllowed)
	}
}

type createTaskRequest struct {
	Sponsor              string   `json:"sponsor"`
	MissionID            string   `json:"mission_id"`
	TaskType             string   `json:"task_type"`
	Description          string   `json:"description"`
	Location             [2]int64 `json:"location"`
	RequiredCapabilities []int64  `json:"required_capabilities"`
	Budget               int64    `json:"budget"`
	Deposit              int64    `json:"deposit"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		task, err := s.ledger.CreateTask(r.Context(), req.Sponsor, auction.Task{
			MissionID:            req.MissionID,
			TaskType:             req.TaskType,
			Description:          req.Description,
			Location:             req.Location,
			RequiredCapabilities: req.RequiredCapabilities,
			Budget:               req.Budget,
		}, req.Deposit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	case http.MethodGet:
		var states []auction.State
		if raw := r.URL.Query().Get("state"); raw != "" {
			state := auction.State(raw)
			if !auction.IsValidState(state) {
				http.Error(w, "未知的任务状态", http.StatusBadRequest)
				return
			}
			states = append(states, state)
		}
		tasks, err := s.ledger.ListTasks(r.Context(), states...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type placeBidRequest struct {
	Bidder        string `json:"bidder"`
	EstimatedTime int64  `json:"estimated_time"`
}

type callerRequest struct {
	Caller string `json:"caller"`
}

type proofRequest struct {
	Agent              string   `json:"agent"`
	WaypointsHash      string   `json:"waypoints_hash"`
	EvidenceHashes     []string `json:"evidence_hashes"`
	ClaimedCompletedAt int64    `json:"claimed_completed_at"`
}

type verdictRequest struct {
	Caller          string `json:"caller"`
	Verified        bool   `json:"verified"`
	FailedCriterion string `json:"failed_criterion"`
}

type criteriaRequest struct {
	Caller   string         `json:"caller"`
	Criteria proof.Criteria `json:"criteria"`
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	rawID, action, _ := strings.Cut(rest, "/")
	taskID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || taskID <= 0 {
		http.Error(w, "非法的任务编号", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err := s.ledger.GetTask(ctx, taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "bids" && r.Method == http.MethodPost:
		var req placeBidRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		bid, err := s.ledger.PlaceBid(ctx, req.Bidder, taskID, req.EstimatedTime)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, bid)
	case action == "bids" && r.Method == http.MethodGet:
		bids, err := s.ledger.ListBids(ctx, taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bids)
	case action == "close" && r.Method == http.MethodPost:
		var req callerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		task, err := s.ledger.CloseAuction(ctx, req.Caller, taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "cancel" && r.Method == http.MethodPost:
		var req callerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		task, err := s.ledger.CancelAuction(ctx, req.Caller, taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "proof" && r.Method == http.MethodPost:
		if s.verifier == nil {
			http.Error(w, "验证器未启用", http.StatusServiceUnavailable)
			return
		}
		var req proofRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		submission, err := s.verifier.SubmitProof(ctx, req.Agent, taskID, req.WaypointsHash, req.EvidenceHashes, req.ClaimedCompletedAt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, submission)
	case action == "proof" && r.Method == http.MethodGet:
		if s.verifier == nil {
			http.Error(w, "验证器未启用", http.StatusServiceUnavailable)
			return
		}
		submission, err := s.verifier.GetSubmission(ctx, taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, submission)
	case action == "verdict" && r.Method == http.MethodPost:
		if s.verifier == nil {
			http.Error(w, "验证器未启用", http.StatusServiceUnavailable)
			return
		}
		var req verdictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		submission, err := s.verifier.SubmitVerdict(ctx, req.Caller, taskID, req.Verified, req.FailedCriterion)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, submission)
	case action == "criteria" && r.Method == http.MethodPost:
		if s.verifier == nil {
			http.Error(w, "验证器未启用", http.StatusServiceUnavailable)
			return
		}
		var req criteriaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if err := s.verifier.SetCriteria(ctx, req.Caller, taskID, req.Criteria); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "不支持的操作", http.StatusMethodNotAllowed)
	}
}

type withdrawResponse struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/accounts/")
	address, action, _ := strings.Cut(rest, "/")
	if address == "" {
		http.Error(w, "缺少账户地址", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch {
	case action == "balance" && r.Method == http.MethodGet:
		balance, err := s.ledger.Balance(ctx, address)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, balanceResponse{Address: address, Balance: balance})
	case action == "withdraw" && r.Method == http.MethodPost:
		amount, err := s.ledger.Withdraw(ctx, address)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, withdrawResponse{Address: address, Amount: amount})
	default:
		http.Error(w, "不支持的操作", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFunds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	summary, err := s.ledger.FundsSummary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// statusRecorder 记录写出的状态码，供指标上报使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, auction.CodeTaskNotFound, registry.CodeNotRegistered, proof.CodeProofNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, registry.CodeDuplicateIdentity, registry.CodeStateUnchanged,
		auction.CodeDuplicateBid, auction.CodeWrongState, auction.CodeAuctionClosed,
		auction.CodeAuctionNotYetClosed, auction.CodeNoBids, auction.CodeNotYetExpired,
		proof.CodeAlreadySubmitted, proof.CodeReplayedProof, proof.CodeNotVerifying,
		proof.CodeVerificationPending:
		status = http.StatusConflict
	case xerrors.CodePermissionDenied, auction.CodeNotAssignedAgent:
		status = http.StatusForbidden
	case xerrors.CodeInvalidArgument, registry.CodeOutOfRange, registry.CodeInactive,
		auction.CodeBudgetExceeded, auction.CodeInsufficientCapability, auction.CodeInsufficientFunds:
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
