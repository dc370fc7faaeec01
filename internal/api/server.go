package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"AgentVault-Chain/internal/approval"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/killswitch"
	"AgentVault-Chain/internal/observability/metrics"
	"AgentVault-Chain/internal/pipeline"
	"AgentVault-Chain/internal/session"
	"AgentVault-Chain/internal/transaction"
)

// Server 暴露守护进程的 REST 接口。
type Server struct {
	addr       string
	pipe       *pipeline.Pipeline
	txs        transaction.Store
	approvals  *approval.Workflow
	breaker    *killswitch.Service
	sessions   *session.Service
	recoverKey string
}

// NewServer 构造 API 服务实例。
// recoverKey 是 LOCKED→ACTIVE 逃生通道的所有者口令，留空则禁用该通道。
func NewServer(addr string, pipe *pipeline.Pipeline, txs transaction.Store,
	approvals *approval.Workflow, breaker *killswitch.Service,
	sessions *session.Service, recoverKey string) *Server {
	return &Server{
		addr:       addr,
		pipe:       pipe,
		txs:        txs,
		approvals:  approvals,
		breaker:    breaker,
		sessions:   sessions,
		recoverKey: recoverKey,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
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

// routes 装配全部路由。熔断闸门只拦截资金与会话类的写操作，
// 健康检查、指标与熔断管理通道永远可达。
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/api/v1/sessions", s.instrument("sessions", s.gated(s.handleSessions)))
	mux.HandleFunc("/api/v1/transactions", s.instrument("transactions", s.gated(s.handleTransactions)))
	mux.HandleFunc("/api/v1/transactions/sign", s.instrument("transactions_sign", s.gated(s.handleSign)))
	mux.HandleFunc("/api/v1/transactions/", s.instrument("transaction_detail", s.handleTransactionDetail))
	mux.HandleFunc("/api/v1/approvals/", s.instrument("approvals", s.gated(s.handleApprovalDecision)))
	mux.HandleFunc("/api/v1/killswitch", s.instrument("killswitch", s.handleKillSwitchStatus))
	mux.HandleFunc("/api/v1/killswitch/activate", s.instrument("killswitch_activate", s.handleActivate))
	mux.HandleFunc("/api/v1/killswitch/escalate", s.instrument("killswitch_escalate", s.handleEscalate))
	mux.HandleFunc("/api/v1/killswitch/recover", s.instrument("killswitch_recover", s.handleRecover))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- 会话 ----

type issueSessionRequest struct {
	WalletID string `json:"wallet_id"`
	AgentID  string `json:"agent_id,omitempty"`
}

type issueSessionResponse struct {
	Token   string           `json:"token"`
	Session *session.Session `json:"session"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req issueSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	token, sess, err := s.sessions.Issue(r.Context(), req.WalletID, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueSessionResponse{Token: token, Session: sess})
}

// ---- 交易 ----

type submitRequest struct {
	WalletID     string              `json:"wallet_id"`
	Chain        string              `json:"chain"`
	Network      string              `json:"network"`
	Type         string              `json:"type"`
	Amount       string              `json:"amount"`
	ToAddress    string              `json:"to_address"`
	TokenAddress string              `json:"token_address,omitempty"`
	Spender      string              `json:"spender,omitempty"`
	Data         string              `json:"data,omitempty"`
	GasLimit     uint64              `json:"gas_limit,omitempty"`
	Batch        []pipeline.BatchLeg `json:"batch,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

type submitResponse struct {
	Transaction *transaction.Transaction `json:"transaction"`
	Queued      bool                     `json:"queued"`
	Reason      string                   `json:"reason,omitempty"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleListTransactions(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if req.WalletID != "" && req.WalletID != sess.WalletID {
		writeError(w, xerrors.New(xerrors.CodePolicyDenied, "会话无权操作该钱包"))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome, err := s.pipe.Submit(r.Context(), pipeline.SubmitRequest{
		WalletID:     sess.WalletID,
		SessionID:    sess.ID,
		Chain:        req.Chain,
		Network:      req.Network,
		Type:         transaction.Type(req.Type),
		Amount:       amount,
		ToAddress:    req.ToAddress,
		TokenAddress: req.TokenAddress,
		Spender:      req.Spender,
		Data:         req.Data,
		GasLimit:     req.GasLimit,
		Batch:        req.Batch,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if outcome.Halted {
		// 搁置不是错误：交易已持久化，等待延迟到期或所有者审批。
		status = http.StatusAccepted
	}
	writeJSON(w, status, submitResponse{
		Transaction: outcome.Tx,
		Queued:      outcome.Halted,
		Reason:      outcome.HaltReason,
	})
}

type signResponse struct {
	TxID              string `json:"tx_id"`
	SignedTransaction string `json:"signed_transaction"`
	TxHash            string `json:"tx_hash"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var req struct {
		Chain          string `json:"chain"`
		Network        string `json:"network"`
		RawTransaction string `json:"raw_transaction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	result, err := s.pipe.Sign(r.Context(), pipeline.SignRequest{
		WalletID:       sess.WalletID,
		SessionID:      sess.ID,
		Chain:          req.Chain,
		Network:        req.Network,
		RawTransaction: req.RawTransaction,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{
		TxID:              result.TxID,
		SignedTransaction: "0x" + hexEncode(result.SignedTransaction),
		TxHash:            result.TxHash,
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	list, err := s.txs.List(r.Context(), transaction.BuildListOptions([]transaction.ListOption{
		transaction.WithWallet(sess.WalletID),
	}))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	txID := strings.TrimPrefix(r.URL.Path, "/api/v1/transactions/")
	if txID == "" || strings.Contains(txID, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 非法"))
		return
	}
	tx, err := s.txs.Get(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ---- 审批 ----

type approvalDecisionRequest struct {
	OwnerSignature string `json:"owner_signature,omitempty"`
}

// handleApprovalDecision 处理 /api/v1/approvals/{txID}/approve|reject。
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/approvals/")
	txID, action, found := strings.Cut(rest, "/")
	if !found || txID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "路径应为 /api/v1/approvals/{txID}/approve|reject"))
		return
	}

	var req approvalDecisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	var err error
	switch action {
	case "approve":
		err = s.approvals.Approve(r.Context(), txID, req.OwnerSignature)
		if err == nil {
			// 审批通过后立即恢复执行，不等待下一轮队列。
			err = s.pipe.Resume(r.Context(), txID)
		}
	case "reject":
		err = s.approvals.Reject(r.Context(), txID)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "不支持的操作: "+action))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_id": txID, "action": action})
}

// ---- 熔断 ----

type killSwitchRequest struct {
	By         string `json:"by,omitempty"`
	Cascade    bool   `json:"cascade,omitempty"`
	RecoverKey string `json:"recover_key,omitempty"`
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.breaker.Current(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req killSwitchRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.Cascade {
		result, err := s.breaker.ActivateWithCascade(r.Context(), req.By)
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if !result.Success {
			status = http.StatusConflict
		}
		writeJSON(w, status, result)
		return
	}

	swapped, err := s.breaker.Activate(r.Context(), req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeTransition(w, swapped)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req killSwitchRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	swapped, err := s.breaker.Escalate(r.Context(), req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeTransition(w, swapped)
}

// handleRecover 是恢复通道：SUSPENDED 直接恢复，
// LOCKED 需要所有者口令，且两者都绝不复活已吊销的会话。
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req killSwitchRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	record, err := s.breaker.Current(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var swapped bool
	switch record.State {
	case killswitch.StateSuspended:
		swapped, err = s.breaker.RecoverFromSuspended(r.Context())
	case killswitch.StateLocked:
		if s.recoverKey == "" || req.RecoverKey != s.recoverKey {
			writeError(w, xerrors.New(xerrors.CodePolicyDenied, "LOCKED 状态恢复需要有效的所有者口令"))
			return
		}
		swapped, err = s.breaker.RecoverFromLocked(r.Context())
	default:
		writeError(w, xerrors.New(xerrors.CodeConflict, "系统未处于熔断状态"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeTransition(w, swapped)
}

func (s *Server) writeTransition(w http.ResponseWriter, swapped bool) {
	if !swapped {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ---- 辅助 ----

func parseAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须是十进制整数字符串")
	}
	return value, nil
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
