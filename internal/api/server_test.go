package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"AgentVault-Chain/internal/approval"
	"AgentVault-Chain/internal/chain"
	"AgentVault-Chain/internal/config"
	"AgentVault-Chain/internal/delay"
	"AgentVault-Chain/internal/keystore"
	"AgentVault-Chain/internal/killswitch"
	"AgentVault-Chain/internal/pipeline"
	"AgentVault-Chain/internal/policy"
	"AgentVault-Chain/internal/session"
	"AgentVault-Chain/internal/transaction"
	"AgentVault-Chain/internal/wallet"
)

// stubAdapter 提供确定性的链行为，让 HTTP 层测试不依赖节点。
type stubAdapter struct{}

func (stubAdapter) Name() string { return "ethereum" }

func (stubAdapter) build() (*chain.UnsignedTx, error) {
	return &chain.UnsignedTx{Serialized: []byte("unsigned")}, nil
}

func (a stubAdapter) BuildTransaction(context.Context, chain.BuildParams) (*chain.UnsignedTx, error) {
	return a.build()
}
func (a stubAdapter) BuildTokenTransfer(context.Context, chain.BuildParams) (*chain.UnsignedTx, error) {
	return a.build()
}
func (a stubAdapter) BuildContractCall(context.Context, chain.BuildParams) (*chain.UnsignedTx, error) {
	return a.build()
}
func (a stubAdapter) BuildApprove(context.Context, chain.BuildParams) (*chain.UnsignedTx, error) {
	return a.build()
}
func (a stubAdapter) BuildBatch(_ context.Context, params []chain.BuildParams) ([]*chain.UnsignedTx, error) {
	out := make([]*chain.UnsignedTx, len(params))
	for i := range params {
		out[i], _ = a.build()
	}
	return out, nil
}
func (stubAdapter) SimulateTransaction(context.Context, *chain.UnsignedTx, string) error { return nil }
func (stubAdapter) SignTransaction(context.Context, *chain.UnsignedTx, []byte) ([]byte, error) {
	return []byte("signed"), nil
}
func (stubAdapter) SubmitTransaction(context.Context, []byte) (*chain.SubmitResult, error) {
	return &chain.SubmitResult{TxHash: "0xhash"}, nil
}
func (stubAdapter) WaitForConfirmation(context.Context, string) (*chain.Confirmation, error) {
	return &chain.Confirmation{Success: true, Confirmations: 1}, nil
}
func (stubAdapter) ParseTransaction(context.Context, []byte) (*chain.ParsedTx, error) {
	return &chain.ParsedTx{Operations: []chain.Operation{
		{Kind: chain.OpNativeTransfer, To: "0xto", Amount: big.NewInt(10)},
	}}, nil
}
func (stubAdapter) SignExternalTransaction(context.Context, []byte, []byte) (*chain.SignedTx, error) {
	return &chain.SignedTx{SignedTransaction: []byte("signed"), TxHash: "0xext"}, nil
}
func (stubAdapter) Close() {}

type apiFixture struct {
	server   *httptest.Server
	sessions *session.Service
	breaker  *killswitch.Service
	txs      *transaction.MemoryStore
	token    string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	txs := transaction.NewMemoryStore()
	wallets := wallet.NewMemoryStore()
	policies := policy.NewMemoryStore()
	approvals := approval.NewMemoryStore()
	sessionStore := session.NewMemoryStore()
	keys := keystore.NewMemoryStore("master")

	if _, err := keys.CreateKey(ctx, "w1", "master"); err != nil {
		t.Fatalf("创建私钥失败: %v", err)
	}
	if err := wallets.Create(ctx, &wallet.Wallet{
		ID: "w1", Chain: "ethereum", Network: "mainnet",
		PublicKey: "0x1111111111111111111111111111111111111111",
		Status:    wallet.StatusActive,
	}); err != nil {
		t.Fatalf("创建钱包失败: %v", err)
	}
	if err := policies.Create(ctx, &policy.Policy{
		ID: "p1", Type: policy.TypeSpendingLimit, Enabled: true,
		Rules: map[string]any{
			"instant_max": "100", "notify_max": "200",
			"delay_max": "300", "delay_seconds": "60",
		},
	}); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}

	engine, err := policy.NewEngine(policies, txs)
	if err != nil {
		t.Fatalf("创建策略引擎失败: %v", err)
	}
	delays, err := delay.NewQueue(txs)
	if err != nil {
		t.Fatalf("创建延迟队列失败: %v", err)
	}
	workflow, err := approval.NewWorkflow(approvals, txs)
	if err != nil {
		t.Fatalf("创建审批流程失败: %v", err)
	}
	chains := chain.NewRegistry()
	if err := chains.Register(stubAdapter{}); err != nil {
		t.Fatalf("注册链适配器失败: %v", err)
	}
	pipe, err := pipeline.New(pipeline.Config{MasterPassword: "master"},
		txs, wallets, engine, delays, workflow, chains, keys, nil, nil)
	if err != nil {
		t.Fatalf("创建管线失败: %v", err)
	}

	sessions, err := session.NewService(config.SessionConfig{Secret: "test-secret"}, sessionStore)
	if err != nil {
		t.Fatalf("创建会话服务失败: %v", err)
	}
	cascade, err := killswitch.NewStoreCascade(sessionStore, txs)
	if err != nil {
		t.Fatalf("创建级联失败: %v", err)
	}
	breaker, err := killswitch.NewService(killswitch.NewMemoryStore(), cascade)
	if err != nil {
		t.Fatalf("创建熔断服务失败: %v", err)
	}

	apiServer := NewServer(":0", pipe, txs, workflow, breaker, sessions, "owner-key")
	ts := httptest.NewServer(apiServer.routes())
	t.Cleanup(ts.Close)

	token, _, err := sessions.Issue(ctx, "w1", "agent-1")
	if err != nil {
		t.Fatalf("签发会话失败: %v", err)
	}
	return &apiFixture{server: ts, sessions: sessions, breaker: breaker, txs: txs, token: token}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("编码请求失败: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("构建请求失败: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmitInstantReturnsOK(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/api/v1/transactions", f.token, submitRequest{
		Chain: "ethereum", Network: "mainnet", Type: "TRANSFER",
		Amount: "50", ToAddress: "0xto",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200, got %d", resp.StatusCode)
	}
	var body submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解码响应失败: %v", err)
	}
	if body.Queued {
		t.Fatal("INSTANT 档不应排队")
	}
}

func TestSubmitDelayTierReturnsAccepted(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/api/v1/transactions", f.token, submitRequest{
		Chain: "ethereum", Network: "mainnet", Type: "TRANSFER",
		Amount: "250", ToAddress: "0xto",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("搁置交易期望 202, got %d", resp.StatusCode)
	}
	var body submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解码响应失败: %v", err)
	}
	if !body.Queued || body.Transaction.Status != transaction.StatusQueued {
		t.Fatalf("期望 queued 状态, got %+v", body)
	}
}

func TestSubmitWithoutTokenRejected(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/api/v1/transactions", "", submitRequest{
		Chain: "ethereum", Network: "mainnet", Type: "TRANSFER",
		Amount: "50", ToAddress: "0xto",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("缺令牌期望 401, got %d", resp.StatusCode)
	}
}

func TestTransactionDetailNotFound(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/api/v1/transactions/ghost", f.token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("期望 404, got %d", resp.StatusCode)
	}
}

func TestKillSwitchGateBlocksSubmissions(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/killswitch/activate", "", killSwitchRequest{
		By: "owner", Cascade: true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("熔断期望 200, got %d", resp.StatusCode)
	}
	var result killswitch.CascadeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("解码响应失败: %v", err)
	}
	if !result.Success || result.SessionsRevoked != 1 {
		t.Fatalf("级联应吊销 1 个会话, got %+v", result)
	}

	// 闸门拦截资金操作，健康检查不受影响。
	resp = f.do(t, http.MethodPost, "/api/v1/transactions", f.token, submitRequest{
		Chain: "ethereum", Network: "mainnet", Type: "TRANSFER",
		Amount: "50", ToAddress: "0xto",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("熔断期间期望 503, got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("健康检查必须可达, got %d", resp.StatusCode)
	}
}

func TestRevokedTokenStaysDeadAfterRecovery(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/killswitch/activate", "", killSwitchRequest{
		By: "owner", Cascade: true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("熔断期望 200, got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/killswitch/recover", "", killSwitchRequest{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("恢复期望 200, got %d", resp.StatusCode)
	}

	// 系统已恢复，但熔断时吊销的令牌永远失效。
	resp = f.do(t, http.MethodPost, "/api/v1/transactions", f.token, submitRequest{
		Chain: "ethereum", Network: "mainnet", Type: "TRANSFER",
		Amount: "50", ToAddress: "0xto",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("吊销令牌期望 401, got %d", resp.StatusCode)
	}
}

func TestLockedRecoveryRequiresOwnerKey(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	if _, err := f.breaker.Activate(ctx, "owner"); err != nil {
		t.Fatalf("熔断失败: %v", err)
	}
	if _, err := f.breaker.Escalate(ctx, "owner"); err != nil {
		t.Fatalf("升级失败: %v", err)
	}

	resp := f.do(t, http.MethodPost, "/api/v1/killswitch/recover", "", killSwitchRequest{})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("缺口令期望 403, got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/killswitch/recover", "", killSwitchRequest{RecoverKey: "owner-key"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("有效口令期望 200, got %d", resp.StatusCode)
	}
}

func TestApprovalDecisionBadPath(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/api/v1/approvals/justid", f.token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("期望 400, got %d", resp.StatusCode)
	}
}
