package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"AgentVault-Chain/internal/approval"
	"AgentVault-Chain/internal/chain"
	"AgentVault-Chain/internal/delay"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/keystore"
	"AgentVault-Chain/internal/policy"
	"AgentVault-Chain/internal/transaction"
	"AgentVault-Chain/internal/wallet"
)

// fakeAdapter 是可注入故障的链适配器替身。
type fakeAdapter struct {
	mu           sync.Mutex
	submitErr    error
	failSubmitAt int             // 第 N 次提交返回错误，0 表示不注入
	failConfirm  map[string]bool // 确认失败的哈希集合
	confirmOK    bool
	parsed       *chain.ParsedTx
	attempts     int
	submitted    int
	signedBlob   []byte
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{confirmOK: true, signedBlob: []byte("signed")}
}

func (f *fakeAdapter) Name() string { return "ethereum" }

func (f *fakeAdapter) buildStub() (*chain.UnsignedTx, error) {
	return &chain.UnsignedTx{Serialized: []byte("unsigned"), EstimatedFee: big.NewInt(21000)}, nil
}

func (f *fakeAdapter) BuildTransaction(context.Context, chain.BuildParams) (*chain.UnsignedTx, error) {
	return f.buildStub()
}
func (f *fakeAdapter) BuildTokenTransfer(context.Context, chain.BuildParams) (*chain.UnsignedTx, error) {
	return f.buildStub()
}
func (f *fakeAdapter) BuildContractCall(context.Context, chain.BuildParams) (*chain.UnsignedTx, error) {
	return f.buildStub()
}
func (f *fakeAdapter) BuildApprove(context.Context, chain.BuildParams) (*chain.UnsignedTx, error) {
	return f.buildStub()
}
func (f *fakeAdapter) BuildBatch(ctx context.Context, params []chain.BuildParams) ([]*chain.UnsignedTx, error) {
	out := make([]*chain.UnsignedTx, len(params))
	for i := range params {
		out[i], _ = f.buildStub()
	}
	return out, nil
}

func (f *fakeAdapter) SimulateTransaction(context.Context, *chain.UnsignedTx, string) error {
	return nil
}

func (f *fakeAdapter) SignTransaction(_ context.Context, _ *chain.UnsignedTx, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, xerrors.New(xerrors.CodeKeystoreFailure, "空私钥")
	}
	return f.signedBlob, nil
}

func (f *fakeAdapter) SubmitTransaction(context.Context, []byte) (*chain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.failSubmitAt > 0 && f.attempts == f.failSubmitAt {
		return nil, xerrors.New(xerrors.CodeChainFailure, "节点拒绝交易")
	}
	f.submitted++
	return &chain.SubmitResult{TxHash: fmt.Sprintf("0xhash-%d", f.attempts), Status: "pending"}, nil
}

func (f *fakeAdapter) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

func (f *fakeAdapter) WaitForConfirmation(_ context.Context, txHash string) (*chain.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.confirmOK || f.failConfirm[txHash] {
		return &chain.Confirmation{Success: false, Status: "reverted"}, nil
	}
	return &chain.Confirmation{Success: true, Status: "confirmed", Confirmations: 1}, nil
}

func (f *fakeAdapter) ParseTransaction(context.Context, []byte) (*chain.ParsedTx, error) {
	if f.parsed == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "无法解析")
	}
	return f.parsed, nil
}

func (f *fakeAdapter) SignExternalTransaction(_ context.Context, _ []byte, key []byte) (*chain.SignedTx, error) {
	if len(key) == 0 {
		return nil, xerrors.New(xerrors.CodeKeystoreFailure, "空私钥")
	}
	return &chain.SignedTx{SignedTransaction: f.signedBlob, TxHash: "0xext"}, nil
}

func (f *fakeAdapter) Close() {}

type fixture struct {
	pipeline *Pipeline
	txs      *transaction.MemoryStore
	policies *policy.MemoryStore
	delays   *delay.Queue
	approval *approval.Workflow
	adapter  *fakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	txs := transaction.NewMemoryStore()
	wallets := wallet.NewMemoryStore()
	policies := policy.NewMemoryStore()
	approvals := approval.NewMemoryStore()
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
			"instant_max":   "100",
			"notify_max":    "200",
			"delay_max":     "300",
			"delay_seconds": "60",
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

	adapter := newFakeAdapter()
	chains := chain.NewRegistry()
	if err := chains.Register(adapter); err != nil {
		t.Fatalf("注册链适配器失败: %v", err)
	}

	p, err := New(Config{MasterPassword: "master", ApprovalTimeoutSeconds: 300},
		txs, wallets, engine, delays, workflow, chains, keys, nil, nil)
	if err != nil {
		t.Fatalf("创建管线失败: %v", err)
	}
	return &fixture{pipeline: p, txs: txs, policies: policies, delays: delays, approval: workflow, adapter: adapter}
}

func waitForStatus(t *testing.T, txs *transaction.MemoryStore, txID string, want transaction.Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		tx, err := txs.Get(context.Background(), txID)
		if err == nil && tx.Status == want {
			return
		}
		select {
		case <-deadline:
			status := transaction.Status("?")
			if err == nil {
				status = tx.Status
			}
			t.Fatalf("等待状态 %s 超时，当前 %s", want, status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubmitInstantTierRunsToConfirmation(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.pipeline.Submit(context.Background(), SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeTransfer, Amount: big.NewInt(50), ToAddress: "0xto",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if outcome.Halted {
		t.Fatal("INSTANT 档不应搁置")
	}
	if outcome.Tx.Status != transaction.StatusSubmitted {
		t.Fatalf("期望 SUBMITTED, got %s", outcome.Tx.Status)
	}
	waitForStatus(t, f.txs, outcome.Tx.ID, transaction.StatusConfirmed)
}

func TestSubmitDelayTierHaltsAndResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.pipeline.Submit(ctx, SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeTransfer, Amount: big.NewInt(250), ToAddress: "0xto",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if !outcome.Halted {
		t.Fatal("DELAY 档必须搁置")
	}
	if outcome.Tx.Status != transaction.StatusQueued {
		t.Fatalf("期望 QUEUED, got %s", outcome.Tx.Status)
	}
	if outcome.Tx.DelaySeconds != 60 {
		t.Fatalf("期望延迟 60 秒, got %d", outcome.Tx.DelaySeconds)
	}

	// 模拟延迟到期：认领后交易翻转为 EXECUTING，再走恢复入口。
	claimed, err := f.delays.ProcessExpired(ctx, outcome.Tx.QueuedAt+61)
	if err != nil {
		t.Fatalf("处理到期交易失败: %v", err)
	}
	if len(claimed) != 1 || claimed[0].TxID != outcome.Tx.ID {
		t.Fatalf("期望认领 1 笔, got %v", claimed)
	}
	if err := f.pipeline.Resume(ctx, outcome.Tx.ID); err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	waitForStatus(t, f.txs, outcome.Tx.ID, transaction.StatusConfirmed)
}

func TestSubmitApprovalTierHaltsUntilApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.pipeline.Submit(ctx, SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeTransfer, Amount: big.NewInt(500), ToAddress: "0xto",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if !outcome.Halted {
		t.Fatal("APPROVAL 档必须搁置")
	}
	if outcome.Tx.Status != transaction.StatusQueued {
		t.Fatalf("期望 QUEUED, got %s", outcome.Tx.Status)
	}

	if err := f.approval.Approve(ctx, outcome.Tx.ID, "0xsig"); err != nil {
		t.Fatalf("批准失败: %v", err)
	}
	if err := f.pipeline.Resume(ctx, outcome.Tx.ID); err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	waitForStatus(t, f.txs, outcome.Tx.ID, transaction.StatusConfirmed)
}

func TestSubmitDeniedCancelsAndReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.policies.Create(ctx, &policy.Policy{
		ID: "p-wl", Type: policy.TypeWhitelist, Enabled: true,
		Rules: map[string]any{"addresses": []any{"0xAllowed"}},
	}); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}

	_, err := f.pipeline.Submit(ctx, SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeTransfer, Amount: big.NewInt(50), ToAddress: "0xNotAllowed",
	})
	if !xerrors.HasCode(err, xerrors.CodePolicyDenied) {
		t.Fatalf("期望 POLICY_DENIED, got %v", err)
	}

	outstanding, err := f.txs.SumReserved(ctx, "w1", "")
	if err != nil {
		t.Fatalf("求和失败: %v", err)
	}
	if outstanding.Sign() != 0 {
		t.Fatalf("被拒交易不得留下预留, got %s", outstanding)
	}
	txs, err := f.txs.List(ctx, transaction.ListOptions{WalletID: "w1"})
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if len(txs) != 1 || txs[0].Status != transaction.StatusCancelled {
		t.Fatalf("被拒交易应落为 CANCELLED, got %+v", txs)
	}
}

func TestSubmitRejectsNegativeAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Submit(context.Background(), SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeTransfer, Amount: big.NewInt(-1), ToAddress: "0xto",
	})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("期望 INVALID_ARGUMENT, got %v", err)
	}
}

func TestSubmitFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.submitErr = xerrors.New(xerrors.CodeChainFailure, "节点不可达")

	_, err := f.pipeline.Submit(ctx, SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeTransfer, Amount: big.NewInt(50), ToAddress: "0xto",
	})
	if err == nil {
		t.Fatal("提交失败应返回错误")
	}

	outstanding, err := f.txs.SumReserved(ctx, "w1", "")
	if err != nil {
		t.Fatalf("求和失败: %v", err)
	}
	if outstanding.Sign() != 0 {
		t.Fatalf("失败交易的预留必须释放, got %s", outstanding)
	}
}

func TestDelayQueueFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 钱包级策略覆盖全局策略；缺失 delay_seconds 使延迟入队必然失败。
	if err := f.policies.Create(ctx, &policy.Policy{
		ID: "p-w1", WalletID: "w1", Type: policy.TypeSpendingLimit, Enabled: true,
		Rules: map[string]any{
			"instant_max": "100",
			"notify_max":  "200",
			"delay_max":   "300",
		},
	}); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}

	_, err := f.pipeline.Submit(ctx, SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeTransfer, Amount: big.NewInt(250), ToAddress: "0xto",
	})
	if err == nil {
		t.Fatal("延迟入队失败应返回错误")
	}

	txs, err := f.txs.List(ctx, transaction.ListOptions{WalletID: "w1"})
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if len(txs) != 1 || txs[0].Status != transaction.StatusFailed {
		t.Fatalf("搁置失败的交易应落为 FAILED, got %+v", txs)
	}
	outstanding, err := f.txs.SumReserved(ctx, "w1", "")
	if err != nil {
		t.Fatalf("求和失败: %v", err)
	}
	if outstanding.Sign() != 0 {
		t.Fatalf("搁置失败后预留必须释放, got %s", outstanding)
	}
}

func TestResumeSkipsTerminalTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.pipeline.Submit(ctx, SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeTransfer, Amount: big.NewInt(50), ToAddress: "0xto",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	waitForStatus(t, f.txs, outcome.Tx.ID, transaction.StatusConfirmed)

	submittedBefore := f.adapter.submitCount()
	if err := f.pipeline.Resume(ctx, outcome.Tx.ID); err != nil {
		t.Fatalf("终态交易的恢复应为空操作: %v", err)
	}
	if f.adapter.submitCount() != submittedBefore {
		t.Fatal("终态交易不得再次提交上链")
	}
}
