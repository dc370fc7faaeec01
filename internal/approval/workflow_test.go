package approval

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"
	"time"

	"AgentVault-Chain/internal/transaction"
)

func newWorkflow(t *testing.T) (*Workflow, *MemoryStore, *transaction.MemoryStore) {
	t.Helper()
	approvals := NewMemoryStore()
	txs := transaction.NewMemoryStore()
	workflow, err := NewWorkflow(approvals, txs)
	if err != nil {
		t.Fatalf("创建审批流程失败: %v", err)
	}
	return workflow, approvals, txs
}

func createTx(t *testing.T, store *transaction.MemoryStore, id string) {
	t.Helper()
	err := store.Create(context.Background(), &transaction.Transaction{
		ID:       id,
		WalletID: "w1",
		Type:     transaction.TypeTransfer,
		Status:   transaction.StatusPending,
		Amount:   big.NewInt(100),
	})
	if err != nil {
		t.Fatalf("创建交易失败: %v", err)
	}
}

func TestRequestApprovalCreatesSingleRow(t *testing.T) {
	workflow, approvals, txs := newWorkflow(t)
	createTx(t, txs, "tx-1")

	pending, err := workflow.RequestApproval(context.Background(), "tx-1", "w1", "owner", 600)
	if err != nil {
		t.Fatalf("RequestApproval 失败: %v", err)
	}
	if pending.ID == "" || pending.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("审批记录不完整: %+v", pending)
	}

	tx, err := txs.Get(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if tx.Status != transaction.StatusQueued {
		t.Fatalf("交易应处于 QUEUED, got %s", tx.Status)
	}

	// 同一交易不允许第二条审批记录。
	if _, err := workflow.RequestApproval(context.Background(), "tx-1", "w1", "owner", 600); !stdErrors.Is(err, ErrApprovalConflict) {
		t.Fatalf("期望 ErrApprovalConflict, got %v", err)
	}
	if _, err := approvals.GetByTx(context.Background(), "tx-1"); err != nil {
		t.Fatalf("审批记录应存在: %v", err)
	}
}

func TestApproveFlipsTransactionToExecuting(t *testing.T) {
	workflow, approvals, txs := newWorkflow(t)
	createTx(t, txs, "tx-1")

	if _, err := workflow.RequestApproval(context.Background(), "tx-1", "w1", "owner", 600); err != nil {
		t.Fatalf("RequestApproval 失败: %v", err)
	}
	if err := workflow.Approve(context.Background(), "tx-1", "0xsig"); err != nil {
		t.Fatalf("Approve 失败: %v", err)
	}

	tx, _ := txs.Get(context.Background(), "tx-1")
	if tx.Status != transaction.StatusExecuting {
		t.Fatalf("批准后应为 EXECUTING, got %s", tx.Status)
	}
	pending, _ := approvals.GetByTx(context.Background(), "tx-1")
	if pending.ApprovedAt == 0 || pending.OwnerSignature != "0xsig" {
		t.Fatalf("批准信息未落库: %+v", pending)
	}

	// 重复批准应失败。
	if err := workflow.Approve(context.Background(), "tx-1", "0xsig"); !stdErrors.Is(err, ErrApprovalConflict) {
		t.Fatalf("期望 ErrApprovalConflict, got %v", err)
	}
}

func TestApproveAfterExpiryFails(t *testing.T) {
	workflow, approvals, txs := newWorkflow(t)
	createTx(t, txs, "tx-1")

	if _, err := workflow.RequestApproval(context.Background(), "tx-1", "w1", "owner", 600); err != nil {
		t.Fatalf("RequestApproval 失败: %v", err)
	}

	// 把过期时间拨到过去。
	approvals.mu.Lock()
	approvals.byTx["tx-1"].ExpiresAt = time.Now().Unix() - 1
	approvals.mu.Unlock()

	if err := workflow.Approve(context.Background(), "tx-1", "0xsig"); !stdErrors.Is(err, ErrApprovalExpired) {
		t.Fatalf("期望 ErrApprovalExpired, got %v", err)
	}

	tx, _ := txs.Get(context.Background(), "tx-1")
	if tx.Status != transaction.StatusQueued {
		t.Fatalf("过期审批不应改变交易状态, got %s", tx.Status)
	}
}

func TestRejectCancelsTransaction(t *testing.T) {
	workflow, _, txs := newWorkflow(t)
	createTx(t, txs, "tx-1")

	if _, err := workflow.RequestApproval(context.Background(), "tx-1", "w1", "owner", 600); err != nil {
		t.Fatalf("RequestApproval 失败: %v", err)
	}
	if err := workflow.Reject(context.Background(), "tx-1"); err != nil {
		t.Fatalf("Reject 失败: %v", err)
	}

	tx, _ := txs.Get(context.Background(), "tx-1")
	if tx.Status != transaction.StatusCancelled {
		t.Fatalf("拒绝后应为 CANCELLED, got %s", tx.Status)
	}
	if tx.Error == "" {
		t.Fatal("取消的交易必须携带原因")
	}
}

func TestExpireOverdueMovesTransactionsToExpired(t *testing.T) {
	workflow, approvals, txs := newWorkflow(t)
	createTx(t, txs, "tx-1")
	createTx(t, txs, "tx-2")

	if _, err := workflow.RequestApproval(context.Background(), "tx-1", "w1", "owner", 10); err != nil {
		t.Fatalf("RequestApproval 失败: %v", err)
	}
	if _, err := workflow.RequestApproval(context.Background(), "tx-2", "w1", "owner", 9999); err != nil {
		t.Fatalf("RequestApproval 失败: %v", err)
	}

	expired, err := workflow.ExpireOverdue(context.Background(), time.Now().Unix()+11)
	if err != nil {
		t.Fatalf("ExpireOverdue 失败: %v", err)
	}
	if expired != 1 {
		t.Fatalf("应恰好过期一笔, got %d", expired)
	}

	tx1, _ := txs.Get(context.Background(), "tx-1")
	if tx1.Status != transaction.StatusExpired {
		t.Fatalf("tx-1 应为 EXPIRED, got %s", tx1.Status)
	}
	tx2, _ := txs.Get(context.Background(), "tx-2")
	if tx2.Status != transaction.StatusQueued {
		t.Fatalf("tx-2 不应受影响, got %s", tx2.Status)
	}

	// 过期后的审批不可再批准。
	if err := workflow.Approve(context.Background(), "tx-1", "0xsig"); !stdErrors.Is(err, ErrApprovalExpired) {
		t.Fatalf("期望 ErrApprovalExpired, got %v", err)
	}
	pending, _ := approvals.GetByTx(context.Background(), "tx-1")
	if pending.ExpiredAt == 0 {
		t.Fatalf("审批记录应标记过期: %+v", pending)
	}
}
