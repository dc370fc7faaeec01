package delay

import (
	"context"
	"math/big"
	"testing"
	"time"

	"AgentVault-Chain/internal/transaction"
)

func newQueuedTx(t *testing.T, store *transaction.MemoryStore, id string) {
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

func TestQueueDelaySetsQueuedState(t *testing.T) {
	store := transaction.NewMemoryStore()
	queue, err := NewQueue(store)
	if err != nil {
		t.Fatalf("创建队列失败: %v", err)
	}
	newQueuedTx(t, store, "tx-1")

	if err := queue.QueueDelay(context.Background(), "tx-1", "w1", 300); err != nil {
		t.Fatalf("QueueDelay 失败: %v", err)
	}

	tx, err := store.Get(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if tx.Status != transaction.StatusQueued {
		t.Fatalf("期望 QUEUED, got %s", tx.Status)
	}
	if tx.DelaySeconds != 300 || tx.QueuedAt == 0 {
		t.Fatalf("延迟参数未落库: %+v", tx)
	}
}

func TestQueueDelayRejectsNonPositiveDelay(t *testing.T) {
	store := transaction.NewMemoryStore()
	queue, _ := NewQueue(store)
	newQueuedTx(t, store, "tx-1")

	if err := queue.QueueDelay(context.Background(), "tx-1", "w1", 0); err == nil {
		t.Fatal("延迟秒数为 0 应被拒绝")
	}
}

func TestProcessExpiredFlipsOnlyDueTransactions(t *testing.T) {
	store := transaction.NewMemoryStore()
	queue, _ := NewQueue(store)
	newQueuedTx(t, store, "tx-1")

	if err := queue.QueueDelay(context.Background(), "tx-1", "w1", 300); err != nil {
		t.Fatalf("QueueDelay 失败: %v", err)
	}
	queuedAt := time.Now().Unix()

	// 差 1 秒未到期。
	claimed, err := queue.ProcessExpired(context.Background(), queuedAt+299)
	if err != nil {
		t.Fatalf("ProcessExpired 失败: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("未到期的交易不应被取出: %+v", claimed)
	}

	// 恰好到期。
	claimed, err = queue.ProcessExpired(context.Background(), queuedAt+300)
	if err != nil {
		t.Fatalf("ProcessExpired 失败: %v", err)
	}
	if len(claimed) != 1 || claimed[0].TxID != "tx-1" || claimed[0].WalletID != "w1" {
		t.Fatalf("到期交易应被取出: %+v", claimed)
	}

	tx, err := store.Get(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if tx.Status != transaction.StatusExecuting {
		t.Fatalf("取出的交易应翻转为 EXECUTING, got %s", tx.Status)
	}

	// 再次扫描不会重复取出。
	claimed, err = queue.ProcessExpired(context.Background(), queuedAt+301)
	if err != nil {
		t.Fatalf("ProcessExpired 失败: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("同一笔交易不应被重复取出: %+v", claimed)
	}
}
