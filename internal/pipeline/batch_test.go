package pipeline

import (
	"context"
	"math/big"
	"strings"
	"testing"

	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/policy"
	"AgentVault-Chain/internal/transaction"
)

func TestSubmitBatchInstantTierConfirmsAllLegs(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.pipeline.Submit(context.Background(), SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeBatch,
		Batch: []BatchLeg{
			{Type: transaction.TypeTransfer, ToAddress: "0xto1", Amount: "30"},
			{Type: transaction.TypeTokenTransfer, ToAddress: "0xto2", Amount: "40", TokenAddress: "0xToken"},
		},
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if outcome.Halted {
		t.Fatal("INSTANT 档不应搁置")
	}
	if outcome.Tx.Amount.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("支出合计应为 70, got %s", outcome.Tx.Amount)
	}
	if len(strings.Split(outcome.Tx.TxHash, ",")) != 2 {
		t.Fatalf("应记录两笔子交易哈希, got %q", outcome.Tx.TxHash)
	}
	waitForStatus(t, f.txs, outcome.Tx.ID, transaction.StatusConfirmed)
	if f.adapter.submitCount() != 2 {
		t.Fatalf("应提交 2 笔子交易, got %d", f.adapter.submitCount())
	}
}

func TestSubmitBatchApproveLegNotCounted(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.pipeline.Submit(context.Background(), SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeBatch,
		Batch: []BatchLeg{
			{Type: transaction.TypeApprove, ToAddress: "0xToken", Amount: "10000",
				TokenAddress: "0xToken", Spender: "0xSpender"},
			{Type: transaction.TypeTransfer, ToAddress: "0xto", Amount: "50"},
		},
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if outcome.Halted {
		t.Fatal("授权额度不计入支出合计，50 应落在 INSTANT 档")
	}
	if outcome.Tx.Amount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("支出合计应为 50, got %s", outcome.Tx.Amount)
	}
	waitForStatus(t, f.txs, outcome.Tx.ID, transaction.StatusConfirmed)
}

func TestSubmitBatchDelayTierHaltsAndResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.pipeline.Submit(ctx, SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeBatch,
		Batch: []BatchLeg{
			{Type: transaction.TypeTransfer, ToAddress: "0xto1", Amount: "150"},
			{Type: transaction.TypeTransfer, ToAddress: "0xto2", Amount: "100"},
		},
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

	claimed, err := f.delays.ProcessExpired(ctx, outcome.Tx.QueuedAt+61)
	if err != nil {
		t.Fatalf("处理到期交易失败: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("期望认领 1 笔, got %v", claimed)
	}
	if err := f.pipeline.Resume(ctx, outcome.Tx.ID); err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	waitForStatus(t, f.txs, outcome.Tx.ID, transaction.StatusConfirmed)
	if f.adapter.submitCount() != 2 {
		t.Fatalf("唤醒后应提交全部子交易, got %d", f.adapter.submitCount())
	}
}

func TestSubmitBatchDeniedLegRejectsEntireBatch(t *testing.T) {
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
		Type: transaction.TypeBatch,
		Batch: []BatchLeg{
			{Type: transaction.TypeTransfer, ToAddress: "0xAllowed", Amount: "10"},
			{Type: transaction.TypeTransfer, ToAddress: "0xNotAllowed", Amount: "10"},
		},
	})
	if !xerrors.HasCode(err, xerrors.CodePolicyDenied) {
		t.Fatalf("期望 POLICY_DENIED, got %v", err)
	}

	// 逐腿检查发生在落库之前，被拒的批量交易不留任何记录。
	txs, err := f.txs.List(ctx, transaction.ListOptions{WalletID: "w1"})
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("被拒批量交易不应落库, got %d 笔", len(txs))
	}
}

func TestSubmitBatchPartialFailureOnSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.failSubmitAt = 2

	_, err := f.pipeline.Submit(ctx, SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeBatch,
		Batch: []BatchLeg{
			{Type: transaction.TypeTransfer, ToAddress: "0xto1", Amount: "30"},
			{Type: transaction.TypeTransfer, ToAddress: "0xto2", Amount: "40"},
		},
	})
	if !xerrors.HasCode(err, xerrors.CodeChainFailure) {
		t.Fatalf("期望 CHAIN_FAILURE, got %v", err)
	}

	txs, err := f.txs.List(ctx, transaction.ListOptions{WalletID: "w1"})
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("期望 1 笔交易, got %d", len(txs))
	}
	if txs[0].Status != transaction.StatusPartialFailure {
		t.Fatalf("期望 PARTIAL_FAILURE, got %s", txs[0].Status)
	}
	if txs[0].TxHash != "0xhash-1" {
		t.Fatalf("应保留已上链的哈希, got %q", txs[0].TxHash)
	}

	outstanding, err := f.txs.SumReserved(ctx, "w1", "")
	if err != nil {
		t.Fatalf("求和失败: %v", err)
	}
	if outstanding.Sign() != 0 {
		t.Fatalf("部分失败后预留必须释放, got %s", outstanding)
	}
}

func TestSubmitBatchPartialFailureOnConfirm(t *testing.T) {
	f := newFixture(t)
	f.adapter.failConfirm = map[string]bool{"0xhash-2": true}

	outcome, err := f.pipeline.Submit(context.Background(), SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeBatch,
		Batch: []BatchLeg{
			{Type: transaction.TypeTransfer, ToAddress: "0xto1", Amount: "30"},
			{Type: transaction.TypeTransfer, ToAddress: "0xto2", Amount: "40"},
		},
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if outcome.Tx.Status != transaction.StatusSubmitted {
		t.Fatalf("期望 SUBMITTED, got %s", outcome.Tx.Status)
	}
	waitForStatus(t, f.txs, outcome.Tx.ID, transaction.StatusPartialFailure)
}

func TestSubmitBatchRejectsEmptyLegs(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Submit(context.Background(), SubmitRequest{
		WalletID: "w1", Chain: "ethereum", Network: "mainnet",
		Type: transaction.TypeBatch,
	})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("期望 INVALID_ARGUMENT, got %v", err)
	}
}
