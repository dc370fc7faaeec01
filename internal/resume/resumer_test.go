package resume

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingTarget struct {
	mu   sync.Mutex
	seen []string
	fail map[string]error
}

func (t *recordingTarget) Resume(_ context.Context, txID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = append(t.seen, txID)
	if err, ok := t.fail[txID]; ok {
		return err
	}
	return nil
}

func (t *recordingTarget) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

func TestResumerDeliversQueuedTransactions(t *testing.T) {
	queue := NewMemoryQueue(8)
	target := &recordingTarget{}
	resumer := NewResumer(queue, target, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = resumer.Run(ctx)
		close(done)
	}()

	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		if err := queue.Publish(context.Background(), id); err != nil {
			t.Fatalf("投递失败: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for target.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("超时，仅收到 %d 条", target.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestResumerSurvivesTargetFailures(t *testing.T) {
	queue := NewMemoryQueue(8)
	target := &recordingTarget{fail: map[string]error{"tx-bad": errors.New("boom")}}
	resumer := NewResumer(queue, target, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = resumer.Run(ctx)
		close(done)
	}()

	for _, id := range []string{"tx-bad", "tx-good"} {
		if err := queue.Publish(context.Background(), id); err != nil {
			t.Fatalf("投递失败: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for target.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("失败消息阻断了消费循环，仅收到 %d 条", target.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if err := queue.Publish(context.Background(), "tx-1"); err == nil {
		t.Fatal("关闭后投递应失败")
	}
}
