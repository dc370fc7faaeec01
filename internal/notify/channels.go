package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"AgentVault-Chain/pkg/logger"
)

// LogNotifier 把事件写入审计日志，永远可用的兜底渠道。
type LogNotifier struct{}

// Channel 实现 Notifier 接口。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 实现 Notifier 接口。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Info("钱包事件",
		"event", string(event.Type),
		"wallet_id", event.WalletID,
		"payload", event.Payload,
		"occurred_at", event.OccurredAt.Format(time.RFC3339))
	return nil
}

// WebhookNotifier 把事件以 JSON POST 到所有者配置的回调地址。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier 创建 WebhookNotifier。
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Channel 实现 Notifier 接口。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 实现 Notifier 接口。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码通知失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建通知请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("发送通知失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("通知回调返回 %d", resp.StatusCode)
	}
	return nil
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
)
