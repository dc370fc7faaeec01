package eventbus

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/pkg/logger"
)

// RabbitMQConfig 描述事件总线使用的 RabbitMQ 交换机。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// RabbitMQBus 把事件发布到 topic 交换机，routing key 即事件主题。
type RabbitMQBus struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQBus 创建 RabbitMQBus。
func NewRabbitMQBus(cfg RabbitMQConfig) (*RabbitMQBus, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInitialization, "RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "vaultd.events"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "声明 RabbitMQ 交换机失败")
	}
	return &RabbitMQBus{conn: conn, ch: ch, exchange: exchange}, nil
}

// Emit 实现 Bus 接口。发布失败只记录日志。
func (b *RabbitMQBus) Emit(ctx context.Context, topic string, payload map[string]any) {
	if b == nil || b.ch == nil {
		return
	}
	body, err := json.Marshal(Event{Topic: topic, Payload: payload, OccurredAt: time.Now().Unix()})
	if err != nil {
		logger.Named("eventbus").Warn("编码事件失败", "topic", topic, "error", err)
		return
	}
	err = b.ch.PublishWithContext(ctx, b.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		logger.Named("eventbus").Warn("发布事件失败", "topic", topic, "error", err)
	}
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBus) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Bus = (*RabbitMQBus)(nil)
