// 文件: pkg/nats/publisher.go
// NATS 消息发布者
// 轻量级替代 Kafka, 适合本地开发和单机部署

package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher NATS 发布者
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher 创建发布者
//
// 断线后无限重连; 断线期间的消息进入 nats.go 的重连缓冲区
func NewPublisher(url, name string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewPublisherWithConn(conn), nil
}

// NewPublisherWithConn 使用已有连接
func NewPublisherWithConn(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Publish 发布 JSON 消息
func (p *Publisher) Publish(subject string, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return p.conn.Publish(subject, bytes)
}

// Flush 等待已发布消息被服务端确认收到
func (p *Publisher) Flush(timeout time.Duration) error {
	return p.conn.FlushTimeout(timeout)
}

// Close 发送剩余消息后关闭连接
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
