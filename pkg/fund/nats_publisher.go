// 文件: pkg/fund/nats_publisher.go
// 资金模块 - NATS 事件发布器 (轻量级替代 Kafka)

package fund

import (
	"yieldcore.com/pkg/nats"
)

// NatsEventPublisher NATS 事件发布器
type NatsEventPublisher struct {
	publisher *nats.Publisher
}

// NewNatsEventPublisher 创建 NATS 事件发布器
func NewNatsEventPublisher(natsURL string) (*NatsEventPublisher, error) {
	publisher, err := nats.NewPublisher(natsURL, "profit-distributor")
	if err != nil {
		return nil, err
	}
	return &NatsEventPublisher{publisher: publisher}, nil
}

// PublishProfit 发布分润事件, subject: fund_profit_events.{kind}
func (p *NatsEventPublisher) PublishProfit(event *ProfitEvent) error {
	return p.publisher.Publish(TopicProfitEvents+"."+event.Kind, event)
}

// Close 关闭发布器
func (p *NatsEventPublisher) Close() error {
	p.publisher.Close()
	return nil
}
