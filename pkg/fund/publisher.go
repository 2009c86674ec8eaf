// 文件: pkg/fund/publisher.go
// 资金模块 - 分润事件发布器
//
// 【约定】
// 事件在数据库事务提交之后发布; 发布失败只记日志, 不回滚入账
// 账本的真相永远在 distribution_records / fund_journals

package fund

import (
	"errors"

	"yieldcore.com/pkg/kafka"
)

// ProfitPublisher 分润事件发布接口
type ProfitPublisher interface {
	PublishProfit(event *ProfitEvent) error
	Close() error
}

// =============================================================================
// NopPublisher - 不发布
// =============================================================================

// NopPublisher 未配置消息中间件时使用
type NopPublisher struct{}

func (NopPublisher) PublishProfit(*ProfitEvent) error { return nil }
func (NopPublisher) Close() error                     { return nil }

// =============================================================================
// KafkaPublisher - 基于 kafka 包
// =============================================================================

// KafkaPublisher Kafka 事件发布器
type KafkaPublisher struct {
	producer *kafka.Producer
}

// NewKafkaPublisher 创建 Kafka 事件发布器
func NewKafkaPublisher(producer *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

// PublishProfit 发布分润事件
func (p *KafkaPublisher) PublishProfit(event *ProfitEvent) error {
	return p.producer.Send(event)
}

// Stats 获取统计
func (p *KafkaPublisher) Stats() kafka.ProducerStats {
	return p.producer.Stats()
}

// Close 关闭发布器
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// =============================================================================
// MultiPublisher - 同时发到多个后端
// =============================================================================

// MultiPublisher 组合发布器, 每个后端都会尝试, 错误合并返回
type MultiPublisher []ProfitPublisher

func (m MultiPublisher) PublishProfit(event *ProfitEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishProfit(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
