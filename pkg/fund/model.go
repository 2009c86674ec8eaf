// 文件: pkg/fund/model.go
// 资金模块 - 余额与流水
//
// 【金额单位】
// 所有金额都是最小货币单位 (分) 的 int64，避免浮点误差
//
// 【余额结构】
// - Available: 可用余额 (可提现)
// - Invested:  投资中本金
// - Profit:    累计收益, 只会被分润入账增加, 等于该用户所有分润记录金额之和

package fund

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// 常量定义
// =============================================================================

// 事件 Topic (NATS subject / Kafka topic 共用)
const (
	TopicProfitEvents  = "fund_profit_events"  // 分润入账
	TopicJournalEvents = "fund_journal_events" // 流水事件
)

// ChangeType 变更类型
type ChangeType uint8

const (
	ChangeTypeProfit   ChangeType = 1 // 分润入账
	ChangeTypeCapital  ChangeType = 2 // 到期返还本金
	ChangeTypeInvest   ChangeType = 3 // 投入本金
	ChangeTypeDeposit  ChangeType = 4 // 充值
	ChangeTypeWithdraw ChangeType = 5 // 提现
)

func (t ChangeType) String() string {
	switch t {
	case ChangeTypeProfit:
		return "PROFIT"
	case ChangeTypeCapital:
		return "CAPITAL"
	case ChangeTypeInvest:
		return "INVEST"
	case ChangeTypeDeposit:
		return "DEPOSIT"
	case ChangeTypeWithdraw:
		return "WITHDRAW"
	default:
		return "UNKNOWN"
	}
}

// BizType 业务类型
type BizType string

const (
	BizTypeDistribution BizType = "DISTRIBUTION" // 分润记录
	BizTypePosition     BizType = "POSITION"     // 持仓 (投入/返还本金)
	BizTypeDeposit      BizType = "DEPOSIT"
	BizTypeWithdraw     BizType = "WITHDRAW"
)

// EventID 生成幂等键: {type}_{bizID}
func EventID(changeType ChangeType, bizID int64) string {
	return fmt.Sprintf("%s_%d", changeType.String(), bizID)
}

// =============================================================================
// 数据库模型
// =============================================================================

// Balance 用户余额
//
// 所有更新都是 col = col ± ? 的增量表达式,
// 分润入账和充值提现可以任意交错而不丢更新
type Balance struct {
	UserID    int64 `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	Available int64 `gorm:"column:available;not null;default:0" json:"available"`
	Invested  int64 `gorm:"column:invested;not null;default:0" json:"invested"`
	Profit    int64 `gorm:"column:profit;not null;default:0" json:"profit"`
	Version   int64 `gorm:"column:version;not null;default:0" json:"version"`
	UpdatedAt int64 `gorm:"column:updated_at" json:"updated_at"`
}

func (Balance) TableName() string {
	return "fund_balances"
}

// Journal 资金流水 (审计)
// EventID 唯一, 重复写入同一个 EventID 不会产生第二条流水
type Journal struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	EventID         string     `gorm:"column:event_id;type:varchar(64);uniqueIndex" json:"event_id"`
	UserID          int64      `gorm:"column:user_id;index" json:"user_id"`
	ChangeType      ChangeType `gorm:"column:change_type" json:"change_type"`
	Amount          int64      `gorm:"column:amount" json:"amount"`
	AvailableBefore int64      `gorm:"column:available_before" json:"available_before"`
	AvailableAfter  int64      `gorm:"column:available_after" json:"available_after"`
	ProfitBefore    int64      `gorm:"column:profit_before" json:"profit_before"`
	ProfitAfter     int64      `gorm:"column:profit_after" json:"profit_after"`
	BizType         BizType    `gorm:"column:biz_type;type:varchar(32);index:idx_biz" json:"biz_type"`
	BizID           int64      `gorm:"column:biz_id;index:idx_biz" json:"biz_id"`
	Operator        string     `gorm:"column:operator;type:varchar(64)" json:"operator,omitempty"`
	CreatedAt       int64      `gorm:"column:created_at" json:"created_at"`
}

func (Journal) TableName() string {
	return "fund_journals"
}

// =============================================================================
// 事件 (提交后异步通知下游)
// =============================================================================

// ProfitEvent 分润入账事件
//
// 【注意】事件只是通知, 不是账本; 下游丢失事件可以用 distribution_records 对账
type ProfitEvent struct {
	EventID     string    `json:"event_id"`
	RecordID    int64     `json:"record_id"`
	PositionID  int64     `json:"position_id"`
	UserID      int64     `json:"user_id"`
	Kind        string    `json:"kind"`
	PeriodKey   string    `json:"period_key"`
	PeriodIndex int       `json:"period_index"`
	Amount      int64     `json:"amount"`
	RunID       int64     `json:"run_id"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Topic 实现 kafka.Message
func (e *ProfitEvent) Topic() string {
	return TopicProfitEvents
}

// Key 按 UserID 分区保证同一用户的事件有序
func (e *ProfitEvent) Key() string {
	return fmt.Sprintf("%d", e.UserID)
}

// Headers 下游按 event_id 去重
func (e *ProfitEvent) Headers() map[string]string {
	return map[string]string{"event_id": e.EventID, "kind": e.Kind}
}

// Value 序列化
func (e *ProfitEvent) Value() ([]byte, error) {
	return json.Marshal(e)
}
