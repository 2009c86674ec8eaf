// 文件: pkg/distribution/model.go
// 分润引擎数据结构
//
// 【三张核心表】
// - positions:            投资/直播交易持仓, 只会被终态化, 不会被删除
// - distribution_records: 每个 (持仓, 周期) 最多一条, 唯一索引是整个引擎的幂等锚点
// - run_locks:            每个 (类型, 周期) 的运行锁, 防止重复/并发运行

package distribution

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 持仓类型与周期单位
// =============================================================================

// Kind 持仓类型
type Kind string

const (
	KindInvestment Kind = "investment" // 定期投资, 按天分润
	KindLiveTrade  Kind = "live_trade" // 直播交易, 按小时分润
)

// Kinds 所有已知类型
var Kinds = []Kind{KindInvestment, KindLiveTrade}

// PeriodUnit 分润周期单位
type PeriodUnit string

const (
	UnitDay  PeriodUnit = "day"
	UnitHour PeriodUnit = "hour"
)

// Unit 类型对应的周期单位
func (k Kind) Unit() (PeriodUnit, bool) {
	switch k {
	case KindInvestment:
		return UnitDay, true
	case KindLiveTrade:
		return UnitHour, true
	}
	return "", false
}

// ParseKind 解析类型 (接受 live-trade / live_trade)
func ParseKind(s string) (Kind, error) {
	switch s {
	case "investment", "investments":
		return KindInvestment, nil
	case "live_trade", "live-trade", "live_trades", "live-trades":
		return KindLiveTrade, nil
	}
	return "", ErrUnknownKind
}

// =============================================================================
// Position - 持仓
// =============================================================================

// Status 持仓状态
//
// 状态只能 active -> completed 或 active -> cancelled, 不可回退
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Position 一笔已入金的投资或直播交易
//
// 【不可变字段】Principal / Rate 创建后不再修改, Rate 在创建时从计划复制
// 【单调字段】PeriodsCredited 只由入账事务 +1, 且不超过 DurationPeriods
type Position struct {
	ID     int64 `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	UserID int64 `gorm:"column:user_id;index" json:"user_id"`
	PlanID int64 `gorm:"column:plan_id;index" json:"plan_id"`
	Kind   Kind  `gorm:"column:kind;type:varchar(16);index:idx_positions_kind_status" json:"kind"`

	Principal   int64           `gorm:"column:principal;not null" json:"principal"` // 最小货币单位
	Rate        decimal.Decimal `gorm:"column:rate;type:varchar(32);not null" json:"rate"`
	PeriodUnit  PeriodUnit      `gorm:"column:period_unit;type:varchar(8)" json:"period_unit"`
	CapitalBack bool            `gorm:"column:capital_back" json:"capital_back"` // 到期是否返还本金

	StartedAt       int64  `gorm:"column:started_at" json:"started_at"`
	DurationPeriods int    `gorm:"column:duration_periods;not null" json:"duration_periods"`
	Status          Status `gorm:"column:status;type:varchar(16);index:idx_positions_kind_status" json:"status"`
	PeriodsCredited int    `gorm:"column:periods_credited;not null;default:0" json:"periods_credited"`

	CompletedAt int64 `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CancelledAt int64 `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt   int64 `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
	UpdatedAt   int64 `gorm:"column:updated_at;autoUpdateTime:milli" json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// Creditable 是否还能继续分润
func (p *Position) Creditable() bool {
	return p.Status == StatusActive && p.PeriodsCredited < p.DurationPeriods
}

// NextDueAt 下一个周期的到期时间 = 开始时间 + 已分润周期数
func (p *Position) NextDueAt(loc *time.Location) time.Time {
	return p.PeriodUnit.Add(time.UnixMilli(p.StartedAt), p.PeriodsCredited, loc)
}

// DueFor 是否在该周期应当分润
func (p *Position) DueFor(period Period, loc *time.Location) bool {
	if !p.Creditable() || p.PeriodUnit != period.Unit {
		return false
	}
	return !p.NextDueAt(loc).After(period.Start)
}

// =============================================================================
// DistributionRecord - 分润记录
// =============================================================================

// DistributionRecord 一次分润入账的凭证, 不可变
//
// (PositionID, PeriodKey) 唯一: 无论运行多少次, 同一持仓同一周期最多一条
type DistributionRecord struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	PositionID  int64  `gorm:"column:position_id;not null;uniqueIndex:idx_records_position_period" json:"position_id"`
	PeriodKey   string `gorm:"column:period_key;type:varchar(32);not null;uniqueIndex:idx_records_position_period;index:idx_records_kind_period" json:"period_key"`
	Kind        Kind   `gorm:"column:kind;type:varchar(16);index:idx_records_kind_period" json:"kind"`
	UserID      int64  `gorm:"column:user_id;index" json:"user_id"`
	PeriodIndex int    `gorm:"column:period_index" json:"period_index"` // 第几个周期 (从 1 开始)
	Amount      int64  `gorm:"column:amount;not null" json:"amount"`
	RunID       int64  `gorm:"column:run_id;index" json:"run_id"`
	CreatedAt   int64  `gorm:"column:created_at" json:"created_at"`
}

func (DistributionRecord) TableName() string {
	return "distribution_records"
}

// =============================================================================
// RunLock - 运行锁
// =============================================================================

// Trigger 触发来源
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled" // 定时任务
	TriggerManual    Trigger = "manual"    // 管理员手动
)

// LockStatus 运行锁状态
type LockStatus string

const (
	LockInProgress LockStatus = "in_progress"
	LockCompleted  LockStatus = "completed"
	LockFailed     LockStatus = "failed"
)

// RunLock (kind, period_key) 的运行锁
//
// Attempt 是乐观锁版本号, 每次重新占用 +1
type RunLock struct {
	Kind      Kind       `gorm:"column:kind;type:varchar(16);primaryKey" json:"kind"`
	PeriodKey string     `gorm:"column:period_key;type:varchar(32);primaryKey" json:"period_key"`
	RunID     int64      `gorm:"column:run_id" json:"run_id,string"`
	Status    LockStatus `gorm:"column:status;type:varchar(16);index" json:"status"`
	Trigger   Trigger    `gorm:"column:trigger_type;type:varchar(16)" json:"trigger"`
	Operator  string     `gorm:"column:operator;type:varchar(64)" json:"operator,omitempty"`
	Attempt   int        `gorm:"column:attempt;not null;default:1" json:"attempt"`

	StartedAt   int64 `gorm:"column:started_at" json:"started_at"`
	HeartbeatAt int64 `gorm:"column:heartbeat_at" json:"heartbeat_at,omitempty"` // 持有者最近一次续期
	FinishedAt  int64 `gorm:"column:finished_at" json:"finished_at,omitempty"`

	Processed   int    `gorm:"column:processed" json:"processed"`
	Skipped     int    `gorm:"column:skipped" json:"skipped"`
	Failed      int    `gorm:"column:failed" json:"failed"`
	TotalAmount int64  `gorm:"column:total_amount" json:"total_amount"`
	Error       string `gorm:"column:error;type:text" json:"error,omitempty"`
}

func (RunLock) TableName() string {
	return "run_locks"
}

// LastSeen 持有者最近一次存活的时间 (毫秒)
func (l *RunLock) LastSeen() int64 {
	if l.HeartbeatAt > l.StartedAt {
		return l.HeartbeatAt
	}
	return l.StartedAt
}

// Models 需要迁移的表
func Models() []any {
	return []any{&Position{}, &DistributionRecord{}, &RunLock{}}
}
