// 文件: pkg/distribution/lifecycle.go
// 持仓生命周期
//
// 【状态机】
//   active ──(入满 duration_periods)──> completed
//   active ──(管理员取消)───────────────> cancelled
//
// 终态不可回退; 所有状态变更都是带条件的 UPDATE, 重复调用安全

package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"yieldcore.com/pkg/fund"
	"yieldcore.com/pkg/idgen"
)

// Lifecycle 生命周期管理
type Lifecycle struct {
	db        *gorm.DB
	positions *PositionRepo
	balances  *fund.BalanceRepo
	ids       idgen.Generator
	logger    *zap.Logger
	loc       *time.Location
	timeout   time.Duration // 每次存储调用的超时, 0 不限
	now       func() time.Time

	// 未显式指定时新开持仓是否到期返还本金
	defaultCapitalBack bool
}

// LifecycleOption 可选配置
type LifecycleOption func(*Lifecycle)

// WithDefaultCapitalBack 设置新开持仓默认是否返还本金
func WithDefaultCapitalBack(v bool) LifecycleOption {
	return func(l *Lifecycle) { l.defaultCapitalBack = v }
}

// WithLocation 设置按天周期的时区
func WithLocation(loc *time.Location) LifecycleOption {
	return func(l *Lifecycle) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithStorageTimeout 设置 CompleteDue 每次存储调用的超时
func WithStorageTimeout(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// NewLifecycle 创建生命周期管理
func NewLifecycle(db *gorm.DB, ids idgen.Generator, logger *zap.Logger, opts ...LifecycleOption) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lifecycle{
		db:                 db,
		positions:          NewPositionRepo(db),
		balances:           fund.NewBalanceRepo(db),
		ids:                ids,
		logger:             logger,
		loc:                time.UTC,
		now:                time.Now,
		defaultCapitalBack: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// 完成
// =============================================================================

// Advance 持仓入满后转为 completed
//
// 返回 true 表示本次调用完成了状态转换; 已完成或未入满返回 false
// 真正发生转换时, 同一事务内把本金从 invested 移回 available (CapitalBack)
func (l *Lifecycle) Advance(ctx context.Context, pos *Position) (bool, error) {
	var advanced bool
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now().UnixMilli()
		res := tx.WithContext(ctx).
			Model(&Position{}).
			Where("id = ? AND status = ? AND periods_credited >= duration_periods", pos.ID, StatusActive).
			Updates(map[string]interface{}{
				"status":       StatusCompleted,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		advanced = true
		return l.releaseCapital(ctx, tx, pos, fund.ChangeTypeCapital, pos.CapitalBack, "")
	})
	if err != nil {
		return false, wrap("lifecycle.advance", pos.ID, err)
	}
	if advanced {
		l.logger.Info("[Lifecycle] position completed",
			zap.Int64("position_id", pos.ID),
			zap.Int64("user_id", pos.UserID),
			zap.Bool("capital_back", pos.CapitalBack))
	}
	return advanced, nil
}

// CompleteDue 补偿: 已入满但仍是 active 的持仓 (入账成功后 Advance 失败留下的)
func (l *Lifecycle) CompleteDue(ctx context.Context, kind Kind, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	var positions []*Position
	err := l.bounded(ctx, func(sctx context.Context) error {
		var err error
		positions, err = l.positions.ListCompletable(sctx, kind, limit)
		return err
	})
	if err != nil {
		return 0, wrap("lifecycle.complete_due", 0, err)
	}
	var n int
	for _, pos := range positions {
		var ok bool
		err := l.bounded(ctx, func(sctx context.Context) error {
			var err error
			ok, err = l.Advance(sctx, pos)
			return err
		})
		if err != nil {
			l.logger.Warn("[Lifecycle] complete due failed",
				zap.Int64("position_id", pos.ID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (l *Lifecycle) bounded(ctx context.Context, fn func(context.Context) error) error {
	if l.timeout <= 0 {
		return fn(ctx)
	}
	sctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return fn(sctx)
}

// releaseCapital 本金离开 invested; back=true 时回到 available
func (l *Lifecycle) releaseCapital(
	ctx context.Context,
	tx *gorm.DB,
	pos *Position,
	changeType fund.ChangeType,
	back bool,
	operator string,
) error {
	if pos.Principal <= 0 {
		return nil
	}
	change := fund.Change{
		UserID:        pos.UserID,
		ChangeType:    changeType,
		Amount:        pos.Principal,
		InvestedDelta: -pos.Principal,
		BizType:       fund.BizTypePosition,
		BizID:         pos.ID,
		Operator:      operator,
	}
	if back {
		change.AvailableDelta = pos.Principal
	}
	if _, err := l.balances.WithTx(tx).Apply(ctx, change); err != nil {
		return fmt.Errorf("release capital: %w", err)
	}
	return nil
}

// =============================================================================
// 取消
// =============================================================================

// Cancel 管理员取消持仓, 退还本金
//
// 已取消: 返回 nil (幂等); 已完成: ErrPositionCompleted; 不存在: ErrPositionNotFound
// 已入账的收益不回滚
func (l *Lifecycle) Cancel(ctx context.Context, positionID int64, operator string) (*Position, error) {
	var out *Position
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos Position
		err := tx.WithContext(ctx).Where("id = ?", positionID).First(&pos).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPositionNotFound
		}
		if err != nil {
			return err
		}
		switch pos.Status {
		case StatusCancelled:
			out = &pos
			return nil
		case StatusCompleted:
			return ErrPositionCompleted
		}

		now := l.now().UnixMilli()
		res := tx.WithContext(ctx).
			Model(&Position{}).
			Where("id = ? AND status = ?", pos.ID, StatusActive).
			Updates(map[string]interface{}{
				"status":       StatusCancelled,
				"cancelled_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: status changed during cancel", ErrStalePosition)
		}
		if err := l.releaseCapital(ctx, tx, &pos, fund.ChangeTypeCapital, true, operator); err != nil {
			return err
		}
		pos.Status = StatusCancelled
		pos.CancelledAt = now
		out = &pos
		return nil
	})
	if err != nil {
		return nil, wrap("lifecycle.cancel", positionID, err)
	}
	l.logger.Info("[Lifecycle] position cancelled",
		zap.Int64("position_id", positionID),
		zap.String("operator", operator))
	return out, nil
}

// =============================================================================
// 开仓
// =============================================================================

// OpenRequest 开仓请求 (收益率从计划复制, 之后不再变化)
type OpenRequest struct {
	UserID          int64           `json:"user_id"`
	PlanID          int64           `json:"plan_id"`
	Kind            Kind            `json:"kind"`
	Principal       int64           `json:"principal"`
	Rate            decimal.Decimal `json:"rate"`
	DurationPeriods int             `json:"duration_periods"`
	CapitalBack     *bool           `json:"capital_back,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
}

func (r *OpenRequest) validate() error {
	if _, ok := r.Kind.Unit(); !ok {
		return ErrUnknownKind
	}
	if r.UserID <= 0 {
		return fmt.Errorf("%w: user_id required", ErrInvalidPosition)
	}
	if r.Principal <= 0 {
		return fmt.Errorf("%w: principal must be positive", ErrInvalidPosition)
	}
	if r.Rate.IsNegative() {
		return fmt.Errorf("%w: rate must not be negative", ErrInvalidPosition)
	}
	if r.DurationPeriods <= 0 {
		return fmt.Errorf("%w: duration_periods must be positive", ErrInvalidPosition)
	}
	return nil
}

// Open 开仓: 创建持仓, 本金 available -> invested
func (l *Lifecycle) Open(ctx context.Context, req OpenRequest) (*Position, error) {
	if err := req.validate(); err != nil {
		return nil, wrap("lifecycle.open", 0, err)
	}
	unit, _ := req.Kind.Unit()
	started := req.StartedAt
	if started.IsZero() {
		started = l.now()
	}
	capitalBack := l.defaultCapitalBack
	if req.CapitalBack != nil {
		capitalBack = *req.CapitalBack
	}

	pos := &Position{
		ID:              l.ids.NextID(),
		UserID:          req.UserID,
		PlanID:          req.PlanID,
		Kind:            req.Kind,
		Principal:       req.Principal,
		Rate:            req.Rate,
		PeriodUnit:      unit,
		CapitalBack:     capitalBack,
		StartedAt:       started.UnixMilli(),
		DurationPeriods: req.DurationPeriods,
		Status:          StatusActive,
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(pos).Error; err != nil {
			return fmt.Errorf("create position: %w", err)
		}
		_, err := l.balances.WithTx(tx).Apply(ctx, fund.Change{
			UserID:         pos.UserID,
			ChangeType:     fund.ChangeTypeInvest,
			Amount:         pos.Principal,
			AvailableDelta: -pos.Principal,
			InvestedDelta:  pos.Principal,
			BizType:        fund.BizTypePosition,
			BizID:          pos.ID,
		})
		return err
	})
	if err != nil {
		return nil, wrap("lifecycle.open", pos.ID, err)
	}

	l.logger.Info("[Lifecycle] position opened",
		zap.Int64("position_id", pos.ID),
		zap.Int64("user_id", pos.UserID),
		zap.String("kind", string(pos.Kind)),
		zap.Int64("principal", pos.Principal),
		zap.String("rate", pos.Rate.String()),
		zap.Int("duration", pos.DurationPeriods),
		zap.Time("maturity", unit.Add(started, pos.DurationPeriods, l.loc)))
	return pos, nil
}
