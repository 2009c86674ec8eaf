// 文件: pkg/distribution/coordinator.go
// 分润运行协调器
//
// 【一次运行】
// 1. 由触发时间 (或手动补跑的周期键) 推出周期
// 2. Guard 准入, 被拒绝直接返回 SkippedRun, 不是错误
// 3. 游标分页取到期持仓
// 4. 每个持仓: 计算 → 入账 → 生命周期, 有界并发, 单个持仓失败不影响其他持仓
// 5. 汇总 processed / skipped / failures / total_amount
// 6. 释放锁: 正常结束 completed (即使有持仓失败), 运行级错误或被取消 failed
//
// 【取消】
// ctx 结束后不再开始新的持仓; 已经开始的写入在脱离取消的 ctx 上完成, 受 StorageTimeout 限制
//
// 【续期】
// 每处理完一页持仓续期一次运行锁; 锁已被接管时停止运行, 不再开始新的持仓

package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"yieldcore.com/pkg/fund"
	"yieldcore.com/pkg/idgen"
)

// =============================================================================
// 配置
// =============================================================================

// Config 引擎配置
type Config struct {
	Workers        int            // 单次运行的并发持仓数
	BatchSize      int            // 每页持仓数
	MaxRetries     int            // 单个持仓可重试错误的重试次数
	RetryBackoff   time.Duration  // 第 n 次重试等待 n × RetryBackoff
	StorageTimeout time.Duration  // 每次存储调用的超时
	Location       *time.Location // 按天周期的时区
	CapitalBack    bool           // 新开持仓默认到期返还本金

	Guard GuardConfig
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Workers:        8,
		BatchSize:      500,
		MaxRetries:     3,
		RetryBackoff:   200 * time.Millisecond,
		StorageTimeout: 5 * time.Second,
		Location:       time.UTC,
		CapitalBack:    true,
		Guard:          DefaultGuardConfig(),
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = def.StorageTimeout
	}
	if c.Location == nil {
		c.Location = def.Location
	}
}

// =============================================================================
// 请求与结果
// =============================================================================

// RunRequest 一次运行请求
type RunRequest struct {
	Kind      Kind
	Now       time.Time // 触发时间, 零值取当前时间
	Trigger   Trigger
	Operator  string // 手动触发的管理员
	PeriodKey string // 手动补跑指定周期, 为空则由 Now 推出
}

// Failure 单个持仓失败
type Failure struct {
	PositionID int64  `json:"position_id"`
	Class      Class  `json:"class"`
	Reason     string `json:"reason"`
}

// RunResult 运行汇总
type RunResult struct {
	RunID       int64     `json:"run_id,string"`
	Kind        Kind      `json:"kind"`
	PeriodKey   string    `json:"period_key"`
	Trigger     Trigger   `json:"trigger"`
	Processed   int       `json:"processed"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	Failures    []Failure `json:"failures"`
	TotalAmount int64     `json:"total_amount"`
	Completed   int       `json:"completed"` // 本次运行转为 completed 的持仓数

	SkippedRun bool   `json:"skipped_run"`
	SkipReason string `json:"skip_reason,omitempty"`
	Takeover   bool   `json:"takeover,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r *RunResult) add(o outcome) {
	switch o.state {
	case stateProcessed:
		r.Processed++
		r.TotalAmount += o.amount
		if o.completed {
			r.Completed++
		}
	case stateSkipped:
		r.Skipped++
	case stateFailed:
		r.Failures = append(r.Failures, Failure{
			PositionID: o.positionID,
			Class:      ClassOf(o.err),
			Reason:     o.err.Error(),
		})
		r.Failed = len(r.Failures)
	}
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator 运行协调器
type Coordinator struct {
	cfg       Config
	positions *PositionRepo
	selector  *Selector
	ledger    *Ledger
	credits   creditor
	lifecycle *Lifecycle
	guard     *Guard
	publisher fund.ProfitPublisher
	ids       idgen.Generator
	logger    *zap.Logger
	now       func() time.Time
}

// Option 可选配置
type Option func(*Coordinator)

// WithPublisher 设置分润事件发布器 (默认不发布)
func WithPublisher(p fund.ProfitPublisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithClock 替换时钟 (测试用)
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
		c.ledger.now = now
		c.lifecycle.now = now
		c.guard.now = now
	}
}

// NewCoordinator 创建协调器
func NewCoordinator(
	db *gorm.DB,
	locks LockStore,
	ids idgen.Generator,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.normalize()
	c := &Coordinator{
		cfg:       cfg,
		positions: NewPositionRepo(db),
		selector:  NewSelector(db, cfg.Location),
		ledger:    NewLedger(db, ids, logger),
		lifecycle: NewLifecycle(db, ids, logger,
			WithLocation(cfg.Location),
			WithDefaultCapitalBack(cfg.CapitalBack),
			WithStorageTimeout(cfg.StorageTimeout)),
		guard:     NewGuard(locks, cfg.Guard, logger),
		publisher: fund.NopPublisher{},
		ids:       ids,
		logger:    logger,
		now:       time.Now,
	}
	c.credits = c.ledger
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// creditor 入账 (*Ledger 实现)
type creditor interface {
	Credit(ctx context.Context, pos *Position, period Period, amount int64, runID int64, operator string) (*CreditResult, error)
}

// Lifecycle 生命周期管理 (开仓/取消)
func (c *Coordinator) Lifecycle() *Lifecycle { return c.lifecycle }

// Ledger 入账器 (对账查询)
func (c *Coordinator) Ledger() *Ledger { return c.ledger }

// Positions 持仓仓库
func (c *Coordinator) Positions() *PositionRepo { return c.positions }

// Run 执行一次分润运行
//
// 准入被拒绝返回 (SkippedRun=true, nil); 参数错误和运行级错误返回 (部分) 结果和错误
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerScheduled
	}
	// 参数错误也返回汇总 (kind + 请求的周期键)
	res := &RunResult{
		Kind:      req.Kind,
		PeriodKey: req.PeriodKey,
		Trigger:   req.Trigger,
		Failures:  []Failure{},
		StartedAt: c.now(),
	}
	invalid := func(err error) (*RunResult, error) {
		res.FinishedAt = c.now()
		return res, err
	}

	unit, ok := req.Kind.Unit()
	if !ok {
		return invalid(newError(ClassInvalid, "coordinator.run", 0, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)))
	}
	now := req.Now
	if now.IsZero() {
		now = c.now()
	}

	// 1. 周期
	var (
		period Period
		err    error
	)
	if req.PeriodKey != "" {
		period, err = ParsePeriod(unit, req.PeriodKey, c.cfg.Location)
	} else {
		period, err = PeriodOf(unit, now, c.cfg.Location)
	}
	if err != nil {
		return invalid(wrap("coordinator.run", 0, err))
	}
	res.PeriodKey = period.Key
	if period.Start.After(now) {
		return invalid(newError(ClassInvalid, "coordinator.run", 0,
			fmt.Errorf("%w: %s is in the future", ErrBadPeriodKey, period.Key)))
	}

	runID := c.ids.NextID()
	res.RunID = runID
	log := c.logger.With(
		zap.String("kind", string(req.Kind)),
		zap.String("period_key", period.Key),
		zap.Int64("run_id", runID),
		zap.String("trigger", string(req.Trigger)),
		zap.String("operator", req.Operator))

	// 2. 准入
	actx, cancel := context.WithTimeout(ctx, c.cfg.StorageTimeout)
	adm, err := c.guard.Admit(actx, req.Kind, period.Key, req.Trigger, req.Operator, runID)
	cancel()
	if err != nil {
		res.FinishedAt = c.now()
		return res, err
	}
	if !adm.Admitted {
		res.SkippedRun = true
		res.SkipReason = adm.Reason
		res.FinishedAt = c.now()
		log.Info("[Distribution] run rejected", zap.String("reason", adm.Reason))
		return res, nil
	}
	res.Takeover = adm.Reason != ""
	log.Info("[Distribution] run started", zap.Bool("takeover", res.Takeover))

	// 3-5. 处理
	runErr := c.execute(ctx, req, period, adm.Lock, res, log)

	// 6. 释放锁 (取消后也要写回, 不能留下 in_progress)
	status := LockCompleted
	if runErr != nil {
		status = LockFailed
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StorageTimeout)
	if err := c.guard.Release(rctx, adm.Lock, status, res, runErr); err != nil {
		log.Error("[Distribution] release lock failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	cancel()

	res.FinishedAt = c.now()
	fields := []zap.Field{
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Int("completed", res.Completed),
		zap.Int64("total_amount", res.TotalAmount),
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
	}
	if runErr != nil {
		log.Error("[Distribution] run failed", append(fields, zap.Error(runErr))...)
	} else {
		log.Info("[Distribution] run finished", fields...)
	}
	return res, runErr
}

// execute 分页处理到期持仓
func (c *Coordinator) execute(
	ctx context.Context,
	req RunRequest,
	period Period,
	lock *RunLock,
	res *RunResult,
	log *zap.Logger,
) error {
	runID := lock.RunID

	// 运行开始前已经入过账的持仓计入 skipped
	var pre int64
	err := c.withTimeout(ctx, func(sctx context.Context) error {
		var err error
		pre, err = c.selector.CountCredited(sctx, req.Kind, period.Key)
		return err
	})
	if err != nil {
		return wrap("coordinator.count", 0, err)
	}
	res.Skipped = int(pre)

	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return wrap("coordinator.run", 0, err)
		}

		var (
			due  []*Position
			next int64
			done bool
		)
		err := c.withTimeout(ctx, func(sctx context.Context) error {
			var err error
			due, next, done, err = c.selector.Page(sctx, req.Kind, period, cursor, c.cfg.BatchSize)
			return err
		})
		if err != nil {
			return wrap("coordinator.select", 0, err)
		}
		if done {
			break
		}

		c.processBatch(ctx, due, period, runID, req.Operator, res)
		log.Debug("[Distribution] batch done",
			zap.Int64("cursor", next),
			zap.Int("due", len(due)),
			zap.Int("processed", res.Processed))
		cursor = next

		if err := c.heartbeat(ctx, lock); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return wrap("coordinator.run", 0, err)
	}

	// 补偿: 之前入账成功但没能完成的持仓
	healed, err := c.lifecycle.CompleteDue(ctx, req.Kind, c.cfg.BatchSize)
	if err != nil {
		log.Warn("[Distribution] complete due sweep failed", zap.Error(err))
	} else if healed > 0 {
		res.Completed += healed
		log.Info("[Distribution] completed leftover positions", zap.Int("count", healed))
	}
	return nil
}

// heartbeat 续期运行锁; 只有锁被接管才中止运行
func (c *Coordinator) heartbeat(ctx context.Context, lock *RunLock) error {
	err := c.withTimeout(context.WithoutCancel(ctx), func(sctx context.Context) error {
		return c.guard.Heartbeat(sctx, lock)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLockLost) {
		return err
	}
	c.logger.Warn("[Distribution] lock heartbeat failed",
		zap.String("kind", string(lock.Kind)),
		zap.String("period_key", lock.PeriodKey),
		zap.Error(err))
	return nil
}

// processBatch 有界并发处理一批持仓
func (c *Coordinator) processBatch(
	ctx context.Context,
	positions []*Position,
	period Period,
	runID int64,
	operator string,
	res *RunResult,
) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	sem := make(chan struct{}, c.cfg.Workers)

loop:
	for _, pos := range positions {
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}
		// 两个分支同时就绪时 select 随机选, 这里再确认一次
		if ctx.Err() != nil {
			<-sem
			break
		}

		wg.Add(1)
		go func(p *Position) {
			defer wg.Done()
			defer func() { <-sem }()

			o := c.processPosition(ctx, p, period, runID, operator)

			mu.Lock()
			res.add(o)
			mu.Unlock()
		}(pos)
	}

	wg.Wait()
}

// =============================================================================
// 单个持仓
// =============================================================================

type outcomeState int

const (
	stateProcessed outcomeState = iota + 1
	stateSkipped
	stateFailed
)

type outcome struct {
	state      outcomeState
	positionID int64
	amount     int64
	completed  bool
	err        error
}

// processPosition 计算 → 入账 → 生命周期
//
// 可重试错误最多重试 MaxRetries 次; 重试前先查分润记录,
// 上一次写入超时但实际已提交的情况不会再写一次
func (c *Coordinator) processPosition(
	ctx context.Context,
	pos *Position,
	period Period,
	runID int64,
	operator string,
) outcome {
	// 已经开始的写入不受取消影响
	wctx := context.WithoutCancel(ctx)
	cur := pos
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !c.backoff(ctx, attempt) {
				break
			}

			// 结果未知: 先读, 再决定
			rec, err := c.findRecord(wctx, pos.ID, period.Key)
			if err != nil {
				lastErr = err
				continue
			}
			if rec != nil {
				if rec.RunID != runID {
					return outcome{state: stateSkipped, positionID: pos.ID}
				}
				return c.afterCredit(wctx, cur, rec, period, operator)
			}

			reloaded, err := c.reload(wctx, pos.ID)
			if err != nil {
				lastErr = err
				if !IsTransient(err) {
					break
				}
				continue
			}
			if !reloaded.DueFor(period, c.cfg.Location) {
				// 期间被取消或被其他运行推进
				c.logger.Info("[Distribution] position no longer due",
					zap.Int64("position_id", pos.ID),
					zap.String("status", string(reloaded.Status)),
					zap.Int("periods_credited", reloaded.PeriodsCredited))
				return outcome{state: stateSkipped, positionID: pos.ID}
			}
			cur = reloaded
		}

		amount := AmountForPeriod(cur.Principal, cur.Rate, cur.PeriodsCredited+1)
		var cr *CreditResult
		err := c.withTimeout(wctx, func(sctx context.Context) error {
			var err error
			cr, err = c.credits.Credit(sctx, cur, period, amount, runID, operator)
			return err
		})
		if err == nil {
			if cr.Replayed {
				return outcome{state: stateSkipped, positionID: pos.ID}
			}
			return c.afterCredit(wctx, cur, cr.Record, period, operator)
		}

		if errors.Is(err, ErrPositionClosed) {
			c.logger.Info("[Distribution] position closed during credit",
				zap.Int64("position_id", pos.ID), zap.Error(err))
			return outcome{state: stateSkipped, positionID: pos.ID}
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
		c.logger.Warn("[Distribution] credit failed, will retry",
			zap.Int64("position_id", pos.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if lastErr == nil {
		lastErr = newError(ClassTransient, "coordinator.process", pos.ID, context.Canceled)
	}
	c.logger.Error("[Distribution] position failed",
		zap.Int64("position_id", pos.ID),
		zap.Int64("user_id", pos.UserID),
		zap.String("class", ClassOf(lastErr).String()),
		zap.Error(lastErr))
	return outcome{state: stateFailed, positionID: pos.ID, err: lastErr}
}

// afterCredit 入账成功后: 生命周期 + 事件
func (c *Coordinator) afterCredit(
	ctx context.Context,
	pos *Position,
	rec *DistributionRecord,
	period Period,
	operator string,
) outcome {
	o := outcome{state: stateProcessed, positionID: pos.ID, amount: rec.Amount}

	if rec.PeriodIndex >= pos.DurationPeriods {
		err := c.withTimeout(ctx, func(sctx context.Context) error {
			ok, err := c.lifecycle.Advance(sctx, pos)
			o.completed = ok
			return err
		})
		if err != nil {
			// 下次运行的 CompleteDue 会补上
			c.logger.Warn("[Distribution] advance failed",
				zap.Int64("position_id", pos.ID), zap.Error(err))
		}
	}

	event := &fund.ProfitEvent{
		EventID:     fund.EventID(fund.ChangeTypeProfit, rec.ID),
		RecordID:    rec.ID,
		PositionID:  rec.PositionID,
		UserID:      rec.UserID,
		Kind:        string(rec.Kind),
		PeriodKey:   period.Key,
		PeriodIndex: rec.PeriodIndex,
		Amount:      rec.Amount,
		RunID:       rec.RunID,
		Completed:   o.completed,
		CreatedAt:   time.UnixMilli(rec.CreatedAt),
	}
	if err := c.publisher.PublishProfit(event); err != nil {
		c.logger.Warn("[Distribution] publish profit event failed",
			zap.Int64("record_id", rec.ID),
			zap.String("operator", operator),
			zap.Error(err))
	}
	return o
}

func (c *Coordinator) findRecord(ctx context.Context, positionID int64, key string) (*DistributionRecord, error) {
	var rec *DistributionRecord
	err := c.withTimeout(ctx, func(sctx context.Context) error {
		var err error
		rec, err = c.ledger.FindRecord(sctx, positionID, key)
		return err
	})
	return rec, wrap("coordinator.find_record", positionID, err)
}

func (c *Coordinator) reload(ctx context.Context, positionID int64) (*Position, error) {
	var pos *Position
	err := c.withTimeout(ctx, func(sctx context.Context) error {
		var err error
		pos, err = c.positions.GetByID(sctx, positionID)
		return err
	})
	return pos, wrap("coordinator.reload", positionID, err)
}

// withTimeout 每次存储调用都带 StorageTimeout
func (c *Coordinator) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StorageTimeout)
	defer cancel()
	return fn(sctx)
}

// backoff 等待第 n 次重试; 运行被取消返回 false
func (c *Coordinator) backoff(ctx context.Context, attempt int) bool {
	d := time.Duration(attempt) * c.cfg.RetryBackoff
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// =============================================================================
// 状态
// =============================================================================

// KindStatus 单个类型的运行状态
type KindStatus struct {
	Kind                   Kind     `json:"kind"`
	InProgress             bool     `json:"in_progress"`
	CurrentRun             *RunLock `json:"current_run,omitempty"`
	LastCompletedPeriodKey string   `json:"last_completed_period_key,omitempty"`
	LastCompletedRun       *RunLock `json:"last_completed_run,omitempty"`
}

// Status 各类型运行状态 (只读)
func (c *Coordinator) Status(ctx context.Context) ([]KindStatus, error) {
	out := make([]KindStatus, 0, len(Kinds))
	for _, kind := range Kinds {
		var (
			running []*RunLock
			last    *RunLock
		)
		err := c.withTimeout(ctx, func(sctx context.Context) error {
			var err error
			running, last, err = c.guard.Status(sctx, kind)
			return err
		})
		if err != nil {
			return nil, err
		}
		ks := KindStatus{Kind: kind, InProgress: len(running) > 0}
		if len(running) > 0 {
			ks.CurrentRun = running[0]
		}
		if last != nil {
			ks.LastCompletedPeriodKey = last.PeriodKey
			ks.LastCompletedRun = last
		}
		out = append(out, ks)
	}
	return out, nil
}
