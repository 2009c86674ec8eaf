// 文件: pkg/distribution/guard.go
// 运行准入 (冷却/去重)
//
// 【准入规则】锁已存在时:
//   in_progress 且最近续期未超时 → 拒绝 (in_progress)
//   in_progress 且超过 StaleAfter 没有续期 → 接管 (上一个运行崩溃)
//   failed                   → 重新准入
//   completed + 定时触发      → 拒绝 (already_completed)
//   completed + 手动触发      → 冷却期内拒绝 (cooldown), 冷却期后重新准入 (补跑失败持仓)
//
// 【并发】
// 读规则 + CAS 写入, CAS 失败说明有人抢先, 重新读一遍再判断
// 两个同时到达的请求最多一个被准入
//
// 【续期】
// 持有者每处理完一批调用 Heartbeat 刷新 heartbeat_at, 活着的运行不会被判定为崩溃

package distribution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// 拒绝原因
const (
	ReasonInProgress       = "in_progress"
	ReasonAlreadyCompleted = "already_completed"
	ReasonCooldown         = "cooldown"
)

const maxAdmitAttempts = 3

// GuardConfig 准入配置
type GuardConfig struct {
	StaleAfter     time.Duration // in_progress 超过这个时间没有续期视为崩溃, 可以接管
	ManualCooldown time.Duration // 完成后手动补跑的冷却时间
}

// DefaultGuardConfig 默认配置
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		StaleAfter:     30 * time.Minute,
		ManualCooldown: 10 * time.Minute,
	}
}

// Admission 准入结果
type Admission struct {
	Admitted bool
	Reason   string   // 拒绝原因; 接管时为 "takeover"
	Lock     *RunLock // 准入时是本次持有的锁, 拒绝时是当前的锁
}

// Guard 运行准入
type Guard struct {
	store  LockStore
	cfg    GuardConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewGuard 创建准入
func NewGuard(store LockStore, cfg GuardConfig, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultGuardConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.ManualCooldown < 0 {
		cfg.ManualCooldown = 0
	}
	return &Guard{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Admit 尝试为 (kind, periodKey) 占锁
func (g *Guard) Admit(
	ctx context.Context,
	kind Kind,
	periodKey string,
	trigger Trigger,
	operator string,
	runID int64,
) (*Admission, error) {
	for i := 0; i < maxAdmitAttempts; i++ {
		now := g.now()
		fresh := &RunLock{
			Kind:        kind,
			PeriodKey:   periodKey,
			RunID:       runID,
			Status:      LockInProgress,
			Trigger:     trigger,
			Operator:    operator,
			Attempt:     1,
			StartedAt:   now.UnixMilli(),
			HeartbeatAt: now.UnixMilli(),
		}

		// 1. 锁不存在: 直接创建
		created, err := g.store.Create(ctx, fresh)
		if err != nil {
			return nil, wrap("guard.admit", 0, err)
		}
		if created {
			return &Admission{Admitted: true, Lock: fresh}, nil
		}

		// 2. 锁已存在: 按规则判断
		cur, err := g.store.Get(ctx, kind, periodKey)
		if err != nil {
			return nil, wrap("guard.admit", 0, err)
		}
		if cur == nil {
			// 刚好被删除/过期, 重新创建
			continue
		}
		reason, ok := g.decide(cur, trigger, now)
		if !ok {
			return &Admission{Admitted: false, Reason: reason, Lock: cur}, nil
		}

		// 3. CAS 占用
		next := *fresh
		next.Attempt = cur.Attempt + 1
		swapped, err := g.store.CompareAndSwap(ctx, cur, &next)
		if err != nil {
			return nil, wrap("guard.admit", 0, err)
		}
		if swapped {
			if reason != "" {
				g.logger.Warn("[Guard] stale run taken over",
					zap.String("kind", string(kind)),
					zap.String("period_key", periodKey),
					zap.Int64("stale_run_id", cur.RunID),
					zap.Int64("run_id", runID))
			}
			return &Admission{Admitted: true, Reason: reason, Lock: &next}, nil
		}
	}
	return nil, newError(ClassTransient, "guard.admit", 0,
		fmt.Errorf("lock contention on %s/%s", kind, periodKey))
}

// decide 锁已存在时是否准入; 接管返回 ("takeover", true)
func (g *Guard) decide(cur *RunLock, trigger Trigger, now time.Time) (string, bool) {
	switch cur.Status {
	case LockInProgress:
		if now.Sub(time.UnixMilli(cur.LastSeen())) < g.cfg.StaleAfter {
			return ReasonInProgress, false
		}
		return "takeover", true
	case LockFailed:
		return "", true
	case LockCompleted:
		if trigger != TriggerManual {
			return ReasonAlreadyCompleted, false
		}
		if now.Sub(time.UnixMilli(cur.FinishedAt)) < g.cfg.ManualCooldown {
			return ReasonCooldown, false
		}
		return "", true
	}
	// 未知状态按失败处理
	return "", true
}

// Heartbeat 持有者续期; 已被接管返回 ErrLockLost (transient)
func (g *Guard) Heartbeat(ctx context.Context, lock *RunLock) error {
	next := *lock
	next.HeartbeatAt = g.now().UnixMilli()
	if err := g.store.Heartbeat(ctx, &next); err != nil {
		return wrap("guard.heartbeat", 0, err)
	}
	*lock = next
	return nil
}

// Release 释放锁, 写入终态和统计
func (g *Guard) Release(ctx context.Context, lock *RunLock, status LockStatus, res *RunResult, runErr error) error {
	final := *lock
	final.Status = status
	final.FinishedAt = g.now().UnixMilli()
	if res != nil {
		final.Processed = res.Processed
		final.Skipped = res.Skipped
		final.Failed = len(res.Failures)
		final.TotalAmount = res.TotalAmount
	}
	if runErr != nil {
		final.Error = runErr.Error()
	}
	if err := g.store.Finish(ctx, &final); err != nil {
		return wrap("guard.release", 0, err)
	}
	*lock = final
	return nil
}

// Status 该类型的运行状态
func (g *Guard) Status(ctx context.Context, kind Kind) (running []*RunLock, last *RunLock, err error) {
	running, last, err = g.store.Status(ctx, kind)
	if err != nil {
		return nil, nil, wrap("guard.status", 0, err)
	}
	return running, last, nil
}
