// 文件: pkg/scheduler/distribution.go
// 分润定时任务

package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"yieldcore.com/pkg/distribution"
)

// Engine 分润引擎 (由 *distribution.Coordinator 实现)
type Engine interface {
	Run(ctx context.Context, req distribution.RunRequest) (*distribution.RunResult, error)
}

// Job 一个类型对应一条 cron 表达式
type Job struct {
	Kind distribution.Kind
	Spec string
}

// RegisterDistribution 注册分润任务; spec 为空的类型不注册
func RegisterDistribution(r *Runner, engine Engine, jobs []Job, timeout time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, job := range jobs {
		if job.Spec == "" {
			continue
		}
		if _, ok := job.Kind.Unit(); !ok {
			return fmt.Errorf("schedule %q: %w", job.Kind, distribution.ErrUnknownKind)
		}
		if _, err := r.Add(job.Spec, distributionJob(engine, job.Kind, timeout, logger)); err != nil {
			return fmt.Errorf("schedule %s %q: %w", job.Kind, job.Spec, err)
		}
		logger.Info("[Scheduler] distribution job registered",
			zap.String("kind", string(job.Kind)),
			zap.String("spec", job.Spec))
	}
	return nil
}

func distributionJob(engine Engine, kind distribution.Kind, timeout time.Duration, logger *zap.Logger) func(context.Context) {
	return func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		res, err := engine.Run(ctx, distribution.RunRequest{
			Kind:    kind,
			Trigger: distribution.TriggerScheduled,
		})
		if err != nil {
			logger.Error("[Scheduler] distribution run failed",
				zap.String("kind", string(kind)),
				zap.Error(err))
			return
		}
		if res.SkippedRun {
			logger.Info("[Scheduler] distribution run skipped",
				zap.String("kind", string(kind)),
				zap.String("period_key", res.PeriodKey),
				zap.String("reason", res.SkipReason))
			return
		}
		logger.Info("[Scheduler] distribution run done",
			zap.String("kind", string(kind)),
			zap.String("period_key", res.PeriodKey),
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed),
			zap.Int64("total_amount", res.TotalAmount))
	}
}
