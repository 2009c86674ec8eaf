package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yieldcore.com/pkg/distribution"
)

type fakeEngine struct {
	mu          sync.Mutex
	reqs        []distribution.RunRequest
	hadDeadline bool
	res         *distribution.RunResult
	err         error
}

func (f *fakeEngine) Run(ctx context.Context, req distribution.RunRequest) (*distribution.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.hadDeadline = ctx.Deadline()
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func TestDistributionJob(t *testing.T) {
	engine := &fakeEngine{res: &distribution.RunResult{PeriodKey: "2026-01-01", Processed: 2}}
	job := distributionJob(engine, distribution.KindInvestment, time.Minute, zap.NewNop())

	job(context.Background())
	require.Equal(t, 1, engine.count())
	assert.Equal(t, distribution.TriggerScheduled, engine.reqs[0].Trigger)
	assert.Equal(t, distribution.KindInvestment, engine.reqs[0].Kind)
	assert.Empty(t, engine.reqs[0].PeriodKey)
	assert.True(t, engine.hadDeadline)

	// 错误和跳过只记日志
	engine.err = errors.New("db down")
	job(context.Background())
	engine.err = nil
	engine.res = &distribution.RunResult{SkippedRun: true, SkipReason: distribution.ReasonAlreadyCompleted}
	job(context.Background())
	assert.Equal(t, 3, engine.count())

	// 已关闭的 ctx 不再触发
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job(ctx)
	assert.Equal(t, 3, engine.count())
}

func TestRegisterDistribution(t *testing.T) {
	r := New(zap.NewNop(), context.Background(), time.UTC)
	engine := &fakeEngine{res: &distribution.RunResult{}}

	err := RegisterDistribution(r, engine, []Job{
		{Kind: distribution.KindInvestment, Spec: "0 5 0 * * *"},
		{Kind: distribution.KindLiveTrade, Spec: "0 1 * * * *"},
		{Kind: distribution.KindLiveTrade, Spec: ""},
	}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Entries())

	err = RegisterDistribution(r, engine, []Job{{Kind: distribution.KindInvestment, Spec: "every day"}}, 0, nil)
	assert.Error(t, err)

	err = RegisterDistribution(r, engine, []Job{{Kind: "savings", Spec: "@daily"}}, 0, nil)
	assert.True(t, errors.Is(err, distribution.ErrUnknownKind))
}

func TestRunner_Fires(t *testing.T) {
	r := New(zap.NewNop(), context.Background(), time.UTC)
	engine := &fakeEngine{res: &distribution.RunResult{}}
	require.NoError(t, RegisterDistribution(r, engine, []Job{
		{Kind: distribution.KindLiveTrade, Spec: "@every 1s"},
	}, time.Second, zap.NewNop()))

	r.Start()
	assert.Eventually(t, func() bool { return engine.count() >= 1 }, 3*time.Second, 50*time.Millisecond)
	r.Stop()
}
