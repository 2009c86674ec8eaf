// 文件: pkg/api/distribution.go
// 分润触发与状态查询

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"yieldcore.com/pkg/distribution"
)

// Engine 分润引擎 (由 *distribution.Coordinator 实现)
type Engine interface {
	Run(ctx context.Context, req distribution.RunRequest) (*distribution.RunResult, error)
	Status(ctx context.Context) ([]distribution.KindStatus, error)
}

// PositionCanceller 持仓取消 (由 *distribution.Lifecycle 实现)
type PositionCanceller interface {
	Cancel(ctx context.Context, id int64, operator string) (*distribution.Position, error)
}

type manualRunRequest struct {
	PeriodKey string `json:"period_key"`
}

type DistributionHandler struct {
	Engine     Engine
	Positions  PositionCanceller
	Logger     *zap.Logger
	RunTimeout time.Duration // 单次运行上限, 0 不限
}

// scheduledRun 定时触发 (已通过 TriggerAuth)
func (h *DistributionHandler) scheduledRun(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	h.run(c, distribution.RunRequest{Kind: kind, Trigger: distribution.TriggerScheduled})
}

// manualRun 管理员手动触发, 可选 period_key 补跑
func (h *DistributionHandler) manualRun(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	var body manualRunRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			Error(c, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
			return
		}
	}
	h.run(c, distribution.RunRequest{
		Kind:      kind,
		Trigger:   distribution.TriggerManual,
		Operator:  operatorFrom(c),
		PeriodKey: strings.TrimSpace(body.PeriodKey),
	})
}

func (h *DistributionHandler) run(c *gin.Context, req distribution.RunRequest) {
	ctx := c.Request.Context()
	if h.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.RunTimeout)
		defer cancel()
	}
	res, err := h.Engine.Run(ctx, req)
	if err != nil {
		h.Logger.Error("[API] distribution run failed",
			zap.String("kind", string(req.Kind)),
			zap.String("trigger", string(req.Trigger)),
			zap.String("operator", req.Operator),
			zap.Error(err))
		ErrorWithData(c, statusOf(err), err.Error(), res)
		return
	}
	Ok(c, res, nil)
}

func (h *DistributionHandler) status(c *gin.Context) {
	statuses, err := h.Engine.Status(c.Request.Context())
	if err != nil {
		Error(c, statusOf(err), err.Error(), nil)
		return
	}
	Ok(c, statuses, nil)
}

func (h *DistributionHandler) cancelPosition(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		Error(c, http.StatusBadRequest, "invalid position id", nil)
		return
	}
	operator := operatorFrom(c)
	pos, err := h.Positions.Cancel(c.Request.Context(), id, operator)
	if err != nil {
		h.Logger.Warn("[API] cancel position failed",
			zap.Int64("position_id", id),
			zap.String("operator", operator),
			zap.Error(err))
		Error(c, statusOf(err), err.Error(), nil)
		return
	}
	Ok(c, pos, nil)
}

func kindParam(c *gin.Context) (distribution.Kind, bool) {
	kind, err := distribution.ParseKind(c.Param("kind"))
	if err != nil {
		Error(c, http.StatusBadRequest, "unknown kind: "+c.Param("kind"), nil)
		return "", false
	}
	return kind, true
}

// statusOf 错误分类 → HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, distribution.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, distribution.ErrPositionCompleted):
		return http.StatusConflict
	}
	switch distribution.ClassOf(err) {
	case distribution.ClassInvalid:
		return http.StatusBadRequest
	case distribution.ClassUnauthorized:
		return http.StatusUnauthorized
	case distribution.ClassTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
