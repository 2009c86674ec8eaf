// 文件: pkg/distribution/errors.go
// 错误定义与分类
//
// 【分类】
// - Transient:    存储不可用/超时/死锁, 可以有限次重试
// - Integrity:    意料之外的约束冲突或状态不一致, 对该持仓是致命的, 但不中断整批
// - Unauthorized: 触发凭证无效, 在触碰任何状态之前拒绝
// - Invalid:      请求参数错误 (未知类型/周期键格式错误)
//
// 准入被拒绝 (已有运行/冷却中) 不是错误, 体现在 RunResult.SkippedRun

package distribution

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"yieldcore.com/pkg/fund"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrUnknownKind           = errors.New("unknown position kind")
	ErrBadPeriodKey          = errors.New("malformed period key")
	ErrUnauthorized          = errors.New("invalid trigger credential")
	ErrPositionNotFound      = errors.New("position not found")
	ErrPositionCompleted     = errors.New("position already completed")
	ErrPositionNotCreditable = errors.New("position is not creditable")
	ErrPositionClosed        = errors.New("position closed while crediting")
	ErrStalePosition         = errors.New("position changed concurrently")
	ErrNegativeAmount        = errors.New("distribution amount is negative")
	ErrLockLost              = errors.New("run lock taken over by another run")
	ErrInvalidPosition       = errors.New("invalid position parameters")
)

// =============================================================================
// Class - 错误分类
// =============================================================================

// Class 错误类别
type Class int

const (
	ClassTransient Class = iota + 1
	ClassIntegrity
	ClassUnauthorized
	ClassInvalid
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassIntegrity:
		return "integrity"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassInvalid:
		return "invalid"
	}
	return "unknown"
}

// MarshalText 让 JSON 里输出字符串
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Error 带分类的错误
type Error struct {
	Class      Class
	Op         string
	PositionID int64
	Err        error
}

func (e *Error) Error() string {
	if e.PositionID != 0 {
		return fmt.Sprintf("%s: position %d: %s: %v", e.Op, e.PositionID, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrap 包装错误并自动分类
func wrap(op string, positionID int64, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Class: classify(err), Op: op, PositionID: positionID, Err: err}
}

func newError(class Class, op string, positionID int64, err error) error {
	return &Error{Class: class, Op: op, PositionID: positionID, Err: err}
}

// ClassOf 获取错误类别 (nil 返回 0)
func ClassOf(err error) Class {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return classify(err)
}

// IsTransient 是否可重试
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// =============================================================================
// 分类规则
// =============================================================================

// MySQL 错误码
// 1205 锁等待超时, 1213 死锁, 1040 连接过多, 1053 服务器关闭中, 2006/2013 连接断开
// 1062 唯一键冲突, 1048 非空约束, 1451/1452 外键, 3819 CHECK 约束
var (
	mysqlTransientCodes = map[uint16]bool{1040: true, 1053: true, 1205: true, 1213: true, 2006: true, 2013: true}
	mysqlIntegrityCodes = map[uint16]bool{1048: true, 1062: true, 1451: true, 1452: true, 3819: true}
)

func classify(err error) Class {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ClassUnauthorized
	case errors.Is(err, ErrUnknownKind), errors.Is(err, ErrBadPeriodKey), errors.Is(err, ErrInvalidPosition):
		return ClassInvalid
	case errors.Is(err, ErrStalePosition), errors.Is(err, ErrLockLost):
		return ClassTransient
	case errors.Is(err, ErrPositionNotFound), errors.Is(err, ErrPositionCompleted),
		errors.Is(err, ErrPositionNotCreditable), errors.Is(err, ErrNegativeAmount),
		errors.Is(err, fund.ErrDuplicateJournal), errors.Is(err, fund.ErrInsufficientBalance),
		errors.Is(err, fund.ErrInvalidAmount):
		return ClassIntegrity
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated),
		errors.Is(err, gorm.ErrCheckConstraintViolated), errors.Is(err, gorm.ErrInvalidData):
		return ClassIntegrity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, sql.ErrTxDone), errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, redis.ErrClosed):
		return ClassTransient
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if mysqlTransientCodes[myErr.Number] {
			return ClassTransient
		}
		if mysqlIntegrityCodes[myErr.Number] {
			return ClassIntegrity
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	// SQLite 等驱动只能按错误文本判断
	msg := strings.ToLower(err.Error())
	switch {
	case contains(msg, "database is locked"), contains(msg, "busy"),
		contains(msg, "connection refused"), contains(msg, "broken pipe"),
		contains(msg, "bad connection"), contains(msg, "i/o timeout"):
		return ClassTransient
	case contains(msg, "constraint"), contains(msg, "duplicate entry"):
		return ClassIntegrity
	}

	// 未知错误按可重试处理: 入账是幂等的, 重试不会多付, 次数用尽后仍记为失败
	return ClassTransient
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
