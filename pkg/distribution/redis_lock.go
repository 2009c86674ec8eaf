// 文件: pkg/distribution/redis_lock.go
// 运行锁存储 (Redis 实现)
//
// 【Key 设计】
// distribution:runlock:{kind}:{period_key}   HASH  status / attempt / run_id / data(JSON)
// distribution:runlock:running:{kind}        SET   运行中的 period_key
// distribution:runlock:completed:{kind}      ZSET  已完成的 period_key, score 固定为 0, 按字典序 (即周期先后) 排列
//
// 比较字段 (status / attempt / run_id) 单独存为 hash 字段, Lua 里按字符串比较,
// 避免 cjson 把 int64 的 run_id 解析成浮点数丢精度

package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisLockPrefix   = "distribution:runlock:"
	defaultRedisTTL   = 7 * 24 * time.Hour
	completedKeepSize = 1000
)

// RedisLockStore Redis 锁存储
type RedisLockStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisLockStore 创建 Redis 锁存储, ttl <= 0 使用默认 7 天
func NewRedisLockStore(client redis.UniversalClient, ttl time.Duration) *RedisLockStore {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisLockStore{client: client, ttl: ttl}
}

func lockKey(kind Kind, periodKey string) string {
	return redisLockPrefix + string(kind) + ":" + periodKey
}

func runningKey(kind Kind) string {
	return redisLockPrefix + "running:" + string(kind)
}

func completedKey(kind Kind) string {
	return redisLockPrefix + "completed:" + string(kind)
}

// luaCreate 锁不存在时创建
// KEYS[1]: lockKey  KEYS[2]: runningKey
// ARGV[1]: status  ARGV[2]: attempt  ARGV[3]: run_id  ARGV[4]: data
// ARGV[5]: ttl(秒)  ARGV[6]: period_key
var luaCreate = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[1], 'attempt', ARGV[2], 'run_id', ARGV[3], 'data', ARGV[4])
	redis.call('EXPIRE', KEYS[1], ARGV[5])
	if ARGV[1] == 'in_progress' then
		redis.call('SADD', KEYS[2], ARGV[6])
	end
	return 1
`)

// luaCAS attempt + status 匹配时整体替换
// KEYS[1]: lockKey  KEYS[2]: runningKey  KEYS[3]: completedKey
// ARGV[1]: prev attempt  ARGV[2]: prev status
// ARGV[3]: status  ARGV[4]: attempt  ARGV[5]: run_id  ARGV[6]: data
// ARGV[7]: ttl(秒)  ARGV[8]: period_key
var luaCAS = redis.NewScript(`
	local st = redis.call('HGET', KEYS[1], 'status')
	local at = redis.call('HGET', KEYS[1], 'attempt')
	if st ~= ARGV[2] or at ~= ARGV[1] then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[3], 'attempt', ARGV[4], 'run_id', ARGV[5], 'data', ARGV[6])
	redis.call('EXPIRE', KEYS[1], ARGV[7])
	if ARGV[3] == 'in_progress' then
		redis.call('SADD', KEYS[2], ARGV[8])
		redis.call('ZREM', KEYS[3], ARGV[8])
	else
		redis.call('SREM', KEYS[2], ARGV[8])
	end
	return 1
`)

// luaHeartbeat 持有者续期 (只替换 data)
// KEYS[1]: lockKey
// ARGV[1]: run_id  ARGV[2]: data
var luaHeartbeat = redis.NewScript(`
	local rid = redis.call('HGET', KEYS[1], 'run_id')
	local st = redis.call('HGET', KEYS[1], 'status')
	if rid ~= ARGV[1] or st ~= 'in_progress' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'data', ARGV[2])
	return 1
`)

// luaFinish 持有者写入终态
// KEYS[1]: lockKey  KEYS[2]: runningKey  KEYS[3]: completedKey
// ARGV[1]: run_id  ARGV[2]: status  ARGV[3]: data
// ARGV[4]: period_key  ARGV[5]: 保留的已完成条数
var luaFinish = redis.NewScript(`
	local rid = redis.call('HGET', KEYS[1], 'run_id')
	local st = redis.call('HGET', KEYS[1], 'status')
	if rid ~= ARGV[1] or st ~= 'in_progress' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
	redis.call('SREM', KEYS[2], ARGV[4])
	if ARGV[2] == 'completed' then
		redis.call('ZADD', KEYS[3], 0, ARGV[4])
		redis.call('ZREMRANGEBYRANK', KEYS[3], 0, -tonumber(ARGV[5]) - 1)
	end
	return 1
`)

// Create 创建锁
func (s *RedisLockStore) Create(ctx context.Context, lock *RunLock) (bool, error) {
	data, err := json.Marshal(lock)
	if err != nil {
		return false, err
	}
	n, err := luaCreate.Run(ctx, s.client,
		[]string{lockKey(lock.Kind, lock.PeriodKey), runningKey(lock.Kind)},
		string(lock.Status), lock.Attempt, strconv.FormatInt(lock.RunID, 10), data,
		int64(s.ttl/time.Second), lock.PeriodKey,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get 读取锁
func (s *RedisLockStore) Get(ctx context.Context, kind Kind, periodKey string) (*RunLock, error) {
	data, err := s.client.HGet(ctx, lockKey(kind, periodKey), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lock RunLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// CompareAndSwap 乐观锁替换
func (s *RedisLockStore) CompareAndSwap(ctx context.Context, prev, next *RunLock) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	n, err := luaCAS.Run(ctx, s.client,
		[]string{lockKey(prev.Kind, prev.PeriodKey), runningKey(prev.Kind), completedKey(prev.Kind)},
		strconv.Itoa(prev.Attempt), string(prev.Status),
		string(next.Status), strconv.Itoa(next.Attempt), strconv.FormatInt(next.RunID, 10), data,
		int64(s.ttl/time.Second), prev.PeriodKey,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Heartbeat 续期
func (s *RedisLockStore) Heartbeat(ctx context.Context, lock *RunLock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	n, err := luaHeartbeat.Run(ctx, s.client,
		[]string{lockKey(lock.Kind, lock.PeriodKey)},
		strconv.FormatInt(lock.RunID, 10), data,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Finish 写入终态
func (s *RedisLockStore) Finish(ctx context.Context, lock *RunLock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	n, err := luaFinish.Run(ctx, s.client,
		[]string{lockKey(lock.Kind, lock.PeriodKey), runningKey(lock.Kind), completedKey(lock.Kind)},
		strconv.FormatInt(lock.RunID, 10), string(lock.Status), data,
		lock.PeriodKey, completedKeepSize,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Status 运行中的锁和周期键最大的已完成锁
func (s *RedisLockStore) Status(ctx context.Context, kind Kind) ([]*RunLock, *RunLock, error) {
	keys, err := s.client.SMembers(ctx, runningKey(kind)).Result()
	if err != nil {
		return nil, nil, err
	}
	running := make([]*RunLock, 0, len(keys))
	for _, key := range keys {
		lock, err := s.Get(ctx, kind, key)
		if err != nil {
			return nil, nil, err
		}
		// hash 过期后集合里可能残留
		if lock == nil || lock.Status != LockInProgress {
			continue
		}
		running = append(running, lock)
	}

	latest, err := s.client.ZRevRange(ctx, completedKey(kind), 0, 0).Result()
	if err != nil {
		return nil, nil, err
	}
	if len(latest) == 0 {
		return running, nil, nil
	}
	last, err := s.Get(ctx, kind, latest[0])
	if err != nil {
		return nil, nil, err
	}
	return running, last, nil
}
