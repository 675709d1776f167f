// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lane

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	perrors "tutor-platform/pkg/errors"
)

// 车道键带 hash tag，保证同一车道的多键脚本落在同一 cluster slot。
const (
	queueKeyFmt  = "chat:lane:{%s}:queue"  // LIST 等待队列
	queuedKeyFmt = "chat:lane:{%s}:queued" // SET 去重成员
	activeKeyFmt = "chat:lane:{%s}:active" // STRING active Job，PX=ActiveTTL
	recentKeyFmt = "chat:lane:{%s}:recent:%s"
)

// enqueueScript 原子入队。
// KEYS: queue, queued, active
// ARGV: jobID, activeTTL(ms), maxQueue
// 返回 {position, queueSize, activeFlag, dispatchFlag}；position=-1 表示饱和。
var enqueueScript = redis.NewScript(`
local active = redis.call('GET', KEYS[3])
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  if active == ARGV[1] then
    return {0, redis.call('LLEN', KEYS[1]), 1, 0}
  end
  local pos = redis.call('LPOS', KEYS[1], ARGV[1])
  if pos then
    return {pos + 1, redis.call('LLEN', KEYS[1]), 0, 0}
  end
  redis.call('SREM', KEYS[2], ARGV[1])
end
if active then
  local size = redis.call('LLEN', KEYS[1])
  if size >= tonumber(ARGV[3]) then
    return {-1, size, 0, 0}
  end
  size = redis.call('RPUSH', KEYS[1], ARGV[1])
  redis.call('SADD', KEYS[2], ARGV[1])
  return {size, size, 0, 0}
end
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[1])
return {0, redis.call('LLEN', KEYS[1]), 1, 1}
`)

// finishScript 原子释放。
// KEYS: queue, queued, active
// ARGV: jobID, activeTTL(ms)
// 返回 {ownedFlag, nextJobID}；active 属于他人时 owned=0。
var finishScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('LREM', KEYS[1], 0, ARGV[1])
local active = redis.call('GET', KEYS[3])
if active and active ~= ARGV[1] then
  return {0, ''}
end
local nxt = redis.call('LPOP', KEYS[1])
if nxt then
  redis.call('SET', KEYS[3], nxt, 'PX', ARGV[2])
  return {1, nxt}
end
redis.call('DEL', KEYS[3])
return {1, ''}
`)

// RedisStore 基于 redis 的车道实现，多实例部署共享车道状态。
type RedisStore struct {
	client *redis.Client
	opts   Options
}

// NewRedisStore 创建 redis 车道存储。
func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{client: client, opts: opts.withDefaults()}
}

func (s *RedisStore) keys(laneID string) []string {
	return []string{
		fmt.Sprintf(queueKeyFmt, laneID),
		fmt.Sprintf(queuedKeyFmt, laneID),
		fmt.Sprintf(activeKeyFmt, laneID),
	}
}

func (s *RedisStore) Load(ctx context.Context, laneID string) (Info, error) {
	keys := s.keys(laneID)
	pipe := s.client.Pipeline()
	lenCmd := pipe.LLen(ctx, keys[0])
	activeCmd := pipe.Exists(ctx, keys[2])
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Info{}, perrors.WrapKind(err, perrors.KindTransient, "lane load")
	}
	info := Info{Queued: int(lenCmd.Val()), Active: int(activeCmd.Val())}
	info.Total = info.Queued + info.Active
	return info, nil
}

func (s *RedisStore) Position(ctx context.Context, laneID, jobID string) (int, error) {
	pos, err := s.client.LPos(ctx, fmt.Sprintf(queueKeyFmt, laneID), jobID, redis.LPosArgs{}).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, perrors.WrapKind(err, perrors.KindTransient, "lane position")
	}
	return int(pos) + 1, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, laneID, jobID string) (Enqueued, error) {
	raw, err := enqueueScript.Run(ctx, s.client, s.keys(laneID),
		jobID, s.opts.ActiveTTL.Milliseconds(), s.opts.MaxQueue).Result()
	if err != nil {
		return Enqueued{}, perrors.WrapKind(err, perrors.KindTransient, "lane enqueue")
	}
	vals, err := scriptInts(raw, 4)
	if err != nil {
		return Enqueued{}, err
	}
	if vals[0] < 0 {
		return Enqueued{QueueSize: int(vals[1])}, perrors.ErrLaneSaturated
	}
	return Enqueued{
		Position:  int(vals[0]),
		QueueSize: int(vals[1]),
		Active:    vals[2] == 1,
		Dispatch:  vals[3] == 1,
	}, nil
}

func (s *RedisStore) Finish(ctx context.Context, laneID, jobID string) (Finished, error) {
	raw, err := finishScript.Run(ctx, s.client, s.keys(laneID),
		jobID, s.opts.ActiveTTL.Milliseconds()).Result()
	if err != nil {
		return Finished{}, perrors.WrapKind(err, perrors.KindTransient, "lane finish")
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Finished{}, perrors.Newf(perrors.KindInternal, "unexpected finish reply %T", raw)
	}
	owned, _ := vals[0].(int64)
	next, _ := vals[1].(string)
	return Finished{Owned: owned == 1, Next: next}, nil
}

func (s *RedisStore) RegisterRecent(ctx context.Context, laneID, fingerprint, jobID string) error {
	key := fmt.Sprintf(recentKeyFmt, laneID, fingerprint)
	if err := s.client.Set(ctx, key, jobID, s.opts.Debounce).Err(); err != nil {
		return perrors.WrapKind(err, perrors.KindTransient, "register recent")
	}
	return nil
}

func (s *RedisStore) RecentJob(ctx context.Context, laneID, fingerprint string) (string, bool, error) {
	key := fmt.Sprintf(recentKeyFmt, laneID, fingerprint)
	jobID, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, perrors.WrapKind(err, perrors.KindTransient, "recent job")
	}
	return jobID, jobID != "", nil
}

// scriptInts 解析 Lua 返回的整数数组。
func scriptInts(raw interface{}, want int) ([]int64, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != want {
		return nil, perrors.Newf(perrors.KindInternal, "unexpected script reply %T", raw)
	}
	out := make([]int64, want)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return nil, perrors.Newf(perrors.KindInternal, "unexpected script element %T", v)
		}
		out[i] = n
	}
	return out, nil
}
