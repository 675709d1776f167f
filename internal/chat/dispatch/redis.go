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

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	perrors "tutor-platform/pkg/errors"
)

const (
	redisQueueKey   = "chat:jobs:queue"
	redisPopTimeout = time.Second
)

// RedisQueue 基于 redis LIST 的派发队列；API 与 Worker 分进程部署时使用。
// LPUSH 入队，BRPOP 以 1s 超时轮询出队，便于及时响应 ctx 取消。
type RedisQueue struct {
	client    *redis.Client
	closeOnce sync.Once
	closed    chan struct{}
}

// NewRedisQueue 创建 redis 派发队列。
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, closed: make(chan struct{})}
}

func (q *RedisQueue) Dispatch(ctx context.Context, jobID string) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	if err := q.client.LPush(ctx, redisQueueKey, jobID).Err(); err != nil {
		return perrors.WrapKind(err, perrors.KindTransient, "dispatch job")
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) (string, error) {
	for {
		select {
		case <-q.closed:
			return "", ErrClosed
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		vals, err := q.client.BRPop(ctx, redisPopTimeout, redisQueueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// 连接抖动：稍候重试而不是退出 Worker
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			case <-q.closed:
				return "", ErrClosed
			}
			continue
		}
		if len(vals) == 2 {
			return vals[1], nil
		}
	}
}

func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
