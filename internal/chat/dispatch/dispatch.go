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

// Package dispatch 提供 Job 派发队列：入口与车道接力调用 Dispatch，
// Worker 池阻塞 Receive 领取。投递语义为至少一次，去重由 claim 锁兜底。
package dispatch

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	perrors "tutor-platform/pkg/errors"
)

// ErrClosed 队列已关闭。
var ErrClosed = perrors.New(perrors.KindInternal, "dispatch queue closed")

// Queue Job 派发队列。
type Queue interface {
	// Dispatch 投递一个待执行的 job_id。
	Dispatch(ctx context.Context, jobID string) error

	// Receive 阻塞直到取得一个 job_id、ctx 结束或队列关闭。
	Receive(ctx context.Context) (string, error)

	// Close 关闭队列；之后的 Receive 返回 ErrClosed。
	Close() error
}

// New 按队列后端创建派发队列；backend 为 rq 时 client 必须非 nil。
func New(backend string, client *redis.Client) (Queue, error) {
	switch backend {
	case "rq":
		if client == nil {
			return nil, perrors.New(perrors.KindInternal, "rq dispatch queue requires redis client")
		}
		return NewRedisQueue(client), nil
	case "inline", "":
		return NewInlineQueue(0), nil
	}
	return nil, perrors.Newf(perrors.KindValidation, "unknown queue backend %q", backend)
}

const defaultInlineBuffer = 1024

// InlineQueue 进程内派发队列；API 进程内嵌 Worker 池时使用。
type InlineQueue struct {
	ch        chan string
	closeOnce sync.Once
	closed    chan struct{}
}

// NewInlineQueue 创建进程内队列；buffer 非正时取默认容量。
func NewInlineQueue(buffer int) *InlineQueue {
	if buffer <= 0 {
		buffer = defaultInlineBuffer
	}
	return &InlineQueue{
		ch:     make(chan string, buffer),
		closed: make(chan struct{}),
	}
}

func (q *InlineQueue) Dispatch(ctx context.Context, jobID string) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- jobID:
		return nil
	default:
		// 缓冲满：周期扫描会补投，不阻塞入口
		return perrors.New(perrors.KindTransient, "dispatch buffer full")
	}
}

func (q *InlineQueue) Receive(ctx context.Context) (string, error) {
	select {
	case jobID := <-q.ch:
		return jobID, nil
	case <-q.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *InlineQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
