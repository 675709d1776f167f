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

// Package lane 提供按行为者划分的串行车道：同一车道同时至多一个 active Job，
// 其余按 FIFO 排队。车道状态的全部变更都是单车道原子操作（inline 用互斥锁，
// redis 用 Lua 脚本），Enqueue/Finish 的返回值决定派发责任的交接。
package lane

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tutor-platform/pkg/auth"
	perrors "tutor-platform/pkg/errors"
)

// Info 车道负载快照。
type Info struct {
	Queued int `json:"queued"` // 等待队列长度
	Active int `json:"active"` // 0 或 1
	Total  int `json:"total"`  // Queued + Active
}

// Enqueued 入队结果。Dispatch=true 表示本次调用让 Job 占据了 active 槽，
// 调用方必须恰好派发一次；false 表示 Job 在排队或早已入队。
type Enqueued struct {
	Position  int // 1-based 队列位置；0 表示占据 active 槽
	QueueSize int
	Active    bool
	Dispatch  bool
}

// Finished 槽位释放结果。Owned=false 表示 active 槽属于其他 Job，
// 调用方不得派发；Owned=true 时 Next 非空则必须恰好派发一次。
type Finished struct {
	Owned bool
	Next  string
}

// Store 车道存储。
type Store interface {
	// Load 读取车道负载。
	Load(ctx context.Context, laneID string) (Info, error)

	// Position 返回 Job 在等待队列中的 1-based 位置；不在队列（含 active）为 0。
	Position(ctx context.Context, laneID, jobID string) (int, error)

	// Enqueue 原子入队：active 空闲则占据之（dispatch=true），否则追加到
	// 等待队列；队列满返回 ErrLaneSaturated。重复入队幂等返回当前位置。
	Enqueue(ctx context.Context, laneID, jobID string) (Enqueued, error)

	// Finish 原子释放：jobID 持有 active 槽（或槽已空）时弹出下一个 Job
	// 并使其占据 active 槽；active 属于他人时 Owned=false。
	Finish(ctx context.Context, laneID, jobID string) (Finished, error)

	// RegisterRecent 记录去抖窗口内指纹对应的 Job。
	RegisterRecent(ctx context.Context, laneID, fingerprint, jobID string) error

	// RecentJob 查询去抖窗口内同指纹的既有 Job。
	RecentJob(ctx context.Context, laneID, fingerprint string) (string, bool, error)
}

// Options 两种后端共享的参数。
type Options struct {
	// MaxQueue 等待队列上限，超出即饱和。
	MaxQueue int
	// ActiveTTL active 槽的存活期，对应 claim TTL；失联的 active 过期后车道可恢复。
	ActiveTTL time.Duration
	// Debounce 重复提交去抖窗口。
	Debounce time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxQueue <= 0 {
		o.MaxQueue = 3
	}
	if o.ActiveTTL <= 0 {
		o.ActiveTTL = 600 * time.Second
	}
	if o.Debounce <= 0 {
		o.Debounce = 1500 * time.Millisecond
	}
	return o
}

// New 按队列后端选择车道实现；backend 为 rq 时 client 必须非 nil。
func New(backend string, client *redis.Client, opts Options) (Store, error) {
	switch backend {
	case "rq":
		if client == nil {
			return nil, perrors.New(perrors.KindInternal, "rq lane store requires redis client")
		}
		return NewRedisStore(client, opts), nil
	case "inline", "":
		return NewInlineStore(opts), nil
	}
	return nil, perrors.Newf(perrors.KindValidation, "unknown queue backend %q", backend)
}

// LaneID 车道键：<role>:<actor>:<session>。行为者缺省 anon，会话缺省 default，
// 保证未认证流量也能落入稳定车道。
func LaneID(role auth.Role, actorID, sessionID string) string {
	if actorID == "" {
		actorID = "anon"
	}
	if sessionID == "" {
		sessionID = "default"
	}
	return string(role) + ":" + actorID + ":" + sessionID
}

// Fingerprint 去抖指纹：角色、行为者、会话与最后一条 user 消息
// （空白折叠后）的 SHA-256。
func Fingerprint(role auth.Role, actorID, sessionID, lastUser string) string {
	normalized := strings.Join(strings.Fields(lastUser), " ")
	h := sha256.New()
	for _, part := range []string{string(role), actorID, sessionID, normalized} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
