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

// Package signal 提供进程内事件信号注册表：事件日志每次追加都会推进
// 对应 key 的版本并唤醒等待者，SSE 读端据此避免纯轮询。
// 注册表只是唤醒提示，事件本身始终以日志为准；条目可能因 TTL 或容量
// 被驱逐，读端用有界等待兜底。
package signal

import (
	"context"
	"sort"
	"sync"
	"time"

	"tutor-platform/pkg/metrics"
)

const (
	// DefaultMaxEntries 容量上限，超出后按 last_touched 驱逐最旧条目。
	DefaultMaxEntries = 4096
	// DefaultTTL 条目空闲上限。
	DefaultTTL = 1800 * time.Second

	sweepInterval = 500 * time.Millisecond
)

type entry struct {
	version     int64
	ch          chan struct{}
	lastTouched time.Time
}

// Registry 按 key（job_id）管理版本与广播通道。
// 通知通过 close+替换通道实现，等待者持旧通道即可被唤醒。
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
	ttl        time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

// New 创建注册表；maxEntries/ttl 非正时取默认值。
func New(maxEntries int, ttl time.Duration) *Registry {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (r *Registry) ensureLocked(key string) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{})}
		r.entries[key] = e
	}
	return e
}

// Notify 推进 key 的版本并唤醒全部等待者。不存在的 key 自动建条目。
func (r *Registry) Notify(key string) {
	r.mu.Lock()
	e := r.ensureLocked(key)
	e.version++
	e.lastTouched = r.now()
	close(e.ch)
	e.ch = make(chan struct{})
	r.maybeSweepLocked()
	metrics.SignalEntries.Set(float64(len(r.entries)))
	r.mu.Unlock()
}

// Wait 阻塞直到 key 的版本超过 lastSeen、超时或 ctx 结束，返回当前版本。
// 条目被清除时返回 lastSeen，调用方随后重读事件日志即可收敛。
func (r *Registry) Wait(ctx context.Context, key string, lastSeen int64, timeout time.Duration) int64 {
	r.mu.Lock()
	e := r.ensureLocked(key)
	e.lastTouched = r.now()
	if e.version > lastSeen {
		v := e.version
		r.mu.Unlock()
		return v
	}
	ch := e.ch
	r.maybeSweepLocked()
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[key]; ok {
		cur.lastTouched = r.now()
		return cur.version
	}
	return lastSeen
}

// Clear 删除条目并唤醒等待者；事件日志在终态事件后调用。
func (r *Registry) Clear(key string) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		close(e.ch)
		delete(r.entries, key)
	}
	metrics.SignalEntries.Set(float64(len(r.entries)))
	r.mu.Unlock()
}

// Len 当前条目数。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// maybeSweepLocked 摊还式清理：距上次清理超过 sweepInterval 或容量超限时，
// 先剔除空闲超 TTL 的条目，仍超限则按 last_touched 从旧到新驱逐。
func (r *Registry) maybeSweepLocked() {
	now := r.now()
	if now.Sub(r.lastSweep) < sweepInterval && len(r.entries) <= r.maxEntries {
		return
	}
	r.lastSweep = now

	for key, e := range r.entries {
		if now.Sub(e.lastTouched) >= r.ttl {
			close(e.ch)
			delete(r.entries, key)
		}
	}
	if len(r.entries) <= r.maxEntries {
		return
	}

	type aged struct {
		key     string
		touched time.Time
	}
	victims := make([]aged, 0, len(r.entries))
	for key, e := range r.entries {
		victims = append(victims, aged{key: key, touched: e.lastTouched})
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].touched.Before(victims[j].touched) })
	for _, v := range victims {
		if len(r.entries) <= r.maxEntries {
			break
		}
		if e, ok := r.entries[v.key]; ok {
			close(e.ch)
			delete(r.entries, v.key)
		}
	}
}
