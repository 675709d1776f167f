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

package fsio

import (
	"sync"
	"time"
)

type memLock struct {
	token      string
	acquiredAt time.Time
}

// MemoryLocker 进程内 Locker 实现，测试用；路径仅作为 map 键。
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memLock
}

// NewMemoryLocker 创建内存锁。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memLock)}
}

func (l *MemoryLocker) TryAcquire(path, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[path]; ok && time.Since(held.acquiredAt) <= ttl {
		return false, nil
	}
	l.locks[path] = memLock{token: token, acquiredAt: time.Now()}
	return true, nil
}

func (l *MemoryLocker) Release(path, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[path]; ok && held.token == token {
		delete(l.locks, path)
	}
	return nil
}

func (l *MemoryLocker) Refresh(path, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.locks[path]
	if !ok || held.token != token {
		return ErrNotLockOwner
	}
	held.acquiredAt = time.Now()
	l.locks[path] = held
	return nil
}

func (l *MemoryLocker) Held(path string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.locks[path]
	return ok && time.Since(held.acquiredAt) <= ttl
}
