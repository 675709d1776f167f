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
	"sync"
	"time"

	perrors "tutor-platform/pkg/errors"
)

type recentEntry struct {
	jobID   string
	expires time.Time
}

type laneState struct {
	queue     []string
	queued    map[string]struct{}
	active    string
	activeExp time.Time
	recent    map[string]recentEntry
}

// InlineStore 进程内车道实现，开发与单进程部署用。
// 语义与 redis 实现一致：active 槽带过期时间，过期视为空闲。
type InlineStore struct {
	mu    sync.Mutex
	lanes map[string]*laneState
	opts  Options
	now   func() time.Time
}

// NewInlineStore 创建进程内车道存储。
func NewInlineStore(opts Options) *InlineStore {
	return &InlineStore{
		lanes: make(map[string]*laneState),
		opts:  opts.withDefaults(),
		now:   time.Now,
	}
}

func (s *InlineStore) laneLocked(laneID string) *laneState {
	st, ok := s.lanes[laneID]
	if !ok {
		st = &laneState{
			queued: make(map[string]struct{}),
			recent: make(map[string]recentEntry),
		}
		s.lanes[laneID] = st
	}
	return st
}

// expireLocked 把过期的 active 当作空闲，并清理过期指纹。
func (st *laneState) expireLocked(now time.Time) {
	if st.active != "" && now.After(st.activeExp) {
		delete(st.queued, st.active)
		st.active = ""
	}
	for fp, e := range st.recent {
		if now.After(e.expires) {
			delete(st.recent, fp)
		}
	}
}

func (st *laneState) emptyLocked() bool {
	return st.active == "" && len(st.queue) == 0 && len(st.recent) == 0
}

func (s *InlineStore) Load(ctx context.Context, laneID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lanes[laneID]
	if !ok {
		return Info{}, nil
	}
	st.expireLocked(s.now())
	info := Info{Queued: len(st.queue)}
	if st.active != "" {
		info.Active = 1
	}
	info.Total = info.Queued + info.Active
	return info, nil
}

func (s *InlineStore) Position(ctx context.Context, laneID, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lanes[laneID]
	if !ok {
		return 0, nil
	}
	st.expireLocked(s.now())
	for i, id := range st.queue {
		if id == jobID {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (s *InlineStore) Enqueue(ctx context.Context, laneID, jobID string) (Enqueued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st := s.laneLocked(laneID)
	st.expireLocked(now)

	if _, dup := st.queued[jobID]; dup {
		if st.active == jobID {
			return Enqueued{Position: 0, QueueSize: len(st.queue), Active: true}, nil
		}
		for i, id := range st.queue {
			if id == jobID {
				return Enqueued{Position: i + 1, QueueSize: len(st.queue)}, nil
			}
		}
		// active 过期后遗留的幽灵成员：清掉按新入队处理
		delete(st.queued, jobID)
	}

	if st.active != "" {
		if len(st.queue) >= s.opts.MaxQueue {
			return Enqueued{QueueSize: len(st.queue)}, perrors.ErrLaneSaturated
		}
		st.queue = append(st.queue, jobID)
		st.queued[jobID] = struct{}{}
		return Enqueued{Position: len(st.queue), QueueSize: len(st.queue)}, nil
	}

	st.active = jobID
	st.activeExp = now.Add(s.opts.ActiveTTL)
	st.queued[jobID] = struct{}{}
	return Enqueued{Position: 0, QueueSize: len(st.queue), Active: true, Dispatch: true}, nil
}

func (s *InlineStore) Finish(ctx context.Context, laneID, jobID string) (Finished, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st, ok := s.lanes[laneID]
	if !ok {
		return Finished{Owned: true}, nil
	}
	st.expireLocked(now)
	delete(st.queued, jobID)
	for i, id := range st.queue {
		if id == jobID {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			break
		}
	}

	if st.active != "" && st.active != jobID {
		return Finished{}, nil
	}
	st.active = ""

	if len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		st.active = next
		st.activeExp = now.Add(s.opts.ActiveTTL)
		return Finished{Owned: true, Next: next}, nil
	}
	if st.emptyLocked() {
		delete(s.lanes, laneID)
	}
	return Finished{Owned: true}, nil
}

func (s *InlineStore) RegisterRecent(ctx context.Context, laneID, fingerprint, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.laneLocked(laneID)
	st.recent[fingerprint] = recentEntry{jobID: jobID, expires: s.now().Add(s.opts.Debounce)}
	return nil
}

func (s *InlineStore) RecentJob(ctx context.Context, laneID, fingerprint string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lanes[laneID]
	if !ok {
		return "", false, nil
	}
	e, ok := st.recent[fingerprint]
	if !ok || s.now().After(e.expires) {
		delete(st.recent, fingerprint)
		return "", false, nil
	}
	return e.jobID, true, nil
}
