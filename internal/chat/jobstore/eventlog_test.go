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

package jobstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
	cleared  []string
}

func (f *fakeNotifier) Notify(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, key)
}

func (f *fakeNotifier) Clear(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, key)
}

func TestAppendEventAssignsMonotonicIDs(t *testing.T) {
	notifier := &fakeNotifier{}
	s, err := New(filepath.Join(t.TempDir(), "jobs"), notifier)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Create(sampleJob("job-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	types := []EventType{EventJobQueued, EventJobProcessing, EventAssistantDone, EventJobDone}
	for i, typ := range types {
		ev, err := s.AppendEvent("job-1", typ, map[string]interface{}{"n": i})
		if err != nil {
			t.Fatalf("AppendEvent %s failed: %v", typ, err)
		}
		if ev.EventID != int64(i+1) {
			t.Errorf("event %s id = %d, want %d", typ, ev.EventID, i+1)
		}
		if ev.EventVersion != EventVersion {
			t.Errorf("event version = %d", ev.EventVersion)
		}
	}

	if len(notifier.notified) != len(types) {
		t.Errorf("notified %d times, want %d", len(notifier.notified), len(types))
	}
	// 仅终态触发 Clear
	if len(notifier.cleared) != 1 || notifier.cleared[0] != "job-1" {
		t.Errorf("cleared = %v, want [job-1]", notifier.cleared)
	}

	last, err := s.LastEventID("job-1")
	if err != nil {
		t.Fatalf("LastEventID failed: %v", err)
	}
	if last != int64(len(types)) {
		t.Errorf("LastEventID = %d, want %d", last, len(types))
	}
}

func TestAppendEventMissingJob(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AppendEvent("absent", EventJobQueued, nil); err == nil {
		t.Error("expected append on missing job to fail")
	}
}

func TestLoadEventsIncremental(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(sampleJob("job-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent("job-1", EventAssistantDelta, map[string]interface{}{"text": "t"}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	// 第一批：前 2 条
	batch, offset, err := s.LoadEvents("job-1", 0, 0, 2)
	if err != nil {
		t.Fatalf("LoadEvents failed: %v", err)
	}
	if len(batch) != 2 || batch[0].EventID != 1 || batch[1].EventID != 2 {
		t.Fatalf("first batch = %+v", batch)
	}

	// 用返回的偏移继续读，不重复扫描
	batch, offset, err = s.LoadEvents("job-1", batch[len(batch)-1].EventID, offset, 10)
	if err != nil {
		t.Fatalf("second LoadEvents failed: %v", err)
	}
	if len(batch) != 3 || batch[0].EventID != 3 || batch[2].EventID != 5 {
		t.Fatalf("second batch = %+v", batch)
	}

	// 偏移处已无新事件
	batch, _, err = s.LoadEvents("job-1", 5, offset, 10)
	if err != nil {
		t.Fatalf("third LoadEvents failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("expected empty batch, got %+v", batch)
	}
}

func TestLoadEventsAfterFiltersWithoutHint(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(sampleJob("job-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := s.AppendEvent("job-1", EventAssistantDelta, nil); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	// 断线重连场景：只有游标没有偏移，从头扫描过滤
	batch, _, err := s.LoadEvents("job-1", 2, 0, 10)
	if err != nil {
		t.Fatalf("LoadEvents failed: %v", err)
	}
	if len(batch) != 2 || batch[0].EventID != 3 {
		t.Fatalf("batch = %+v, want events 3..4", batch)
	}
}

func TestLoadEventsSkipsMalformedLines(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(sampleJob("job-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.AppendEvent("job-1", EventJobQueued, nil); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	// 在日志中间注入坏行
	path := filepath.Join(s.JobDir("job-1"), "events.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteString("{broken json\n\n"); err != nil {
		t.Fatalf("inject garbage: %v", err)
	}
	f.Close()

	if _, err := s.AppendEvent("job-1", EventJobDone, nil); err != nil {
		t.Fatalf("AppendEvent after garbage failed: %v", err)
	}

	batch, _, err := s.LoadEvents("job-1", 0, 0, 10)
	if err != nil {
		t.Fatalf("LoadEvents failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("got %d events, want 2 (garbage skipped): %+v", len(batch), batch)
	}
	if batch[0].EventID != 1 || batch[1].EventID != 2 {
		t.Errorf("ids = %d,%d want 1,2", batch[0].EventID, batch[1].EventID)
	}
}

func TestEventIDContinuesAcrossRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "jobs")
	s1, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s1.Create(sampleJob("job-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s1.AppendEvent("job-1", EventAssistantDelta, nil); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	// 新 Store 实例模拟进程重启
	s2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("restart New failed: %v", err)
	}
	ev, err := s2.AppendEvent("job-1", EventJobDone, nil)
	if err != nil {
		t.Fatalf("AppendEvent after restart failed: %v", err)
	}
	if ev.EventID != 4 {
		t.Errorf("event id after restart = %d, want 4", ev.EventID)
	}
}

func TestEventIDRecoversWithoutSeqFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "jobs")
	s1, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s1.Create(sampleJob("job-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s1.AppendEvent("job-1", EventAssistantDelta, nil); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
	if err := os.Remove(filepath.Join(s1.JobDir("job-1"), "events.seq")); err != nil {
		t.Fatalf("remove seq: %v", err)
	}

	s2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("restart New failed: %v", err)
	}
	ev, err := s2.AppendEvent("job-1", EventJobDone, nil)
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if ev.EventID != 4 {
		t.Errorf("event id recovered by scan = %d, want 4", ev.EventID)
	}
}
