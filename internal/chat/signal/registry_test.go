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

package signal

import (
	"context"
	"testing"
	"time"
)

func TestWaitReturnsImmediatelyWhenVersionAdvanced(t *testing.T) {
	r := New(16, time.Minute)
	r.Notify("job-1")
	r.Notify("job-1")

	v := r.Wait(context.Background(), "job-1", 0, time.Second)
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
}

func TestWaitBlocksUntilNotify(t *testing.T) {
	r := New(16, time.Minute)

	done := make(chan int64, 1)
	go func() {
		done <- r.Wait(context.Background(), "job-1", 0, 5*time.Second)
	}()

	// 给等待者时间进入阻塞
	time.Sleep(20 * time.Millisecond)
	r.Notify("job-1")

	select {
	case v := <-done:
		if v != 1 {
			t.Errorf("version = %d, want 1", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after Notify")
	}
}

func TestWaitTimeout(t *testing.T) {
	r := New(16, time.Minute)
	r.Notify("job-1")

	start := time.Now()
	v := r.Wait(context.Background(), "job-1", 1, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Wait returned too early: %v", elapsed)
	}
	if v != 1 {
		t.Errorf("version after timeout = %d, want 1", v)
	}
}

func TestWaitHonorsContextCancel(t *testing.T) {
	r := New(16, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Wait(ctx, "job-1", 0, 10*time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return on context cancel")
	}
}

func TestClearWakesWaiters(t *testing.T) {
	r := New(16, time.Minute)

	done := make(chan int64, 1)
	go func() {
		done <- r.Wait(context.Background(), "job-1", 0, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Clear("job-1")

	select {
	case v := <-done:
		// 条目已清除，返回 lastSeen，读端转而重读日志
		if v != 0 {
			t.Errorf("version after clear = %d, want 0", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after Clear")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", r.Len())
	}
}

func TestTTLSweepEvictsIdleEntries(t *testing.T) {
	r := New(16, 100*time.Millisecond)
	base := time.Now()
	now := base
	r.now = func() time.Time { return now }

	r.Notify("idle")
	now = now.Add(600 * time.Millisecond)
	// 越过摊还间隔后，任意一次操作触发清理
	r.Notify("fresh")

	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1 (idle entry swept)", r.Len())
	}
	r.mu.Lock()
	_, idleAlive := r.entries["idle"]
	_, freshAlive := r.entries["fresh"]
	r.mu.Unlock()
	if idleAlive || !freshAlive {
		t.Errorf("idleAlive=%v freshAlive=%v", idleAlive, freshAlive)
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	r := New(3, time.Hour)
	base := time.Now()
	now := base
	r.now = func() time.Time { return now }

	for i, key := range []string{"a", "b", "c", "d", "e"} {
		now = base.Add(time.Duration(i) * time.Second)
		r.Notify(key)
	}

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range []string{"a", "b"} {
		if _, ok := r.entries[key]; ok {
			t.Errorf("oldest entry %q survived capacity eviction", key)
		}
	}
	for _, key := range []string{"c", "d", "e"} {
		if _, ok := r.entries[key]; !ok {
			t.Errorf("recent entry %q evicted", key)
		}
	}
}

func TestVersionsAreIndependentPerKey(t *testing.T) {
	r := New(16, time.Minute)
	r.Notify("a")
	r.Notify("a")
	r.Notify("b")

	if v := r.Wait(context.Background(), "a", 0, time.Second); v != 2 {
		t.Errorf("a version = %d, want 2", v)
	}
	if v := r.Wait(context.Background(), "b", 0, time.Second); v != 1 {
		t.Errorf("b version = %d, want 1", v)
	}
}
