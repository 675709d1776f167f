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

package idemp

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"tutor-platform/pkg/fsio"
)

func alwaysExists(string) bool { return true }

func TestBindAndLookup(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "requests"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	jobID, created, err := s.Bind("req-1", "job-1")
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if !created || jobID != "job-1" {
		t.Errorf("Bind = (%q, %v), want (job-1, true)", jobID, created)
	}

	got, ok := s.Lookup("req-1", alwaysExists)
	if !ok || got != "job-1" {
		t.Errorf("Lookup = (%q, %v), want (job-1, true)", got, ok)
	}
}

func TestBindSecondWriterLoses(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "requests"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, _, err := s.Bind("req-1", "job-1"); err != nil {
		t.Fatalf("first Bind failed: %v", err)
	}
	jobID, created, err := s.Bind("req-1", "job-2")
	if err != nil {
		t.Fatalf("second Bind failed: %v", err)
	}
	if created || jobID != "job-1" {
		t.Errorf("second Bind = (%q, %v), want (job-1, false)", jobID, created)
	}
}

func TestBindConcurrentSingleWinner(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "requests"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	winners := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobID := "job-" + string(rune('a'+i))
			bound, created, err := s.Bind("req-race", jobID)
			if err != nil {
				t.Errorf("Bind failed: %v", err)
				return
			}
			if created {
				winners <- bound
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var won []string
	for w := range winners {
		won = append(won, w)
	}
	if len(won) != 1 {
		t.Fatalf("expected exactly one winner, got %v", won)
	}
	got, ok := s.Lookup("req-race", alwaysExists)
	if !ok || got != won[0] {
		t.Errorf("Lookup = (%q, %v), want winner %q", got, ok, won[0])
	}
}

func TestLookupDropsStaleBinding(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "requests")
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, _, err := s.Bind("req-1", "job-gone"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	got, ok := s.Lookup("req-1", func(string) bool { return false })
	if ok {
		t.Errorf("Lookup hit stale binding: %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "req-1.txt")); !os.IsNotExist(err) {
		t.Error("stale binding file not removed")
	}

	// 清理后同一 request_id 可重新绑定
	if _, created, err := s.Bind("req-1", "job-new"); err != nil || !created {
		t.Errorf("rebind = (created=%v, err=%v), want fresh bind", created, err)
	}
}

func TestLookupMigratesLegacyIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "requests")
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	legacy := map[string]string{"req-old": "job-7", "req-other": "job-8"}
	if err := fsio.WriteJSON(filepath.Join(dir, "index.json"), legacy); err != nil {
		t.Fatalf("seed legacy index: %v", err)
	}

	got, ok := s.Lookup("req-old", alwaysExists)
	if !ok || got != "job-7" {
		t.Fatalf("legacy Lookup = (%q, %v), want (job-7, true)", got, ok)
	}

	// 迁移后单文件存在，索引中的键被移除
	if _, err := os.Stat(filepath.Join(dir, "req-old.txt")); err != nil {
		t.Errorf("migrated entry missing: %v", err)
	}
	var index map[string]string
	if err := fsio.ReadJSON(filepath.Join(dir, "index.json"), &index); err != nil {
		t.Fatalf("read index after migration: %v", err)
	}
	if _, ok := index["req-old"]; ok {
		t.Error("migrated key still in legacy index")
	}
	if index["req-other"] != "job-8" {
		t.Error("unrelated legacy key lost")
	}

	// 后续查询直接命中单文件
	got, ok = s.Lookup("req-old", alwaysExists)
	if !ok || got != "job-7" {
		t.Errorf("post-migration Lookup = (%q, %v)", got, ok)
	}
}

func TestValidRequestID(t *testing.T) {
	valid := []string{"req-1", "a.b_c-d", "REQ.9"}
	for _, id := range valid {
		if !ValidRequestID(id) {
			t.Errorf("ValidRequestID(%q) = false, want true", id)
		}
	}
	invalid := []string{"", "has space", "路径", "a/b", "../etc", strings.Repeat("a", 129)}
	for _, id := range invalid {
		if ValidRequestID(id) {
			t.Errorf("ValidRequestID(%q) = true, want false", id)
		}
	}
}
