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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileLockerAcquireAndRelease(t *testing.T) {
	locker := NewFileLocker()
	path := filepath.Join(t.TempDir(), "claim.lock")

	ok, err := locker.TryAcquire(path, "token-a", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	// 存活持有者挡住第二个获取方
	ok, err = locker.TryAcquire(path, "token-b", time.Minute)
	if err != nil {
		t.Fatalf("second TryAcquire failed: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail while lock held")
	}

	// token 不匹配的 Release 不得删除锁
	if err := locker.Release(path, "token-b"); err != nil {
		t.Fatalf("foreign release failed: %v", err)
	}
	if !locker.Held(path, time.Minute) {
		t.Fatal("lock removed by non-owner release")
	}

	if err := locker.Release(path, "token-a"); err != nil {
		t.Fatalf("owner release failed: %v", err)
	}
	if locker.Held(path, time.Minute) {
		t.Fatal("lock still held after owner release")
	}

	ok, err = locker.TryAcquire(path, "token-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestFileLockerReclaimsExpiredLock(t *testing.T) {
	locker := NewFileLocker()
	path := filepath.Join(t.TempDir(), "claim.lock")

	// 伪造一条 TTL 之外的旧锁（进程存活但超时）
	stale := LockInfo{
		OwnerToken: "old-token",
		PID:        os.Getpid(),
		AcquiredAt: time.Now().Add(-2 * time.Hour),
	}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	ok, err := locker.TryAcquire(path, "new-token", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected expired lock to be reclaimed")
	}

	info, err := readLockInfo(path)
	if err != nil {
		t.Fatalf("read lock info: %v", err)
	}
	if info.OwnerToken != "new-token" {
		t.Errorf("lock owner = %q, want new-token", info.OwnerToken)
	}
}

func TestFileLockerReclaimsDeadPID(t *testing.T) {
	locker := NewFileLocker()
	path := filepath.Join(t.TempDir(), "claim.lock")

	// PID 取一个基本不可能存活的值
	stale := LockInfo{OwnerToken: "old", PID: 1 << 22, AcquiredAt: time.Now()}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	ok, err := locker.TryAcquire(path, "new", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected dead-pid lock to be reclaimed")
	}
}

func TestFileLockerReclaimsCorruptLock(t *testing.T) {
	locker := NewFileLocker()
	path := filepath.Join(t.TempDir(), "claim.lock")

	if err := os.WriteFile(path, []byte("{half"), 0o644); err != nil {
		t.Fatalf("seed corrupt lock: %v", err)
	}

	ok, err := locker.TryAcquire(path, "new", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected corrupt lock to be reclaimed")
	}
}

func TestFileLockerRefresh(t *testing.T) {
	locker := NewFileLocker()
	path := filepath.Join(t.TempDir(), "claim.lock")

	if ok, err := locker.TryAcquire(path, "owner", time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	before, err := readLockInfo(path)
	if err != nil {
		t.Fatalf("read lock info: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := locker.Refresh(path, "owner"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	after, err := readLockInfo(path)
	if err != nil {
		t.Fatalf("read lock info: %v", err)
	}
	if !after.AcquiredAt.After(before.AcquiredAt) {
		t.Error("Refresh did not advance acquired_at")
	}

	if err := locker.Refresh(path, "intruder"); err != ErrNotLockOwner {
		t.Errorf("foreign refresh error = %v, want ErrNotLockOwner", err)
	}
}

func TestMemoryLockerBasics(t *testing.T) {
	locker := NewMemoryLocker()

	ok, err := locker.TryAcquire("k", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := locker.TryAcquire("k", "b", time.Minute); ok {
		t.Fatal("expected held lock to block")
	}
	if err := locker.Refresh("k", "b"); err != ErrNotLockOwner {
		t.Errorf("foreign refresh error = %v", err)
	}
	if err := locker.Release("k", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := locker.TryAcquire("k", "b", time.Minute); !ok {
		t.Fatal("expected acquire after release")
	}
}
