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
	"errors"
	"os"
	"syscall"
	"time"
)

// ErrNotLockOwner 表示锁文件存在但 token 不匹配。
var ErrNotLockOwner = errors.New("fsio: lock held by another owner")

// LockInfo claim 锁文件的载荷。
type LockInfo struct {
	OwnerToken string    `json:"owner_token"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Locker claim 锁抽象。文件实现用于跨进程互斥，内存实现用于测试。
type Locker interface {
	// TryAcquire 尝试以 token 占据 path 上的锁；ttl 之外的旧锁视为遗失可回收。
	// 返回 false 表示锁被其他存活持有者占用，不是错误。
	TryAcquire(path, token string, ttl time.Duration) (bool, error)

	// Release 释放锁；仅当 token 匹配时删除锁文件，不匹配静默跳过。
	Release(path, token string) error

	// Refresh 心跳续期：token 匹配时以新的 acquired_at 重写载荷。
	Refresh(path, token string) error

	// Held 报告 path 上是否存在未过期的锁。
	Held(path string, ttl time.Duration) bool
}

// FileLocker 基于 O_CREAT|O_EXCL 锁文件的 Locker 实现。
// 载荷记录 owner_token、pid 与 acquired_at；回收判定为
// 进程不存活或持有时长超过 ttl。
type FileLocker struct{}

// NewFileLocker 创建文件锁。
func NewFileLocker() *FileLocker { return &FileLocker{} }

func (l *FileLocker) TryAcquire(path, token string, ttl time.Duration) (bool, error) {
	// 最多回收一次陈旧锁后重试一次。
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info := LockInfo{OwnerToken: token, PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
			data, merr := json.Marshal(info)
			if merr == nil {
				_, merr = f.Write(data)
			}
			if merr == nil {
				merr = f.Sync()
			}
			if cerr := f.Close(); merr == nil {
				merr = cerr
			}
			if merr != nil {
				_ = os.Remove(path)
				return false, merr
			}
			return true, nil
		}
		if !os.IsExist(err) {
			return false, err
		}

		data, rerr := os.ReadFile(path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue // 持有者刚释放，立刻重试
			}
			// 载荷读不出来就无从判定陈旧，按占用返回，不回收。
			return false, rerr
		}
		var info LockInfo
		if uerr := json.Unmarshal(data, &info); uerr != nil {
			// 半截载荷：当作陈旧锁回收。
			_ = os.Remove(path)
			continue
		}
		if pidAlive(info.PID) && time.Since(info.AcquiredAt) <= ttl {
			return false, nil
		}
		_ = os.Remove(path)
	}
	return false, nil
}

func (l *FileLocker) Release(path, token string) error {
	info, err := readLockInfo(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.OwnerToken != token {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *FileLocker) Refresh(path, token string) error {
	info, err := readLockInfo(path)
	if err != nil {
		return err
	}
	if info.OwnerToken != token {
		return ErrNotLockOwner
	}
	info.AcquiredAt = time.Now().UTC()
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return WriteBytes(path, data)
}

func (l *FileLocker) Held(path string, ttl time.Duration) bool {
	info, err := readLockInfo(path)
	if err != nil {
		return false
	}
	return pidAlive(info.PID) && time.Since(info.AcquiredAt) <= ttl
}

func readLockInfo(path string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, err
	}
	return info, nil
}

// pidAlive 用 signal 0 探测进程是否存活；EPERM 说明进程存在但无权限，
// 同样视为存活。
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM)
}
