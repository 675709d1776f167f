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

// Package idemp 提供 request_id → job_id 的幂等映射。
// 每个 request_id 一个文件，O_CREAT|O_EXCL 保证并发提交只有一个写入者；
// 旧版单文件 index.json 仍可读，命中时迁移为单文件条目。
package idemp

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	perrors "tutor-platform/pkg/errors"
	"tutor-platform/pkg/fsio"
)

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidRequestID 报告 request_id 是否可作为文件名安全落盘。
func ValidRequestID(id string) bool {
	return requestIDPattern.MatchString(id)
}

// Store 幂等映射存储；dir 为 requests/ 目录。
type Store struct {
	dir      string
	legacyMu sync.Mutex
}

// New 创建 Store，目录不存在时创建。
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, perrors.Wrap(err, "create request dir")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) entryPath(requestID string) string {
	return filepath.Join(s.dir, requestID+".txt")
}

func (s *Store) legacyPath() string {
	return filepath.Join(s.dir, "index.json")
}

// Bind 把 requestID 绑定到 jobID。并发竞争下只有一个写入者成功；
// 失败方得到已绑定的 job_id 与 created=false，应丢弃自己的记录。
func (s *Store) Bind(requestID, jobID string) (string, bool, error) {
	if !ValidRequestID(requestID) {
		return "", false, perrors.Newf(perrors.KindValidation, "invalid request_id %q", requestID)
	}
	path := s.entryPath(requestID)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(jobID)
			if serr := f.Sync(); werr == nil {
				werr = serr
			}
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return "", false, perrors.Wrap(werr, "write request binding")
			}
			return jobID, true, nil
		}
		if !os.IsExist(err) {
			return "", false, perrors.Wrap(err, "create request binding")
		}
		existing, rerr := readBinding(path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue // 对端刚好删除了空绑定，重试
			}
			return "", false, perrors.Wrap(rerr, "read request binding")
		}
		if existing == "" {
			// 写入方崩溃留下的空文件：清掉重试
			_ = os.Remove(path)
			continue
		}
		return existing, false, nil
	}
	return "", false, perrors.New(perrors.KindInternal, "request binding contention")
}

// Lookup 查询 requestID 已绑定的 job_id。exists 用于校验 Job 记录仍在；
// 指向已清理 Job 的陈旧绑定会被删除并按未命中处理。
func (s *Store) Lookup(requestID string, exists func(jobID string) bool) (string, bool) {
	if !ValidRequestID(requestID) {
		return "", false
	}
	path := s.entryPath(requestID)
	jobID, err := readBinding(path)
	if err == nil && jobID != "" {
		if exists == nil || exists(jobID) {
			return jobID, true
		}
		_ = os.Remove(path)
		return "", false
	}
	if err != nil && !os.IsNotExist(err) {
		return "", false
	}
	return s.lookupLegacy(requestID, exists)
}

// lookupLegacy 读取旧版 index.json；命中后迁移为单文件条目并从索引移除。
func (s *Store) lookupLegacy(requestID string, exists func(jobID string) bool) (string, bool) {
	s.legacyMu.Lock()
	defer s.legacyMu.Unlock()

	var index map[string]string
	if err := fsio.ReadJSON(s.legacyPath(), &index); err != nil {
		return "", false
	}
	jobID, ok := index[requestID]
	if !ok || jobID == "" {
		return "", false
	}
	if exists != nil && !exists(jobID) {
		delete(index, requestID)
		s.rewriteLegacy(index)
		return "", false
	}

	// 迁移：单文件为准，索引瘦身
	f, err := os.OpenFile(s.entryPath(requestID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, _ = f.WriteString(jobID)
		_ = f.Close()
	}
	delete(index, requestID)
	s.rewriteLegacy(index)
	return jobID, true
}

func (s *Store) rewriteLegacy(index map[string]string) {
	if len(index) == 0 {
		_ = os.Remove(s.legacyPath())
		return
	}
	_ = fsio.WriteJSON(s.legacyPath(), index)
}

func readBinding(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
