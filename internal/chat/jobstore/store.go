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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	perrors "tutor-platform/pkg/errors"
	"tutor-platform/pkg/fsio"
)

// ErrTerminal 表示记录已处于终态，拒绝再次变更。
var ErrTerminal = errors.New("jobstore: job already in terminal status")

// Notifier 事件追加后的唤醒回调；由进程内信号注册表实现。
// 终态事件追加后调用 Clear 释放注册表条目。
type Notifier interface {
	Notify(key string)
	Clear(key string)
}

// Store Job 记录与事件日志的文件系统存储。
// 同进程内以 per-job 互斥保证读改写原子；跨进程的写端互斥由
// claim 锁保证（ingress 只在 Job 入队前写一次）。
type Store struct {
	root     string
	notifier Notifier

	mu     sync.Mutex
	jobMu  map[string]*sync.Mutex
	lastID map[string]int64 // 进程内已知的最近 event_id
}

// New 创建 Store；root 为 jobs/ 根目录，不存在时创建。
func New(root string, notifier Notifier) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, perrors.Wrap(err, "create job root")
	}
	return &Store{
		root:     root,
		notifier: notifier,
		jobMu:    make(map[string]*sync.Mutex),
		lastID:   make(map[string]int64),
	}, nil
}

// Root jobs/ 根目录。
func (s *Store) Root() string { return s.root }

// JobDir Job 目录路径。
func (s *Store) JobDir(jobID string) string { return filepath.Join(s.root, jobID) }

// ClaimPath Worker claim 锁文件路径。
func (s *Store) ClaimPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "claim.lock")
}

func (s *Store) jobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) eventsPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "events.jsonl")
}

func (s *Store) seqPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "events.seq")
}

func (s *Store) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.jobMu[jobID]
	if !ok {
		mu = &sync.Mutex{}
		s.jobMu[jobID] = mu
	}
	return mu
}

// Create 创建 Job 目录并写入初始记录；时间戳由 Store 填充。
func (s *Store) Create(job *Job) error {
	if job.JobID == "" {
		return perrors.New(perrors.KindValidation, "job_id required")
	}
	mu := s.jobLock(job.JobID)
	mu.Lock()
	defer mu.Unlock()

	dir := s.JobDir(job.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perrors.Wrap(err, "create job dir")
	}
	if _, err := os.Stat(s.jobPath(job.JobID)); err == nil {
		return perrors.Newf(perrors.KindValidation, "job %s already exists", job.JobID)
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusQueued
	}
	return fsio.WriteJSON(s.jobPath(job.JobID), job)
}

// Get 读取 Job 记录；不存在返回 ErrNotFound。
func (s *Store) Get(jobID string) (*Job, error) {
	var job Job
	if err := fsio.ReadJSON(s.jobPath(jobID), &job); err != nil {
		if os.IsNotExist(err) {
			return nil, perrors.Newf(perrors.KindNotFound, "job %s not found", jobID)
		}
		return nil, perrors.Wrap(err, "read job record")
	}
	return &job, nil
}

// Exists 报告 Job 记录是否存在。
func (s *Store) Exists(jobID string) bool {
	_, err := os.Stat(s.jobPath(jobID))
	return err == nil
}

// update 在 per-job 锁内完成读改写；apply 返回 error 时放弃写入。
func (s *Store) update(jobID string, apply func(*Job) error) (*Job, error) {
	mu := s.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	if err := apply(job); err != nil {
		return job, err
	}
	job.UpdatedAt = time.Now().UTC()
	if err := fsio.WriteJSON(s.jobPath(jobID), job); err != nil {
		return nil, perrors.Wrap(err, "write job record")
	}
	return job, nil
}

// MarkProcessing 将 queued 记录推进到 processing。
// 终态记录返回 ErrTerminal（取消竞速时 Worker 据此放弃处理）。
func (s *Store) MarkProcessing(jobID string) (*Job, error) {
	return s.update(jobID, func(j *Job) error {
		if j.Status.Terminal() {
			return ErrTerminal
		}
		j.Status = StatusProcessing
		return nil
	})
}

// MarkTerminal 写入终态与结果。记录已处于其他终态时返回 ErrTerminal；
// 同终态重复写入幂等生效（用于至少一次投递下的重复处理）。
func (s *Store) MarkTerminal(jobID string, status Status, reply string, errInfo *ErrorInfo) (*Job, error) {
	if !status.Terminal() {
		return nil, perrors.Newf(perrors.KindValidation, "status %s is not terminal", status)
	}
	return s.update(jobID, func(j *Job) error {
		if j.Status.Terminal() && j.Status != status {
			return ErrTerminal
		}
		j.Status = status
		j.Reply = reply
		j.Error = errInfo
		return nil
	})
}

// RequestCancel 将非终态记录置为 cancelled；Worker 在轮间检查该状态。
// 返回取消前的状态：prior 已是终态表示取消无效；prior 为 queued 时
// 调用方负责补终态事件（还没有 Worker 认领过该 Job）。
func (s *Store) RequestCancel(jobID string) (*Job, Status, error) {
	var prior Status
	job, err := s.update(jobID, func(j *Job) error {
		prior = j.Status
		if j.Status.Terminal() {
			return nil
		}
		j.Status = StatusCancelled
		return nil
	})
	return job, prior, err
}

// ListActive 扫描全部 Job 目录，返回 queued 与 processing 状态的记录。
// 供启动恢复与周期扫描使用；损坏的记录跳过。
func (s *Store) ListActive() ([]*Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, perrors.Wrap(err, "read job root")
	}
	var active []*Job
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		job, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		if job.Status == StatusQueued || job.Status == StatusProcessing {
			active = append(active, job)
		}
	}
	return active, nil
}

// PurgeOlderThan 删除终态且 updated_at 早于 maxAge 的 Job 目录，返回删除数。
func (s *Store) PurgeOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, perrors.Wrap(err, "read job root")
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jobID := e.Name()
		job, err := s.Get(jobID)
		if err != nil {
			continue
		}
		if !job.Status.Terminal() || job.UpdatedAt.After(cutoff) {
			continue
		}
		mu := s.jobLock(jobID)
		mu.Lock()
		err = os.RemoveAll(s.JobDir(jobID))
		mu.Unlock()
		if err != nil {
			continue
		}
		s.mu.Lock()
		delete(s.jobMu, jobID)
		delete(s.lastID, jobID)
		s.mu.Unlock()
		removed++
	}
	return removed, nil
}
