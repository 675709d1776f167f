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

// Package archive 将终态 Job 的摘要归档到 Postgres，供离线查询与统计。
// 归档是尽力而为的附属动作：失败只记日志，不影响 Job 生命周期。
package archive

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tutor-platform/internal/chat/jobstore"
)

// Store chat_job_archive 表的归档写入端。
type Store struct {
	pool *pgxpool.Pool
}

// New 建立连接池并 ping；dsn 为 Postgres 连接串。
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close 关闭连接池。
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema 建归档表；归档表自成一体，不走迁移。
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS chat_job_archive (
		job_id      text PRIMARY KEY,
		lane_id     text NOT NULL,
		role        text NOT NULL,
		skill       text,
		status      text NOT NULL,
		error_kind  text,
		reply_chars integer NOT NULL DEFAULT 0,
		event_count integer NOT NULL DEFAULT 0,
		created_at  timestamptz NOT NULL,
		finished_at timestamptz NOT NULL
	)`)
	return err
}

// Record 以 job_id 为键 upsert 一行归档；同一 Job 重复处理以最后一次为准。
func (s *Store) Record(ctx context.Context, job *jobstore.Job, eventCount int64) error {
	errKind := ""
	if job.Error != nil {
		errKind = job.Error.Kind
	}
	finishedAt := job.UpdatedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_job_archive (job_id, lane_id, role, skill, status, error_kind, reply_chars, event_count, created_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (job_id) DO UPDATE SET
		   status      = EXCLUDED.status,
		   error_kind  = EXCLUDED.error_kind,
		   reply_chars = EXCLUDED.reply_chars,
		   event_count = EXCLUDED.event_count,
		   finished_at = EXCLUDED.finished_at`,
		job.JobID, job.LaneID, job.Role, nullStr(job.Skill), string(job.Status), nullStr(errKind),
		len([]rune(job.Reply)), eventCount, job.CreatedAt, finishedAt)
	return err
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
