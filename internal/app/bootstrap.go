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

package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"tutor-platform/internal/chat/attachment"
	"tutor-platform/internal/chat/dispatch"
	"tutor-platform/internal/chat/idemp"
	"tutor-platform/internal/chat/jobstore"
	"tutor-platform/internal/chat/lane"
	"tutor-platform/internal/chat/signal"
	"tutor-platform/internal/storage/redisconn"
	"tutor-platform/pkg/config"
	"tutor-platform/pkg/log"
	"tutor-platform/pkg/secrets"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写装配逻辑。
// 队列后端为 inline 时 Redis 为 nil，车道与派发队列都退化为进程内实现。
type Bootstrap struct {
	Config      *config.Config
	Logger      *log.Logger
	Secrets     secrets.Store
	Redis       *redis.Client
	Signals     *signal.Registry
	Jobs        *jobstore.Store
	Requests    *idemp.Store
	Attachments *attachment.Store
	Lanes       lane.Store
	Queue       dispatch.Queue
}

// NewBootstrap 根据配置创建 Bootstrap（日志/Secret/Redis/存储/车道/队列）
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		return nil, fmt.Errorf("缺少配置")
	}
	logCfg := &log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	secretStore, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Config: map[string]string{
			"address":     cfg.Secrets.Vault.Address,
			"token":       cfg.Secrets.Vault.Token,
			"path_prefix": cfg.Secrets.Vault.PathPrefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
	}

	var rdb *redis.Client
	if cfg.Queue.Backend == "rq" {
		rdb, err = redisconn.Connect(context.Background(), cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
	}

	signals := signal.New(cfg.Chat.StreamSignalMaxEntries, cfg.Chat.SignalTTL())
	jobs, err := jobstore.New(filepath.Join(cfg.Chat.DataDir, "jobs"), signals)
	if err != nil {
		return nil, fmt.Errorf("初始化 Job 存储失败: %w", err)
	}
	requests, err := idemp.New(filepath.Join(cfg.Chat.DataDir, "requests"))
	if err != nil {
		return nil, fmt.Errorf("初始化幂等索引失败: %w", err)
	}
	attachments, err := attachment.New(filepath.Join(cfg.Chat.DataDir, "attachments"))
	if err != nil {
		return nil, fmt.Errorf("初始化附件存储失败: %w", err)
	}

	lanes, err := lane.New(cfg.Queue.Backend, rdb, lane.Options{
		MaxQueue:  cfg.Chat.LaneMaxQueue,
		ActiveTTL: cfg.Chat.ClaimTTL(),
		Debounce:  cfg.Chat.DebounceWindow(),
	})
	if err != nil {
		return nil, fmt.Errorf("初始化车道失败: %w", err)
	}
	queue, err := dispatch.New(cfg.Queue.Backend, rdb)
	if err != nil {
		return nil, fmt.Errorf("初始化派发队列失败: %w", err)
	}

	return &Bootstrap{
		Config:      cfg,
		Logger:      logger,
		Secrets:     secretStore,
		Redis:       rdb,
		Signals:     signals,
		Jobs:        jobs,
		Requests:    requests,
		Attachments: attachments,
		Lanes:       lanes,
		Queue:       queue,
	}, nil
}

// Close 释放派发队列与 Redis 连接
func (b *Bootstrap) Close() error {
	var firstErr error
	if b.Queue != nil {
		if err := b.Queue.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
