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
	"time"

	"tutor-platform/internal/chat/processor"
	"tutor-platform/internal/chat/worker"
	"tutor-platform/internal/model/llm"
	"tutor-platform/internal/storage/archive"
	"tutor-platform/internal/tool/builtin"
	"tutor-platform/internal/tool/registry"
	"tutor-platform/pkg/auth"
	"tutor-platform/pkg/fsio"
)

// Workers Worker 池与随行资源（LLM 网关、工具注册表、归档连接）。
// api 进程在 inline 队列模式下内嵌一套，rq 模式下由 worker 进程独占。
type Workers struct {
	Pool    *worker.Pool
	archive *archive.Store
}

// NewWorkers 装配处理链：LLM 网关 → 工具注册表 → 处理器 → Worker 池
func NewWorkers(ctx context.Context, b *Bootstrap) (*Workers, error) {
	chain, err := llm.NewChain(ctx, b.Config.LLM, b.Secrets, b.Logger)
	if err != nil {
		return nil, fmt.Errorf("初始化 LLM 网关失败: %w", err)
	}

	reg := registry.New(b.Logger)
	if err := registerBuiltinTools(reg, b); err != nil {
		return nil, fmt.Errorf("注册内置工具失败: %w", err)
	}
	reg.SetAllowlists(b.Config.Tools.Allowlists)

	proc := processor.New(b.Jobs, chain, reg, b.Attachments, processor.Options{
		MaxToolRounds: b.Config.Chat.MaxToolRounds,
		MaxToolCalls:  b.Config.Chat.MaxToolCalls,
		Stream:        b.Config.LLM.Stream,
	}, b.Logger)

	w := &Workers{}
	var archiver worker.Archiver
	if b.Config.Postgres.DSN != "" {
		pg, err := archive.New(ctx, b.Config.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("初始化归档库失败: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("初始化归档表失败: %w", err)
		}
		w.archive = pg
		archiver = pg
		b.Logger.Info("终态 Job 归档已启用")
	}

	w.Pool = worker.New(b.Jobs, b.Lanes, b.Queue, fsio.NewFileLocker(), proc, archiver, worker.Options{
		PoolSize:  b.Config.Chat.WorkerPoolSize,
		ClaimTTL:  b.Config.Chat.ClaimTTL(),
		ScanEvery: b.Config.Chat.ScanEvery(),
		Retention: b.Config.Chat.Retention(),
	}, b.Logger)
	return w, nil
}

// Start 启动 Worker 池
func (w *Workers) Start(ctx context.Context) {
	w.Pool.Start(ctx)
}

// Stop 停池并关闭归档连接
func (w *Workers) Stop() {
	w.Pool.Stop()
	if w.archive != nil {
		w.archive.Close()
	}
}

// registerBuiltinTools 注册内置工具并声明各自可用的角色；
// web.fetch 仅教师可用，配置白名单可进一步收紧。
func registerBuiltinTools(reg *registry.Registry, b *Bootstrap) error {
	if err := reg.Register(builtin.NewDatetimeTool(), auth.RoleTeacher, auth.RoleStudent); err != nil {
		return err
	}
	if err := reg.Register(builtin.NewAttachmentTool(b.Attachments), auth.RoleTeacher, auth.RoleStudent); err != nil {
		return err
	}
	wf := b.Config.Tools.WebFetch
	timeout := parseDuration(wf.Timeout, 10*time.Second)
	return reg.Register(builtin.NewWebFetchTool(timeout, wf.MaxBytes), auth.RoleTeacher)
}

// parseDuration 解析时长字符串，无效或空时返回 defaultVal
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
