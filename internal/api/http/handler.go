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

// Package http 提供 Chat API 的 HTTP 入口：提交、取消、查询与 SSE 流式读取。
// 入口只做校验、幂等、去抖与车道入队，Job 的执行在 Worker 池内进行。
package http

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/redis/go-redis/v9"

	"tutor-platform/internal/chat/attachment"
	"tutor-platform/internal/chat/dispatch"
	"tutor-platform/internal/chat/idemp"
	"tutor-platform/internal/chat/jobstore"
	"tutor-platform/internal/chat/lane"
	"tutor-platform/internal/chat/signal"
	"tutor-platform/pkg/auth"
	perrors "tutor-platform/pkg/errors"
	"tutor-platform/pkg/log"
	"tutor-platform/pkg/metrics"
)

// Options HTTP 层参数。
type Options struct {
	// LaneMaxQueue 饱和预检的队列上限，与车道存储配置保持一致。
	LaneMaxQueue int
	// StreamWait 流式端点单次等待新事件的上限。
	StreamWait time.Duration
	// ReplayBatch 事件回放批大小，也是 /chat/events 的默认分页。
	ReplayBatch int
}

func (o Options) withDefaults() Options {
	if o.LaneMaxQueue <= 0 {
		o.LaneMaxQueue = 3
	}
	if o.StreamWait <= 0 {
		o.StreamWait = 5 * time.Second
	}
	if o.ReplayBatch <= 0 {
		o.ReplayBatch = 256
	}
	return o
}

// Handler Chat API 处理器。
type Handler struct {
	store    *jobstore.Store
	lanes    lane.Store
	queue    dispatch.Queue
	requests *idemp.Store
	attach   *attachment.Store
	signals  *signal.Registry
	rdb      *redis.Client
	opts     Options
	logger   *log.Logger
}

// NewHandler 创建处理器；rdb 仅 rq 后端时非 nil，用于健康检查。
func NewHandler(
	store *jobstore.Store,
	lanes lane.Store,
	queue dispatch.Queue,
	requests *idemp.Store,
	attach *attachment.Store,
	signals *signal.Registry,
	rdb *redis.Client,
	opts Options,
	logger *log.Logger,
) *Handler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Handler{
		store:    store,
		lanes:    lanes,
		queue:    queue,
		requests: requests,
		attach:   attach,
		signals:  signals,
		rdb:      rdb,
		opts:     opts.withDefaults(),
		logger:   logger.Named("api"),
	}
}

// writeError 按错误分类写统一错误信封。
func writeError(ctx *app.RequestContext, err error) {
	kind := perrors.KindOf(err)
	ctx.JSON(perrors.HTTPStatus(kind), map[string]interface{}{
		"error": map[string]string{
			"kind":    string(kind),
			"message": perrors.MessageOf(err),
		},
	})
}

// loadOwnedJob 读取 Job 并校验调用方归属；admin 放行，其余要求
// 角色与对应行为者 ID 同 Job 记录一致。
func (h *Handler) loadOwnedJob(c context.Context, jobID string) (*jobstore.Job, error) {
	job, err := h.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	id, _ := auth.GetIdentity(c)
	if !id.OwnsJob(auth.Role(job.Role), job.TeacherID, job.StudentID, job.SessionID) {
		return nil, perrors.New(perrors.KindNotOwner, "job belongs to another actor")
	}
	return job, nil
}

// appendEvent 追加事件；失败按约定记日志后吞掉
func (h *Handler) appendEvent(jobID string, typ jobstore.EventType, payload map[string]interface{}) {
	if _, err := h.store.AppendEvent(jobID, typ, payload); err != nil {
		h.logger.Error("追加事件失败", "job_id", jobID, "type", string(typ), "error", err)
	}
}

// parseEventID 解析 event_id 游标；非法或负值按 0 处理。
func parseEventID(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// Healthz 存活探针；rq 后端时附带 Redis 连通性。
func (h *Handler) Healthz(c context.Context, ctx *app.RequestContext) {
	if h.rdb != nil {
		if err := h.rdb.Ping(c).Err(); err != nil {
			h.logger.Warn("redis ping 失败", "error", err)
			ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Metrics Prometheus 文本格式指标。
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
