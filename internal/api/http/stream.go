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

package http

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/sse"

	"tutor-platform/internal/chat/jobstore"
	perrors "tutor-platform/pkg/errors"
	"tutor-platform/pkg/metrics"
)

// sseRetry 客户端重连间隔，随每帧下发。
const sseRetry = time.Second

// eventPublisher SSE 推送端；生产实现为 hertz-contrib/sse 的 Stream。
type eventPublisher interface {
	Publish(event *sse.Event) error
}

// StreamEvents 把事件日志以 SSE 推给客户端：先回放游标之后的积压，
// 追平后靠信号注册表等待新事件，首个终态事件发出即关闭。
// GET /chat/stream?job_id=…&last_event_id=…
//
// 断线续传游标取 last_event_id 参数与 Last-Event-ID 头的较大者，
// EventSource 自动重连只会带头部。
func (h *Handler) StreamEvents(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Query("job_id")
	if jobID == "" {
		writeError(ctx, perrors.New(perrors.KindValidation, "job_id is required"))
		return
	}
	if _, err := h.loadOwnedJob(c, jobID); err != nil {
		writeError(ctx, err)
		return
	}

	cursor := parseEventID(ctx.Query("last_event_id"))
	if v := parseEventID(sse.GetLastEventID(ctx)); v > cursor {
		cursor = v
	}

	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(consts.StatusOK)
	stream := sse.NewStream(ctx)
	if err := h.streamEvents(c, stream, jobID, cursor); err != nil {
		h.logger.Info("流式推送中断", "job_id", jobID, "error", err)
	}
}

// streamEvents 回放加跟读循环。推送失败（多为客户端断开）即返回；
// 等待超时只是空转一圈，事件始终以日志为准。
func (h *Handler) streamEvents(c context.Context, pub eventPublisher, jobID string, after int64) error {
	var offset, version int64
	for {
		for {
			events, next, err := h.store.LoadEvents(jobID, after, offset, h.opts.ReplayBatch)
			if err != nil {
				return err
			}
			offset = next
			for _, ev := range events {
				if perr := publishEvent(pub, ev); perr != nil {
					return perr
				}
				after = ev.EventID
				if ev.Type.Terminal() {
					return nil
				}
			}
			if len(events) < h.opts.ReplayBatch {
				break
			}
		}

		job, err := h.store.Get(jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			// 终态事件先落日志再改状态，这里再读一轮就能拿到收尾事件；
			// 竞争窗口里读不到时直接关闭，客户端重连后续传
			return h.drainTail(pub, jobID, after, offset)
		}

		if c.Err() != nil {
			return nil
		}
		version = h.signals.Wait(c, jobID, version, h.opts.StreamWait)
	}
}

// drainTail 终态后的尾部补读，最多消费到终态事件。
func (h *Handler) drainTail(pub eventPublisher, jobID string, after, offset int64) error {
	events, _, err := h.store.LoadEvents(jobID, after, offset, 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if perr := publishEvent(pub, ev); perr != nil {
			return perr
		}
		if ev.Type.Terminal() {
			return nil
		}
	}
	return nil
}

func publishEvent(pub eventPublisher, ev jobstore.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return pub.Publish(&sse.Event{
		ID:    strconv.FormatInt(ev.EventID, 10),
		Event: string(ev.Type),
		Retry: uint64(sseRetry.Milliseconds()),
		Data:  data,
	})
}
