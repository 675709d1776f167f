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
	"errors"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"tutor-platform/internal/chat/idemp"
	"tutor-platform/internal/chat/jobstore"
	"tutor-platform/internal/chat/lane"
	"tutor-platform/pkg/auth"
	perrors "tutor-platform/pkg/errors"
	"tutor-platform/pkg/metrics"
)

// eventPageLimit /chat/events 单页上限。
const eventPageLimit = 1000

// chatRequest POST /chat 请求体。
type chatRequest struct {
	Role          string             `json:"role"`
	Skill         string             `json:"skill,omitempty"`
	SessionID     string             `json:"session_id,omitempty"`
	TeacherID     string             `json:"teacher_id,omitempty"`
	StudentID     string             `json:"student_id,omitempty"`
	RequestID     string             `json:"request_id,omitempty"`
	Messages      []jobstore.Message `json:"messages"`
	AttachmentIDs []string           `json:"attachment_ids,omitempty"`
}

// chatResponse POST /chat 响应；position 为 0 表示 Job 直接占据 active 槽。
type chatResponse struct {
	JobID             string `json:"job_id"`
	LaneID            string `json:"lane_id"`
	LaneQueuePosition int    `json:"lane_queue_position"`
	LaneQueueSize     int    `json:"lane_queue_size"`
}

// CreateChat 提交一次会话处理。
// POST /chat
//
// 顺序：校验 → 幂等命中 → 去抖命中 → 饱和预检 → 建记录 + 绑定 request_id
// + job.queued → 车道入队 → 拿到派发权时投递。饱和预检保证打满的车道
// 不产生任何记录；入队时再饱和（竞争窗口）则把已建记录置为 failed。
func (h *Handler) CreateChat(c context.Context, ctx *app.RequestContext) {
	var req chatRequest
	if err := ctx.BindJSON(&req); err != nil {
		writeError(ctx, perrors.New(perrors.KindValidation, "invalid request body"))
		return
	}
	role, ok := auth.ParseRole(req.Role)
	if !ok {
		writeError(ctx, perrors.Newf(perrors.KindValidation, "unsupported role %q", req.Role))
		return
	}
	if len(req.Messages) == 0 {
		writeError(ctx, perrors.New(perrors.KindValidation, "messages must not be empty"))
		return
	}
	if req.RequestID != "" && !idemp.ValidRequestID(req.RequestID) {
		writeError(ctx, perrors.Newf(perrors.KindValidation, "invalid request_id %q", req.RequestID))
		return
	}
	// 客户端未带 request_id 时补一个，保证每个 Job 都有可查的提交标识
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	for _, att := range req.AttachmentIDs {
		if !h.attach.Exists(att) {
			writeError(ctx, perrors.Newf(perrors.KindValidation, "attachment %s not found", att))
			return
		}
	}

	// 网关注入了身份时，归属字段缺省取身份，且不允许替别人提交
	if id, _ := auth.GetIdentity(c); id.Role != "" {
		if !auth.HasPermission(id.Role, auth.PermissionChatCreate) {
			writeError(ctx, perrors.Newf(perrors.KindNotOwner, "role %s cannot create chat jobs", id.Role))
			return
		}
		if req.TeacherID == "" {
			req.TeacherID = id.TeacherID
		}
		if req.StudentID == "" {
			req.StudentID = id.StudentID
		}
		if req.SessionID == "" {
			req.SessionID = id.SessionID
		}
		if !id.OwnsJob(role, req.TeacherID, req.StudentID, req.SessionID) {
			writeError(ctx, perrors.New(perrors.KindNotOwner, "identity does not match job owner"))
			return
		}
	}

	actorID := auth.ActorID(role, req.TeacherID, req.StudentID)
	laneID := lane.LaneID(role, actorID, req.SessionID)

	if jobID, hit := h.requests.Lookup(req.RequestID, h.store.Exists); hit {
		h.respondExisting(c, ctx, jobID)
		return
	}

	job := &jobstore.Job{
		JobID:         "job-" + uuid.NewString(),
		Role:          string(role),
		Skill:         req.Skill,
		SessionID:     req.SessionID,
		TeacherID:     req.TeacherID,
		StudentID:     req.StudentID,
		RequestID:     req.RequestID,
		Messages:      req.Messages,
		AttachmentIDs: req.AttachmentIDs,
		LaneID:        laneID,
		Status:        jobstore.StatusQueued,
	}

	fp := lane.Fingerprint(role, actorID, req.SessionID, job.LastUserContent())
	if recentID, hit, err := h.lanes.RecentJob(c, laneID, fp); err == nil && hit && h.store.Exists(recentID) {
		h.respondExisting(c, ctx, recentID)
		return
	}

	info, err := h.lanes.Load(c, laneID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if info.Active > 0 && info.Queued >= h.opts.LaneMaxQueue {
		metrics.LaneSaturatedTotal.Inc()
		writeError(ctx, perrors.ErrLaneSaturated)
		return
	}

	if err := h.store.Create(job); err != nil {
		writeError(ctx, err)
		return
	}
	boundID, created, err := h.requests.Bind(req.RequestID, job.JobID)
	if err != nil {
		h.failJob(job.JobID, perrors.KindInternal, "request binding failed")
		writeError(ctx, err)
		return
	}
	if !created {
		// 并发同 request_id 提交竞争失败：废弃本记录，返回赢家
		_, _ = h.store.MarkTerminal(job.JobID, jobstore.StatusCancelled, "", nil)
		h.appendEvent(job.JobID, jobstore.EventJobCancelled, map[string]interface{}{"reason": "duplicate_request"})
		h.respondExisting(c, ctx, boundID)
		return
	}
	h.appendEvent(job.JobID, jobstore.EventJobQueued, map[string]interface{}{"lane_id": laneID})

	enq, err := h.lanes.Enqueue(c, laneID, job.JobID)
	if err != nil {
		if errors.Is(err, perrors.ErrLaneSaturated) {
			metrics.LaneSaturatedTotal.Inc()
			h.failJob(job.JobID, perrors.KindLaneSaturated, "lane saturated")
		} else {
			h.failJob(job.JobID, perrors.KindInternal, "lane enqueue failed")
		}
		writeError(ctx, err)
		return
	}
	metrics.LaneEnqueueTotal.WithLabelValues(strconv.FormatBool(enq.Dispatch)).Inc()

	if enq.Dispatch {
		if err := h.queue.Dispatch(c, job.JobID); err != nil {
			// 车道占位已成立，周期扫描会补投；提交本身算成功
			h.logger.Error("派发失败", "job_id", job.JobID, "error", err)
		}
	}
	if err := h.lanes.RegisterRecent(c, laneID, fp, job.JobID); err != nil {
		h.logger.Warn("登记去抖指纹失败", "lane_id", laneID, "error", err)
	}

	ctx.JSON(consts.StatusOK, chatResponse{
		JobID:             job.JobID,
		LaneID:            laneID,
		LaneQueuePosition: enq.Position,
		LaneQueueSize:     enq.QueueSize,
	})
}

// respondExisting 以既有 Job 回复提交请求（幂等或去抖命中）。
func (h *Handler) respondExisting(c context.Context, ctx *app.RequestContext, jobID string) {
	job, err := h.store.Get(jobID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	pos, err := h.lanes.Position(c, job.LaneID, jobID)
	if err != nil {
		pos = 0
	}
	info, err := h.lanes.Load(c, job.LaneID)
	if err != nil {
		info = lane.Info{}
	}
	ctx.JSON(consts.StatusOK, chatResponse{
		JobID:             job.JobID,
		LaneID:            job.LaneID,
		LaneQueuePosition: pos,
		LaneQueueSize:     info.Queued,
	})
}

// failJob 把刚建好的记录置为 failed 并补终态事件；入队失败路径用。
func (h *Handler) failJob(jobID string, kind perrors.Kind, msg string) {
	errInfo := &jobstore.ErrorInfo{Kind: string(kind), Message: msg}
	if _, err := h.store.MarkTerminal(jobID, jobstore.StatusFailed, "", errInfo); err != nil {
		h.logger.Error("写终态失败", "job_id", jobID, "error", err)
	}
	h.appendEvent(jobID, jobstore.EventJobFailed, map[string]interface{}{
		"error_kind": string(kind),
		"message":    msg,
	})
}

// cancelRequest POST /chat/cancel 请求体。
type cancelRequest struct {
	JobID string `json:"job_id"`
}

// CancelChat 请求取消 Job。
// POST /chat/cancel
//
// queued 的 Job 还没有 Worker 认领，这里直接补 job.cancelled 事件；
// processing 的只置状态，Worker 轮询发现后协作中断并补事件；
// 已终态的取消是 no-op，返回当前状态。
func (h *Handler) CancelChat(c context.Context, ctx *app.RequestContext) {
	var req cancelRequest
	if err := ctx.BindJSON(&req); err != nil || req.JobID == "" {
		writeError(ctx, perrors.New(perrors.KindValidation, "job_id is required"))
		return
	}
	job, err := h.loadOwnedJob(c, req.JobID)
	if err != nil {
		writeError(ctx, err)
		return
	}

	updated, prior, err := h.store.RequestCancel(job.JobID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if prior == jobstore.StatusQueued {
		h.appendEvent(job.JobID, jobstore.EventJobCancelled, map[string]interface{}{"reason": "cancel_requested"})
	}
	ctx.JSON(consts.StatusOK, map[string]string{
		"job_id": job.JobID,
		"status": string(updated.Status),
	})
}

// GetJob 查询 Job 记录（归属者或 admin）。
// GET /chat/jobs/:job_id
func (h *Handler) GetJob(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("job_id")
	if jobID == "" {
		writeError(ctx, perrors.New(perrors.KindValidation, "job_id is required"))
		return
	}
	job, err := h.loadOwnedJob(c, jobID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, job)
}

// ListEvents 增量拉取事件日志；查询轮询端用，游标语义与流式端点一致。
// GET /chat/events?job_id=…&after_event_id=…&offset=…&limit=…
func (h *Handler) ListEvents(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Query("job_id")
	if jobID == "" {
		writeError(ctx, perrors.New(perrors.KindValidation, "job_id is required"))
		return
	}
	if _, err := h.loadOwnedJob(c, jobID); err != nil {
		writeError(ctx, err)
		return
	}

	after := parseEventID(ctx.Query("after_event_id"))
	offset := parseEventID(ctx.Query("offset"))
	limit := int(parseEventID(ctx.Query("limit")))
	if limit <= 0 {
		limit = h.opts.ReplayBatch
	}
	if limit > eventPageLimit {
		limit = eventPageLimit
	}

	events, next, err := h.store.LoadEvents(jobID, after, offset, limit)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if events == nil {
		events = []jobstore.Event{}
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"events":      events,
		"next_offset": next,
	})
}
