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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"tutor-platform/internal/api/http/middleware"
	"tutor-platform/internal/chat/attachment"
	"tutor-platform/internal/chat/dispatch"
	"tutor-platform/internal/chat/idemp"
	"tutor-platform/internal/chat/jobstore"
	"tutor-platform/internal/chat/lane"
	"tutor-platform/internal/chat/signal"
)

type apiFixture struct {
	handler *Handler
	store   *jobstore.Store
	lanes   lane.Store
	queue   *dispatch.InlineQueue
	attach  *attachment.Store
	signals *signal.Registry
	srv     *server.Hertz
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	signals := signal.New(0, 0)
	store, err := jobstore.New(filepath.Join(dir, "jobs"), signals)
	if err != nil {
		t.Fatalf("jobstore.New: %v", err)
	}
	requests, err := idemp.New(filepath.Join(dir, "requests"))
	if err != nil {
		t.Fatalf("idemp.New: %v", err)
	}
	attach, err := attachment.New(filepath.Join(dir, "attachments"))
	if err != nil {
		t.Fatalf("attachment.New: %v", err)
	}
	lanes := lane.NewInlineStore(lane.Options{MaxQueue: 2, ActiveTTL: time.Minute, Debounce: 300 * time.Millisecond})
	queue := dispatch.NewInlineQueue(16)

	h := NewHandler(store, lanes, queue, requests, attach, signals, nil, Options{LaneMaxQueue: 2, ReplayBatch: 4}, nil)
	r := NewRouter(h, middleware.Identity(), middleware.AccessLog(nil))
	return &apiFixture{
		handler: h,
		store:   store,
		lanes:   lanes,
		queue:   queue,
		attach:  attach,
		signals: signals,
		srv:     r.Build(":0"),
	}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body interface{}, headers ...ut.Header) *ut.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return ut.PerformRequest(f.srv.Engine, "POST", path, &ut.Body{Body: bytes.NewReader(raw), Len: len(raw)}, headers...)
}

func (f *apiFixture) get(t *testing.T, path string, headers ...ut.Header) *ut.ResponseRecorder {
	t.Helper()
	return ut.PerformRequest(f.srv.Engine, "GET", path, &ut.Body{Body: bytes.NewReader(nil), Len: 0}, headers...)
}

func (f *apiFixture) events(t *testing.T, jobID string) []jobstore.Event {
	t.Helper()
	evs, _, err := f.store.LoadEvents(jobID, 0, 0, 0)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	return evs
}

// receiveDispatched 从派发队列领取一个 job_id，超时视为测试失败
func (f *apiFixture) receiveDispatched(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	jobID, err := f.queue.Receive(ctx)
	if err != nil {
		t.Fatalf("等待派发超时: %v", err)
	}
	return jobID
}

func (f *apiFixture) assertNoDispatch(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if jobID, err := f.queue.Receive(ctx); err == nil {
		t.Fatalf("不应有新的派发, got %s", jobID)
	}
}

func studentHeaders() []ut.Header {
	return []ut.Header{
		{Key: "X-Chat-Role", Value: "student"},
		{Key: "X-Student-Id", Value: "stu-1"},
		{Key: "X-Session-Id", Value: "sess-1"},
	}
}

func chatBody(msg string) map[string]interface{} {
	return map[string]interface{}{
		"role":       "student",
		"student_id": "stu-1",
		"session_id": "sess-1",
		"messages":   []map[string]string{{"role": "user", "content": msg}},
	}
}

func decodeChatResponse(t *testing.T, body []byte) chatResponse {
	t.Helper()
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("解析响应失败: %v (%s)", err, body)
	}
	return resp
}

func errorKind(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("解析错误信封失败: %v (%s)", err, body)
	}
	return envelope.Error.Kind
}

func TestCreateChatDispatchesFirstJob(t *testing.T) {
	f := newAPIFixture(t)

	w := f.postJSON(t, "/chat", chatBody("勾股定理怎么证明？"), studentHeaders()...)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d, body = %s", got, w.Result().Body())
	}
	resp := decodeChatResponse(t, w.Result().Body())
	if resp.JobID == "" || resp.LaneID != "student:stu-1:sess-1" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.LaneQueuePosition != 0 || resp.LaneQueueSize != 0 {
		t.Fatalf("首个 Job 应占据 active 槽: %+v", resp)
	}

	if got := f.receiveDispatched(t); got != resp.JobID {
		t.Fatalf("dispatched = %s, want %s", got, resp.JobID)
	}
	job, err := f.store.Get(resp.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != jobstore.StatusQueued || job.Role != "student" || job.StudentID != "stu-1" {
		t.Fatalf("job = %+v", job)
	}
	evs := f.events(t, resp.JobID)
	if len(evs) != 1 || evs[0].Type != jobstore.EventJobQueued {
		t.Fatalf("events = %+v", evs)
	}
}

func TestCreateChatQueuesBehindActiveJob(t *testing.T) {
	f := newAPIFixture(t)

	first := decodeChatResponse(t, f.postJSON(t, "/chat", chatBody("第一题"), studentHeaders()...).Result().Body())
	f.receiveDispatched(t)

	w := f.postJSON(t, "/chat", chatBody("第二题"), studentHeaders()...)
	resp := decodeChatResponse(t, w.Result().Body())
	if resp.JobID == first.JobID {
		t.Fatal("不同消息不应命中去抖")
	}
	if resp.LaneQueuePosition != 1 || resp.LaneQueueSize != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	f.assertNoDispatch(t)
}

func TestCreateChatValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"角色非法", map[string]interface{}{
			"role":     "admin",
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
		}},
		{"消息为空", map[string]interface{}{
			"role":     "student",
			"messages": []map[string]string{},
		}},
		{"request_id 非法", map[string]interface{}{
			"role":       "student",
			"request_id": "bad/../id",
			"messages":   []map[string]string{{"role": "user", "content": "hi"}},
		}},
		{"附件不存在", map[string]interface{}{
			"role":           "student",
			"messages":       []map[string]string{{"role": "user", "content": "hi"}},
			"attachment_ids": []string{"missing-att"},
		}},
	}
	for _, tc := range cases {
		w := f.postJSON(t, "/chat", tc.body, studentHeaders()...)
		if got := w.Result().StatusCode(); got != 400 {
			t.Errorf("%s: status = %d, want 400", tc.name, got)
			continue
		}
		if kind := errorKind(t, w.Result().Body()); kind != "validation" {
			t.Errorf("%s: kind = %s, want validation", tc.name, kind)
		}
	}
}

func TestCreateChatAcceptsExistingAttachment(t *testing.T) {
	f := newAPIFixture(t)
	if err := f.attach.Put("att-essay", "这是一篇作文"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	body := chatBody("帮我看看这篇作文")
	body["attachment_ids"] = []string{"att-essay"}
	w := f.postJSON(t, "/chat", body, studentHeaders()...)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d, body = %s", got, w.Result().Body())
	}
	resp := decodeChatResponse(t, w.Result().Body())
	job, err := f.store.Get(resp.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(job.AttachmentIDs) != 1 || job.AttachmentIDs[0] != "att-essay" {
		t.Fatalf("attachments = %v", job.AttachmentIDs)
	}
}

func TestCreateChatIdempotentByRequestID(t *testing.T) {
	f := newAPIFixture(t)

	body := chatBody("这道题怎么做")
	body["request_id"] = "req-123"
	first := decodeChatResponse(t, f.postJSON(t, "/chat", body, studentHeaders()...).Result().Body())
	f.receiveDispatched(t)

	// 重复提交：换消息也必须命中同一 Job
	body["messages"] = []map[string]string{{"role": "user", "content": "换个问法"}}
	w := f.postJSON(t, "/chat", body, studentHeaders()...)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	second := decodeChatResponse(t, w.Result().Body())
	if second.JobID != first.JobID {
		t.Fatalf("job_id = %s, want %s", second.JobID, first.JobID)
	}
	f.assertNoDispatch(t)
}

func TestCreateChatDebounceReturnsRecentJob(t *testing.T) {
	f := newAPIFixture(t)

	first := decodeChatResponse(t, f.postJSON(t, "/chat", chatBody("一模一样的问题"), studentHeaders()...).Result().Body())
	f.receiveDispatched(t)

	second := decodeChatResponse(t, f.postJSON(t, "/chat", chatBody("一模一样的问题"), studentHeaders()...).Result().Body())
	if second.JobID != first.JobID {
		t.Fatalf("去抖未命中: %s vs %s", second.JobID, first.JobID)
	}
	f.assertNoDispatch(t)

	// 消息不同则指纹不同，不算重复
	third := decodeChatResponse(t, f.postJSON(t, "/chat", chatBody("另一个问题"), studentHeaders()...).Result().Body())
	if third.JobID == first.JobID {
		t.Fatal("不同消息不应命中去抖")
	}
}

func TestCreateChatSaturatedLaneRejectedWithoutRecord(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 3; i++ {
		w := f.postJSON(t, "/chat", chatBody(fmt.Sprintf("问题 %d", i)), studentHeaders()...)
		if got := w.Result().StatusCode(); got != 200 {
			t.Fatalf("第 %d 次提交 status = %d", i, got)
		}
	}

	w := f.postJSON(t, "/chat", chatBody("压垮车道的问题"), studentHeaders()...)
	if got := w.Result().StatusCode(); got != 429 {
		t.Fatalf("status = %d, want 429", got)
	}
	if kind := errorKind(t, w.Result().Body()); kind != "lane_saturated" {
		t.Fatalf("kind = %s", kind)
	}
	active, err := f.store.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("被拒请求不应落记录, active = %d", len(active))
	}
}

func TestCreateChatRejectsAdminIdentity(t *testing.T) {
	f := newAPIFixture(t)

	w := f.postJSON(t, "/chat", chatBody("admin 不能提交"), ut.Header{Key: "X-Chat-Role", Value: "admin"})
	if got := w.Result().StatusCode(); got != 403 {
		t.Fatalf("status = %d, want 403", got)
	}
	if kind := errorKind(t, w.Result().Body()); kind != "not_owner" {
		t.Fatalf("kind = %s", kind)
	}
}

func TestCreateChatRejectsIdentityMismatch(t *testing.T) {
	f := newAPIFixture(t)

	body := chatBody("替别人提问")
	body["student_id"] = "stu-2"
	w := f.postJSON(t, "/chat", body, studentHeaders()...)
	if got := w.Result().StatusCode(); got != 403 {
		t.Fatalf("status = %d, want 403", got)
	}
}

func TestCancelChatQueuedJobAppendsTerminalEvent(t *testing.T) {
	f := newAPIFixture(t)

	resp := decodeChatResponse(t, f.postJSON(t, "/chat", chatBody("取消我"), studentHeaders()...).Result().Body())

	w := f.postJSON(t, "/chat/cancel", map[string]string{"job_id": resp.JobID}, studentHeaders()...)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d, body = %s", got, w.Result().Body())
	}
	var out map[string]string
	if err := json.Unmarshal(w.Result().Body(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["status"] != string(jobstore.StatusCancelled) {
		t.Fatalf("status = %s", out["status"])
	}
	evs := f.events(t, resp.JobID)
	last := evs[len(evs)-1]
	if last.Type != jobstore.EventJobCancelled {
		t.Fatalf("events = %+v", evs)
	}

	// 终态上的重复取消是 no-op，不追加事件
	w = f.postJSON(t, "/chat/cancel", map[string]string{"job_id": resp.JobID}, studentHeaders()...)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("repeat cancel status = %d", got)
	}
	if again := f.events(t, resp.JobID); len(again) != len(evs) {
		t.Fatalf("重复取消追加了事件: %d -> %d", len(evs), len(again))
	}
}

func TestCancelChatProcessingJobOnlyFlipsStatus(t *testing.T) {
	f := newAPIFixture(t)

	resp := decodeChatResponse(t, f.postJSON(t, "/chat", chatBody("执行中取消"), studentHeaders()...).Result().Body())
	if _, err := f.store.MarkProcessing(resp.JobID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	w := f.postJSON(t, "/chat/cancel", map[string]string{"job_id": resp.JobID}, studentHeaders()...)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	job, _ := f.store.Get(resp.JobID)
	if job.Status != jobstore.StatusCancelled {
		t.Fatalf("status = %s", job.Status)
	}
	// 终态事件由 Worker 协作中断后追加，这里不补
	for _, ev := range f.events(t, resp.JobID) {
		if ev.Type == jobstore.EventJobCancelled {
			t.Fatalf("processing 取消不应由 API 补终态事件: %+v", ev)
		}
	}
}

func TestCancelChatOwnershipEnforced(t *testing.T) {
	f := newAPIFixture(t)

	resp := decodeChatResponse(t, f.postJSON(t, "/chat", chatBody("别人取消不了"), studentHeaders()...).Result().Body())

	w := f.postJSON(t, "/chat/cancel", map[string]string{"job_id": resp.JobID},
		ut.Header{Key: "X-Chat-Role", Value: "student"},
		ut.Header{Key: "X-Student-Id", Value: "stu-2"},
	)
	if got := w.Result().StatusCode(); got != 403 {
		t.Fatalf("status = %d, want 403", got)
	}
	job, _ := f.store.Get(resp.JobID)
	if job.Status != jobstore.StatusQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
}

func TestGetJobOwnerAndAdmin(t *testing.T) {
	f := newAPIFixture(t)

	resp := decodeChatResponse(t, f.postJSON(t, "/chat", chatBody("查我"), studentHeaders()...).Result().Body())

	w := f.get(t, "/chat/jobs/"+resp.JobID, studentHeaders()...)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("owner status = %d", got)
	}
	var job jobstore.Job
	if err := json.Unmarshal(w.Result().Body(), &job); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if job.JobID != resp.JobID {
		t.Fatalf("job_id = %s", job.JobID)
	}

	w = f.get(t, "/chat/jobs/"+resp.JobID, ut.Header{Key: "X-Chat-Role", Value: "admin"})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("admin status = %d", got)
	}

	w = f.get(t, "/chat/jobs/"+resp.JobID,
		ut.Header{Key: "X-Chat-Role", Value: "student"},
		ut.Header{Key: "X-Student-Id", Value: "stu-2"},
	)
	if got := w.Result().StatusCode(); got != 403 {
		t.Fatalf("stranger status = %d, want 403", got)
	}

	w = f.get(t, "/chat/jobs/job-missing", studentHeaders()...)
	if got := w.Result().StatusCode(); got != 404 {
		t.Fatalf("missing status = %d, want 404", got)
	}
}

func TestListEventsPaginates(t *testing.T) {
	f := newAPIFixture(t)

	resp := decodeChatResponse(t, f.postJSON(t, "/chat", chatBody("分页"), studentHeaders()...).Result().Body())
	for i := 0; i < 3; i++ {
		if _, err := f.store.AppendEvent(resp.JobID, jobstore.EventAssistantDelta, map[string]interface{}{"text": fmt.Sprintf("片段%d", i)}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	type eventsPage struct {
		Events     []jobstore.Event `json:"events"`
		NextOffset int64            `json:"next_offset"`
	}
	w := f.get(t, "/chat/events?job_id="+resp.JobID+"&limit=2", studentHeaders()...)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	var page eventsPage
	if err := json.Unmarshal(w.Result().Body(), &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Events) != 2 || page.Events[0].EventID != 1 || page.Events[1].EventID != 2 {
		t.Fatalf("第一页 = %+v", page.Events)
	}

	w = f.get(t, fmt.Sprintf("/chat/events?job_id=%s&after_event_id=2&offset=%d", resp.JobID, page.NextOffset), studentHeaders()...)
	var rest eventsPage
	if err := json.Unmarshal(w.Result().Body(), &rest); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rest.Events) != 2 || rest.Events[0].EventID != 3 || rest.Events[1].EventID != 4 {
		t.Fatalf("第二页 = %+v", rest.Events)
	}

	// 无身份访问被拒
	w = f.get(t, "/chat/events?job_id="+resp.JobID)
	if got := w.Result().StatusCode(); got != 403 {
		t.Fatalf("anonymous status = %d, want 403", got)
	}
}

func TestHealthzWithoutRedis(t *testing.T) {
	f := newAPIFixture(t)
	w := f.get(t, "/healthz")
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte(`"status":"ok"`)) {
		t.Fatalf("body = %s", w.Result().Body())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.postJSON(t, "/chat", chatBody("指标"), studentHeaders()...)

	w := f.get(t, "/metrics")
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	if !strings.Contains(string(w.Result().Body()), "tutor_chat_lane_enqueue_total") {
		t.Fatalf("metrics body 缺少指标: %.200s", w.Result().Body())
	}
}
