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

// Package processor 驱动单个 Chat Job 的 LLM + 工具循环：
// 组装提示词，调用网关，按序派发工具调用，把过程写成事件日志。
// 工具失败只作为 tool.result 反哺模型，从不让 Job 失败；LLM 失败让 Job 失败。
package processor

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/schema"

	"tutor-platform/internal/chat/attachment"
	"tutor-platform/internal/chat/jobstore"
	"tutor-platform/internal/model/llm"
	"tutor-platform/internal/tool"
	"tutor-platform/internal/tool/registry"
	"tutor-platform/pkg/auth"
	perrors "tutor-platform/pkg/errors"
	"tutor-platform/pkg/log"
)

// 事件 payload 里内容字段的截断长度（完整内容仍喂给模型）
const eventContentMax = 2048

// Options 处理循环的上限与开关
type Options struct {
	// MaxToolRounds 含工具调用的 LLM 轮数上限
	MaxToolRounds int
	// MaxToolCalls 单 Job 累计工具调用上限
	MaxToolCalls int
	// Stream 为 true 时走网关流式接口，逐分片追加 assistant.delta
	Stream bool
}

func (o Options) withDefaults() Options {
	if o.MaxToolRounds <= 0 {
		o.MaxToolRounds = 5
	}
	if o.MaxToolCalls <= 0 {
		o.MaxToolCalls = 12
	}
	return o
}

// Outcome 处理结果；Worker 据此写终态事件与记录。
// TerminalLogged 为 true 表示终态事件已由处理循环追加（目前只有取消路径），
// Worker 不再重复追加。
type Outcome struct {
	Status         jobstore.Status
	Reply          string
	ErrInfo        *jobstore.ErrorInfo
	TerminalLogged bool
}

// Processor 单 Job 处理器；跨 Job 并发安全
type Processor struct {
	store    *jobstore.Store
	gateway  llm.Gateway
	registry *registry.Registry
	attach   *attachment.Store
	opts     Options
	logger   *log.Logger
}

// New 创建处理器；attach 可为 nil（无附件能力的部署）
func New(store *jobstore.Store, gateway llm.Gateway, reg *registry.Registry, attach *attachment.Store, opts Options, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Processor{
		store:    store,
		gateway:  gateway,
		registry: reg,
		attach:   attach,
		opts:     opts.withDefaults(),
		logger:   logger.Named("processor"),
	}
}

// Run 执行处理循环直到产出终态。
// 返回 error 表示循环被进程停机中断、未产出终态：调用方释放 claim 即可，
// 恢复扫描会把 Job 重新派发。
func (p *Processor) Run(ctx context.Context, job *jobstore.Job) (Outcome, error) {
	msgs := p.buildMessages(job)
	role := auth.Role(job.Role)
	skill := effectiveSkill(job.Skill)
	tools := p.registry.Infos(role, skill)

	rounds, calls := 0, 0
	for {
		// 每轮 LLM 调用前检查取消，保证取消在轮间生效
		if out, stop := p.cancelledOutcome(job.JobID); stop {
			return out, nil
		}

		resp, err := p.gateway.Generate(ctx, &llm.Request{
			Messages: msgs,
			Tools:    tools,
			Stream:   p.opts.Stream,
		})
		if err != nil {
			if ctx.Err() != nil {
				if out, stop := p.cancelledOutcome(job.JobID); stop {
					return out, nil
				}
				return Outcome{}, ctx.Err()
			}
			return p.failedOutcome(job.JobID, err), nil
		}

		// 流式分片先落事件；Deltas 关闭前 Message 字段尚未就绪
		if resp.Deltas != nil {
			for delta := range resp.Deltas {
				p.appendEvent(job.JobID, jobstore.EventAssistantDelta, map[string]interface{}{"text": delta})
			}
			if serr := resp.Err(); serr != nil {
				return p.failedOutcome(job.JobID, perrors.WrapKind(serr, perrors.KindGatewayFailure, "stream interrupted")), nil
			}
		}
		if resp.Message == nil {
			return p.failedOutcome(job.JobID, perrors.New(perrors.KindGatewayFailure, "provider returned empty message")), nil
		}

		if !resp.HasToolCalls() {
			text := resp.Text()
			if resp.Deltas == nil {
				// 非流式网关：整段回复作为单个分片
				p.appendEvent(job.JobID, jobstore.EventAssistantDelta, map[string]interface{}{"text": text})
			}
			p.appendEvent(job.JobID, jobstore.EventAssistantDone, map[string]interface{}{"text": text})
			return Outcome{Status: jobstore.StatusDone, Reply: text}, nil
		}

		rounds++
		calls += len(resp.Message.ToolCalls)
		if rounds > p.opts.MaxToolRounds || calls > p.opts.MaxToolCalls {
			return Outcome{
				Status: jobstore.StatusFailed,
				ErrInfo: &jobstore.ErrorInfo{
					Kind:    string(perrors.KindToolBudgetExceeded),
					Message: "tool budget exceeded",
				},
			}, nil
		}

		msgs = append(msgs, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			msgs = append(msgs, p.execToolCall(ctx, job, call))
		}
	}
}

// cancelledOutcome 读最新记录；已取消时追加 job.cancelled 并返回终态
func (p *Processor) cancelledOutcome(jobID string) (Outcome, bool) {
	cur, err := p.store.Get(jobID)
	if err != nil {
		p.logger.Warn("读取 Job 记录失败，继续处理", "job_id", jobID, "error", err)
		return Outcome{}, false
	}
	if cur.Status != jobstore.StatusCancelled {
		return Outcome{}, false
	}
	p.appendEvent(jobID, jobstore.EventJobCancelled, map[string]interface{}{"reason": "cancel_requested"})
	return Outcome{Status: jobstore.StatusCancelled, TerminalLogged: true}, true
}

func (p *Processor) failedOutcome(jobID string, err error) Outcome {
	kind := perrors.KindOf(err)
	if kind != perrors.KindGatewayFailure {
		kind = perrors.KindInternal
	}
	p.logger.Error("处理循环失败", "job_id", jobID, "kind", string(kind), "error", err)
	return Outcome{
		Status: jobstore.StatusFailed,
		ErrInfo: &jobstore.ErrorInfo{
			Kind:    string(kind),
			Message: perrors.MessageOf(err),
		},
	}
}

// execToolCall 执行单个工具调用并追加 tool.start / tool.result 事件。
// 未注册、越权、参数非法的调用不派发，直接以 tool.result 记录原因。
// 返回回灌给模型的 tool 消息。
func (p *Processor) execToolCall(ctx context.Context, job *jobstore.Job, call schema.ToolCall) *schema.Message {
	name := call.Function.Name
	role := auth.Role(job.Role)
	skill := effectiveSkill(job.Skill)

	result := func(payload map[string]interface{}) *schema.Message {
		p.appendEvent(job.JobID, jobstore.EventToolResult, payload)
		raw, err := json.Marshal(payload)
		if err != nil {
			raw = []byte(`{"error":"internal"}`)
		}
		return schema.ToolMessage(string(raw), call.ID, schema.WithToolName(name))
	}

	if !p.registry.Allowed(role, skill, name) {
		return result(map[string]interface{}{
			"tool":       name,
			"call_id":    call.ID,
			"error":      "tool not allowed for this role",
			"error_kind": "permission_denied",
		})
	}

	args, perr := parseArguments(call.Function.Arguments)
	if perr != nil {
		return result(map[string]interface{}{
			"tool":       name,
			"call_id":    call.ID,
			"error":      "arguments are not valid JSON",
			"error_kind": string(perrors.KindToolInvalidArgs),
		})
	}
	if issues := p.registry.Validate(name, args); len(issues) > 0 {
		return result(map[string]interface{}{
			"tool":       name,
			"call_id":    call.ID,
			"error":      "arguments rejected by schema",
			"error_kind": string(perrors.KindToolInvalidArgs),
			"issues":     issues,
		})
	}

	p.appendEvent(job.JobID, jobstore.EventToolStart, map[string]interface{}{
		"tool":    name,
		"call_id": call.ID,
		"args":    truncateRunes(call.Function.Arguments, eventContentMax),
	})

	tctx := tool.Context{
		JobID:     job.JobID,
		Role:      role,
		TeacherID: job.TeacherID,
		StudentID: job.StudentID,
		SessionID: job.SessionID,
		Skill:     skill,
	}
	res, err := p.registry.Dispatch(ctx, tctx, name, args)
	switch {
	case err != nil:
		return result(map[string]interface{}{
			"tool":       name,
			"call_id":    call.ID,
			"error":      perrors.MessageOf(err),
			"error_kind": string(perrors.KindOf(err)),
		})
	case res.Err != "":
		return result(map[string]interface{}{
			"tool":    name,
			"call_id": call.ID,
			"error":   res.Err,
		})
	default:
		p.appendEvent(job.JobID, jobstore.EventToolResult, map[string]interface{}{
			"tool":    name,
			"call_id": call.ID,
			"content": truncateRunes(res.Content, eventContentMax),
		})
		raw, merr := json.Marshal(map[string]interface{}{"content": res.Content})
		if merr != nil {
			raw = []byte(`{"error":"internal"}`)
		}
		return schema.ToolMessage(string(raw), call.ID, schema.WithToolName(name))
	}
}

// buildMessages 系统提示词 + 历史消息
func (p *Processor) buildMessages(job *jobstore.Job) []*schema.Message {
	excerpts, order := p.loadExcerpts(job)
	msgs := []*schema.Message{schema.SystemMessage(buildSystemPrompt(job, excerpts, order))}
	for _, m := range job.Messages {
		switch m.Role {
		case "user":
			msgs = append(msgs, schema.UserMessage(m.Content))
		case "assistant":
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		case "system":
			msgs = append(msgs, schema.SystemMessage(m.Content))
		}
	}
	return msgs
}

// loadExcerpts 读取附件文本摘录；单件与总量都有上限，读失败跳过
func (p *Processor) loadExcerpts(job *jobstore.Job) (map[string]string, []string) {
	if p.attach == nil || len(job.AttachmentIDs) == 0 {
		return nil, nil
	}
	excerpts := make(map[string]string, len(job.AttachmentIDs))
	var order []string
	budget := excerptBytesTotal
	for _, id := range job.AttachmentIDs {
		if budget <= 0 {
			break
		}
		limit := excerptBytesPerAttachment
		if limit > budget {
			limit = budget
		}
		text, err := p.attach.ReadText(id, limit)
		if err != nil {
			p.logger.Warn("附件摘录读取失败", "job_id", job.JobID, "attachment_id", id, "error", err)
			continue
		}
		excerpts[id] = text
		order = append(order, id)
		budget -= len(text)
	}
	return excerpts, order
}

func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// appendEvent 追加事件；失败按约定记日志后吞掉
func (p *Processor) appendEvent(jobID string, typ jobstore.EventType, payload map[string]interface{}) {
	if _, err := p.store.AppendEvent(jobID, typ, payload); err != nil {
		p.logger.Error("追加事件失败", "job_id", jobID, "type", string(typ), "error", err)
	}
}
