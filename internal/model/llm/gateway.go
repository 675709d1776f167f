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

// Package llm 提供统一的 LLM 网关：处理循环只面向 Gateway 接口，
// 生产实现 Chain 按配置顺序在多个 OpenAI 兼容目标间做限流、重试与回退。
package llm

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// Gateway LLM 网关接口；测试用脚本化假实现替换
type Gateway interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request 一次模型调用的输入
type Request struct {
	Messages []*schema.Message
	// Tools 本轮允许模型调用的工具；空表示纯对话
	Tools []*schema.ToolInfo
	// Temperature 覆盖目标配置；nil 使用目标默认
	Temperature *float32
	// MaxTokens 覆盖目标配置；0 使用目标默认
	MaxTokens int
	// Stream 为 true 时走流式接口，增量文本经 Response.Deltas 吐出
	Stream bool
}

// Usage token 用量统计
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response 一次模型调用的结果。
//
// 非流式调用返回时全部字段已就绪，Deltas 为 nil。
// 流式调用返回时后台仍在消费上游流：调用方必须先把 Deltas 读完
// （通道关闭），之后才能读 Message/FinishReason/Usage/Err。
// 流中途出错不再重试（增量已经吐给调用方），错误由 Err 返回。
type Response struct {
	// Provider 实际服务本次请求的目标名
	Provider     string
	Message      *schema.Message
	FinishReason string
	Usage        Usage
	Deltas       <-chan string

	err error
}

// Err 流式调用的终态错误；仅在 Deltas 关闭后有效
func (r *Response) Err() error { return r.err }

// Text 助手回复文本；Message 为 nil 时返回空串
func (r *Response) Text() string {
	if r.Message == nil {
		return ""
	}
	return r.Message.Content
}

// HasToolCalls 本轮模型是否要求调用工具
func (r *Response) HasToolCalls() bool {
	return r.Message != nil && len(r.Message.ToolCalls) > 0
}
