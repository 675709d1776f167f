// Package tool 定义会话处理循环可调用的工具接口。
// 工具失败只作为 tool.result 事件反哺模型，从不让 Job 失败，
// 因此 Execute 的业务失败放在 Result.Err 里，error 仅表示内部问题。
package tool

import (
	"context"

	"tutor-platform/pkg/auth"
)

// Schema 工具入参的 JSON Schema（供 LLM function-calling 与参数校验使用）
type Schema struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty Schema 中单个属性的描述
type SchemaProperty struct {
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Context 工具执行时的调用方上下文，用于权限判断与审计
type Context struct {
	JobID     string
	Role      auth.Role
	TeacherID string
	StudentID string
	SessionID string
	Skill     string
}

// Result 工具执行结果；Err 非空表示业务失败，会原样进入 tool.result 事件
type Result struct {
	Content string `json:"content"`
	Err     string `json:"error,omitempty"`
}

// Tool 会话工具接口
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	Execute(ctx context.Context, tctx Context, args map[string]any) (Result, error)
}
