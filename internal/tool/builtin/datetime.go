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

// Package builtin 提供内置会话工具。
package builtin

import (
	"context"
	"fmt"
	"time"

	"tutor-platform/internal/tool"
)

// DatetimeTool 实现 datetime.now：返回当前时间，供模型回答时间相关问题。
type DatetimeTool struct {
	now func() time.Time
}

// NewDatetimeTool 创建 datetime.now 工具。
func NewDatetimeTool() *DatetimeTool {
	return &DatetimeTool{now: time.Now}
}

func (t *DatetimeTool) Name() string { return "datetime.now" }

func (t *DatetimeTool) Description() string {
	return "获取当前日期与时间。可选传入 IANA 时区名（如 Asia/Shanghai），缺省为 UTC。"
}

func (t *DatetimeTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"timezone": {Type: "string", Description: "IANA 时区名，可选"},
		},
	}
}

func (t *DatetimeTool) Execute(ctx context.Context, tctx tool.Context, args map[string]any) (tool.Result, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return tool.Result{Err: fmt.Sprintf("未知时区 %q", tz)}, nil
		}
		loc = parsed
	}
	now := t.now().In(loc)
	return tool.Result{
		Content: fmt.Sprintf("%s（%s）", now.Format(time.RFC3339), now.Weekday()),
	}, nil
}
