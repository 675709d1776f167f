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

package builtin

import (
	"context"
	"fmt"

	"tutor-platform/internal/chat/attachment"
	"tutor-platform/internal/tool"
)

const attachmentReadMaxBytes = 64 * 1024

// AttachmentTool 实现 attachment.read：读取已抽取的附件文本。
type AttachmentTool struct {
	store *attachment.Store
}

// NewAttachmentTool 创建 attachment.read 工具。
func NewAttachmentTool(store *attachment.Store) *AttachmentTool {
	return &AttachmentTool{store: store}
}

func (t *AttachmentTool) Name() string { return "attachment.read" }

func (t *AttachmentTool) Description() string {
	return "读取指定附件的抽取文本。用于在回答时引用用户上传的讲义、作业等材料。"
}

func (t *AttachmentTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"attachment_id": {Type: "string", Description: "附件 ID"},
			"max_bytes":     {Type: "integer", Description: "最多读取的字节数，可选"},
		},
		Required: []string{"attachment_id"},
	}
}

func (t *AttachmentTool) Execute(ctx context.Context, tctx tool.Context, args map[string]any) (tool.Result, error) {
	id, _ := args["attachment_id"].(string)
	maxBytes := attachmentReadMaxBytes
	if v, ok := args["max_bytes"].(float64); ok && v > 0 && int(v) < maxBytes {
		maxBytes = int(v)
	}
	text, err := t.store.ReadText(id, maxBytes)
	if err != nil {
		return tool.Result{Err: fmt.Sprintf("附件读取失败: %v", err)}, nil
	}
	return tool.Result{Content: text}, nil
}
