// Copyright 2026 fanjia1024
// Tests for attachment tool

package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutor-platform/internal/chat/attachment"
	"tutor-platform/internal/tool"
)

func newAttachmentStore(t *testing.T) *attachment.Store {
	t.Helper()
	store, err := attachment.New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestAttachmentTool_Name(t *testing.T) {
	at := NewAttachmentTool(newAttachmentStore(t))
	assert.Equal(t, "attachment.read", at.Name())
}

func TestAttachmentTool_Schema(t *testing.T) {
	at := NewAttachmentTool(newAttachmentStore(t))
	schema := at.Schema()
	assert.Equal(t, "object", schema.Type)
	assert.Contains(t, schema.Properties, "attachment_id")
	assert.Equal(t, []string{"attachment_id"}, schema.Required)
}

func TestAttachmentTool_ReadText(t *testing.T) {
	store := newAttachmentStore(t)
	require.NoError(t, store.Put("att-notes", "二次函数顶点式与一般式的互化步骤"))

	at := NewAttachmentTool(store)
	res, err := at.Execute(context.Background(), tool.Context{}, map[string]any{
		"attachment_id": "att-notes",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Err)
	assert.Contains(t, res.Content, "顶点式")
}

func TestAttachmentTool_MaxBytes(t *testing.T) {
	store := newAttachmentStore(t)
	require.NoError(t, store.Put("att-long", strings.Repeat("a", 100)))

	at := NewAttachmentTool(store)
	res, err := at.Execute(context.Background(), tool.Context{}, map[string]any{
		"attachment_id": "att-long",
		"max_bytes":     float64(10),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Err)
	assert.Len(t, res.Content, 10)
}

func TestAttachmentTool_Missing(t *testing.T) {
	at := NewAttachmentTool(newAttachmentStore(t))

	res, err := at.Execute(context.Background(), tool.Context{}, map[string]any{
		"attachment_id": "att-nope",
	})
	require.NoError(t, err)
	assert.Contains(t, res.Err, "附件读取失败")
}

func TestAttachmentTool_InvalidID(t *testing.T) {
	at := NewAttachmentTool(newAttachmentStore(t))

	res, err := at.Execute(context.Background(), tool.Context{}, map[string]any{
		"attachment_id": "../etc/passwd",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Err)
}
