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
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tutor-platform/internal/tool"
)

const (
	defaultFetchTimeout  = 8 * time.Second
	defaultFetchMaxBytes = 256 * 1024
)

// 仅放行文本类响应，避免把二进制喂给模型。
var allowedContentPrefixes = []string{"text/", "application/json", "application/xml"}

// WebFetchTool 实现 web.fetch：抓取网页文本，只开放给 teacher 角色。
type WebFetchTool struct {
	client   *resty.Client
	maxBytes int
}

// NewWebFetchTool 创建 web.fetch 工具；timeout/maxBytes 非正时取默认值。
func NewWebFetchTool(timeout time.Duration, maxBytes int) *WebFetchTool {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(3)).
		SetHeader("User-Agent", "tutor-platform/1.0")
	return &WebFetchTool{client: client, maxBytes: maxBytes}
}

func (t *WebFetchTool) Name() string { return "web.fetch" }

func (t *WebFetchTool) Description() string {
	return "抓取指定 URL 的文本内容（教师备课资料检索用）。仅支持 http/https，响应截断到配置上限。"
}

func (t *WebFetchTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"url": {Type: "string", Description: "要抓取的网页地址"},
		},
		Required: []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, tctx tool.Context, args map[string]any) (tool.Result, error) {
	raw, _ := args["url"].(string)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return tool.Result{Err: fmt.Sprintf("非法 URL %q，仅支持 http/https", raw)}, nil
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(parsed.String())
	if err != nil {
		return tool.Result{Err: fmt.Sprintf("请求失败: %v", err)}, nil
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		return tool.Result{Err: fmt.Sprintf("目标返回 HTTP %d", resp.StatusCode())}, nil
	}
	contentType := resp.Header().Get("Content-Type")
	if !contentTypeAllowed(contentType) {
		return tool.Result{Err: fmt.Sprintf("不支持的内容类型 %q", contentType)}, nil
	}

	data, err := io.ReadAll(io.LimitReader(body, int64(t.maxBytes)))
	if err != nil {
		return tool.Result{Err: fmt.Sprintf("读取响应失败: %v", err)}, nil
	}
	return tool.Result{Content: string(data)}, nil
}

func contentTypeAllowed(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	for _, prefix := range allowedContentPrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}
