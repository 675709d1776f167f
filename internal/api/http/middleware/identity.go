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

// Package middleware 提供 Chat API 的 Hertz 中间件。
// 认证在上游网关完成，这里只负责把网关注入的身份头透传进请求上下文。
package middleware

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"tutor-platform/pkg/auth"
	"tutor-platform/pkg/utils"
)

// Identity 提取调用方身份并注入请求上下文。
// EventSource 无法自定义请求头，流式端点允许同名 query 参数兜底；
// 头部优先，两者都缺省时身份为空，归属校验会在各端点拒绝访问。
func Identity() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		pick := func(header, query string) string {
			return utils.CoalesceString(c.Request.Header.Get(header), c.Query(query))
		}
		id := auth.Identity{
			Role:      auth.Role(pick("X-Chat-Role", "role")),
			TeacherID: pick("X-Teacher-Id", "teacher_id"),
			StudentID: pick("X-Student-Id", "student_id"),
			SessionID: pick("X-Session-Id", "session_id"),
		}
		c.Next(auth.WithIdentity(ctx, id))
	}
}
