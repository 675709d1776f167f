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

package middleware

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"

	"tutor-platform/pkg/auth"
	"tutor-platform/pkg/log"
)

// AccessLog 结构化访问日志。注册在 Identity 之后才能拿到角色字段。
func AccessLog(logger *log.Logger) app.HandlerFunc {
	if logger == nil {
		logger = log.NewNop()
	}
	l := logger.Named("http")
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		id, _ := auth.GetIdentity(ctx)
		l.Info("access",
			"method", string(c.Method()),
			"path", string(c.Path()),
			"status", c.Response.StatusCode(),
			"duration_ms", time.Since(start).Milliseconds(),
			"role", string(id.Role),
		)
	}
}
