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
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
)

// Router 装配 Chat API 的 Hertz 路由。
type Router struct {
	handler *Handler
	mws     []app.HandlerFunc
}

// NewRouter 创建路由器；mws 依序作为全局中间件挂载。
func NewRouter(handler *Handler, mws ...app.HandlerFunc) *Router {
	return &Router{handler: handler, mws: mws}
}

// Build 构建 Hertz Server 并注册路由；opts 追加在监听地址之后
// （链路追踪等服务级选项从这里进）。
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(opts...)
	r.Register(h)
	return h
}

// Register 挂载中间件与路由。
func (r *Router) Register(h *server.Hertz) {
	for _, mw := range r.mws {
		h.Use(mw)
	}

	h.POST("/chat", r.handler.CreateChat)
	h.GET("/chat/stream", r.handler.StreamEvents)
	h.GET("/chat/events", r.handler.ListEvents)
	h.POST("/chat/cancel", r.handler.CancelChat)
	h.GET("/chat/jobs/:job_id", r.handler.GetJob)

	h.GET("/healthz", r.handler.Healthz)
	h.GET("/metrics", r.handler.Metrics)
}
