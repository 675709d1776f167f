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

// Package redisconn 统一创建 Redis 客户端：解析连接串并 ping 探活，
// 车道、派发队列与去抖共用同一个客户端。
package redisconn

import (
	"context"

	"github.com/redis/go-redis/v9"

	perrors "tutor-platform/pkg/errors"
)

// Connect 按连接串建立客户端；url 形如 redis://[:password@]host:port/db。
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, perrors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, perrors.Wrap(err, "redis ping")
	}
	return client, nil
}
