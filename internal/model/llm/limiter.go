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

package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// targetLimiter 单个目标的限流器：RPS 限流 + 并发上限。
// 两者都可缺省（配置为 0 时不限制）。
type targetLimiter struct {
	requestLimiter *rate.Limiter
	semaphore      chan struct{}
}

// newTargetLimiter 创建目标限流器；requestsPerMinute / maxConcurrent <= 0 表示不限制
func newTargetLimiter(requestsPerMinute float64, maxConcurrent int) *targetLimiter {
	l := &targetLimiter{}
	if requestsPerMinute > 0 {
		rps := requestsPerMinute / 60.0
		burst := int(rps * 2) // burst = 2 秒的配额
		if burst < 1 {
			burst = 1
		}
		l.requestLimiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if maxConcurrent > 0 {
		l.semaphore = make(chan struct{}, maxConcurrent)
	}
	return l
}

// Wait 阻塞直到拿到请求配额与并发槽位；ctx 取消时返回其错误
func (l *targetLimiter) Wait(ctx context.Context) error {
	if l.requestLimiter != nil {
		if err := l.requestLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	if l.semaphore != nil {
		select {
		case l.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Release 归还并发槽位；必须与成功的 Wait 一一配对
func (l *targetLimiter) Release() {
	if l.semaphore != nil {
		select {
		case <-l.semaphore:
		default:
		}
	}
}
