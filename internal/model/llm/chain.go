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
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"tutor-platform/pkg/config"
	perrors "tutor-platform/pkg/errors"
	"tutor-platform/pkg/log"
	"tutor-platform/pkg/metrics"
	"tutor-platform/pkg/secrets"
)

// target 回退链上的一个 OpenAI 兼容目标
type target struct {
	name    string
	model   model.ToolCallingChatModel
	limiter *targetLimiter
}

// Chain 按配置顺序尝试多个目标的网关实现。
// 单目标内对瞬时失败做带抖动的指数退避重试，重试耗尽换下一个目标，
// 全部耗尽返回 gateway_failure。
type Chain struct {
	targets     []*target
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	logger      *log.Logger
}

// NewChain 根据配置构建回退链。API key 优先从 secret store 按
// api_key_secret 解析，其次用 api_key 字面值（${ENV} 已在配置层展开）。
func NewChain(ctx context.Context, cfg config.LLMConfig, store secrets.Store, logger *log.Logger) (*Chain, error) {
	if len(cfg.Providers) == 0 {
		return nil, perrors.New(perrors.KindValidation, "llm.providers is empty")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	c := &Chain{
		maxAttempts: cfg.Retry.MaxAttempts,
		backoff:     cfg.Retry.BackoffD(),
		maxBackoff:  cfg.Retry.MaxBackoffD(),
		logger:      logger.Named("llm"),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 1
	}
	for _, p := range cfg.Providers {
		t, err := newTarget(ctx, p, store)
		if err != nil {
			return nil, perrors.Wrapf(err, "llm provider %s", p.Name)
		}
		c.targets = append(c.targets, t)
	}
	return c, nil
}

func newTarget(ctx context.Context, p config.LLMProviderConfig, store secrets.Store) (*target, error) {
	key := p.APIKey
	if p.APIKeySecret != "" {
		if store == nil {
			return nil, perrors.New(perrors.KindValidation, "api_key_secret set but no secret store")
		}
		resolved, err := store.Get(ctx, p.APIKeySecret)
		if err != nil {
			return nil, perrors.Wrapf(err, "resolve secret %s", p.APIKeySecret)
		}
		key = resolved
	}
	if key == "" {
		return nil, perrors.New(perrors.KindValidation, "api key not configured")
	}

	read := p.ReadTimeoutD()
	connect := p.ConnectTimeoutD()
	httpClient := &http.Client{
		Timeout: read,
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: connect}).DialContext,
			TLSHandshakeTimeout: connect,
		},
	}
	mc := &openai.ChatModelConfig{
		Model:      p.Model,
		APIKey:     key,
		BaseURL:    p.BaseURL,
		Timeout:    read,
		HTTPClient: httpClient,
	}
	if p.Temperature > 0 {
		temp := float32(p.Temperature)
		mc.Temperature = &temp
	}
	if p.MaxTokens > 0 {
		maxTokens := p.MaxTokens
		mc.MaxTokens = &maxTokens
	}
	cm, err := openai.NewChatModel(ctx, mc)
	if err != nil {
		return nil, err
	}
	return &target{
		name:    p.Name,
		model:   cm,
		limiter: newTargetLimiter(p.RequestsPerMinute, p.MaxConcurrent),
	}, nil
}

// Generate 按目标顺序生成应答；全部目标耗尽时返回 gateway_failure
func (c *Chain) Generate(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, perrors.New(perrors.KindValidation, "empty messages")
	}
	var lastErr error
	for _, t := range c.targets {
		resp, err := c.generateWithTarget(ctx, t, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("LLM 目标失败，切换下一个", "provider", t.name, "error", err)
	}
	if lastErr == nil {
		return nil, perrors.New(perrors.KindGatewayFailure, "no llm providers configured")
	}
	return nil, perrors.WrapKind(lastErr, perrors.KindGatewayFailure, "all llm providers exhausted")
}

// generateWithTarget 单目标重试循环；非瞬时错误立即放弃该目标
func (c *Chain) generateWithTarget(ctx context.Context, t *target, req *Request) (*Response, error) {
	cm := t.model
	if len(req.Tools) > 0 {
		bound, err := cm.WithTools(req.Tools)
		if err != nil {
			return nil, err
		}
		cm = bound
	}
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepWithContext(ctx, c.retryDelay(attempt-1)); err != nil {
				return nil, err
			}
		}
		resp, err := c.attempt(ctx, t, cm, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !transientErr(err) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *Chain) attempt(ctx context.Context, t *target, cm model.ToolCallingChatModel, req *Request) (*Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	opts := callOptions(req)
	start := time.Now()

	if req.Stream {
		sr, err := cm.Stream(ctx, req.Messages, opts...)
		if err != nil {
			t.limiter.Release()
			c.observe(t.name, "error", start, Usage{})
			return nil, err
		}
		return c.consumeStream(ctx, t, sr, start)
	}

	msg, err := cm.Generate(ctx, req.Messages, opts...)
	t.limiter.Release()
	if err != nil {
		c.observe(t.name, "error", start, Usage{})
		return nil, err
	}
	resp := responseFromMessage(t.name, msg)
	c.observe(t.name, "ok", start, resp.Usage)
	return resp, nil
}

// consumeStream 同步收第一个分片（此前的失败仍可重试/回退），
// 之后移交后台协程：增量推给 Deltas，收完用 ConcatMessages 拼出完整消息。
// 并发槽位由后台协程在流结束时归还。
func (c *Chain) consumeStream(ctx context.Context, t *target, sr *schema.StreamReader[*schema.Message], start time.Time) (*Response, error) {
	first, err := sr.Recv()
	if err != nil {
		sr.Close()
		t.limiter.Release()
		c.observe(t.name, "error", start, Usage{})
		if err == io.EOF {
			return nil, perrors.New(perrors.KindTransient, "empty stream from provider")
		}
		return nil, err
	}

	deltas := make(chan string, 64)
	resp := &Response{Provider: t.name, Deltas: deltas}
	go func() {
		defer close(deltas)
		defer t.limiter.Release()
		defer sr.Close()

		chunks := []*schema.Message{first}
		if !pushDelta(ctx, deltas, first.Content) {
			resp.err = ctx.Err()
			return
		}
		for {
			msg, rerr := sr.Recv()
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				resp.err = rerr
				break
			}
			chunks = append(chunks, msg)
			if !pushDelta(ctx, deltas, msg.Content) {
				resp.err = ctx.Err()
				return
			}
		}
		full, cerr := schema.ConcatMessages(chunks)
		if cerr != nil && resp.err == nil {
			resp.err = cerr
		}
		if full != nil {
			resp.Message = full
			fillMeta(resp, full)
		}
		outcome := "ok"
		if resp.err != nil {
			outcome = "error"
		}
		c.observe(t.name, outcome, start, resp.Usage)
	}()
	return resp, nil
}

// pushDelta 把非空增量送入通道；ctx 结束（消费方已离开）时返回 false
func pushDelta(ctx context.Context, deltas chan string, content string) bool {
	if content == "" {
		return true
	}
	select {
	case deltas <- content:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Chain) observe(provider, outcome string, start time.Time, usage Usage) {
	metrics.LLMRequestTotal.WithLabelValues(provider, outcome).Inc()
	metrics.LLMDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if usage.PromptTokens > 0 {
		metrics.LLMTokensTotal.WithLabelValues("in").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		metrics.LLMTokensTotal.WithLabelValues("out").Add(float64(usage.CompletionTokens))
	}
}

// retryDelay 第 retryIdx 次重试前的退避：base·2^(idx-1) 截断到上限，再加抖动
func (c *Chain) retryDelay(retryIdx int) time.Duration {
	d := c.backoff
	for i := 1; i < retryIdx; i++ {
		d *= 2
		if d >= c.maxBackoff {
			d = c.maxBackoff
			break
		}
	}
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func callOptions(req *Request) []model.Option {
	var opts []model.Option
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}
	return opts
}

func responseFromMessage(provider string, msg *schema.Message) *Response {
	resp := &Response{Provider: provider, Message: msg}
	fillMeta(resp, msg)
	return resp
}

func fillMeta(resp *Response, msg *schema.Message) {
	if msg.ResponseMeta == nil {
		return
	}
	resp.FinishReason = msg.ResponseMeta.FinishReason
	if u := msg.ResponseMeta.Usage; u != nil {
		resp.Usage = Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
}

// transientErr 判断是否值得重试：连接失败、超时、429、5xx。
// OpenAI 兼容网关的错误串里带 "status code: N"，据此识别状态码。
func transientErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if perrors.KindOf(err) == perrors.KindTransient {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"status code: 429",
		"status code: 5",
		"too many requests",
		"rate limit",
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"bad gateway",
		"service unavailable",
		"unexpected eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
