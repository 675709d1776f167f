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

// Package worker 消费派发队列并执行 Chat Job：抢占 claim 锁、心跳续期、
// 推进状态、运行处理循环、写终态、释放车道并接力派发下一个 Job。
// 崩溃恢复靠周期扫描：活跃 Job 重新入车道、按需补投。
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"tutor-platform/internal/chat/dispatch"
	"tutor-platform/internal/chat/jobstore"
	"tutor-platform/internal/chat/lane"
	"tutor-platform/internal/chat/processor"
	"tutor-platform/pkg/fsio"
	"tutor-platform/pkg/log"
	"tutor-platform/pkg/metrics"
	"tutor-platform/pkg/tracing"
)

// cancelPollInterval 处理期间轮询取消请求的周期；取消后 runCtx 被撤销，
// 正在进行的 LLM/工具调用随之中断。
const cancelPollInterval = 500 * time.Millisecond

// Runner 单 Job 处理循环；生产实现为 processor.Processor
type Runner interface {
	Run(ctx context.Context, job *jobstore.Job) (processor.Outcome, error)
}

// Archiver 终态归档钩子，可为 nil；失败只记日志，不影响 Job
type Archiver interface {
	Record(ctx context.Context, job *jobstore.Job, eventCount int64) error
}

// Options Worker 池参数
type Options struct {
	PoolSize  int
	ClaimTTL  time.Duration
	ScanEvery time.Duration
	// Retention 终态 Job 保留期；0 表示不清理
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 600 * time.Second
	}
	if o.ScanEvery <= 0 {
		o.ScanEvery = 60 * time.Second
	}
	return o
}

// Pool 固定大小的 Worker 池
type Pool struct {
	store   *jobstore.Store
	lanes   lane.Store
	queue   dispatch.Queue
	locker  fsio.Locker
	runner  Runner
	archive Archiver
	opts    Options
	logger  *log.Logger

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 创建 Worker 池；archive 可为 nil
func New(store *jobstore.Store, lanes lane.Store, queue dispatch.Queue, locker fsio.Locker, runner Runner, archive Archiver, opts Options, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pool{
		store:   store,
		lanes:   lanes,
		queue:   queue,
		locker:  locker,
		runner:  runner,
		archive: archive,
		opts:    opts.withDefaults(),
		logger:  logger.Named("worker"),
	}
}

// Start 启动消费协程与恢复扫描；启动时先做一次全量扫描，
// 把上个进程遗留的活跃 Job 捞回来。
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.PoolSize; i++ {
		p.wg.Add(1)
		go p.consumeLoop(ctx)
	}
	p.wg.Add(1)
	go p.scanLoop(ctx)
}

// Stop 撤销执行中的 Job 并等待协程退出。被打断的 Job 不写终态，
// 重启后的恢复扫描接续。
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
}

func (p *Pool) consumeLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		jobID, err := p.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, dispatch.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.logger.Error("接收派发失败", "error", err)
			continue
		}
		p.Process(ctx, jobID)
	}
}

// Process 执行单个 Job 的完整生命周期。claim 抢占失败直接丢弃
// （其他 Worker 持有）；至少一次投递下重复执行由 claim 锁与终态幂等兜底。
func (p *Pool) Process(ctx context.Context, jobID string) {
	claimPath := p.store.ClaimPath(jobID)
	token := uuid.NewString()
	ok, err := p.locker.TryAcquire(claimPath, token, p.opts.ClaimTTL)
	if err != nil {
		p.logger.Error("claim 抢占出错", "job_id", jobID, "error", err)
		return
	}
	if !ok {
		p.logger.Info("claim 已被持有，跳过", "job_id", jobID)
		return
	}
	defer func() {
		if err := p.locker.Release(claimPath, token); err != nil {
			p.logger.Warn("claim 释放失败", "job_id", jobID, "error", err)
		}
	}()

	job, err := p.store.Get(jobID)
	if err != nil {
		p.logger.Warn("Job 记录不存在，丢弃派发", "job_id", jobID, "error", err)
		return
	}

	if _, err := p.store.MarkProcessing(jobID); err != nil {
		if errors.Is(err, jobstore.ErrTerminal) {
			// 排队期间已被取消或完成：只负责释放车道
			p.finishLane(ctx, job)
			return
		}
		p.logger.Error("推进 processing 失败", "job_id", jobID, "error", err)
		return
	}
	p.appendEvent(jobID, jobstore.EventJobProcessing, map[string]interface{}{"lane_id": job.LaneID})

	ctx, span := tracing.StartJobSpan(ctx, jobID, job.LaneID)
	defer span.End()

	metrics.WorkerBusy.Inc()
	defer metrics.WorkerBusy.Dec()
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 心跳：TTL/3 周期刷新 claim，活着的 Worker 不因 TTL 过期被抢
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		interval := p.opts.ClaimTTL / 3
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := p.locker.Refresh(claimPath, token); err != nil {
					p.logger.Warn("claim 心跳失败", "job_id", jobID, "error", err)
				}
			}
		}
	}()

	// 取消轮询：API 置 cancelled 后撤销 runCtx，让执行中的调用尽快退出
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				cur, err := p.store.Get(jobID)
				if err == nil && cur.Status == jobstore.StatusCancelled {
					cancel()
					return
				}
			}
		}
	}()

	out, runErr := p.runner.Run(runCtx, job)
	cancel()
	<-heartbeatDone

	if runErr != nil {
		// 停机中断：不写终态、不动车道，恢复扫描会重新派发
		p.logger.Info("处理被中断，留待恢复", "job_id", jobID, "error", runErr)
		return
	}

	// 终态簿记用独立超时上下文，停机取消不打断收尾
	finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finCancel()

	p.settle(finCtx, job, out)
	span.SetAttributes(attribute.String("chat.status", string(out.Status)))
	metrics.JobTotal.WithLabelValues(string(out.Status)).Inc()
	metrics.JobDuration.WithLabelValues(job.Role).Observe(time.Since(start).Seconds())
	p.finishLane(finCtx, job)
}

// settle 写终态事件与记录，并尽力归档
func (p *Pool) settle(ctx context.Context, job *jobstore.Job, out processor.Outcome) {
	jobID := job.JobID
	if !out.TerminalLogged {
		switch out.Status {
		case jobstore.StatusDone:
			p.appendEvent(jobID, jobstore.EventJobDone, map[string]interface{}{
				"reply_chars": len([]rune(out.Reply)),
			})
		case jobstore.StatusFailed:
			payload := map[string]interface{}{}
			if out.ErrInfo != nil {
				payload["error_kind"] = out.ErrInfo.Kind
				payload["message"] = out.ErrInfo.Message
			}
			p.appendEvent(jobID, jobstore.EventJobFailed, payload)
		case jobstore.StatusCancelled:
			p.appendEvent(jobID, jobstore.EventJobCancelled, map[string]interface{}{"reason": "cancel_requested"})
		}
	}

	updated, err := p.store.MarkTerminal(jobID, out.Status, out.Reply, out.ErrInfo)
	if err != nil && !errors.Is(err, jobstore.ErrTerminal) {
		p.logger.Error("写终态失败", "job_id", jobID, "status", string(out.Status), "error", err)
	}
	if updated == nil {
		// 终态竞争（比如最后一刻被取消）：以存储里的记录为准归档
		if cur, gerr := p.store.Get(jobID); gerr == nil {
			updated = cur
		} else {
			updated = job
		}
	}

	if p.archive != nil {
		count, cerr := p.store.LastEventID(jobID)
		if cerr != nil {
			count = 0
		}
		if aerr := p.archive.Record(ctx, updated, count); aerr != nil {
			p.logger.Warn("归档失败", "job_id", jobID, "error", aerr)
		}
	}
}

// finishLane 释放车道并在拿到接力棒时恰好派发一次
func (p *Pool) finishLane(ctx context.Context, job *jobstore.Job) {
	fin, err := p.lanes.Finish(ctx, job.LaneID, job.JobID)
	if err != nil {
		p.logger.Error("释放车道失败", "job_id", job.JobID, "lane_id", job.LaneID, "error", err)
		return
	}
	if !fin.Owned || fin.Next == "" {
		return
	}
	if err := p.queue.Dispatch(ctx, fin.Next); err != nil {
		// 派发失败不回滚车道：Next 已占 active 槽，周期扫描会补投
		p.logger.Error("接力派发失败", "job_id", fin.Next, "error", err)
	}
}

// scanLoop 启动即扫一次，之后按周期扫描；顺带做保留期清理
func (p *Pool) scanLoop(ctx context.Context) {
	defer p.wg.Done()
	p.scanOnce(ctx)
	ticker := time.NewTicker(p.opts.ScanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scanOnce(ctx)
			if p.opts.Retention > 0 {
				if removed, err := p.store.PurgeOlderThan(p.opts.Retention); err == nil && removed > 0 {
					p.logger.Info("清理过期 Job", "removed", removed)
				}
			}
		}
	}
}

// scanOnce 把活跃 Job 重新挂回车道；拿到派发责任的补投一次。
// 正在被活跃 claim 处理的 Job 由持有者负责，跳过。
func (p *Pool) scanOnce(ctx context.Context) {
	jobs, err := p.store.ListActive()
	if err != nil {
		p.logger.Error("恢复扫描失败", "error", err)
		return
	}
	for _, job := range jobs {
		if job.Status == jobstore.StatusProcessing && p.locker.Held(p.store.ClaimPath(job.JobID), p.opts.ClaimTTL) {
			continue
		}
		enq, err := p.lanes.Enqueue(ctx, job.LaneID, job.JobID)
		if err != nil {
			p.logger.Warn("恢复入队失败", "job_id", job.JobID, "error", err)
			continue
		}
		if enq.Dispatch {
			if derr := p.queue.Dispatch(ctx, job.JobID); derr != nil {
				p.logger.Error("恢复派发失败", "job_id", job.JobID, "error", derr)
			} else {
				p.logger.Info("恢复派发", "job_id", job.JobID, "lane_id", job.LaneID)
			}
		}
	}
}

// appendEvent 追加事件；失败按约定记日志后吞掉
func (p *Pool) appendEvent(jobID string, typ jobstore.EventType, payload map[string]interface{}) {
	if _, err := p.store.AppendEvent(jobID, typ, payload); err != nil {
		p.logger.Error("追加事件失败", "job_id", jobID, "type", string(typ), "error", err)
	}
}
