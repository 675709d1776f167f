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

package jobstore

import "time"

// EventVersion 事件信封版本；消费端忽略未知版本的未知字段。
const EventVersion = 1

// EventType 事件类型，闭集。
type EventType string

const (
	EventJobQueued      EventType = "job.queued"
	EventJobProcessing  EventType = "job.processing"
	EventToolStart      EventType = "tool.start"
	EventToolResult     EventType = "tool.result"
	EventAssistantDelta EventType = "assistant.delta"
	EventAssistantDone  EventType = "assistant.done"
	EventJobDone        EventType = "job.done"
	EventJobFailed      EventType = "job.failed"
	EventJobCancelled   EventType = "job.cancelled"
)

// Terminal 报告事件是否为终态事件；每个 Job 的日志恰好以一条终态事件收尾。
func (t EventType) Terminal() bool {
	switch t {
	case EventJobDone, EventJobFailed, EventJobCancelled:
		return true
	}
	return false
}

// Event 事件日志中的一条记录，对应 events.jsonl 的一行。
// EventID 从 1 起单调递增、无空洞，是 SSE 断线续传的游标。
type Event struct {
	EventID      int64                  `json:"event_id"`
	EventVersion int                    `json:"event_version"`
	Type         EventType              `json:"type"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	TS           time.Time              `json:"ts"`
}
