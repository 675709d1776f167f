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

// Package jobstore 提供 Chat Job 的文件系统存储：每个 Job 一个目录，
// job.json 保存记录快照，events.jsonl 保存追加式事件日志。
package jobstore

import "time"

// Status Job 生命周期状态。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal 报告状态是否为终态；终态之后记录不再变更。
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Message 会话中的一条消息。
type Message struct {
	Role    string `json:"role"` // user | assistant | system | tool
	Content string `json:"content"`
}

// ErrorInfo 终态失败信息，随 job.json 持久化。
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job 一次会话处理任务，对应 jobs/<job_id>/job.json。
type Job struct {
	JobID         string     `json:"job_id"`
	Role          string     `json:"role"` // teacher | student
	Skill         string     `json:"skill,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	TeacherID     string     `json:"teacher_id,omitempty"`
	StudentID     string     `json:"student_id,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
	Messages      []Message  `json:"messages"`
	AttachmentIDs []string   `json:"attachment_ids,omitempty"`
	LaneID        string     `json:"lane_id"`
	Status        Status     `json:"status"`
	Reply         string     `json:"reply,omitempty"`
	Error         *ErrorInfo `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ActorID Job 所属行为者（按角色取 teacher_id 或 student_id）。
func (j *Job) ActorID() string {
	if j.Role == "teacher" {
		return j.TeacherID
	}
	return j.StudentID
}

// LastUserContent 最后一条 user 消息的内容，没有则为空串。
func (j *Job) LastUserContent() string {
	for i := len(j.Messages) - 1; i >= 0; i-- {
		if j.Messages[i].Role == "user" {
			return j.Messages[i].Content
		}
	}
	return ""
}
