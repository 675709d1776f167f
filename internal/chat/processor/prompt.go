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

package processor

import (
	"fmt"
	"strings"

	"tutor-platform/internal/chat/jobstore"
)

// 系统提示词按角色选底板、按技能加侧重，再附身份上下文与附件摘录。

const teacherSystemPrompt = `你是一名面向教师的教学助理。你协助教师备课、批改、出题与答疑，
回答要专业、结构化，引用材料时注明出处。不确定的内容明确说明，不要编造。`

const studentSystemPrompt = `你是一名面向学生的学习辅导助手。你的目标是帮助学生理解知识本身：
先引导思路，再给出讲解；不要替学生直接完成可能属于作业的任务，除非对方已给出自己的尝试。
语言友好、循序渐进。`

// skillPrompts 技能侧重；键与请求里的 skill 字段一致，缺省 general
var skillPrompts = map[string]string{
	"general":       "",
	"lesson_plan":   "本次会话聚焦备课：围绕教学目标、课堂环节、时间分配与课后作业组织回答。",
	"grading":       "本次会话聚焦批改与讲评：指出错误、给出评分依据，并提出可操作的改进建议。",
	"quiz":          "本次会话聚焦出题：给出题目、参考答案与解析，标注考查的知识点与难度。",
	"homework_help": "本次会话聚焦作业辅导：先确认学生的思路，逐步提示，最后再核对完整解法。",
	"exam_prep":     "本次会话聚焦复习备考：梳理知识框架，针对薄弱点安排练习与记忆要点。",
}

const (
	// 附件摘录的单件与总量上限，防止把超长材料整段塞进提示词
	excerptBytesPerAttachment = 4096
	excerptBytesTotal         = 16384
)

// effectiveSkill 空技能回落到 general
func effectiveSkill(skill string) string {
	if skill == "" {
		return "general"
	}
	return skill
}

// buildSystemPrompt 组装系统提示词；excerpts 的键为附件 ID
func buildSystemPrompt(job *jobstore.Job, excerpts map[string]string, order []string) string {
	var b strings.Builder
	if job.Role == "teacher" {
		b.WriteString(teacherSystemPrompt)
	} else {
		b.WriteString(studentSystemPrompt)
	}
	if focus, ok := skillPrompts[effectiveSkill(job.Skill)]; ok && focus != "" {
		b.WriteString("\n\n")
		b.WriteString(focus)
	}

	b.WriteString("\n\n会话上下文：")
	b.WriteString(fmt.Sprintf("\n- 角色：%s", job.Role))
	if job.TeacherID != "" {
		b.WriteString(fmt.Sprintf("\n- 教师 ID：%s", job.TeacherID))
	}
	if job.StudentID != "" {
		b.WriteString(fmt.Sprintf("\n- 学生 ID：%s", job.StudentID))
	}
	if job.SessionID != "" {
		b.WriteString(fmt.Sprintf("\n- 会话 ID：%s", job.SessionID))
	}

	if len(order) > 0 {
		b.WriteString("\n\n参考材料（节选，可用 attachment.read 工具查看全文）：")
		for _, id := range order {
			text, ok := excerpts[id]
			if !ok {
				continue
			}
			b.WriteString(fmt.Sprintf("\n--- 附件 %s ---\n", id))
			b.WriteString(text)
		}
	}
	return b.String()
}

// truncateRunes 按字符数截断，避免把多字节字符切半
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
