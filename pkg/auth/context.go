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

package auth

import (
	"context"
)

type contextKey string

const identityKey contextKey = "auth.identity"

// Identity 上游网关注入的调用方身份；认证本身不在本服务内做
type Identity struct {
	Role      Role
	TeacherID string
	StudentID string
	SessionID string
}

// ActorID 当前身份的行为者 ID
func (id Identity) ActorID() string {
	return ActorID(id.Role, id.TeacherID, id.StudentID)
}

// OwnsJob 判断身份是否拥有给定归属字段的 Job。
// admin 直接放行；其余要求角色一致、对应行为者 ID 一致；
// Job 与调用方都带 session_id 时还要求会话一致。
func (id Identity) OwnsJob(jobRole Role, teacherID, studentID, sessionID string) bool {
	if id.Role == RoleAdmin {
		return true
	}
	if id.Role != jobRole {
		return false
	}
	switch jobRole {
	case RoleTeacher:
		if teacherID == "" || id.TeacherID != teacherID {
			return false
		}
	case RoleStudent:
		if studentID == "" || id.StudentID != studentID {
			return false
		}
	default:
		return false
	}
	if sessionID != "" && id.SessionID != "" && id.SessionID != sessionID {
		return false
	}
	return true
}

// WithIdentity 将身份注入 context
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity 从 context 取身份；未注入时 ok=false
func GetIdentity(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey).(Identity)
	return v, ok
}
