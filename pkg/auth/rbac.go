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

// Permission 权限
type Permission string

const (
	PermissionChatCreate  Permission = "chat:create"
	PermissionChatView    Permission = "chat:view"
	PermissionChatCancel  Permission = "chat:cancel"
	PermissionToolExecute Permission = "tool:execute"
	PermissionJobInspect  Permission = "job:inspect" // 跨用户查看任意 Job（运维）
)

// Role 角色
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin" // 运维用，不经业务入口创建 Job
)

// RolePermissions 角色与权限映射
var RolePermissions = map[Role][]Permission{
	RoleTeacher: {
		PermissionChatCreate,
		PermissionChatView,
		PermissionChatCancel,
		PermissionToolExecute,
	},
	RoleStudent: {
		PermissionChatCreate,
		PermissionChatView,
		PermissionChatCancel,
		PermissionToolExecute,
	},
	RoleAdmin: {
		PermissionChatView,
		PermissionChatCancel,
		PermissionJobInspect,
	},
}

// HasPermission 检查角色是否包含指定权限
func HasPermission(role Role, permission Permission) bool {
	permissions, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// ParseRole 解析业务角色；仅 teacher/student 可作为 Job 的 role
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleTeacher, RoleStudent:
		return Role(s), true
	}
	return "", false
}

// ActorID 按角色取行为者 ID；role 非法返回空
func ActorID(role Role, teacherID, studentID string) string {
	switch role {
	case RoleTeacher:
		return teacherID
	case RoleStudent:
		return studentID
	}
	return ""
}
