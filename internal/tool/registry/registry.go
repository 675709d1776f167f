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

// Package registry 提供工具注册表：注册工具并编译其入参 Schema，
// 按角色与技能白名单过滤可见工具，派发执行并记录审计日志与指标。
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	eschema "github.com/cloudwego/eino/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"tutor-platform/internal/tool"
	"tutor-platform/pkg/auth"
	perrors "tutor-platform/pkg/errors"
	"tutor-platform/pkg/log"
	"tutor-platform/pkg/metrics"
	"tutor-platform/pkg/tracing"
)

// defaultSkill 白名单中技能的兜底键。
const defaultSkill = "default"

type entry struct {
	tool     tool.Tool
	roles    map[auth.Role]struct{}
	compiled *jsonschema.Schema
	info     *eschema.ToolInfo
}

// Registry 工具注册表。注册时一次性编译 JSON Schema 并生成 eino ToolInfo，
// 派发路径上只做查表。
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	order  []string // 注册顺序，保证 Infos 输出稳定
	allow  map[auth.Role]map[string][]string
	logger *log.Logger
}

// New 创建注册表。
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger.Named("tool"),
	}
}

// Register 注册工具并声明可用角色；入参 Schema 在此时编译，
// 编译失败说明工具自身的 Schema 写错了，直接报错。
func (r *Registry) Register(t tool.Tool, roles ...auth.Role) error {
	name := t.Name()
	if name == "" {
		return perrors.New(perrors.KindValidation, "tool name required")
	}
	compiled, err := compileSchema(name, t.Schema())
	if err != nil {
		return perrors.Wrapf(err, "compile schema for tool %s", name)
	}
	roleSet := make(map[auth.Role]struct{}, len(roles))
	for _, role := range roles {
		roleSet[role] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return perrors.Newf(perrors.KindValidation, "tool %s already registered", name)
	}
	r.tools[name] = &entry{
		tool:     t,
		roles:    roleSet,
		compiled: compiled,
		info:     toolInfo(t),
	}
	r.order = append(r.order, name)
	return nil
}

// SetAllowlists 应用配置中的 role → skill → 工具名白名单。
// 未配置的角色回落到注册时声明的角色集合。
func (r *Registry) SetAllowlists(allow map[string]map[string][]string) {
	converted := make(map[auth.Role]map[string][]string, len(allow))
	for role, skills := range allow {
		converted[auth.Role(role)] = skills
	}
	r.mu.Lock()
	r.allow = converted
	r.mu.Unlock()
}

// Get 按名称取工具。
func (r *Registry) Get(name string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Allowed 报告 role+skill 能否使用工具 name。
func (r *Registry) Allowed(role auth.Role, skill, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowedLocked(role, skill, name)
}

func (r *Registry) allowedLocked(role auth.Role, skill, name string) bool {
	e, ok := r.tools[name]
	if !ok {
		return false
	}
	if _, ok := e.roles[role]; !ok {
		return false
	}
	perRole, ok := r.allow[role]
	if !ok {
		return true
	}
	list, ok := perRole[skill]
	if !ok {
		list, ok = perRole[defaultSkill]
	}
	if !ok {
		return true
	}
	for _, allowed := range list {
		if allowed == name {
			return true
		}
	}
	return false
}

// Infos 返回 role+skill 可用工具的 eino ToolInfo 列表，按注册顺序。
func (r *Registry) Infos(role auth.Role, skill string) []*eschema.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var infos []*eschema.ToolInfo
	for _, name := range r.order {
		if r.allowedLocked(role, skill, name) {
			infos = append(infos, r.tools[name].info)
		}
	}
	return infos
}

// Validate 校验入参；返回的问题列表为空表示通过。
// 未注册的工具返回单条问题，调用方照常以 tool.result 反哺模型。
func (r *Registry) Validate(name string, args map[string]any) []string {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return []string{"unknown tool " + name}
	}
	if args == nil {
		args = map[string]any{}
	}
	err := e.compiled.Validate(args)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		var issues []string
		flattenIssues(verr, &issues)
		return issues
	}
	return []string{err.Error()}
}

// Dispatch 执行工具。返回 error 表示调用本身非法（未注册、角色不允许），
// 工具的业务失败体现在 Result.Err。
func (r *Registry) Dispatch(ctx context.Context, tctx tool.Context, name string, args map[string]any) (tool.Result, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	allowed := ok && r.allowedLocked(tctx.Role, tctx.Skill, name)
	r.mu.RUnlock()

	if !ok {
		return tool.Result{}, perrors.Newf(perrors.KindNotFound, "tool %s not registered", name)
	}
	if !allowed || !auth.HasPermission(tctx.Role, auth.PermissionToolExecute) {
		metrics.ToolDispatchTotal.WithLabelValues(name, "denied").Inc()
		return tool.Result{}, perrors.Newf(perrors.KindNotOwner, "tool %s not allowed for role %s", name, tctx.Role)
	}

	start := time.Now()
	execCtx, span := tracing.StartToolSpan(ctx, name, tctx.JobID)
	res, err := e.tool.Execute(execCtx, tctx, args)
	span.End()
	metrics.ToolDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Err != "":
		outcome = "failed"
	}
	metrics.ToolDispatchTotal.WithLabelValues(name, outcome).Inc()
	r.logger.Info("tool dispatched",
		"tool", name,
		"job_id", tctx.JobID,
		"role", string(tctx.Role),
		"skill", tctx.Skill,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, err
}

func compileSchema(name string, s tool.Schema) (*jsonschema.Schema, error) {
	if s.Type == "" {
		s.Type = "object"
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func flattenIssues(err *jsonschema.ValidationError, out *[]string) {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, loc+": "+err.Message)
		return
	}
	for _, cause := range err.Causes {
		flattenIssues(cause, out)
	}
}

func toolInfo(t tool.Tool) *eschema.ToolInfo {
	s := t.Schema()
	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}
	params := make(map[string]*eschema.ParameterInfo, len(s.Properties))
	for name, prop := range s.Properties {
		params[name] = &eschema.ParameterInfo{
			Type:     dataType(prop.Type),
			Desc:     prop.Description,
			Enum:     prop.Enum,
			Required: required[name],
		}
	}
	return &eschema.ToolInfo{
		Name:        t.Name(),
		Desc:        t.Description(),
		ParamsOneOf: eschema.NewParamsOneOfByParams(params),
	}
}

func dataType(s string) eschema.DataType {
	switch s {
	case "integer":
		return eschema.Integer
	case "number":
		return eschema.Number
	case "boolean":
		return eschema.Boolean
	case "object":
		return eschema.Object
	case "array":
		return eschema.Array
	}
	return eschema.String
}
