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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
api:
  port: 9000
  host: "127.0.0.1"
log:
  level: "debug"
chat:
  lane_max_queue: 3
llm:
  providers:
    - name: "primary"
      model: "gpt-4o-mini"
      base_url: "https://llm.internal/v1"
      read_timeout: "60s"
      connect_timeout: "5s"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host: got %q", cfg.API.Host)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	if cfg.Chat.LaneMaxQueue != 3 {
		t.Errorf("Chat.LaneMaxQueue: got %d", cfg.Chat.LaneMaxQueue)
	}
	if len(cfg.LLM.Providers) != 1 || cfg.LLM.Providers[0].Name != "primary" {
		t.Fatalf("LLM.Providers: got %+v", cfg.LLM.Providers)
	}
	if cfg.LLM.Providers[0].ConnectTimeoutD() != 5*time.Second {
		t.Errorf("ConnectTimeoutD: got %v", cfg.LLM.Providers[0].ConnectTimeoutD())
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Chat.WorkerPoolSize != 4 {
		t.Errorf("WorkerPoolSize default: got %d", cfg.Chat.WorkerPoolSize)
	}
	if cfg.Chat.LaneMaxQueue != 6 {
		t.Errorf("LaneMaxQueue default: got %d", cfg.Chat.LaneMaxQueue)
	}
	if cfg.Chat.LaneDebounceMS != 500 {
		t.Errorf("LaneDebounceMS default: got %d", cfg.Chat.LaneDebounceMS)
	}
	if cfg.Chat.JobClaimTTLSec != 600 {
		t.Errorf("JobClaimTTLSec default: got %d", cfg.Chat.JobClaimTTLSec)
	}
	if cfg.Chat.StreamSignalMaxEntries != 4096 {
		t.Errorf("StreamSignalMaxEntries default: got %d", cfg.Chat.StreamSignalMaxEntries)
	}
	if cfg.Chat.StreamSignalTTLSec != 1800 {
		t.Errorf("StreamSignalTTLSec default: got %d", cfg.Chat.StreamSignalTTLSec)
	}
	if cfg.Chat.MaxToolRounds != 5 || cfg.Chat.MaxToolCalls != 12 {
		t.Errorf("tool caps default: got %d/%d", cfg.Chat.MaxToolRounds, cfg.Chat.MaxToolCalls)
	}
	if cfg.Queue.Backend != "inline" {
		t.Errorf("Queue.Backend default: got %q", cfg.Queue.Backend)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("CHAT_WORKER_POOL_SIZE", "8")
	t.Setenv("CHAT_LANE_MAX_QUEUE", "2")
	t.Setenv("JOB_QUEUE_BACKEND", "rq")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Chat.WorkerPoolSize != 8 {
		t.Errorf("WorkerPoolSize: got %d, want 8", cfg.Chat.WorkerPoolSize)
	}
	if cfg.Chat.LaneMaxQueue != 2 {
		t.Errorf("LaneMaxQueue: got %d, want 2", cfg.Chat.LaneMaxQueue)
	}
	if cfg.Queue.Backend != "rq" {
		t.Errorf("Queue.Backend: got %q, want rq", cfg.Queue.Backend)
	}
	if cfg.Redis.URL == "" {
		t.Error("Redis.URL should come from REDIS_URL")
	}
}

func TestLoadConfig_InlineForbiddenInProd(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JOB_QUEUE_BACKEND", "inline")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("inline backend in production should be rejected")
	}
	t.Setenv("ALLOW_INLINE_FALLBACK_IN_PROD", "true")
	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("explicit opt-in should pass: %v", err)
	}
}

func TestLoadConfig_RQRequiresRedis(t *testing.T) {
	t.Setenv("JOB_QUEUE_BACKEND", "rq")
	t.Setenv("REDIS_URL", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("rq backend without REDIS_URL should be rejected")
	}
}

func TestProviderTimeouts(t *testing.T) {
	p := LLMProviderConfig{}
	if p.ReadTimeoutD() != 120*time.Second {
		t.Errorf("empty read timeout: got %v", p.ReadTimeoutD())
	}
	if p.ConnectTimeoutD() != 120*time.Second {
		t.Errorf("empty connect timeout: got %v", p.ConnectTimeoutD())
	}
	p = LLMProviderConfig{ReadTimeout: "-3s", ConnectTimeout: "0s"}
	if p.ReadTimeoutD() != 120*time.Second || p.ConnectTimeoutD() != 120*time.Second {
		t.Error("negative/zero timeouts should fall back to defaults")
	}
	p = LLMProviderConfig{ReadTimeout: "30s", ConnectTimeout: "200s"}
	if p.ConnectTimeoutD() != 30*time.Second {
		t.Errorf("connect timeout should clamp to read timeout: got %v", p.ConnectTimeoutD())
	}
	p = LLMProviderConfig{ReadTimeout: "300s", ConnectTimeout: "150s"}
	if p.ConnectTimeoutD() != 120*time.Second {
		t.Errorf("connect timeout should clamp to 120s: got %v", p.ConnectTimeoutD())
	}
}
