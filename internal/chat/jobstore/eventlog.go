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

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	perrors "tutor-platform/pkg/errors"
	"tutor-platform/pkg/fsio"
)

// AppendEvent 为 Job 追加一条事件并分配下一个 event_id。
// 追加为 O_APPEND 单次写入；events.seq 随后尽力刷新（失败可由扫描恢复）。
// 追加后通知信号注册表，终态事件额外触发 Clear。
func (s *Store) AppendEvent(jobID string, typ EventType, payload map[string]interface{}) (Event, error) {
	mu := s.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	if !s.Exists(jobID) {
		return Event{}, perrors.Newf(perrors.KindNotFound, "job %s not found", jobID)
	}

	last, err := s.lastEventIDLocked(jobID)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		EventID:      last + 1,
		EventVersion: EventVersion,
		Type:         typ,
		Payload:      payload,
		TS:           time.Now().UTC(),
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, perrors.Wrap(err, "marshal event")
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.eventsPath(jobID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return Event{}, perrors.Wrap(err, "open event log")
	}
	// 上次崩溃可能留下未换行的半行；先补换行，读端会把半行当坏行跳过。
	if st, serr := f.Stat(); serr == nil && st.Size() > 0 {
		var tail [1]byte
		if _, rerr := f.ReadAt(tail[:], st.Size()-1); rerr == nil && tail[0] != '\n' {
			line = append([]byte{'\n'}, line...)
		}
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return Event{}, perrors.Wrap(err, "append event")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return Event{}, perrors.Wrap(err, "sync event log")
	}
	if err := f.Close(); err != nil {
		return Event{}, perrors.Wrap(err, "close event log")
	}

	s.mu.Lock()
	s.lastID[jobID] = ev.EventID
	s.mu.Unlock()
	_ = fsio.WriteBytes(s.seqPath(jobID), []byte(strconv.FormatInt(ev.EventID, 10)))

	if s.notifier != nil {
		s.notifier.Notify(jobID)
		if typ.Terminal() {
			s.notifier.Clear(jobID)
		}
	}
	return ev, nil
}

// LastEventID 返回最近分配的 event_id；尚无事件时为 0。
func (s *Store) LastEventID(jobID string) (int64, error) {
	mu := s.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()
	return s.lastEventIDLocked(jobID)
}

// lastEventIDLocked 进程内缓存优先；冷启动时扫描日志并用 events.seq 兜底
// （seq 可能比日志多一格：崩溃发生在日志落盘与 seq 刷新之间）。
func (s *Store) lastEventIDLocked(jobID string) (int64, error) {
	s.mu.Lock()
	if id, ok := s.lastID[jobID]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	scanned, err := s.scanLastEventID(jobID)
	if err != nil {
		return 0, err
	}
	if data, rerr := os.ReadFile(s.seqPath(jobID)); rerr == nil {
		if hint, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); perr == nil && hint > scanned {
			scanned = hint
		}
	}
	s.mu.Lock()
	s.lastID[jobID] = scanned
	s.mu.Unlock()
	return scanned, nil
}

func (s *Store) scanLastEventID(jobID string) (int64, error) {
	f, err := os.Open(s.eventsPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, perrors.Wrap(err, "open event log")
	}
	defer f.Close()

	var last int64
	r := bufio.NewReader(f)
	for {
		line, rerr := r.ReadBytes('\n')
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, perrors.Wrap(rerr, "scan event log")
		}
		var ev Event
		if err := json.Unmarshal(bytes.TrimSpace(line), &ev); err == nil && ev.EventID > last {
			last = ev.EventID
		}
	}
	return last, nil
}

// LoadEvents 增量读取事件：返回 event_id 大于 afterID 的至多 limit 条，
// 以及下一次读取的字节偏移。offsetHint 为上一次返回的偏移，越界时从头扫描。
// 坏行跳过；文件末尾未换行的半行不消费，等写端补齐。
func (s *Store) LoadEvents(jobID string, afterID, offsetHint int64, limit int) ([]Event, int64, error) {
	f, err := os.Open(s.eventsPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			if !s.Exists(jobID) {
				return nil, 0, perrors.Newf(perrors.KindNotFound, "job %s not found", jobID)
			}
			return nil, 0, nil
		}
		return nil, 0, perrors.Wrap(err, "open event log")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, 0, perrors.Wrap(err, "stat event log")
	}
	offset := int64(0)
	if offsetHint > 0 && offsetHint <= st.Size() {
		offset = offsetHint
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, perrors.Wrap(err, "seek event log")
	}

	var out []Event
	r := bufio.NewReader(f)
	for limit <= 0 || len(out) < limit {
		line, rerr := r.ReadBytes('\n')
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return out, offset, perrors.Wrap(rerr, "read event log")
		}
		offset += int64(len(line))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(trimmed, &ev); err != nil || ev.EventID <= 0 {
			continue
		}
		if ev.EventID > afterID {
			out = append(out, ev)
		}
	}
	return out, offset, nil
}
