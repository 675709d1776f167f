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

// Package attachment 提供附件文本库。抽取管线在服务外运行，产物落在
// attachments/<id>.txt；本服务只做存在性校验与有界读取。
package attachment

import (
	"io"
	"os"
	"path/filepath"
	"regexp"

	perrors "tutor-platform/pkg/errors"
	"tutor-platform/pkg/fsio"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidID 报告附件 ID 是否合法（可安全作为文件名）。
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Store 附件文本库。
type Store struct {
	dir string
}

// New 创建 Store；dir 为 attachments/ 目录，不存在时创建。
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, perrors.Wrap(err, "create attachment dir")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".txt")
}

// Exists 报告附件是否已抽取完成。
func (s *Store) Exists(id string) bool {
	if !ValidID(id) {
		return false
	}
	_, err := os.Stat(s.path(id))
	return err == nil
}

// ReadText 读取附件文本，至多 maxBytes 字节（非正表示不限）。
func (s *Store) ReadText(id string, maxBytes int) (string, error) {
	if !ValidID(id) {
		return "", perrors.Newf(perrors.KindValidation, "invalid attachment id %q", id)
	}
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", perrors.Newf(perrors.KindNotFound, "attachment %s not found", id)
		}
		return "", perrors.Wrap(err, "open attachment")
	}
	defer f.Close()

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, int64(maxBytes))
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", perrors.Wrap(err, "read attachment")
	}
	return string(data), nil
}

// Put 写入附件文本；供测试与离线导入工具使用。
func (s *Store) Put(id, text string) error {
	if !ValidID(id) {
		return perrors.Newf(perrors.KindValidation, "invalid attachment id %q", id)
	}
	return fsio.WriteBytes(s.path(id), []byte(text))
}
