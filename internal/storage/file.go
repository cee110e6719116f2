package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore はドキュメントを単一ファイルとして保存するStore実装。
// 書き込みは一時ファイルへの書き出しとrenameによるアトミックな差し替えで行う。
// クラッシュしても直前の完全なドキュメントが残る。
type FileStore struct {
	path string
}

// NewFileStore はFileStoreの新しいインスタンスを生成する。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load はドキュメントファイルを読み込む。
// ファイルが存在しない場合は(nil, nil)を返す。
func (s *FileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read document file: %w", err)
	}
	return data, nil
}

// Save はドキュメントをアトミックに保存する。
// 同一ディレクトリの一時ファイルに書き出してからrenameする。
func (s *FileStore) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace document file: %w", err)
	}
	return nil
}

// Close はリソースを解放する。FileStoreでは何もしない。
func (s *FileStore) Close() error {
	return nil
}
