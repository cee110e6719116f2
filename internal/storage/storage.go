// Package storage はドキュメントの直列化バイト列の永続化を提供する。
// ファイルシステム実装とSQLite実装は同一の契約を満たし、交換可能。
package storage

import "context"

// Store はドキュメントのバイト列を永続化する契約。
// Loadはドキュメントが存在しない場合に(nil, nil)を返す。
// Saveはアトミックに完了するか失敗する。部分書き込みは許されない。
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Close() error
}
