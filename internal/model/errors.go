// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// AppError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type AppError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: document, sync, ingest, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeCorruptDocument   = "CORRUPT_DOCUMENT"
	ErrCodeSchemaMismatch    = "SCHEMA_MISMATCH"
	ErrCodeIngestDropped     = "INGEST_DROPPED"
	ErrCodeRelayDisconnected = "RELAY_DISCONNECTED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeStorageFailed     = "STORAGE_FAILED"
)

// NewCorruptDocumentError はドキュメント読み込み失敗エラーを生成する。
// 呼び出し元は空ドキュメントへのフォールバックとユーザーへの通知を行うこと。
// 黙って破棄してはならない。
func NewCorruptDocumentError(reason string) *AppError {
	return &AppError{
		Code:     ErrCodeCorruptDocument,
		Message:  fmt.Sprintf("保存されたデータを読み込めませんでした: %s", reason),
		Category: "document",
		Action:   "データが破損している可能性があります。新しいドキュメントから開始されます。",
	}
}

// NewSchemaMismatchError はスキーマバージョン不一致エラーを生成する。
// 自動マイグレーションは行わず、呼び出し元に通知する。
func NewSchemaMismatchError(local, remote int) *AppError {
	return &AppError{
		Code:     ErrCodeSchemaMismatch,
		Message:  fmt.Sprintf("ドキュメントのスキーマバージョンが一致しません: ローカル=%d リモート=%d", local, remote),
		Category: "sync",
		Action:   "すべてのデバイスのアプリを最新バージョンに更新してください。",
	}
}

// NewIngestDroppedError は取り込み時にIDを導出できなかったアイテムのエラーを生成する。
// 自動リトライはせず、ログとカウンタに記録する。
func NewIngestDroppedError(platform string, reason string) *AppError {
	return &AppError{
		Code:     ErrCodeIngestDropped,
		Message:  fmt.Sprintf("アイテムのIDを導出できなかったため取り込みをスキップしました: platform=%s %s", platform, reason),
		Category: "ingest",
		Action:   "取得元のデータが不完全です。次回の取得で正常なデータが得られれば自動的に取り込まれます。",
	}
}

// NewRelayDisconnectedError は同期接続の切断エラーを生成する。
// 一時的なエラーであり、バックオフ付きでリトライされる。
func NewRelayDisconnectedError(addr string, reason string) *AppError {
	return &AppError{
		Code:     ErrCodeRelayDisconnected,
		Message:  fmt.Sprintf("同期サーバーに接続できませんでした: %s (%s)", addr, reason),
		Category: "sync",
		Action:   "同一ネットワーク上で同期ハブが起動しているか確認してください。自動的に再接続を試みます。",
	}
}

// NewRateLimitedError は取得元のレート制限エラーを生成する。
// エラーではなく待機時間として報告される。
func NewRateLimitedError(platform string, wait time.Duration) *AppError {
	return &AppError{
		Code:     ErrCodeRateLimited,
		Message:  fmt.Sprintf("取得元 %s はレート制限中です。%s 後に再試行してください。", platform, wait.Round(time.Second)),
		Category: "ingest",
		Action:   fmt.Sprintf("%s 待ってから再度取得してください。", wait.Round(time.Second)),
	}
}

// NewStorageFailedError はストレージ保存失敗エラーを生成する。
func NewStorageFailedError(reason string) *AppError {
	return &AppError{
		Code:     ErrCodeStorageFailed,
		Message:  fmt.Sprintf("データの保存に失敗しました: %s", reason),
		Category: "system",
		Action:   "ディスクの空き容量と書き込み権限を確認してください。",
	}
}
