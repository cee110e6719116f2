// Package syncer はドキュメントの単一書き込みキューを提供する。
//
// イベント駆動の取得・中継I/Oと純粋なマージ処理を分離するため、
// すべてのドキュメント変更（ローカル操作・取り込み・リモートマージ）は
// 1本のリクエストチャネルを通り、1つのgoroutineが順番に適用する。
// プロセス内のスレッド間並行変更はこの直列化により排除される。
// プロセス間の並行変更はCRDTマージが解決する。
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hitoshi/feedsync/internal/document"
	"github.com/hitoshi/feedsync/internal/ingest"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/storage"
)

// Broadcaster はローカル変更後のスナップショット配信先。
// relay.Clientが実装する。
type Broadcaster interface {
	SendDoc(data []byte)
}

// MetricsRecorder は同期メトリクスの記録インターフェース。
type MetricsRecorder interface {
	RecordMerge(duration time.Duration)
	RecordDocSave()
}

// request はキューを流れる変更要求1件。
type request struct {
	apply func(doc *document.Document) (*document.Document, error)
	// broadcast はローカル発の変更のみtrue。
	// リモートから受けたスナップショットのマージ結果は再配信しない
	// （ハブのフラッディングが既に配送しているため）。
	broadcast bool
	reply     chan error
}

// Syncer はドキュメントの論理的な単一所有者。
type Syncer struct {
	store       storage.Store
	ingestSvc   *ingest.Service
	logger      *slog.Logger
	metrics     MetricsRecorder
	broadcaster atomic.Pointer[Broadcaster]

	requests chan request
	snapshot atomic.Pointer[document.Document]

	// onChange はマージ・変更の完了ごとに呼ばれる通知フック。
	// UI側の投影（hydrate）の再計算に使われる。
	onChange func(*document.Document)
}

// Config はSyncerの構成。
type Config struct {
	Store     storage.Store
	Ingest    *ingest.Service
	Logger    *slog.Logger
	Metrics   MetricsRecorder
	OnChange  func(*document.Document)
	QueueSize int // 0の場合は64
}

// New はSyncerの新しいインスタンスを生成する。
// docは起動時にLoadOrCreateで復元したドキュメントを渡す。
func New(doc *document.Document, cfg Config) *Syncer {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	s := &Syncer{
		store:     cfg.Store,
		ingestSvc: cfg.Ingest,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		requests:  make(chan request, size),
		onChange:  cfg.OnChange,
	}
	s.snapshot.Store(doc)
	return s
}

// LoadOrCreate はストレージからドキュメントを復元する。
// 未保存の場合は新規作成する。破損していた場合は通知のうえ
// 新規ドキュメントにフォールバックする（黙って破棄はしない）。
func LoadOrCreate(ctx context.Context, store storage.Store, deviceName string, logger *slog.Logger) (*document.Document, error) {
	data, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load document from storage: %w", err)
	}
	if data == nil {
		logger.Info("保存されたドキュメントが無いため新規作成します")
		return document.New(deviceName), nil
	}

	doc, err := document.Load(data)
	if err != nil {
		var appErr *model.AppError
		if errors.As(err, &appErr) && appErr.Code == model.ErrCodeCorruptDocument {
			logger.Error("ドキュメントが破損しています。新規ドキュメントで開始します",
				slog.String("error", appErr.Message),
			)
			return document.New(deviceName), nil
		}
		return nil, err
	}
	return doc, nil
}

// SetBroadcaster はローカル変更の配信先を設定する。起動時に1回呼ぶ。
func (s *Syncer) SetBroadcaster(b Broadcaster) {
	s.broadcaster.Store(&b)
}

// Run は変更キューの処理ループを実行する。
// コンテキストがキャンセルされるまで返らない。
func (s *Syncer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			req.reply <- s.process(ctx, req)
		}
	}
}

// process は変更要求1件を適用・永続化・配信する。
func (s *Syncer) process(ctx context.Context, req request) error {
	cur := s.snapshot.Load()

	next, err := req.apply(cur)
	if err != nil {
		return err
	}
	if next == cur {
		return nil
	}

	data, err := next.Save()
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, data); err != nil {
		s.logger.Error("ドキュメントの保存に失敗しました", slog.String("error", err.Error()))
		return model.NewStorageFailedError(err.Error())
	}
	if s.metrics != nil {
		s.metrics.RecordDocSave()
	}

	s.snapshot.Store(next)

	if req.broadcast {
		if bp := s.broadcaster.Load(); bp != nil {
			(*bp).SendDoc(data)
		}
	}
	if s.onChange != nil {
		s.onChange(next)
	}
	return nil
}

// submit は変更要求をキューに投入して完了を待つ。
func (s *Syncer) submit(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.requests <- req:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.reply:
		return err
	}
}

// Apply はローカルのドキュメント操作を適用する。
// opには (*document.Document) のメソッド（AddRssFeed等）を包んで渡す。
func (s *Syncer) Apply(ctx context.Context, op func(doc *document.Document) (*document.Document, error)) error {
	return s.submit(ctx, request{apply: op, broadcast: true})
}

// Change はDraftミューテータによるローカル変更を適用する。
func (s *Syncer) Change(ctx context.Context, mutator func(*document.Draft) error) error {
	return s.Apply(ctx, func(doc *document.Document) (*document.Document, error) {
		return doc.Change(mutator)
	})
}

// Ingest は取得結果のバッチを取り込む。
func (s *Syncer) Ingest(ctx context.Context, items []*model.FeedItem) (ingest.Report, error) {
	var report ingest.Report
	err := s.submit(ctx, request{
		broadcast: true,
		apply: func(doc *document.Document) (*document.Document, error) {
			next, r, err := s.ingestSvc.Ingest(doc, items, time.Now())
			if err != nil {
				return nil, err
			}
			report = r
			return next, nil
		},
	})
	return report, err
}

// MergeRemote はリモートから受信したスナップショットをマージする。
// スキーマ不一致・破損は部分適用なしで報告され、
// ローカルのスナップショットは変更されない。
func (s *Syncer) MergeRemote(ctx context.Context, data []byte) error {
	return s.submit(ctx, request{
		broadcast: false,
		apply: func(doc *document.Document) (*document.Document, error) {
			start := time.Now()
			next, err := doc.MergeBytes(data)
			if err != nil {
				return nil, err
			}
			if s.metrics != nil {
				s.metrics.RecordMerge(time.Since(start))
			}
			return next.WithLastSyncAt(time.Now().UnixMilli()), nil
		},
	})
}

// Snapshot は現在のドキュメントの直列化バイト列を返す。
// 中継のrequest応答に使われる。
func (s *Syncer) Snapshot(_ context.Context) ([]byte, error) {
	return s.snapshot.Load().Save()
}

// Current は現在のスナップショットを返す。読み取り専用。
func (s *Syncer) Current() *document.Document {
	return s.snapshot.Load()
}
