// Package handler はローカルHTTPサーフェスを提供する。
// ランキング済みフィードの読み取りとユーザー操作の適用口であり、
// デバイス上のUIプロセスからのみ利用される想定。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedsync/internal/document"
	"github.com/hitoshi/feedsync/internal/ingest"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/model"
)

// DocumentService はハンドラーが必要とするドキュメント操作のインターフェース。
// syncer.Syncerが実装する。
type DocumentService interface {
	Current() *document.Document
	Apply(ctx context.Context, op func(doc *document.Document) (*document.Document, error)) error
	Ingest(ctx context.Context, items []*model.FeedItem) (ingest.Report, error)
}

// FeedDetectorService はフィード自動検出のインターフェース。
type FeedDetectorService interface {
	DetectFeedURL(ctx context.Context, inputURL string) (string, error)
}

// PageSaverService は「あとで読む」ページ取得のインターフェース。
type PageSaverService interface {
	Save(ctx context.Context, pageURL string) (*model.FeedItem, error)
}

// ConnectivityReporter は中継接続状態の参照インターフェース。
type ConnectivityReporter interface {
	Connected() bool
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Docs      DocumentService
	Detector  FeedDetectorService
	PageSaver PageSaverService
	Relay     ConnectivityReporter
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	itemHandler := NewItemHandler(deps.Docs)
	feedHandler := NewFeedHandler(deps.Docs, deps.Detector, deps.PageSaver)
	statusHandler := NewStatusHandler(deps.Docs, deps.Relay)

	// フィード読み取り
	r.Get("/feed", itemHandler.ListFeed)

	// アイテム操作
	r.Route("/items/{globalId}", func(r chi.Router) {
		r.Put("/state", itemHandler.UpdateItemState)
		r.Put("/tags", itemHandler.SetTags)
	})

	// フィード管理
	r.Route("/feeds", func(r chi.Router) {
		r.Post("/", feedHandler.RegisterFeed)
		r.Delete("/", feedHandler.DeleteFeed)
	})

	// あとで読む
	r.Post("/saved", feedHandler.SavePage)

	// 設定
	r.Put("/prefs", feedHandler.UpdatePreferences)

	// メンテナンス
	r.Post("/compact", statusHandler.Compact)

	// 状態
	r.Get("/status", statusHandler.Status)
	r.Get("/healthz", statusHandler.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	return r
}
