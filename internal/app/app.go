// Package app はアプリケーションの初期化・ワイヤリング・起動を行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedsync/internal/capture"
	"github.com/hitoshi/feedsync/internal/config"
	"github.com/hitoshi/feedsync/internal/handler"
	"github.com/hitoshi/feedsync/internal/ingest"
	"github.com/hitoshi/feedsync/internal/logger"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/relay"
	"github.com/hitoshi/feedsync/internal/security"
	"github.com/hitoshi/feedsync/internal/storage"
	"github.com/hitoshi/feedsync/internal/syncer"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("FEEDSYNC_HTTP_PORT")
		if port == "" {
			port = "8766"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("device", cfg.DeviceName),
		slog.String("data_dir", cfg.DataDir),
	)

	switch cmd {
	case CommandHub:
		return runHub(cfg)
	default:
		return runServe(cfg)
	}
}

// openStore は設定に応じたストレージ実装を開く。
func openStore(cfg *config.Config) (storage.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	switch cfg.StorageBackend {
	case config.StorageSQLite:
		return storage.NewSQLiteStore(cfg.SQLitePath())
	default:
		return storage.NewFileStore(cfg.DocumentPath()), nil
	}
}

// runServe はデバイスデーモンモードで起動する。
// ドキュメントの復元、同期キュー、中継、取得スケジューラ、
// ローカルHTTPサーフェスをすべてワイヤリングして起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. ストレージとドキュメントの復元
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	doc, err := syncer.LoadOrCreate(ctx, store, cfg.DeviceName, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to restore document: %w", err)
	}

	slog.Info("document restored",
		slog.String("device_id", doc.Meta().DeviceID),
		slog.Int("op_count", doc.OpCount()),
		slog.Int("item_count", len(doc.State().FeedItems)),
	)

	// 3. セキュリティサービス
	guard := security.NewFetchGuard()
	sanitizer := security.NewContentSanitizer()

	// 4. 取り込みと同期キュー
	ingestSvc := ingest.NewService(sanitizer, collector, slog.Default())
	syn := syncer.New(doc, syncer.Config{
		Store:   store,
		Ingest:  ingestSvc,
		Logger:  slog.Default(),
		Metrics: collector,
	})
	go syn.Run(ctx)

	// 5. 中継: ハブアドレス未設定の場合は自デバイスがハブを兼ねる。
	// その場合もドキュメント参加はループバック経由のクライアントとして行い、
	// ハブ本体は純粋な中継のままにする。
	hubAddr := cfg.RelayHubAddr
	var hub *relay.Hub
	if hubAddr == "" {
		hub = relay.NewHub(slog.Default(), collector)
		if err := hub.Listen(fmt.Sprintf(":%d", cfg.RelayPort)); err != nil {
			return fmt.Errorf("failed to listen on relay port: %w", err)
		}
		go func() {
			if err := hub.Serve(ctx); err != nil {
				slog.Error("relay hub stopped", slog.String("error", err.Error()))
			}
		}()
		hubAddr = fmt.Sprintf("127.0.0.1:%d", cfg.RelayPort)
	}

	client := relay.NewClient(relay.ClientConfig{
		Addr:    hubAddr,
		Logger:  slog.Default(),
		Metrics: collector,
		OnDoc: func(ctx context.Context, data []byte) {
			if err := syn.MergeRemote(ctx, data); err != nil {
				slog.Error("リモートスナップショットのマージに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		},
		Snapshot:      syn.Snapshot,
		RetryInterval: cfg.RelayRetryInterval,
		PingInterval:  cfg.RelayPingInterval,
	})
	syn.SetBroadcaster(client)
	go client.Run(ctx)

	// 6. 取得スケジューラ
	fetcher := capture.NewFetcher(guard, collector, slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize)
	limiter := ingest.NewLimiter()
	scheduler := capture.NewScheduler(syn, fetcher, limiter, slog.Default(), cfg.FetchMaxConcurrent)
	go scheduler.Start(ctx, cfg.CaptureInterval)

	// 7. ローカルHTTPサーフェス
	detector := capture.NewFeedDetector(guard, cfg.FetchTimeout, cfg.FetchMaxSize)
	pageSaver := capture.NewPageSaver(guard, cfg.FetchTimeout, cfg.FetchMaxSize)

	router := handler.NewRouter(&handler.RouterDeps{
		Docs:      syn,
		Detector:  detector,
		PageSaver: pageSaver,
		Relay:     client,
		Gatherer:  registry,
		Logger:    slog.Default(),
	})

	server := &http.Server{
		Addr:         "127.0.0.1:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("local HTTP surface starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if hub != nil {
		hub.Close()
	}

	slog.Info("stopped gracefully")
	return nil
}

// runHub は中継ハブ専用モードで起動する。
// ドキュメントを持たないため、ストレージもHTTPサーフェスも開かない。
func runHub(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	hub := relay.NewHub(slog.Default(), collector)
	if err := hub.Listen(fmt.Sprintf(":%d", cfg.RelayPort)); err != nil {
		return fmt.Errorf("failed to listen on relay port: %w", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down relay hub...")
		cancel()
		hub.Close()
	}()

	slog.Info("relay hub starting",
		slog.Int("port", cfg.RelayPort),
	)

	if err := hub.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("relay hub failed: %w", err)
	}

	slog.Info("relay hub stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// 型整合の静的チェック。syncerはハンドラーのDocumentServiceを満たす。
var _ handler.DocumentService = (*syncer.Syncer)(nil)
var _ syncer.Broadcaster = (*relay.Client)(nil)
var _ handler.ConnectivityReporter = (*relay.Client)(nil)
