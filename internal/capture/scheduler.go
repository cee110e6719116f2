package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/feedsync/internal/document"
	"github.com/hitoshi/feedsync/internal/ingest"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/syncer"
)

// FeedFetcher はフィードフェッチの実行インターフェース。
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL string) (*FetchResult, error)
}

// Scheduler はフィードフェッチのスケジューリングと並列制御を行う。
// 定期ティッカーで有効なフィードを列挙し、semaphoreパターンで
// 最大並列数を制御しながらフェッチと取り込みを実行する。
// プラットフォーム単位のクールダウンとリクエストペーシングも担う。
type Scheduler struct {
	sync           *syncer.Syncer
	fetcher        FeedFetcher
	limiter        *ingest.Limiter
	pacer          *rate.Limiter
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	sync *syncer.Syncer,
	fetcher FeedFetcher,
	limiter *ingest.Limiter,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		sync:    sync,
		fetcher: fetcher,
		limiter: limiter,
		// フィードサーバーへの礼儀として毎秒1リクエスト、バースト2まで
		pacer:          rate.NewLimiter(rate.Limit(1), 2),
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は定期ティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("キャプチャスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("キャプチャサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("キャプチャスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("キャプチャサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は有効なフィードを1回列挙し、並列でフェッチと取り込みを実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	// プラットフォーム単位のクールダウン確認
	if wait, ok := s.limiter.Allow(model.PlatformRSS); !ok {
		s.logger.Info("RSSフェッチはクールダウン中です",
			slog.Duration("wait", wait),
		)
		return nil
	}

	state := s.sync.Current().State()
	feeds := make([]string, 0, len(state.RssFeeds))
	for url, feed := range state.RssFeeds {
		if feed.Enabled {
			feeds = append(feeds, url)
		}
	}

	if len(feeds) == 0 {
		s.logger.Info("フェッチ対象のフィードはありません")
		return nil
	}

	s.logger.Info("キャプチャサイクルを開始します",
		slog.Int("feed_count", len(feeds)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0

	for _, feedURL := range feeds {
		// リクエストペーシング
		if err := s.pacer.Wait(ctx); err != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(url string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.captureOne(ctx, url); err != nil {
				s.logger.Error("フィードの取得に失敗しました",
					slog.String("feed_url", url),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}(feedURL)
	}

	wg.Wait()

	if failures == len(feeds) {
		s.limiter.RecordError(model.PlatformRSS)
	} else {
		s.limiter.RecordSuccess(model.PlatformRSS)
	}

	duration := time.Since(start)
	s.logger.Info("キャプチャサイクルが完了しました",
		slog.Int("feed_count", len(feeds)),
		slog.Int("failures", failures),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// captureOne はフィード1本をフェッチし、結果をドキュメントに取り込む。
func (s *Scheduler) captureOne(ctx context.Context, feedURL string) error {
	result, err := s.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()

	if result.NotModified {
		return s.sync.Change(ctx, func(dr *document.Draft) error {
			dr.SetFeedLastFetched(feedURL, now)
			return nil
		})
	}

	if len(result.Items) > 0 {
		report, err := s.sync.Ingest(ctx, result.Items)
		if err != nil {
			return err
		}
		s.logger.Info("フィードを取り込みました",
			slog.String("feed_url", feedURL),
			slog.Int("inserted", report.Inserted),
			slog.Int("updated", report.Updated),
			slog.Int("dropped", report.Dropped),
		)
	}

	return s.sync.Change(ctx, func(dr *document.Draft) error {
		dr.SetFeedLastFetched(feedURL, now)
		// タイトルはユーザーが上書きできるフィールドのため、
		// 未設定の場合に限りフィード申告のタイトルを採用する
		if result.Title != "" {
			if feed := dr.State().RssFeeds[feedURL]; feed != nil && feed.Title == "" {
				dr.SetFeedTitle(feedURL, result.Title)
			}
		}
		return nil
	})
}
