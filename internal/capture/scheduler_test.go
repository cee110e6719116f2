package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/document"
	"github.com/hitoshi/feedsync/internal/ingest"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/syncer"
)

// mockFeedFetcher は指定した結果を返すフェッチャーのモック。
// フェッチされたURLを記録する。
type mockFeedFetcher struct {
	mu      sync.Mutex
	fetched []string
	results map[string]*FetchResult
	errs    map[string]error
}

func newMockFeedFetcher() *mockFeedFetcher {
	return &mockFeedFetcher{
		results: make(map[string]*FetchResult),
		errs:    make(map[string]error),
	}
}

func (m *mockFeedFetcher) Fetch(ctx context.Context, feedURL string) (*FetchResult, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, feedURL)
	m.mu.Unlock()
	if err := m.errs[feedURL]; err != nil {
		return nil, err
	}
	if result := m.results[feedURL]; result != nil {
		return result, nil
	}
	return &FetchResult{}, nil
}

func (m *mockFeedFetcher) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fetched)
}

// memoryStore はテスト用のインメモリストレージ。
type memoryStore struct {
	mu   sync.Mutex
	data []byte
}

func (s *memoryStore) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, nil
}

func (s *memoryStore) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *memoryStore) Close() error { return nil }

// rawSanitizer は入力をそのまま返すサニタイザーのモック。
type rawSanitizer struct{}

func (rawSanitizer) Sanitize(rawHTML string) string  { return rawHTML }
func (rawSanitizer) StripTags(rawHTML string) string { return rawHTML }

// startTestSyncer はインメモリストレージ上でSyncerを起動する。
func startTestSyncer(t *testing.T) *syncer.Syncer {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(discardWriter{}, nil))
	svc := ingest.NewService(rawSanitizer{}, nil, logger)
	s := syncer.New(document.New("capture-test"), syncer.Config{
		Store:  &memoryStore{},
		Ingest: svc,
		Logger: logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// subscribeFeed はフィードをドキュメントに登録する。
func subscribeFeed(t *testing.T, s *syncer.Syncer, feedURL string, enabled bool) {
	t.Helper()
	err := s.Change(context.Background(), func(dr *document.Draft) error {
		dr.PutRssFeed(&model.RssFeed{URL: feedURL, Enabled: enabled})
		return nil
	})
	if err != nil {
		t.Fatalf("failed to subscribe feed %s: %v", feedURL, err)
	}
}

// newTestScheduler はモックフェッチャー付きのSchedulerを生成する。
func newTestScheduler(s *syncer.Syncer, fetcher *mockFeedFetcher) *Scheduler {
	logger := slog.New(slog.NewJSONHandler(discardWriter{}, nil))
	return NewScheduler(s, fetcher, ingest.NewLimiter(), logger, 2)
}

func TestSchedulerRunOnce_FetchesEnabledFeedsOnly(t *testing.T) {
	s := startTestSyncer(t)
	subscribeFeed(t, s, "https://a.example.com/feed.xml", true)
	subscribeFeed(t, s, "https://b.example.com/feed.xml", false)

	fetcher := newMockFeedFetcher()
	fetcher.results["https://a.example.com/feed.xml"] = &FetchResult{
		Title: "ブログA",
		Items: []*model.FeedItem{
			{
				Platform:  model.PlatformRSS,
				Content:   model.Content{Text: "記事1"},
				SourceURL: "https://a.example.com/posts/1",
				FeedURL:   "https://a.example.com/feed.xml",
			},
		},
	}

	sched := newTestScheduler(s, fetcher)
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	fetcher.mu.Lock()
	fetched := append([]string(nil), fetcher.fetched...)
	fetcher.mu.Unlock()
	if len(fetched) != 1 || fetched[0] != "https://a.example.com/feed.xml" {
		t.Fatalf("fetched = %v, want only the enabled feed", fetched)
	}

	state := s.Current().State()
	if len(state.FeedItems) != 1 {
		t.Fatalf("len(Items) = %d, want 1 ingested item", len(state.FeedItems))
	}
	feed := state.RssFeeds["https://a.example.com/feed.xml"]
	if feed == nil {
		t.Fatal("feed not found in state")
	}
	if feed.LastFetched == 0 {
		t.Error("expected LastFetched to be updated")
	}
	if feed.Title != "ブログA" {
		t.Errorf("Title = %q, want feed-declared title", feed.Title)
	}
}

func TestSchedulerRunOnce_NotModifiedOnlyTouchesLastFetched(t *testing.T) {
	s := startTestSyncer(t)
	subscribeFeed(t, s, "https://a.example.com/feed.xml", true)

	fetcher := newMockFeedFetcher()
	fetcher.results["https://a.example.com/feed.xml"] = &FetchResult{NotModified: true}

	sched := newTestScheduler(s, fetcher)
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	state := s.Current().State()
	if len(state.FeedItems) != 0 {
		t.Errorf("len(Items) = %d, want 0 for 304 response", len(state.FeedItems))
	}
	if state.RssFeeds["https://a.example.com/feed.xml"].LastFetched == 0 {
		t.Error("expected LastFetched to be updated even on 304")
	}
}

func TestSchedulerRunOnce_KeepsUserTitleOverride(t *testing.T) {
	s := startTestSyncer(t)
	err := s.Change(context.Background(), func(dr *document.Draft) error {
		dr.PutRssFeed(&model.RssFeed{
			URL:     "https://a.example.com/feed.xml",
			Title:   "自分でつけた名前",
			Enabled: true,
		})
		return nil
	})
	if err != nil {
		t.Fatalf("failed to subscribe feed: %v", err)
	}

	fetcher := newMockFeedFetcher()
	fetcher.results["https://a.example.com/feed.xml"] = &FetchResult{Title: "フィード側のタイトル"}

	sched := newTestScheduler(s, fetcher)
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	feed := s.Current().State().RssFeeds["https://a.example.com/feed.xml"]
	if feed.Title != "自分でつけた名前" {
		t.Errorf("Title = %q, user override must survive a capture cycle", feed.Title)
	}
	if feed.LastFetched == 0 {
		t.Error("expected LastFetched to be updated")
	}
}

func TestSchedulerRunOnce_NoFeedsIsNoOp(t *testing.T) {
	s := startTestSyncer(t)
	fetcher := newMockFeedFetcher()
	sched := newTestScheduler(s, fetcher)

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if fetcher.fetchCount() != 0 {
		t.Errorf("fetchCount = %d, want 0", fetcher.fetchCount())
	}
}

func TestSchedulerRunOnce_SuccessStartsCooldown(t *testing.T) {
	s := startTestSyncer(t)
	subscribeFeed(t, s, "https://a.example.com/feed.xml", true)

	fetcher := newMockFeedFetcher()
	sched := newTestScheduler(s, fetcher)

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce returned error: %v", err)
	}
	if fetcher.fetchCount() != 1 {
		t.Fatalf("fetchCount = %d, want 1", fetcher.fetchCount())
	}

	// 2回目はクールダウン中のため即座に成功し、フェッチは行われない
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce returned error: %v", err)
	}
	if fetcher.fetchCount() != 1 {
		t.Errorf("fetchCount = %d, want 1 (cooldown should skip the cycle)", fetcher.fetchCount())
	}
}

func TestSchedulerRunOnce_AllFailuresRecordError(t *testing.T) {
	s := startTestSyncer(t)
	subscribeFeed(t, s, "https://a.example.com/feed.xml", true)
	subscribeFeed(t, s, "https://b.example.com/feed.xml", true)

	fetcher := newMockFeedFetcher()
	fetcher.errs["https://a.example.com/feed.xml"] = errors.New("connection refused")
	fetcher.errs["https://b.example.com/feed.xml"] = errors.New("connection refused")

	limiter := ingest.NewLimiter()
	logger := slog.New(slog.NewJSONHandler(discardWriter{}, nil))
	sched := NewScheduler(s, fetcher, limiter, logger, 2)

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	// 全フィード失敗時はエラーが記録され、クールダウンが延長される
	wait, ok := limiter.Allow(model.PlatformRSS)
	if ok {
		t.Fatal("expected RSS platform to be cooling down after total failure")
	}
	if wait < 15*time.Minute {
		t.Errorf("wait = %v, want at least the error cooldown", wait)
	}
}

func TestSchedulerRunOnce_PartialFailureStillSucceeds(t *testing.T) {
	s := startTestSyncer(t)
	subscribeFeed(t, s, "https://a.example.com/feed.xml", true)
	subscribeFeed(t, s, "https://b.example.com/feed.xml", true)

	fetcher := newMockFeedFetcher()
	fetcher.errs["https://a.example.com/feed.xml"] = errors.New("connection refused")
	fetcher.results["https://b.example.com/feed.xml"] = &FetchResult{
		Items: []*model.FeedItem{
			{
				Platform:  model.PlatformRSS,
				Content:   model.Content{Text: "生き残った記事"},
				SourceURL: "https://b.example.com/posts/1",
				FeedURL:   "https://b.example.com/feed.xml",
			},
		},
	}

	sched := newTestScheduler(s, fetcher)
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if len(s.Current().State().FeedItems) != 1 {
		t.Errorf("len(Items) = %d, want 1 from the surviving feed", len(s.Current().State().FeedItems))
	}
}
