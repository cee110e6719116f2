// Package capture はRSS/Atomフィードの取得とFeedItemへの変換を行う。
//
// 取得はイベント駆動の収集側であり、ドキュメントへの書き込みは行わない。
// 変換結果のバッチを取り込みサービスに渡すのは呼び出し側（スケジューラ）の責務。
package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/security"
)

// MetricsRecorder はフェッチメトリクスの記録インターフェース。
type MetricsRecorder interface {
	RecordFetchSuccess(feedURL string)
	RecordFetchFailure(feedURL string, reason string)
	RecordFetchLatency(duration time.Duration)
}

// FetchResult はフィード1本のフェッチ結果。
type FetchResult struct {
	// Items は変換済みのアイテム。304の場合はnil。
	Items []*model.FeedItem
	// Title はフィード側が申告するタイトル。空の場合もある。
	Title string
	// NotModified は条件付きGETで304が返った場合にtrue。
	NotModified bool
}

// cacheEntry は条件付きGET用のバリデータ。
type cacheEntry struct {
	etag         string
	lastModified string
}

// Fetcher は個別フィードのHTTPフェッチとパースを行う。
// ETag/Last-Modifiedを使用した条件付きGET、SSRF検証、
// gofeedによるパースを実行する。
type Fetcher struct {
	guard       security.FetchGuardService
	metrics     MetricsRecorder
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(guard security.FetchGuardService, metrics MetricsRecorder, logger *slog.Logger, timeout time.Duration, maxBodySize int64) *Fetcher {
	return &Fetcher{
		guard:       guard,
		metrics:     metrics,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
		cache:       make(map[string]cacheEntry),
	}
}

// Fetch はフィードをフェッチし、FeedItemのバッチに変換して返す。
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*FetchResult, error) {
	start := time.Now()

	// SSRF検証
	if err := f.guard.ValidateURL(feedURL); err != nil {
		f.metrics.RecordFetchFailure(feedURL, "ssrf")
		return nil, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	client := f.guard.NewSafeClient(f.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	req.Header.Set("User-Agent", "Feedsync/1.0 RSS Reader")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET: ETag / Last-Modified
	f.mu.Lock()
	entry := f.cache[feedURL]
	f.mu.Unlock()
	if entry.etag != "" {
		req.Header.Set("If-None-Match", entry.etag)
	}
	if entry.lastModified != "" {
		req.Header.Set("If-Modified-Since", entry.lastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		f.metrics.RecordFetchFailure(feedURL, "http")
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	f.metrics.RecordFetchLatency(time.Since(start))

	if resp.StatusCode == http.StatusNotModified {
		f.logger.Info("フィードは未変更です（304）",
			slog.String("feed_url", feedURL),
		)
		f.metrics.RecordFetchSuccess(feedURL)
		return &FetchResult{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		f.metrics.RecordFetchFailure(feedURL, fmt.Sprintf("status_%d", resp.StatusCode))
		return nil, fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode)
	}

	// レスポンスボディを読み込み（最大サイズ制限付き）
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		f.metrics.RecordFetchFailure(feedURL, "read")
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	// ETag/Last-Modifiedを保存
	next := cacheEntry{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	if next.etag != "" || next.lastModified != "" {
		f.mu.Lock()
		f.cache[feedURL] = next
		f.mu.Unlock()
	}

	parser := gofeed.NewParser()
	parsedFeed, err := parser.ParseString(string(body))
	if err != nil {
		f.metrics.RecordFetchFailure(feedURL, "parse")
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	items := convertGofeedItems(feedURL, parsedFeed.Items)
	f.metrics.RecordFetchSuccess(feedURL)

	f.logger.Info("フィードフェッチが完了しました",
		slog.String("feed_url", feedURL),
		slog.Int("items_total", len(items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return &FetchResult{Items: items, Title: parsedFeed.Title}, nil
}

// convertGofeedItems はgofeedの記事をFeedItemに変換する。
// GlobalIDの導出は取り込み側が行うため、ここでは設定しない。
func convertGofeedItems(feedURL string, items []*gofeed.Item) []*model.FeedItem {
	converted := make([]*model.FeedItem, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		link := item.Link
		// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
		if link == "" && item.GUID != "" &&
			(strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
			link = item.GUID
		}

		text := item.Title
		if item.Description != "" {
			text = item.Title + "\n" + item.Description
		}

		fi := &model.FeedItem{
			Platform:    model.PlatformRSS,
			ContentType: model.ContentTypeArticle,
			Content:     model.Content{Text: text},
			SourceID:    item.GUID,
			SourceURL:   link,
			FeedURL:     feedURL,
		}

		// 著者情報
		if item.Author != nil {
			fi.Author = model.Author{ID: item.Author.Name, DisplayName: item.Author.Name}
		} else if len(item.Authors) > 0 && item.Authors[0] != nil {
			fi.Author = model.Author{ID: item.Authors[0].Name, DisplayName: item.Authors[0].Name}
		}

		// 公開日時
		if item.PublishedParsed != nil {
			fi.PublishedAt = item.PublishedParsed.UnixMilli()
		} else if item.UpdatedParsed != nil {
			fi.PublishedAt = item.UpdatedParsed.UnixMilli()
		}

		// 本文がある場合は全文として保持する（サニタイズは取り込み側）
		if item.Content != "" {
			fi.Preserved = &model.PreservedContent{HTML: item.Content}
		}

		// カテゴリはトピックとして扱う
		if len(item.Categories) > 0 {
			fi.Topics = append([]string(nil), item.Categories...)
		}

		converted = append(converted, fi)
	}

	return converted
}
