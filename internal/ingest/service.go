package ingest

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/feedsync/internal/document"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/security"
)

// MetricsRecorder は取り込みメトリクスの記録インターフェース。
type MetricsRecorder interface {
	RecordIngest(inserted, updated, dropped int)
}

// Report は取り込みバッチ1回の結果を表す。
type Report struct {
	Inserted int
	Updated  int
	Dropped  int
	// DroppedItems はIDを導出できなかったアイテムの理由リスト。
	// ログとエラー通知に使用される。自動リトライはしない。
	DroppedItems []string
}

// Service は取得結果のドキュメントへの取り込みを行う。
// 同一GlobalIDのアイテムは生の上書きではなくコンテンツマージされる。
type Service struct {
	sanitizer security.ContentSanitizerService
	metrics   MetricsRecorder
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewService(sanitizer security.ContentSanitizerService, metrics MetricsRecorder, logger *slog.Logger) *Service {
	return &Service{
		sanitizer: sanitizer,
		metrics:   metrics,
		logger:    logger,
	}
}

// Ingest はアイテムのバッチをドキュメントに取り込み、新しいスナップショットを返す。
//
// 取り込み規則:
//   - 新規ID: userStateをデフォルト値で初期化して挿入する
//   - 既存ID: コンテンツマージを行う。エンゲージメントは常に最新値で更新、
//     本文は保存済みより長い場合のみ採用、全文抽出結果は未保存の場合のみ設定。
//     userStateとpriorityには一切触れない。
//   - IDを導出できないアイテム: 破棄してReportに記録する
//
// バッチ内に同一IDの複製が含まれる場合、2件目以降は再取得として
// 扱われるため、結果のアイテム数は相異なるIDの数に収束する。
func (s *Service) Ingest(doc *document.Document, items []*model.FeedItem, now time.Time) (*document.Document, Report, error) {
	report := Report{}
	nowMillis := now.UnixMilli()

	newDoc, err := doc.Change(func(dr *document.Draft) error {
		for _, incoming := range items {
			gid, deriveErr := DeriveGlobalID(incoming)
			if deriveErr != nil {
				report.Dropped++
				report.DroppedItems = append(report.DroppedItems, deriveErr.Error())
				s.logger.Warn("アイテムのIDを導出できないため破棄します",
					slog.String("platform", string(incoming.Platform)),
					slog.String("error", deriveErr.Error()),
				)
				continue
			}

			existing, ok := dr.State().FeedItems[gid]
			if !ok {
				dr.PutItem(s.newItem(gid, incoming, nowMillis))
				report.Inserted++
				continue
			}

			s.mergeContent(dr, existing, incoming)
			report.Updated++
		}
		return nil
	})
	if err != nil {
		return nil, Report{}, fmt.Errorf("failed to apply ingest batch: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordIngest(report.Inserted, report.Updated, report.Dropped)
	}
	s.logger.Info("取り込みバッチ完了",
		slog.Int("inserted", report.Inserted),
		slog.Int("updated", report.Updated),
		slog.Int("dropped", report.Dropped),
	)
	return newDoc, report, nil
}

// newItem は新規挿入するアイテムを構築する。
// userStateはゼロ値、priorityは未計算で初期化される。
func (s *Service) newItem(gid string, incoming *model.FeedItem, nowMillis int64) *model.FeedItem {
	item := incoming.Clone()
	item.GlobalID = gid
	item.UserState = model.UserState{}
	item.Priority = 0
	item.PriorityComputed = 0
	if item.CapturedAt == 0 {
		item.CapturedAt = nowMillis
	}
	item.Topics = normalizeTopics(item.Topics)
	item.Preserved = s.sanitizePreserved(item.Preserved)
	return item
}

// mergeContent は既存アイテムへの再取得をコンテンツマージとして適用する。
// 揮発的フィールドのみ更新し、userStateとpriorityは保持される。
func (s *Service) mergeContent(dr *document.Draft, existing, incoming *model.FeedItem) {
	gid := existing.GlobalID

	// エンゲージメントは常に最新値で上書きする
	if incoming.Engagement != nil {
		e := *incoming.Engagement
		dr.SetItemEngagement(gid, &e)
	}

	// 本文: プラットフォームが後から全文を開示する場合があるため、
	// 保存済みより長いテキストのみ採用する
	if len(incoming.Content.Text) > len(existing.Content.Text) {
		content := incoming.Content
		content.MediaURLs = append([]string(nil), incoming.Content.MediaURLs...)
		content.MediaTypes = append([]string(nil), incoming.Content.MediaTypes...)
		dr.SetItemContent(gid, content)
	}

	// 全文抽出結果は未保存の場合のみ設定する
	if existing.Preserved == nil && incoming.Preserved != nil {
		dr.SetItemPreserved(gid, s.sanitizePreserved(incoming.Preserved))
	}

	// トピックは取得のたびに更新されうる（ハッシュタグの編集等）
	if topics := normalizeTopics(incoming.Topics); topics != nil && !equalStrings(topics, existing.Topics) {
		dr.SetItemTopics(gid, topics)
	}
}

// readingWordsPerMinute は読了時間の推定に使う1分あたりの語数。
const readingWordsPerMinute = 200

// sanitizePreserved は全文抽出結果をサニタイズして返す。
// 語数と読了時間が未設定の場合はテキストから導出する。
func (s *Service) sanitizePreserved(p *model.PreservedContent) *model.PreservedContent {
	if p == nil {
		return nil
	}
	c := *p
	c.HTML = s.sanitizer.Sanitize(p.HTML)
	if c.Text == "" && c.HTML != "" {
		c.Text = s.sanitizer.StripTags(p.HTML)
	}
	if c.WordCount == 0 && c.Text != "" {
		c.WordCount = len(strings.Fields(c.Text))
	}
	if c.ReadingTime == 0 && c.WordCount > 0 {
		c.ReadingTime = (c.WordCount + readingWordsPerMinute - 1) / readingWordsPerMinute
	}
	return &c
}

// normalizeTopics はトピックを小文字化し、空要素を除去する。
func normalizeTopics(topics []string) []string {
	if len(topics) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		normalized = append(normalized, t)
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
