package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/security"
)

// PageSaver は「あとで読む」用のWebページ取得を行う。
// ユーザーが手動保存したURLをsavedプラットフォームのアイテムに変換する。
type PageSaver struct {
	guard       security.FetchGuardService
	timeout     time.Duration
	maxBodySize int64
}

// NewPageSaver はPageSaverの新しいインスタンスを生成する。
func NewPageSaver(guard security.FetchGuardService, timeout time.Duration, maxBodySize int64) *PageSaver {
	return &PageSaver{
		guard:       guard,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Save はページを取得してFeedItemに変換する。
// 本文のサニタイズと語数計算は取り込み側が行う。
func (p *PageSaver) Save(ctx context.Context, pageURL string) (*model.FeedItem, error) {
	if err := p.guard.ValidateURL(pageURL); err != nil {
		return nil, fmt.Errorf("URL検証に失敗: %w", err)
	}

	client := p.guard.NewSafeClient(p.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("無効なURL: %w", err)
	}
	req.Header.Set("User-Agent", "Feedsync/1.0 RSS Reader")
	req.Header.Set("Accept", "text/html, application/xhtml+xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ページの取得に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}

	title := extractTitle(body)
	if title == "" {
		title = pageURL
	}

	return &model.FeedItem{
		Platform:    model.PlatformSaved,
		ContentType: model.ContentTypePage,
		Content:     model.Content{Text: title},
		Preserved:   &model.PreservedContent{HTML: string(body)},
		SourceURL:   pageURL,
	}, nil
}

// extractTitle はHTMLの<title>要素のテキストを返す。見つからない場合は空文字。
func extractTitle(body []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}
		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				return ""
			}
		}
	}
}
