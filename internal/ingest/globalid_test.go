package ingest

import (
	"strings"
	"testing"

	"github.com/hitoshi/feedsync/internal/model"
)

func TestDeriveGlobalID(t *testing.T) {
	tests := []struct {
		name    string
		item    *model.FeedItem
		want    string
		wantErr bool
	}{
		{
			name: "ネイティブIDを持つプラットフォーム",
			item: &model.FeedItem{Platform: model.PlatformX, SourceID: "1234567890"},
			want: "x:1234567890",
		},
		{
			name: "YouTube動画ID",
			item: &model.FeedItem{Platform: model.PlatformYouTube, SourceID: "dQw4w9WgXcQ"},
			want: "youtube:dQw4w9WgXcQ",
		},
		{
			name:    "ネイティブID欠落",
			item:    &model.FeedItem{Platform: model.PlatformReddit},
			wantErr: true,
		},
		{
			name: "RSSはフィードURLとリンクのハッシュ",
			item: &model.FeedItem{
				Platform:  model.PlatformRSS,
				FeedURL:   "https://example.com/feed.xml",
				SourceURL: "https://example.com/post/1",
			},
		},
		{
			name:    "RSSでフィードURL欠落",
			item:    &model.FeedItem{Platform: model.PlatformRSS, SourceURL: "https://example.com/post/1"},
			wantErr: true,
		},
		{
			name:    "RSSでリンク欠落",
			item:    &model.FeedItem{Platform: model.PlatformRSS, FeedURL: "https://example.com/feed.xml"},
			wantErr: true,
		},
		{
			name: "保存ページはURLのハッシュ",
			item: &model.FeedItem{Platform: model.PlatformSaved, SourceURL: "https://example.com/article"},
		},
		{
			name:    "保存ページでURL欠落",
			item:    &model.FeedItem{Platform: model.PlatformSaved},
			wantErr: true,
		},
		{
			name:    "未知のプラットフォーム",
			item:    &model.FeedItem{Platform: "myspace", SourceID: "abc"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveGlobalID(tt.item)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected an error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != "" && got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if !strings.HasPrefix(got, string(tt.item.Platform)+":") {
				t.Errorf("expected platform prefix, got %q", got)
			}
		})
	}
}

func TestDeriveGlobalID_Deterministic(t *testing.T) {
	item := &model.FeedItem{
		Platform:  model.PlatformRSS,
		FeedURL:   "https://example.com/feed.xml",
		SourceURL: "https://example.com/post/1",
	}

	first, err := DeriveGlobalID(item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := DeriveGlobalID(item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("expected a stable id, got %q and %q", first, second)
	}
}

func TestDeriveGlobalID_DifferentFeedsDifferentIDs(t *testing.T) {
	// 同じ記事リンクでもフィードが異なれば別アイテムとして扱う
	a := &model.FeedItem{
		Platform:  model.PlatformRSS,
		FeedURL:   "https://a.example.com/feed.xml",
		SourceURL: "https://example.com/post/1",
	}
	b := &model.FeedItem{
		Platform:  model.PlatformRSS,
		FeedURL:   "https://b.example.com/feed.xml",
		SourceURL: "https://example.com/post/1",
	}

	gidA, err := DeriveGlobalID(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gidB, err := DeriveGlobalID(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gidA == gidB {
		t.Errorf("expected distinct ids, both were %q", gidA)
	}
}
