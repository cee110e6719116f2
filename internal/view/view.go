// Package view はドキュメント状態からUI向けの読み取り投影を構築する。
// 投影は純粋関数であり、ドキュメントやランキングの内部状態を変更しない。
package view

import (
	"sort"
	"time"

	"github.com/hitoshi/feedsync/internal/document"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/rank"
)

// FeedSummary はフィード一覧表示用の1行。
type FeedSummary struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Enabled     bool   `json:"enabled"`
	LastFetched int64  `json:"lastFetched"`
	ItemCount   int    `json:"itemCount"`
}

// ViewState はフィード画面1枚ぶんの投影結果。
type ViewState struct {
	Items      []*model.FeedItem `json:"items"`
	Unread     int               `json:"unread"`
	SavedCount int               `json:"savedCount"`
	Feeds      []FeedSummary     `json:"feeds"`
}

// Hydrate はドキュメント状態を優先度順のビューに投影する。
// フィルタで除外される前の全アイテムからUnread/SavedCountを数える。
func Hydrate(state *document.State, filter rank.Filter, now time.Time) *ViewState {
	all := make([]*model.FeedItem, 0, len(state.FeedItems))
	for _, item := range state.FeedItems {
		all = append(all, item)
	}
	// マップの走査順は不定のため、同点アイテムの並びが再計算のたびに
	// 揺れないようGlobalID順に揃えてから安定ソートにかける
	sort.Slice(all, func(i, j int) bool { return all[i].GlobalID < all[j].GlobalID })

	unread := 0
	saved := 0
	perFeed := make(map[string]int)
	for _, item := range all {
		if item.UserState.Saved {
			saved++
		}
		if !item.UserState.Archived && !item.UserState.Hidden {
			unread++
		}
		if item.FeedURL != "" {
			perFeed[item.FeedURL]++
		}
	}

	visible := rank.FilterFeedItems(all, filter)
	ranked := rank.Rank(visible, state.Prefs.Weights, now)
	ranked = rank.SortByPriority(ranked)

	feeds := make([]FeedSummary, 0, len(state.RssFeeds))
	for url, feed := range state.RssFeeds {
		feeds = append(feeds, FeedSummary{
			URL:         url,
			Title:       feed.Title,
			Enabled:     feed.Enabled,
			LastFetched: feed.LastFetched,
			ItemCount:   perFeed[url],
		})
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].URL < feeds[j].URL })

	return &ViewState{
		Items:      ranked,
		Unread:     unread,
		SavedCount: saved,
		Feeds:      feeds,
	}
}
