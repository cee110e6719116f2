package document

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/feedsync/internal/model"
)

// State はオペレーション履歴から導出されるドキュメントの現在状態。
// 履歴の再生によってのみ構築され、正本として直列化されることはない。
type State struct {
	FeedItems map[string]*model.FeedItem
	RssFeeds  map[string]*model.RssFeed
	Prefs     model.UserPreferences
}

// newState は空の状態を生成する。
func newState() *State {
	return &State{
		FeedItems: make(map[string]*model.FeedItem),
		RssFeeds:  make(map[string]*model.RssFeed),
		Prefs:     model.DefaultPreferences(),
	}
}

// clone は状態のディープコピーを返す。
func (s *State) clone() *State {
	c := &State{
		FeedItems: make(map[string]*model.FeedItem, len(s.FeedItems)),
		RssFeeds:  make(map[string]*model.RssFeed, len(s.RssFeeds)),
		Prefs:     s.Prefs.Clone(),
	}
	for id, item := range s.FeedItems {
		c.FeedItems[id] = item.Clone()
	}
	for u, feed := range s.RssFeeds {
		c.RssFeeds[u] = feed.Clone()
	}
	return c
}

// apply は操作1件を状態に適用する。
// 未知のパスは無視する（将来のフィールド追加に対する前方互換のため）。
// 値のデコード失敗はエラーを返す。
func (s *State) apply(op Op) error {
	segments := splitPath(op.Path)
	if len(segments) == 0 {
		return nil
	}

	switch segments[0] {
	case "items":
		return s.applyItem(segments[1:], op.Value)
	case "feeds":
		return s.applyFeed(segments[1:], op.Value)
	case "prefs":
		return s.applyPrefs(segments[1:], op.Value)
	}
	return nil
}

// applyItem はitems配下の操作を適用する。
// アイテム本体が存在しないパスへのフィールド操作は無視する
// （削除済みアイテムへの遅延更新は捨てる。再生順序が決定的であるため、
// どのレプリカでも同じ結果になる）。
func (s *State) applyItem(segments []string, value json.RawMessage) error {
	if len(segments) == 0 {
		return nil
	}
	gid := segments[0]

	// アイテム全体の設定・削除
	if len(segments) == 1 {
		if isNullValue(value) {
			delete(s.FeedItems, gid)
			return nil
		}
		var item model.FeedItem
		if err := json.Unmarshal(value, &item); err != nil {
			return fmt.Errorf("failed to decode feed item %q: %w", gid, err)
		}
		item.GlobalID = gid
		// 既存アイテムへのアイテム全体操作はコンテンツ面の再取得として扱う。
		// ユーザー状態と優先度はユーザー操作のフィールド操作でのみ書き換わるため、
		// 他デバイスの新規取得がマージされてもsaved/tags等は失われない。
		if prev, exists := s.FeedItems[gid]; exists {
			item.UserState = prev.UserState
			item.Priority = prev.Priority
			item.PriorityComputed = prev.PriorityComputed
		}
		s.FeedItems[gid] = &item
		return nil
	}

	item, ok := s.FeedItems[gid]
	if !ok {
		return nil
	}

	switch segments[1] {
	case "content":
		return decodeInto(value, &item.Content, gid)
	case "engagement":
		if isNullValue(value) {
			item.Engagement = nil
			return nil
		}
		var e model.Engagement
		if err := decodeInto(value, &e, gid); err != nil {
			return err
		}
		item.Engagement = &e
		return nil
	case "preserved":
		if isNullValue(value) {
			item.Preserved = nil
			return nil
		}
		var p model.PreservedContent
		if err := decodeInto(value, &p, gid); err != nil {
			return err
		}
		item.Preserved = &p
		return nil
	case "topics":
		return decodeInto(value, &item.Topics, gid)
	case "publishedAt":
		return decodeInto(value, &item.PublishedAt, gid)
	case "priority":
		var pr struct {
			Priority   int   `json:"priority"`
			ComputedAt int64 `json:"computedAt"`
		}
		if err := decodeInto(value, &pr, gid); err != nil {
			return err
		}
		item.Priority = pr.Priority
		item.PriorityComputed = pr.ComputedAt
		return nil
	case "userState":
		if len(segments) < 3 {
			return nil
		}
		return s.applyUserState(item, segments[2], value)
	}
	return nil
}

// applyUserState はuserState配下の単一フィールド操作を適用する。
// フィールド単位の粒度により、異なるフィールドへの並行書き込みは
// 両方とも生き残る。
func (s *State) applyUserState(item *model.FeedItem, field string, value json.RawMessage) error {
	gid := item.GlobalID
	switch field {
	case "hidden":
		return decodeInto(value, &item.UserState.Hidden, gid)
	case "saved":
		return decodeInto(value, &item.UserState.Saved, gid)
	case "savedAt":
		return decodeInto(value, &item.UserState.SavedAt, gid)
	case "archived":
		return decodeInto(value, &item.UserState.Archived, gid)
	case "tags":
		return decodeInto(value, &item.UserState.Tags, gid)
	}
	return nil
}

// applyFeed はfeeds配下の操作を適用する。
func (s *State) applyFeed(segments []string, value json.RawMessage) error {
	if len(segments) == 0 {
		return nil
	}
	feedURL := segments[0]

	if len(segments) == 1 {
		if isNullValue(value) {
			delete(s.RssFeeds, feedURL)
			return nil
		}
		var feed model.RssFeed
		if err := json.Unmarshal(value, &feed); err != nil {
			return fmt.Errorf("failed to decode rss feed %q: %w", feedURL, err)
		}
		feed.URL = feedURL
		s.RssFeeds[feedURL] = &feed
		return nil
	}

	feed, ok := s.RssFeeds[feedURL]
	if !ok {
		return nil
	}
	switch segments[1] {
	case "title":
		return decodeInto(value, &feed.Title, feedURL)
	case "siteUrl":
		return decodeInto(value, &feed.SiteURL, feedURL)
	case "enabled":
		return decodeInto(value, &feed.Enabled, feedURL)
	case "trackUnread":
		return decodeInto(value, &feed.TrackUnread, feedURL)
	case "lastFetched":
		return decodeInto(value, &feed.LastFetched, feedURL)
	}
	return nil
}

// applyPrefs はprefs配下の操作を適用する。
func (s *State) applyPrefs(segments []string, value json.RawMessage) error {
	if len(segments) == 0 {
		return nil
	}
	switch segments[0] {
	case "display":
		return decodeInto(value, &s.Prefs.Display, "prefs")
	case "weights":
		if len(segments) < 2 {
			return nil
		}
		return s.applyWeights(segments[1:], value)
	}
	return nil
}

// applyWeights はランキング重み配下の単一フィールド操作を適用する。
func (s *State) applyWeights(segments []string, value json.RawMessage) error {
	w := &s.Prefs.Weights
	switch segments[0] {
	case "recency":
		return decodeInto(value, &w.Recency, "prefs")
	case "engagement":
		return decodeInto(value, &w.Engagement, "prefs")
	case "author":
		return decodeInto(value, &w.Author, "prefs")
	case "topic":
		return decodeInto(value, &w.Topic, "prefs")
	case "platform":
		return decodeInto(value, &w.Platform, "prefs")
	case "authors":
		if len(segments) < 2 {
			return nil
		}
		return applyWeightEntry(&w.Authors, segments[1], value)
	case "platforms":
		if len(segments) < 2 {
			return nil
		}
		return applyWeightEntry(&w.Platforms, segments[1], value)
	case "topics":
		if len(segments) < 2 {
			return nil
		}
		return applyWeightEntry(&w.Topics, segments[1], value)
	}
	return nil
}

// applyWeightEntry は重みマップの1エントリを設定・削除する。
func applyWeightEntry(m *map[string]int, key string, value json.RawMessage) error {
	if isNullValue(value) {
		delete(*m, key)
		return nil
	}
	var v int
	if err := json.Unmarshal(value, &v); err != nil {
		return fmt.Errorf("failed to decode weight %q: %w", key, err)
	}
	if *m == nil {
		*m = make(map[string]int)
	}
	(*m)[key] = v
	return nil
}

// decodeInto は値をデコードする。失敗時はキーを含むエラーを返す。
func decodeInto(value json.RawMessage, target any, key string) error {
	if err := json.Unmarshal(value, target); err != nil {
		return fmt.Errorf("failed to decode field value for %q: %w", key, err)
	}
	return nil
}

// isNullValue は値が削除を意味するnullかどうかを返す。
func isNullValue(value json.RawMessage) bool {
	return len(value) == 0 || bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}
