package document

import (
	"fmt"

	"github.com/hitoshi/feedsync/internal/model"
)

// このファイルはドキュメントに対する名前付き操作を定義する。
// すべてChange経由で表現されるため、操作ごとの競合解決コードは不要で、
// 自動的にマージに参加する。

// AddFeedItem はアイテムを追加する。
// 同じGlobalIDのアイテムが既に存在する場合はエラーを返す
// （既存アイテムの更新は取り込み側のコンテンツマージが行う）。
func (d *Document) AddFeedItem(item *model.FeedItem) (*Document, error) {
	return d.Change(func(dr *Draft) error {
		if _, exists := dr.State().FeedItems[item.GlobalID]; exists {
			return fmt.Errorf("feed item %q already exists", item.GlobalID)
		}
		dr.PutItem(item)
		return nil
	})
}

// RemoveFeedItem はアイテムを非表示にする（ソフト削除）。
// 物理削除はCompactでのみ行われる。
func (d *Document) RemoveFeedItem(gid string) (*Document, error) {
	return d.Change(func(dr *Draft) error {
		if _, ok := dr.State().FeedItems[gid]; !ok {
			return fmt.Errorf("feed item %q not found", gid)
		}
		dr.SetItemHidden(gid, true)
		return nil
	})
}

// ItemUpdate はUpdateFeedItemで更新可能なフィールドの集合。
// nilのフィールドは変更されない。
type ItemUpdate struct {
	Content    *model.Content
	Engagement *model.Engagement
	Preserved  *model.PreservedContent
	Topics     []string
}

// UpdateFeedItem はアイテムのコンテンツ系フィールドを部分更新する。
// userStateとpriorityはこの操作では変更されない。
func (d *Document) UpdateFeedItem(gid string, upd ItemUpdate) (*Document, error) {
	return d.Change(func(dr *Draft) error {
		if _, ok := dr.State().FeedItems[gid]; !ok {
			return fmt.Errorf("feed item %q not found", gid)
		}
		if upd.Content != nil {
			dr.SetItemContent(gid, *upd.Content)
		}
		if upd.Engagement != nil {
			dr.SetItemEngagement(gid, upd.Engagement)
		}
		if upd.Preserved != nil {
			dr.SetItemPreserved(gid, upd.Preserved)
		}
		if upd.Topics != nil {
			dr.SetItemTopics(gid, upd.Topics)
		}
		return nil
	})
}

// MarkAsRead はアイテムを既読（アーカイブ）にする。
// 既読アイテムは未読リストから外れるが、ドキュメントには残る。
func (d *Document) MarkAsRead(gid string) (*Document, error) {
	return d.Change(func(dr *Draft) error {
		if _, ok := dr.State().FeedItems[gid]; !ok {
			return fmt.Errorf("feed item %q not found", gid)
		}
		dr.SetItemArchived(gid, true)
		return nil
	})
}

// ToggleSaved はアイテムの保存状態を反転する。
// nowMillisは保存時刻として記録される。
func (d *Document) ToggleSaved(gid string, nowMillis int64) (*Document, error) {
	return d.Change(func(dr *Draft) error {
		item, ok := dr.State().FeedItems[gid]
		if !ok {
			return fmt.Errorf("feed item %q not found", gid)
		}
		if item.UserState.Saved {
			dr.SetItemSaved(gid, false, 0)
		} else {
			dr.SetItemSaved(gid, true, nowMillis)
		}
		return nil
	})
}

// HideItem はアイテムを非表示にする。
func (d *Document) HideItem(gid string) (*Document, error) {
	return d.RemoveFeedItem(gid)
}

// SetItemTags はアイテムのタグリストを置き換える。
func (d *Document) SetItemTags(gid string, tags []string) (*Document, error) {
	return d.Change(func(dr *Draft) error {
		if _, ok := dr.State().FeedItems[gid]; !ok {
			return fmt.Errorf("feed item %q not found", gid)
		}
		dr.SetItemTags(gid, tags)
		return nil
	})
}

// AddRssFeed はフィード購読を追加する。
func (d *Document) AddRssFeed(feed *model.RssFeed) (*Document, error) {
	return d.Change(func(dr *Draft) error {
		if _, exists := dr.State().RssFeeds[feed.URL]; exists {
			return fmt.Errorf("rss feed %q is already subscribed", feed.URL)
		}
		dr.PutRssFeed(feed)
		return nil
	})
}

// RemoveRssFeed はフィード購読を削除する。
// 取り込み済みのアイテムは削除されない。
func (d *Document) RemoveRssFeed(feedURL string) (*Document, error) {
	return d.Change(func(dr *Draft) error {
		if _, ok := dr.State().RssFeeds[feedURL]; !ok {
			return fmt.Errorf("rss feed %q not found", feedURL)
		}
		dr.DeleteRssFeed(feedURL)
		return nil
	})
}

// UpdatePreferences はユーザー設定を更新する。
// 現在値と異なるフィールドのみ操作として記録されるため、
// 触れていない設定への並行変更は失われない。
func (d *Document) UpdatePreferences(prefs model.UserPreferences) (*Document, error) {
	return d.Change(func(dr *Draft) error {
		cur := dr.State().Prefs
		if prefs.Weights.Recency != cur.Weights.Recency {
			dr.SetWeightRecency(prefs.Weights.Recency)
		}
		if prefs.Weights.Engagement != cur.Weights.Engagement {
			dr.SetWeightEngagement(prefs.Weights.Engagement)
		}
		if prefs.Weights.Author != cur.Weights.Author {
			dr.SetWeightAuthor(prefs.Weights.Author)
		}
		if prefs.Weights.Topic != cur.Weights.Topic {
			dr.SetWeightTopic(prefs.Weights.Topic)
		}
		if prefs.Weights.Platform != cur.Weights.Platform {
			dr.SetWeightPlatform(prefs.Weights.Platform)
		}
		diffWeightMap(prefs.Weights.Authors, cur.Weights.Authors, func(k string, v int) {
			dr.SetAuthorWeight(k, v)
		})
		diffWeightMap(prefs.Weights.Platforms, cur.Weights.Platforms, func(k string, v int) {
			dr.SetPlatformWeight(model.Platform(k), v)
		})
		diffWeightMap(prefs.Weights.Topics, cur.Weights.Topics, func(k string, v int) {
			dr.SetTopicWeight(k, v)
		})
		if prefs.Display != cur.Display {
			dr.SetDisplay(prefs.Display)
		}
		return nil
	})
}

// diffWeightMap は現在値と異なるエントリのみsetを呼び出す。
// 削除されたエントリは扱わない（重みの解除は中立値の明示設定で行う）。
func diffWeightMap(want, cur map[string]int, set func(string, int)) {
	for _, k := range sortedKeys(want) {
		if curV, ok := cur[k]; !ok || curV != want[k] {
			set(k, want[k])
		}
	}
}
