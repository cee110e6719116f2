package document

import (
	"encoding/json"
	"fmt"

	"github.com/hitoshi/feedsync/internal/model"
)

// Draft はChange内でのみ有効な可変ビュー。
// 型付きのミューテーションメソッドがフィールド単位の操作を記録し、
// 同時に作業用状態へ適用する。記録と適用が同じapply関数を通るため、
// 再生時と必ず同じ結果になる。
type Draft struct {
	state   *State
	ops     []Op
	actor   string
	nextSeq uint64
	lamport uint64
	err     error
}

// State は作業用状態への読み取りアクセスを提供する。
func (dr *Draft) State() *State {
	return dr.state
}

// record は操作1件を記録して作業用状態に適用する。
// エンコードまたは適用に失敗した場合はDraft全体を失敗させる。
func (dr *Draft) record(path string, value any) {
	if dr.err != nil {
		return
	}
	var raw json.RawMessage
	if value == nil {
		raw = json.RawMessage("null")
	} else {
		encoded, err := json.Marshal(value)
		if err != nil {
			dr.err = fmt.Errorf("failed to encode value for %q: %w", path, err)
			return
		}
		raw = encoded
	}

	dr.lamport++
	op := Op{
		Actor:   dr.actor,
		Seq:     dr.nextSeq,
		Lamport: dr.lamport,
		Path:    path,
		Value:   raw,
	}
	dr.nextSeq++

	if err := dr.state.apply(op); err != nil {
		dr.err = err
		return
	}
	dr.ops = append(dr.ops, op)
}

// PutItem はアイテム全体を挿入または置換する。
func (dr *Draft) PutItem(item *model.FeedItem) {
	if item.GlobalID == "" {
		dr.err = fmt.Errorf("feed item is missing a global id")
		return
	}
	dr.record(joinPath("items", item.GlobalID), item)
}

// DeleteItem はアイテムを物理削除する。
// 通常の削除は非表示化（SetItemHidden）であり、
// 物理削除はコンパクション前の明示的なパージでのみ使用する。
func (dr *Draft) DeleteItem(gid string) {
	dr.record(joinPath("items", gid), nil)
}

// SetItemContent はアイテムの本文を置き換える。
func (dr *Draft) SetItemContent(gid string, content model.Content) {
	dr.record(joinPath("items", gid, "content"), content)
}

// SetItemEngagement はアイテムのエンゲージメント数を置き換える。
func (dr *Draft) SetItemEngagement(gid string, e *model.Engagement) {
	dr.record(joinPath("items", gid, "engagement"), e)
}

// SetItemPreserved はアイテムの全文抽出結果を設定する。
func (dr *Draft) SetItemPreserved(gid string, p *model.PreservedContent) {
	dr.record(joinPath("items", gid, "preserved"), p)
}

// SetItemTopics はアイテムのトピックリストを置き換える。
func (dr *Draft) SetItemTopics(gid string, topics []string) {
	dr.record(joinPath("items", gid, "topics"), topics)
}

// SetItemPublishedAt はアイテムの公開時刻を更新する。
func (dr *Draft) SetItemPublishedAt(gid string, ts int64) {
	dr.record(joinPath("items", gid, "publishedAt"), ts)
}

// SetItemPriority はランキング計算結果のキャッシュを更新する。
func (dr *Draft) SetItemPriority(gid string, priority int, computedAt int64) {
	dr.record(joinPath("items", gid, "priority"), struct {
		Priority   int   `json:"priority"`
		ComputedAt int64 `json:"computedAt"`
	}{Priority: priority, ComputedAt: computedAt})
}

// SetItemHidden はアイテムの非表示状態を設定する。
func (dr *Draft) SetItemHidden(gid string, hidden bool) {
	dr.record(joinPath("items", gid, "userState", "hidden"), hidden)
}

// SetItemSaved はアイテムの保存状態を設定する。
// savedAtは保存時のエポックミリ秒。解除時は0を渡す。
func (dr *Draft) SetItemSaved(gid string, saved bool, savedAt int64) {
	dr.record(joinPath("items", gid, "userState", "saved"), saved)
	dr.record(joinPath("items", gid, "userState", "savedAt"), savedAt)
}

// SetItemArchived はアイテムのアーカイブ状態を設定する。
func (dr *Draft) SetItemArchived(gid string, archived bool) {
	dr.record(joinPath("items", gid, "userState", "archived"), archived)
}

// SetItemTags はアイテムのタグリストを置き換える。
func (dr *Draft) SetItemTags(gid string, tags []string) {
	dr.record(joinPath("items", gid, "userState", "tags"), tags)
}

// PutRssFeed はフィード購読を挿入または置換する。
func (dr *Draft) PutRssFeed(feed *model.RssFeed) {
	if feed.URL == "" {
		dr.err = fmt.Errorf("rss feed is missing a url")
		return
	}
	dr.record(joinPath("feeds", feed.URL), feed)
}

// DeleteRssFeed はフィード購読を削除する。
func (dr *Draft) DeleteRssFeed(feedURL string) {
	dr.record(joinPath("feeds", feedURL), nil)
}

// SetFeedTitle はフィードのタイトル（ユーザーによる上書き）を設定する。
func (dr *Draft) SetFeedTitle(feedURL, title string) {
	dr.record(joinPath("feeds", feedURL, "title"), title)
}

// SetFeedEnabled はフィードの有効状態を設定する。
func (dr *Draft) SetFeedEnabled(feedURL string, enabled bool) {
	dr.record(joinPath("feeds", feedURL, "enabled"), enabled)
}

// SetFeedLastFetched はフィードの最終取得時刻を更新する。取得側が使用する。
func (dr *Draft) SetFeedLastFetched(feedURL string, ts int64) {
	dr.record(joinPath("feeds", feedURL, "lastFetched"), ts)
}

// SetWeightRecency は新着度の重みを設定する。
func (dr *Draft) SetWeightRecency(v int) {
	dr.record(joinPath("prefs", "weights", "recency"), v)
}

// SetWeightEngagement はエンゲージメントの重みを設定する。
func (dr *Draft) SetWeightEngagement(v int) {
	dr.record(joinPath("prefs", "weights", "engagement"), v)
}

// SetWeightAuthor は著者シグナル全体の重みを設定する。
func (dr *Draft) SetWeightAuthor(v int) {
	dr.record(joinPath("prefs", "weights", "author"), v)
}

// SetWeightTopic はトピックシグナル全体の重みを設定する。
func (dr *Draft) SetWeightTopic(v int) {
	dr.record(joinPath("prefs", "weights", "topic"), v)
}

// SetWeightPlatform はプラットフォームシグナル全体の重みを設定する。
func (dr *Draft) SetWeightPlatform(v int) {
	dr.record(joinPath("prefs", "weights", "platform"), v)
}

// SetAuthorWeight は著者個別の重み（0..100）を設定する。
func (dr *Draft) SetAuthorWeight(authorID string, v int) {
	dr.record(joinPath("prefs", "weights", "authors", authorID), v)
}

// SetPlatformWeight はプラットフォーム個別の重み（0..100）を設定する。
func (dr *Draft) SetPlatformWeight(platform model.Platform, v int) {
	dr.record(joinPath("prefs", "weights", "platforms", string(platform)), v)
}

// SetTopicWeight はトピック個別の重み（0..100）を設定する。
func (dr *Draft) SetTopicWeight(topic string, v int) {
	dr.record(joinPath("prefs", "weights", "topics", topic), v)
}

// SetDisplay は表示設定を置き換える。
func (dr *Draft) SetDisplay(display model.Display) {
	dr.record(joinPath("prefs", "display"), display)
}
