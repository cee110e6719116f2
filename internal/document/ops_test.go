package document

import (
	"testing"

	"github.com/hitoshi/feedsync/internal/model"
)

func TestAddFeedItem_DuplicateFails(t *testing.T) {
	doc := New("desktop")
	doc, err := doc.AddFeedItem(testItem("rss:abc"))
	if err != nil {
		t.Fatalf("first add failed: %v", err)
	}

	if _, err := doc.AddFeedItem(testItem("rss:abc")); err == nil {
		t.Error("expected adding a duplicate item to fail")
	}
}

func TestRemoveFeedItem_IsSoftDelete(t *testing.T) {
	doc := New("desktop")
	doc, err := doc.AddFeedItem(testItem("rss:abc"))
	if err != nil {
		t.Fatalf("failed to add item: %v", err)
	}

	doc, err = doc.RemoveFeedItem("rss:abc")
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	item, ok := doc.State().FeedItems["rss:abc"]
	if !ok {
		t.Fatal("soft delete must keep the item in the document")
	}
	if !item.UserState.Hidden {
		t.Error("expected the item to be hidden")
	}
}

func TestRemoveFeedItem_MissingFails(t *testing.T) {
	doc := New("desktop")
	if _, err := doc.RemoveFeedItem("rss:gone"); err == nil {
		t.Error("expected removing a missing item to fail")
	}
}

func TestUpdateFeedItem_PartialUpdate(t *testing.T) {
	doc := New("desktop")
	item := testItem("rss:abc")
	item.UserState.Tags = []string{"keep-me"}
	doc, err := doc.AddFeedItem(item)
	if err != nil {
		t.Fatalf("failed to add item: %v", err)
	}

	doc, err = doc.UpdateFeedItem("rss:abc", ItemUpdate{
		Engagement: &model.Engagement{Likes: 42},
		Topics:     []string{"golang"},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got := doc.State().FeedItems["rss:abc"]
	if got.Engagement == nil || got.Engagement.Likes != 42 {
		t.Errorf("engagement not updated: %+v", got.Engagement)
	}
	if len(got.Topics) != 1 || got.Topics[0] != "golang" {
		t.Errorf("topics not updated: %v", got.Topics)
	}
	// 部分更新はユーザー状態と本文に触れない
	if len(got.UserState.Tags) != 1 || got.UserState.Tags[0] != "keep-me" {
		t.Errorf("user state must be untouched: %v", got.UserState.Tags)
	}
	if got.Content.Text != item.Content.Text {
		t.Errorf("content must be untouched: %q", got.Content.Text)
	}
}

func TestMarkAsRead_SetsArchived(t *testing.T) {
	doc := New("desktop")
	doc, err := doc.AddFeedItem(testItem("rss:abc"))
	if err != nil {
		t.Fatalf("failed to add item: %v", err)
	}

	doc, err = doc.MarkAsRead("rss:abc")
	if err != nil {
		t.Fatalf("mark as read failed: %v", err)
	}

	if !doc.State().FeedItems["rss:abc"].UserState.Archived {
		t.Error("expected the item to be archived")
	}
}

func TestToggleSaved_FlipsStateAndTimestamp(t *testing.T) {
	doc := New("desktop")
	doc, err := doc.AddFeedItem(testItem("rss:abc"))
	if err != nil {
		t.Fatalf("failed to add item: %v", err)
	}

	doc, err = doc.ToggleSaved("rss:abc", 1700000005000)
	if err != nil {
		t.Fatalf("first toggle failed: %v", err)
	}
	item := doc.State().FeedItems["rss:abc"]
	if !item.UserState.Saved || item.UserState.SavedAt != 1700000005000 {
		t.Errorf("expected saved with timestamp, got saved=%v savedAt=%d",
			item.UserState.Saved, item.UserState.SavedAt)
	}

	doc, err = doc.ToggleSaved("rss:abc", 1700000006000)
	if err != nil {
		t.Fatalf("second toggle failed: %v", err)
	}
	item = doc.State().FeedItems["rss:abc"]
	if item.UserState.Saved || item.UserState.SavedAt != 0 {
		t.Errorf("expected unsaved with zero timestamp, got saved=%v savedAt=%d",
			item.UserState.Saved, item.UserState.SavedAt)
	}
}

func TestSetItemTags_ReplacesList(t *testing.T) {
	doc := New("desktop")
	doc, err := doc.AddFeedItem(testItem("rss:abc"))
	if err != nil {
		t.Fatalf("failed to add item: %v", err)
	}

	doc, err = doc.SetItemTags("rss:abc", []string{"a", "b"})
	if err != nil {
		t.Fatalf("set tags failed: %v", err)
	}
	doc, err = doc.SetItemTags("rss:abc", []string{"c"})
	if err != nil {
		t.Fatalf("set tags failed: %v", err)
	}

	tags := doc.State().FeedItems["rss:abc"].UserState.Tags
	if len(tags) != 1 || tags[0] != "c" {
		t.Errorf("expected tags to be replaced, got %v", tags)
	}
}

func TestAddRssFeed_DuplicateFails(t *testing.T) {
	doc := New("desktop")
	feed := &model.RssFeed{URL: "https://example.com/feed.xml", Enabled: true}
	doc, err := doc.AddRssFeed(feed)
	if err != nil {
		t.Fatalf("first add failed: %v", err)
	}

	if _, err := doc.AddRssFeed(feed); err == nil {
		t.Error("expected adding a duplicate subscription to fail")
	}
}

func TestRemoveRssFeed_KeepsItems(t *testing.T) {
	doc := New("desktop")
	feedURL := "https://example.com/feed.xml"
	doc, err := doc.AddRssFeed(&model.RssFeed{URL: feedURL, Enabled: true})
	if err != nil {
		t.Fatalf("failed to add feed: %v", err)
	}
	item := testItem("rss:abc")
	item.FeedURL = feedURL
	doc, err = doc.AddFeedItem(item)
	if err != nil {
		t.Fatalf("failed to add item: %v", err)
	}

	doc, err = doc.RemoveRssFeed(feedURL)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if _, ok := doc.State().RssFeeds[feedURL]; ok {
		t.Error("expected the subscription to be gone")
	}
	if _, ok := doc.State().FeedItems["rss:abc"]; !ok {
		t.Error("unsubscribing must not delete ingested items")
	}
}

func TestUpdatePreferences_RecordsOnlyChangedFields(t *testing.T) {
	doc := New("desktop")

	prefs := doc.State().Prefs.Clone()
	prefs.Weights.Recency = 80
	prefs.Weights.Topics = map[string]int{"golang": 90}

	updated, err := doc.UpdatePreferences(prefs)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// 変更したのはrecencyとトピック重み1件。2操作だけ記録される。
	if got := updated.OpCount(); got != 2 {
		t.Errorf("expected 2 ops, got %d", got)
	}
	if updated.State().Prefs.Weights.Recency != 80 {
		t.Errorf("recency not applied: %d", updated.State().Prefs.Weights.Recency)
	}
	if updated.State().Prefs.Weights.Topics["golang"] != 90 {
		t.Errorf("topic weight not applied: %v", updated.State().Prefs.Weights.Topics)
	}

	// 同じ設定を再適用しても操作は増えない
	again, err := updated.UpdatePreferences(prefs)
	if err != nil {
		t.Fatalf("reapply failed: %v", err)
	}
	if again.OpCount() != updated.OpCount() {
		t.Errorf("idempotent update recorded ops: %d -> %d", updated.OpCount(), again.OpCount())
	}
}

func TestUpdatePreferences_ConcurrentDisjointFieldsBothSurvive(t *testing.T) {
	a := New("device-a")
	b := New("device-b")

	prefsA := a.State().Prefs.Clone()
	prefsA.Weights.Recency = 70
	a, err := a.UpdatePreferences(prefsA)
	if err != nil {
		t.Fatalf("update a failed: %v", err)
	}

	prefsB := b.State().Prefs.Clone()
	prefsB.Weights.Engagement = 30
	b, err = b.UpdatePreferences(prefsB)
	if err != nil {
		t.Fatalf("update b failed: %v", err)
	}

	merged, err := a.Merge(b)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	w := merged.State().Prefs.Weights
	if w.Recency != 70 {
		t.Errorf("recency from device-a lost: %d", w.Recency)
	}
	if w.Engagement != 30 {
		t.Errorf("engagement from device-b lost: %d", w.Engagement)
	}
}
