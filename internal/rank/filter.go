package rank

import "github.com/hitoshi/feedsync/internal/model"

// Filter はFilterFeedItemsの絞り込み条件。
// ゼロ値は「非表示・アーカイブ済みを除く全件」を意味する。
type Filter struct {
	// IncludeHidden がtrueの場合、非表示アイテムも含める。
	IncludeHidden bool
	// IncludeArchived がtrueの場合、アーカイブ済みアイテムも含める。
	IncludeArchived bool
	// Platform が指定された場合、完全一致するプラットフォームのみ。
	Platform model.Platform
	// Tags が指定された場合、いずれかのタグを持つアイテムのみ（any-of）。
	Tags []string
	// SavedOnly がtrueの場合、保存済みアイテムのみ。
	SavedOnly bool
}

// FilterFeedItems は条件に合致するアイテムのみを返す。
// 入力の順序は保たれる。
func FilterFeedItems(items []*model.FeedItem, f Filter) []*model.FeedItem {
	filtered := make([]*model.FeedItem, 0, len(items))
	for _, item := range items {
		if !f.IncludeHidden && item.UserState.Hidden {
			continue
		}
		if !f.IncludeArchived && item.UserState.Archived {
			continue
		}
		if f.Platform != "" && item.Platform != f.Platform {
			continue
		}
		if f.SavedOnly && !item.UserState.Saved {
			continue
		}
		if len(f.Tags) > 0 && !hasAnyTag(item.UserState.Tags, f.Tags) {
			continue
		}
		filtered = append(filtered, item)
	}
	return filtered
}

// hasAnyTag はアイテムのタグが要求タグのいずれかと一致するかを返す。
func hasAnyTag(itemTags, wantTags []string) bool {
	for _, want := range wantTags {
		for _, have := range itemTags {
			if have == want {
				return true
			}
		}
	}
	return false
}
