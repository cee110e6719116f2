// Package model はドメインモデルを定義する。
package model

// RssFeed はRSS/Atomフィードの購読を表す。
// URLが購読のキーとなる。LastFetchedは取得側が、
// Enabled/Titleはユーザー操作が更新する。
type RssFeed struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	SiteURL     string `json:"siteUrl,omitempty"`
	LastFetched int64  `json:"lastFetched,omitempty"` // エポックミリ秒
	Enabled     bool   `json:"enabled"`
	TrackUnread bool   `json:"trackUnread,omitempty"`
}

// Clone はRssFeedのコピーを返す。
func (f *RssFeed) Clone() *RssFeed {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}
