// Package model はドメインモデルを定義する。
package model

// Platform はアイテムの取得元プラットフォームを表す。
type Platform string

const (
	// PlatformX はX（旧Twitter）のタイムライン取得を表す。
	PlatformX Platform = "x"
	// PlatformRSS はRSS/Atomフィード取得を表す。
	PlatformRSS Platform = "rss"
	// PlatformYouTube はYouTubeの動画取得を表す。
	PlatformYouTube Platform = "youtube"
	// PlatformReddit はRedditの投稿取得を表す。
	PlatformReddit Platform = "reddit"
	// PlatformMastodon はMastodonのステータス取得を表す。
	PlatformMastodon Platform = "mastodon"
	// PlatformGitHub はGitHubのイベント取得を表す。
	PlatformGitHub Platform = "github"
	// PlatformFacebook はFacebookの投稿取得を表す。
	PlatformFacebook Platform = "facebook"
	// PlatformInstagram はInstagramの投稿取得を表す。
	PlatformInstagram Platform = "instagram"
	// PlatformSaved はユーザーが手動保存したWebページを表す。
	PlatformSaved Platform = "saved"
)

// KnownPlatforms は認識される全プラットフォームのリスト。
var KnownPlatforms = []Platform{
	PlatformX, PlatformRSS, PlatformYouTube, PlatformReddit,
	PlatformMastodon, PlatformGitHub, PlatformFacebook,
	PlatformInstagram, PlatformSaved,
}

// IsKnown はプラットフォームが認識されるものかどうかを返す。
func (p Platform) IsKnown() bool {
	for _, known := range KnownPlatforms {
		if p == known {
			return true
		}
	}
	return false
}

// ContentType はアイテムのコンテンツ種別を表す。
type ContentType string

const (
	// ContentTypePost は短文投稿を表す。
	ContentTypePost ContentType = "post"
	// ContentTypeArticle は記事を表す。
	ContentTypeArticle ContentType = "article"
	// ContentTypeVideo は動画を表す。
	ContentTypeVideo ContentType = "video"
	// ContentTypePage は保存されたWebページを表す。
	ContentTypePage ContentType = "page"
)

// Author はアイテムの著者情報を表す。
type Author struct {
	ID          string `json:"id"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Content はアイテムの本文・メディア情報を表す。
type Content struct {
	Text        string   `json:"text,omitempty"`
	MediaURLs   []string `json:"mediaUrls,omitempty"`
	MediaTypes  []string `json:"mediaTypes,omitempty"`
	LinkPreview string   `json:"linkPreview,omitempty"`
}

// PreservedContent は全文抽出結果を表す。
// 一度保存された後は再取得で上書きされない。
type PreservedContent struct {
	HTML        string `json:"html,omitempty"` // サニタイズ済みHTML
	Text        string `json:"text,omitempty"`
	WordCount   int    `json:"wordCount,omitempty"`
	ReadingTime int    `json:"readingTime,omitempty"` // 分単位
}

// Engagement はアイテムのエンゲージメント数を表す。
// 再取得のたびに最新値で上書きされる揮発的なフィールド。
type Engagement struct {
	Likes    int `json:"likes,omitempty"`
	Reposts  int `json:"reposts,omitempty"`
	Comments int `json:"comments,omitempty"`
	Views    int `json:"views,omitempty"`
}

// UserState はユーザー操作によってのみ変更されるアイテム状態を表す。
// 再取得やマージで上書きされることはない。
type UserState struct {
	Hidden   bool     `json:"hidden,omitempty"`
	Saved    bool     `json:"saved,omitempty"`
	SavedAt  int64    `json:"savedAt,omitempty"` // エポックミリ秒
	Archived bool     `json:"archived,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// FeedItem は取得されたコンテンツ1件を表す。
// GlobalIDは「<platform>:<取得元ネイティブID>」形式で、作成後は不変。
// 重複排除のキーとして使用される。
type FeedItem struct {
	GlobalID    string            `json:"globalId"`
	Platform    Platform          `json:"platform"`
	ContentType ContentType       `json:"contentType,omitempty"`
	CapturedAt  int64             `json:"capturedAt"`  // エポックミリ秒
	PublishedAt int64             `json:"publishedAt"` // エポックミリ秒
	Author      Author            `json:"author"`
	Content     Content           `json:"content"`
	Preserved   *PreservedContent `json:"preservedContent,omitempty"`
	Engagement  *Engagement       `json:"engagement,omitempty"`
	UserState   UserState         `json:"userState"`
	Topics      []string          `json:"topics,omitempty"` // 小文字化済みのハッシュタグ/トピック
	SourceID    string            `json:"sourceId,omitempty"`
	SourceURL   string            `json:"sourceUrl,omitempty"`
	FeedURL     string            `json:"feedUrl,omitempty"` // RSSアイテムの取得元フィードURL。ID導出に使用

	Priority         int   `json:"priority,omitempty"`           // ランキング計算結果のキャッシュ（導出値）
	PriorityComputed int64 `json:"priorityComputedAt,omitempty"` // エポックミリ秒
}

// Clone はFeedItemのディープコピーを返す。
// ドキュメント状態の再構築時に共有参照による破壊を防ぐために使用する。
func (f *FeedItem) Clone() *FeedItem {
	if f == nil {
		return nil
	}
	c := *f
	c.Content.MediaURLs = append([]string(nil), f.Content.MediaURLs...)
	c.Content.MediaTypes = append([]string(nil), f.Content.MediaTypes...)
	c.Topics = append([]string(nil), f.Topics...)
	c.UserState.Tags = append([]string(nil), f.UserState.Tags...)
	if f.Preserved != nil {
		p := *f.Preserved
		c.Preserved = &p
	}
	if f.Engagement != nil {
		e := *f.Engagement
		c.Engagement = &e
	}
	return &c
}
