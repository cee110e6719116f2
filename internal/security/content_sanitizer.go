// Package security はコンテンツ取り込み境界のセキュリティ機能を提供する。
//
// ContentSanitizerService は取得元から届いた全文抽出HTMLをサニタイズし、
// ドキュメントに保存される前にXSS等のリスクを除去する。
// bluemondayの許可リストベースのポリシーで安全なタグのみを通過させる。
package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize は全文抽出HTMLをサニタイズして安全なHTMLを返す。
	// 記事構造タグ（見出し・段落・リスト・引用・コード・画像）のみを通過させ、
	// script/iframe/styleタグとon*イベント属性を除去する。
	// imgのsrcはhttpsのみ許可。aタグにはrel="noopener noreferrer"が付与される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string

	// StripTags はHTMLからすべてのタグを除去したプレーンテキストを返す。
	// 文字数カウントと読了時間の推定に使用する。
	StripTags(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフであり、使い回せる。
type contentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	// 記事の構造を保つタグのみ許可する。
	// 許可リストに載らないscript/iframe/style等は自動的に除去される。
	p.AllowElements(
		"h1", "h2", "h3", "h4",
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code", "figure", "figcaption",
		"strong", "em", "table", "thead", "tbody", "tr", "th", "td",
	)

	// リンク: hrefのみ許可、相対URLは不許可、
	// rel="noreferrer noopener"とtarget="_blank"を強制付与する
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	// 画像: srcはhttpsのみ、altは許可（アクセシビリティ確保）
	p.AllowAttrs("src").OnElements("img")
	p.AllowAttrs("alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &contentSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}

// StripTags はすべてのタグを除去したプレーンテキストを返す。
func (s *contentSanitizer) StripTags(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return strings.TrimSpace(s.strict.Sanitize(rawHTML))
}
