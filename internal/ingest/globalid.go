// Package ingest は取得結果のドキュメントへの取り込みと重複排除を提供する。
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/hitoshi/feedsync/internal/model"
)

// hashLength はURL由来のIDに使用するハッシュの16進文字数。
const hashLength = 16

// DeriveGlobalID はアイテムのGlobalIDを取得元ネイティブIDから決定的に導出する。
// 同じ論理コンテンツは何度取得しても同じIDになる。
// 導出できない場合はエラーを返す。合成IDでの代替はしない
// （リトライ時に重複ゴーストを生むため）。
//
// プラットフォーム別の導出規則:
//   - x, youtube, reddit, mastodon, github, facebook, instagram:
//     取得元ネイティブID（ツイートID、動画ID、投稿パーマリンクID等）
//   - rss: フィードURLとアイテムリンクのハッシュ
//   - saved: 保存対象URLのハッシュ
func DeriveGlobalID(item *model.FeedItem) (string, error) {
	if !item.Platform.IsKnown() {
		return "", fmt.Errorf("unknown platform %q", item.Platform)
	}

	switch item.Platform {
	case model.PlatformRSS:
		if item.FeedURL == "" || item.SourceURL == "" {
			return "", fmt.Errorf("rss item requires feed url and item link")
		}
		return string(item.Platform) + ":" + shortHash(item.FeedURL+"|"+item.SourceURL), nil
	case model.PlatformSaved:
		if item.SourceURL == "" {
			return "", fmt.Errorf("saved page requires a url")
		}
		return string(item.Platform) + ":" + shortHash(item.SourceURL), nil
	default:
		if item.SourceID == "" {
			return "", fmt.Errorf("%s item is missing a native id", item.Platform)
		}
		return string(item.Platform) + ":" + item.SourceID, nil
	}
}

// shortHash はSHA-256ハッシュの先頭hashLength文字を返す。
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLength]
}
