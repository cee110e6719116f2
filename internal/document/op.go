// Package document は複製可能なフィードドキュメントを提供する。
//
// ドキュメントはフィールド単位の操作の因果履歴（オペレーションログ）として
// 表現される。マージは履歴の和集合を取り、決定的な全順序で再生することで
// 状態を導出するため、可換・結合的・冪等である。
// 同一フィールドへの並行書き込みはLamportタイムスタンプが大きい方、
// 同値の場合はアクターIDが辞書順で大きい方が勝つ。
package document

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Op はドキュメントに対するフィールド単位の操作1件を表す。
// (Actor, Seq) が操作の同一性を定める。同じ操作を二度適用しても
// 履歴には一度しか現れない。
// Valueがnullの場合はパスが指すエントリの削除を意味する。
type Op struct {
	Actor   string          `json:"actor"`
	Seq     uint64          `json:"seq"`
	Lamport uint64          `json:"lamport"`
	Path    string          `json:"path"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// opID は操作の同一性を表すキー。
type opID struct {
	actor string
	seq   uint64
}

func (o Op) id() opID {
	return opID{actor: o.Actor, seq: o.Seq}
}

// less は再生時の全順序を定める。
// Lamport昇順、同値の場合はアクターID辞書順、さらに同値の場合はSeq昇順。
// 後に再生された操作が勝つため、同一フィールドの並行書き込みは
// 「Lamportが大きい方、同値ならアクターIDが大きい方」が最終値となる。
func (o Op) less(other Op) bool {
	if o.Lamport != other.Lamport {
		return o.Lamport < other.Lamport
	}
	if o.Actor != other.Actor {
		return o.Actor < other.Actor
	}
	return o.Seq < other.Seq
}

// pathSep はパスセグメントの区切り文字。
const pathSep = "/"

// joinPath はキーセグメントをエスケープしてパスを構築する。
// フィードURLのようにスラッシュを含むキーを安全に埋め込むため、
// 各セグメントをURLエスケープする。
func joinPath(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.Join(escaped, pathSep)
}

// splitPath はパスをアンエスケープ済みセグメントに分解する。
// 不正なエスケープを含むセグメントはそのまま返す。
func splitPath(path string) []string {
	raw := strings.Split(path, pathSep)
	segments := make([]string, len(raw))
	for i, s := range raw {
		unescaped, err := url.PathUnescape(s)
		if err != nil {
			segments[i] = s
			continue
		}
		segments[i] = unescaped
	}
	return segments
}
