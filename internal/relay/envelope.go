// Package relay はデバイス間でドキュメントスナップショットを交換する
// ブロードキャスト型の中継プロトコルを提供する。
//
// ワイヤ形式は1行1メッセージのJSONエンベロープ
// {"type":"doc"|"request"|"ping"|"pong","payload":"<base64>"} で、
// 永続的なTCPコネクション上を流れる。この層に認証・暗号化はない。
// 信頼境界は「同一ローカルネットワーク」である（意図的な設計上の制約）。
//
// ベクタークロックを持たない単純なフラッディング型であり、
// 同じスナップショットが重複配送されうるが、下位のマージが冪等かつ
// 可換であるため重複は無害（帯域の無駄でしかない）。
package relay

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType はエンベロープの種別を表す。
type MessageType string

const (
	// MessageDoc はドキュメントスナップショット全体の配送を表す。
	MessageDoc MessageType = "doc"
	// MessageRequest は相手に現在のスナップショットの送信を求める。
	MessageRequest MessageType = "request"
	// MessagePing は生存確認の要求。
	MessagePing MessageType = "ping"
	// MessagePong は生存確認の応答。
	MessagePong MessageType = "pong"
)

// Envelope はワイヤ上を流れるメッセージ1件を表す。
// Payloadはdocメッセージでのみ使用され、直列化ドキュメントの
// base64エンコードを保持する。
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload string      `json:"payload,omitempty"`
}

// maxLineBytes は1メッセージの最大サイズ。
// これを超える行を送るピアは切断される。
const maxLineBytes = 64 * 1024 * 1024

// NewDocEnvelope は直列化ドキュメントを運ぶdocエンベロープを生成する。
func NewDocEnvelope(data []byte) Envelope {
	return Envelope{
		Type:    MessageDoc,
		Payload: base64.StdEncoding.EncodeToString(data),
	}
}

// DocPayload はdocエンベロープのペイロードをデコードする。
func (e Envelope) DocPayload() ([]byte, error) {
	if e.Type != MessageDoc {
		return nil, fmt.Errorf("envelope type %q carries no document", e.Type)
	}
	data, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document payload: %w", err)
	}
	return data, nil
}

// WriteEnvelope はエンベロープ1件を改行区切りJSONとして書き出す。
func WriteEnvelope(w io.Writer, e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

// NewEnvelopeScanner は改行区切りJSONのエンベロープを読むスキャナを生成する。
func NewEnvelopeScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return scanner
}

// ParseEnvelope は1行分のバイト列をエンベロープにデコードする。
func ParseEnvelope(line []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse envelope: %w", err)
	}
	switch e.Type {
	case MessageDoc, MessageRequest, MessagePing, MessagePong:
		return e, nil
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", e.Type)
	}
}
