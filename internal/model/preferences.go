// Package model はドメインモデルを定義する。
package model

// ランキング重みのデフォルト値。ユーザーが未設定の場合に使用される。
const (
	DefaultWeightRecency    = 50
	DefaultWeightEngagement = 10
	DefaultWeightAuthor     = 20
	DefaultWeightTopic      = 15
	DefaultWeightPlatform   = 5
	// NeutralWeight は著者・プラットフォーム・トピックの個別重みが
	// 未設定の場合に使用される中立値。
	NeutralWeight = 50
)

// Weights はランキング計算の重み設定を表す。
// 個別マップの値は0〜100の範囲。
type Weights struct {
	Recency    int            `json:"recency"`
	Engagement int            `json:"engagement"`
	Authors    map[string]int `json:"authors,omitempty"`   // 著者ID -> 0..100
	Platforms  map[string]int `json:"platforms,omitempty"` // プラットフォーム -> 0..100
	Topics     map[string]int `json:"topics,omitempty"`    // トピック -> 0..100
	Author     int            `json:"author"`
	Topic      int            `json:"topic"`
	Platform   int            `json:"platform"`
}

// ReadingDisplay はリーダー表示の設定を表す。
type ReadingDisplay struct {
	FocusMode      bool `json:"focusMode,omitempty"`
	FocusIntensity int  `json:"focusIntensity,omitempty"`
}

// Display は表示設定を表す。
type Display struct {
	CompactMode          bool           `json:"compactMode,omitempty"`
	ShowEngagementCounts bool           `json:"showEngagementCounts"`
	Reading              ReadingDisplay `json:"reading"`
}

// UserPreferences はユーザー設定を表す。
// ドキュメント作成時にデフォルト値で生成され、
// 明示的な設定変更によってのみ更新される。
type UserPreferences struct {
	Weights Weights `json:"weights"`
	Display Display `json:"display"`
}

// DefaultPreferences はデフォルトのユーザー設定を返す。
func DefaultPreferences() UserPreferences {
	return UserPreferences{
		Weights: Weights{
			Recency:    DefaultWeightRecency,
			Engagement: DefaultWeightEngagement,
			Author:     DefaultWeightAuthor,
			Topic:      DefaultWeightTopic,
			Platform:   DefaultWeightPlatform,
		},
		Display: Display{
			ShowEngagementCounts: true,
		},
	}
}

// Clone はUserPreferencesのディープコピーを返す。
func (p UserPreferences) Clone() UserPreferences {
	c := p
	c.Weights.Authors = cloneIntMap(p.Weights.Authors)
	c.Weights.Platforms = cloneIntMap(p.Weights.Platforms)
	c.Weights.Topics = cloneIntMap(p.Weights.Topics)
	return c
}

func cloneIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
