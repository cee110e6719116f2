// Package rank はマージ済みドキュメントから表示用の順序付きフィードを
// 導出するランキングエンジンを提供する。
// すべての関数は純粋であり、同一入力と同一時刻に対して常に同一の結果を返す。
package rank

import (
	"math"
	"sort"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

const (
	// maxScore はシグナルの正規化上限。
	maxScore = 100
	// recencyWindowHours は新着度が100から0まで線形減衰する時間幅。
	recencyWindowHours = 168
	// savedBonusWeight は保存済みアイテムに加算される固定ボーナスの重み。
	savedBonusWeight = 10
	// savedBonusScore は保存済みボーナスのシグナル値。
	savedBonusScore = 100
)

// Rank は各アイテムのPriorityを計算して返す。
// 入力スライスは変更せず、Priorityを設定したコピーを返す。
// スコアは存在するシグナルの重み付き平均（0〜100）。
func Rank(items []*model.FeedItem, weights model.Weights, now time.Time) []*model.FeedItem {
	nowMillis := now.UnixMilli()
	ranked := make([]*model.FeedItem, len(items))
	for i, item := range items {
		c := item.Clone()
		c.Priority = Score(item, weights, now)
		c.PriorityComputed = nowMillis
		ranked[i] = c
	}
	return ranked
}

// Score はアイテム1件のランキングスコア（0〜100）を計算する。
func Score(item *model.FeedItem, weights model.Weights, now time.Time) int {
	var weightedSum, weightTotal float64

	add := func(score, weight int) {
		if weight <= 0 {
			return
		}
		weightedSum += float64(score) * float64(weight)
		weightTotal += float64(weight)
	}

	// 新着度: 常に存在するシグナル。他のシグナルが一切無い場合でも
	// 新着度のみで100%の重みとなる。
	add(recencyScore(item, now), weightOrDefault(weights.Recency, model.DefaultWeightRecency))

	// 著者: ユーザーの上書きが無ければ中立値50
	add(lookupWeight(weights.Authors, item.Author.ID),
		weightOrDefault(weights.Author, model.DefaultWeightAuthor))

	// プラットフォーム
	add(lookupWeight(weights.Platforms, string(item.Platform)),
		weightOrDefault(weights.Platform, model.DefaultWeightPlatform))

	// トピック: アイテムにトピックがある場合のみ参加する
	if len(item.Topics) > 0 {
		add(topicScore(item.Topics, weights.Topics),
			weightOrDefault(weights.Topic, model.DefaultWeightTopic))
	}

	// エンゲージメント: データがある場合のみ参加する
	if item.Engagement != nil {
		add(engagementScore(item.Engagement),
			weightOrDefault(weights.Engagement, model.DefaultWeightEngagement))
	}

	// 保存済みアイテムへの固定ボーナス
	if item.UserState.Saved {
		add(savedBonusScore, savedBonusWeight)
	}

	if weightTotal == 0 {
		return 0
	}
	return int(math.Round(weightedSum / weightTotal))
}

// recencyScore は公開時刻からの経過時間に基づく新着度（0〜100）を返す。
// 0時間で100、168時間で0まで線形減衰する。
// 時計のずれによる負の経過時間は100にクランプする。
func recencyScore(item *model.FeedItem, now time.Time) int {
	published := item.PublishedAt
	if published == 0 {
		published = item.CapturedAt
	}
	ageHours := float64(now.UnixMilli()-published) / float64(time.Hour.Milliseconds())
	if ageHours <= 0 {
		return maxScore
	}
	if ageHours >= recencyWindowHours {
		return 0
	}
	return int(math.Round(maxScore * (1 - ageHours/recencyWindowHours)))
}

// engagementScore はエンゲージメント数の対数スケールスコア（0〜100）を返す。
func engagementScore(e *model.Engagement) int {
	raw := float64(e.Likes) + 2*float64(e.Reposts) + 3*float64(e.Comments) + 0.01*float64(e.Views)
	if raw < 0 {
		raw = 0
	}
	score := int(math.Round(33 * math.Log10(1+raw)))
	if score > maxScore {
		return maxScore
	}
	return score
}

// topicScore はアイテムのトピックに対するユーザー重みの平均を返す。
// 重み未設定のトピックは中立値50として扱う。
func topicScore(topics []string, topicWeights map[string]int) int {
	var sum int
	for _, topic := range topics {
		sum += lookupWeight(topicWeights, topic)
	}
	return int(math.Round(float64(sum) / float64(len(topics))))
}

// lookupWeight は個別重みマップから値を引く。未設定なら中立値50。
func lookupWeight(m map[string]int, key string) int {
	if v, ok := m[key]; ok {
		return v
	}
	return model.NeutralWeight
}

// weightOrDefault はユーザーが重みを未設定（0以下）の場合にデフォルト値を返す。
func weightOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// SortByPriority はPriority降順の安定ソートを行ったコピーを返す。
// 同値の場合は元の順序を保つ。
func SortByPriority(items []*model.FeedItem) []*model.FeedItem {
	sorted := make([]*model.FeedItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}
