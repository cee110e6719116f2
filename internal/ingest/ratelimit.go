package ingest

import (
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// CooldownPolicy はプラットフォーム別のクールダウン設定。
// エラーが続くほど次の取得までの待機時間が長くなる。
type CooldownPolicy struct {
	Base             time.Duration // 成功後の基本待機時間
	AfterOneError    time.Duration // 連続エラー1回以降
	AfterThreeErrors time.Duration // 連続エラー3回以降
}

// defaultPolicies はプラットフォーム別のデフォルトポリシー。
// スクレイピング系のプラットフォームはAPIフィード系より閾値が急。
var defaultPolicies = map[model.Platform]CooldownPolicy{
	model.PlatformX:         {Base: 5 * time.Minute, AfterOneError: 30 * time.Minute, AfterThreeErrors: 2 * time.Hour},
	model.PlatformFacebook:  {Base: 15 * time.Minute, AfterOneError: 1 * time.Hour, AfterThreeErrors: 6 * time.Hour},
	model.PlatformInstagram: {Base: 15 * time.Minute, AfterOneError: 1 * time.Hour, AfterThreeErrors: 6 * time.Hour},
	model.PlatformRSS:       {Base: 15 * time.Minute, AfterOneError: 1 * time.Hour, AfterThreeErrors: 6 * time.Hour},
	model.PlatformYouTube:   {Base: 10 * time.Minute, AfterOneError: 30 * time.Minute, AfterThreeErrors: 2 * time.Hour},
	model.PlatformReddit:    {Base: 10 * time.Minute, AfterOneError: 30 * time.Minute, AfterThreeErrors: 2 * time.Hour},
	model.PlatformMastodon:  {Base: 5 * time.Minute, AfterOneError: 30 * time.Minute, AfterThreeErrors: 2 * time.Hour},
	model.PlatformGitHub:    {Base: 10 * time.Minute, AfterOneError: 30 * time.Minute, AfterThreeErrors: 2 * time.Hour},
	// 手動保存はユーザー操作起点のためクールダウンしない
	model.PlatformSaved: {},
}

// SourceState はプラットフォーム1つ分の取得状態。
// ドキュメントとは独立した外部状態として扱われる。
type SourceState struct {
	LastScrapeAt      time.Time
	ConsecutiveErrors int
	CooldownUntil     time.Time
}

// Limiter はプラットフォーム別のクールダウン状態を管理し、
// 取得コラボレータの実行可否を判定する。
type Limiter struct {
	mu       sync.Mutex
	policies map[model.Platform]CooldownPolicy
	states   map[model.Platform]*SourceState
	now      func() time.Time
}

// NewLimiter はデフォルトポリシーのLimiterを生成する。
func NewLimiter() *Limiter {
	return &Limiter{
		policies: defaultPolicies,
		states:   make(map[model.Platform]*SourceState),
		now:      time.Now,
	}
}

// Allow はプラットフォームの取得が現在許可されているかを返す。
// 許可されない場合は残りの待機時間を返す。
// RateLimitedはエラーではなく待機時間として報告される。
func (l *Limiter) Allow(p model.Platform) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.states[p]
	if !ok {
		return 0, true
	}
	now := l.now()
	if now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), false
	}
	return 0, true
}

// RecordSuccess は取得成功を記録し、基本クールダウンを開始する。
// 連続エラーカウントはリセットされる。
func (l *Limiter) RecordSuccess(p model.Platform) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state := l.stateFor(p)
	state.LastScrapeAt = now
	state.ConsecutiveErrors = 0
	state.CooldownUntil = now.Add(l.policies[p].Base)
}

// RecordError は取得失敗を記録し、連続エラー数に応じた
// クールダウンを開始する。
func (l *Limiter) RecordError(p model.Platform) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state := l.stateFor(p)
	state.LastScrapeAt = now
	state.ConsecutiveErrors++

	policy := l.policies[p]
	cooldown := policy.AfterOneError
	if state.ConsecutiveErrors >= 3 {
		cooldown = policy.AfterThreeErrors
	}
	state.CooldownUntil = now.Add(cooldown)
}

// State はプラットフォームの現在の取得状態のコピーを返す。
func (l *Limiter) State(p model.Platform) SourceState {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.states[p]
	if !ok {
		return SourceState{}
	}
	return *state
}

func (l *Limiter) stateFor(p model.Platform) *SourceState {
	state, ok := l.states[p]
	if !ok {
		state = &SourceState{}
		l.states[p] = state
	}
	return state
}
