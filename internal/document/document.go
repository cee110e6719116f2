package document

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/model"
)

// SchemaVersion は現在のドキュメントスキーマバージョン。
// バージョンが異なるレプリカ間のマージは拒否される（自動マイグレーションはしない）。
const SchemaVersion = 1

// Meta はドキュメントのデバイス単位の付帯情報。
// オペレーション履歴には含まれず、マージの対象外。
type Meta struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	LastSyncAt int64  `json:"lastSyncAt,omitempty"` // エポックミリ秒
}

// Document は複製可能なフィードドキュメント。
// イミュータブルなスナップショットとして扱い、変更はChangeまたはMergeで
// 新しいスナップショットを生成する。
// 1プロセス内の並行変更はサポートしない。呼び出し側で直列化すること。
type Document struct {
	meta    Meta
	ops     []Op // 全順序でソート済み
	seen    map[opID]struct{}
	state   *State
	lamport uint64 // 観測済みの最大Lamport値
	nextSeq uint64 // 自アクターの次のSeq
}

// fileFormat はドキュメントの直列化形式。
type fileFormat struct {
	SchemaVersion int  `json:"schemaVersion"`
	Meta          Meta `json:"meta"`
	Ops           []Op `json:"ops"`
}

// New は空のドキュメントを生成する。
// デバイスIDはアクターIDを兼ねる。
func New(deviceName string) *Document {
	return &Document{
		meta: Meta{
			DeviceID:   uuid.NewString(),
			DeviceName: deviceName,
		},
		seen:    make(map[opID]struct{}),
		state:   newState(),
		nextSeq: 1,
	}
}

// Load は直列化されたバイト列からドキュメントを復元する。
// 読み取れないバイト列の場合はCorruptDocumentエラーを返す。
// スキーマバージョンが一致しない場合はSchemaMismatchエラーを返す。
func Load(data []byte) (*Document, error) {
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, model.NewCorruptDocumentError(err.Error())
	}
	if ff.Meta.DeviceID == "" {
		return nil, model.NewCorruptDocumentError("missing device id")
	}
	if ff.SchemaVersion != SchemaVersion {
		return nil, model.NewSchemaMismatchError(SchemaVersion, ff.SchemaVersion)
	}

	d := &Document{
		meta: ff.Meta,
		seen: make(map[opID]struct{}, len(ff.Ops)),
	}
	for _, op := range ff.Ops {
		id := op.id()
		if _, dup := d.seen[id]; dup {
			continue
		}
		d.seen[id] = struct{}{}
		d.ops = append(d.ops, op)
	}
	sortOps(d.ops)

	state, err := replay(d.ops)
	if err != nil {
		return nil, model.NewCorruptDocumentError(err.Error())
	}
	d.state = state
	d.lamport = maxLamport(d.ops)
	d.nextSeq = nextSeqFor(d.ops, d.meta.DeviceID)
	return d, nil
}

// Save はドキュメントを直列化する。
// 操作は全順序でソート済みのため、同一履歴からは同一バイト列が得られる。
func (d *Document) Save() ([]byte, error) {
	ff := fileFormat{
		SchemaVersion: SchemaVersion,
		Meta:          d.meta,
		Ops:           d.ops,
	}
	data, err := json.Marshal(ff)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return data, nil
}

// Change はミューテータを適用した新しいスナップショットを返す。
// ミューテータがエラーを返した場合、元のスナップショットは変更されない。
// 操作が記録されなかった場合は元のスナップショットをそのまま返す。
func (d *Document) Change(mutator func(*Draft) error) (*Document, error) {
	draft := &Draft{
		state:   d.state.clone(),
		actor:   d.meta.DeviceID,
		nextSeq: d.nextSeq,
		lamport: d.lamport,
	}
	if err := mutator(draft); err != nil {
		return nil, err
	}
	if draft.err != nil {
		return nil, draft.err
	}
	if len(draft.ops) == 0 {
		return d, nil
	}

	nd := &Document{
		meta:    d.meta,
		ops:     make([]Op, 0, len(d.ops)+len(draft.ops)),
		seen:    make(map[opID]struct{}, len(d.seen)+len(draft.ops)),
		state:   draft.state,
		lamport: draft.lamport,
		nextSeq: draft.nextSeq,
	}
	nd.ops = append(nd.ops, d.ops...)
	nd.ops = append(nd.ops, draft.ops...)
	for id := range d.seen {
		nd.seen[id] = struct{}{}
	}
	for _, op := range draft.ops {
		nd.seen[op.id()] = struct{}{}
	}
	// ローカル変更のLamportは観測済み最大値より大きいため末尾追記でも
	// 全順序は保たれるが、念のためソートして不変条件を維持する。
	sortOps(nd.ops)
	return nd, nil
}

// Merge はリモートレプリカの履歴を取り込んだ新しいスナップショットを返す。
// 可換・結合的・冪等。スキーマバージョンの検査はLoad側で行われるため、
// ここに到達する両ドキュメントは同一バージョンである。
// 再生に失敗した場合、元のスナップショットは変更されない。
func (d *Document) Merge(remote *Document) (*Document, error) {
	nd := &Document{
		meta: d.meta,
		ops:  make([]Op, 0, len(d.ops)+len(remote.ops)),
		seen: make(map[opID]struct{}, len(d.seen)+len(remote.seen)),
	}
	nd.ops = append(nd.ops, d.ops...)
	for id := range d.seen {
		nd.seen[id] = struct{}{}
	}
	for _, op := range remote.ops {
		id := op.id()
		if _, dup := nd.seen[id]; dup {
			continue
		}
		nd.seen[id] = struct{}{}
		nd.ops = append(nd.ops, op)
	}
	sortOps(nd.ops)

	state, err := replay(nd.ops)
	if err != nil {
		return nil, fmt.Errorf("failed to replay merged history: %w", err)
	}
	nd.state = state
	nd.lamport = maxLamport(nd.ops)
	nd.nextSeq = nextSeqFor(nd.ops, d.meta.DeviceID)
	return nd, nil
}

// MergeBytes は直列化されたリモートドキュメントを検証してマージする。
// リモートのバイト列が不正な場合はCorruptDocument、
// スキーマバージョンが異なる場合はSchemaMismatchを返し、部分適用はしない。
func (d *Document) MergeBytes(data []byte) (*Document, error) {
	remote, err := Load(data)
	if err != nil {
		return nil, err
	}
	return d.Merge(remote)
}

// Compact は履歴を現在状態と等価な最小の操作列に書き換える。
// 削除済みエントリと上書き済みの操作が物理的に取り除かれる。
// コンパクト後のドキュメントは以前の履歴とマージしてはならないため、
// 全レプリカが同期済みの状態で実行すること。
func (d *Document) Compact() (*Document, error) {
	nd := &Document{
		meta: d.meta,
		seen: make(map[opID]struct{}),
	}

	var seq uint64 = 1
	var lamport uint64
	record := func(path string, value any) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode %q during compaction: %w", path, err)
		}
		lamport++
		op := Op{
			Actor:   d.meta.DeviceID,
			Seq:     seq,
			Lamport: lamport,
			Path:    path,
			Value:   raw,
		}
		seq++
		nd.ops = append(nd.ops, op)
		nd.seen[op.id()] = struct{}{}
		return nil
	}

	// キー順で再生成し、決定的なコンパクト結果を得る
	for _, gid := range sortedKeys(d.state.FeedItems) {
		if err := record(joinPath("items", gid), d.state.FeedItems[gid]); err != nil {
			return nil, err
		}
	}
	for _, feedURL := range sortedKeys(d.state.RssFeeds) {
		if err := record(joinPath("feeds", feedURL), d.state.RssFeeds[feedURL]); err != nil {
			return nil, err
		}
	}
	w := d.state.Prefs.Weights
	if err := record(joinPath("prefs", "weights", "recency"), w.Recency); err != nil {
		return nil, err
	}
	if err := record(joinPath("prefs", "weights", "engagement"), w.Engagement); err != nil {
		return nil, err
	}
	if err := record(joinPath("prefs", "weights", "author"), w.Author); err != nil {
		return nil, err
	}
	if err := record(joinPath("prefs", "weights", "topic"), w.Topic); err != nil {
		return nil, err
	}
	if err := record(joinPath("prefs", "weights", "platform"), w.Platform); err != nil {
		return nil, err
	}
	for _, id := range sortedKeys(w.Authors) {
		if err := record(joinPath("prefs", "weights", "authors", id), w.Authors[id]); err != nil {
			return nil, err
		}
	}
	for _, p := range sortedKeys(w.Platforms) {
		if err := record(joinPath("prefs", "weights", "platforms", p), w.Platforms[p]); err != nil {
			return nil, err
		}
	}
	for _, tp := range sortedKeys(w.Topics) {
		if err := record(joinPath("prefs", "weights", "topics", tp), w.Topics[tp]); err != nil {
			return nil, err
		}
	}
	if err := record(joinPath("prefs", "display"), d.state.Prefs.Display); err != nil {
		return nil, err
	}

	state, err := replay(nd.ops)
	if err != nil {
		return nil, fmt.Errorf("failed to replay compacted history: %w", err)
	}
	nd.state = state
	nd.lamport = lamport
	nd.nextSeq = seq
	return nd, nil
}

// State は現在状態への読み取り専用アクセスを提供する。
// 返される状態を変更してはならない。
func (d *Document) State() *State {
	return d.state
}

// Meta はドキュメントの付帯情報を返す。
func (d *Document) Meta() Meta {
	return d.meta
}

// WithLastSyncAt は最終同期時刻を更新した新しいスナップショットを返す。
// metaはマージ対象外のため、操作履歴には記録されない。
func (d *Document) WithLastSyncAt(ts int64) *Document {
	nd := *d
	nd.meta.LastSyncAt = ts
	return &nd
}

// OpCount は履歴内の操作数を返す。コンパクションの判断材料に使う。
func (d *Document) OpCount() int {
	return len(d.ops)
}

// replay は操作列を全順序で再生して状態を構築する。
func replay(ops []Op) (*State, error) {
	state := newState()
	for _, op := range ops {
		if err := state.apply(op); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// sortOps は操作列を全順序でソートする。
func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].less(ops[j])
	})
}

func maxLamport(ops []Op) uint64 {
	var max uint64
	for _, op := range ops {
		if op.Lamport > max {
			max = op.Lamport
		}
	}
	return max
}

// nextSeqFor は指定アクターの次のSeq値を返す。
func nextSeqFor(ops []Op, actor string) uint64 {
	var max uint64
	for _, op := range ops {
		if op.Actor == actor && op.Seq > max {
			max = op.Seq
		}
	}
	return max + 1
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
