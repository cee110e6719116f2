package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/feedsync/internal/document"
)

// StatusHandler はデバイス状態とヘルスチェックのHTTPハンドラー。
type StatusHandler struct {
	docs  DocumentService
	relay ConnectivityReporter
}

// NewStatusHandler はStatusHandlerを生成する。
// relayはnilでもよい（ハブ未設定のスタンドアロン動作）。
func NewStatusHandler(docs DocumentService, relay ConnectivityReporter) *StatusHandler {
	return &StatusHandler{docs: docs, relay: relay}
}

// statusResponse は/statusのレスポンス。
type statusResponse struct {
	DeviceID       string `json:"deviceId"`
	DeviceName     string `json:"deviceName"`
	SchemaVersion  int    `json:"schemaVersion"`
	LastSyncAt     int64  `json:"lastSyncAt"`
	OpCount        int    `json:"opCount"`
	ItemCount      int    `json:"itemCount"`
	FeedCount      int    `json:"feedCount"`
	RelayConnected bool   `json:"relayConnected"`
}

// Status はデバイスのドキュメント状態と接続状態を返す。
// GET /status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	doc := h.docs.Current()
	meta := doc.Meta()
	state := doc.State()

	resp := statusResponse{
		DeviceID:      meta.DeviceID,
		DeviceName:    meta.DeviceName,
		SchemaVersion: document.SchemaVersion,
		LastSyncAt:    meta.LastSyncAt,
		OpCount:       doc.OpCount(),
		ItemCount:     len(state.FeedItems),
		FeedCount:     len(state.RssFeeds),
	}
	if h.relay != nil {
		resp.RelayConnected = h.relay.Connected()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Healthz はヘルスチェックエンドポイント。
// GET /healthz
func (h *StatusHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Compact はドキュメント履歴を最小オペレーション集合に書き換える。
// POST /compact
func (h *StatusHandler) Compact(w http.ResponseWriter, r *http.Request) {
	before := h.docs.Current().OpCount()

	err := h.docs.Apply(r.Context(), func(doc *document.Document) (*document.Document, error) {
		return doc.Compact()
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	after := h.docs.Current().OpCount()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		OpsBefore int `json:"opsBefore"`
		OpsAfter  int `json:"opsAfter"`
	}{
		OpsBefore: before,
		OpsAfter:  after,
	})
}
