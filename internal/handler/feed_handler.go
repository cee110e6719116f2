package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedsync/internal/document"
	"github.com/hitoshi/feedsync/internal/model"
)

// FeedHandler はフィード購読・ページ保存・設定のHTTPハンドラー。
type FeedHandler struct {
	docs      DocumentService
	detector  FeedDetectorService
	pageSaver PageSaverService
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(docs DocumentService, detector FeedDetectorService, pageSaver PageSaverService) *FeedHandler {
	return &FeedHandler{
		docs:      docs,
		detector:  detector,
		pageSaver: pageSaver,
	}
}

// feedRegisterRequest はフィード登録リクエストのボディ。
type feedRegisterRequest struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// feedResponse はフィード購読1件のレスポンス。
type feedResponse struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Enabled bool   `json:"enabled"`
}

// savedPageRequest はページ保存リクエストのボディ。
type savedPageRequest struct {
	URL string `json:"url"`
}

// RegisterFeed はフィードを登録する。
// 入力URLがHTMLページの場合はheadタグから実フィードURLを自動検出する。
// POST /feeds
func (h *FeedHandler) RegisterFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeBadRequest(w, "フィードURLを指定してください。")
		return
	}

	feedURL, err := h.detector.DetectFeedURL(r.Context(), req.URL)
	if err != nil {
		writeAppErrorResponse(w, http.StatusUnprocessableEntity, &model.AppError{
			Code:     "FEED_NOT_DETECTED",
			Message:  "フィードを検出できませんでした。",
			Category: "feed",
			Action:   "URLがRSS/Atomフィードを公開しているか確認してください。",
		})
		return
	}

	feed := &model.RssFeed{
		URL:     feedURL,
		Title:   req.Title,
		Enabled: true,
	}
	err = h.docs.Apply(r.Context(), func(doc *document.Document) (*document.Document, error) {
		return doc.AddRssFeed(feed)
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(feedResponse{
		URL:     feed.URL,
		Title:   feed.Title,
		Enabled: feed.Enabled,
	})
}

// DeleteFeed はフィード購読を解除する。
// DELETE /feeds?url=<feed url>
func (h *FeedHandler) DeleteFeed(w http.ResponseWriter, r *http.Request) {
	feedURL := r.URL.Query().Get("url")
	if feedURL == "" {
		writeBadRequest(w, "フィードURLを指定してください。")
		return
	}

	if _, ok := h.docs.Current().State().RssFeeds[feedURL]; !ok {
		writeNotFound(w, "フィードが見つかりません。")
		return
	}

	err := h.docs.Apply(r.Context(), func(doc *document.Document) (*document.Document, error) {
		return doc.RemoveRssFeed(feedURL)
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SavePage はWebページを「あとで読む」として保存する。
// POST /saved
func (h *FeedHandler) SavePage(w http.ResponseWriter, r *http.Request) {
	var req savedPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeBadRequest(w, "保存するページのURLを指定してください。")
		return
	}

	item, err := h.pageSaver.Save(r.Context(), req.URL)
	if err != nil {
		writeAppErrorResponse(w, http.StatusBadGateway, &model.AppError{
			Code:     "PAGE_FETCH_FAILED",
			Message:  "ページの取得に失敗しました。",
			Category: "capture",
			Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
		})
		return
	}
	item.CapturedAt = time.Now().UnixMilli()

	report, err := h.docs.Ingest(r.Context(), []*model.FeedItem{item})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(struct {
		Inserted int `json:"inserted"`
		Updated  int `json:"updated"`
	}{
		Inserted: report.Inserted,
		Updated:  report.Updated,
	})
}

// UpdatePreferences はランキングの重みと表示設定を更新する。
// PUT /prefs
func (h *FeedHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs model.UserPreferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeBadRequest(w, "リクエストボディが不正です。")
		return
	}

	err := h.docs.Apply(r.Context(), func(doc *document.Document) (*document.Document, error) {
		return doc.UpdatePreferences(prefs)
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.docs.Current().State().Prefs)
}

// --- エラーレスポンスヘルパー ---

// appErrorResponse は統一エラーフォーマット。
type appErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeAppErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAppErrorResponse(w http.ResponseWriter, statusCode int, appErr *model.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(appErrorResponse{
		Code:     appErr.Code,
		Message:  appErr.Message,
		Category: appErr.Category,
		Action:   appErr.Action,
	})
}

// writeBadRequest は400エラーを書き込む。
func writeBadRequest(w http.ResponseWriter, message string) {
	writeAppErrorResponse(w, http.StatusBadRequest, &model.AppError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: "request",
		Action:   "リクエスト内容を確認してください。",
	})
}

// writeNotFound は404エラーを書き込む。
func writeNotFound(w http.ResponseWriter, message string) {
	writeAppErrorResponse(w, http.StatusNotFound, &model.AppError{
		Code:     "NOT_FOUND",
		Message:  message,
		Category: "request",
		Action:   "対象が存在するか確認してください。",
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		writeAppErrorResponse(w, mapAppErrorToHTTPStatus(appErr), appErr)
		return
	}

	// AppError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAppErrorResponse(w, http.StatusInternalServerError, &model.AppError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAppErrorToHTTPStatus はAppErrorコードからHTTPステータスコードにマッピングする。
func mapAppErrorToHTTPStatus(appErr *model.AppError) int {
	switch appErr.Code {
	case model.ErrCodeCorruptDocument, model.ErrCodeSchemaMismatch:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeStorageFailed:
		return http.StatusInsufficientStorage
	case model.ErrCodeRelayDisconnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
