package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedsync/internal/document"
	"github.com/hitoshi/feedsync/internal/ingest"
	"github.com/hitoshi/feedsync/internal/model"
)

// mockDocs は実ドキュメントを直接適用するDocumentServiceの偽実装。
// キューを介さないため、テストでは同期的に状態が確定する。
type mockDocs struct {
	doc       *document.Document
	ingestSvc *ingest.Service
	applyErr  error
}

func (m *mockDocs) Current() *document.Document { return m.doc }

func (m *mockDocs) Apply(_ context.Context, op func(doc *document.Document) (*document.Document, error)) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	next, err := op(m.doc)
	if err != nil {
		return err
	}
	m.doc = next
	return nil
}

func (m *mockDocs) Ingest(_ context.Context, items []*model.FeedItem) (ingest.Report, error) {
	next, report, err := m.ingestSvc.Ingest(m.doc, items, time.Now())
	if err != nil {
		return ingest.Report{}, err
	}
	m.doc = next
	return report, nil
}

// mockDetector は固定の検出結果を返す偽実装。
type mockDetector struct {
	feedURL string
	err     error
}

func (m *mockDetector) DetectFeedURL(_ context.Context, inputURL string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if m.feedURL != "" {
		return m.feedURL, nil
	}
	return inputURL, nil
}

// mockPageSaver は固定のアイテムを返す偽実装。
type mockPageSaver struct {
	item *model.FeedItem
	err  error
}

func (m *mockPageSaver) Save(_ context.Context, pageURL string) (*model.FeedItem, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.item, nil
}

// mockConnectivity は固定の接続状態を返す偽実装。
type mockConnectivity struct {
	connected bool
}

func (m *mockConnectivity) Connected() bool { return m.connected }

type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(rawHTML string) string  { return rawHTML }
func (passthroughSanitizer) StripTags(rawHTML string) string { return rawHTML }

func newMockDocs(t *testing.T) *mockDocs {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return &mockDocs{
		doc:       document.New("desktop"),
		ingestSvc: ingest.NewService(passthroughSanitizer{}, nil, logger),
	}
}

func newTestRouter(t *testing.T, docs *mockDocs, detector FeedDetectorService, pageSaver PageSaverService, relay ConnectivityReporter) http.Handler {
	t.Helper()
	if detector == nil {
		detector = &mockDetector{}
	}
	if pageSaver == nil {
		pageSaver = &mockPageSaver{}
	}
	return NewRouter(&RouterDeps{
		Docs:      docs,
		Detector:  detector,
		PageSaver: pageSaver,
		Relay:     relay,
		Gatherer:  prometheus.NewRegistry(),
		Logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
}

// seedItem はテスト用アイテムをドキュメントへ直接投入する。
func seedItem(t *testing.T, docs *mockDocs, gid string) {
	t.Helper()
	doc, err := docs.doc.AddFeedItem(&model.FeedItem{
		GlobalID:    gid,
		Platform:    model.PlatformRSS,
		PublishedAt: time.Now().UnixMilli(),
		Content:     model.Content{Text: "テスト記事"},
	})
	if err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	docs.doc = doc
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) appErrorResponse {
	t.Helper()
	var resp appErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestListFeed_ReturnsRankedItems(t *testing.T) {
	docs := newMockDocs(t)
	seedItem(t, docs, "rss:one")
	seedItem(t, docs, "rss:two")
	router := newTestRouter(t, docs, nil, nil, nil)

	rec := doJSON(t, router, http.MethodGet, "/feed", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Items  []*model.FeedItem `json:"items"`
		Unread int               `json:"unread"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 2 || resp.Unread != 2 {
		t.Errorf("expected 2 items and 2 unread, got %d items unread=%d", len(resp.Items), resp.Unread)
	}
}

func TestListFeed_AppliesFilters(t *testing.T) {
	docs := newMockDocs(t)
	seedItem(t, docs, "rss:visible")
	seedItem(t, docs, "rss:saved")
	doc, err := docs.doc.ToggleSaved("rss:saved", time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("failed to save item: %v", err)
	}
	docs.doc = doc
	router := newTestRouter(t, docs, nil, nil, nil)

	rec := doJSON(t, router, http.MethodGet, "/feed?saved=true", nil)

	var resp struct {
		Items []*model.FeedItem `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].GlobalID != "rss:saved" {
		t.Errorf("expected only the saved item, got %d items", len(resp.Items))
	}
}

func TestUpdateItemState_TogglesSaved(t *testing.T) {
	docs := newMockDocs(t)
	seedItem(t, docs, "rss:one")
	router := newTestRouter(t, docs, nil, nil, nil)

	saved := true
	rec := doJSON(t, router, http.MethodPut, "/items/rss:one/state", itemStateRequest{Saved: &saved})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !docs.doc.State().FeedItems["rss:one"].UserState.Saved {
		t.Error("expected the item to be saved")
	}

	// 同じ値の再送は冪等（トグルし直さない）
	rec = doJSON(t, router, http.MethodPut, "/items/rss:one/state", itemStateRequest{Saved: &saved})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !docs.doc.State().FeedItems["rss:one"].UserState.Saved {
		t.Error("an idempotent resend must not flip the state back")
	}
}

func TestUpdateItemState_ArchivesAndHides(t *testing.T) {
	docs := newMockDocs(t)
	seedItem(t, docs, "rss:one")
	router := newTestRouter(t, docs, nil, nil, nil)

	yes := true
	rec := doJSON(t, router, http.MethodPut, "/items/rss:one/state",
		itemStateRequest{Hidden: &yes, Archived: &yes})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	state := docs.doc.State().FeedItems["rss:one"].UserState
	if !state.Hidden || !state.Archived {
		t.Errorf("expected hidden and archived, got %+v", state)
	}
}

func TestUpdateItemState_MissingItemReturns404(t *testing.T) {
	docs := newMockDocs(t)
	router := newTestRouter(t, docs, nil, nil, nil)

	saved := true
	rec := doJSON(t, router, http.MethodPut, "/items/rss:gone/state", itemStateRequest{Saved: &saved})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", resp.Code)
	}
}

func TestUpdateItemState_BadBodyReturns400(t *testing.T) {
	docs := newMockDocs(t)
	seedItem(t, docs, "rss:one")
	router := newTestRouter(t, docs, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPut, "/items/rss:one/state", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSetTags_ReplacesTags(t *testing.T) {
	docs := newMockDocs(t)
	seedItem(t, docs, "rss:one")
	router := newTestRouter(t, docs, nil, nil, nil)

	rec := doJSON(t, router, http.MethodPut, "/items/rss:one/tags",
		itemTagsRequest{Tags: []string{"golang", "crdt"}})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		GlobalID  string          `json:"globalId"`
		UserState model.UserState `json:"userState"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.UserState.Tags) != 2 {
		t.Errorf("expected 2 tags in the response, got %v", resp.UserState.Tags)
	}
}

func TestRegisterFeed_DetectsAndSubscribes(t *testing.T) {
	docs := newMockDocs(t)
	detector := &mockDetector{feedURL: "https://example.com/feed.xml"}
	router := newTestRouter(t, docs, detector, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/feeds",
		feedRegisterRequest{URL: "https://example.com/", Title: "ブログ"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp feedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.URL != "https://example.com/feed.xml" || !resp.Enabled {
		t.Errorf("unexpected feed response: %+v", resp)
	}
	if _, ok := docs.doc.State().RssFeeds["https://example.com/feed.xml"]; !ok {
		t.Error("expected the detected feed url to be subscribed")
	}
}

func TestRegisterFeed_DetectionFailureReturns422(t *testing.T) {
	docs := newMockDocs(t)
	detector := &mockDetector{err: fmt.Errorf("no feed found")}
	router := newTestRouter(t, docs, detector, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/feeds", feedRegisterRequest{URL: "https://example.com/"})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Code != "FEED_NOT_DETECTED" {
		t.Errorf("expected FEED_NOT_DETECTED, got %s", resp.Code)
	}
}

func TestRegisterFeed_MissingURLReturns400(t *testing.T) {
	docs := newMockDocs(t)
	router := newTestRouter(t, docs, nil, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/feeds", feedRegisterRequest{})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeleteFeed(t *testing.T) {
	docs := newMockDocs(t)
	doc, err := docs.doc.AddRssFeed(&model.RssFeed{URL: "https://example.com/feed.xml", Enabled: true})
	if err != nil {
		t.Fatalf("failed to add feed: %v", err)
	}
	docs.doc = doc
	router := newTestRouter(t, docs, nil, nil, nil)

	rec := doJSON(t, router, http.MethodDelete, "/feeds?url=https%3A%2F%2Fexample.com%2Ffeed.xml", nil)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(docs.doc.State().RssFeeds) != 0 {
		t.Error("expected the feed to be removed")
	}

	// 2回目は404
	rec = doJSON(t, router, http.MethodDelete, "/feeds?url=https%3A%2F%2Fexample.com%2Ffeed.xml", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a removed feed, got %d", rec.Code)
	}
}

func TestSavePage_IngestsFetchedPage(t *testing.T) {
	docs := newMockDocs(t)
	pageSaver := &mockPageSaver{item: &model.FeedItem{
		Platform:    model.PlatformSaved,
		ContentType: model.ContentTypePage,
		SourceURL:   "https://example.com/article",
		Content:     model.Content{Text: "保存した記事"},
	}}
	router := newTestRouter(t, docs, nil, pageSaver, nil)

	rec := doJSON(t, router, http.MethodPost, "/saved", savedPageRequest{URL: "https://example.com/article"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Inserted int `json:"inserted"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Inserted != 1 {
		t.Errorf("expected 1 inserted, got %d", resp.Inserted)
	}
	if len(docs.doc.State().FeedItems) != 1 {
		t.Errorf("expected the page in the document, got %d items", len(docs.doc.State().FeedItems))
	}
}

func TestSavePage_FetchFailureReturns502(t *testing.T) {
	docs := newMockDocs(t)
	pageSaver := &mockPageSaver{err: fmt.Errorf("connection refused")}
	router := newTestRouter(t, docs, nil, pageSaver, nil)

	rec := doJSON(t, router, http.MethodPost, "/saved", savedPageRequest{URL: "https://example.com/article"})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Code != "PAGE_FETCH_FAILED" {
		t.Errorf("expected PAGE_FETCH_FAILED, got %s", resp.Code)
	}
}

func TestUpdatePreferences(t *testing.T) {
	docs := newMockDocs(t)
	router := newTestRouter(t, docs, nil, nil, nil)

	prefs := model.DefaultPreferences()
	prefs.Weights.Recency = 80
	rec := doJSON(t, router, http.MethodPut, "/prefs", prefs)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp model.UserPreferences
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Weights.Recency != 80 {
		t.Errorf("expected the updated weight in the response, got %d", resp.Weights.Recency)
	}
	if docs.doc.State().Prefs.Weights.Recency != 80 {
		t.Error("expected the weight to be persisted")
	}
}

func TestStatus(t *testing.T) {
	docs := newMockDocs(t)
	seedItem(t, docs, "rss:one")
	router := newTestRouter(t, docs, nil, nil, &mockConnectivity{connected: true})

	rec := doJSON(t, router, http.MethodGet, "/status", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.DeviceName != "desktop" || resp.SchemaVersion != document.SchemaVersion {
		t.Errorf("unexpected status: %+v", resp)
	}
	if resp.ItemCount != 1 || resp.OpCount != 1 {
		t.Errorf("unexpected counts: %+v", resp)
	}
	if !resp.RelayConnected {
		t.Error("expected relayConnected true")
	}
}

func TestHealthz(t *testing.T) {
	docs := newMockDocs(t)
	router := newTestRouter(t, docs, nil, nil, nil)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestCompact_ReportsOpCounts(t *testing.T) {
	docs := newMockDocs(t)
	seedItem(t, docs, "rss:one")
	for i := 0; i < 5; i++ {
		doc, err := docs.doc.SetItemTags("rss:one", []string{fmt.Sprintf("tag-%d", i)})
		if err != nil {
			t.Fatalf("failed to set tags: %v", err)
		}
		docs.doc = doc
	}
	router := newTestRouter(t, docs, nil, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/compact", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OpsBefore int `json:"opsBefore"`
		OpsAfter  int `json:"opsAfter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.OpsAfter >= resp.OpsBefore {
		t.Errorf("expected compaction to shrink history: %d -> %d", resp.OpsBefore, resp.OpsAfter)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "スキーマ不一致は409",
			err:        model.NewSchemaMismatchError(1, 2),
			wantStatus: http.StatusConflict,
			wantCode:   model.ErrCodeSchemaMismatch,
		},
		{
			name:       "レート制限は429",
			err:        model.NewRateLimitedError("rss", time.Minute),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   model.ErrCodeRateLimited,
		},
		{
			name:       "ストレージ失敗は507",
			err:        model.NewStorageFailedError("disk full"),
			wantStatus: http.StatusInsufficientStorage,
			wantCode:   model.ErrCodeStorageFailed,
		},
		{
			name:       "中継切断は503",
			err:        model.NewRelayDisconnectedError("hub:8765", "refused"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   model.ErrCodeRelayDisconnected,
		},
		{
			name:       "その他は500",
			err:        fmt.Errorf("unexpected"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := newMockDocs(t)
			seedItem(t, docs, "rss:one")
			docs.applyErr = tt.err
			router := newTestRouter(t, docs, nil, nil, nil)

			saved := true
			rec := doJSON(t, router, http.MethodPut, "/items/rss:one/state", itemStateRequest{Saved: &saved})

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if resp := decodeErrorResponse(t, rec); resp.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	docs := newMockDocs(t)
	router := newTestRouter(t, docs, nil, nil, nil)

	rec := doJSON(t, router, http.MethodGet, "/metrics", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
