package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedsync/internal/document"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/rank"
	"github.com/hitoshi/feedsync/internal/view"
)

// ItemHandler はフィード読み取りとアイテム操作のHTTPハンドラー。
type ItemHandler struct {
	docs DocumentService
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(docs DocumentService) *ItemHandler {
	return &ItemHandler{docs: docs}
}

// itemStateRequest はアイテム状態更新リクエストのボディ。
// nilフィールドは変更しない部分更新を行う。
type itemStateRequest struct {
	Saved    *bool `json:"saved,omitempty"`
	Hidden   *bool `json:"hidden,omitempty"`
	Archived *bool `json:"archived,omitempty"`
}

// itemTagsRequest はタグ更新リクエストのボディ。
type itemTagsRequest struct {
	Tags []string `json:"tags"`
}

// ListFeed はランキング済みフィードを取得する。
// GET /feed?platform=rss&tags=go,news&saved=true&includeHidden=true&includeArchived=true
func (h *ItemHandler) ListFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := rank.Filter{
		IncludeHidden:   q.Get("includeHidden") == "true",
		IncludeArchived: q.Get("includeArchived") == "true",
		Platform:        model.Platform(q.Get("platform")),
		SavedOnly:       q.Get("saved") == "true",
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = splitCSV(tags)
	}

	state := h.docs.Current().State()
	vs := view.Hydrate(state, filter, time.Now())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(vs)
}

// UpdateItemState はアイテムのユーザー状態を冪等に更新する。
// PUT /items/{globalId}/state
func (h *ItemHandler) UpdateItemState(w http.ResponseWriter, r *http.Request) {
	gid := chi.URLParam(r, "globalId")

	var req itemStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "リクエストボディが不正です。")
		return
	}

	if _, ok := h.docs.Current().State().FeedItems[gid]; !ok {
		writeNotFound(w, "アイテムが見つかりません。")
		return
	}

	err := h.docs.Apply(r.Context(), func(doc *document.Document) (*document.Document, error) {
		var err error
		if req.Saved != nil && *req.Saved != savedState(doc, gid) {
			doc, err = doc.ToggleSaved(gid, time.Now().UnixMilli())
			if err != nil {
				return nil, err
			}
		}
		if req.Hidden != nil && *req.Hidden {
			doc, err = doc.HideItem(gid)
			if err != nil {
				return nil, err
			}
		}
		if req.Archived != nil && *req.Archived {
			doc, err = doc.MarkAsRead(gid)
			if err != nil {
				return nil, err
			}
		}
		return doc, nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeItemState(w, h.docs.Current(), gid)
}

// SetTags はアイテムのタグを置き換える。
// PUT /items/{globalId}/tags
func (h *ItemHandler) SetTags(w http.ResponseWriter, r *http.Request) {
	gid := chi.URLParam(r, "globalId")

	var req itemTagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "リクエストボディが不正です。")
		return
	}

	if _, ok := h.docs.Current().State().FeedItems[gid]; !ok {
		writeNotFound(w, "アイテムが見つかりません。")
		return
	}

	err := h.docs.Apply(r.Context(), func(doc *document.Document) (*document.Document, error) {
		return doc.SetItemTags(gid, req.Tags)
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeItemState(w, h.docs.Current(), gid)
}

// savedState は現在のドキュメントでのアイテムの保存状態を返す。
func savedState(doc *document.Document, gid string) bool {
	item, ok := doc.State().FeedItems[gid]
	if !ok {
		return false
	}
	return item.UserState.Saved
}

// writeItemState は更新後のユーザー状態を返す。
func writeItemState(w http.ResponseWriter, doc *document.Document, gid string) {
	item, ok := doc.State().FeedItems[gid]
	if !ok {
		writeNotFound(w, "アイテムが見つかりません。")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		GlobalID  string          `json:"globalId"`
		UserState model.UserState `json:"userState"`
	}{
		GlobalID:  gid,
		UserState: item.UserState,
	})
}

// splitCSV はカンマ区切り文字列を空要素を除いて分割する。
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
