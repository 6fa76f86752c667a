// Package handler は監視・運用用のHTTP APIを提供する。
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/newswire/internal/metrics"
	"github.com/hitoshi/newswire/internal/model"
)

// validBacklogSources はバックログAPIが受け付けるソースタグ。
var validBacklogSources = map[string]bool{
	"bbc":          true,
	"toronto_star": true,
	"ircc":         true,
}

// Pinger はデータベース接続の死活確認インターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// BacklogLister は処理済み記事一覧の取得インターフェース。
type BacklogLister interface {
	Backlog(ctx context.Context, source string) ([]*model.Post, error)
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	DB       Pinger
	Queue    BacklogLister
	Registry *prometheus.Registry
}

// --- レスポンス型 ---

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// backlogPostResponse はバックログ記事1件のレスポンス。
type backlogPostResponse struct {
	URL             string    `json:"url"`
	Title           string    `json:"title"`
	TranslatedTitle string    `json:"translated_title,omitempty"`
	Source          string    `json:"source"`
	CreatedAt       time.Time `json:"created_at"`
	Published       bool      `json:"published"`
}

// backlogResponse はバックログ一覧のレスポンス。
type backlogResponse struct {
	Source string                `json:"source"`
	Count  int                   `json:"count"`
	Posts  []backlogPostResponse `json:"posts"`
}

// errorResponse はエラーレスポンス。
type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter は監視用エンドポイントのルーティングを構成したchi.Routerを返す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps.DB))
	r.Method(http.MethodGet, "/metrics", metrics.SetupMetricsRoute(deps.Registry))

	r.Route("/api", func(r chi.Router) {
		r.Get("/backlog", handleBacklog(deps.Queue))
	})

	return r
}

// handleHealth はデータベース接続を確認してサービスの状態を返す。
// GET /health
func handleHealth(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Database: "ok"}
		status := http.StatusOK

		if err := db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}

// handleBacklog は指定ソースの処理済み記事一覧を返す。
// GET /api/backlog?source=bbc
func handleBacklog(queue BacklogLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("source")
		if source == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "source query parameter is required"})
			return
		}
		if !validBacklogSources[source] {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown source: " + source})
			return
		}

		posts, err := queue.Backlog(r.Context(), source)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list backlog"})
			return
		}

		resp := backlogResponse{
			Source: source,
			Count:  len(posts),
			Posts:  make([]backlogPostResponse, 0, len(posts)),
		}
		for _, p := range posts {
			resp.Posts = append(resp.Posts, backlogPostResponse{
				URL:             p.URL,
				Title:           p.Title,
				TranslatedTitle: p.TranslatedTitle,
				Source:          p.Source,
				CreatedAt:       p.CreatedAt,
				Published:       p.Enriched(),
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
