// Package queue は記事の取り込みから処理までの待ち行列を管理する。
// 重複排除を通過した記事だけがストアに入り、queued→processing→processed
// の順に状態が進む。
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newswire/internal/model"
	"github.com/hitoshi/newswire/internal/repository"
)

// NoveltyFilter は既存記事との類似度で候補を選別する。
type NoveltyFilter interface {
	SelectNovel(ctx context.Context, candidates, existing []*model.Post) ([]*model.Post, error)
}

// NewsQueue は記事待ち行列のサービス層。
type NewsQueue struct {
	posts  repository.PostRepository
	filter NoveltyFilter
	window time.Duration
	logger *slog.Logger
}

// NewNewsQueue はNewsQueueを生成する。windowは重複判定の参照に使う
// 処理済み記事の範囲（作成日時が現在からwindow以内）を指定する。
func NewNewsQueue(posts repository.PostRepository, filter NoveltyFilter, window time.Duration, logger *slog.Logger) *NewsQueue {
	return &NewsQueue{
		posts:  posts,
		filter: filter,
		window: window,
		logger: logger,
	}
}

// Enqueue は候補記事を重複排除にかけ、通過した記事をqueuedとして
// ストアに追加する。実際に新規追加された記事だけを返す。
// 既知のURLは類似判定とは独立にスキップされる。
func (q *NewsQueue) Enqueue(ctx context.Context, candidates []*model.Post, source string) ([]*model.Post, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	for _, p := range candidates {
		p.Source = source
	}

	existing, err := q.posts.List(ctx, repository.ListFilter{
		Status: model.StatusProcessed,
		Since:  time.Now().Add(-q.window),
	})
	if err != nil {
		return nil, fmt.Errorf("処理済み記事の取得に失敗しました: %w", err)
	}

	novel, err := q.filter.SelectNovel(ctx, candidates, existing)
	if err != nil {
		return nil, fmt.Errorf("重複判定に失敗しました: %w", err)
	}

	// 1件の追加失敗がバッチの残りを止めないよう、失敗はログに記録して続行する
	var added []*model.Post
	for _, p := range novel {
		inserted, err := q.posts.Insert(ctx, p)
		if err != nil {
			q.logger.Error("記事の追加に失敗しました",
				slog.String("url", p.URL),
				slog.String("error", err.Error()))
			continue
		}
		if !inserted {
			q.logger.Debug("既知のURLをスキップします", slog.String("url", p.URL))
			continue
		}
		added = append(added, p)
	}

	q.logger.Info("記事を待ち行列に追加しました",
		slog.String("source", source),
		slog.Int("candidates", len(candidates)),
		slog.Int("novel", len(novel)),
		slog.Int("added", len(added)))

	return added, nil
}

// Pop は待機中の記事すべてをprocessingに切り替えて返す。
// 切り替えと取得は単一のステートメントで行われるため、並行して
// 呼び出しても同じ記事が二重に払い出されることはない。
func (q *NewsQueue) Pop(ctx context.Context) ([]*model.Post, error) {
	posts, err := q.posts.TakeByStatus(ctx, model.StatusQueued, model.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("待ち行列の取り出しに失敗しました: %w", err)
	}
	// 返す記事の状態をストア側に合わせる。後続のUpdateが
	// 切り替え前の状態を書き戻すのを防ぐ。
	for _, p := range posts {
		p.Status = model.StatusProcessing
	}
	return posts, nil
}

// MarkProcessed は記事を処理済みにする。処理済み記事は以後の
// 重複判定の参照対象になる。
func (q *NewsQueue) MarkProcessed(ctx context.Context, url string) error {
	updated, err := q.posts.UpdateStatus(ctx, url, model.StatusProcessed)
	if err != nil {
		return fmt.Errorf("記事の状態更新に失敗しました: %w", err)
	}
	if !updated {
		return fmt.Errorf("記事が見つかりません: %s", url)
	}
	return nil
}

// ReleaseStale はprocessingのまま滞留した記事を処理済みへ送る。
// クラッシュ等で中断された記事が再配信されるのを防ぐ。
func (q *NewsQueue) ReleaseStale(ctx context.Context, timeout time.Duration) error {
	released, err := q.posts.ReleaseStale(ctx, timeout)
	if err != nil {
		return fmt.Errorf("滞留記事の回収に失敗しました: %w", err)
	}
	if released > 0 {
		q.logger.Warn("滞留していた記事を処理済みにしました", slog.Int("count", released))
	}
	return nil
}

// Backlog は処理済み記事を新しい順で返す。sourceが空の場合は全ソースを対象とする。
func (q *NewsQueue) Backlog(ctx context.Context, source string) ([]*model.Post, error) {
	posts, err := q.posts.List(ctx, repository.ListFilter{
		Status: model.StatusProcessed,
		Source: source,
	})
	if err != nil {
		return nil, fmt.Errorf("処理済み記事の取得に失敗しました: %w", err)
	}
	return posts, nil
}
