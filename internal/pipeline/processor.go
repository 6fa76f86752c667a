// Package pipeline はスクレイプから配信までの記事処理フローを統括する。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newswire/internal/llm"
	"github.com/hitoshi/newswire/internal/metrics"
	"github.com/hitoshi/newswire/internal/model"
	"github.com/hitoshi/newswire/internal/repository"
	"github.com/hitoshi/newswire/internal/scrape"
)

// Queue は記事待ち行列の操作インターフェース。
type Queue interface {
	Enqueue(ctx context.Context, candidates []*model.Post, source string) ([]*model.Post, error)
	Pop(ctx context.Context) ([]*model.Post, error)
	MarkProcessed(ctx context.Context, url string) error
	ReleaseStale(ctx context.Context, timeout time.Duration) error
}

// RelevanceSelector は記事バッチの関連性判定インターフェース。
type RelevanceSelector interface {
	SelectRelevant(ctx context.Context, posts []*model.Post) ([]string, error)
}

// Translator は記事の翻訳・リライトインターフェース。
type Translator interface {
	Translate(ctx context.Context, title, fullText string) (*llm.Translation, error)
}

// Publisher はニュースサービスへの投稿インターフェース。
type Publisher interface {
	Publish(ctx context.Context, post *model.Post) (string, error)
}

// Broadcaster はTelegram配信インターフェース。
type Broadcaster interface {
	Broadcast(ctx context.Context, post *model.Post, linkURL string) (int, error)
}

// CycleStats は1回の待ち行列処理サイクルの集計。
type CycleStats struct {
	Popped    int
	Relevant  int
	Published int
	Broadcast int
}

// Processor は記事処理パイプラインの実装。
// スクレイプした記事の取り込みと、待ち行列の記事の選別・翻訳・投稿・
// 配信を行う。
type Processor struct {
	queue      Queue
	posts      repository.PostRepository
	sources    map[string]scrape.Source
	selector   RelevanceSelector
	translator Translator
	publisher  Publisher
	caster     Broadcaster
	collector  metrics.MetricsCollector
	cooldown   time.Duration
	logger     *slog.Logger
}

// NewProcessor はProcessorを生成する。cooldownは翻訳API呼び出しの間隔。
func NewProcessor(
	queue Queue,
	posts repository.PostRepository,
	sources []scrape.Source,
	selector RelevanceSelector,
	translator Translator,
	publisher Publisher,
	caster Broadcaster,
	collector metrics.MetricsCollector,
	cooldown time.Duration,
	logger *slog.Logger,
) *Processor {
	byName := make(map[string]scrape.Source, len(sources))
	for _, s := range sources {
		byName[s.Name()] = s
	}

	return &Processor{
		queue:      queue,
		posts:      posts,
		sources:    byName,
		selector:   selector,
		translator: translator,
		publisher:  publisher,
		caster:     caster,
		collector:  collector,
		cooldown:   cooldown,
		logger:     logger,
	}
}

// ScrapeSource は1ソースの最新記事を取得して待ち行列に追加する。
func (p *Processor) ScrapeSource(ctx context.Context, name string) error {
	source, ok := p.sources[name]
	if !ok {
		return fmt.Errorf("未知のソースです: %s", name)
	}

	p.logger.Info("スクレイプを開始します", slog.String("source", name))

	posts, err := source.FetchUpdates(ctx)
	if err != nil {
		p.collector.RecordScrapeFailure(name)
		return fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}

	if len(posts) == 0 {
		p.logger.Info("新しい記事はありません", slog.String("source", name))
		p.collector.RecordScrapeSuccess(name, 0, 0)
		return nil
	}

	added, err := p.queue.Enqueue(ctx, posts, name)
	if err != nil {
		p.collector.RecordScrapeFailure(name)
		return fmt.Errorf("待ち行列への追加に失敗しました: %w", err)
	}

	p.collector.RecordScrapeSuccess(name, len(posts), len(added))
	return nil
}

// ProcessQueue は待ち行列の記事をバッチで処理する。
// 関連性判定は1バッチ1回のAPI呼び出しで行い、通過した記事を順に
// 本文取得・翻訳・投稿・配信する。個別記事の失敗はその記事だけを
// 打ち切り、バッチの残りは続行する。処理した記事はすべて
// 処理済みとして確定する。
func (p *Processor) ProcessQueue(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	defer func() {
		p.collector.RecordCycleDuration(time.Since(start))
	}()

	stats := CycleStats{}

	posts, err := p.queue.Pop(ctx)
	if err != nil {
		return stats, fmt.Errorf("待ち行列の取り出しに失敗しました: %w", err)
	}
	if len(posts) == 0 {
		p.logger.Info("処理する記事がありません")
		return stats, nil
	}

	stats.Popped = len(posts)
	p.collector.RecordQueuePopped(len(posts))
	p.logger.Info("待ち行列の処理を開始します", slog.Int("posts", len(posts)))

	relevantURLs, err := p.selector.SelectRelevant(ctx, posts)
	if err != nil {
		// 判定に失敗したバッチは配信せずに確定する
		p.collector.RecordPipelineFailure("relevance")
		p.logger.Error("関連性判定に失敗しました", slog.String("error", err.Error()))
		p.finalize(ctx, posts)
		return stats, fmt.Errorf("関連性判定に失敗しました: %w", err)
	}

	relevant := make(map[string]bool, len(relevantURLs))
	for _, u := range relevantURLs {
		relevant[u] = true
	}

	for _, post := range posts {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		if !relevant[post.URL] {
			p.logger.Info("関連性が低いためスキップします",
				slog.String("url", post.URL),
				slog.String("title", post.Title))
			p.markProcessed(ctx, post)
			continue
		}
		stats.Relevant++

		if p.processPost(ctx, post, &stats) {
			stats.Published++
		}
		p.markProcessed(ctx, post)
	}

	p.logger.Info("待ち行列の処理が完了しました",
		slog.Int("popped", stats.Popped),
		slog.Int("relevant", stats.Relevant),
		slog.Int("published", stats.Published),
		slog.Int("broadcast", stats.Broadcast))

	return stats, nil
}

// processPost は関連性判定を通過した1記事を処理する。投稿まで成功した
// 場合にtrueを返す。
func (p *Processor) processPost(ctx context.Context, post *model.Post, stats *CycleStats) bool {
	source, ok := p.sources[post.Source]
	if !ok {
		p.logger.Warn("ソースに対応するスクレイパーがありません",
			slog.String("url", post.URL),
			slog.String("source", post.Source))
		return false
	}

	// 本文の取得（既に取得済みの場合はスキップ）
	if post.FullText == "" {
		fullText, imageURL, err := source.FetchFullText(ctx, post.URL)
		if err != nil {
			p.collector.RecordPipelineFailure("fulltext")
			p.logger.Error("本文の取得に失敗しました",
				slog.String("url", post.URL),
				slog.String("error", err.Error()))
			return false
		}
		post.FullText = fullText
		if imageURL != "" {
			post.ImageURL = imageURL
		}
		if _, err := p.posts.Update(ctx, post); err != nil {
			p.logger.Error("記事の保存に失敗しました",
				slog.String("url", post.URL),
				slog.String("error", err.Error()))
		}
	}

	// 翻訳APIのレート制限を避けるため呼び出し間隔を空ける
	if err := p.sleep(ctx, p.cooldown); err != nil {
		return false
	}

	translation, err := p.translator.Translate(ctx, post.Title, post.FullText)
	if err != nil {
		p.collector.RecordPipelineFailure("translate")
		p.logger.Error("翻訳に失敗しました",
			slog.String("url", post.URL),
			slog.String("error", err.Error()))
		return false
	}

	post.TranslatedTitle = translation.TranslatedTitle
	post.TranslatedBody = translation.TranslatedBody
	post.ImprovedTitle = translation.ImprovedTitle
	post.ImprovedBody = translation.ImprovedBody

	// 概要が空の場合はリライト本文で補う
	if post.Description == "" {
		post.Description = translation.ImprovedBody
	}

	if _, err := p.posts.Update(ctx, post); err != nil {
		p.logger.Error("記事の保存に失敗しました",
			slog.String("url", post.URL),
			slog.String("error", err.Error()))
	}

	canonicalURL, err := p.publisher.Publish(ctx, post)
	if err != nil {
		p.collector.RecordPipelineFailure("publish")
		p.logger.Error("ニュースサービスへの投稿に失敗しました",
			slog.String("url", post.URL),
			slog.String("error", err.Error()))
		return false
	}
	p.collector.RecordPostPublished(post.Source)

	sent, err := p.caster.Broadcast(ctx, post, canonicalURL)
	if err != nil {
		p.collector.RecordPipelineFailure("broadcast")
		p.logger.Error("Telegram配信に失敗しました",
			slog.String("url", post.URL),
			slog.String("error", err.Error()))
		// 投稿は完了しているため成功として扱う
		return true
	}
	p.collector.RecordPostBroadcast(post.Source, sent)
	stats.Broadcast++

	return true
}

// ReleaseStale は滞留したprocessing記事の回収を待ち行列に委譲する。
func (p *Processor) ReleaseStale(ctx context.Context, timeout time.Duration) error {
	return p.queue.ReleaseStale(ctx, timeout)
}

// finalize はバッチ全体を処理済みとして確定する。
func (p *Processor) finalize(ctx context.Context, posts []*model.Post) {
	for _, post := range posts {
		p.markProcessed(ctx, post)
	}
}

// markProcessed は1記事を処理済みにする。失敗はログに記録するだけで
// 続行する（滞留分はReleaseStaleが回収する）。
func (p *Processor) markProcessed(ctx context.Context, post *model.Post) {
	if err := p.queue.MarkProcessed(ctx, post.URL); err != nil {
		p.logger.Error("記事の確定に失敗しました",
			slog.String("url", post.URL),
			slog.String("error", err.Error()))
	}
}

// sleep はctxを尊重してdだけ待機する。
func (p *Processor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
