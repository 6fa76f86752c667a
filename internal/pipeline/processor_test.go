package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/newswire/internal/llm"
	"github.com/hitoshi/newswire/internal/metrics"
	"github.com/hitoshi/newswire/internal/model"
	"github.com/hitoshi/newswire/internal/repository"
	"github.com/hitoshi/newswire/internal/scrape"
)

var (
	_ Queue                     = (*mockQueue)(nil)
	_ scrape.Source             = (*mockSource)(nil)
	_ metrics.MetricsCollector  = (noopCollector{})
	_ repository.PostRepository = (*mockPostStore)(nil)
)

type mockQueue struct {
	enqueueFunc       func(ctx context.Context, candidates []*model.Post, source string) ([]*model.Post, error)
	popFunc           func(ctx context.Context) ([]*model.Post, error)
	markProcessedFunc func(ctx context.Context, url string) error
	releaseStaleFunc  func(ctx context.Context, timeout time.Duration) error

	mu        sync.Mutex
	processed []string
}

func (m *mockQueue) Enqueue(ctx context.Context, candidates []*model.Post, source string) ([]*model.Post, error) {
	if m.enqueueFunc != nil {
		return m.enqueueFunc(ctx, candidates, source)
	}
	return candidates, nil
}

func (m *mockQueue) Pop(ctx context.Context) ([]*model.Post, error) {
	if m.popFunc != nil {
		return m.popFunc(ctx)
	}
	return nil, nil
}

func (m *mockQueue) MarkProcessed(ctx context.Context, url string) error {
	m.mu.Lock()
	m.processed = append(m.processed, url)
	m.mu.Unlock()
	if m.markProcessedFunc != nil {
		return m.markProcessedFunc(ctx, url)
	}
	return nil
}

func (m *mockQueue) ReleaseStale(ctx context.Context, timeout time.Duration) error {
	if m.releaseStaleFunc != nil {
		return m.releaseStaleFunc(ctx, timeout)
	}
	return nil
}

func (m *mockQueue) processedURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.processed...)
}

type mockSource struct {
	name              string
	fetchUpdatesFunc  func(ctx context.Context) ([]*model.Post, error)
	fetchFullTextFunc func(ctx context.Context, url string) (string, string, error)
}

func (m *mockSource) Name() string { return m.name }

func (m *mockSource) FetchUpdates(ctx context.Context) ([]*model.Post, error) {
	if m.fetchUpdatesFunc != nil {
		return m.fetchUpdatesFunc(ctx)
	}
	return nil, nil
}

func (m *mockSource) FetchFullText(ctx context.Context, url string) (string, string, error) {
	if m.fetchFullTextFunc != nil {
		return m.fetchFullTextFunc(ctx, url)
	}
	return "full text", "", nil
}

type mockSelector struct {
	selectFunc func(ctx context.Context, posts []*model.Post) ([]string, error)
	calls      int
}

func (m *mockSelector) SelectRelevant(ctx context.Context, posts []*model.Post) ([]string, error) {
	m.calls++
	if m.selectFunc != nil {
		return m.selectFunc(ctx, posts)
	}
	urls := make([]string, 0, len(posts))
	for _, p := range posts {
		urls = append(urls, p.URL)
	}
	return urls, nil
}

type mockTranslator struct {
	translateFunc func(ctx context.Context, title, fullText string) (*llm.Translation, error)
	calls         int
}

func (m *mockTranslator) Translate(ctx context.Context, title, fullText string) (*llm.Translation, error) {
	m.calls++
	if m.translateFunc != nil {
		return m.translateFunc(ctx, title, fullText)
	}
	return &llm.Translation{
		TranslatedTitle: "Перекладений заголовок",
		TranslatedBody:  "Перекладений текст",
		ImprovedTitle:   "Improved title",
		ImprovedBody:    "Improved body",
	}, nil
}

type mockPublisher struct {
	publishFunc func(ctx context.Context, post *model.Post) (string, error)
	published   []string
}

func (m *mockPublisher) Publish(ctx context.Context, post *model.Post) (string, error) {
	m.published = append(m.published, post.URL)
	if m.publishFunc != nil {
		return m.publishFunc(ctx, post)
	}
	return "https://news.example.com/uk/news/abc123", nil
}

type mockBroadcaster struct {
	broadcastFunc func(ctx context.Context, post *model.Post, linkURL string) (int, error)
	links         []string
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, post *model.Post, linkURL string) (int, error) {
	m.links = append(m.links, linkURL)
	if m.broadcastFunc != nil {
		return m.broadcastFunc(ctx, post, linkURL)
	}
	return 1, nil
}

type mockPostStore struct {
	repository.PostRepository
	updateFunc func(ctx context.Context, post *model.Post) (bool, error)
	updates    []*model.Post
}

func (m *mockPostStore) Update(ctx context.Context, post *model.Post) (bool, error) {
	copied := *post
	m.updates = append(m.updates, &copied)
	if m.updateFunc != nil {
		return m.updateFunc(ctx, post)
	}
	return true, nil
}

type noopCollector struct{}

func (noopCollector) RecordScrapeSuccess(source string, fetched, enqueued int) {}
func (noopCollector) RecordScrapeFailure(source string)                        {}
func (noopCollector) RecordQueuePopped(count int)                              {}
func (noopCollector) RecordPostPublished(source string)                        {}
func (noopCollector) RecordPostBroadcast(source string, subscribers int)       {}
func (noopCollector) RecordPipelineFailure(stage string)                       {}
func (noopCollector) RecordCycleDuration(duration time.Duration)               {}

type processorDeps struct {
	queue      *mockQueue
	store      *mockPostStore
	source     *mockSource
	selector   *mockSelector
	translator *mockTranslator
	publisher  *mockPublisher
	caster     *mockBroadcaster
}

func newTestProcessor(t *testing.T, deps *processorDeps) *Processor {
	t.Helper()
	if deps.queue == nil {
		deps.queue = &mockQueue{}
	}
	if deps.store == nil {
		deps.store = &mockPostStore{}
	}
	if deps.source == nil {
		deps.source = &mockSource{name: "bbc"}
	}
	if deps.selector == nil {
		deps.selector = &mockSelector{}
	}
	if deps.translator == nil {
		deps.translator = &mockTranslator{}
	}
	if deps.publisher == nil {
		deps.publisher = &mockPublisher{}
	}
	if deps.caster == nil {
		deps.caster = &mockBroadcaster{}
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewProcessor(
		deps.queue,
		deps.store,
		[]scrape.Source{deps.source},
		deps.selector,
		deps.translator,
		deps.publisher,
		deps.caster,
		noopCollector{},
		0,
		logger,
	)
}

func queuedPost(url, title string) *model.Post {
	return &model.Post{
		URL:         url,
		Title:       title,
		Description: "A short summary.",
		Source:      "bbc",
		Status:      model.StatusQueued,
		CreatedAt:   time.Now(),
	}
}

func TestScrapeSource(t *testing.T) {
	ctx := context.Background()

	t.Run("取得した記事を待ち行列に渡す", func(t *testing.T) {
		fetched := []*model.Post{
			queuedPost("https://www.bbc.com/news/articles/a1", "Article one"),
			queuedPost("https://www.bbc.com/news/articles/a2", "Article two"),
		}
		var enqueued []*model.Post
		var enqueueSource string
		deps := &processorDeps{
			source: &mockSource{
				name: "bbc",
				fetchUpdatesFunc: func(ctx context.Context) ([]*model.Post, error) {
					return fetched, nil
				},
			},
			queue: &mockQueue{
				enqueueFunc: func(ctx context.Context, candidates []*model.Post, source string) ([]*model.Post, error) {
					enqueued = candidates
					enqueueSource = source
					return candidates, nil
				},
			},
		}
		p := newTestProcessor(t, deps)

		if err := p.ScrapeSource(ctx, "bbc"); err != nil {
			t.Fatalf("ScrapeSource() error = %v", err)
		}
		if len(enqueued) != 2 {
			t.Errorf("enqueued = %d, want 2", len(enqueued))
		}
		if enqueueSource != "bbc" {
			t.Errorf("enqueue source = %q, want %q", enqueueSource, "bbc")
		}
	})

	t.Run("未知のソースはエラーになる", func(t *testing.T) {
		p := newTestProcessor(t, &processorDeps{})
		if err := p.ScrapeSource(ctx, "unknown"); err == nil {
			t.Fatal("ScrapeSource() error = nil, want error")
		}
	})

	t.Run("取得失敗はエラーを返す", func(t *testing.T) {
		deps := &processorDeps{
			source: &mockSource{
				name: "bbc",
				fetchUpdatesFunc: func(ctx context.Context) ([]*model.Post, error) {
					return nil, errors.New("network down")
				},
			},
		}
		p := newTestProcessor(t, deps)
		if err := p.ScrapeSource(ctx, "bbc"); err == nil {
			t.Fatal("ScrapeSource() error = nil, want error")
		}
	})

	t.Run("記事ゼロ件は待ち行列に触れない", func(t *testing.T) {
		enqueueCalled := false
		deps := &processorDeps{
			queue: &mockQueue{
				enqueueFunc: func(ctx context.Context, candidates []*model.Post, source string) ([]*model.Post, error) {
					enqueueCalled = true
					return candidates, nil
				},
			},
		}
		p := newTestProcessor(t, deps)
		if err := p.ScrapeSource(ctx, "bbc"); err != nil {
			t.Fatalf("ScrapeSource() error = %v", err)
		}
		if enqueueCalled {
			t.Error("Enqueue was called for an empty fetch")
		}
	})
}

func TestProcessQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("関連記事を翻訳して投稿し確定する", func(t *testing.T) {
		post := queuedPost("https://www.bbc.com/news/articles/a1", "Immigration rules change")
		deps := &processorDeps{
			queue: &mockQueue{
				popFunc: func(ctx context.Context) ([]*model.Post, error) {
					return []*model.Post{post}, nil
				},
			},
		}
		p := newTestProcessor(t, deps)

		stats, err := p.ProcessQueue(ctx)
		if err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
		if stats.Popped != 1 || stats.Relevant != 1 || stats.Published != 1 || stats.Broadcast != 1 {
			t.Errorf("stats = %+v, want all 1", stats)
		}
		if !post.Enriched() {
			t.Error("post was not enriched before publishing")
		}
		if post.FullText != "full text" {
			t.Errorf("FullText = %q, want %q", post.FullText, "full text")
		}
		if got := deps.queue.processedURLs(); len(got) != 1 || got[0] != post.URL {
			t.Errorf("processed = %v, want [%s]", got, post.URL)
		}
		if len(deps.caster.links) != 1 || deps.caster.links[0] != "https://news.example.com/uk/news/abc123" {
			t.Errorf("broadcast links = %v, want canonical URL", deps.caster.links)
		}
	})

	t.Run("関連性判定は1バッチ1回だけ呼ばれる", func(t *testing.T) {
		posts := []*model.Post{
			queuedPost("https://www.bbc.com/news/articles/a1", "One"),
			queuedPost("https://www.bbc.com/news/articles/a2", "Two"),
			queuedPost("https://www.bbc.com/news/articles/a3", "Three"),
		}
		deps := &processorDeps{
			queue: &mockQueue{
				popFunc: func(ctx context.Context) ([]*model.Post, error) {
					return posts, nil
				},
			},
		}
		p := newTestProcessor(t, deps)

		if _, err := p.ProcessQueue(ctx); err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
		if deps.selector.calls != 1 {
			t.Errorf("selector calls = %d, want 1", deps.selector.calls)
		}
	})

	t.Run("関連性の低い記事は翻訳せず確定される", func(t *testing.T) {
		relevant := queuedPost("https://www.bbc.com/news/articles/a1", "Relevant")
		skipped := queuedPost("https://www.bbc.com/news/articles/a2", "Skipped")
		deps := &processorDeps{
			queue: &mockQueue{
				popFunc: func(ctx context.Context) ([]*model.Post, error) {
					return []*model.Post{relevant, skipped}, nil
				},
			},
			selector: &mockSelector{
				selectFunc: func(ctx context.Context, posts []*model.Post) ([]string, error) {
					return []string{relevant.URL}, nil
				},
			},
		}
		p := newTestProcessor(t, deps)

		stats, err := p.ProcessQueue(ctx)
		if err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
		if stats.Relevant != 1 || stats.Published != 1 {
			t.Errorf("stats = %+v, want Relevant=1 Published=1", stats)
		}
		if deps.translator.calls != 1 {
			t.Errorf("translator calls = %d, want 1", deps.translator.calls)
		}
		if got := deps.queue.processedURLs(); len(got) != 2 {
			t.Errorf("processed = %v, want both posts finalized", got)
		}
	})

	t.Run("関連性判定の失敗はバッチ全体を確定して終わる", func(t *testing.T) {
		posts := []*model.Post{
			queuedPost("https://www.bbc.com/news/articles/a1", "One"),
			queuedPost("https://www.bbc.com/news/articles/a2", "Two"),
		}
		deps := &processorDeps{
			queue: &mockQueue{
				popFunc: func(ctx context.Context) ([]*model.Post, error) {
					return posts, nil
				},
			},
			selector: &mockSelector{
				selectFunc: func(ctx context.Context, posts []*model.Post) ([]string, error) {
					return nil, errors.New("api unavailable")
				},
			},
		}
		p := newTestProcessor(t, deps)

		if _, err := p.ProcessQueue(ctx); err == nil {
			t.Fatal("ProcessQueue() error = nil, want error")
		}
		if got := deps.queue.processedURLs(); len(got) != 2 {
			t.Errorf("processed = %v, want both posts finalized", got)
		}
		if deps.translator.calls != 0 {
			t.Errorf("translator calls = %d, want 0", deps.translator.calls)
		}
	})

	t.Run("1記事の失敗が残りを止めない", func(t *testing.T) {
		failing := queuedPost("https://www.bbc.com/news/articles/a1", "Failing")
		ok := queuedPost("https://www.bbc.com/news/articles/a2", "OK")
		deps := &processorDeps{
			queue: &mockQueue{
				popFunc: func(ctx context.Context) ([]*model.Post, error) {
					return []*model.Post{failing, ok}, nil
				},
			},
			translator: &mockTranslator{
				translateFunc: func(ctx context.Context, title, fullText string) (*llm.Translation, error) {
					if title == "Failing" {
						return nil, errors.New("translation failed")
					}
					return &llm.Translation{
						TranslatedTitle: "Заголовок",
						TranslatedBody:  "Текст",
						ImprovedTitle:   "Title",
						ImprovedBody:    "Body",
					}, nil
				},
			},
		}
		p := newTestProcessor(t, deps)

		stats, err := p.ProcessQueue(ctx)
		if err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
		if stats.Published != 1 {
			t.Errorf("Published = %d, want 1", stats.Published)
		}
		if got := deps.queue.processedURLs(); len(got) != 2 {
			t.Errorf("processed = %v, want both posts finalized", got)
		}
	})

	t.Run("本文取得済みの記事は再取得しない", func(t *testing.T) {
		post := queuedPost("https://www.bbc.com/news/articles/a1", "Prefetched")
		post.FullText = "already fetched body"
		fetchCalled := false
		deps := &processorDeps{
			queue: &mockQueue{
				popFunc: func(ctx context.Context) ([]*model.Post, error) {
					return []*model.Post{post}, nil
				},
			},
			source: &mockSource{
				name: "bbc",
				fetchFullTextFunc: func(ctx context.Context, url string) (string, string, error) {
					fetchCalled = true
					return "", "", nil
				},
			},
		}
		p := newTestProcessor(t, deps)

		if _, err := p.ProcessQueue(ctx); err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
		if fetchCalled {
			t.Error("FetchFullText was called for a post with a body")
		}
		if post.FullText != "already fetched body" {
			t.Errorf("FullText = %q, want original body preserved", post.FullText)
		}
	})

	t.Run("本文取得で得た画像URLが設定される", func(t *testing.T) {
		post := queuedPost("https://www.bbc.com/news/articles/a1", "With image")
		deps := &processorDeps{
			queue: &mockQueue{
				popFunc: func(ctx context.Context) ([]*model.Post, error) {
					return []*model.Post{post}, nil
				},
			},
			source: &mockSource{
				name: "bbc",
				fetchFullTextFunc: func(ctx context.Context, url string) (string, string, error) {
					return "body", "https://ichef.bbci.co.uk/news/image.jpg", nil
				},
			},
		}
		p := newTestProcessor(t, deps)

		if _, err := p.ProcessQueue(ctx); err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
		if post.ImageURL != "https://ichef.bbci.co.uk/news/image.jpg" {
			t.Errorf("ImageURL = %q, want fetched image", post.ImageURL)
		}
	})

	t.Run("投稿失敗は配信せずに確定する", func(t *testing.T) {
		post := queuedPost("https://www.bbc.com/news/articles/a1", "Publish fails")
		broadcastCalled := false
		deps := &processorDeps{
			queue: &mockQueue{
				popFunc: func(ctx context.Context) ([]*model.Post, error) {
					return []*model.Post{post}, nil
				},
			},
			publisher: &mockPublisher{
				publishFunc: func(ctx context.Context, post *model.Post) (string, error) {
					return "", errors.New("api rejected")
				},
			},
			caster: &mockBroadcaster{
				broadcastFunc: func(ctx context.Context, post *model.Post, linkURL string) (int, error) {
					broadcastCalled = true
					return 0, nil
				},
			},
		}
		p := newTestProcessor(t, deps)

		stats, err := p.ProcessQueue(ctx)
		if err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
		if stats.Published != 0 {
			t.Errorf("Published = %d, want 0", stats.Published)
		}
		if broadcastCalled {
			t.Error("Broadcast was called after a failed publish")
		}
		if got := deps.queue.processedURLs(); len(got) != 1 {
			t.Errorf("processed = %v, want post finalized", got)
		}
	})

	t.Run("配信失敗でも投稿済みなら成功扱い", func(t *testing.T) {
		post := queuedPost("https://www.bbc.com/news/articles/a1", "Broadcast fails")
		deps := &processorDeps{
			queue: &mockQueue{
				popFunc: func(ctx context.Context) ([]*model.Post, error) {
					return []*model.Post{post}, nil
				},
			},
			caster: &mockBroadcaster{
				broadcastFunc: func(ctx context.Context, post *model.Post, linkURL string) (int, error) {
					return 0, errors.New("telegram down")
				},
			},
		}
		p := newTestProcessor(t, deps)

		stats, err := p.ProcessQueue(ctx)
		if err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
		if stats.Published != 1 {
			t.Errorf("Published = %d, want 1", stats.Published)
		}
		if stats.Broadcast != 0 {
			t.Errorf("Broadcast = %d, want 0", stats.Broadcast)
		}
	})

	t.Run("待ち行列が空なら何もしない", func(t *testing.T) {
		deps := &processorDeps{}
		p := newTestProcessor(t, deps)

		stats, err := p.ProcessQueue(ctx)
		if err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
		if stats.Popped != 0 {
			t.Errorf("Popped = %d, want 0", stats.Popped)
		}
		if deps.selector.calls != 0 {
			t.Errorf("selector calls = %d, want 0", deps.selector.calls)
		}
	})
}
