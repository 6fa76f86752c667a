package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/newswire/internal/pipeline"
)

var _ PipelineRunner = (*pipeline.Processor)(nil)

// mockRunner はPipelineRunnerのテスト用モック。
type mockRunner struct {
	scrapeFunc       func(ctx context.Context, name string) error
	processFunc      func(ctx context.Context) (pipeline.CycleStats, error)
	releaseStaleFunc func(ctx context.Context, timeout time.Duration) error

	mu           sync.Mutex
	scraped      []string
	processCalls int32
	releaseCalls int32
}

func (m *mockRunner) ScrapeSource(ctx context.Context, name string) error {
	m.mu.Lock()
	m.scraped = append(m.scraped, name)
	m.mu.Unlock()
	if m.scrapeFunc != nil {
		return m.scrapeFunc(ctx, name)
	}
	return nil
}

func (m *mockRunner) ProcessQueue(ctx context.Context) (pipeline.CycleStats, error) {
	atomic.AddInt32(&m.processCalls, 1)
	if m.processFunc != nil {
		return m.processFunc(ctx)
	}
	return pipeline.CycleStats{}, nil
}

func (m *mockRunner) ReleaseStale(ctx context.Context, timeout time.Duration) error {
	atomic.AddInt32(&m.releaseCalls, 1)
	if m.releaseStaleFunc != nil {
		return m.releaseStaleFunc(ctx, timeout)
	}
	return nil
}

func (m *mockRunner) scrapedSources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.scraped...)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestScheduler_Start_RunsInitialCycle(t *testing.T) {
	var buf bytes.Buffer
	runner := &mockRunner{}
	sources := []SourceSchedule{
		{Name: "bbc", Interval: time.Hour},
		{Name: "toronto_star", Interval: time.Hour},
		{Name: "ircc", Interval: time.Hour},
	}

	s := NewScheduler(runner, sources, time.Hour, time.Hour, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	// 起動直後の実行が終わるのを待つ
	deadline := time.After(2 * time.Second)
	for {
		scraped := runner.scrapedSources()
		if len(scraped) >= 3 && atomic.LoadInt32(&runner.processCalls) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("初回実行が完了しなかった: scraped=%v processCalls=%d",
				scraped, atomic.LoadInt32(&runner.processCalls))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後にStartが戻らなかった")
	}

	scraped := runner.scrapedSources()
	for _, want := range []string{"bbc", "toronto_star", "ircc"} {
		found := false
		for _, got := range scraped {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("起動時に %s がスクレイプされていない: %v", want, scraped)
		}
	}
}

func TestScheduler_Start_TickerRepeats(t *testing.T) {
	var buf bytes.Buffer
	runner := &mockRunner{}
	sources := []SourceSchedule{
		{Name: "bbc", Interval: 20 * time.Millisecond},
	}

	s := NewScheduler(runner, sources, 20*time.Millisecond, time.Hour, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	// 初回＋ティッカー数回分の実行を待つ
	deadline := time.After(2 * time.Second)
	for {
		if len(runner.scrapedSources()) >= 3 && atomic.LoadInt32(&runner.processCalls) >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("ティッカーによる繰り返し実行が確認できなかった: scrapes=%d processCalls=%d",
				len(runner.scrapedSources()), atomic.LoadInt32(&runner.processCalls))
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestScheduler_ProcessOnce_ReleasesStaleFirst(t *testing.T) {
	var buf bytes.Buffer
	var order []string
	var mu sync.Mutex

	runner := &mockRunner{
		releaseStaleFunc: func(ctx context.Context, timeout time.Duration) error {
			mu.Lock()
			order = append(order, "release")
			mu.Unlock()
			if timeout != 45*time.Minute {
				t.Errorf("timeout = %v, want 45m", timeout)
			}
			return nil
		},
		processFunc: func(ctx context.Context) (pipeline.CycleStats, error) {
			mu.Lock()
			order = append(order, "process")
			mu.Unlock()
			return pipeline.CycleStats{}, nil
		},
	}

	s := NewScheduler(runner, nil, time.Hour, 45*time.Minute, newTestLogger(&buf))
	s.processOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "release" || order[1] != "process" {
		t.Errorf("order = %v, want [release process]", order)
	}
}

func TestScheduler_ProcessOnce_ReleaseErrorDoesNotBlockProcessing(t *testing.T) {
	var buf bytes.Buffer
	runner := &mockRunner{
		releaseStaleFunc: func(ctx context.Context, timeout time.Duration) error {
			return errors.New("db unavailable")
		},
	}

	s := NewScheduler(runner, nil, time.Hour, time.Hour, newTestLogger(&buf))
	s.processOnce(context.Background())

	if atomic.LoadInt32(&runner.processCalls) != 1 {
		t.Errorf("processCalls = %d, want 1", atomic.LoadInt32(&runner.processCalls))
	}
}

func TestScheduler_ScrapeOnce_LogsError(t *testing.T) {
	var buf bytes.Buffer
	runner := &mockRunner{
		scrapeFunc: func(ctx context.Context, name string) error {
			return errors.New("scrape failed")
		},
	}

	s := NewScheduler(runner, nil, time.Hour, time.Hour, newTestLogger(&buf))
	s.scrapeOnce(context.Background(), "bbc")

	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("スクレイプ失敗時にERRORレベルのログが記録されていない: %s", buf.String())
	}
}

func TestScheduler_ProcessOnce_RespectsCancelledContext(t *testing.T) {
	var buf bytes.Buffer
	runner := &mockRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScheduler(runner, nil, time.Hour, time.Hour, newTestLogger(&buf))
	s.processOnce(ctx)

	if atomic.LoadInt32(&runner.processCalls) != 0 {
		t.Errorf("キャンセル済みコンテキストで処理が実行された: processCalls = %d",
			atomic.LoadInt32(&runner.processCalls))
	}
}
