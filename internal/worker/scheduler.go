// Package worker はスクレイプと待ち行列処理の定期実行を提供する。
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/newswire/internal/pipeline"
)

// PipelineRunner はスケジューラが駆動するパイプライン操作のインターフェース。
type PipelineRunner interface {
	// ScrapeSource は指定ソースの最新記事を取得して待ち行列に追加する。
	ScrapeSource(ctx context.Context, name string) error
	// ProcessQueue は待ち行列の記事をバッチで処理する。
	ProcessQueue(ctx context.Context) (pipeline.CycleStats, error)
	// ReleaseStale は滞留したprocessing記事を回収する。
	ReleaseStale(ctx context.Context, timeout time.Duration) error
}

// SourceSchedule は1ソースのスクレイプ間隔を定義する。
type SourceSchedule struct {
	Name     string
	Interval time.Duration
}

// Scheduler はソースごとのスクレイプと待ち行列処理をそれぞれの間隔で
// 定期実行する。起動直後に全ソースのスクレイプと待ち行列処理を1回ずつ
// 実行し、以降はティッカーで駆動する。
type Scheduler struct {
	runner            PipelineRunner
	sources           []SourceSchedule
	queueInterval     time.Duration
	processingTimeout time.Duration
	logger            *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	runner PipelineRunner,
	sources []SourceSchedule,
	queueInterval time.Duration,
	processingTimeout time.Duration,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		runner:            runner,
		sources:           sources,
		queueInterval:     queueInterval,
		processingTimeout: processingTimeout,
		logger:            logger,
	}
}

// Start はスケジューラを起動する。ソースごとのスクレイプループと
// 待ち行列処理ループをgoroutineで動かし、コンテキストがキャンセル
// されるまで実行を継続する。全ループの終了を待ってから戻る。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("スケジューラを開始しました",
		slog.Int("sources", len(s.sources)),
		slog.Duration("queue_interval", s.queueInterval),
	)

	var wg sync.WaitGroup

	for _, schedule := range s.sources {
		wg.Add(1)
		go func(sc SourceSchedule) {
			defer wg.Done()
			s.runScrapeLoop(ctx, sc)
		}(schedule)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runQueueLoop(ctx)
	}()

	wg.Wait()
	s.logger.Info("スケジューラを停止しました")
}

// runScrapeLoop は1ソースのスクレイプを指定間隔で繰り返す。
func (s *Scheduler) runScrapeLoop(ctx context.Context, schedule SourceSchedule) {
	ticker := time.NewTicker(schedule.Interval)
	defer ticker.Stop()

	s.logger.Info("スクレイプループを開始しました",
		slog.String("source", schedule.Name),
		slog.Duration("interval", schedule.Interval),
	)

	// 起動直後に1回実行
	s.scrapeOnce(ctx, schedule.Name)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スクレイプループを停止しました",
				slog.String("source", schedule.Name))
			return
		case <-ticker.C:
			s.scrapeOnce(ctx, schedule.Name)
		}
	}
}

// runQueueLoop は待ち行列処理を指定間隔で繰り返す。
func (s *Scheduler) runQueueLoop(ctx context.Context) {
	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	s.logger.Info("待ち行列処理ループを開始しました",
		slog.Duration("interval", s.queueInterval),
	)

	// 起動直後に1回実行
	s.processOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("待ち行列処理ループを停止しました")
			return
		case <-ticker.C:
			s.processOnce(ctx)
		}
	}
}

func (s *Scheduler) scrapeOnce(ctx context.Context, name string) {
	if ctx.Err() != nil {
		return
	}
	if err := s.runner.ScrapeSource(ctx, name); err != nil {
		s.logger.Error("スクレイプに失敗しました",
			slog.String("source", name),
			slog.String("error", err.Error()),
		)
	}
}

// processOnce は滞留記事を回収してから待ち行列を1回処理する。
func (s *Scheduler) processOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if err := s.runner.ReleaseStale(ctx, s.processingTimeout); err != nil {
		s.logger.Error("滞留記事の回収に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	start := time.Now()
	stats, err := s.runner.ProcessQueue(ctx)
	if err != nil {
		s.logger.Error("待ち行列処理に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("待ち行列処理サイクルが完了しました",
		slog.Int("popped", stats.Popped),
		slog.Int("published", stats.Published),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}
