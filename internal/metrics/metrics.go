// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スクレイパーとパイプラインから利用する。
type MetricsCollector interface {
	RecordScrapeSuccess(source string, fetched, enqueued int)
	RecordScrapeFailure(source string)
	RecordQueuePopped(count int)
	RecordPostPublished(source string)
	RecordPostBroadcast(source string, subscribers int)
	RecordPipelineFailure(stage string)
	RecordCycleDuration(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	scrapeSuccess  *prometheus.CounterVec
	scrapeFail     *prometheus.CounterVec
	postsFetched   *prometheus.CounterVec
	postsEnqueued  *prometheus.CounterVec
	queuePopped    prometheus.Counter
	postsPublished *prometheus.CounterVec
	postsBroadcast *prometheus.CounterVec
	broadcastSent  prometheus.Counter
	pipelineFail   *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		scrapeSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_scrape_success_total",
			Help: "ソース別のスクレイプ成功の合計数",
		}, []string{"source"}),
		scrapeFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_scrape_fail_total",
			Help: "ソース別のスクレイプ失敗の合計数",
		}, []string{"source"}),
		postsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_posts_fetched_total",
			Help: "ソース別の取得記事の合計数",
		}, []string{"source"}),
		postsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_posts_enqueued_total",
			Help: "重複排除を通過して待ち行列に入った記事の合計数",
		}, []string{"source"}),
		queuePopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswire_queue_popped_total",
			Help: "待ち行列から取り出された記事の合計数",
		}),
		postsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_posts_published_total",
			Help: "ニュースサービスに投稿された記事の合計数",
		}, []string{"source"}),
		postsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_posts_broadcast_total",
			Help: "Telegramに配信された記事の合計数",
		}, []string{"source"}),
		broadcastSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswire_broadcast_messages_total",
			Help: "購読者に送信されたメッセージの合計数",
		}),
		pipelineFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_pipeline_fail_total",
			Help: "処理段階別のパイプライン失敗の合計数",
		}, []string{"stage"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newswire_cycle_duration_seconds",
			Help:    "待ち行列処理サイクルの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.scrapeSuccess,
		c.scrapeFail,
		c.postsFetched,
		c.postsEnqueued,
		c.queuePopped,
		c.postsPublished,
		c.postsBroadcast,
		c.broadcastSent,
		c.pipelineFail,
		c.cycleDuration,
	)

	return c
}

// RecordScrapeSuccess はスクレイプ成功と記事数を記録する。
func (c *Collector) RecordScrapeSuccess(source string, fetched, enqueued int) {
	c.scrapeSuccess.WithLabelValues(source).Inc()
	c.postsFetched.WithLabelValues(source).Add(float64(fetched))
	c.postsEnqueued.WithLabelValues(source).Add(float64(enqueued))
}

// RecordScrapeFailure はスクレイプ失敗を記録する。
func (c *Collector) RecordScrapeFailure(source string) {
	c.scrapeFail.WithLabelValues(source).Inc()
}

// RecordQueuePopped は待ち行列から取り出した記事数を記録する。
func (c *Collector) RecordQueuePopped(count int) {
	c.queuePopped.Add(float64(count))
}

// RecordPostPublished はニュースサービスへの投稿を記録する。
func (c *Collector) RecordPostPublished(source string) {
	c.postsPublished.WithLabelValues(source).Inc()
}

// RecordPostBroadcast はTelegram配信と送信メッセージ数を記録する。
func (c *Collector) RecordPostBroadcast(source string, subscribers int) {
	c.postsBroadcast.WithLabelValues(source).Inc()
	c.broadcastSent.Add(float64(subscribers))
}

// RecordPipelineFailure は処理段階別の失敗を記録する。
func (c *Collector) RecordPipelineFailure(stage string) {
	c.pipelineFail.WithLabelValues(stage).Inc()
}

// RecordCycleDuration は処理サイクルの所要時間を記録する。
func (c *Collector) RecordCycleDuration(duration time.Duration) {
	c.cycleDuration.Observe(duration.Seconds())
}

// SetupMetricsRoute はメトリクス公開用のHTTPハンドラーを返す。
func SetupMetricsRoute(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
