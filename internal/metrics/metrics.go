// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 取り込み・中継・同期・取得の各サービス層から利用する。
type MetricsCollector interface {
	RecordIngest(inserted, updated, dropped int)
	RecordRelayMessage(msgType string)
	SetConnectedClients(count int)
	RecordMerge(duration time.Duration)
	RecordDocSave()
	RecordFetchSuccess(feedURL string)
	RecordFetchFailure(feedURL string, reason string)
	RecordFetchLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ingestInserted   prometheus.Counter
	ingestUpdated    prometheus.Counter
	ingestDropped    prometheus.Counter
	relayMessages    *prometheus.CounterVec
	connectedClients prometheus.Gauge
	mergeTotal       prometheus.Counter
	mergeDuration    prometheus.Histogram
	docSaves         prometheus.Counter
	fetchSuccess     prometheus.Counter
	fetchFail        *prometheus.CounterVec
	fetchLatency     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ingestInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_ingest_inserted_total",
			Help: "取り込みで新規挿入されたアイテムの合計数",
		}),
		ingestUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_ingest_updated_total",
			Help: "取り込みでコンテンツ更新されたアイテムの合計数",
		}),
		ingestDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_ingest_dropped_total",
			Help: "ID導出不能で破棄されたアイテムの合計数",
		}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_relay_messages_total",
			Help: "中継で処理したメッセージ数（種別ごと）",
		}, []string{"type"}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedsync_relay_connected_clients",
			Help: "中継ハブに接続中のクライアント数",
		}),
		mergeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_merge_total",
			Help: "リモートスナップショットのマージ実行回数",
		}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsync_merge_duration_seconds",
			Help:    "マージ処理の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		docSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_document_saves_total",
			Help: "ドキュメント永続化の実行回数",
		}),
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_fetch_success_total",
			Help: "フィードフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_fetch_fail_total",
			Help: "フィードフェッチ失敗の合計数（理由別）",
		}, []string{"reason"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsync_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.ingestInserted,
		c.ingestUpdated,
		c.ingestDropped,
		c.relayMessages,
		c.connectedClients,
		c.mergeTotal,
		c.mergeDuration,
		c.docSaves,
		c.fetchSuccess,
		c.fetchFail,
		c.fetchLatency,
	)

	return c
}

// RecordIngest は取り込みバッチ1回の内訳を記録する。
func (c *Collector) RecordIngest(inserted, updated, dropped int) {
	c.ingestInserted.Add(float64(inserted))
	c.ingestUpdated.Add(float64(updated))
	c.ingestDropped.Add(float64(dropped))
}

// RecordRelayMessage は中継メッセージを種別ごとに記録する。
func (c *Collector) RecordRelayMessage(msgType string) {
	c.relayMessages.WithLabelValues(msgType).Inc()
}

// SetConnectedClients は接続中クライアント数を記録する。
func (c *Collector) SetConnectedClients(count int) {
	c.connectedClients.Set(float64(count))
}

// RecordMerge はマージ1回の所要時間を記録する。
func (c *Collector) RecordMerge(duration time.Duration) {
	c.mergeTotal.Inc()
	c.mergeDuration.Observe(duration.Seconds())
}

// RecordDocSave はドキュメント永続化を記録する。
func (c *Collector) RecordDocSave() {
	c.docSaves.Inc()
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(feedURL string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を理由付きで記録する。
func (c *Collector) RecordFetchFailure(feedURL string, reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
