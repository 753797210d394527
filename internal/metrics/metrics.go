package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NominatimRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "travelrecap_nominatim_requests_total",
		Help: "Total Nominatim reverse geocode requests",
	})
	NominatimSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "travelrecap_nominatim_success_total",
		Help: "Total Nominatim reverse geocode successes",
	})
	NominatimFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "travelrecap_nominatim_fail_total",
		Help: "Total Nominatim reverse geocode failures",
	})
	NominatimDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "travelrecap_nominatim_duration_ms",
		Help:    "Nominatim reverse geocode call duration in milliseconds",
		Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000},
	})
	PlaceCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "travelrecap_place_cache_hits_total",
		Help: "Place cache hits by tier (memory or db)",
	}, []string{"tier"})
	CoordCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "travelrecap_coord_cache_hits_total",
		Help: "In-memory coordinate cache hits",
	})
	PlaceUpsertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "travelrecap_place_upserts_total",
		Help: "Place location upserts by kind (full or minimal)",
	}, []string{"kind"})
	VisitsInsertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "travelrecap_visits_inserted_total",
		Help: "Total visit rows inserted",
	})
	RedisHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "travelrecap_redis_hits_total",
		Help: "Total redis response cache hits",
	})
	RedisMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "travelrecap_redis_misses_total",
		Help: "Total redis response cache misses",
	})
)

func init() {
	prometheus.MustRegister(NominatimRequestsTotal)
	prometheus.MustRegister(NominatimSuccessTotal)
	prometheus.MustRegister(NominatimFailTotal)
	prometheus.MustRegister(NominatimDurationMs)
	prometheus.MustRegister(PlaceCacheHitsTotal)
	prometheus.MustRegister(CoordCacheHitsTotal)
	prometheus.MustRegister(PlaceUpsertsTotal)
	prometheus.MustRegister(VisitsInsertedTotal)
	prometheus.MustRegister(RedisHitsTotal)
	prometheus.MustRegister(RedisMissesTotal)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标到 /metrics 路径，供 Prometheus 抓取；在服务端主入口挂载
func Handler() http.Handler { return promhttp.Handler() }
