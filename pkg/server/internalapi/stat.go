package internalapi

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.f110.dev/certd/pkg/server"
	"go.f110.dev/certd/pkg/stat"
)

const namespace = "certd"

type Collector struct {
	descSubmitted     *prometheus.Desc
	descSigned        *prometheus.Desc
	descRejected      *prometheus.Desc
	descRevoked       *prometheus.Desc
	descTokenIssued   *prometheus.Desc
	descEnrolled      *prometheus.Desc
	descActiveWaiters *prometheus.Desc
}

func NewCollector() *Collector {
	return &Collector{
		descSubmitted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "request", "submitted_total"),
			"number of submitted certificate requests",
			nil,
			nil,
		),
		descSigned: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "certificate", "signed_total"),
			"number of signed certificates",
			nil,
			nil,
		),
		descRejected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "request", "rejected_total"),
			"number of rejected certificate requests",
			nil,
			nil,
		),
		descRevoked: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "certificate", "revoked_total"),
			"number of revoked certificates",
			nil,
			nil,
		),
		descTokenIssued: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "enrollment", "token_issued_total"),
			"number of issued enrollment tokens",
			nil,
			nil,
		),
		descEnrolled: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "enrollment", "enrolled_total"),
			"number of certificates signed by redeeming a token",
			nil,
			nil,
		),
		descActiveWaiters: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "long_poll", "active_waiters"),
			"number of clients waiting in the long poll",
			nil,
			nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descSubmitted
	ch <- c.descSigned
	ch <- c.descRejected
	ch <- c.descRevoked
	ch <- c.descTokenIssued
	ch <- c.descEnrolled
	ch <- c.descActiveWaiters
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.descSubmitted, prometheus.CounterValue, float64(stat.Value.Submitted()))
	ch <- prometheus.MustNewConstMetric(c.descSigned, prometheus.CounterValue, float64(stat.Value.Signed()))
	ch <- prometheus.MustNewConstMetric(c.descRejected, prometheus.CounterValue, float64(stat.Value.Rejected()))
	ch <- prometheus.MustNewConstMetric(c.descRevoked, prometheus.CounterValue, float64(stat.Value.Revoked()))
	ch <- prometheus.MustNewConstMetric(c.descTokenIssued, prometheus.CounterValue, float64(stat.Value.TokenIssued()))
	ch <- prometheus.MustNewConstMetric(c.descEnrolled, prometheus.CounterValue, float64(stat.Value.Enrolled()))
	ch <- prometheus.MustNewConstMetric(c.descActiveWaiters, prometheus.GaugeValue, float64(stat.Value.ActiveWaiters()))
}

type Server struct {
	r *prometheus.Registry
}

var _ server.ChildServer = &Server{}

func NewServer() *Server {
	r := prometheus.NewRegistry()
	r.MustRegister(NewCollector())
	r.MustRegister(collectors.NewGoCollector())
	return &Server{r: r}
}

func (s *Server) Route(router *httprouter.Router) {
	handler := promhttp.InstrumentMetricHandler(s.r, promhttp.HandlerFor(s.r, promhttp.HandlerOpts{}))
	router.GET("/internal/metrics", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		handler.ServeHTTP(w, req)
	})
}
