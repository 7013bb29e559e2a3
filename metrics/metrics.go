// Package metrics exposes front door counters in the prometheus format.
//
// Every method is safe to call on a nil *Metrics, so components can take an
// optional *Metrics without checking it.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/e1732a364fed/frontdoor/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "frontdoor"

type Metrics struct {
	reg *prometheus.Registry

	connections *prometheus.CounterVec
	active      prometheus.Gauge
	errors      *prometheus.CounterVec
	relayed     *prometheus.CounterVec
}

// New 创建一组指标, 注册在私有的 Registry 上, 不污染全局的 prometheus.DefaultRegisterer.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections, by detected protocol",
		}, []string{"protocol"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of connections being served",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Connections that ended with an error, by protocol and error kind",
		}, []string{"protocol", "kind"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed through tunnels",
		}, []string{"direction"}),
	}
	m.reg.MustRegister(m.connections, m.active, m.errors, m.relayed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ConnOpened 记一条新连接. 应与 ConnClosed 成对调用.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

// Detected 在协议探测完成后调用.
func (m *Metrics) Detected(protocol string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(protocol).Inc()
}

// Error 按 utils.ErrorKind 的分类计数; err 为 nil 时什么也不做.
func (m *Metrics) Error(protocol string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(protocol, utils.ErrorKind(err)).Inc()
}

func (m *Metrics) Relayed(up, down int64) {
	if m == nil {
		return
	}
	if up > 0 {
		m.relayed.WithLabelValues("up").Add(float64(up))
	}
	if down > 0 {
		m.relayed.WithLabelValues("down").Add(float64(down))
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve 在 addr 上提供 /metrics, 直到 ctx 结束.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	if ce := utils.CanLogInfo("metrics server listening"); ce != nil {
		ce.Write(zap.String("addr", addr))
	}
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
