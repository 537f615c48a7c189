// Package observability exposes Prometheus metrics for the control loop and
// its HTTP surface.
package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the dish metrics. All recorder methods are safe to call
// on a nil *Collector.
type Collector struct {
	gatherer prometheus.Gatherer

	TickDuration prometheus.Histogram
	Overruns     prometheus.Counter
	DriveFaults  *prometheus.CounterVec
	Commands     *prometheus.CounterVec
	Position     *prometheus.GaugeVec
	Target       *prometheus.GaugeVec
	Output       *prometheus.GaugeVec
	Enabled      prometheus.Gauge
	Calibrating  prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
}

// NewCollector registers the dish metrics against reg, defaulting to the
// global registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error
	if c.TickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dish_tick_duration_seconds",
		Help:    "Time spent in one control loop tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1},
	})); err != nil {
		return nil, err
	}
	if c.Overruns, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dish_tick_overruns_total",
		Help: "Control loop ticks that exceeded the control interval.",
	})); err != nil {
		return nil, err
	}
	if c.DriveFaults, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dish_drive_faults_total",
		Help: "Transitions into the safe state, labeled by cause.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if c.Commands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dish_commands_total",
		Help: "Operator commands, labeled by command and result.",
	}, []string{"command", "result"})); err != nil {
		return nil, err
	}
	if c.Position, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dish_position_degrees",
		Help: "Measured axis position relative to the zero reference.",
	}, []string{"axis"})); err != nil {
		return nil, err
	}
	if c.Target, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dish_target_degrees",
		Help: "Commanded target of each axis relative to the zero reference.",
	}, []string{"axis"})); err != nil {
		return nil, err
	}
	if c.Output, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dish_output_degrees_per_second",
		Help: "Last rate commanded to each axis.",
	}, []string{"axis"})); err != nil {
		return nil, err
	}
	if c.Enabled, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dish_controller_enabled",
		Help: "1 while closed-loop control is active.",
	})); err != nil {
		return nil, err
	}
	if c.Calibrating, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dish_calibrating",
		Help: "1 while the homing sequence owns the axes.",
	})); err != nil {
		return nil, err
	}
	if c.HTTPRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dish_http_requests_total",
		Help: "HTTP requests, labeled by route template and status code.",
	}, []string{"route", "code"})); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

func (c *Collector) IncOverrun() {
	if c == nil {
		return
	}
	c.Overruns.Inc()
}

func (c *Collector) IncDriveFault(kind string) {
	if c == nil {
		return
	}
	c.DriveFaults.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveCommand(command string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	c.Commands.WithLabelValues(command, result).Inc()
}

func (c *Collector) SetAxis(axis string, position, target, output float64) {
	if c == nil {
		return
	}
	c.Position.WithLabelValues(axis).Set(position)
	c.Target.WithLabelValues(axis).Set(target)
	c.Output.WithLabelValues(axis).Set(output)
}

func (c *Collector) SetMode(enabled, calibrating bool) {
	if c == nil {
		return
	}
	c.Enabled.Set(boolToFloat(enabled))
	c.Calibrating.Set(boolToFloat(calibrating))
}

// Handler exposes the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Middleware counts requests by their mux route template.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		if c == nil {
			return
		}
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		c.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %v", are.ExistingCollector)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
