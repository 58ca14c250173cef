package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Stat struct {
	Uptime            prometheus.Counter
	ActiveConnections prometheus.Gauge
	PacketReceived    prometheus.Counter
	ByteReceived      prometheus.Counter
	PacketSent        prometheus.Counter
	ByteSent          prometheus.Counter
	PublishDropped    prometheus.Counter // reserved topic or AuthorizePublish refusal
}

func NewStat() *Stat {
	return &Stat{
		Uptime:            prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_uptime_seconds", Help: "The uptime in seconds"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_active_client_count", Help: "The active number of MQTT clients"}),
		PacketReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_packets", Help: "The total number of received MQTT packets"}),
		ByteReceived:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_bytes", Help: "The total number of received MQTT bytes"}),
		PacketSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_send_packets", Help: "The total number of send MQTT packets"}),
		ByteSent:          prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_send_bytes", Help: "The total number of send MQTT bytes"}),
		PublishDropped:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_publish_dropped", Help: "The total number of PUBLISH packets the broker refused to route"}),
	}
}

var stat = NewStat()

func ServerLog(ctx context.Context, stat *requests.Stat) {
	b, err := json.Marshal(stat.Request.Body)
	log.Printf("%s # body=%s, resp=%v, err=%v", stat.Print(), b, stat.Response.Body, err)
}

// Httpd serves /metrics and pprof on CONFIG.HTTP.URL until ctx is done.
func Httpd(ctx context.Context) error {
	if err := stat.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	stat.RefreshUptime(ctx)
	mux := requests.NewServeMux(requests.URL(CONFIG.HTTP.URL), requests.Logf(ServerLog))
	mux.Route("/metrics", promhttp.Handler())
	mux.Pprof()
	s := requests.NewServer(ctx, mux, requests.OnStart(func(s *http.Server) {
		log.Printf("http serve: %s", s.Addr)
	}))
	return s.ListenAndServe()
}

func (s *Stat) RefreshUptime(ctx context.Context) {
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				s.Uptime.Inc()
			}
		}
	}()
}

// Register adds every collector to r. Collectors already registered are skipped.
func (s *Stat) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		s.Uptime, s.ActiveConnections,
		s.PacketReceived, s.ByteReceived,
		s.PacketSent, s.ByteSent,
		s.PublishDropped,
	} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// statConn counts the bytes crossing a broker connection.
type statConn struct {
	net.Conn
	stat *Stat
}

func (c *statConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.stat.ByteReceived.Add(float64(n))
	return n, err
}

func (c *statConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.stat.ByteSent.Add(float64(n))
	return n, err
}
