// Copyright 2024 The cl8y-watchtower Authors
// This file is part of cl8y-watchtower.
//
// cl8y-watchtower is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// cl8y-watchtower is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with cl8y-watchtower.  If not, see <http://www.gnu.org/licenses/>.

package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/ethereum/go-ethereum/log"
	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	gethprometheus "github.com/ethereum/go-ethereum/metrics/prometheus"
)

// InfluxConfig optionally mirrors metrics to an InfluxDB bucket, the way
// some node operators wire go-ethereum's own metrics/influxdb exporter.
// Empty URL disables the sink.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Server exposes /health, /readyz and /metrics over HTTP.
type Server struct {
	addr    string
	router  *httprouter.Router
	loop    *LoopRunning
	reach   *ChainReachability
	chains  []string
	metrics *Metrics

	influx influxdb2.Client
	influxConf InfluxConfig
}

// NewServer wires /health, /readyz, /metrics and /processz behind rs/cors, bound to addr
// (HEALTH_BIND_ADDRESS). influx may be the zero InfluxConfig, in which
// case no secondary sink is started.
func NewServer(addr string, loop *LoopRunning, reach *ChainReachability, chains []string, m *Metrics, influx InfluxConfig) *Server {
	s := &Server{
		addr:       addr,
		router:     httprouter.New(),
		loop:       loop,
		reach:      reach,
		chains:     chains,
		metrics:    m,
		influxConf: influx,
	}
	s.router.GET("/health", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		healthHandler(loop)(w, r)
	})
	s.router.GET("/readyz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		readyHandler(reach, chains)(w, r)
	})
	s.router.GET("/metrics", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gethprometheus.Handler(gethmetrics.DefaultRegistry).ServeHTTP(w, r)
	})
	s.router.GET("/processz", s.handleProcess)

	if influx.URL != "" {
		s.influx = influxdb2.NewClient(influx.URL, influx.Token)
	}
	return s
}

// handleProcess reports this watchtower process's own resource usage,
// the way a node operator dashboard checks it isn't itself starved.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		http.Error(w, errorResult("cannot read process stats: "+err.Error()), http.StatusInternalServerError)
		return
	}
	cpuPct, _ := p.CPUPercent()
	memInfo, _ := p.MemoryInfo()
	numFDs, _ := p.NumFDs()

	var rss uint64
	if memInfo != nil {
		rss = memInfo.RSS
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"cpu_percent": cpuPct,
		"rss_bytes":   rss,
		"open_fds":    numFDs,
	})
}

// Handler returns the CORS-wrapped handler, for use by ListenAndServe or
// by a test httptest.Server.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(s.router)
}

// ListenAndServe blocks serving the handler on s.addr until ctx is
// cancelled, then shuts down with a 5s grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("observability server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// PushInflux writes the given fields as one "watchtower" point to the
// configured InfluxDB bucket, a no-op if no sink was configured.
func (s *Server) PushInflux(ctx context.Context, fields map[string]interface{}) error {
	if s.influx == nil {
		return nil
	}
	writeAPI := s.influx.WriteAPIBlocking(s.influxConf.Org, s.influxConf.Bucket)
	point := influxdb2.NewPoint("watchtower", map[string]string{}, fields, time.Now())
	return writeAPI.WritePoint(ctx, point)
}

// Close releases the InfluxDB client, if one was created.
func (s *Server) Close() {
	if s.influx != nil {
		s.influx.Close()
	}
}
