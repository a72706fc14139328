// wirebusload ramps N concurrent clients against a bus server and
// reports subscription, update, and RPC statistics. It deliberately
// speaks the wire protocol over its own WebSocket stack
// (gorilla/websocket) rather than the client package, so a protocol
// regression on either side shows up as a test failure instead of two
// implementations agreeing with each other.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	_ "go.uber.org/automaxprocs"
)

type config struct {
	url         string
	connections int
	rampPerSec  int
	duration    time.Duration
	report      time.Duration
	endpoint    string // sharedObject endpoint to subscribe
	rpcEndpoint string // rpc endpoint to exercise, empty disables
	rpcPerSec   int    // per-client rpc rate
}

type stats struct {
	connected    int64
	failed       int64
	inits        int64
	updates      int64
	gaps         int64
	rpcOK        int64
	rpcFailed    int64
	latencySumNs int64
	latencyCount int64
}

// frame mirrors the wire envelope; only fields the load client reads.
type frame struct {
	Type     string          `json:"type"`
	Endpoint string          `json:"endpoint,omitempty"`
	ID       int64           `json:"id,omitempty"`
	Err      json.RawMessage `json:"err,omitempty"`
	V        int64           `json:"v,omitempty"`
	Now      string          `json:"now,omitempty"`
}

func parseFlags() *config {
	cfg := &config{}
	flag.StringVar(&cfg.url, "url", "ws://localhost:3002/ws", "bus WebSocket URL")
	flag.IntVar(&cfg.connections, "connections", 100, "target concurrent clients")
	flag.IntVar(&cfg.rampPerSec, "ramp", 50, "new clients per second during ramp")
	flag.DurationVar(&cfg.duration, "duration", time.Minute, "sustain duration after ramp")
	flag.DurationVar(&cfg.report, "report", 5*time.Second, "report interval")
	flag.StringVar(&cfg.endpoint, "endpoint", "serverStats", "sharedObject endpoint to subscribe")
	flag.StringVar(&cfg.rpcEndpoint, "rpc", "echo", "rpc endpoint to exercise (empty disables)")
	flag.IntVar(&cfg.rpcPerSec, "rpc-rate", 1, "rpc calls per second per client")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags()
	logger := log.New(os.Stdout, "[wirebusload] ", log.LstdFlags)
	st := &stats{}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Printf("ramping %d clients at %d/s against %s", cfg.connections, cfg.rampPerSec, cfg.url)

	var wg sync.WaitGroup
	ramp := time.NewTicker(time.Second / time.Duration(max(cfg.rampPerSec, 1)))
	defer ramp.Stop()

	started := 0
rampLoop:
	for started < cfg.connections {
		select {
		case <-ctx.Done():
			break rampLoop
		case <-ramp.C:
			started++
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				runClient(ctx, cfg, st, id)
			}(started)
		}
	}

	reportTicker := time.NewTicker(cfg.report)
	defer reportTicker.Stop()
	deadline := time.After(cfg.duration)

	for {
		select {
		case <-ctx.Done():
			logger.Println("interrupted")
			report(logger, st)
			wg.Wait()
			return
		case <-deadline:
			logger.Println("sustain complete")
			stop()
			report(logger, st)
			wg.Wait()
			return
		case <-reportTicker.C:
			report(logger, st)
		}
	}
}

func report(logger *log.Logger, st *stats) {
	var avgMs float64
	if n := atomic.LoadInt64(&st.latencyCount); n > 0 {
		avgMs = float64(atomic.LoadInt64(&st.latencySumNs)) / float64(n) / 1e6
	}
	logger.Printf("connected=%d failed=%d inits=%d updates=%d gaps=%d rpc_ok=%d rpc_failed=%d avg_update_latency=%.1fms",
		atomic.LoadInt64(&st.connected),
		atomic.LoadInt64(&st.failed),
		atomic.LoadInt64(&st.inits),
		atomic.LoadInt64(&st.updates),
		atomic.LoadInt64(&st.gaps),
		atomic.LoadInt64(&st.rpcOK),
		atomic.LoadInt64(&st.rpcFailed),
		avgMs)
}

// runClient is one simulated subscriber: connect, subscribe, consume
// the init/update stream, optionally fire RPCs, until ctx ends.
func runClient(ctx context.Context, cfg *config, st *stats, id int) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		atomic.AddInt64(&st.failed, 1)
		return
	}
	defer ws.Close()
	atomic.AddInt64(&st.connected, 1)
	defer atomic.AddInt64(&st.connected, -1)

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return ws.WriteJSON(v)
	}

	if err := send(map[string]any{"type": "sub", "endpoint": cfg.endpoint}); err != nil {
		return
	}

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	if cfg.rpcEndpoint != "" && cfg.rpcPerSec > 0 {
		go rpcLoop(ctx, cfg, st, send)
	}

	var v int64 = -1
	for {
		var f frame
		ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case "init":
			atomic.AddInt64(&st.inits, 1)
			v = f.V
		case "update":
			atomic.AddInt64(&st.updates, 1)
			if v >= 0 && f.V != v+1 {
				atomic.AddInt64(&st.gaps, 1)
				// A real client re-inits here; the load client does the
				// same to keep the stream useful.
				send(map[string]any{"type": "sub", "endpoint": cfg.endpoint})
				v = -1
				continue
			}
			v = f.V
			if sent, err := time.Parse(time.RFC3339Nano, f.Now); err == nil {
				atomic.AddInt64(&st.latencySumNs, time.Since(sent).Nanoseconds())
				atomic.AddInt64(&st.latencyCount, 1)
			}
		case "rpc:res":
			if len(f.Err) > 0 && string(f.Err) != "null" {
				atomic.AddInt64(&st.rpcFailed, 1)
			} else {
				atomic.AddInt64(&st.rpcOK, 1)
			}
		}
	}
}

func rpcLoop(ctx context.Context, cfg *config, st *stats, send func(any) error) {
	// Spread clients across the second so RPCs don't arrive in pulses.
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(time.Second / time.Duration(cfg.rpcPerSec))
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			req := map[string]any{
				"type":     "rpc:req",
				"id":       seq,
				"endpoint": cfg.rpcEndpoint,
				"input":    strings.Repeat("x", 16),
			}
			if err := send(req); err != nil {
				atomic.AddInt64(&st.rpcFailed, 1)
				return
			}
		}
	}
}
