package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/adred-codev/wirebus/server"
)

// healthResponse is the /healthz payload. Fields mirror what the
// dashboards already graph for the socket tier.
type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	Connections   int64   `json:"connections"`
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heapAllocMB"`
	SystemMemPct  float64 `json:"systemMemPct"`
	SystemCPUPct  float64 `json:"systemCPUPct"`
	Descriptor    string  `json:"descriptor"`
}

func healthHandler(srv *server.Server, started time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		resp := healthResponse{
			Status:        "ok",
			UptimeSeconds: int64(time.Since(started).Seconds()),
			Connections:   srv.ConnectionCount(),
			Goroutines:    runtime.NumGoroutine(),
			HeapAllocMB:   float64(ms.HeapAlloc) / (1024 * 1024),
			Descriptor:    srv.Descriptor().Hash(),
		}

		if vm, err := mem.VirtualMemory(); err == nil {
			resp.SystemMemPct = vm.UsedPercent
		}
		// Instantaneous sample; zero interval reports since-boot usage,
		// which is cheap and good enough for a health page.
		if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
			resp.SystemCPUPct = pct[0]
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}
