package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleSystemStatus reports process, host and database health in one shot.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := map[string]interface{}{
		"status":         "running",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc_mb":       m.Alloc / 1024 / 1024,
			"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
			"sys_mb":         m.Sys / 1024 / 1024,
			"num_gc":         m.NumGC,
		},
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		response["host_memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"available_mb": vm.Available / 1024 / 1024,
			"used_pct":     vm.UsedPercent,
		}
	}

	if usage, err := disk.Usage(s.cfg.DataDir); err == nil {
		response["disk"] = map[string]interface{}{
			"total_gb": float64(usage.Total) / 1e9,
			"free_gb":  float64(usage.Free) / 1e9,
			"used_pct": usage.UsedPercent,
		}
	}

	databases := make(map[string]interface{}, len(s.databases))
	for name, db := range s.databases {
		entry := map[string]interface{}{"healthy": true}
		if err := db.QuickCheck(r.Context()); err != nil {
			entry["healthy"] = false
			entry["error"] = err.Error()
		}
		if stats, err := db.GetStats(); err == nil {
			entry["size_bytes"] = stats.SizeBytes
			entry["wal_size_bytes"] = stats.WALSizeBytes
		}
		databases[name] = entry
	}
	response["databases"] = databases

	s.writeJSON(w, http.StatusOK, response)
}

// handleSystemJobs reports the last outcome of every scheduled job.
func (s *Server) handleSystemJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": s.scheduler.Status(),
	})
}
