package operation

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// systemSnapshot captures process state at failure time for the audit
// record. Collection must be cheap and must never fail; it runs on the
// rollback path.
func systemSnapshot(pool *pgxpool.Pool) map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap := map[string]any{
		"goroutines":   runtime.NumGoroutine(),
		"heap_alloc":   mem.HeapAlloc,
		"heap_objects": mem.HeapObjects,
		"gc_cycles":    mem.NumGC,
		"stack_in_use": mem.StackInuse,
		"num_cpu":      runtime.NumCPU(),
	}
	if load, ok := loadAverage(); ok {
		snap["load_1m"] = load
	}
	if pool != nil {
		stat := pool.Stat()
		snap["db_conns_total"] = stat.TotalConns()
		snap["db_conns_acquired"] = stat.AcquiredConns()
		snap["db_conns_idle"] = stat.IdleConns()
	}
	return snap
}

// loadAverage reads the 1-minute system load. Absent on platforms without
// /proc; the snapshot then simply omits the field.
func loadAverage() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	return parseLoadAvg(string(data))
}

func parseLoadAvg(s string) (float64, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
