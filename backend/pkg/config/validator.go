package config

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Warnings returns non-fatal advice about settings that are legal but likely
// to stall the host: an oversized extraction pool or a very wide vector_k.
func (c *Config) Warnings() []string {
	var warnings []string

	cores := hostCores()
	if c.Performance.CPUExecutorWorkers > cores*2 {
		warnings = append(warnings, fmt.Sprintf(
			"%d cpu_executor_workers may cause contention on a %d-core host",
			c.Performance.CPUExecutorWorkers, cores))
	}

	if c.Retrieval.VectorK > 50 {
		warnings = append(warnings, "vector_k above 50 significantly increases retrieval latency")
	}

	return warnings
}

// hostCores counts logical cores, falling back to the Go runtime's view
var hostCores = func() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}
