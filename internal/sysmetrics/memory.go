// Package sysmetrics reads host resource figures for status log lines.
package sysmetrics

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/conductor/errors"
)

const gib = 1024 * 1024 * 1024

// Memory is a point-in-time view of host memory
type Memory struct {
	UsedGB  float64 `json:"used_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// ReadMemory returns current host memory usage.
func ReadMemory() (Memory, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return Memory{}, errors.Wrap(err, "failed to get memory stats")
	}
	return fromBytes(v.Total, v.Available), nil
}

func fromBytes(total, available uint64) Memory {
	if total == 0 {
		return Memory{}
	}
	used := total - available
	return Memory{
		UsedGB:  float64(used) / gib,
		TotalGB: float64(total) / gib,
		Percent: float64(used) / float64(total) * 100,
	}
}
