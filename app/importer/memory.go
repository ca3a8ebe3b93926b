package importer

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMemory samples this process's resident set size against a fixed limit,
// or against total system memory when no limit is configured.
type ProcessMemory struct {
	proc  *process.Process
	limit uint64
}

func NewProcessMemory(limit uint64) (*ProcessMemory, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open process handle")
	}

	if limit == 0 {
		v, err := mem.VirtualMemory()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get memory stats")
		}
		limit = v.Total
	}

	return &ProcessMemory{proc: proc, limit: limit}, nil
}

func (m *ProcessMemory) Sample() (uint64, uint64, error) {
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return 0, m.limit, errors.Wrap(err, "failed to read process memory")
	}
	return info.RSS, m.limit, nil
}
