package xget

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
)

// totalPhysicalMemory is a best-effort detector used only to validate and
// warn on SetCacheSize, per spec.md §4.3's capacity-change policy. None of
// the corpus carries a cross-platform memory-detection library (the
// ecosystem's usual candidate, gopsutil, appears nowhere in the retrieved
// examples), so this one concern is deliberately implemented against the
// standard library plus /proc/meminfo on Linux; elsewhere it returns 0,
// which callers treat as "unknown, skip the check".
var (
	memOnce  sync.Once
	memBytes int64
)

func totalPhysicalMemory() int64 {
	memOnce.Do(func() {
		memBytes = readProcMeminfo()
	})
	return memBytes
}

func readProcMeminfo() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
