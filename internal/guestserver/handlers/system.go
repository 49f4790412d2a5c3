package handlers

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/supermanc88/virtio-serial-rpc/internal/guestserver/reqctx"
	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

var processStart = time.Now()

type pingResponse struct {
	Timestamp int64  `json:"timestamp"`
	UptimeSec int64  `json:"uptime"`
	Message   string `json:"message"`
}

// Ping answers a liveness probe with the agent's own uptime.
func Ping(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	return pingResponse{
		Timestamp: time.Now().Unix(),
		UptimeSec: int64(time.Since(processStart).Seconds()),
		Message:   "pong",
	}, nil
}

type systemInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Kernel          string `json:"kernel"`
	Arch            string `json:"arch"`
	CPUCount        int    `json:"cpu_count"`
	MemoryTotal     uint64 `json:"memory_total"`
	MemoryAvailable uint64 `json:"memory_available"`
	GoVersion       string `json:"go_version"`
}

// Info reports static host facts: hostname, kernel, architecture,
// CPU count, and memory totals read from /proc/meminfo where available.
func Info(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	hostname, _ := os.Hostname()
	memTotal, memAvail := readMemInfo()

	return systemInfo{
		Hostname:        hostname,
		OS:              runtime.GOOS,
		Kernel:          readKernelRelease(),
		Arch:            runtime.GOARCH,
		CPUCount:        runtime.NumCPU(),
		MemoryTotal:     memTotal,
		MemoryAvailable: memAvail,
		GoVersion:       runtime.Version(),
	}, nil
}

type systemStatus struct {
	LoadAverage  [3]float64         `json:"load_average"`
	CPUUsage     float64            `json:"cpu_usage"`
	MemoryUsage  float64            `json:"memory_usage"`
	ProcessCount int                `json:"process_count"`
	DiskUsage    map[string]float64 `json:"disk_usage"`
}

// statusSampleWindow is how long Status samples /proc/stat for before
// computing a cpu_usage percentage — a single instantaneous read of
// /proc/stat's cumulative counters can't yield a rate on its own.
const statusSampleWindow = 200 * time.Millisecond

// Status reports dynamic load figures: load average, cpu and memory
// usage percentages, per-mount disk usage, and the number of live
// processes under /proc.
func Status(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	status := systemStatus{DiskUsage: diskUsageByMount()}

	if load, err := readLoadAverage(); err == nil {
		status.LoadAverage = load
	}
	if total, avail := readMemInfo(); total > 0 {
		status.MemoryUsage = roundTo((1 - float64(avail)/float64(total)) * 100)
	}
	status.CPUUsage = roundTo(sampleCPUUsage(statusSampleWindow))
	status.ProcessCount = countProcesses()

	return status, nil
}

// cpuTimes is the subset of /proc/stat's "cpu" line fields needed to
// derive a busy-percentage between two samples.
type cpuTimes struct {
	idle, total uint64
}

func readCPUTimes() (cpuTimes, bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuTimes{}, false
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 8 || fields[0] != "cpu" {
		return cpuTimes{}, false
	}
	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle is the 4th field after "cpu"
			idle = v
		}
	}
	return cpuTimes{idle: idle, total: total}, true
}

// sampleCPUUsage reads /proc/stat, sleeps window, reads again, and
// returns the busy percentage over that interval. Returns 0 on any
// platform without /proc/stat.
func sampleCPUUsage(window time.Duration) float64 {
	before, ok := readCPUTimes()
	if !ok {
		return 0
	}
	time.Sleep(window)
	after, ok := readCPUTimes()
	if !ok {
		return 0
	}
	totalDelta := after.total - before.total
	if totalDelta == 0 {
		return 0
	}
	idleDelta := after.idle - before.idle
	return (1 - float64(idleDelta)/float64(totalDelta)) * 100
}

// diskUsageByMount reports used-space percentage per real mount point
// listed in /proc/mounts, skipping pseudo/virtual filesystems.
func diskUsageByMount() map[string]float64 {
	usage := map[string]float64{}
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return usage
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if isPseudoFS(fsType) {
			continue
		}
		if pct, ok := statfsUsagePercent(mountPoint); ok {
			usage[mountPoint] = roundTo(pct)
		}
	}
	return usage
}

func isPseudoFS(fsType string) bool {
	switch fsType {
	case "proc", "sysfs", "devtmpfs", "devpts", "tmpfs", "cgroup", "cgroup2",
		"pstore", "bpf", "tracefs", "debugfs", "securityfs", "mqueue",
		"hugetlbfs", "autofs", "overlay", "squashfs":
		return true
	default:
		return false
	}
}

func readMemInfo() (total, available uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMemInfoKB(line) * 1024
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMemInfoKB(line) * 1024
		}
	}
	return total, available
}

func parseMemInfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

func readKernelRelease() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}

func readLoadAverage() ([3]float64, error) {
	var out [3]float64
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return out, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return out, nil
	}
	for i := 0; i < 3; i++ {
		out[i], _ = strconv.ParseFloat(fields[i], 64)
	}
	return out, nil
}

func countProcesses() int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err == nil {
			n++
		}
	}
	return n
}

func roundTo(v float64) float64 {
	return float64(int(v*100)) / 100
}
