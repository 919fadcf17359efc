package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	_const "ollama_run/internal/const"
	"ollama_run/internal/logger"
	"ollama_run/model"
)

// ErrSensorUnavailable is returned by a read that failed or exceeded its time budget
var ErrSensorUnavailable = errors.New("sensor unavailable")

// Sampler produces one snapshot per call
type Sampler interface {
	// Sample reads every metric; pids are the managed processes to report on
	Sample(ctx context.Context, pids []int) model.Snapshot
}

// ProbeOptions configures a Probe
type ProbeOptions struct {
	Timeout   time.Duration // budget for each individual read
	DiskPath  string        // mount point whose usage is reported
	SysfsRoot string        // root for /sys lookups, "/" outside tests
}

type cpuReading struct {
	times   cpu.TimesStat
	percent float64 // set on the first reading only
	first   bool
}

// readers holds the raw metric sources so tests can replace them
type readers struct {
	cpu       func(ctx context.Context, first bool) (cpuReading, error)
	memory    func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	disk      func(ctx context.Context, path string) (*disk.UsageStat, error)
	net       func(ctx context.Context) ([]net.IOCountersStat, error)
	hostTemps func(ctx context.Context) ([]host.TemperatureStat, error)
	gpus      func(ctx context.Context) ([]model.GPU, error)
	gpuProcs  func(ctx context.Context) (map[int]float64, error)
	process   func(ctx context.Context, pid int) (model.ProcessStats, error)
}

// Probe reads system metrics with gopsutil, sysfs and nvidia-smi.
// CPU and network rates are deltas against the previous call, so a Probe
// must not be shared between concurrent callers.
type Probe struct {
	logger *logger.Logger
	opts   ProbeOptions
	read   readers

	prevCPU     *cpu.TimesStat
	prevNet     *net.IOCountersStat
	prevNetTime time.Time
	now         func() time.Time
}

// NewProbe creates a probe reading the live system
func NewProbe(logger *logger.Logger, opts ProbeOptions) *Probe {
	if opts.Timeout <= 0 {
		opts.Timeout = _const.DefaultProbeTimeout
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	if opts.SysfsRoot == "" {
		opts.SysfsRoot = "/"
	}
	return &Probe{
		logger: logger,
		opts:   opts,
		now:    time.Now,
		read: readers{
			cpu:       readCPU,
			memory:    mem.VirtualMemoryWithContext,
			disk:      disk.UsageWithContext,
			net:       func(ctx context.Context) ([]net.IOCountersStat, error) { return net.IOCountersWithContext(ctx, false) },
			hostTemps: host.SensorsTemperaturesWithContext,
			gpus:      queryNvidiaSMI,
			gpuProcs:  queryComputeApps,
			process:   readProcess,
		},
	}
}

// bounded runs read in its own goroutine and gives up after timeout.
// An abandoned read keeps running until it returns; its result is dropped.
func bounded[T any](ctx context.Context, timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := read(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrSensorUnavailable, ctx.Err())
	}
}

// Sample reads every metric. It never fails: reads that error or time out are
// listed in Unavailable, and absent optional hardware is left nil.
func (p *Probe) Sample(ctx context.Context, pids []int) model.Snapshot {
	snap := model.Snapshot{Timestamp: p.now()}
	unavailable := func(field string, err error) {
		snap.Unavailable = append(snap.Unavailable, field)
		p.logger.Debug("Failed to read %s: %v", field, err)
	}

	// CPU
	first := p.prevCPU == nil
	if r, err := bounded(ctx, p.opts.Timeout, func(ctx context.Context) (cpuReading, error) { return p.read.cpu(ctx, first) }); err != nil {
		unavailable(model.FieldCPU, err)
	} else {
		if r.first || p.prevCPU == nil {
			snap.CPUPercent = clamp(r.percent)
		} else {
			snap.CPUPercent = cpuDeltaPercent(*p.prevCPU, r.times)
		}
		t := r.times
		p.prevCPU = &t
	}

	// Memory
	if vm, err := bounded(ctx, p.opts.Timeout, p.read.memory); err != nil || vm == nil {
		unavailable(model.FieldMemory, errOr(err))
	} else {
		snap.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
		snap.MemoryPercent = clamp(vm.UsedPercent)
	}

	// Disk
	if du, err := bounded(ctx, p.opts.Timeout, func(ctx context.Context) (*disk.UsageStat, error) { return p.read.disk(ctx, p.opts.DiskPath) }); err != nil || du == nil {
		unavailable(model.FieldDisk, errOr(err))
	} else {
		snap.DiskUsagePercent = clamp(du.UsedPercent)
	}

	// Network, needs a previous counter
	if counters, err := bounded(ctx, p.opts.Timeout, p.read.net); err != nil {
		unavailable(model.FieldNetwork, err)
	} else if len(counters) > 0 {
		cur := counters[0]
		if p.prevNet != nil {
			if secs := snap.Timestamp.Sub(p.prevNetTime).Seconds(); secs > 0 {
				snap.Network = &model.Network{
					UploadMbps:   rateMbps(p.prevNet.BytesSent, cur.BytesSent, secs),
					DownloadMbps: rateMbps(p.prevNet.BytesRecv, cur.BytesRecv, secs),
				}
			}
		}
		p.prevNet = &cur
		p.prevNetTime = snap.Timestamp
	}

	// CPU temperature: optional
	if temp, err := bounded(ctx, p.opts.Timeout, p.cpuTemperature); err != nil {
		if errors.Is(err, ErrSensorUnavailable) {
			unavailable(model.FieldTemperature, err)
		}
	} else {
		snap.CPUTemperatureC = temp
	}

	// Battery: optional
	if batt, err := bounded(ctx, p.opts.Timeout, func(context.Context) (*model.Battery, error) { return readBattery(p.opts.SysfsRoot) }); err != nil {
		unavailable(model.FieldBattery, err)
	} else {
		snap.Battery = batt
	}

	// GPUs: optional
	if gpus, err := bounded(ctx, p.opts.Timeout, p.read.gpus); err != nil {
		unavailable(model.FieldGPU, err)
	} else {
		snap.GPUs = gpus
	}

	// Managed processes
	if len(pids) > 0 {
		stats, err := bounded(ctx, p.opts.Timeout, func(ctx context.Context) ([]model.ProcessStats, error) {
			var out []model.ProcessStats
			for _, pid := range pids {
				st, err := p.read.process(ctx, pid)
				if err != nil {
					continue
				}
				out = append(out, st)
			}
			return out, nil
		})
		if err != nil {
			unavailable(model.FieldProcesses, err)
		} else {
			snap.Processes = stats
		}
	}
	if len(snap.Processes) > 0 && len(snap.GPUs) > 0 && p.read.gpuProcs != nil {
		if usage, err := bounded(ctx, p.opts.Timeout, p.read.gpuProcs); err != nil {
			p.logger.Debug("Per-process GPU memory unavailable: %v", err)
		} else {
			for i := range snap.Processes {
				snap.Processes[i].GPUMemoryMB = usage[snap.Processes[i].PID]
			}
		}
	}

	return snap
}

// cpuTemperature returns nil without error when the machine has no readable sensor
func (p *Probe) cpuTemperature(ctx context.Context) (*float64, error) {
	if t, ok := readThermalZones(p.opts.SysfsRoot); ok {
		return &t, nil
	}
	if p.read.hostTemps == nil {
		return nil, nil
	}
	temps, err := p.read.hostTemps(ctx)
	// gopsutil reports partial sensor failures as warnings alongside valid data
	if len(temps) == 0 {
		if err != nil {
			p.logger.Debug("No temperature sensors: %v", err)
		}
		return nil, nil
	}
	if t, ok := pickCPUTemperature(temps); ok {
		return &t, nil
	}
	return nil, nil
}

func readCPU(ctx context.Context, first bool) (cpuReading, error) {
	var r cpuReading
	if first {
		pct, err := cpu.PercentWithContext(ctx, _const.FirstCPUSampleWindow, false)
		if err != nil {
			return r, err
		}
		if len(pct) > 0 {
			r.percent = pct[0]
		}
		r.first = true
	}
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return r, err
	}
	if len(times) == 0 {
		return r, fmt.Errorf("no cpu times reported")
	}
	r.times = times[0]
	return r, nil
}

func readProcess(ctx context.Context, pid int) (model.ProcessStats, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return model.ProcessStats{}, err
	}
	st := model.ProcessStats{PID: pid}
	st.Name, _ = proc.NameWithContext(ctx)
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = pct
	}
	if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		st.RSSMB = float64(mi.RSS) / (1024 * 1024)
	}
	if nice, err := proc.NiceWithContext(ctx); err == nil {
		st.Nice = int(nice)
	}
	return st, nil
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Nice + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func cpuDeltaPercent(prev, cur cpu.TimesStat) float64 {
	dt := cpuTotal(cur) - cpuTotal(prev)
	if dt <= 0 {
		return 0
	}
	di := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	return clamp(100 * (1 - di/dt))
}

func rateMbps(prev, cur uint64, secs float64) float64 {
	if cur < prev {
		// counter reset
		return 0
	}
	return float64(cur-prev) * 8 / 1e6 / secs
}

func clamp(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func errOr(err error) error {
	if err != nil {
		return err
	}
	return errors.New("no data")
}
