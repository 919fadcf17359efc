package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	_const "ollama_run/internal/const"
	"ollama_run/model"
)

var nvidiaQueryArgs = []string{
	"--query-gpu=index,name,memory.used,memory.total,utilization.gpu,temperature.gpu,power.draw",
	"--format=csv,noheader,nounits",
}

var computeAppsQueryArgs = []string{
	"--query-compute-apps=pid,used_memory",
	"--format=csv,noheader,nounits",
}

// runNvidiaSMI returns "", nil when no usable NVIDIA driver is installed
func runNvidiaSMI(ctx context.Context, args []string) (string, error) {
	bin, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, _const.GPUQueryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, args...).Output()
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: nvidia-smi: %v", ErrSensorUnavailable, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Installed but no usable device or driver
			return "", nil
		}
		return "", err
	}
	return string(out), nil
}

// queryNvidiaSMI returns nil, nil when no NVIDIA driver is installed
func queryNvidiaSMI(ctx context.Context) ([]model.GPU, error) {
	out, err := runNvidiaSMI(ctx, nvidiaQueryArgs)
	if err != nil {
		return nil, err
	}
	return parseNvidiaSMI(out), nil
}

// queryComputeApps returns GPU memory in MB per PID using the GPU
func queryComputeApps(ctx context.Context) (map[int]float64, error) {
	out, err := runNvidiaSMI(ctx, computeAppsQueryArgs)
	if err != nil {
		return nil, err
	}
	return parseComputeApps(out), nil
}

// parseComputeApps sums used_memory per pid; a process on several GPUs has one row each
func parseComputeApps(out string) map[int]float64 {
	usage := make(map[int]float64)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		parts := strings.Split(strings.TrimSpace(sc.Text()), ",")
		if len(parts) < 2 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		if v, ok := parseOptional(strings.TrimSpace(parts[1])); ok {
			usage[pid] += v
		}
	}
	return usage
}

// parseNvidiaSMI parses csv,noheader,nounits rows of nvidiaQueryArgs
func parseNvidiaSMI(out string) []model.GPU {
	var gpus []model.GPU
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 7 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		g := model.GPU{
			Index:              idx,
			Name:               parts[1],
			MemoryUsedMB:       optionalValue(parts[2]),
			MemoryTotalMB:      optionalValue(parts[3]),
			UtilizationPercent: optionalValue(parts[4]),
		}
		if v, ok := parseOptional(parts[5]); ok {
			g.TemperatureC = &v
		}
		if v, ok := parseOptional(parts[6]); ok {
			g.PowerW = &v
		}
		gpus = append(gpus, g)
	}
	return gpus
}

// parseOptional treats "[N/A]", "N/A" and "[Not Supported]" as missing
func parseOptional(s string) (float64, bool) {
	if s == "" || strings.Contains(s, "N/A") || strings.Contains(s, "Not Supported") {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func optionalValue(s string) float64 {
	v, _ := parseOptional(s)
	return v
}
