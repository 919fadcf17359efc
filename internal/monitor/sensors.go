package monitor

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"ollama_run/model"
)

// cpuSensorKeys are substrings of hwmon sensor keys that belong to the CPU package
var cpuSensorKeys = []string{"coretemp", "k10temp", "zenpower", "cpu", "package"}

// readThermalZones returns the first thermal zone reading in a plausible range
func readThermalZones(root string) (float64, bool) {
	paths, _ := filepath.Glob(filepath.Join(root, "sys/class/thermal/thermal_zone*/temp"))
	sort.Strings(paths)
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
		if err != nil {
			continue
		}
		t := milli / 1000
		if t > 0 && t < 150 {
			return t, true
		}
	}
	return 0, false
}

// pickCPUTemperature returns the hottest CPU-looking sensor
func pickCPUTemperature(temps []host.TemperatureStat) (float64, bool) {
	best, found := 0.0, false
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		matched := false
		for _, k := range cpuSensorKeys {
			if strings.Contains(key, k) {
				matched = true
				break
			}
		}
		if !matched || t.Temperature <= 0 || t.Temperature >= 150 {
			continue
		}
		if !found || t.Temperature > best {
			best, found = t.Temperature, true
		}
	}
	return best, found
}

// readBattery reads the first BAT* power supply. It returns nil, nil on machines without one.
func readBattery(root string) (*model.Battery, error) {
	supplies := filepath.Join(root, "sys/class/power_supply")
	batts, _ := filepath.Glob(filepath.Join(supplies, "BAT*"))
	sort.Strings(batts)
	for _, dir := range batts {
		capRaw, err := os.ReadFile(filepath.Join(dir, "capacity"))
		if err != nil {
			continue
		}
		pct, err := strconv.ParseFloat(strings.TrimSpace(string(capRaw)), 64)
		if err != nil {
			return nil, err
		}
		status := readTrimmed(filepath.Join(dir, "status"))

		b := &model.Battery{Percent: clamp(pct)}
		if online, ok := acOnline(supplies); ok {
			b.Charging = online
		} else {
			b.Charging = status != "Discharging"
		}
		if !b.Charging {
			b.MinutesRemaining = minutesRemaining(dir)
		}
		return b, nil
	}
	return nil, nil
}

// acOnline reports the mains adapter state when the machine exposes one
func acOnline(supplies string) (online, ok bool) {
	for _, pattern := range []string{"AC*", "ADP*", "ACAD*"} {
		paths, _ := filepath.Glob(filepath.Join(supplies, pattern, "online"))
		for _, p := range paths {
			switch readTrimmed(p) {
			case "1":
				return true, true
			case "0":
				ok = true
			}
		}
	}
	return false, ok
}

// minutesRemaining estimates runtime from energy/power or charge/current pairs
func minutesRemaining(dir string) *int {
	pairs := [][2]string{{"energy_now", "power_now"}, {"charge_now", "current_now"}}
	for _, pair := range pairs {
		left, err1 := strconv.ParseFloat(readTrimmed(filepath.Join(dir, pair[0])), 64)
		rate, err2 := strconv.ParseFloat(readTrimmed(filepath.Join(dir, pair[1])), 64)
		if err1 != nil || err2 != nil || rate <= 0 {
			continue
		}
		m := int(math.Round(left / rate * 60))
		return &m
	}
	return nil
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
