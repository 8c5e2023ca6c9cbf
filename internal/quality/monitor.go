package quality

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pairstream/pairstream/internal/logger"
)

// MonitorConfig tunes the external pressure monitor
type MonitorConfig struct {
	ThermalLimitC   int
	BatteryFloorPct int
	PollInterval    time.Duration
}

// Monitor polls device thermal and battery state from sysfs and signals the
// controller when either crosses its limit. It is an optional input: on
// hosts without the sysfs nodes it simply never fires.
type Monitor struct {
	cfg        MonitorConfig
	controller *Controller
	stop       chan struct{}
	done       chan struct{}

	thermalGlob string
	batteryGlob string
}

// NewMonitor creates a monitor feeding the given controller
func NewMonitor(cfg MonitorConfig, controller *Controller) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Monitor{
		cfg:         cfg,
		controller:  controller,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		thermalGlob: "/sys/class/thermal/thermal_zone*/temp",
		batteryGlob: "/sys/class/power_supply/BAT*/capacity",
	}
}

// Start launches the polling loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the polling loop and waits for it to exit
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)

	log := logger.WithComponent("quality-monitor")
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if temp, ok := m.maxThermalC(); ok && m.cfg.ThermalLimitC > 0 && temp >= m.cfg.ThermalLimitC {
				if m.controller.SignalPressure("thermal pressure") {
					log.Warn().Int("temp_c", temp).Msg("Thermal pressure, quality lowered")
				}
				continue
			}
			if pct, ok := m.batteryPct(); ok && m.cfg.BatteryFloorPct > 0 && pct <= m.cfg.BatteryFloorPct {
				if m.controller.SignalPressure("low battery") {
					log.Warn().Int("battery_pct", pct).Msg("Low battery, quality lowered")
				}
			}
		}
	}
}

// maxThermalC returns the hottest thermal zone in degrees Celsius
func (m *Monitor) maxThermalC() (int, bool) {
	paths, err := filepath.Glob(m.thermalGlob)
	if err != nil || len(paths) == 0 {
		return 0, false
	}

	max := 0
	found := false
	for _, p := range paths {
		v, ok := readIntFile(p)
		if !ok {
			continue
		}
		// sysfs reports millidegrees
		v /= 1000
		if !found || v > max {
			max = v
			found = true
		}
	}
	return max, found
}

// batteryPct returns the lowest battery capacity percentage
func (m *Monitor) batteryPct() (int, bool) {
	paths, err := filepath.Glob(m.batteryGlob)
	if err != nil || len(paths) == 0 {
		return 0, false
	}

	min := 0
	found := false
	for _, p := range paths {
		v, ok := readIntFile(p)
		if !ok {
			continue
		}
		if !found || v < min {
			min = v
			found = true
		}
	}
	return min, found
}

func readIntFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return v, true
}
