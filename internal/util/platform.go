package util

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo holds information about the host system, reported through the
// admin API and attached to MQTT telemetry metadata.
type SystemInfo struct {
	Hostname     string  `json:"hostname"`
	OS           string  `json:"os"`
	Architecture string  `json:"architecture"`
	CPUModel     string  `json:"cpu_model"`
	CPUCores     int     `json:"cpu_cores"`
	TotalMemory  uint64  `json:"total_memory_mb"`
	UsedMemory   uint64  `json:"used_memory_mb"`
	Load1        float64 `json:"load_1m"`
}

// GetSystemInfo gathers system information. Fields that cannot be read are
// left at their zero value rather than failing the caller.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total / 1024 / 1024
		info.UsedMemory = vm.Used / 1024 / 1024
	}

	if avg, err := load.Avg(); err == nil {
		info.Load1 = avg.Load1
	}

	return info
}
