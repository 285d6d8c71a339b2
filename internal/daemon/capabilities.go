package daemon

import (
	"context"
	"encoding/json"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
)

// Capabilities describes what a worker host can run. The server stores it
// as an opaque descriptor for operators.
type Capabilities struct {
	Hostname        string                  `json:"hostname,omitempty"`
	OS              string                  `json:"os"`
	Arch            string                  `json:"arch"`
	Platform        string                  `json:"platform,omitempty"`
	PlatformVersion string                  `json:"platform_version,omitempty"`
	CPUModel        string                  `json:"cpu_model,omitempty"`
	CPUCores        int                     `json:"cpu_cores,omitempty"`
	MemoryTotal     uint64                  `json:"memory_total_bytes,omitempty"`
	MemoryAvailable uint64                  `json:"memory_available_bytes,omitempty"`
	Load1           float64                 `json:"load_1m,omitempty"`
	WorkDirFree     uint64                  `json:"work_dir_free_bytes,omitempty"`
	FFmpegVersion   string                  `json:"ffmpeg_version,omitempty"`
	Encoder         ffmpeg.EncoderSelection `json:"encoder"`
	MaxJobs         int                     `json:"max_jobs"`
}

// DetectCapabilities probes the host. Probes that fail leave their fields
// empty.
func DetectCapabilities(ctx context.Context, workDir string, binary *ffmpeg.BinaryInfo, sel ffmpeg.EncoderSelection, maxJobs int) Capabilities {
	caps := Capabilities{
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Encoder: sel,
		MaxJobs: maxJobs,
	}
	if binary != nil {
		caps.FFmpegVersion = binary.Version
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		caps.Hostname = info.Hostname
		caps.Platform = info.Platform
		caps.PlatformVersion = info.PlatformVersion
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		caps.CPUCores = cores
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		caps.CPUModel = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.MemoryTotal = vm.Total
		caps.MemoryAvailable = vm.Available
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		caps.Load1 = avg.Load1
	}

	if workDir != "" {
		if usage, err := disk.UsageWithContext(ctx, workDir); err == nil {
			caps.WorkDirFree = usage.Free
		}
	}

	return caps
}

// String encodes the descriptor sent at registration.
func (c Capabilities) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}
