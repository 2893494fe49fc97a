package worker

import (
	"context"
	"runtime"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/pkg/types"
)

// DetectCapabilities 探测本机资源并与配置合并生成能力画像。
// 配置中的标签与可执行的任务类型取并集；探测失败时回退到运行时信息。
func DetectCapabilities(ctx context.Context, cfg config.WorkerConfig, executorTypes []string, log *zap.Logger) types.Capabilities {
	caps := types.Capabilities{
		Tags:        slice.Union(cfg.Tags, executorTypes),
		Accelerator: cfg.Accelerator,
		Weight:      cfg.Weight,
		Labels:      make(map[string]string, len(cfg.Labels)+2),
	}
	for k, v := range cfg.Labels {
		caps.Labels[k] = v
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		caps.CPUCores = cores
	} else {
		log.Debug("cpu detection failed, using runtime", zap.Error(err))
		caps.CPUCores = runtime.NumCPU()
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.MemoryMB = int64(vm.Total / 1024 / 1024)
	} else {
		log.Debug("memory detection failed", zap.Error(err))
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		setDefault(caps.Labels, "os", info.OS)
		setDefault(caps.Labels, "platform", info.Platform)
		setDefault(caps.Labels, "hostname", info.Hostname)
	} else {
		setDefault(caps.Labels, "os", runtime.GOOS)
	}
	setDefault(caps.Labels, "arch", runtime.GOARCH)

	if caps.Accelerator != "" && !slice.Contain(caps.Tags, caps.Accelerator) {
		caps.Tags = append(caps.Tags, caps.Accelerator)
	}
	return caps
}

func setDefault(m map[string]string, key, value string) {
	if value == "" {
		return
	}
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
