package cmd

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/grid-engine/api/rest"
	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/internal/coordinator"
	"yqhp/grid-engine/internal/mirror"
	"yqhp/grid-engine/internal/worker"
	"yqhp/grid-engine/internal/workload"
	"yqhp/grid-engine/pkg/logger"
)

var (
	// coordinator start 命令的 flags
	coordAddress           string
	coordHeartbeatInterval time.Duration
	coordMissedProbes      int
	coordSubtaskTimeout    time.Duration
	coordMaxReassignments  int
	coordMirror            bool
	coordRedisAddr         string
	coordStandalone        bool
	coordLocalWorkers      int
)

// coordinatorCmd 是 coordinator 子命令
var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "管理协调器",
	Long:  `协调器负责节点注册、心跳检测、任务切分、子任务分发、结果聚合与故障重分配。`,
}

// coordinatorStartCmd 是 coordinator start 子命令
var coordinatorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动协调器",
	Long: `启动协调器，开始接受 worker 注册和任务提交。

协调器负责：
  - 管理 worker 注册与心跳
  - 按节点权重切分任务
  - 检测故障并重新分配子任务
  - 提供 REST API 和 worker WebSocket 通道`,
	Example: `  # 使用默认配置启动
  grid-engine coordinator start

  # 指定监听地址和心跳参数
  grid-engine coordinator start --address :9090 --heartbeat-interval 2s --missed-probes 5

  # 把任务与结果镜像到 Redis Stream
  grid-engine coordinator start --mirror --redis localhost:6379

  # 单进程模式：进程内运行 4 个 worker
  grid-engine coordinator start --standalone --workers 4`,
	RunE: runCoordinatorStart,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	coordinatorCmd.AddCommand(coordinatorStartCmd)

	flags := coordinatorStartCmd.Flags()
	flags.StringVar(&coordAddress, "address", ":8080", "HTTP 服务地址")
	flags.DurationVar(&coordHeartbeatInterval, "heartbeat-interval", 5*time.Second, "心跳探测间隔")
	flags.IntVar(&coordMissedProbes, "missed-probes", 3, "判定节点死亡的连续探测失败次数")
	flags.DurationVar(&coordSubtaskTimeout, "subtask-timeout", 60*time.Second, "子任务超时时间")
	flags.IntVar(&coordMaxReassignments, "max-reassignments", 3, "单个子任务最大重分配次数")
	flags.BoolVar(&coordMirror, "mirror", false, "启用 Redis Stream 镜像")
	flags.StringVar(&coordRedisAddr, "redis", "localhost:6379", "Redis 地址")
	flags.BoolVar(&coordStandalone, "standalone", false, "单进程模式：worker 在进程内运行，不接受远程 worker")
	flags.IntVar(&coordLocalWorkers, "workers", 2, "单进程模式下的 worker 数量")
}

func coordinatorOverrides(cmd *cobra.Command) map[string]string {
	overrides := make(map[string]string)
	flags := cmd.Flags()
	if flags.Changed("address") {
		overrides["server.address"] = coordAddress
	}
	if flags.Changed("heartbeat-interval") {
		overrides["coordinator.heartbeat_interval"] = coordHeartbeatInterval.String()
	}
	if flags.Changed("missed-probes") {
		overrides["coordinator.missed_probe_threshold"] = strconv.Itoa(coordMissedProbes)
	}
	if flags.Changed("subtask-timeout") {
		overrides["coordinator.subtask_timeout"] = coordSubtaskTimeout.String()
	}
	if flags.Changed("max-reassignments") {
		overrides["coordinator.max_reassignments"] = strconv.Itoa(coordMaxReassignments)
	}
	if flags.Changed("mirror") {
		overrides["mirror.enabled"] = strconv.FormatBool(coordMirror)
	}
	if flags.Changed("redis") {
		overrides["mirror.addr"] = coordRedisAddr
	}
	return overrides
}

func runCoordinatorStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(coordinatorOverrides(cmd))
	if err != nil {
		return err
	}
	log := logger.Named("coordinator")
	defer logger.Sync()

	ctx, cancel := signalContext("协调器")
	defer cancel()

	var mir mirror.Mirror = mirror.Nop{}
	if cfg.Mirror.Enabled {
		client, err := mirror.NewClient(ctx, cfg.Mirror)
		if err != nil {
			return fmt.Errorf("连接 Redis 失败: %w", err)
		}
		mir = mirror.NewRedisMirror(client, cfg.Mirror, logger.Named("mirror"))
	}
	defer mir.Close()

	var (
		transport channel.CoordinatorTransport
		hub       *rest.WSHub
		local     *channel.Memory
	)
	if coordStandalone {
		if coordLocalWorkers < 1 {
			return fmt.Errorf("--workers 必须大于 0")
		}
		local = channel.NewMemory(logger.Named("memory"))
		defer local.Close()
		transport = local
	} else {
		hub = rest.NewWSHub(logger.Named("ws-hub"))
		transport = hub
	}
	coord := coordinator.New(cfg.Coordinator, nil, transport, nil, mir, log)
	server := rest.NewServer(coord, hub, cfg.Server, logger.Named("rest"))

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		printInfo("  HTTP 地址: %s", cfg.Server.Address)
		printInfo("  心跳间隔: %s, 连续失败阈值: %d", cfg.Coordinator.HeartbeatInterval, cfg.Coordinator.MissedProbeThreshold)
		printInfo("  最大重分配次数: %d, 子任务超时: %s", cfg.Coordinator.MaxReassignments, cfg.Coordinator.SubtaskTimeout)
		printInfo("  Redis 镜像: %v", cfg.Mirror.Enabled)
		if coordStandalone {
			printInfo("  单进程模式: %d 个 worker", coordLocalWorkers)
		}
		fmt.Println()
	}

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("启动协调器失败: %w", err)
	}

	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workers := &sync.WaitGroup{}
	if coordStandalone {
		workers = startLocalWorkers(workersCtx, cfg.Worker, local, coordLocalWorkers)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	if !quiet {
		printSuccess("协调器启动成功。按 Ctrl+C 停止。")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-coord.Err():
		runErr = fmt.Errorf("协调器异常退出: %w", err)
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("HTTP 服务异常退出: %w", err)
		}
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	// workers deregister while the coordinator is still running
	stopWorkers()
	workers.Wait()
	if err := coord.Stop(shutdownCtx); err != nil {
		log.Warn("coordinator stop failed", zap.Error(err))
	}

	if runErr != nil {
		return runErr
	}
	if !quiet {
		printSuccess("协调器已停止。")
	}
	return nil
}

// startLocalWorkers runs n agents on the in-process transport until ctx ends.
func startLocalWorkers(ctx context.Context, cfg config.WorkerConfig, transport channel.WorkerTransport, n int) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	for i := 0; i < n; i++ {
		agent := worker.New(cfg, transport, workload.DefaultExecutors(), logger.Named(fmt.Sprintf("worker-%d", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := agent.Run(ctx); err != nil {
				logger.Named("coordinator").Warn("local worker stopped", zap.Error(err))
			}
		}()
	}
	return wg
}
