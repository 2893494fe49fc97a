package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"yqhp/grid-engine/api/rest/client"
	"yqhp/grid-engine/internal/worker"
	"yqhp/grid-engine/internal/workload"
	"yqhp/grid-engine/pkg/logger"
)

var (
	// worker start 命令的 flags
	workerCoordinator string
	workerAddress     string
	workerTags        string
	workerLabels      string
	workerAccelerator string
	workerWeight      float64
	workerConcurrency int
)

// workerCmd 是 worker 子命令
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "管理 worker 节点",
	Long:  `worker 节点向协调器注册能力，执行分配到的子任务并回传结果。`,
}

// workerStartCmd 是 worker start 子命令
var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 worker 节点",
	Long: `启动 worker 节点，连接到协调器并等待子任务。

worker 自动探测 CPU 核数、内存与操作系统，并把已注册的执行器类型
（matmul、gradient）加入能力标签。`,
	Example: `  # 使用默认配置启动
  grid-engine worker start

  # 指定协调器地址和并发数
  grid-engine worker start --coordinator http://10.0.0.1:8080 --concurrency 8

  # 声明加速器和标签
  grid-engine worker start --accelerator cuda --tags gpu --labels zone=cn-east,rack=r1`,
	RunE: runWorkerStart,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerStartCmd)

	flags := workerStartCmd.Flags()
	flags.StringVar(&workerCoordinator, "coordinator", "http://localhost:8080", "协调器地址")
	flags.StringVar(&workerAddress, "address", "", "对外公布的地址")
	flags.StringVar(&workerTags, "tags", "", "能力标签，逗号分隔")
	flags.StringVar(&workerLabels, "labels", "", "标签，key=value 格式，逗号分隔")
	flags.StringVar(&workerAccelerator, "accelerator", "", "加速器类型（如 cuda）")
	flags.Float64Var(&workerWeight, "weight", 0, "切分权重（默认取 CPU 核数）")
	flags.IntVar(&workerConcurrency, "concurrency", 4, "并发执行的子任务数")
}

func workerOverrides(cmd *cobra.Command) map[string]string {
	overrides := make(map[string]string)
	flags := cmd.Flags()
	if flags.Changed("coordinator") {
		overrides["worker.coordinator_url"] = workerCoordinator
	}
	if flags.Changed("address") {
		overrides["worker.address"] = workerAddress
	}
	if flags.Changed("tags") {
		overrides["worker.tags"] = workerTags
	}
	if flags.Changed("labels") {
		overrides["worker.labels"] = workerLabels
	}
	if flags.Changed("accelerator") {
		overrides["worker.accelerator"] = workerAccelerator
	}
	if flags.Changed("weight") {
		overrides["worker.weight"] = strconv.FormatFloat(workerWeight, 'g', -1, 64)
	}
	if flags.Changed("concurrency") {
		overrides["worker.concurrency"] = strconv.Itoa(workerConcurrency)
	}
	return overrides
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(workerOverrides(cmd))
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext("worker")
	defer cancel()

	transport := client.New(&client.Config{
		CoordinatorURL: cfg.Worker.CoordinatorURL,
		RequestTimeout: cfg.Worker.RequestTimeout,
	}, logger.Named("client"))
	defer transport.Close()

	agent := worker.New(cfg.Worker, transport, workload.DefaultExecutors(), logger.Named("worker"))

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		printInfo("  协调器地址: %s", cfg.Worker.CoordinatorURL)
		printInfo("  并发数: %d", cfg.Worker.Concurrency)
		fmt.Println()
	}

	started := time.Now()
	err = agent.Run(ctx)
	if errors.Is(err, worker.ErrRejected) {
		return fmt.Errorf("注册被拒绝: %w", err)
	}
	if err != nil {
		return err
	}

	if !quiet {
		var succeeded, failed int64
		for _, m := range agent.Metrics().Snapshot() {
			succeeded += m.SuccessCount
			failed += m.FailureCount
		}
		printSuccess("worker 已停止，运行 %s，完成 %d 个子任务，失败 %d 个。",
			time.Since(started).Round(time.Second), succeeded, failed)
	}
	return nil
}
