// Package cmd 提供 grid-engine CLI 的命令实现
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   ___ ___ ___ ___    Grid Engine %s
  |   |   |   |   |
  |___|___|___|___|   distributed compute coordinator
  |   |   |   |   |
  |___|___|___|___|
`
)

var (
	// 全局配置
	cfgFile   string
	debug     bool
	quiet     bool
	serverURL string
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "grid-engine",
	Short: "分布式计算协调器",
	Long: `grid-engine 将计算任务（矩阵乘法、梯度计算）切分到一组异构 worker 节点上执行，
通过心跳检测节点故障，并把故障节点上的子任务重新分配到存活节点。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "协调器地址（默认取 worker.coordinator_url）")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig 按 默认值 < 配置文件 < 环境变量 < overrides 的顺序加载并校验配置，
// 同时初始化全局日志。
func loadConfig(overrides map[string]string) (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	if debug {
		loader = loader.WithOverride("logging.level", "debug")
	}
	for path, value := range overrides {
		loader = loader.WithOverride(path, value)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}

	logger.Init(cfg.Logging.Logger())
	return cfg, nil
}

// signalContext 返回在 SIGINT/SIGTERM 时取消的 context
func signalContext(name string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.L().Info("shutdown requested", zap.String("component", name), zap.String("signal", sig.String()))
			if !quiet {
				printInfo("\n正在关闭 %s...", name)
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
