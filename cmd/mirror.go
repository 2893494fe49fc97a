package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/mirror"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

var (
	mirrorConsumer  string
	mirrorRedisAddr string
)

// mirrorCmd 是 mirror 子命令
var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "读取 Redis Stream 镜像",
}

var mirrorTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "跟随任务与结果镜像流",
	Long: `以消费组方式读取协调器写入 Redis 的任务流和结果流。

同名消费者重启后会先重放未确认的条目，再继续读取新条目。`,
	Example: `  grid-engine mirror tail --redis localhost:6379 --name audit-1`,
	Args:    cobra.NoArgs,
	RunE:    runMirrorTail,
}

func init() {
	rootCmd.AddCommand(mirrorCmd)
	mirrorCmd.AddCommand(mirrorTailCmd)

	mirrorTailCmd.Flags().StringVar(&mirrorConsumer, "name", "", "消费者名称（默认取主机名）")
	mirrorTailCmd.Flags().StringVar(&mirrorRedisAddr, "redis", "", "Redis 地址（默认取 mirror.addr）")
}

func runMirrorTail(cmd *cobra.Command, args []string) error {
	overrides := map[string]string{}
	if mirrorRedisAddr != "" {
		overrides["mirror.addr"] = mirrorRedisAddr
	}
	cfg, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	defer logger.Sync()

	name := mirrorConsumer
	if name == "" {
		if name, err = os.Hostname(); err != nil {
			name = "grid-engine"
		}
	}

	ctx, cancel := signalContext("mirror tail")
	defer cancel()

	client, err := mirror.NewClient(ctx, cfg.Mirror)
	if err != nil {
		return fmt.Errorf("连接 Redis 失败: %w", err)
	}
	defer client.Close()

	consumer := mirror.NewConsumer(client, cfg.Mirror, name, logger.Named("mirror"))
	log := logger.Named("mirror-tail")
	return consumer.Run(ctx, func(_ context.Context, stream, id string, env *types.Envelope) error {
		switch env.Type {
		case types.EnvelopeTask:
			msg, err := mirror.DecodeTask(env)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s task=%s subtask=%s node=%s attempt=%d\n",
				infoStyle.Render(stream), id, env.Type, msg.TaskID, msg.SubtaskID, msg.NodeID, msg.Attempt)
		case types.EnvelopeResult:
			msg, err := mirror.DecodeResult(env)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s task=%s subtask=%s node=%s status=%s\n",
				successStyle.Render(stream), id, env.Type, msg.TaskID, msg.SubtaskID, msg.NodeID,
				statusStyle(string(msg.Status)).Render(string(msg.Status)))
		default:
			log.Debug("skip entry", zap.String("stream", stream), zap.String("id", id), zap.String("type", string(env.Type)))
		}
		return nil
	})
}
