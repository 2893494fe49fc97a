package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var nodesJSON bool

// nodesCmd 是 nodes 子命令
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "查看 worker 节点",
}

var nodesListCmd = &cobra.Command{
	Use:     "list",
	Short:   "列出已注册的节点",
	Example: `  grid-engine nodes list --server http://localhost:8080`,
	Args:    cobra.NoArgs,
	RunE:    runNodesList,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "查看协调器统计",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(nodesCmd, statsCmd)
	nodesCmd.AddCommand(nodesListCmd)
	nodesListCmd.Flags().BoolVar(&nodesJSON, "json", false, "以 JSON 输出")
}

func runNodesList(cmd *cobra.Command, args []string) error {
	c, err := newSubmitter()
	if err != nil {
		return err
	}
	nodes, err := c.ListNodes(context.Background())
	if err != nil {
		return fmt.Errorf("查询节点失败: %w", err)
	}
	if nodesJSON {
		return printJSON(nodes)
	}
	if len(nodes) == 0 {
		printInfo("没有已注册的节点。")
		return nil
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].RegisteredAt.Before(nodes[j].RegisteredAt) })
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, []string{
			n.ID,
			statusStyle(string(n.Status)).Render(string(n.Status)),
			strings.Join(n.Capabilities.Tags, ","),
			fmt.Sprintf("%g", n.Capabilities.EffectiveWeight()),
			fmt.Sprintf("%d", n.MissedProbes),
			time.Since(n.LastHeartbeatAt).Round(time.Second).String(),
		})
	}
	fmt.Println(renderTable([]string{"ID", "STATUS", "TAGS", "WEIGHT", "MISSED", "LAST SEEN"}, rows))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := newSubmitter()
	if err != nil {
		return err
	}
	stats, err := c.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("查询统计失败: %w", err)
	}
	return printJSON(stats)
}
