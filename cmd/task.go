package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"yqhp/grid-engine/api/rest/client"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

var (
	// task 命令的 flags
	taskType        string
	taskPayload     string
	taskPayloadFile string
	taskTags        string
	taskMaxNodes    int
	taskPriority    int
	taskSubmitter   string
	taskWait        time.Duration
	taskJSON        bool
	taskStatus      string
)

// taskCmd 是 task 子命令
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "提交和查询计算任务",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "提交任务",
	Example: `  # 提交矩阵乘法任务
  grid-engine task submit --type matmul --payload-file matmul.json

  # 直接传入 payload 并等待结果
  grid-engine task submit --type gradient --payload '{"x":[[1],[2]],"y":[1,2],"w":[0]}' --wait 30s

  # 只在 gpu 节点上运行，最多 4 个节点
  grid-engine task submit --type matmul --payload-file m.json --tags gpu --max-nodes 4`,
	Args: cobra.NoArgs,
	RunE: runTaskSubmit,
}

var taskStatusCmd = &cobra.Command{
	Use:     "status <task-id>",
	Short:   "查看任务状态",
	Example: `  grid-engine task status 6f1c... --wait 30s`,
	Args:    cobra.ExactArgs(1),
	RunE:    runTaskStatus,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "取消任务",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出任务",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskSubmitCmd, taskStatusCmd, taskCancelCmd, taskListCmd)

	submit := taskSubmitCmd.Flags()
	submit.StringVar(&taskType, "type", "", "任务类型 (matmul, gradient)")
	submit.StringVar(&taskPayload, "payload", "", "任务 payload（JSON）")
	submit.StringVar(&taskPayloadFile, "payload-file", "", "从文件读取 payload")
	submit.StringVar(&taskTags, "tags", "", "节点必须具备的能力标签，逗号分隔")
	submit.IntVar(&taskMaxNodes, "max-nodes", 0, "最多使用的节点数（0 表示不限）")
	submit.IntVar(&taskPriority, "priority", 0, "优先级，越大越先从等待队列调度")
	submit.StringVar(&taskSubmitter, "submitter", "", "提交者标识")
	submit.DurationVar(&taskWait, "wait", 0, "等待任务结束的最长时间")
	submit.BoolVar(&taskJSON, "json", false, "以 JSON 输出")
	_ = taskSubmitCmd.MarkFlagRequired("type")

	taskStatusCmd.Flags().DurationVar(&taskWait, "wait", 0, "等待任务结束的最长时间")
	taskStatusCmd.Flags().BoolVar(&taskJSON, "json", false, "以 JSON 输出")
	taskCancelCmd.Flags().BoolVar(&taskJSON, "json", false, "以 JSON 输出")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "按状态过滤")
	taskListCmd.Flags().BoolVar(&taskJSON, "json", false, "以 JSON 输出")
}

// newSubmitter 创建访问协调器的客户端，--server 优先于配置
func newSubmitter() (*client.Client, error) {
	cfg, err := loadConfig(nil)
	if err != nil {
		return nil, err
	}
	url := cfg.Worker.CoordinatorURL
	if serverURL != "" {
		url = serverURL
	}
	return client.New(&client.Config{
		CoordinatorURL: url,
		RequestTimeout: cfg.Server.CallTimeout,
	}, logger.Named("client")), nil
}

func readPayload() (json.RawMessage, error) {
	var data []byte
	switch {
	case taskPayloadFile != "":
		b, err := os.ReadFile(taskPayloadFile)
		if err != nil {
			return nil, fmt.Errorf("读取 payload 文件失败: %w", err)
		}
		data = b
	case taskPayload != "":
		data = []byte(taskPayload)
	default:
		return nil, errors.New("需要 --payload 或 --payload-file")
	}
	if !sonic.Valid(data) {
		return nil, errors.New("payload 不是合法的 JSON")
	}
	return data, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	payload, err := readPayload()
	if err != nil {
		return err
	}
	c, err := newSubmitter()
	if err != nil {
		return err
	}

	ctx := context.Background()
	submitted, err := c.SubmitTask(ctx, &types.SubmitRequest{
		Type:    taskType,
		Payload: payload,
		Requirements: types.Requirements{
			Tags:     splitList(taskTags),
			MaxNodes: taskMaxNodes,
		},
		Submitter: taskSubmitter,
		Priority:  taskPriority,
	})
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.TaskID != "" {
			return fmt.Errorf("任务 %s 提交失败: %s", apiErr.TaskID, apiErr.Message)
		}
		return fmt.Errorf("提交任务失败: %w", err)
	}

	if taskWait <= 0 {
		if taskJSON {
			return printJSON(submitted)
		}
		printSuccess("任务已提交: %s (%s)", submitted.TaskID, submitted.Status)
		return nil
	}

	view, err := c.GetTask(ctx, submitted.TaskID, taskWait)
	if err != nil {
		return fmt.Errorf("查询任务失败: %w", err)
	}
	return printTask(view)
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	c, err := newSubmitter()
	if err != nil {
		return err
	}
	view, err := c.GetTask(context.Background(), args[0], taskWait)
	if err != nil {
		return fmt.Errorf("查询任务失败: %w", err)
	}
	return printTask(view)
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	c, err := newSubmitter()
	if err != nil {
		return err
	}
	view, err := c.CancelTask(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("取消任务失败: %w", err)
	}
	return printTask(view)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	c, err := newSubmitter()
	if err != nil {
		return err
	}
	tasks, err := c.ListTasks(context.Background(), types.TaskStatus(taskStatus))
	if err != nil {
		return fmt.Errorf("查询任务失败: %w", err)
	}
	if taskJSON {
		return printJSON(tasks)
	}

	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		done := 0
		for _, st := range t.Subtasks {
			if st.Status == types.SubtaskStatusCompleted {
				done++
			}
		}
		rows = append(rows, []string{
			t.TaskID,
			t.Type,
			statusStyle(string(t.Status)).Render(string(t.Status)),
			fmt.Sprintf("%d/%d", done, len(t.Subtasks)),
			t.SubmittedAt.Format(time.DateTime),
		})
	}
	fmt.Println(renderTable([]string{"ID", "TYPE", "STATUS", "SUBTASKS", "SUBMITTED"}, rows))
	return nil
}

func printTask(view *types.TaskView) error {
	if taskJSON {
		return printJSON(view)
	}

	printTitle("任务 %s", view.TaskID)
	fmt.Printf("  类型: %s\n", view.Type)
	fmt.Printf("  状态: %s\n", statusStyle(string(view.Status)).Render(string(view.Status)))
	if view.Cancelled {
		fmt.Println("  已取消")
	}
	if view.Error != "" {
		fmt.Printf("  错误: %s\n", errorStyle.Render(view.Error))
	}
	if len(view.FailedSubtasks) > 0 {
		fmt.Printf("  失败子任务: %s\n", strings.Join(view.FailedSubtasks, ", "))
	}

	rows := make([][]string, 0, len(view.Subtasks))
	for _, st := range view.Subtasks {
		rows = append(rows, []string{
			st.ID,
			fmt.Sprintf("[%d, %d)", st.Start, st.End),
			statusStyle(string(st.Status)).Render(string(st.Status)),
			st.AssignedNodeID,
			fmt.Sprintf("%d", st.Reassignments),
		})
	}
	fmt.Println()
	fmt.Println(renderTable([]string{"SUBTASK", "RANGE", "STATUS", "NODE", "MOVES"}, rows))

	if len(view.Result) > 0 {
		fmt.Println()
		printTitle("结果")
		fmt.Println(string(view.Result))
	}
	return nil
}
