package cmd

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/lipgloss"

	"yqhp/grid-engine/pkg/types"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F45E6E"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EF4A1"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EC4F4"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F4C86E"))
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
)

func printTitle(format string, a ...any) {
	fmt.Println(titleStyle.Render(fmt.Sprintf(format, a...)))
}

func printSuccess(format string, a ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, a...)))
}

func printInfo(format string, a ...any) {
	fmt.Println(infoStyle.Render(fmt.Sprintf(format, a...)))
}

func printError(format string, a ...any) {
	fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf(format, a...)))
}

// printJSON 以缩进 JSON 输出 v
func printJSON(v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// statusStyle 为节点和任务状态着色
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(types.NodeStatusAlive), string(types.TaskStatusCompleted):
		return successStyle
	case string(types.NodeStatusSuspect), string(types.TaskStatusPending), string(types.TaskStatusPartitioned):
		return warnStyle
	case string(types.NodeStatusDead), string(types.TaskStatusFailed):
		return errorStyle
	default:
		return infoStyle
	}
}

// renderTable 按列宽对齐输出表格，表头加粗
func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = cellStyle.Width(widths[i] + 2).Render(style.Render(cell))
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	}

	out := line(header, titleStyle)
	for _, row := range rows {
		out += "\n" + line(row, lipgloss.NewStyle())
	}
	return out
}
