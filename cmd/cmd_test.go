package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/internal/coordinator"
	"yqhp/grid-engine/pkg/types"
)

func TestCommandTree(t *testing.T) {
	root := GetRootCmd()
	for _, path := range [][]string{
		{"coordinator", "start"},
		{"worker", "start"},
		{"task", "submit"},
		{"task", "status"},
		{"task", "cancel"},
		{"task", "list"},
		{"nodes", "list"},
		{"stats"},
		{"mirror", "tail"},
	} {
		found, _, err := root.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], found.Name())
	}
}

func TestSubmitRequiresType(t *testing.T) {
	flag := taskSubmitCmd.Flags().Lookup("type")
	require.NotNil(t, flag)
	assert.Equal(t, []string{"true"}, flag.Annotations[cobra.BashCompOneRequiredFlag])
}

func TestStandaloneFlags(t *testing.T) {
	flags := coordinatorStartCmd.Flags()
	standalone := flags.Lookup("standalone")
	require.NotNil(t, standalone)
	assert.Equal(t, "false", standalone.DefValue)
	workers := flags.Lookup("workers")
	require.NotNil(t, workers)
	assert.Equal(t, "2", workers.DefValue)
}

func TestLocalWorkersServeCoordinator(t *testing.T) {
	local := channel.NewMemory(zap.NewNop())
	defer local.Close()
	coord := coordinator.New(config.CoordinatorConfig{
		HeartbeatInterval:    time.Hour,
		ProbeTimeout:         time.Second,
		MissedProbeThreshold: 3,
		SubtaskTimeout:       time.Hour,
		MaxReassignments:     3,
		DispatchRetries:      2,
		DispatchBackoff:      time.Millisecond,
		MinGranularity:       1,
		SweepInterval:        time.Hour,
		RetainFinished:       time.Hour,
	}, nil, local, nil, nil, zap.NewNop())
	require.NoError(t, coord.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	}()

	ctx, stop := context.WithCancel(context.Background())
	workers := startLocalWorkers(ctx, config.WorkerConfig{
		Weight:            1,
		Concurrency:       2,
		RequestTimeout:    time.Second,
		ReconnectInterval: 10 * time.Millisecond,
	}, local, 2)

	require.Eventually(t, func() bool {
		_ = coord.Monitor().ProbeAll(context.Background())
		alive := 0
		for _, n := range coord.Nodes() {
			if n.Status == types.NodeStatusAlive {
				alive++
			}
		}
		return alive == 2
	}, 5*time.Second, 20*time.Millisecond)

	taskID, err := coord.Submit(context.Background(), types.SubmitRequest{
		Type:    "matmul",
		Payload: []byte(`{"a":[[1,2],[3,4]],"b":[[0,1],[1,0]]}`),
	})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := coord.Wait(waitCtx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, view.Status)
	assert.JSONEq(t, `{"c":[[2,1],[4,3]]}`, string(view.Result))

	stop()
	workers.Wait()
	assert.Eventually(t, func() bool { return len(coord.Nodes()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"gpu", "matmul"}, splitList(" gpu, ,matmul ,"))
	assert.Nil(t, splitList(""))
}

func TestReadPayload(t *testing.T) {
	defer func() { taskPayload, taskPayloadFile = "", "" }()

	_, err := readPayload()
	assert.Error(t, err)

	taskPayload = `{"a":[[1]],"b":[[2]]}`
	data, err := readPayload()
	require.NoError(t, err)
	assert.JSONEq(t, taskPayload, string(data))

	taskPayload = `{"a":`
	_, err = readPayload()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"x":[[1]],"y":[1],"w":[0]}`), 0o644))
	taskPayload, taskPayloadFile = "", path
	data, err = readPayload()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"w":[0]`)
}

func TestRenderTableAlignsColumns(t *testing.T) {
	out := renderTable([]string{"ID", "STATUS"}, [][]string{
		{"node-long-id", "alive"},
		{"n2", "dead"},
	})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	width := lipgloss.Width(lines[0])
	for _, line := range lines[1:] {
		assert.Equal(t, width, lipgloss.Width(line))
	}
}
