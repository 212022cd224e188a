package agent

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/exchange-agent/internal/scheduler"
	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/pkg/config"
)

func newTestRoot() *cobra.Command {
	root := &cobra.Command{Use: "exchange-agent", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().StringP("config", "c", "", "")
	initServerFlags(root)
	initExchangeFlags(root)
	initMonitorFlags(root)
	initLogFlags(root)
	root.AddCommand(newQueueCmd(), newConfigCmd(), newVersionCmd())
	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newTestRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log.path", t.TempDir()))
	err := root.Execute()
	return out.String(), err
}

func seedQueue(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	q, err := store.Open(store.Options{Dir: dir, SegmentMaxBytes: 1 << 20, Logger: zap.NewNop()})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := q.Append(store.Message{Type: "test", Payload: []byte(`{"n":1}`)})
		require.NoError(t, err)
	}
	require.NoError(t, q.Acknowledge(1))
	require.NoError(t, q.Close())
	return dir
}

func TestQueueCount(t *testing.T) {
	dir := seedQueue(t, 3)
	out, err := execute(t, "queue", "count", "--exchange.queue_dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
}

func TestQueueListJSON(t *testing.T) {
	dir := seedQueue(t, 3)
	out, err := execute(t, "queue", "list", "--json", "--limit", "1", "--exchange.queue_dir", dir)
	require.NoError(t, err)

	var got []listedMessage
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Sequence)
	assert.JSONEq(t, `{"n":1}`, string(got[0].Payload))
}

func TestQueueListTable(t *testing.T) {
	dir := seedQueue(t, 2)
	out, err := execute(t, "queue", "list", "--exchange.queue_dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "pending=1")
	assert.Contains(t, out, "SEQUENCE")
	assert.Contains(t, out, "test")
}

func TestConfigCommandRendersEffectiveConfig(t *testing.T) {
	out, err := execute(t, "config", "--exchange.regular_interval", "30m", "--monitor.producers.cpu.per_core")
	require.NoError(t, err)

	var got config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, 30*time.Minute, got.Exchange.RegularInterval)
	assert.True(t, got.Monitor.Producers.CPU.PerCore)
	assert.Equal(t, config.NewDefaultConfig().Exchange.URL, got.Exchange.URL)
}

func TestConfigCommandRejectsInvalidFlags(t *testing.T) {
	_, err := execute(t, "config", "--exchange.urgent_interval", "1h", "--exchange.regular_interval", "10m")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version "+Version)
}

func TestApplyReloadUpdatesIntervals(t *testing.T) {
	current := config.NewDefaultConfig()
	sched := scheduler.New(&current.Exchange, clockwork.NewFakeClock())

	next := config.NewDefaultConfig()
	next.Exchange.UrgentInterval = 5 * time.Second
	next.Exchange.RegularInterval = 20 * time.Minute
	applyReload(zap.NewNop(), sched, current, next)

	urgent, regular := sched.Intervals()
	assert.Equal(t, 5*time.Second, urgent)
	assert.Equal(t, 20*time.Minute, regular)
	assert.False(t, restartNeeded(current, next))

	next.Server.Addr = "127.0.0.1:9999"
	assert.True(t, restartNeeded(current, next))
}
