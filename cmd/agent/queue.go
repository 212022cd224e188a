package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/pkg/config"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the persisted message queue (read-only, safe while the agent runs)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print the number of pending messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(q *store.Store) error {
				st := q.Stats()
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d\n", st.Pending)
				return err
			})
		},
	})

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending messages in sequence order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")
			return withQueue(cmd, func(q *store.Store) error {
				batch, err := q.Snapshot(limit, 0)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), batch.Messages)
				}
				return printTable(cmd.OutOrStdout(), q.Stats(), batch)
			})
		},
	}
	list.Flags().Int("limit", 100, "maximum messages to list (0 lists all)")
	list.Flags().Bool("json", false, "print messages as JSON")
	cmd.AddCommand(list)
	return cmd
}

func withQueue(cmd *cobra.Command, fn func(q *store.Store) error) error {
	cfg, err := config.LoadConfigWithCli(cmd)
	if err != nil {
		return err
	}
	opts := store.OptionsFrom(&cfg.Exchange)
	opts.ReadOnly = true
	q, err := store.Open(opts)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()
	return fn(q)
}

func printTable(w io.Writer, st store.Stats, batch store.Batch) error {
	fmt.Fprintf(w, "pending=%d bytes=%d acked_through=%d next_sequence=%d server_offset=%d segments=%d\n\n",
		st.Pending, st.PendingBytes, st.AckedThrough, st.NextSequence, st.ServerOffset, st.Segments)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQUENCE\tTYPE\tTIMESTAMP\tBYTES")
	for _, m := range batch.Messages {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", m.Sequence, m.Type, m.Timestamp.Format(time.RFC3339), len(m.Payload))
	}
	return tw.Flush()
}

type listedMessage struct {
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func printJSON(w io.Writer, msgs []store.Message) error {
	out := make([]listedMessage, 0, len(msgs))
	for _, m := range msgs {
		payload := json.RawMessage(m.Payload)
		if !json.Valid(payload) {
			quoted, _ := json.Marshal(string(m.Payload))
			payload = quoted
		}
		out = append(out, listedMessage{Sequence: m.Sequence, Type: m.Type, Timestamp: m.Timestamp, Payload: payload})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
