package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tallyworks/flowline/internal/stream"
)

var tenant string

func main() {
	root := &cobra.Command{
		Use:          "flowline-dlq",
		Short:        "Inspect and reprocess dead-lettered stream messages",
		SilenceUsage: false,
	}
	root.PersistentFlags().StringVar(&tenant, "tenant", "default", "tenant the execution belongs to")
	root.AddCommand(listCmd(), viewCmd(), reprocessCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openClient(ctx context.Context) (*stream.Client, error) {
	return stream.Open(ctx)
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <executionId> [count]",
		Short: "List dead-lettered messages for an execution",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := int64(100)
			if len(args) == 2 {
				n, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil || n < 1 {
					return fmt.Errorf("count must be a positive integer, got %q", args[1])
				}
				count = n
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			client, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := client.ListDLQ(ctx, tenant, args[0], count)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no dead-lettered messages")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tORIGIN ID\tMOVED AT\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.OriginID, e.MovedAt.Format(time.RFC3339), e.Error)
			}
			return w.Flush()
		},
	}
}

func viewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view <executionId> <messageId>",
		Short: "Show one dead-lettered message in full",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			client, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			entry, err := client.ViewDLQ(ctx, tenant, args[0], args[1])
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("no dead-lettered message %q for execution %q", args[1], args[0])
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entry)
		},
	}
}

func reprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <executionId> <messageId>",
		Short: "Re-inject a dead-lettered message at the tail of its origin stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			client, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			moved, err := client.ReprocessDLQ(ctx, tenant, args[0], args[1])
			if err != nil {
				return err
			}
			if !moved {
				return fmt.Errorf("no dead-lettered message %q for execution %q", args[1], args[0])
			}
			fmt.Printf("reprocessed %s, it will be delivered after any messages already queued\n", args[1])
			return nil
		},
	}
}
