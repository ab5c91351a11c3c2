package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newQueueCommand returns the "queue" command group used by operators to
// manage queues without going through the HTTP API.
func newQueueCommand(eng *engine) *cobra.Command {
	command := &cobra.Command{
		Use:   "queue",
		Short: "Manage stand queues",
	}

	command.AddCommand(
		newQueueCreateCommand(eng),
		newQueueListCommand(eng),
		newQueueRebuildCommand(eng),
	)
	return command
}

func newQueueCreateCommand(eng *engine) *cobra.Command {
	var name string
	var prior float64

	command := &cobra.Command{
		Use:   "create",
		Short: "Create a queue",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			q, err := eng.queueService.CreateQueue(c.Context(), name, prior)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "created queue %d (%s)\n", q.ID, q.Name)
			return nil
		},
	}

	command.Flags().StringVar(&name, "name", "", "queue name")
	command.Flags().Float64Var(&prior, "prior", 0, "prior minutes per person, 0 uses DEFAULT_PRIOR_MINUTES")
	_ = command.MarkFlagRequired("name")
	return command
}

func newQueueListCommand(eng *engine) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queues",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			queues, err := eng.queueService.ListQueues(c.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPRIOR\tCREATED")
			for _, q := range queues {
				fmt.Fprintf(w, "%d\t%s\t%g\t%s\n", q.ID, q.Name, q.PriorMinutes, q.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newQueueRebuildCommand(eng *engine) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <queue-id>",
		Short: "Replace the fast-store line of a queue with the ledger order",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			queueID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || queueID <= 0 {
				return fmt.Errorf("invalid queue id %q", args[0])
			}

			n, err := eng.queueService.Rebuild(c.Context(), queueID)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "rebuilt queue %d with %d waiting\n", queueID, n)
			return nil
		},
	}
}
