package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/switchboard/internal/client"
	"github.com/alfredjeanlab/switchboard/internal/model"
	"github.com/alfredjeanlab/switchboard/internal/ui"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var tailCmd = &cobra.Command{
	Use:     "tail",
	Short:   "Stream live events for the token's user over SSE",
	GroupID: "events",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resources, _ := cmd.Flags().GetStringSlice("resource")
		types, _ := cmd.Flags().GetStringSlice("type")

		ctx, cancel := signalContext()
		defer cancel()

		return eventsClient.Stream(ctx, func(ev *client.StreamEvent) error {
			env, err := ev.Envelope()
			if err != nil {
				return fmt.Errorf("decoding event: %w", err)
			}
			if !matchTail(env, resources, types) {
				return nil
			}
			if jsonOutput {
				data, _ := json.Marshal(env)
				fmt.Println(string(data))
			} else {
				fmt.Println(ui.FormatEnvelope(env))
			}
			return nil
		})
	},
}

// matchTail reports whether env passes the --resource and --type filters.
// Empty filters match everything.
func matchTail(env *model.Envelope, resources, types []string) bool {
	if len(resources) > 0 && !slices.Contains(resources, env.ResourceID) {
		return false
	}
	if len(types) > 0 && !slices.Contains(types, env.Type) {
		return false
	}
	return true
}

var seqCmd = &cobra.Command{
	Use:     "seq <resource-id>...",
	Short:   "Show the current sequence of one or more resources",
	GroupID: "events",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		if len(args) == 1 {
			seq, err := eventsClient.Sequence(ctx, args[0])
			if err != nil {
				return fmt.Errorf("getting sequence: %w", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"resource_id": args[0], "sequence": seq})
			} else {
				fmt.Printf("%s\t%d\n", ui.RenderResource(args[0]), seq)
			}
			return nil
		}

		seqs, err := eventsClient.Sequences(ctx, args)
		if err != nil {
			return fmt.Errorf("getting sequences: %w", err)
		}
		if jsonOutput {
			printJSON(map[string]any{"sequences": seqs})
			return nil
		}
		ids := make([]string, 0, len(seqs))
		for id := range seqs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("%s\t%d\n", ui.RenderResource(id), seqs[id])
		}
		return nil
	},
}

var resyncCmd = &cobra.Command{
	Use:     "resync <resource-id>",
	Short:   "Fetch logged events after a sequence",
	GroupID: "events",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")

		ctx := context.Background()
		for {
			page, err := eventsClient.Resync(ctx, args[0], after, limit)
			if err != nil {
				return fmt.Errorf("resync: %w", err)
			}
			if jsonOutput {
				printJSON(page)
			} else {
				fmt.Print(ui.FormatPage(page))
			}
			if !all || !page.HasMore || len(page.Events) == 0 {
				return nil
			}
			after = page.Last()
		}
	},
}

var publishCmd = &cobra.Command{
	Use:     "publish <resource-id> <type> [payload-json]",
	Short:   "Publish an event through the service endpoint",
	GroupID: "events",
	Args:    cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		actorID, _ := cmd.Flags().GetString("actor")
		payload := json.RawMessage(`{}`)
		if len(args) == 3 {
			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			payload = json.RawMessage(args[2])
		}

		env, err := eventsClient.Publish(context.Background(), &client.PublishRequest{
			Type:       args[1],
			ActorID:    actorID,
			ResourceID: args[0],
			Payload:    payload,
		})
		if err != nil {
			return fmt.Errorf("publishing: %w", err)
		}
		if jsonOutput {
			printJSON(env)
		} else {
			fmt.Println(ui.FormatEnvelope(env))
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().StringSlice("resource", nil, "only show these resource ids")
	tailCmd.Flags().StringSlice("type", nil, "only show these event types")

	resyncCmd.Flags().Int64("after", 0, "last sequence already seen")
	resyncCmd.Flags().Int("limit", 0, "page size (server caps it)")
	resyncCmd.Flags().Bool("all", false, "follow has_more until the log is exhausted")

	publishCmd.Flags().String("actor", "", "actor user id")
}
