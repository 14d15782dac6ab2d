package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelnorm/internal/queue"
)

var (
	enqueueDryRun     bool
	enqueueWebhookURL string
	enqueueSets       []string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <asset-id>...",
	Short: "Queue stored assets for the worker to normalize",
	Long: `Queue one normalize run per asset id. An asset that already has a run
waiting or in progress is reported and left alone. --set overrides travel
with the task and apply on top of every rule the worker resolves.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().BoolVarP(&enqueueDryRun, "dry-run", "n", false, "ask the worker to report without writing")
	enqueueCmd.Flags().StringVar(&enqueueWebhookURL, "webhook-url", "", "endpoint notified when the run finishes")
	enqueueCmd.Flags().StringArrayVar(&enqueueSets, "set", nil, "override a policy setting (key=value, repeatable)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := getContext(cmd)

	adhoc, err := parseSets(enqueueSets)
	if err != nil {
		return err
	}

	client := queue.NewClient(appConfig.Queue.RedisClientOpt(), appConfig.Queue.Name)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("queue client close failed", "err", err)
		}
	}()

	out := cmd.OutOrStdout()
	var failed int
	for _, id := range args {
		info, err := client.EnqueueNormalize(ctx, queue.NormalizeAssetPayload{
			AssetID:    id,
			Overrides:  adhoc.AsMap(),
			DryRun:     enqueueDryRun,
			WebhookURL: enqueueWebhookURL,
		})
		switch {
		case errors.Is(err, queue.ErrAlreadyQueued):
			fmt.Fprintf(out, "already queued  %s\n", id)
		case err != nil:
			failed++
			logger.Error("enqueue failed", "asset_id", id, "err", err)
		default:
			fmt.Fprintf(out, "queued          %s (task %s, queue %s)\n", id, info.ID, info.Queue)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d assets could not be queued", failed, len(args))
	}
	return nil
}
