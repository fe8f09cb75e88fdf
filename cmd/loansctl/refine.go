package main

import (
	"fmt"

	"github.com/Dan9191/loans-finder/internal/app"
	"github.com/Dan9191/loans-finder/internal/config"
	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/queue"
	"github.com/Dan9191/loans-finder/internal/trigger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func refineCmd() *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "refine",
		Short: "Enqueue a refinement trigger for a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required")
			}
			if table == "" {
				table = cfg.RefinedTableCode
			}
			rc, err := app.OpenRedis(cmd.Context(), cfg.RedisURL)
			if err != nil {
				return err
			}
			defer rc.Close()

			log := logrus.New()
			log.SetFormatter(&logrus.JSONFormatter{})
			q := queue.NewRedisQueue(rc, app.TriggerQueueName, queue.Options{
				DeliveryDelay:     cfg.QueueDeliveryDelay,
				DedupWindow:       cfg.QueueDedupWindow,
				VisibilityTimeout: cfg.QueueVisibilityTimeout,
			}, metrics.NewNop())
			if err := trigger.NewNotifier(q, log).Notify(cmd.Context(), table); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refinement of %s enqueued, runs after %s\n", table, cfg.QueueDeliveryDelay)
			return nil
		},
	}
	cmd.Flags().StringVarP(&table, "table", "t", "", "Table code (defaults to REFINED_TABLE_CODE)")
	return cmd
}
