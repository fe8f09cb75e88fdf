package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Dan9191/loans-finder/internal/app"
	"github.com/Dan9191/loans-finder/internal/changelog"
	"github.com/Dan9191/loans-finder/internal/config"
	"github.com/spf13/cobra"
)

func changelogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Inspect and repair change log consumers",
	}
	cmd.AddCommand(poisonCmd())
	cmd.AddCommand(skipCmd())
	return cmd
}

// openCheckpoints connects to the Postgres checkpoint tables named by DB_CONN
func openCheckpoints(ctx context.Context) (changelog.CheckpointStore, func() error, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, nil, fmt.Errorf("change log checkpoints are only persisted with STORE_DRIVER=%s", config.DriverPostgres)
	}
	db, err := app.OpenPostgres(ctx, cfg.DBConn)
	if err != nil {
		return nil, nil, err
	}
	return changelog.NewPostgresCheckpoints(db), db.Close, nil
}

func poisonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poison",
		Short: "List shards halted on a poison record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cps, closeFn, err := openCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return printPoison(cmd.Context(), cmd.OutOrStdout(), cps)
		},
	}
}

func printPoison(ctx context.Context, out io.Writer, cps changelog.CheckpointStore) error {
	records, err := cps.ListPoison(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No poison records")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONSUMER\tSHARD\tSEQ\tEVENT\tKEY\tATTEMPTS\tLAST FAILURE\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
			r.Consumer, r.Shard, r.Seq, r.EventName, r.Keys.String(), r.Attempts,
			r.LastFailedAt.Format(time.RFC3339), strings.ReplaceAll(r.Error, "\n", " "))
	}
	return w.Flush()
}

func skipCmd() *cobra.Command {
	var (
		consumer string
		shard    int
	)
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Advance a halted shard past its poison record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cps, closeFn, err := openCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			rec, err := changelog.SkipPoison(cmd.Context(), cps, consumer, shard)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Skipped record %d (%s) of %s shard %d\n", rec.Seq, rec.Keys.String(), consumer, shard)
			return nil
		},
	}
	cmd.Flags().StringVarP(&consumer, "consumer", "c", "", "Consumer name (raw-export, loan-cascade)")
	cmd.Flags().IntVarP(&shard, "shard", "s", 0, "Shard number")
	_ = cmd.MarkFlagRequired("consumer")
	return cmd
}
