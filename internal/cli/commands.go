package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xelth-com/catalogsync/internal/dedupe"
	"github.com/xelth-com/catalogsync/internal/models"
	"github.com/xelth-com/catalogsync/internal/store"
	catsync "github.com/xelth-com/catalogsync/internal/sync"
)

// windowFlags mirror catsync.RunInput
type windowFlags struct {
	ids    []string
	limit  int
	offset int
	region string
}

func (f *windowFlags) bind(cmd *cobra.Command, withRegion bool) {
	cmd.Flags().StringSliceVar(&f.ids, "ids", nil, "catalog product ids (comma separated)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "window size (0 = configured batch size)")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "window offset")
	if withRegion {
		cmd.Flags().StringVar(&f.region, "region", "", "catalog region id")
	}
}

func (f *windowFlags) input() catsync.RunInput {
	return catsync.RunInput{ProductIDs: f.ids, Limit: f.limit, Offset: f.offset, RegionID: f.region}
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one product or price window",
	}

	var products windowFlags
	productsCmd := &cobra.Command{
		Use:   "products",
		Short: "Push catalog products and variants into Odoo",
		Example: `  catalogsync sync products --limit 50
  catalogsync sync products --ids prod_01,prod_02`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *Services) error {
				return runWindow(cmd, opts, svc, catsync.RunKindProducts, svc.Syncer.SyncBatch, products.input())
			})
		},
	}
	products.bind(productsCmd, false)

	var prices windowFlags
	pricesCmd := &cobra.Command{
		Use:   "prices",
		Short: "Push region prices into Odoo pricelists",
		Example: `  catalogsync sync prices --region reg_eu
  catalogsync sync prices --ids prod_01 --region reg_eu`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *Services) error {
				return runWindow(cmd, opts, svc, catsync.RunKindPrices, svc.Syncer.SyncPrices, prices.input())
			})
		},
	}
	prices.bind(pricesCmd, true)

	cmd.AddCommand(productsCmd, pricesCmd)
	return cmd
}

func runWindow(cmd *cobra.Command, opts *RootOptions, svc *Services, kind catsync.RunKind,
	run func(context.Context, catsync.RunInput) (*catsync.SyncResult, error), in catsync.RunInput) error {
	ctx := cmd.Context()
	started := time.Now()
	res, err := run(ctx, in)
	if err != nil {
		if !errors.Is(err, catsync.ErrInvalidInput) {
			record(ctx, svc, models.NewFailedRun(string(kind), string(catsync.TriggerManual), started, time.Now(), err))
		}
		return err
	}
	record(ctx, svc, res.Record(catsync.TriggerManual))
	if err := printJSON(cmd.OutOrStdout(), res, opts.Pretty); err != nil {
		return err
	}
	if res.ErrorCount > 0 {
		return fmt.Errorf("%s run %s finished with %d item errors", kind, res.RunID, res.ErrorCount)
	}
	return nil
}

func newDedupeCommand(opts *RootOptions) *cobra.Command {
	var (
		maxGroups int
		policy    string
	)
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Delete duplicate catalog products",
		Long: `Groups catalog products by handle, keeps one product per group as chosen
by the policy and deletes the rest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxGroups < 0 {
				return fmt.Errorf("--max-groups must be >= 0")
			}
			return withServices(cmd, opts, func(ctx context.Context, svc *Services) error {
				if svc.Reconciler == nil {
					return fmt.Errorf("duplicate reconciler not configured")
				}
				rec := svc.Reconciler
				if policy != "" {
					if svc.Policies == nil {
						return fmt.Errorf("%w: %s", dedupe.ErrUnknownPolicy, policy)
					}
					p, err := svc.Policies.Get(policy)
					if err != nil {
						return err
					}
					rec = rec.WithPolicy(p)
				}

				started := time.Now()
				res, err := rec.Reconcile(ctx, maxGroups)
				if err != nil {
					record(ctx, svc, models.NewFailedRun(dedupe.RunKind, string(catsync.TriggerManual), started, time.Now(), err))
					return err
				}
				record(ctx, svc, res.Record(string(catsync.TriggerManual)))
				return printJSON(cmd.OutOrStdout(), res, opts.Pretty)
			})
		},
	}
	cmd.Flags().IntVar(&maxGroups, "max-groups", 0, "groups to reconcile (0 = all)")
	cmd.Flags().StringVar(&policy, "policy", "", "which product to keep: keep-newest or keep-oldest")
	return cmd
}

func newSeedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Run the initial full pass unless it already completed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *Services) error {
				if svc.Seeder == nil {
					return fmt.Errorf("seeding not configured")
				}
				if err := svc.Seeder.Seed(ctx); err != nil {
					return err
				}
				if svc.State == nil {
					return printJSON(cmd.OutOrStdout(), map[string]bool{"seedCompleted": true}, opts.Pretty)
				}
				st, err := svc.State.Get(ctx, store.DefaultStateKey)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st, opts.Pretty)
			})
		},
	}
}

func newFieldsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "fields <model>",
		Short:   "Describe the fields of an Odoo model",
		Example: "  catalogsync fields product.template",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *Services) error {
				if svc.Fields == nil {
					return fmt.Errorf("field lookup not configured")
				}
				fields, err := svc.Fields.Fields(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"model":  args[0],
					"count":  len(fields),
					"fields": fields,
				}, opts.Pretty)
			})
		},
	}
}

func newRunsCommand(opts *RootOptions) *cobra.Command {
	var (
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *Services) error {
				if svc.Runs == nil {
					return fmt.Errorf("run history not configured")
				}
				runs, err := svc.Runs.List(ctx, kind, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), runs, opts.Pretty)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "products, prices or dedupe")
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to list")
	return cmd
}

func record(ctx context.Context, svc *Services, run *models.SyncRun) {
	if svc.Recorder != nil {
		svc.Recorder.Record(ctx, run)
	}
}

// ResetResult reports what reset cleared
type ResetResult struct {
	SeedReset       bool  `json:"seedReset"`
	PurgedChecksums int64 `json:"purgedChecksums"`
}

func newResetCommand(opts *RootOptions) *cobra.Command {
	var (
		seed       bool
		checksums  bool
		entityType string
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the seed marker or stored fingerprints",
		Long: `Clearing the seed marker makes the next start run the initial pass again.
Purging fingerprints makes the next sync push every purged entity to Odoo
even when its catalog content did not change.`,
		Example: `  catalogsync reset --seed
  catalogsync reset --checksums --type product`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !seed && !checksums {
				return fmt.Errorf("nothing to reset: pass --seed and/or --checksums")
			}
			return withServices(cmd, opts, func(ctx context.Context, svc *Services) error {
				var res ResetResult
				if seed {
					if svc.State == nil {
						return fmt.Errorf("state store not configured")
					}
					if err := svc.State.Reset(ctx, store.DefaultStateKey); err != nil {
						return err
					}
					res.SeedReset = true
				}
				if checksums {
					if svc.Checksums == nil {
						return fmt.Errorf("checksum store not configured")
					}
					n, err := svc.Checksums.Purge(ctx, entityType)
					if err != nil {
						return err
					}
					res.PurgedChecksums = n
				}
				return printJSON(cmd.OutOrStdout(), res, opts.Pretty)
			})
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "clear the seed marker")
	cmd.Flags().BoolVar(&checksums, "checksums", false, "purge stored fingerprints")
	cmd.Flags().StringVar(&entityType, "type", "", "only purge fingerprints of this entity type")
	return cmd
}
