// Package cli implements the catalogsync command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xelth-com/catalogsync/internal/buildinfo"
	"github.com/xelth-com/catalogsync/internal/dedupe"
	"github.com/xelth-com/catalogsync/internal/models"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
	catsync "github.com/xelth-com/catalogsync/internal/sync"
)

// Syncer runs product and price windows
type Syncer interface {
	SyncBatch(ctx context.Context, in catsync.RunInput) (*catsync.SyncResult, error)
	SyncPrices(ctx context.Context, in catsync.RunInput) (*catsync.SyncResult, error)
}

// Seeder runs the one-time initial pass
type Seeder interface {
	Seed(ctx context.Context) error
}

// StateStore reads and clears the persisted progress marker
type StateStore interface {
	Get(ctx context.Context, key string) (*models.SyncState, error)
	Reset(ctx context.Context, key string) error
}

// ChecksumPurger drops stored fingerprints
type ChecksumPurger interface {
	Purge(ctx context.Context, entityType string) (int64, error)
}

// Recorder keeps run history
type Recorder interface {
	Record(ctx context.Context, run *models.SyncRun)
}

// RunLister lists recorded runs
type RunLister interface {
	List(ctx context.Context, kind string, limit int) ([]models.SyncRun, error)
}

// FieldLister describes ERP models
type FieldLister interface {
	Fields(ctx context.Context, model string) (map[string]odoo.FieldInfo, error)
}

// Services is what the commands operate on. Close is optional.
type Services struct {
	Syncer     Syncer
	Reconciler *dedupe.Reconciler
	Policies   *dedupe.PolicyRegistry
	Seeder     Seeder
	State      StateStore
	Checksums  ChecksumPurger
	Recorder   Recorder
	Runs       RunLister
	Fields     FieldLister
	Close      func()
}

// Loader builds the services for one command invocation
type Loader func(ctx context.Context, opts *RootOptions) (*Services, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	LogLevel string
	Pretty   bool

	load Loader
}

// NewRootCommand creates the root command. load is called lazily, so help
// and flag errors never touch the network or the database.
func NewRootCommand(load Loader) *cobra.Command {
	opts := &RootOptions{load: load}

	cmd := &cobra.Command{
		Use:   "catalogsync",
		Short: "Synchronise a commerce catalog into Odoo",
		Long: `catalogsync pushes catalog products, variants and prices into an Odoo ERP
and removes duplicate catalog products.

Every command prints its result as JSON on stdout; logs go to stderr.`,
		Version:       buildinfo.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	cmd.PersistentFlags().BoolVar(&opts.Pretty, "pretty", false, "indent JSON output")

	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newDedupeCommand(opts))
	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newFieldsCommand(opts))
	cmd.AddCommand(newRunsCommand(opts))
	cmd.AddCommand(newResetCommand(opts))

	return cmd
}

// withServices loads the services, runs fn and releases them
func withServices(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, svc *Services) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.load == nil {
		return fmt.Errorf("no service loader configured")
	}
	svc, err := opts.load(ctx, opts)
	if err != nil {
		return err
	}
	if svc.Close != nil {
		defer svc.Close()
	}
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v interface{}, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
