package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trajcache/trajcache/internal/config"
	"github.com/trajcache/trajcache/internal/migration"
	"github.com/trajcache/trajcache/internal/service"
	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/utils"
)

// cli holds the flags shared by every command
type cli struct {
	configPath string
	repair     bool
	from, to   int
	dryRun     bool
	version    int
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "trajcache",
		Short:         "trajcache - self-tuning cache for trajectory results",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background maintenance and the metrics endpoint until interrupted",
		RunE:  c.runServe,
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Sweep the persistent store for damaged records",
		RunE:  c.runVerify,
	}
	verifyCmd.Flags().BoolVar(&c.repair, "repair", false, "Restore damaged records from their version history")

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Remove expired records from the persistent store",
		RunE:  c.runCompact,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate every record between schema versions",
		RunE:  c.runMigrate,
	}
	migrateCmd.Flags().IntVar(&c.from, "from", 0, "Current schema version")
	migrateCmd.Flags().IntVar(&c.to, "to", 0, "Target schema version")
	migrateCmd.Flags().BoolVar(&c.dryRun, "dry-run", false, "Print the plan without executing it")
	_ = migrateCmd.MarkFlagRequired("from")
	_ = migrateCmd.MarkFlagRequired("to")

	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect and revert record versions",
	}
	listCmd := &cobra.Command{
		Use:   "list KEY",
		Short: "List the versions of a key",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runVersionsList,
	}
	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Write one version of a key to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runVersionsGet,
	}
	getCmd.Flags().IntVar(&c.version, "version", 0, "Version to read (0 for the latest)")
	revertCmd := &cobra.Command{
		Use:   "revert KEY VERSION",
		Short: "Make a historical version the live record",
		Args:  cobra.ExactArgs(2),
		RunE:  c.runVersionsRevert,
	}
	versionsCmd.AddCommand(listCmd, getCmd, revertCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print statistics of every tier",
		RunE:  c.runStats,
	}

	rootCmd.AddCommand(serveCmd, verifyCmd, compactCmd, migrateCmd, versionsCmd, statsCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := errors.Hint(err); hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file and TRAJCACHE_* variables
func (c *cli) loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if c.configPath != "" {
		if err := cfg.LoadFromFile(c.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) open(ctx context.Context, registry *migration.Registry) (*service.Service, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	comps, err := cfg.Derive()
	if err != nil {
		return nil, err
	}
	return service.New(ctx, comps, service.Options{
		Registry: registry,
		Logger:   logger,
	})
}

func (c *cli) runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (c *cli) runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.Verify(ctx, c.repair)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if result.Report.Error != "" {
		return fmt.Errorf("integrity sweep failed: %s", result.Report.Error)
	}
	return nil
}

func (c *cli) runCompact(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.Compact(ctx)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func (c *cli) runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	registry, err := identityRegistry(c.from, c.to)
	if err != nil {
		return err
	}
	svc, err := c.open(ctx, registry)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.Migrate(ctx, c.from, c.to, c.dryRun)
	if result.Plan != nil {
		if werr := writeJSON(cmd.OutOrStdout(), result); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		return err
	}
	if result.Result != nil && !result.Result.Success {
		return fmt.Errorf("migration %s finished with %d invalid records", result.Plan.ID, result.Result.InvalidItems)
	}
	return nil
}

// identityRegistry connects every adjacent schema pair between from and to without
// rewriting values. Stored trajectories are opaque to the CLI.
func identityRegistry(from, to int) (*migration.Registry, error) {
	registry := migration.NewRegistry()
	step := 1
	if to < from {
		step = -1
	}
	for v := from; v != to && v > 0 && v+step > 0; v += step {
		if err := registry.Register(v, v+step, migration.IdentityTransformer{}); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (c *cli) runVersionsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	infos, err := svc.ListVersions(ctx, args[0])
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), infos)
}

func (c *cli) runVersionsGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	data, _, err := svc.GetVersion(ctx, args[0], c.version)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func (c *cli) runVersionsRevert(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[1])
	if err != nil || version <= 0 {
		return fmt.Errorf("invalid version %q", args[1])
	}

	ctx := cmd.Context()
	svc, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	info, err := svc.RevertVersion(ctx, args[0], version)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), info)
}

func (c *cli) runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	stats := svc.Stats()
	return writeJSON(cmd.OutOrStdout(), struct {
		service.Stats
		Capacity string `json:"capacity_human"`
		Disk     string `json:"disk_human"`
	}{
		Stats:    stats,
		Capacity: utils.FormatBytes(stats.Cache.Capacity),
		Disk:     utils.FormatBytes(stats.Storage.UsedBytes),
	})
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
