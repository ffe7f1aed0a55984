package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/xiaopang/npcforge/internal/core"
	"github.com/xiaopang/npcforge/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage [model...]",
	Short: "Show this month's generation usage",
	Long: `Show generation counts for the current calendar month.

Without arguments every model named in the config is listed.`,
	RunE: runUsage,
}

var usageResetCmd = &cobra.Command{
	Use:   "reset <model>",
	Short: "Reset a model's usage for the current month",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsageReset,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Manage request logs",
}

var logsCleanDays int

var logsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete request logs older than the retention period",
	RunE:  runLogsClean,
}

func init() {
	usageCmd.AddCommand(usageResetCmd)
	rootCmd.AddCommand(usageCmd)

	logsCleanCmd.Flags().IntVar(&logsCleanDays, "days", 0, "保留天数，0 使用配置值")
	logsCmd.AddCommand(logsCleanCmd)
	rootCmd.AddCommand(logsCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	tracker := usage.NewTracker(db, usage.WithKeyPrefix(cfg.Usage.KeyPrefix))
	models := args
	if len(models) == 0 {
		models = cfg.TrackedModels()
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tPERIOD\tCOUNT\tLIMIT\tREMAINING\tREACHED")
	for _, m := range models {
		st := tracker.Status(m, cfg.LimitFor(m))
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%t\n", st.Model, st.PeriodKey, st.Count, st.Limit, st.Remaining, st.Reached)
	}
	return w.Flush()
}

func runUsageReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	tracker := usage.NewTracker(db, usage.WithKeyPrefix(cfg.Usage.KeyPrefix))
	rec := tracker.Reset(args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "usage for %s reset (period %s)\n", args[0], rec.PeriodKey)
	return nil
}

func runLogsClean(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	days := cfg.Logging.RetentionDays
	if logsCleanDays > 0 {
		days = logsCleanDays
	}
	if days <= 0 {
		fmt.Fprintln(os.Stderr, "retention disabled, nothing to clean")
		return nil
	}

	deleted, err := core.NewRetentionScheduler(db, "", days).RunOnce()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d request logs older than %d days\n", deleted, days)
	return nil
}
