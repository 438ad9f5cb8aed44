package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/AnshRaj112/hams-diary/internal/app"
	"github.com/AnshRaj112/hams-diary/internal/services"
)

// trashFlags override the configured retention and limits when set.
type trashFlags struct {
	retention time.Duration
	limit     int
}

func (f *trashFlags) register(cmd *cobra.Command, limitHelp string) {
	cmd.Flags().DurationVar(&f.retention, "retention", 0, "trash retention window (default TRASH_RETENTION)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, limitHelp)
}

func (f *trashFlags) resolve(a *app.App, defaultLimit int) (time.Duration, int) {
	retention, limit := f.retention, f.limit
	if retention <= 0 {
		retention = a.Config.TrashRetention
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return retention, limit
}

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &trashFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List owners with expired trash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.Open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			retention, limit := flags.resolve(a, a.Config.TrashScanLimit)
			report, err := a.Scanner.Scan(cmd.Context(), retention, limit)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts, report, func(w io.Writer) {
				writeScanReport(w, report)
			})
		},
	}
	flags.register(cmd, "maximum records scanned (default TRASH_SCAN_LIMIT)")
	return cmd
}

func writeScanReport(w io.Writer, report *services.ScanReport) {
	fmt.Fprintf(w, "cutoff %s\n", report.Cutoff.UTC().Format(time.RFC3339))
	if len(report.Owners) == 0 {
		fmt.Fprintln(w, "no expired trash")
		return
	}
	for _, o := range report.Owners {
		fmt.Fprintf(w, "%-36s %-24s %s\n", o.OwnerID, o.DisplayName, plural(o.Count, "record"))
	}
}

// NewPurgeCommand creates the purge command for one owner.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &trashFlags{}
	cmd := &cobra.Command{
		Use:   "purge <owner-id>",
		Short: "Purge one owner's expired trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.Open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			retention, limit := flags.resolve(a, a.Config.TrashOwnerLimit)
			res, purgeErr := a.Purge.PurgeExpired(cmd.Context(), args[0], retention, limit)
			if err := emit(cmd.OutOrStdout(), rootOpts, res, func(w io.Writer) {
				writePurgeResult(w, res)
			}); err != nil {
				return err
			}
			return purgeErr
		},
	}
	flags.register(cmd, "maximum records purged (default TRASH_OWNER_LIMIT)")
	return cmd
}

func writePurgeResult(w io.Writer, res services.PurgeResult) {
	fmt.Fprintf(w, "%s: deleted %s, %s (%d failed)\n",
		res.OwnerID, plural(res.DeletedCount, "record"), plural(res.BlobCount, "blob"), res.BlobFailures)
}

// NewPurgeAllCommand creates the purge-all command.
func NewPurgeAllCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &trashFlags{}
	var (
		owners      []string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "purge-all",
		Short: "Scan for expired trash and purge every owner found",
		Long: `Scan for expired trash and purge every owner found.

With --owner the scan is skipped and only the named owners are purged.
Interrupting the command stops owners that have not started yet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := rootOpts.Open(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			retention, limit := flags.resolve(a, a.Config.TrashOwnerLimit)
			targets := make([]services.PurgeTarget, 0, len(owners))
			for _, id := range owners {
				targets = append(targets, services.PurgeTarget{OwnerID: id})
			}
			if len(targets) == 0 {
				report, err := a.Scanner.Scan(ctx, retention, a.Config.TrashScanLimit)
				if err != nil {
					return err
				}
				for _, o := range report.Owners {
					targets = append(targets, services.PurgeTarget{OwnerID: o.OwnerID, Count: o.Count})
				}
			}

			opts := a.PurgeOptions()
			opts.Retention, opts.Limit = retention, limit
			if concurrency > 0 {
				opts.Concurrency = concurrency
			}
			out := cmd.OutOrStdout()
			if rootOpts.Format == "text" {
				opts.OnResult = func(o services.OwnerOutcome) {
					writeOutcome(out, o)
				}
			}

			batch := a.Purge.PurgeAll(ctx, targets, opts)
			if err := emit(out, rootOpts, batch, func(w io.Writer) {
				fmt.Fprintf(w, "done %d of %d owners\n", batch.Done, batch.Total)
			}); err != nil {
				return err
			}
			if failed := failedOwners(batch); failed > 0 {
				return fmt.Errorf("%s failed", plural(failed, "owner"))
			}
			return nil
		},
	}
	flags.register(cmd, "maximum records purged per owner (default TRASH_OWNER_LIMIT)")
	cmd.Flags().StringSliceVar(&owners, "owner", nil, "purge only these owners (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "owners purged at once (default PURGE_CONCURRENCY)")
	return cmd
}

func writeOutcome(w io.Writer, o services.OwnerOutcome) {
	if !o.OK {
		fmt.Fprintf(w, "%s: failed: %s\n", o.OwnerID, o.Error)
		return
	}
	writePurgeResult(w, services.PurgeResult{
		OwnerID:      o.OwnerID,
		DeletedCount: o.DeletedCount,
		BlobCount:    o.BlobCount,
		BlobFailures: o.BlobFailures,
	})
}

func failedOwners(batch *services.BatchResult) int {
	n := 0
	for _, r := range batch.Results {
		if !r.OK {
			n++
		}
	}
	return n
}
