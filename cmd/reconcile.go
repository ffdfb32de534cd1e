package main

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mdvr/internal/storage"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Move finished captures and trim the materials store",
	Long: `Moves everything in the temp directory into the materials store, then
deletes the oldest materials until the store fits size_folder_limit_gb.`,
	RunE: runReconcileCommand,
}

var reconcileSkipMove bool

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileSkipMove, "skip-move", false, "only enforce the size limit")

	rootCmd.AddCommand(reconcileCmd)
}

func runReconcileCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	reconciler := storage.NewReconciler(storage.WithLogger(logger))

	if !reconcileSkipMove {
		moved, err := reconciler.MovePending(cfg.Paths.TempDir, cfg.Paths.MaterialsDir)
		if err != nil {
			logger.WithError(err).Warn("Some pending captures could not be moved")
		}
		logger.WithField("moved", len(moved)).Info("Moved pending captures")
	}

	result, err := reconciler.Reconcile(cfg.Paths.MaterialsDir, cfg.ByteLimit())
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"before":     humanize.Bytes(uint64(result.Before)),
		"after":      humanize.Bytes(uint64(result.After)),
		"limit":      humanize.Bytes(uint64(cfg.ByteLimit())),
		"deleted":    len(result.Deleted),
		"skipped":    len(result.Skipped),
		"over_limit": result.OverLimit,
	}).Info("Materials store reconciled")
	return nil
}
