package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mdvr/internal/upload"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload materials to the depot FTP server",
	Long: `Uploads every material in the store, oldest first, to
<car_name>/<dd-mm-YYYY>/ on the configured FTP server. A remote file with the
same name is replaced and each local file is removed once stored.`,
	RunE: runUploadCommand,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUploadCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	if cfg.FTP.Server == "" {
		return fmt.Errorf("ftp.server is not configured")
	}

	ctx, stop := signalContext()
	defer stop()

	dial := upload.FTPDialer(cfg.FTPAddress(), cfg.FTP.User, cfg.FTP.Password, time.Duration(cfg.FTP.Timeout)*time.Second)
	uploader := upload.New(cfg.Paths.MaterialsDir, cfg.FTP.CarName, dial, upload.WithLogger(logger))

	result, err := uploader.Run(ctx)
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d of %d materials failed to upload", len(result.Failed), len(result.Failed)+len(result.Uploaded))
	}
	return nil
}
