package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCaptureCmd creates the 'capture' subcommand, which mirrors each URL
// argument in turn without going through the queue.
func newCaptureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture <url> [url...]",
		Short: "Capture one or more pages into the output directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app App) error {
				failures := 0
				for _, rawURL := range args {
					res, err := app.Capture(cmd.Context(), rawURL)
					if err != nil {
						failures++
						app.Logger().Error("capture failed", zap.String("url", rawURL), zap.Error(err))
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", rawURL, err)
						continue
					}
					assets, downloaded, failed := res.Manifest.Totals()
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tassets=%d downloaded=%d failed=%d\n",
						rawURL, res.Folder, assets, downloaded, failed)
				}
				if failures > 0 {
					return fmt.Errorf("%d of %d captures failed", failures, len(args))
				}
				return nil
			})
		},
	}
}
