package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitemirror/internal/storage/local"
)

func openLibrary(cmd *cobra.Command) (*local.Library, error) {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	root, err := cfg.OutputRoot()
	if err != nil {
		return nil, err
	}
	lib, err := local.NewLibrary(local.Config{BaseDir: root})
	if err != nil {
		return nil, fmt.Errorf("open capture library: %w", err)
	}
	return lib, nil
}

// newListCmd creates the 'list' subcommand, printing captures newest first.
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List finished captures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lib, err := openLibrary(cmd)
			if err != nil {
				return err
			}
			manifests, err := lib.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FOLDER\tCAPTURED\tURL\tASSETS\tFAILED")
			for _, m := range manifests {
				assets, _, failed := m.Totals()
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
					m.FolderName, m.CaptureTime.UTC().Format(time.RFC3339), m.OriginalURL, assets, failed)
			}
			return tw.Flush()
		},
	}
}

// newArchiveCmd creates the 'archive' subcommand, writing a capture as zip.
func newArchiveCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "archive <folder>",
		Short: "Write a zip archive of a capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary(cmd)
			if err != nil {
				return err
			}
			folder := args[0]
			if _, err := lib.Manifest(cmd.Context(), folder); err != nil {
				return err
			}
			if out == "" {
				out = folder + ".zip"
			}
			// #nosec G304 -- out is an operator supplied path.
			f, err := os.Create(filepath.Clean(out))
			if err != nil {
				return fmt.Errorf("create archive file: %w", err)
			}
			if err := lib.WriteArchive(cmd.Context(), folder, f); err != nil {
				_ = f.Close()
				_ = os.Remove(out)
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close archive file: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default <folder>.zip)")
	return cmd
}
