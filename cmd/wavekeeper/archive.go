package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	exportKind   string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <token>",
	Short: "Export a session's results as a zip archive",
	Long: `Export a session from the results directory. Kinds:
  full      every file of a completed session, importable elsewhere
  apis      the merged results file of every API
  overview  results and session details for the static viewer`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <archive.zip>",
	Short: "Import a session from a full export archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	exportCmd.Flags().StringVar(&exportKind, "kind", "full",
		"export kind (full, apis, overview)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "",
		"output file (defaults to <token>-<kind>.zip)")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	token := args[0]

	var export func(ctx context.Context, token string, w io.Writer) error

	switch exportKind {
	case "full":
		export = a.manager.ExportFull
	case "apis":
		export = a.manager.ExportAllAPIs
	case "overview":
		export = a.manager.ExportOverview
	default:
		return fmt.Errorf("unknown export kind %q", exportKind)
	}

	out := exportOutput
	if out == "" {
		out = fmt.Sprintf("%s-%s.zip", token, exportKind)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}

	if err := export(ctx, token, f); err != nil {
		_ = f.Close()
		_ = os.Remove(out)

		return fmt.Errorf("exporting session %s: %w", token, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", out, err)
	}

	log.WithFields(logrus.Fields{
		"token":  token,
		"kind":   exportKind,
		"output": out,
	}).Info("Export written")

	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Importing from the command line is an explicit operator action.
	cfg.Results.ImportEnabled = true

	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	sess, err := a.manager.Import(ctx, f, info.Size())
	if err != nil {
		return fmt.Errorf("importing %s: %w", args[0], err)
	}

	log.WithFields(logrus.Fields{
		"token":  sess.Token,
		"status": sess.Status,
		"size":   units.HumanSize(float64(info.Size())),
	}).Info("Session imported")

	return nil
}
