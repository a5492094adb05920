package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/ethpandaops/wavekeeper/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	uploadMethod    string
	uploadResultDir string
	uploadToken     string
	uploadList      bool
)

var uploadResultsCmd = &cobra.Command{
	Use:   "upload-results",
	Short: "Upload session results to remote storage",
	Long: `Upload a session results directory to S3-compatible storage using the
config file settings, or list the sessions already uploaded.`,
	RunE: runUploadResults,
}

func init() {
	rootCmd.AddCommand(uploadResultsCmd)
	uploadResultsCmd.Flags().StringVar(&uploadMethod, "method", "s3",
		"Upload method (currently only \"s3\")")
	uploadResultsCmd.Flags().StringVar(&uploadResultDir, "result-dir", "",
		"Path to the session directory to upload")
	uploadResultsCmd.Flags().StringVar(&uploadToken, "token", "",
		"Session token to upload from the configured results directory")
	uploadResultsCmd.Flags().BoolVar(&uploadList, "list", false,
		"List uploaded sessions instead of uploading")

	uploadResultsCmd.MarkFlagsMutuallyExclusive("result-dir", "token", "list")
	uploadResultsCmd.MarkFlagsOneRequired("result-dir", "token", "list")
}

func runUploadResults(cmd *cobra.Command, args []string) error {
	if uploadMethod != "s3" {
		return fmt.Errorf("unsupported method %q (only \"s3\" is supported)", uploadMethod)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	s3cfg := cfg.S3Upload()
	if s3cfg == nil {
		return fmt.Errorf("S3 upload is not configured or not enabled in config")
	}

	ctx := cmd.Context()

	if uploadList {
		reader := upload.NewS3Reader(log, s3cfg)

		tokens, err := reader.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("listing uploaded sessions: %w", err)
		}

		for _, token := range tokens {
			info, err := reader.SessionInfo(ctx, token)
			if err != nil {
				log.WithError(err).WithField("token", token).Warn("Failed to read uploaded session")

				continue
			}

			fmt.Printf("%s\t%s\t%s %s\n", token, info.Status, info.Browser.Name, info.Browser.Version)
		}

		return nil
	}

	dir := uploadResultDir
	if uploadToken != "" {
		dir = filepath.Join(cfg.Results.Dir, uploadToken)
	}

	if _, err := os.Stat(filepath.Join(dir, session.InfoFileName)); err != nil {
		return fmt.Errorf("%s is not a session directory: %w", dir, err)
	}

	uploader, err := upload.NewS3Uploader(log, s3cfg)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	log.WithFields(logrus.Fields{
		"dir":    dir,
		"bucket": s3cfg.Bucket,
	}).Info("Uploading results")

	if err := uploader.Upload(ctx, dir); err != nil {
		return fmt.Errorf("uploading results: %w", err)
	}

	log.Info("Upload completed successfully")

	return nil
}
