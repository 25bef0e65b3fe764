package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/logging"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/normalize"
)

func newValidateCmd() *cobra.Command {
	var skipDNS bool
	cmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Normalize and validate URL lists without submitting them",
		Long: `Reads URLs one per line from the given files, or stdin when none are
given, and prints the validation report as JSON. Blank lines and lines
starting with "#" or "//" are ignored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			text, err := readInputs(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			validator := normalize.NewValidator(net.DefaultResolver, normalize.Config{
				DNSBatchSize:     cfg.Normalizer.DNSBatchSize,
				DNSBatchDelay:    cfg.Normalizer.DNSBatchDelay,
				DNSSkipThreshold: cfg.Normalizer.DNSSkipThreshold,
				MaxURLs:          cfg.Normalizer.MaxURLs,
				LookupTimeout:    cfg.Normalizer.LookupTimeout,
			}, logger.Named("normalizer"))
			res, err := validator.Validate(cmd.Context(), normalize.ParseLines(text), skipDNS)
			if err != nil && !errors.Is(err, crawler.ErrInvalidInput) {
				return fmt.Errorf("validate urls: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil {
				return fmt.Errorf("write report: %w", encErr)
			}
			if err != nil {
				logger.Warn("validation rejected submission", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipDNS, "skip-dns", false, "skip DNS resolution of hostnames")
	return cmd
}

func readInputs(stdin io.Reader, paths []string) (string, error) {
	if len(paths) == 0 {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	var sb strings.Builder
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", p, err)
		}
		sb.Write(b)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
