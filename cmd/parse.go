package main

import (
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/model"
)

var (
	parseFacts       bool
	parseDescription string
)

type parseOutput struct {
	File          string                  `json:"file"`
	Format        string                  `json:"format"`
	SchemaVersion string                  `json:"schema_version,omitempty"`
	FactCount     int                     `json:"fact_count"`
	Facts         []model.ParsedFact      `json:"facts,omitempty"`
	Report        *model.ParsedFundReport `json:"report,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

var parseCmd = &cobra.Command{
	Use:   "parse <file>...",
	Short: "Parse local report documents and print the extracted reports",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("parse"); err != nil {
			return err
		}
		parser, extractor := initExtraction()

		outputs := make([]parseOutput, 0, len(args))
		failed := 0
		for _, path := range args {
			out := parseOutput{File: path}
			res, err := parser.ParseFile(ctx, path)
			if err != nil {
				out.Error = err.Error()
				failed++
				outputs = append(outputs, out)
				continue
			}
			out.Format = res.Format.String()
			out.SchemaVersion = res.SchemaVersion
			out.FactCount = len(res.Facts)
			if parseFacts {
				out.Facts = res.Facts
			}
			// The file name stands in for the upload id.
			ref := &model.ReportReference{
				UploadID:          strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
				ReportDescription: parseDescription,
			}
			out.Report = extractor.Extract(ctx, res, ref)
			if out.Report == nil {
				out.Error = "document has no structured content"
				failed++
			}
			outputs = append(outputs, out)
		}

		if err := writeJSONLines(cmd.OutOrStdout(), outputs); err != nil {
			return err
		}
		if failed > 0 {
			zap.L().Warn("some documents could not be parsed", zap.Int("failed", failed), zap.Int("total", len(args)))
			return eris.Errorf("%d of %d documents failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	parseCmd.Flags().BoolVar(&parseFacts, "facts", false, "include every parsed fact in the output")
	parseCmd.Flags().StringVar(&parseDescription, "description", "", "report description used to infer the report type")
	rootCmd.AddCommand(parseCmd)
}
