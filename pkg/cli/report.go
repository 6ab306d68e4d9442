package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/config"
	reportpkg "github.com/yorozuya-cybersecurity/yorosec-webscan/internal/report"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/pkg/utils"
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Re-render reports from a scan result directory",
		Example: "yoro report --from ./reports/shop.example_20250911_131722 --format html,pdf",
		RunE:    runReport,
	}

	cmd.Flags().String("from", "", "Scan result directory (must contain results.json)")
	cmd.Flags().String("format", "", "Output formats: json,html,pdf,csv")

	_ = viper.BindPFlag("report.from", cmd.Flags().Lookup("from"))
	_ = viper.BindPFlag(config.KeyReportFormat, cmd.Flags().Lookup("format"))
	return cmd
}

func runReport(cmd *cobra.Command, _ []string) error {
	from := viper.GetString("report.from")
	if from == "" {
		return errors.New("please provide --from pointing to the scan directory (with results.json)")
	}
	logger, closeLog, err := newLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	sink, err := reportpkg.SinksFor(config.List(viper.GetViper(), config.KeyReportFormat), logger)
	if err != nil {
		return err
	}

	res, err := reportpkg.LoadAggregate(from)
	if err != nil {
		return err
	}
	out := filepath.Join(from, utils.ReportBase)
	if err := sink.Render(cmd.Context(), res, out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reports written to %s.*\n", out)
	return nil
}
