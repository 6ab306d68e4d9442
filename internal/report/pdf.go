package report

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	gofpdf "github.com/go-pdf/fpdf"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// PDFSink renders <outputPath>.pdf.
type PDFSink struct {
	Log *slog.Logger
}

// Render implements Sink.
func (s PDFSink) Render(_ context.Context, agg *schema.ScanAggregate, outputPath string) error {
	path, err := GeneratePDF(agg, outputPath+".pdf")
	if err != nil {
		return err
	}
	orDefault(s.Log).Info("PDF report written", "path", path)
	return nil
}

var sevFill = map[string][3]int{
	"CRITICAL": {142, 0, 0},
	"HIGH":     {192, 57, 43},
	"MEDIUM":   {211, 84, 0},
	"LOW":      {41, 128, 185},
	"INFO":     {127, 140, 141},
}

// GeneratePDF writes the PDF report to pdfPath.
func GeneratePDF(agg *schema.ScanAggregate, pdfPath string) (string, error) {
	vm := buildViewModel(agg, time.Now())
	if err := ensureDir(pdfPath); err != nil {
		return "", err
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(136, 136, 136)
		pdf.CellFormat(0, 6, fmt.Sprintf("%s | page %d/{nb}", vm.Generator, pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.SetTextColor(44, 62, 80)
	pdf.CellFormat(0, 12, "Security Assessment Report", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	addSummary(pdf, tr, vm)
	addSeverityTable(pdf, vm)
	addFailures(pdf, tr, vm)
	addFindings(pdf, tr, vm)
	addRecommendations(pdf, tr, vm)

	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return "", fmt.Errorf("write pdf: %w", err)
	}
	return pdfPath, nil
}

func heading(pdf *gofpdf.Fpdf, title string) {
	pdf.Ln(3)
	pdf.SetFont("Helvetica", "B", 14)
	pdf.SetTextColor(44, 62, 80)
	pdf.CellFormat(0, 9, title, "B", 1, "L", false, 0, "")
	pdf.Ln(2)
	pdf.SetTextColor(0, 0, 0)
}

func addSummary(pdf *gofpdf.Fpdf, tr func(string) string, vm viewModel) {
	heading(pdf, "Summary")
	rows := [][2]string{
		{"Target", vm.Target},
		{"Run ID", vm.RunID},
		{"Scan time", vm.ScanTime},
		{"Total findings", strconv.Itoa(vm.TotalFindings)},
		{"Score", fmt.Sprintf("%s (%d/100)", vm.Grade, vm.Score)},
	}
	if vm.Duration != "" {
		rows = append(rows, [2]string{"Duration", vm.Duration})
	}
	if vm.Job != nil {
		rows = append(rows, [2]string{"Engine job", fmt.Sprintf("%s (%s, %d polls)", vm.Job.ID, vm.Job.State, vm.Job.Polls)})
	}
	for _, r := range rows {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(40, 7, r[0], "1", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 7, tr(r[1]), "1", 1, "L", false, 0, "")
	}
}

func addSeverityTable(pdf *gofpdf.Fpdf, vm viewModel) {
	pdf.Ln(4)
	cellW := 180.0 / float64(len(vm.Counts))
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetTextColor(255, 255, 255)
	for _, c := range vm.Counts {
		rgb := sevFill[c.Severity]
		pdf.SetFillColor(rgb[0], rgb[1], rgb[2])
		pdf.CellFormat(cellW, 8, c.Severity, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "", 10)
	for _, c := range vm.Counts {
		pdf.CellFormat(cellW, 8, strconv.Itoa(c.Count), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
}

func addFailures(pdf *gofpdf.Fpdf, tr func(string) string, vm viewModel) {
	if len(vm.Failures) == 0 {
		return
	}
	heading(pdf, "Incomplete Sources")
	pdf.SetFillColor(253, 236, 234)
	for _, f := range vm.Failures {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(0, 7, tr(f.Source), "", 1, "L", true, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(0, 5, tr(f.Error), "", "L", true)
		pdf.Ln(1)
	}
}

func addFindings(pdf *gofpdf.Fpdf, tr func(string) string, vm viewModel) {
	heading(pdf, "Detailed Findings")
	if len(vm.Findings) == 0 {
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 7, "No findings were reported.", "", 1, "L", false, 0, "")
		return
	}
	for i, f := range vm.Findings {
		rgb := sevFill[f.Severity]
		pdf.SetFillColor(rgb[0], rgb[1], rgb[2])
		pdf.SetTextColor(255, 255, 255)
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(0, 7, tr(fmt.Sprintf("%d. [%s] %s", i+1, f.Severity, f.Category)), "", 1, "L", true, 0, "")
		pdf.SetTextColor(0, 0, 0)
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(0, 5, tr("Source: "+f.Source), "", "L", false)
		if f.URL != "" {
			pdf.MultiCell(0, 5, tr("URL: "+f.URL), "", "L", false)
		}
		pdf.MultiCell(0, 5, tr(f.Description), "", "L", false)
		if f.Evidence != "" {
			pdf.SetFont("Courier", "", 8)
			pdf.MultiCell(0, 4, tr(f.Evidence), "", "L", false)
		}
		pdf.Ln(2)
	}
}

func addRecommendations(pdf *gofpdf.Fpdf, tr func(string) string, vm viewModel) {
	if len(vm.Recommendations) == 0 {
		return
	}
	heading(pdf, "Recommendations")
	for _, r := range vm.Recommendations {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(0, 7, tr(r.Category), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		for _, item := range r.Items {
			pdf.CellFormat(5, 6, "-", "", 0, "L", false, 0, "")
			pdf.MultiCell(0, 6, tr(item), "", "L", false)
		}
		pdf.Ln(1)
	}
}
