package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/oriys/surge/internal/domain"
	"github.com/xuri/excelize/v2"
)

// 导出格式
const (
	FormatPDF  = "pdf"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// Formats 是支持的导出格式。
var Formats = []string{FormatPDF, FormatCSV, FormatXLSX}

var contentTypes = map[string]string{
	FormatPDF:  "application/pdf",
	FormatCSV:  "text/csv; charset=utf-8",
	FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// Export 是导出结果。
type Export struct {
	ContentType string
	Filename    string
	Data        []byte
}

// Export 把已完成的报告导出为指定格式。
// 报告不存在返回 ErrReportNotFound；未完成返回 ErrReportNotCompleted；
// 格式不支持返回 ErrUnsupportedFormat。导出只读取报告已保存的字段。
func (g *Generator) Export(ctx context.Context, id int64, format string) (*Export, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if !slices.Contains(Formats, format) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, format)
	}
	r, err := g.repo.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.ReportStatusCompleted {
		return nil, domain.ErrReportNotCompleted
	}

	var data []byte
	switch format {
	case FormatCSV:
		data, err = renderCSV(r)
	case FormatPDF:
		data, err = renderPDF(r)
	case FormatXLSX:
		data, err = renderXLSX(r)
	}
	if err != nil {
		return nil, fmt.Errorf("render %s for report %d: %w", format, r.ID, err)
	}
	return &Export{
		ContentType: contentTypes[format],
		Filename:    fmt.Sprintf("report_%d_task_%d.%s", r.ID, r.TaskID, format),
		Data:        data,
	}, nil
}

// summaryRows 返回报告的指标表，所有导出格式共用。
func summaryRows(r *domain.Report) [][2]string {
	rows := [][2]string{
		{"Report ID", strconv.FormatInt(r.ID, 10)},
		{"Task ID", strconv.FormatInt(r.TaskID, 10)},
		{"Application ID", strconv.FormatInt(r.ApplyID, 10)},
		{"Target URL", r.TargetURL},
		{"Concurrency", strconv.Itoa(r.Concurrency)},
		{"Threads", strconv.Itoa(r.Threads)},
		{"Duration", r.Duration},
		{"Total Requests", strconv.FormatInt(r.TotalRequests, 10)},
		{"Successful Requests", strconv.FormatInt(r.SuccessfulRequests, 10)},
		{"Failed Requests", strconv.FormatInt(r.FailedRequests, 10)},
		{"Requests/sec", formatFloat(r.RequestsPerSecond)},
		{"Error Rate (%)", formatFloat(r.ErrorRate)},
		{"Latency Min (ms)", formatFloat(r.LatencyMin)},
		{"Latency Max (ms)", formatFloat(r.LatencyMax)},
		{"Latency Avg (ms)", formatFloat(r.LatencyAvg)},
		{"Latency Stdev (ms)", formatFloat(r.LatencyStdev)},
	}
	for _, p := range domain.PercentileKeys {
		k := strconv.Itoa(p)
		rows = append(rows, [2]string{"Latency P" + k + " (ms)", formatFloat(r.LatencyPercentiles[k])})
	}
	if r.CompletedAt != nil {
		rows = append(rows, [2]string{"Generated At", r.CompletedAt.Format(time.RFC3339)})
	}
	return rows
}

// statusCodeRows 按状态码排序返回计数。
func statusCodeRows(r *domain.Report) [][2]string {
	codes := make([]string, 0, len(r.StatusCodes))
	for c := range r.StatusCodes {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	rows := make([][2]string, len(codes))
	for i, c := range codes {
		rows[i] = [2]string{c, strconv.FormatInt(r.StatusCodes[c], 10)}
	}
	return rows
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func renderCSV(r *domain.Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"metric", "value"})
	for _, row := range summaryRows(r) {
		w.Write(row[:])
	}
	for _, row := range statusCodeRows(r) {
		w.Write([]string{"Status " + row[0], row[1]})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderPDF(r *domain.Report) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(fmt.Sprintf("Load Test Report #%d", r.ID), false)
	pdf.SetCreator("surge", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 12, fmt.Sprintf("Load Test Report #%d", r.ID), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	table := func(title string, rows [][2]string) {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
		pdf.SetFillColor(240, 240, 240)
		for i, row := range rows {
			fill := i%2 == 0
			pdf.SetFont("Helvetica", "B", 10)
			pdf.CellFormat(70, 7, tr(row[0]), "1", 0, "L", fill, 0, "")
			pdf.SetFont("Helvetica", "", 10)
			pdf.CellFormat(0, 7, tr(row[1]), "1", 1, "L", fill, 0, "")
		}
		pdf.Ln(4)
	}
	table("Summary", summaryRows(r))
	if codes := statusCodeRows(r); len(codes) > 0 {
		table("Status Codes", codes)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderXLSX(r *domain.Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const summary = "Summary"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	write := func(sheet string, header [2]string, rows [][2]string) error {
		if err := f.SetSheetRow(sheet, "A1", &[]any{header[0], header[1]}); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, "A1", "B1", bold); err != nil {
			return err
		}
		for i, row := range rows {
			cell, err := excelize.CoordinatesToCellName(1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sheet, cell, &[]any{row[0], row[1]}); err != nil {
				return err
			}
		}
		return f.SetColWidth(sheet, "A", "A", 24)
	}

	if err := write(summary, [2]string{"Metric", "Value"}, summaryRows(r)); err != nil {
		return nil, err
	}
	if codes := statusCodeRows(r); len(codes) > 0 {
		const sheet = "Status Codes"
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
		if err := write(sheet, [2]string{"Status", "Count"}, codes); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
