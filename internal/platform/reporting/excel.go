package reporting

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Examinations"

var exportHeader = []string{
	"Examination ID",
	"Patient",
	"Exam Date",
	"Status",
	"AI Diagnosis",
	"Risk Level",
	"Risk Score",
	"Diagnosis",
	"Verified At",
}

var exportColumnWidths = []float64{38, 28, 20, 12, 30, 12, 12, 30, 20}

// BuildWorkbook renders rows as an xlsx file. An empty slice still yields
// the header row.
func BuildWorkbook(rows []ExportRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	highRisk, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FDE2E1"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("high risk style: %w", err)
	}

	for i, h := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return nil, fmt.Errorf("set header %s: %w", cell, err)
		}
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(exportSheet, col, col, exportColumnWidths[i]); err != nil {
			return nil, fmt.Errorf("set width %s: %w", col, err)
		}
	}
	lastCol, _ := excelize.ColumnNumberToName(len(exportHeader))
	if err := f.SetCellStyle(exportSheet, "A1", lastCol+"1", headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}

	for i, r := range rows {
		rowNum := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, rowNum)
		values := []interface{}{
			r.ExaminationID.String(),
			r.PatientName,
			r.ExamDate.UTC().Format(time.RFC3339),
			r.Status,
			nullString(r.AIDiagnosis.String, r.AIDiagnosis.Valid),
			nullString(r.RiskLevel.String, r.RiskLevel.Valid),
			nil,
			r.Diagnosis,
			nil,
		}
		if r.RiskScore.Valid {
			values[6] = r.RiskScore.Float64
		}
		if r.VerifiedAt.Valid {
			values[8] = r.VerifiedAt.Time.UTC().Format(time.RFC3339)
		}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", rowNum, err)
		}
		if r.RiskLevel.Valid && r.RiskLevel.String == "High" {
			end := fmt.Sprintf("%s%d", lastCol, rowNum)
			if err := f.SetCellStyle(exportSheet, cell, end, highRisk); err != nil {
				return nil, fmt.Errorf("style row %d: %w", rowNum, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func nullString(s string, valid bool) interface{} {
	if !valid {
		return nil
	}
	return s
}
