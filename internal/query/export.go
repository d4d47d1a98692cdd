package query

import (
	"context"
	"fmt"
	"io"
	"time"

	"wisefido-alert/internal/models"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// HistoryExportHeader 导出表头
var HistoryExportHeader = []string{
	"Alert ID",
	"Hospital",
	"Room",
	"Type",
	"Urgency",
	"Status",
	"Tier",
	"Created At",
	"Acknowledged At",
	"Acknowledged By",
	"Resolved At",
	"Resolved By",
	"Time To Acknowledge (s)",
	"Resolution",
}

const historySheet = "Alert History"

// ExportHistoryXLSX 将历史报警导出为 xlsx 写入 w，返回导出条数
func (s *Service) ExportHistoryXLSX(ctx context.Context, viewer models.Actor, f HistoryFilters, w io.Writer) (int, error) {
	alerts, err := s.ListAlertHistory(ctx, viewer, f)
	if err != nil {
		return 0, err
	}

	file := excelize.NewFile()
	defer file.Close()

	index, err := file.NewSheet(historySheet)
	if err != nil {
		return 0, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := file.DeleteSheet("Sheet1"); err != nil {
		return 0, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	file.SetActiveSheet(index)

	headerStyle, err := file.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FDE9E7"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range HistoryExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return 0, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := file.SetCellValue(historySheet, cell, header); err != nil {
			return 0, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := file.SetCellStyle(historySheet, cell, cell, headerStyle); err != nil {
			return 0, fmt.Errorf("failed to set header style: %w", err)
		}
	}
	if err := file.SetColWidth(historySheet, "A", "A", 38); err != nil {
		return 0, fmt.Errorf("failed to set column width: %w", err)
	}
	if err := file.SetColWidth(historySheet, "B", "N", 18); err != nil {
		return 0, fmt.Errorf("failed to set column width: %w", err)
	}

	for i, a := range alerts {
		row := []interface{}{
			a.AlertID,
			a.HospitalID,
			a.RoomNumber,
			a.AlertType,
			a.UrgencyLevel,
			string(a.Status),
			a.CurrentEscalationTier,
			formatTime(&a.CreatedAt),
			formatTime(a.AcknowledgedAt),
			deref(a.AcknowledgedBy),
			formatTime(a.ResolvedAt),
			deref(a.ResolvedBy),
			timeToAck(a),
			deref(a.Resolution),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := file.SetSheetRow(historySheet, cell, &row); err != nil {
			return 0, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	// 冻结表头
	if err := file.SetPanes(historySheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return 0, fmt.Errorf("failed to freeze panes: %w", err)
	}

	if _, err := file.WriteTo(w); err != nil {
		return 0, fmt.Errorf("failed to write xlsx: %w", err)
	}

	s.logger.Info("Alert history exported",
		zap.String("hospital_id", f.HospitalID),
		zap.String("viewer_id", viewer.ID),
		zap.Int("rows", len(alerts)),
	)
	return len(alerts), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeToAck(a *models.Alert) interface{} {
	if a.AcknowledgedAt == nil {
		return ""
	}
	return int64(a.AcknowledgedAt.Sub(a.CreatedAt).Seconds())
}
