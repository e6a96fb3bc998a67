package mailsync

import (
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"bitbucket.org/mmdatafocus/staysync_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

// ExportReservations streams the host's reservations as an .xlsx, one row per
// reservation with money columns and the settled payout total.
func (h *Handlers) ExportReservations(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	reservations, err := models.ListReservationsByHost(c.Request.Context(), hostId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	f := excelize.NewFile()
	sheet := "Sheet1"
	if _, err := f.NewSheet(sheet); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	headers := []string{
		"ConfirmationCode", "GuestName", "Checkin", "Checkout", "Nights", "Status",
		"Currency", "Total", "HostEarnings", "CleaningFee", "ServiceFee", "OccupancyTaxes",
		"SettledPayouts", "Changes",
	}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, header)
	}

	for i := range reservations {
		r := &reservations[i]
		settled, _, _ := models.SettledPayoutTotal(c.Request.Context(), r.ID)
		row := i + 2
		values := []interface{}{
			r.ConfirmationCode,
			r.GuestName,
			formatExportDate(r.CheckinAt),
			formatExportDate(r.CheckoutAt),
			r.Nights,
			string(r.Status),
			r.Currency,
			r.AmountTotal.InexactFloat64(),
			r.HostEarnings.InexactFloat64(),
			r.CleaningFee.InexactFloat64(),
			r.ServiceFee.InexactFloat64(),
			r.OccupancyTaxes.InexactFloat64(),
			settled.InexactFloat64(),
			r.ChangeCount,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(sheet, cell, value)
		}
	}

	filename := fmt.Sprintf("reservations-%s.xlsx", time.Now().Format("2006-01-02"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	if err := f.Write(c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write file"})
	}
}

func formatExportDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
