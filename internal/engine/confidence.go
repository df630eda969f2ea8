package engine

import (
	"math"

	"github.com/fdemirciler/AI-invoice-processing/internal/models"
)

// Confidence scores an extracted invoice from four weighted signals:
// OCR quality (0.4), structural validity (0.3), arithmetic consistency (0.2),
// and field coverage (0.1). The result is clamped to [0, 1] and rounded to
// three decimals.
//
// ocrQuality is the provider-reported mean confidence; when the tier does not
// report one (ocrQuality <= 0) the signal defaults to 1.0.
func Confidence(ocrQuality float64, inv *models.Invoice) float64 {
	if ocrQuality <= 0 || ocrQuality > 1 {
		ocrQuality = 1.0
	}

	validity := 0.0
	if inv.InvoiceNumber != "" && inv.InvoiceDate != "" && inv.VendorName != "" &&
		inv.Currency != "" && inv.Total > 0 && len(inv.LineItems) > 0 {
		validity = 1.0
	}

	consistency := (closeness(inv.Subtotal+inv.Tax, inv.Total) + closeness(inv.Subtotal, sumLineTotals(inv))) / 2.0

	fieldsPresent := 0
	const totalFields = 8
	for _, present := range []bool{
		inv.InvoiceNumber != "",
		inv.InvoiceDate != "",
		inv.VendorName != "",
		inv.Currency != "",
		inv.Subtotal != 0,
		inv.Tax != 0,
		inv.Total != 0,
		len(inv.LineItems) > 0,
	} {
		if present {
			fieldsPresent++
		}
	}
	coverage := float64(fieldsPresent) / float64(totalFields)

	score := 0.4*ocrQuality + 0.3*validity + 0.2*consistency + 0.1*coverage
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return math.Round(score*1000) / 1000
}

// closeness grades how near actual is to expected, 1.0 at equality falling
// linearly to 0 at a 100% relative deviation.
func closeness(expected, actual float64) float64 {
	if expected <= 0 {
		return 0
	}
	dev := math.Abs(actual-expected) / expected
	if dev > 1 {
		dev = 1
	}
	return 1 - dev
}

func sumLineTotals(inv *models.Invoice) float64 {
	var sum float64
	for _, li := range inv.LineItems {
		sum += li.LineTotal
	}
	return sum
}
