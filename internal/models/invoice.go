package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LineItem is a single invoice line.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	LineTotal   float64 `json:"lineTotal"`
}

// Invoice is the structured record extracted from one PDF. Dates are ISO
// yyyy-mm-dd strings; amounts are dot-decimal numbers.
type Invoice struct {
	InvoiceNumber string     `json:"invoiceNumber"`
	InvoiceDate   string     `json:"invoiceDate"`
	VendorName    string     `json:"vendorName"`
	Currency      string     `json:"currency"`
	Subtotal      float64    `json:"subtotal"`
	Tax           float64    `json:"tax"`
	Total         float64    `json:"total"`
	DueDate       string     `json:"dueDate,omitempty"`
	LineItems     []LineItem `json:"lineItems"`
	Notes         string     `json:"notes,omitempty"`
}

// ParseInvoice builds an Invoice from loosely structured LLM output. It
// tolerates alternate field casings (invoice_number, InvoiceNumber), numeric
// strings with comma or dot decimals and currency symbols, and the common
// European date formats, normalizing everything to the canonical shape.
func ParseInvoice(data map[string]any) (*Invoice, error) {
	if data == nil {
		return nil, fmt.Errorf("no invoice data")
	}

	inv := &Invoice{
		InvoiceNumber: lookupString(data, "invoiceNumber"),
		VendorName:    lookupString(data, "vendorName"),
		Currency:      strings.ToUpper(lookupString(data, "currency")),
		Notes:         lookupString(data, "notes"),
	}
	if inv.InvoiceNumber == "" {
		return nil, fmt.Errorf("missing invoiceNumber")
	}
	if inv.VendorName == "" {
		return nil, fmt.Errorf("missing vendorName")
	}
	if inv.Currency == "" {
		inv.Currency = "EUR"
	}

	date, err := NormalizeDate(lookupString(data, "invoiceDate"))
	if err != nil {
		return nil, fmt.Errorf("invoiceDate: %w", err)
	}
	inv.InvoiceDate = date

	// dueDate is optional; an unparseable value is dropped rather than fatal.
	if raw := lookupString(data, "dueDate"); raw != "" {
		if due, err := NormalizeDate(raw); err == nil {
			inv.DueDate = due
		}
	}

	inv.Subtotal = lookupAmount(data, "subtotal")
	inv.Tax = lookupAmount(data, "tax")
	inv.Total = lookupAmount(data, "total")
	if inv.Total == 0 && inv.Subtotal == 0 {
		return nil, fmt.Errorf("missing total")
	}
	if inv.Total == 0 {
		inv.Total = inv.Subtotal + inv.Tax
	}

	if rawItems, ok := lookup(data, "lineItems"); ok {
		items, _ := rawItems.([]any)
		for _, raw := range items {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			li := LineItem{
				Description: lookupString(m, "description"),
				Quantity:    lookupAmount(m, "quantity"),
				UnitPrice:   lookupAmount(m, "unitPrice"),
				LineTotal:   lookupAmount(m, "lineTotal"),
			}
			if li.LineTotal == 0 && li.Quantity != 0 && li.UnitPrice != 0 {
				li.LineTotal = li.Quantity * li.UnitPrice
			}
			inv.LineItems = append(inv.LineItems, li)
		}
	}

	return inv, nil
}

// Map renders the invoice as the document stored in resultJson.
func (inv *Invoice) Map() map[string]any {
	items := make([]any, 0, len(inv.LineItems))
	for _, li := range inv.LineItems {
		items = append(items, map[string]any{
			"description": li.Description,
			"quantity":    li.Quantity,
			"unitPrice":   li.UnitPrice,
			"lineTotal":   li.LineTotal,
		})
	}
	m := map[string]any{
		"invoiceNumber": inv.InvoiceNumber,
		"invoiceDate":   inv.InvoiceDate,
		"vendorName":    inv.VendorName,
		"currency":      inv.Currency,
		"subtotal":      inv.Subtotal,
		"tax":           inv.Tax,
		"total":         inv.Total,
		"lineItems":     items,
	}
	if inv.DueDate != "" {
		m["dueDate"] = inv.DueDate
	}
	if inv.Notes != "" {
		m["notes"] = inv.Notes
	}
	return m
}

// CSVHeader is the export column order. One row is emitted per line item,
// with the invoice-level fields repeated.
var CSVHeader = []string{
	"invoiceNumber", "invoiceDate", "vendorName", "currency",
	"subtotal", "tax", "total", "dueDate",
	"lineItemIndex", "description", "quantity", "unitPrice", "lineTotal",
	"confidenceScore", "filename",
}

// CSVRows expands the invoice into export rows.
func (inv *Invoice) CSVRows(filename string, confidence float64) [][]string {
	rows := make([][]string, 0, len(inv.LineItems))
	for i, li := range inv.LineItems {
		rows = append(rows, []string{
			inv.InvoiceNumber,
			inv.InvoiceDate,
			inv.VendorName,
			inv.Currency,
			formatAmount(inv.Subtotal),
			formatAmount(inv.Tax),
			formatAmount(inv.Total),
			inv.DueDate,
			strconv.Itoa(i + 1),
			li.Description,
			formatAmount(li.Quantity),
			formatAmount(li.UnitPrice),
			formatAmount(li.LineTotal),
			strconv.FormatFloat(confidence, 'f', 3, 64),
			filename,
		})
	}
	return rows
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var dateLayouts = []string{
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"02.01.2006",
	"2/1/2006",
	"2-1-2006",
	"2.1.2006",
}

// NormalizeDate parses d/m/y, y-m-d, d-m-y, and d.m.y forms and emits ISO
// yyyy-mm-dd.
func NormalizeDate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date format %q", raw)
}

// ParseAmount converts a numeric value in any of the shapes LLMs emit:
// float64/int, or strings with currency symbols, thousands separators, and
// comma or dot decimals ("€ 1.234,56", "1,234.56", "42").
func ParseAmount(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, fmt.Errorf("no value")
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return parseAmountString(n)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func parseAmountString(s string) (float64, error) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, fmt.Errorf("no digits in %q", s)
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Both present: the rightmost separator is the decimal mark.
		if lastComma > lastDot {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(cleaned, ",") == 1 && len(cleaned)-lastComma-1 <= 2 {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			// Multiple commas, or a comma followed by 3+ digits: thousands.
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case strings.Count(cleaned, ".") > 1:
		// "1.234.567" style thousands grouping.
		cleaned = strings.ReplaceAll(cleaned, ".", "")
	}

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable amount %q", s)
	}
	return f, nil
}

// lookup finds key in data tolerating camelCase, snake_case, and arbitrary
// casing differences.
func lookup(data map[string]any, key string) (any, bool) {
	if v, ok := data[key]; ok {
		return v, true
	}
	want := foldKey(key)
	for k, v := range data {
		if foldKey(k) == want {
			return v, true
		}
	}
	return nil, false
}

func foldKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(k, "_", ""), "-", ""))
}

func lookupString(data map[string]any, key string) string {
	v, ok := lookup(data, key)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return formatAmount(s)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func lookupAmount(data map[string]any, key string) float64 {
	v, ok := lookup(data, key)
	if !ok {
		return 0
	}
	f, err := ParseAmount(v)
	if err != nil {
		return 0
	}
	return f
}
