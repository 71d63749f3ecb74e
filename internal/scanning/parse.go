package scanning

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const unknown = "unknown"

// dateLayouts are tried in order when the model ignores the requested format
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	"02-01-2006",
	"01/02/06",
}

// rawReceipt mirrors the model's JSON loosely: any field may be null or
// missing, and numbers may arrive quoted.
type rawReceipt struct {
	StoreName *string             `json:"store_name"`
	StoreAddr *string             `json:"store_addr"`
	Date      *string             `json:"date"`
	Time      *string             `json:"time"`
	Items     []rawItem           `json:"items"`
	Subtotal  decimal.NullDecimal `json:"subtotal"`
	Tips      decimal.NullDecimal `json:"tips"`
	Total     decimal.NullDecimal `json:"total"`
}

type rawItem struct {
	Name     *string             `json:"name"`
	Quantity decimal.NullDecimal `json:"quantity"`
	Price    decimal.NullDecimal `json:"price"`
}

// parseReceiptJSON extracts the JSON object from a model response and fills
// in defaults: text fields become "unknown", amounts 0, and a priced line
// without a usable quantity counts as one.
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var raw rawReceipt
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data := &ReceiptData{
		StoreName: textOrUnknown(raw.StoreName),
		StoreAddr: textOrUnknown(raw.StoreAddr),
		Date:      normalizeDate(textOrUnknown(raw.Date)),
		Time:      textOrUnknown(raw.Time),
		Items:     make([]ItemData, 0, len(raw.Items)),
		Subtotal:  amount(raw.Subtotal),
		Tips:      amount(raw.Tips),
		Total:     amount(raw.Total),
	}

	for _, item := range raw.Items {
		data.Items = append(data.Items, ItemData{
			Name:     textOrUnknown(item.Name),
			Quantity: quantity(item.Quantity, item.Price),
			Price:    amount(item.Price),
		})
	}

	return data, nil
}

func textOrUnknown(s *string) string {
	if s == nil {
		return unknown
	}
	t := strings.TrimSpace(*s)
	if t == "" || strings.EqualFold(t, "null") {
		return unknown
	}
	return t
}

func amount(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}

// maxQuantity bounds a recognized count. Anything larger is a misread and
// counts as one line.
var maxQuantity = decimal.NewFromInt(math.MaxInt32)

// quantity keeps whole positive counts. Weighed goods ("0.482 kg") are one
// line that cannot be divided by count, so they count as one.
func quantity(q, price decimal.NullDecimal) int {
	if q.Valid && q.Decimal.IsPositive() && q.Decimal.Equal(q.Decimal.Truncate(0)) && q.Decimal.LessThanOrEqual(maxQuantity) {
		return int(q.Decimal.IntPart())
	}
	if q.Valid && q.Decimal.IsPositive() {
		return 1
	}
	if price.Valid {
		return 1
	}
	return 0
}

// normalizeDate rewrites a recognizable date as YYYY-MM-DD and leaves
// anything else as printed.
func normalizeDate(date string) string {
	if date == unknown {
		return date
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, date); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return date
}
