package scanning

import (
	"context"

	"github.com/shopspring/decimal"
)

// ReceiptData contains the fields extracted from a receipt photo
type ReceiptData struct {
	StoreName string          `json:"store_name"`
	StoreAddr string          `json:"store_addr"`
	Date      string          `json:"date"` // YYYY-MM-DD when it could be parsed
	Time      string          `json:"time"`
	Items     []ItemData      `json:"items"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tips      decimal.Decimal `json:"tips"`
	Total     decimal.Decimal `json:"total"`
}

// ItemData is one extracted receipt line. Price is the line total.
type ItemData struct {
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts its line items
	ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}
