package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// unknown is the placeholder for text fields the recognizer could not read
const unknown = "unknown"

// SplitState labels how far a receipt has been split. It is derived from
// item state and never stored.
type SplitState string

const (
	Unsplit        SplitState = "unsplit"
	PartiallySplit SplitState = "partially_split"
	FullySplit     SplitState = "fully_split"
)

// Receipt represents a recognized receipt and its line items
type Receipt struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	StoreName    string          `json:"store_name"`
	StoreAddress string          `json:"store_address"`
	Date         string          `json:"date"`
	Time         string          `json:"time"`
	Items        []*Item         `json:"items"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tip          decimal.Decimal `json:"tip"`
	Total        decimal.Decimal `json:"total"` // As reported by the recognizer, never recomputed from items
	ImagePath    string          `json:"image_path,omitempty"`
	ContentType  string          `json:"content_type,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Item is a single receipt line. Price is the line total, not the price of
// one unit.
type Item struct {
	ID        string          `json:"id"`
	ReceiptID string          `json:"receipt_id"`
	Product   string          `json:"product"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Splits    []Split         `json:"splits"`
	CreatedAt time.Time       `json:"created_at"`
}

// Split is one participant's claim on some quantity of an item
type Split struct {
	ReceiptID   string    `json:"receipt_id"`
	ItemID      string    `json:"item_id"`
	Participant string    `json:"participant"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}

// Choice asks to set Participant's claim on the item with ItemID
type Choice struct {
	ItemID      string    `json:"item_id"`
	Participant string    `json:"participant"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"-"` // Stamped on a new claim; a replaced claim keeps its own
}

// SettlementResult is the amount one participant owes for a receipt
type SettlementResult struct {
	Participant string          `json:"participant_name"`
	Amount      decimal.Decimal `json:"amount_owed"`
	Tip         decimal.Decimal `json:"tip"`
	Total       decimal.Decimal `json:"total"`
}

// NewItem creates an item, defaulting an empty product name to "unknown"
func NewItem(id, product string, quantity int, price decimal.Decimal, createdAt time.Time) *Item {
	if product == "" {
		product = unknown
	}
	return &Item{
		ID:        id,
		Product:   product,
		Quantity:  quantity,
		Price:     price,
		Splits:    []Split{},
		CreatedAt: createdAt,
	}
}

// NewReceipt creates a receipt owning items. Empty header fields default to
// "unknown".
func NewReceipt(id, storeName, storeAddress, date, clock string, items []*Item, subtotal, tip, total decimal.Decimal, createdAt time.Time) *Receipt {
	r := &Receipt{
		ID:           id,
		StoreName:    orUnknown(storeName),
		StoreAddress: orUnknown(storeAddress),
		Date:         orUnknown(date),
		Time:         orUnknown(clock),
		Items:        items,
		Subtotal:     subtotal,
		Tip:          tip,
		Total:        total,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	if r.Items == nil {
		r.Items = []*Item{}
	}
	for _, item := range r.Items {
		item.ReceiptID = id
	}
	return r
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

// IsValid reports whether the receipt may be persisted: at least one item
// and a positive total.
func (r *Receipt) IsValid() bool {
	return len(r.Items) > 0 && r.Total.IsPositive()
}

// SetOwner assigns the owner once. Assigning the same owner again is a no-op.
func (r *Receipt) SetOwner(ownerID string) error {
	if r.OwnerID != "" && r.OwnerID != ownerID {
		return ErrOwnerAlreadySet
	}
	r.OwnerID = ownerID
	return nil
}

// Item returns the item with the given ID, or nil
func (r *Receipt) Item(id string) *Item {
	for _, item := range r.Items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// IsFullySplit reports whether every item's quantity is fully claimed
func (r *Receipt) IsFullySplit() bool {
	for _, item := range r.Items {
		if item.IsSplittable() {
			return false
		}
	}
	return true
}

// SplitState derives the receipt's split label from its items
func (r *Receipt) SplitState() SplitState {
	if r.IsFullySplit() {
		return FullySplit
	}
	for _, item := range r.Items {
		if item.Claimed() > 0 {
			return PartiallySplit
		}
	}
	return Unsplit
}

// Splits returns every claim on the receipt in item order
func (r *Receipt) Splits() []Split {
	var splits []Split
	for _, item := range r.Items {
		splits = append(splits, item.Splits...)
	}
	return splits
}

// withoutSplits returns a shallow copy whose items carry no claims, for
// stores that keep the split ledger separately.
func (r *Receipt) withoutSplits() *Receipt {
	cp := *r
	cp.Items = make([]*Item, len(r.Items))
	for i, item := range r.Items {
		it := *item
		it.Splits = nil
		cp.Items[i] = &it
	}
	return &cp
}
