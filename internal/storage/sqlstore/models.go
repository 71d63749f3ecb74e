package sqlstore

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/zombor/receipt-splitter/internal/receipt"
)

// Amounts are stored as decimal strings so no dialect rounds them.

type receiptModel struct {
	bun.BaseModel `bun:"table:receipts,alias:r"`

	ID           string          `bun:"id,pk,type:varchar(36)"`
	OwnerID      string          `bun:"owner_id,notnull,type:varchar(100)"`
	StoreName    string          `bun:"store_name,notnull"`
	StoreAddress string          `bun:"store_address,notnull"`
	Date         string          `bun:"date,notnull,type:varchar(32)"`
	Time         string          `bun:"time,notnull,type:varchar(32)"`
	Subtotal     decimal.Decimal `bun:"subtotal,notnull,type:varchar(40)"`
	Tip          decimal.Decimal `bun:"tip,notnull,type:varchar(40)"`
	Total        decimal.Decimal `bun:"total,notnull,type:varchar(40)"`
	ImagePath    string          `bun:"image_path,notnull"`
	ContentType  string          `bun:"content_type,notnull,type:varchar(100)"`
	CreatedAt    time.Time       `bun:"created_at,notnull,type:datetime(6)"`
	UpdatedAt    time.Time       `bun:"updated_at,notnull,type:datetime(6)"`

	Items []*itemModel `bun:"rel:has-many,join:id=receipt_id"`
}

type itemModel struct {
	bun.BaseModel `bun:"table:receipt_items,alias:i"`

	ID        string          `bun:"id,pk,type:varchar(36)"`
	ReceiptID string          `bun:"receipt_id,notnull,type:varchar(36)"`
	LineNo    int             `bun:"line_no,notnull"`
	Product   string          `bun:"product,notnull"`
	Quantity  int             `bun:"quantity,notnull"`
	Price     decimal.Decimal `bun:"price,notnull,type:varchar(40)"`
	CreatedAt time.Time       `bun:"created_at,notnull,type:datetime(6)"`
}

// splitModel is one row of the split ledger. A participant holds at most
// one claim per item.
type splitModel struct {
	bun.BaseModel `bun:"table:receipt_splits,alias:s"`

	ItemID      string    `bun:"item_id,pk,type:varchar(36)"`
	Participant string    `bun:"participant,pk,type:varchar(100)"`
	ReceiptID   string    `bun:"receipt_id,notnull,type:varchar(36)"`
	Quantity    int       `bun:"quantity,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull,type:datetime(6)"`
}

func toReceiptModel(r *receipt.Receipt) *receiptModel {
	model := &receiptModel{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		StoreName:    r.StoreName,
		StoreAddress: r.StoreAddress,
		Date:         r.Date,
		Time:         r.Time,
		Subtotal:     r.Subtotal,
		Tip:          r.Tip,
		Total:        r.Total,
		ImagePath:    r.ImagePath,
		ContentType:  r.ContentType,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	for i, item := range r.Items {
		model.Items = append(model.Items, &itemModel{
			ID:        item.ID,
			ReceiptID: r.ID,
			LineNo:    i,
			Product:   item.Product,
			Quantity:  item.Quantity,
			Price:     item.Price,
			CreatedAt: item.CreatedAt.UTC(),
		})
	}
	return model
}

func (m *receiptModel) toReceipt() *receipt.Receipt {
	r := &receipt.Receipt{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		StoreName:    m.StoreName,
		StoreAddress: m.StoreAddress,
		Date:         m.Date,
		Time:         m.Time,
		Subtotal:     m.Subtotal,
		Tip:          m.Tip,
		Total:        m.Total,
		ImagePath:    m.ImagePath,
		ContentType:  m.ContentType,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
		Items:        make([]*receipt.Item, 0, len(m.Items)),
	}
	for _, item := range m.Items {
		r.Items = append(r.Items, &receipt.Item{
			ID:        item.ID,
			ReceiptID: item.ReceiptID,
			Product:   item.Product,
			Quantity:  item.Quantity,
			Price:     item.Price,
			Splits:    []receipt.Split{},
			CreatedAt: item.CreatedAt.UTC(),
		})
	}
	return r
}

func toSplitModel(receiptID string, s receipt.Split) *splitModel {
	return &splitModel{
		ItemID:      s.ItemID,
		Participant: s.Participant,
		ReceiptID:   receiptID,
		Quantity:    s.Quantity,
		CreatedAt:   s.CreatedAt.UTC(),
	}
}

func (m *splitModel) toSplit() receipt.Split {
	return receipt.Split{
		ReceiptID:   m.ReceiptID,
		ItemID:      m.ItemID,
		Participant: m.Participant,
		Quantity:    m.Quantity,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

type userModel struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID        string    `bun:"id,pk,type:varchar(100)"`
	Username  string    `bun:"username,notnull,type:varchar(100)"`
	CreatedAt time.Time `bun:"created_at,notnull,type:datetime(6)"`
}

// shareModel lets a receipt be shared with a user once
type shareModel struct {
	bun.BaseModel `bun:"table:receipt_shares,alias:sh"`

	ReceiptID string    `bun:"receipt_id,pk,type:varchar(36)"`
	UserID    string    `bun:"user_id,pk,type:varchar(100)"`
	Username  string    `bun:"username,notnull,type:varchar(100)"`
	SharedBy  string    `bun:"shared_by,notnull,type:varchar(100)"`
	CreatedAt time.Time `bun:"created_at,notnull,type:datetime(6)"`
}

func toUserModel(u *receipt.User) *userModel {
	return &userModel{
		ID:        u.ID,
		Username:  u.Username,
		CreatedAt: u.CreatedAt.UTC(),
	}
}

func (m *userModel) toUser() *receipt.User {
	return &receipt.User{
		ID:        m.ID,
		Username:  m.Username,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

func toShareModel(s receipt.Share) *shareModel {
	return &shareModel{
		ReceiptID: s.ReceiptID,
		UserID:    s.UserID,
		Username:  s.Username,
		SharedBy:  s.SharedBy,
		CreatedAt: s.CreatedAt.UTC(),
	}
}

func (m *shareModel) toShare() receipt.Share {
	return receipt.Share{
		ReceiptID: m.ReceiptID,
		UserID:    m.UserID,
		Username:  m.Username,
		SharedBy:  m.SharedBy,
		CreatedAt: m.CreatedAt.UTC(),
	}
}
