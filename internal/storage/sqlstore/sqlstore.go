// Package sqlstore keeps receipts and their split ledger in a SQL database
// through bun. SQLite (pure Go) and MySQL are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/zombor/receipt-splitter/internal/receipt"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// mysqlDuplicateKeyName is returned by CREATE INDEX when the index exists
const mysqlDuplicateKeyName = 1061

// noLimit stands in for "everything" when an offset is given without a limit
const noLimit = math.MaxInt32

// Store implements receipt.DB on top of bun
type Store struct {
	db *bun.DB
}

var _ receipt.DB = (*Store)(nil)

// Open connects to the database named by driver and dsn and creates the
// schema if it is missing.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var db *bun.DB
	switch driver {
	case DriverSQLite:
		sqldb, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		// One connection so pragmas and in-memory databases are shared
		sqldb.SetMaxOpenConns(1)
		if _, err := sqldb.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
		db = bun.NewDB(sqldb, sqlitedialect.New())
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parsing mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		sqldb, err := sql.Open("mysql", cfg.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("opening mysql: %w", err)
		}
		sqldb.SetMaxOpenConns(25)
		sqldb.SetMaxIdleConns(5)
		sqldb.SetConnMaxLifetime(5 * time.Minute)
		db = bun.NewDB(sqldb, mysqldialect.New())
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open bun database and creates the schema if it is missing
func New(ctx context.Context, db *bun.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tables := []struct {
		model      interface{}
		foreignKey string
	}{
		{model: (*receiptModel)(nil)},
		{model: (*itemModel)(nil), foreignKey: "(receipt_id) REFERENCES receipts (id) ON DELETE CASCADE"},
		{model: (*splitModel)(nil), foreignKey: "(receipt_id) REFERENCES receipts (id) ON DELETE CASCADE"},
		{model: (*userModel)(nil)},
		{model: (*shareModel)(nil), foreignKey: "(receipt_id) REFERENCES receipts (id) ON DELETE CASCADE"},
	}
	for _, table := range tables {
		q := s.db.NewCreateTable().Model(table.model).IfNotExists()
		if table.foreignKey != "" {
			q = q.ForeignKey(table.foreignKey)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("creating table: %w", err)
		}
	}

	indexes := []struct {
		model   interface{}
		name    string
		columns []string
	}{
		{(*receiptModel)(nil), "idx_receipts_owner_created", []string{"owner_id", "created_at"}},
		{(*itemModel)(nil), "idx_receipt_items_receipt", []string{"receipt_id", "line_no"}},
		{(*splitModel)(nil), "idx_receipt_splits_receipt", []string{"receipt_id", "created_at"}},
		{(*userModel)(nil), "idx_users_username", []string{"username", "created_at"}},
	}
	for _, index := range indexes {
		q := s.db.NewCreateIndex().Model(index.model).Index(index.name).Column(index.columns...)
		if s.isMySQL() {
			// MySQL has no CREATE INDEX IF NOT EXISTS
			if _, err := q.Exec(ctx); err != nil && !isDuplicateKeyName(err) {
				return fmt.Errorf("creating index %s: %w", index.name, err)
			}
			continue
		}
		if _, err := q.IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("creating index %s: %w", index.name, err)
		}
	}
	return nil
}

func isDuplicateKeyName(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateKeyName
}

func (s *Store) isMySQL() bool {
	return s.db.Dialect().Name() == dialect.MySQL
}

// upsert turns an insert into an insert-or-update of columns on conflict
// with the primary key.
func (s *Store) upsert(q *bun.InsertQuery, conflict string, columns ...string) *bun.InsertQuery {
	if s.isMySQL() {
		q = q.On("DUPLICATE KEY UPDATE")
		for _, column := range columns {
			q = q.Set("? = VALUES(?)", bun.Ident(column), bun.Ident(column))
		}
		return q
	}
	q = q.On("CONFLICT (" + conflict + ") DO UPDATE")
	for _, column := range columns {
		q = q.Set("? = EXCLUDED.?", bun.Ident(column), bun.Ident(column))
	}
	return q
}

// CreateReceipt saves a new receipt, its items and any claims it already
// carries.
func (s *Store) CreateReceipt(ctx context.Context, r *receipt.Receipt) error {
	model := toReceiptModel(r)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(model).Exec(ctx); err != nil {
			return fmt.Errorf("inserting receipt: %w", err)
		}
		if len(model.Items) > 0 {
			if _, err := tx.NewInsert().Model(&model.Items).Exec(ctx); err != nil {
				return fmt.Errorf("inserting items: %w", err)
			}
		}
		return s.saveSplits(ctx, tx, r.ID, r.Splits())
	})
}

// UpdateReceipt saves changes to an existing receipt and its items. The
// split ledger is left alone.
func (s *Store) UpdateReceipt(ctx context.Context, r *receipt.Receipt) error {
	model := toReceiptModel(r)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.requireReceipt(ctx, tx, r.ID); err != nil {
			return err
		}
		_, err := tx.NewUpdate().
			Model(model).
			ExcludeColumn("created_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("updating receipt: %w", err)
		}
		if len(model.Items) == 0 {
			return nil
		}
		q := s.upsert(tx.NewInsert().Model(&model.Items), "id", "line_no", "product", "quantity", "price")
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("updating items: %w", err)
		}
		return nil
	})
}

func (s *Store) requireReceipt(ctx context.Context, db bun.IDB, id string) error {
	exists, err := db.NewSelect().
		Model((*receiptModel)(nil)).
		Where("r.id = ?", id).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking receipt: %w", err)
	}
	if !exists {
		return receipt.ErrNotFound
	}
	return nil
}

func orderItems(q *bun.SelectQuery) *bun.SelectQuery {
	return q.Order("line_no ASC")
}

// GetReceipt retrieves a receipt by ID with its splits attached
func (s *Store) GetReceipt(ctx context.Context, id string) (*receipt.Receipt, error) {
	model := new(receiptModel)
	err := s.db.NewSelect().
		Model(model).
		Relation("Items", orderItems).
		Where("r.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, receipt.ErrNotFound
		}
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	splits, err := s.ListSplits(ctx, id)
	if err != nil {
		return nil, err
	}

	r := model.toReceipt()
	r.AttachSplits(splits)
	return r, nil
}

// ListReceipts returns an owner's receipts, newest first. A limit of zero
// or less returns everything after offset.
func (s *Store) ListReceipts(ctx context.Context, ownerID string, limit, offset int) ([]*receipt.Receipt, error) {
	var models []*receiptModel
	q := s.db.NewSelect().
		Model(&models).
		Relation("Items", orderItems).
		Where("r.owner_id = ?", ownerID).
		Order("r.created_at DESC", "r.id DESC")
	switch {
	case limit > 0:
		q = q.Limit(limit)
	case offset > 0:
		q = q.Limit(noLimit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	receipts := make([]*receipt.Receipt, 0, len(models))
	if len(models) == 0 {
		return receipts, nil
	}

	ids := make([]string, 0, len(models))
	for _, model := range models {
		ids = append(ids, model.ID)
	}
	var rows []*splitModel
	err := s.db.NewSelect().
		Model(&rows).
		Where("s.receipt_id IN (?)", bun.In(ids)).
		Order("s.created_at ASC", "s.item_id ASC", "s.participant ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing splits: %w", err)
	}
	byReceipt := make(map[string][]receipt.Split, len(models))
	for _, row := range rows {
		byReceipt[row.ReceiptID] = append(byReceipt[row.ReceiptID], row.toSplit())
	}

	for _, model := range models {
		r := model.toReceipt()
		r.AttachSplits(byReceipt[model.ID])
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// SaveSplits inserts or replaces split rows keyed by item and participant
func (s *Store) SaveSplits(ctx context.Context, receiptID string, splits []receipt.Split) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.requireReceipt(ctx, tx, receiptID); err != nil {
			return err
		}
		return s.saveSplits(ctx, tx, receiptID, splits)
	})
}

func (s *Store) saveSplits(ctx context.Context, db bun.IDB, receiptID string, splits []receipt.Split) error {
	if len(splits) == 0 {
		return nil
	}
	if err := s.checkCapacity(ctx, db, receiptID, splits); err != nil {
		return err
	}
	rows := make([]*splitModel, 0, len(splits))
	for _, split := range splits {
		rows = append(rows, toSplitModel(receiptID, split))
	}
	q := s.upsert(db.NewInsert().Model(&rows), "item_id, participant", "quantity", "created_at")
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("saving splits: %w", err)
	}
	return nil
}

// checkCapacity re-reads each touched item inside the transaction and
// rejects the batch when other participants' claims plus the new ones would
// exceed the item's quantity. On MySQL the item row is locked until commit so
// processes without a shared lock cannot both pass the check.
func (s *Store) checkCapacity(ctx context.Context, db bun.IDB, receiptID string, splits []receipt.Split) error {
	var itemIDs []string
	byItem := make(map[string][]receipt.Split)
	for _, split := range splits {
		if _, ok := byItem[split.ItemID]; !ok {
			itemIDs = append(itemIDs, split.ItemID)
		}
		byItem[split.ItemID] = append(byItem[split.ItemID], split)
	}

	for _, itemID := range itemIDs {
		var (
			quantity int
			product  string
		)
		q := db.NewSelect().
			Model((*itemModel)(nil)).
			Column("i.quantity", "i.product").
			Where("i.id = ?", itemID).
			Where("i.receipt_id = ?", receiptID)
		if s.isMySQL() {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx, &quantity, &product); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("item %s: %w", itemID, receipt.ErrNotFound)
			}
			return fmt.Errorf("reading item %s: %w", itemID, err)
		}

		claims := byItem[itemID]
		participants := make([]string, 0, len(claims))
		requested := 0
		for _, claim := range claims {
			participants = append(participants, claim.Participant)
			requested += claim.Quantity
		}

		var others int
		err := db.NewSelect().
			Model((*splitModel)(nil)).
			ColumnExpr("COALESCE(SUM(s.quantity), 0)").
			Where("s.item_id = ?", itemID).
			Where("s.participant NOT IN (?)", bun.In(participants)).
			Scan(ctx, &others)
		if err != nil {
			return fmt.Errorf("summing claims on item %s: %w", itemID, err)
		}

		if others+requested <= quantity {
			continue
		}
		reason := receipt.ErrWouldExceedCapacity
		if others >= quantity {
			reason = receipt.ErrAlreadyFullyAllocated
		}
		return &receipt.AllocationError{
			ItemID:      itemID,
			Product:     product,
			Participant: participants[0],
			Requested:   requested,
			Available:   max(quantity-others, 0),
			Reason:      reason,
		}
	}
	return nil
}

// ListSplits returns the split ledger of a receipt, oldest claim first
func (s *Store) ListSplits(ctx context.Context, receiptID string) ([]receipt.Split, error) {
	var rows []*splitModel
	err := s.db.NewSelect().
		Model(&rows).
		Where("s.receipt_id = ?", receiptID).
		Order("s.created_at ASC", "s.item_id ASC", "s.participant ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing splits: %w", err)
	}

	splits := make([]receipt.Split, 0, len(rows))
	for _, row := range rows {
		splits = append(splits, row.toSplit())
	}
	return splits, nil
}

// SaveUser inserts the user unless its ID is taken and returns the stored
// row
func (s *Store) SaveUser(ctx context.Context, user *receipt.User) (*receipt.User, error) {
	if _, err := s.db.NewInsert().Model(toUserModel(user)).Ignore().Exec(ctx); err != nil {
		return nil, fmt.Errorf("saving user: %w", err)
	}
	model := new(userModel)
	if err := s.db.NewSelect().Model(model).Where("u.id = ?", user.ID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("reading user: %w", err)
	}
	return model.toUser(), nil
}

// GetUserByUsername returns the newest user registered with username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*receipt.User, error) {
	model := new(userModel)
	err := s.db.NewSelect().
		Model(model).
		Where("u.username = ?", username).
		Order("u.created_at DESC", "u.id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", username, receipt.ErrNotFound)
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return model.toUser(), nil
}

// SaveShare inserts the share unless the receipt is already shared with the
// user and returns the stored row
func (s *Store) SaveShare(ctx context.Context, share receipt.Share) (*receipt.Share, error) {
	model := new(shareModel)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.requireReceipt(ctx, tx, share.ReceiptID); err != nil {
			return err
		}
		if _, err := tx.NewInsert().Model(toShareModel(share)).Ignore().Exec(ctx); err != nil {
			return fmt.Errorf("saving share: %w", err)
		}
		return tx.NewSelect().
			Model(model).
			Where("sh.receipt_id = ?", share.ReceiptID).
			Where("sh.user_id = ?", share.UserID).
			Scan(ctx)
	})
	if err != nil {
		return nil, err
	}
	stored := model.toShare()
	return &stored, nil
}

// ListShares returns a receipt's shares, oldest first
func (s *Store) ListShares(ctx context.Context, receiptID string) ([]receipt.Share, error) {
	var rows []*shareModel
	err := s.db.NewSelect().
		Model(&rows).
		Where("sh.receipt_id = ?", receiptID).
		Order("sh.created_at ASC", "sh.user_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}

	shares := make([]receipt.Share, 0, len(rows))
	for _, row := range rows {
		shares = append(shares, row.toShare())
	}
	return shares, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
