package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName      = "receipts"
	ownerBucketName = "owners"
	splitBucketName = "splits"
	userBucketName  = "users"
	usernameBucket  = "usernames"
	shareBucketName = "shares"

	// ownerKeyLayout sorts lexically in time order, unlike RFC3339Nano
	ownerKeyLayout = "2006-01-02T15:04:05.000000000"
)

// DB defines the interface for database operations
type DB interface {
	// CreateReceipt saves a new receipt and its items
	CreateReceipt(ctx context.Context, receipt *Receipt) error

	// UpdateReceipt saves changes to an existing receipt and its items
	UpdateReceipt(ctx context.Context, receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID with its splits attached.
	// Returns ErrNotFound if there is no such receipt.
	GetReceipt(ctx context.Context, id string) (*Receipt, error)

	// ListReceipts returns an owner's receipts, newest first
	ListReceipts(ctx context.Context, ownerID string, limit, offset int) ([]*Receipt, error)

	// SaveSplits inserts or replaces split rows keyed by item and participant
	SaveSplits(ctx context.Context, receiptID string, splits []Split) error

	// ListSplits returns the split ledger of a receipt
	ListSplits(ctx context.Context, receiptID string) ([]Split, error)

	// SaveUser creates the user unless one with the same ID exists and
	// returns the stored user
	SaveUser(ctx context.Context, user *User) (*User, error)

	// GetUserByUsername returns the most recently registered user with
	// username, or ErrNotFound
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// SaveShare records a share unless the receipt is already shared with
	// the user and returns the stored share
	SaveShare(ctx context.Context, share Share) (*Share, error)

	// ListShares returns a receipt's shares, oldest first
	ListShares(ctx context.Context, receiptID string) ([]Share, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB. Receipts are stored as
// JSON without their splits; the split ledger lives in a bucket per receipt.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketName, ownerBucketName, splitBucketName, userBucketName, usernameBucket, shareBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// CreateReceipt saves a new receipt and indexes it under its owner
func (b *BoltDB) CreateReceipt(ctx context.Context, receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := putReceipt(tx, receipt); err != nil {
			return err
		}

		if receipt.OwnerID == "" {
			return saveSplits(tx, receipt.ID, receipt.Splits())
		}
		owners, err := tx.Bucket([]byte(ownerBucketName)).CreateBucketIfNotExists([]byte(receipt.OwnerID))
		if err != nil {
			return fmt.Errorf("creating owner bucket: %w", err)
		}
		key := receipt.CreatedAt.UTC().Format(ownerKeyLayout) + "/" + receipt.ID
		if err := owners.Put([]byte(key), []byte(receipt.ID)); err != nil {
			return fmt.Errorf("indexing receipt: %w", err)
		}

		return saveSplits(tx, receipt.ID, receipt.Splits())
	})
}

// UpdateReceipt overwrites a stored receipt. Splits are not touched.
func (b *BoltDB) UpdateReceipt(ctx context.Context, receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketName)).Get([]byte(receipt.ID)) == nil {
			return ErrNotFound
		}
		return putReceipt(tx, receipt)
	})
}

func putReceipt(tx *bbolt.Tx, receipt *Receipt) error {
	data, err := json.Marshal(receipt.withoutSplits())
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return tx.Bucket([]byte(bucketName)).Put([]byte(receipt.ID), data)
}

// GetReceipt retrieves a receipt by ID with its splits attached
func (b *BoltDB) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func getReceipt(tx *bbolt.Tx, id string) (*Receipt, error) {
	data := tx.Bucket([]byte(bucketName)).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}

	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}

	splits, err := listSplits(tx, id)
	if err != nil {
		return nil, err
	}
	receipt.AttachSplits(splits)
	return &receipt, nil
}

// ListReceipts returns an owner's receipts, newest first. A limit of zero
// or less returns everything after offset.
func (b *BoltDB) ListReceipts(ctx context.Context, ownerID string, limit, offset int) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		owners := tx.Bucket([]byte(ownerBucketName)).Bucket([]byte(ownerID))
		if owners == nil {
			return nil
		}

		skipped := 0
		c := owners.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(receipts) >= limit {
				break
			}
			receipt, err := getReceipt(tx, string(v))
			if err != nil {
				return fmt.Errorf("loading receipt %s: %w", v, err)
			}
			receipts = append(receipts, receipt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// SaveSplits inserts or replaces split rows keyed by item and participant
func (b *BoltDB) SaveSplits(ctx context.Context, receiptID string, splits []Split) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketName)).Get([]byte(receiptID)) == nil {
			return ErrNotFound
		}
		return saveSplits(tx, receiptID, splits)
	})
}

func saveSplits(tx *bbolt.Tx, receiptID string, splits []Split) error {
	if len(splits) == 0 {
		return nil
	}

	bucket, err := tx.Bucket([]byte(splitBucketName)).CreateBucketIfNotExists([]byte(receiptID))
	if err != nil {
		return fmt.Errorf("creating split bucket: %w", err)
	}

	for _, split := range splits {
		data, err := json.Marshal(split)
		if err != nil {
			return fmt.Errorf("marshaling split: %w", err)
		}
		if err := bucket.Put(splitKey(split), data); err != nil {
			return fmt.Errorf("saving split: %w", err)
		}
	}
	return nil
}

func splitKey(split Split) []byte {
	return []byte(split.ItemID + "/" + split.Participant)
}

// ListSplits returns the split ledger of a receipt, oldest claim first
func (b *BoltDB) ListSplits(ctx context.Context, receiptID string) ([]Split, error) {
	var splits []Split
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		splits, err = listSplits(tx, receiptID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return splits, nil
}

func listSplits(tx *bbolt.Tx, receiptID string) ([]Split, error) {
	splits := make([]Split, 0)
	bucket := tx.Bucket([]byte(splitBucketName)).Bucket([]byte(receiptID))
	if bucket == nil {
		return splits, nil
	}

	err := bucket.ForEach(func(k, v []byte) error {
		var split Split
		if err := json.Unmarshal(v, &split); err != nil {
			return fmt.Errorf("unmarshaling split: %w", err)
		}
		splits = append(splits, split)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(splits, func(i, j int) bool {
		if !splits[i].CreatedAt.Equal(splits[j].CreatedAt) {
			return splits[i].CreatedAt.Before(splits[j].CreatedAt)
		}
		return bytes.Compare(splitKey(splits[i]), splitKey(splits[j])) < 0
	})
	return splits, nil
}

// SaveUser creates the user under its ID and points its username at it.
// An existing user is returned unchanged.
func (b *BoltDB) SaveUser(ctx context.Context, user *User) (*User, error) {
	var stored *User
	err := b.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(userBucketName))
		if data := users.Get([]byte(user.ID)); data != nil {
			stored = new(User)
			if err := json.Unmarshal(data, stored); err != nil {
				return fmt.Errorf("unmarshaling user: %w", err)
			}
			return nil
		}

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshaling user: %w", err)
		}
		if err := users.Put([]byte(user.ID), data); err != nil {
			return fmt.Errorf("saving user: %w", err)
		}
		if user.Username != "" {
			if err := tx.Bucket([]byte(usernameBucket)).Put([]byte(user.Username), []byte(user.ID)); err != nil {
				return fmt.Errorf("indexing user: %w", err)
			}
		}
		stored = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetUserByUsername follows the username index to the user
func (b *BoltDB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(usernameBucket)).Get([]byte(username))
		if id == nil {
			return fmt.Errorf("user %s: %w", username, ErrNotFound)
		}
		data := tx.Bucket([]byte(userBucketName)).Get(id)
		if data == nil {
			return fmt.Errorf("user %s: %w", username, ErrNotFound)
		}
		user = new(User)
		if err := json.Unmarshal(data, user); err != nil {
			return fmt.Errorf("unmarshaling user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SaveShare keeps shares in a bucket per receipt keyed by user ID
func (b *BoltDB) SaveShare(ctx context.Context, share Share) (*Share, error) {
	stored := share
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketName)).Get([]byte(share.ReceiptID)) == nil {
			return ErrNotFound
		}
		bucket, err := tx.Bucket([]byte(shareBucketName)).CreateBucketIfNotExists([]byte(share.ReceiptID))
		if err != nil {
			return fmt.Errorf("creating share bucket: %w", err)
		}
		if data := bucket.Get([]byte(share.UserID)); data != nil {
			return json.Unmarshal(data, &stored)
		}
		data, err := json.Marshal(share)
		if err != nil {
			return fmt.Errorf("marshaling share: %w", err)
		}
		return bucket.Put([]byte(share.UserID), data)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListShares returns a receipt's shares, oldest first
func (b *BoltDB) ListShares(ctx context.Context, receiptID string) ([]Share, error) {
	shares := make([]Share, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(shareBucketName)).Bucket([]byte(receiptID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var share Share
			if err := json.Unmarshal(v, &share); err != nil {
				return fmt.Errorf("unmarshaling share: %w", err)
			}
			shares = append(shares, share)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].CreatedAt.Before(shares[j].CreatedAt)
	})
	return shares, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
