package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-splitter/internal/scanning"
)

const (
	defaultScanTimeout = 60 * time.Second
	defaultCacheTTL    = 24 * time.Hour
)

// IDGenerator generates unique IDs for receipts and items
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// ItemChoice is how much of an item the caller wants to claim
type ItemChoice struct {
	ItemID   string
	Quantity int
}

// SplitResult is the state of a receipt after a batch of claims
type SplitResult struct {
	Receipt    *Receipt
	Outcomes   SplitOutcomes
	Settlement []SettlementResult
}

// ReceiptUpdate carries an owner's corrections. Nil fields are left alone.
type ReceiptUpdate struct {
	StoreName    *string
	StoreAddress *string
	Date         *string
	Time         *string
	Subtotal     *decimal.Decimal
	Tip          *decimal.Decimal
	Total        *decimal.Decimal
	Items        []ItemUpdate
}

// ItemUpdate corrects one recognized line
type ItemUpdate struct {
	ID       string
	Product  *string
	Quantity *int
	Price    *decimal.Decimal
}

// Service handles receipt operations
type Service struct {
	db          DB
	scanner     scanning.Scanner
	storage     Storage
	locker      Locker
	cache       RecognitionCache
	cacheTTL    time.Duration
	scanTimeout time.Duration
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with uuid IDs, the wall clock and an
// in-process receipt lock
func NewService(db DB, scanner scanning.Scanner, storage Storage) *Service {
	return NewServiceWithDeps(db, scanner, storage, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		locker:      NewMemoryLocker(),
		cacheTTL:    defaultCacheTTL,
		scanTimeout: defaultScanTimeout,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// SetLocker replaces the per-receipt lock, e.g. with a RedisLocker when
// several instances share a database
func (s *Service) SetLocker(locker Locker) {
	s.locker = locker
}

// SetRecognitionCache enables caching of recognizer output for ttl
func (s *Service) SetRecognitionCache(cache RecognitionCache, ttl time.Duration) {
	s.cache = cache
	if ttl > 0 {
		s.cacheTTL = ttl
	}
}

// SetScanTimeout bounds each recognizer call
func (s *Service) SetScanTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.scanTimeout = timeout
	}
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`).ReplaceAllString(base, "")
	base = regexp.MustCompile(`\s+`).ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	if !regexp.MustCompile(`^\.[a-z0-9]{1,5}$`).MatchString(ext) {
		ext = ""
	}

	return base + ext
}

// Recognize scans a receipt photo. A valid receipt is owned by ownerID,
// stored and returned. An invalid one is returned unsaved with a nil error;
// callers check IsValid. Any recognizer failure is a *RecognitionError.
func (s *Service) Recognize(ctx context.Context, ownerID, filename string, data []byte, contentType string) (*Receipt, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	receiptData, err := s.scan(ctx, data, contentType)
	if err != nil {
		recognitionsTotal.WithLabelValues("failed").Inc()
		slog.Error("Failed to scan receipt",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return nil, &RecognitionError{Err: err}
	}

	receipt := s.newReceipt(receiptData)
	if !receipt.IsValid() {
		recognitionsTotal.WithLabelValues("invalid").Inc()
		slog.Info("No usable receipt found", "filename", filename, "items", len(receipt.Items), "total", receipt.Total)
		return receipt, nil
	}

	if err := receipt.SetOwner(ownerID); err != nil {
		return nil, err
	}

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", receipt.ID, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}
	receipt.ImagePath = savedPath
	receipt.ContentType = scanning.DetectContentType(data, contentType)

	if err := s.db.CreateReceipt(ctx, receipt); err != nil {
		if delErr := s.storage.Delete(savedPath); delErr != nil {
			slog.Warn("Failed to delete image", "path", savedPath, "error", delErr)
		}
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}

	recognitionsTotal.WithLabelValues("valid").Inc()
	slog.Info("Receipt recognized", "receipt_id", receipt.ID, "owner_id", ownerID, "items", len(receipt.Items))
	return receipt, nil
}

// scan calls the recognizer under the scan timeout, consulting the cache
// first when one is configured.
func (s *Service) scan(ctx context.Context, data []byte, contentType string) (*scanning.ReceiptData, error) {
	key := imageKey(data)

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			slog.Warn("Failed to read recognition cache", "error", err)
		case ok:
			var receiptData scanning.ReceiptData
			if err := json.Unmarshal(cached, &receiptData); err == nil {
				recognitionCacheTotal.WithLabelValues("hit").Inc()
				return &receiptData, nil
			}
			slog.Warn("Discarding unreadable cache entry", "key", key)
		}
		recognitionCacheTotal.WithLabelValues("miss").Inc()
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.scanTimeout)
	defer cancel()

	receiptData, err := s.scanner.ScanReceipt(scanCtx, data, contentType)
	if err != nil {
		return nil, err
	}
	if receiptData == nil {
		return nil, errors.New("recognizer returned no data")
	}

	if s.cache != nil {
		encoded, err := json.Marshal(receiptData)
		if err == nil {
			err = s.cache.Set(ctx, key, encoded, s.cacheTTL)
		}
		if err != nil {
			slog.Warn("Failed to write recognition cache", "error", err)
		}
	}

	return receiptData, nil
}

func (s *Service) newReceipt(data *scanning.ReceiptData) *Receipt {
	now := s.timeSource.Now()
	id := s.idGenerator.Generate()

	items := make([]*Item, 0, len(data.Items))
	for _, item := range data.Items {
		items = append(items, NewItem(s.idGenerator.Generate(), item.Name, item.Quantity, item.Price, now))
	}

	return NewReceipt(
		id,
		data.StoreName,
		data.StoreAddr,
		data.Date,
		data.Time,
		items,
		data.Subtotal,
		data.Tips,
		data.Total,
		now,
	)
}

// GetReceipt retrieves a receipt by ID with its splits
func (s *Service) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns an owner's receipts, newest first
func (s *Service) ListReceipts(ctx context.Context, ownerID string, limit, offset int) ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// Split applies participant's choices to a receipt. Rejected choices are
// reported in the outcomes and do not stop the others. Claims on the same
// receipt are serialized so two requests can never over-allocate an item.
func (s *Service) Split(ctx context.Context, receiptID, participant string, choices []ItemChoice) (*SplitResult, error) {
	unlock, err := s.locker.Lock(ctx, receiptLockKey(receiptID))
	if err != nil {
		return nil, fmt.Errorf("locking receipt: %w", err)
	}
	defer unlock()

	receipt, err := s.db.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	now := s.timeSource.Now()
	batch := make([]Choice, 0, len(choices))
	for _, c := range choices {
		batch = append(batch, Choice{ItemID: c.ItemID, Participant: participant, Quantity: c.Quantity, CreatedAt: now})
	}

	outcomes := receipt.ApplySplits(batch)
	for _, outcome := range outcomes {
		splitClaimsTotal.WithLabelValues(claimOutcome(outcome.Err)).Inc()
		if outcome.Err != nil {
			slog.Debug("Claim rejected", "receipt_id", receiptID, "participant", participant, "error", outcome.Err)
		}
	}

	if splits := outcomes.Splits(); len(splits) > 0 {
		if err := s.db.SaveSplits(ctx, receiptID, splits); err != nil {
			return nil, fmt.Errorf("saving splits: %w", err)
		}
	}

	return &SplitResult{
		Receipt:    receipt,
		Outcomes:   outcomes,
		Settlement: receipt.SettlementResults(),
	}, nil
}

// Settlement returns what each participant owes for a receipt
func (s *Service) Settlement(ctx context.Context, receiptID string) ([]SettlementResult, error) {
	receipt, err := s.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	return receipt.SettlementResults(), nil
}

// UpdateReceipt applies an owner's corrections. An item's quantity may not
// drop below what is already claimed and the receipt must stay valid.
func (s *Service) UpdateReceipt(ctx context.Context, ownerID, receiptID string, update ReceiptUpdate) (*Receipt, error) {
	unlock, err := s.locker.Lock(ctx, receiptLockKey(receiptID))
	if err != nil {
		return nil, fmt.Errorf("locking receipt: %w", err)
	}
	defer unlock()

	receipt, err := s.db.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.OwnerID != ownerID {
		return nil, ErrNotOwner
	}

	if err := applyUpdate(receipt, update); err != nil {
		return nil, err
	}
	if !receipt.IsValid() {
		return nil, ErrInvalidReceipt
	}
	receipt.UpdatedAt = s.timeSource.Now()

	if err := s.db.UpdateReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("updating receipt: %w", err)
	}
	return receipt, nil
}

func applyUpdate(receipt *Receipt, update ReceiptUpdate) error {
	setText := func(dst *string, src *string) {
		if src != nil {
			*dst = orUnknown(strings.TrimSpace(*src))
		}
	}
	setText(&receipt.StoreName, update.StoreName)
	setText(&receipt.StoreAddress, update.StoreAddress)
	setText(&receipt.Date, update.Date)
	setText(&receipt.Time, update.Time)

	if update.Subtotal != nil {
		receipt.Subtotal = *update.Subtotal
	}
	if update.Tip != nil {
		receipt.Tip = *update.Tip
	}
	if update.Total != nil {
		receipt.Total = *update.Total
	}

	for _, change := range update.Items {
		item := receipt.Item(change.ID)
		if item == nil {
			return fmt.Errorf("item %s: %w", change.ID, ErrNotFound)
		}
		setText(&item.Product, change.Product)
		if change.Price != nil {
			if change.Price.IsNegative() {
				return fmt.Errorf("item %s price %s: %w", change.ID, change.Price, ErrInvalidReceipt)
			}
			item.Price = *change.Price
		}
		if change.Quantity != nil {
			if *change.Quantity <= 0 {
				return fmt.Errorf("item %s quantity %d: %w", change.ID, *change.Quantity, ErrInvalidReceipt)
			}
			if *change.Quantity < item.Claimed() {
				return fmt.Errorf("item %s has %d claimed: %w", change.ID, item.Claimed(), ErrQuantityBelowClaim)
			}
			item.Quantity = *change.Quantity
		}
	}
	return nil
}

// GetReceiptImage retrieves the stored photo of a receipt
func (s *Service) GetReceiptImage(ctx context.Context, id string) ([]byte, string, error) {
	receipt, err := s.GetReceipt(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if receipt.ImagePath == "" {
		return nil, "", fmt.Errorf("receipt %s has no image: %w", id, ErrNotFound)
	}

	data, err := s.storage.Get(receipt.ImagePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt image: %w", err)
	}
	return data, receipt.ContentType, nil
}
