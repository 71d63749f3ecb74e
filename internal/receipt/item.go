package receipt

import (
	"github.com/shopspring/decimal"
)

// pricePrecision is the number of fractional digits kept when dividing a
// line total by its quantity. The quotient is truncated so the shares of an
// item never add up to more than its price.
const pricePrecision = 16

// Split sets the choice's participant claim on the item, replacing any
// earlier claim by the same participant. On error the item is unchanged.
func (i *Item) Split(choice Choice) error {
	if choice.Participant == "" || choice.Quantity <= 0 {
		return i.allocationError(choice, ErrInvalidChoice, i.Quantity-i.claimedByOthers(choice.Participant))
	}

	if choice.Quantity > i.Quantity {
		return i.allocationError(choice, ErrOverCapacity, i.Quantity-i.claimedByOthers(choice.Participant))
	}

	others := i.claimedByOthers(choice.Participant)
	if others >= i.Quantity {
		return i.allocationError(choice, ErrAlreadyFullyAllocated, 0)
	}
	if others+choice.Quantity > i.Quantity {
		return i.allocationError(choice, ErrWouldExceedCapacity, i.Quantity-others)
	}

	i.setClaim(Split{
		ReceiptID:   i.ReceiptID,
		ItemID:      i.ID,
		Participant: choice.Participant,
		Quantity:    choice.Quantity,
		CreatedAt:   choice.CreatedAt,
	})
	return nil
}

func (i *Item) allocationError(choice Choice, reason error, available int) *AllocationError {
	return &AllocationError{
		ItemID:      i.ID,
		Product:     i.Product,
		Participant: choice.Participant,
		Requested:   choice.Quantity,
		Available:   available,
		Reason:      reason,
	}
}

// setClaim inserts or replaces the claim keyed by participant. A replaced
// claim keeps its position and CreatedAt, so ledger order matches memory.
func (i *Item) setClaim(split Split) {
	for idx := range i.Splits {
		if i.Splits[idx].Participant == split.Participant {
			split.CreatedAt = i.Splits[idx].CreatedAt
			i.Splits[idx] = split
			return
		}
	}
	i.Splits = append(i.Splits, split)
}

// Claimed returns the total quantity claimed across all participants
func (i *Item) Claimed() int {
	total := 0
	for _, s := range i.Splits {
		total += s.Quantity
	}
	return total
}

// ClaimOf returns the quantity claimed by participant
func (i *Item) ClaimOf(participant string) int {
	for _, s := range i.Splits {
		if s.Participant == participant {
			return s.Quantity
		}
	}
	return 0
}

func (i *Item) claimedByOthers(participant string) int {
	return i.Claimed() - i.ClaimOf(participant)
}

// IsSplittable reports whether some quantity is still unclaimed
func (i *Item) IsSplittable() bool {
	return i.Claimed() < i.Quantity
}

// PricePerUnit returns Price / Quantity, or zero for an unknown quantity
func (i *Item) PricePerUnit() decimal.Decimal {
	if i.Quantity <= 0 {
		return decimal.Zero
	}
	q, _ := i.Price.QuoRem(decimal.NewFromInt(int64(i.Quantity)), pricePrecision)
	return q
}

// PriceFor returns what participant owes for this item
func (i *Item) PriceFor(participant string) decimal.Decimal {
	return i.PricePerUnit().Mul(decimal.NewFromInt(int64(i.ClaimOf(participant))))
}
