package receipt

import (
	"github.com/shopspring/decimal"
)

// SettlementResults returns what each participant owes, in the order
// participants first appear across items. The receipt's tip is shared in
// proportion to each participant's item amount.
func (r *Receipt) SettlementResults() []SettlementResult {
	index := make(map[string]int)
	results := []SettlementResult{}

	for _, item := range r.Items {
		for _, s := range item.Splits {
			idx, ok := index[s.Participant]
			if !ok {
				idx = len(results)
				index[s.Participant] = idx
				results = append(results, SettlementResult{
					Participant: s.Participant,
					Amount:      decimal.Zero,
				})
			}
			results[idx].Amount = results[idx].Amount.Add(item.PriceFor(s.Participant))
		}
	}

	itemsTotal := r.itemsTotal()
	for idx := range results {
		results[idx].Tip = tipShare(r.Tip, results[idx].Amount, itemsTotal)
		results[idx].Total = results[idx].Amount.Add(results[idx].Tip)
	}
	return results
}

// SettlementFor returns participant's settlement, or false if they hold no
// claim on the receipt.
func (r *Receipt) SettlementFor(participant string) (SettlementResult, bool) {
	for _, result := range r.SettlementResults() {
		if result.Participant == participant {
			return result, true
		}
	}
	return SettlementResult{}, false
}

// Unclaimed returns the value of item quantity nobody has claimed yet
func (r *Receipt) Unclaimed() decimal.Decimal {
	total := decimal.Zero
	for _, item := range r.Items {
		open := item.Quantity - item.Claimed()
		if open > 0 {
			total = total.Add(item.PricePerUnit().Mul(decimal.NewFromInt(int64(open))))
		}
	}
	return total
}

func (r *Receipt) itemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range r.Items {
		total = total.Add(item.Price)
	}
	return total
}

func tipShare(tip, amount, itemsTotal decimal.Decimal) decimal.Decimal {
	if !tip.IsPositive() || !itemsTotal.IsPositive() {
		return decimal.Zero
	}
	share, _ := tip.Mul(amount).QuoRem(itemsTotal, pricePrecision)
	return share
}
