package receipt

// SplitOutcome records what happened to one choice of a batch
type SplitOutcome struct {
	Choice Choice `json:"choice"`
	Item   *Item  `json:"-"`
	Err    error  `json:"-"`
}

// SplitOutcomes is the per-choice result of ApplySplits, in choice order
type SplitOutcomes []SplitOutcome

// Succeeded returns the items modified by the batch, each once, in the
// order they were first modified.
func (o SplitOutcomes) Succeeded() []*Item {
	seen := make(map[string]bool)
	var items []*Item
	for _, outcome := range o {
		if outcome.Err != nil || seen[outcome.Item.ID] {
			continue
		}
		seen[outcome.Item.ID] = true
		items = append(items, outcome.Item)
	}
	return items
}

// Failed returns the outcomes whose claim was rejected
func (o SplitOutcomes) Failed() SplitOutcomes {
	var failed SplitOutcomes
	for _, outcome := range o {
		if outcome.Err != nil {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// Splits returns the claims the batch wrote, as they now stand on the items
func (o SplitOutcomes) Splits() []Split {
	var splits []Split
	written := make(map[string]bool)
	for _, outcome := range o {
		if outcome.Err != nil {
			continue
		}
		key := outcome.Item.ID + "/" + outcome.Choice.Participant
		if written[key] {
			continue
		}
		written[key] = true
		for _, s := range outcome.Item.Splits {
			if s.Participant == outcome.Choice.Participant {
				splits = append(splits, s)
			}
		}
	}
	return splits
}

// ApplySplits applies choices in order. Choices naming an unknown item are
// skipped. A rejected choice does not undo the choices applied before it.
func (r *Receipt) ApplySplits(choices []Choice) SplitOutcomes {
	outcomes := make(SplitOutcomes, 0, len(choices))
	for _, choice := range choices {
		item := r.Item(choice.ItemID)
		if item == nil {
			continue
		}
		outcomes = append(outcomes, SplitOutcome{
			Choice: choice,
			Item:   item,
			Err:    item.Split(choice),
		})
	}
	return outcomes
}

// AttachSplits replaces the claims on a freshly loaded receipt with splits
// read from a ledger. Splits for items not on the receipt are ignored.
func (r *Receipt) AttachSplits(splits []Split) {
	for _, item := range r.Items {
		item.Splits = []Split{}
	}
	for _, s := range splits {
		if item := r.Item(s.ItemID); item != nil {
			item.setClaim(s)
		}
	}
}
