package catalog

import (
	"sort"
	"strings"
	"time"
)

// RiskPolicy holds the thresholds of the reorder view.
type RiskPolicy struct {
	LowStockLimit  int
	NearExpiryDays int
}

// DefaultRiskPolicy matches the pharmacy dashboard defaults.
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{LowStockLimit: 5, NearExpiryDays: 30}
}

func (p RiskPolicy) nearExpiryWindow() time.Duration {
	return time.Duration(p.NearExpiryDays) * 24 * time.Hour
}

// RiskItem is one medicine flagged for reordering.
type RiskItem struct {
	Medicine      Medicine   `json:"medicine"`
	TotalStock    int        `json:"totalStock"`
	SoonestExpiry *time.Time `json:"soonestExpiry,omitempty"`
	OutOfStock    bool       `json:"outOfStock"`
	LowStock      bool       `json:"lowStock"`
	NearExpiry    bool       `json:"nearExpiry"`
	Label         string     `json:"label"`
}

func (r RiskItem) rank() int {
	switch {
	case r.OutOfStock:
		return 0
	case r.LowStock:
		return 1
	default:
		return 2
	}
}

// RankReorderRisks returns the medicines that are out of stock, low on stock
// or have a batch expiring inside the policy window. An optional query
// filters by case-insensitive name substring. Results are ordered out of
// stock first, then low stock, then by soonest expiry with undated last.
func RankReorderRisks(meds []Medicine, batches []Batch, policy RiskPolicy, now time.Time, query string) []RiskItem {
	stock := Aggregate(batches)
	q := strings.ToLower(strings.TrimSpace(query))
	window := policy.nearExpiryWindow()

	var items []RiskItem
	for _, m := range meds {
		total := stock.Total(m.ID)
		soonest := stock.SoonestExpiry(m.ID)
		item := RiskItem{
			Medicine:      m,
			TotalStock:    total,
			SoonestExpiry: soonest,
			OutOfStock:    total == 0,
			LowStock:      total > 0 && total <= policy.LowStockLimit,
			NearExpiry:    soonest != nil && !soonest.After(now.Add(window)),
			Label:         StockLabel(total, policy.LowStockLimit),
		}
		if !item.OutOfStock && !item.LowStock && !item.NearExpiry {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(m.Name), q) {
			continue
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.rank() != b.rank() {
			return a.rank() < b.rank()
		}
		if expiresBefore(a.SoonestExpiry, b.SoonestExpiry) {
			return true
		}
		if expiresBefore(b.SoonestExpiry, a.SoonestExpiry) {
			return false
		}
		return a.Medicine.Name < b.Medicine.Name
	})
	return items
}
