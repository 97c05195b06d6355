package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/models"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type LedgerVerifyFilter struct {
	ProductId  int `json:"product_id"`
	LocationId int `json:"location_id"`
}

// LedgerDiscrepancy describes one balance whose movements do not replay to it.
type LedgerDiscrepancy struct {
	ProductId  int             `json:"product_id"`
	LocationId int             `json:"location_id"`
	Balance    decimal.Decimal `json:"balance"`
	// sum of every movement, reversals included
	Replayed decimal.Decimal `json:"replayed"`
	// sum of the active view (no reversals, nothing reversed)
	ReplayedActive decimal.Decimal `json:"replayed_active"`
	// first movement whose previous qty does not continue the chain
	BrokenChainMovementId int `json:"broken_chain_movement_id,omitempty"`
}

type LedgerVerifyReport struct {
	BalancesChecked  int                  `json:"balances_checked"`
	MovementsChecked int                  `json:"movements_checked"`
	Discrepancies    []*LedgerDiscrepancy `json:"discrepancies"`
}

type ledgerKey struct {
	ProductId  int
	LocationId int
}

type chainState struct {
	last        decimal.Decimal
	seen        bool
	sum         decimal.Decimal
	activeSum   decimal.Decimal
	brokenChain int
}

// VerifyLedger replays every movement per (product, location) and reports balances that
// differ from the replay, or whose movement chain (previous qty = prior new qty) breaks.
func VerifyLedger(ctx context.Context, filter LedgerVerifyFilter) (*LedgerVerifyReport, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB().WithContext(ctx)
	report := &LedgerVerifyReport{}

	scoped := func(q *gorm.DB) *gorm.DB {
		q = q.Where("business_id = ?", businessId)
		if filter.ProductId > 0 {
			q = q.Where("product_id = ?", filter.ProductId)
		}
		if filter.LocationId > 0 {
			q = q.Where("location_id = ?", filter.LocationId)
		}
		return q
	}

	states := make(map[ledgerKey]*chainState)
	var batch []*models.StockMovement
	res := scoped(db.Model(&models.StockMovement{})).
		FindInBatches(&batch, config.RetroReplayBatchSize(), func(_ *gorm.DB, _ int) error {
			for _, m := range batch {
				report.MovementsChecked++
				key := ledgerKey{ProductId: m.ProductId, LocationId: m.LocationId}
				st, ok := states[key]
				if !ok {
					st = &chainState{}
					states[key] = st
				}
				if st.brokenChain == 0 {
					expectedPrev := decimal.Zero
					if st.seen {
						expectedPrev = st.last
					}
					if !m.PreviousQty.Equal(expectedPrev) {
						st.brokenChain = m.ID
					}
				}
				st.seen = true
				st.last = m.NewQty
				st.sum = st.sum.Add(m.Qty)
				if m.IsActive() {
					st.activeSum = st.activeSum.Add(m.Qty)
				}
			}
			return nil
		})
	if res.Error != nil {
		return nil, res.Error
	}

	var balances []*models.StockBalance
	if err := scoped(db).Order("product_id, location_id").Find(&balances).Error; err != nil {
		return nil, err
	}
	for _, b := range balances {
		report.BalancesChecked++
		key := ledgerKey{ProductId: b.ProductId, LocationId: b.LocationId}
		st, ok := states[key]
		if !ok {
			st = &chainState{}
		}
		delete(states, key)
		if b.Quantity.Equal(st.sum) && b.Quantity.Equal(st.activeSum) && st.brokenChain == 0 {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, &LedgerDiscrepancy{
			ProductId:             b.ProductId,
			LocationId:            b.LocationId,
			Balance:               b.Quantity,
			Replayed:              st.sum,
			ReplayedActive:        st.activeSum,
			BrokenChainMovementId: st.brokenChain,
		})
	}
	// movements without a balance row
	for key, st := range states {
		report.Discrepancies = append(report.Discrepancies, &LedgerDiscrepancy{
			ProductId:             key.ProductId,
			LocationId:            key.LocationId,
			Balance:               decimal.Zero,
			Replayed:              st.sum,
			ReplayedActive:        st.activeSum,
			BrokenChainMovementId: st.brokenChain,
		})
	}
	return report, nil
}
