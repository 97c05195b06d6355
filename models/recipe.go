package models

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RecipeLine is one ingredient of the current recipe of a composed product.
type RecipeLine struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null" json:"business_id"`
	ProductId    int             `gorm:"index;not null" json:"product_id"`
	IngredientId int             `gorm:"index;not null" json:"ingredient_id"`
	Qty          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	SeqNo        int             `gorm:"not null;default:0" json:"seq_no"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewRecipeLine struct {
	IngredientId int             `json:"ingredient_id"`
	Qty          decimal.Decimal `json:"qty"`
}

// RecipeSnapshotLine is the persisted form of a recipe line inside a RecipeHistory.
type RecipeSnapshotLine struct {
	IngredientId int             `json:"ingredient_id"`
	Qty          decimal.Decimal `json:"qty"`
}

// RecipeHistory is an immutable snapshot of a recipe. Retroactive adjustments diff
// two of these and never look at balances.
type RecipeHistory struct {
	ID               int                    `gorm:"primary_key" json:"id"`
	BusinessId       string                 `gorm:"index;not null" json:"business_id"`
	ProductId        int                    `gorm:"index;not null" json:"product_id"`
	ModificationKind RecipeModificationKind `gorm:"size:20;not null" json:"modification_kind"`
	Lines            string                 `gorm:"type:text;not null" json:"lines"`
	CreatedBy        string                 `gorm:"size:100" json:"created_by"`
	CreatedAt        time.Time              `gorm:"not null;index" json:"created_at"`
}

func (h *RecipeHistory) Snapshot() ([]RecipeSnapshotLine, error) {
	var lines []RecipeSnapshotLine
	if err := utils.UnmarshalFromJSON([]byte(h.Lines), &lines); err != nil {
		return nil, fmt.Errorf("recipe history %d: %w", h.ID, err)
	}
	return lines, nil
}

// RecipeByChannel is the derived expansion of a recipe at one sales channel.
type RecipeByChannel struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"index;not null" json:"business_id"`
	ProductId      int             `gorm:"index;not null" json:"product_id"`
	SalesChannelId int             `gorm:"index;not null" json:"sales_channel_id"`
	LocationId     int             `gorm:"not null" json:"location_id"`
	IngredientId   int             `gorm:"index;not null" json:"ingredient_id"`
	Qty            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (RecipeByChannel) TableName() string {
	return "recipe_by_channels"
}

// RecipeComponent is what one unit of a composed product draws at a channel.
type RecipeComponent struct {
	IngredientId int             `json:"ingredient_id"`
	LocationId   int             `json:"location_id"`
	Qty          decimal.Decimal `json:"qty"`
}

func GetRecipeLines(tx *gorm.DB, businessId string, productId int) ([]*RecipeLine, error) {
	var lines []*RecipeLine
	err := tx.Where("business_id = ? AND product_id = ?", businessId, productId).
		Order("seq_no, id").Find(&lines).Error
	return lines, err
}

func GetRecipe(ctx context.Context, productId int) ([]*RecipeLine, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	if _, err := loadProduct(db.WithContext(ctx), businessId, productId); err != nil {
		return nil, err
	}
	return GetRecipeLines(db.WithContext(ctx), businessId, productId)
}

func SnapshotOf(lines []*RecipeLine) []RecipeSnapshotLine {
	out := make([]RecipeSnapshotLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, RecipeSnapshotLine{IngredientId: l.IngredientId, Qty: l.Qty})
	}
	return out
}

// SameRecipe compares ingredient sets and quantities, ignoring order.
func SameRecipe(a, b []RecipeSnapshotLine) bool {
	if len(a) != len(b) {
		return false
	}
	qty := make(map[int]decimal.Decimal, len(a))
	for _, l := range a {
		qty[l.IngredientId] = l.Qty
	}
	for _, l := range b {
		q, ok := qty[l.IngredientId]
		if !ok || !q.Equal(l.Qty) {
			return false
		}
	}
	return true
}

func validateRecipeLines(tx *gorm.DB, businessId string, product *Product, lines []NewRecipeLine) error {
	if !product.IsComposed {
		return NewValidationError("product_id", "product %d is not a composed product", product.ID)
	}
	if len(lines) == 0 {
		return NewValidationError("lines", "a recipe needs at least one ingredient")
	}
	seen := make(map[int]bool, len(lines))
	ids := make([]int, 0, len(lines))
	for i, line := range lines {
		if line.IngredientId <= 0 {
			return NewValidationError(fmt.Sprintf("lines[%d].ingredient_id", i), "is required")
		}
		if line.IngredientId == product.ID {
			return NewValidationError(fmt.Sprintf("lines[%d].ingredient_id", i), "a product cannot be its own ingredient")
		}
		if !line.Qty.IsPositive() {
			return NewValidationError(fmt.Sprintf("lines[%d].qty", i), "must be positive")
		}
		if seen[line.IngredientId] {
			return NewValidationError(fmt.Sprintf("lines[%d].ingredient_id", i), "ingredient %d is listed twice", line.IngredientId)
		}
		seen[line.IngredientId] = true
		ids = append(ids, line.IngredientId)
	}

	var ingredients []*Product
	if err := tx.Where("business_id = ? AND id IN ?", businessId, ids).Find(&ingredients).Error; err != nil {
		return err
	}
	if len(ingredients) != len(ids) {
		found := make(map[int]bool, len(ingredients))
		for _, p := range ingredients {
			found[p.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				return &NotFoundError{Resource: "ingredient", Id: id}
			}
		}
	}
	for _, p := range ingredients {
		if p.IsComposed {
			return NewValidationError("lines", "ingredient %d is itself composed", p.ID)
		}
	}
	return nil
}

// SetRecipe replaces the current recipe of a composed product wholesale.
func SetRecipe(tx *gorm.DB, businessId string, productId int, lines []NewRecipeLine) error {
	product, err := loadProduct(tx, businessId, productId)
	if err != nil {
		return err
	}
	if err := validateRecipeLines(tx, businessId, product, lines); err != nil {
		return err
	}
	if err := deleteRecipeLines(tx, businessId, productId); err != nil {
		return err
	}
	rows := make([]RecipeLine, 0, len(lines))
	for i, line := range lines {
		rows = append(rows, RecipeLine{
			BusinessId:   businessId,
			ProductId:    productId,
			IngredientId: line.IngredientId,
			Qty:          line.Qty,
			SeqNo:        i + 1,
		})
	}
	return tx.Create(&rows).Error
}

func deleteRecipeLines(tx *gorm.DB, businessId string, productId int) error {
	return tx.Where("business_id = ? AND product_id = ?", businessId, productId).Delete(&RecipeLine{}).Error
}

// RestoreRecipeSnapshot makes a snapshot the current recipe again, bypassing
// ingredient validation since the snapshot was valid when taken.
func RestoreRecipeSnapshot(tx *gorm.DB, businessId string, productId int, snapshot []RecipeSnapshotLine) error {
	if err := deleteRecipeLines(tx, businessId, productId); err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}
	rows := make([]RecipeLine, 0, len(snapshot))
	for i, line := range snapshot {
		rows = append(rows, RecipeLine{
			BusinessId:   businessId,
			ProductId:    productId,
			IngredientId: line.IngredientId,
			Qty:          line.Qty,
			SeqNo:        i + 1,
		})
	}
	return tx.Create(&rows).Error
}

// WriteRecipeHistory appends an immutable snapshot.
func WriteRecipeHistory(tx *gorm.DB, businessId string, productId int, kind RecipeModificationKind, lines []RecipeSnapshotLine) (*RecipeHistory, error) {
	raw, err := json.Marshal(lines)
	if err != nil {
		return nil, err
	}
	createdBy := ""
	if ctx := tx.Statement.Context; ctx != nil {
		createdBy, _ = utils.GetUserNameFromContext(ctx)
	}
	history := RecipeHistory{
		BusinessId:       businessId,
		ProductId:        productId,
		ModificationKind: kind,
		Lines:            string(raw),
		CreatedBy:        createdBy,
		CreatedAt:        time.Now().UTC(),
	}
	if err := tx.Create(&history).Error; err != nil {
		return nil, err
	}
	return &history, nil
}

// LatestRecipeHistory returns the newest snapshot, nil when the recipe was never recorded.
func LatestRecipeHistory(tx *gorm.DB, businessId string, productId int) (*RecipeHistory, error) {
	var histories []*RecipeHistory
	err := tx.Where("business_id = ? AND product_id = ?", businessId, productId).
		Order("id DESC").Limit(1).Find(&histories).Error
	if err != nil || len(histories) == 0 {
		return nil, err
	}
	return histories[0], nil
}

func LoadRecipeHistory(tx *gorm.DB, businessId string, id int) (*RecipeHistory, error) {
	var history RecipeHistory
	if err := tx.Where("business_id = ?", businessId).First(&history, id).Error; err != nil {
		return nil, notFound(err, "recipe history", id)
	}
	return &history, nil
}

func ListRecipeHistory(ctx context.Context, productId int) ([]*RecipeHistory, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	var histories []*RecipeHistory
	err := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ?", businessId, productId).
		Order("id").Find(&histories).Error
	return histories, err
}

// expandRecipeAt resolves the components of one unit sold at channel.
// Every ingredient must be configured at the resolved location.
func expandRecipeAt(tx *gorm.DB, businessId string, productId int, channel *SalesChannel) ([]RecipeComponent, error) {
	lines, err := GetRecipeLines(tx, businessId, productId)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, &NotFoundError{Resource: "recipe", Id: productId}
	}
	locationId, err := ResolveChannelLocation(tx, businessId, productId, channel)
	if err != nil {
		return nil, err
	}
	components := make([]RecipeComponent, 0, len(lines))
	for _, line := range lines {
		ok, err := hasLocationConfiguration(tx, businessId, line.IngredientId, locationId)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &ConfigurationError{
				ProductId:      productId,
				IngredientId:   line.IngredientId,
				LocationId:     locationId,
				SalesChannelId: channel.ID,
			}
		}
		components = append(components, RecipeComponent{
			IngredientId: line.IngredientId,
			LocationId:   locationId,
			Qty:          line.Qty,
		})
	}
	return components, nil
}

func ExpandRecipe(ctx context.Context, productId int, salesChannelId int) ([]RecipeComponent, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB().WithContext(ctx)
	product, err := loadProduct(db, businessId, productId)
	if err != nil {
		return nil, err
	}
	if !product.IsComposed {
		return nil, NewValidationError("product_id", "product %d is not a composed product", productId)
	}
	channel, err := loadSalesChannel(db, businessId, salesChannelId)
	if err != nil {
		return nil, err
	}
	return expandRecipeAt(db, businessId, productId, channel)
}

// missingConfigurations lists every (ingredient, location) mapping absent over the
// channels the product is priced at.
func missingConfigurations(tx *gorm.DB, businessId string, productId int) ([]*ConfigurationError, error) {
	lines, err := GetRecipeLines(tx, businessId, productId)
	if err != nil {
		return nil, err
	}
	channels, err := pricedChannels(tx, businessId, productId)
	if err != nil {
		return nil, err
	}
	var missing []*ConfigurationError
	for _, channel := range channels {
		locationId, err := ResolveChannelLocation(tx, businessId, productId, channel)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			ok, err := hasLocationConfiguration(tx, businessId, line.IngredientId, locationId)
			if err != nil {
				return nil, err
			}
			if !ok {
				missing = append(missing, &ConfigurationError{
					ProductId:      productId,
					IngredientId:   line.IngredientId,
					LocationId:     locationId,
					SalesChannelId: channel.ID,
				})
			}
		}
	}
	return missing, nil
}

func CheckRecipeConfiguration(ctx context.Context, productId int) ([]*ConfigurationError, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB().WithContext(ctx)
	if _, err := loadProduct(db, businessId, productId); err != nil {
		return nil, err
	}
	return missingConfigurations(db, businessId, productId)
}

// AutoFixRecipeConfiguration creates a zero-priced placeholder configuration and a
// zero balance for every missing ingredient mapping, then rebuilds the expansion.
func AutoFixRecipeConfiguration(ctx context.Context, productId int) ([]*PriceConfiguration, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	var created []*PriceConfiguration
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadProduct(tx, businessId, productId); err != nil {
			return err
		}
		missing, err := missingConfigurations(tx, businessId, productId)
		if err != nil {
			return err
		}
		done := make(map[[2]int]bool)
		for _, m := range missing {
			key := [2]int{m.IngredientId, m.LocationId}
			if done[key] {
				continue
			}
			done[key] = true
			pc, err := upsertPriceConfiguration(tx, businessId, m.IngredientId, LocationScope(m.LocationId), decimal.Zero, true)
			if err != nil {
				return err
			}
			created = append(created, pc)
			balance := StockBalance{BusinessId: businessId, ProductId: m.IngredientId, LocationId: m.LocationId}
			if err := tx.Where(balance).Attrs(StockBalance{Quantity: decimal.Zero}).FirstOrCreate(&balance).Error; err != nil {
				return err
			}
		}
		_, err = RebuildRecipeByChannel(tx, businessId, productId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RebuildRecipeByChannel regenerates the derived rows of a composed product for every
// channel it is priced at. Lines whose ingredient is not configured at the resolved
// location get no row and are returned as configuration errors.
func RebuildRecipeByChannel(tx *gorm.DB, businessId string, productId int) ([]*ConfigurationError, error) {
	if err := tx.Where("business_id = ? AND product_id = ?", businessId, productId).Delete(&RecipeByChannel{}).Error; err != nil {
		return nil, err
	}
	lines, err := GetRecipeLines(tx, businessId, productId)
	if err != nil || len(lines) == 0 {
		return nil, err
	}
	channels, err := pricedChannels(tx, businessId, productId)
	if err != nil {
		return nil, err
	}
	var rows []RecipeByChannel
	var missing []*ConfigurationError
	for _, channel := range channels {
		locationId, err := ResolveChannelLocation(tx, businessId, productId, channel)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			ok, err := hasLocationConfiguration(tx, businessId, line.IngredientId, locationId)
			if err != nil {
				return nil, err
			}
			if !ok {
				missing = append(missing, &ConfigurationError{
					ProductId:      productId,
					IngredientId:   line.IngredientId,
					LocationId:     locationId,
					SalesChannelId: channel.ID,
				})
				continue
			}
			rows = append(rows, RecipeByChannel{
				BusinessId:     businessId,
				ProductId:      productId,
				SalesChannelId: channel.ID,
				LocationId:     locationId,
				IngredientId:   line.IngredientId,
				Qty:            line.Qty,
			})
		}
	}
	if len(rows) > 0 {
		if err := tx.Create(&rows).Error; err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func ListRecipeByChannel(ctx context.Context, productId int) ([]*RecipeByChannel, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	var rows []*RecipeByChannel
	err := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ?", businessId, productId).
		Order("sales_channel_id, id").Find(&rows).Error
	return rows, err
}

func recipeCost(tx *gorm.DB, businessId string, productId int) (decimal.Decimal, error) {
	lines, err := GetRecipeLines(tx, businessId, productId)
	if err != nil {
		return decimal.Zero, err
	}
	if len(lines) == 0 {
		return decimal.Zero, &NotFoundError{Resource: "recipe", Id: productId}
	}
	ids := make([]int, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.IngredientId)
	}
	var ingredients []*Product
	if err := tx.Where("business_id = ? AND id IN ?", businessId, ids).Find(&ingredients).Error; err != nil {
		return decimal.Zero, err
	}
	costs := make(map[int]decimal.Decimal, len(ingredients))
	for _, p := range ingredients {
		costs[p.ID] = p.CostPrice
	}
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(costs[l.IngredientId].Mul(l.Qty))
	}
	return total, nil
}

// GetRecipeCost is the sum of ingredient cost × quantity over the current recipe.
func GetRecipeCost(ctx context.Context, productId int) (decimal.Decimal, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return decimal.Zero, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB().WithContext(ctx)
	if _, err := loadProduct(db, businessId, productId); err != nil {
		return decimal.Zero, err
	}
	return recipeCost(db, businessId, productId)
}

// RefreshComposedCost stores the recipe cost on the composed product.
func RefreshComposedCost(tx *gorm.DB, businessId string, productId int) (decimal.Decimal, error) {
	cost, err := recipeCost(tx, businessId, productId)
	if err != nil {
		return decimal.Zero, err
	}
	err = tx.Model(&Product{}).
		Where("business_id = ? AND id = ?", businessId, productId).
		Update("cost_price", cost).Error
	return cost, err
}

// GetRecipeCoefficient is selling price (excl. tax) at the channel divided by recipe cost.
func GetRecipeCoefficient(ctx context.Context, productId int, salesChannelId int) (decimal.Decimal, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return decimal.Zero, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB().WithContext(ctx)
	if _, err := loadProduct(db, businessId, productId); err != nil {
		return decimal.Zero, err
	}
	channel, err := loadSalesChannel(db, businessId, salesChannelId)
	if err != nil {
		return decimal.Zero, err
	}
	cost, err := recipeCost(db, businessId, productId)
	if err != nil {
		return decimal.Zero, err
	}
	if !cost.IsPositive() {
		return decimal.Zero, NewValidationError("cost_price", "recipe cost of product %d is zero", productId)
	}
	locationId, err := ResolveChannelLocation(db, businessId, productId, channel)
	if err != nil {
		return decimal.Zero, err
	}
	price, ok, err := sellingPriceAt(db, businessId, productId, channel, locationId)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, NewValidationError("sales_channel_id", "product %d has no price at sales channel %d", productId, salesChannelId)
	}
	return price.DivRound(cost, 4), nil
}

func consumeRecipeTx(tx *gorm.DB, businessId string, productId int, channel *SalesChannel, unitsSold decimal.Decimal, ref NewStockAdjustment) ([]*StockMovement, error) {
	components, err := expandRecipeAt(tx, businessId, productId, channel)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(components, func(i, j int) bool {
		return components[i].IngredientId < components[j].IngredientId
	})
	channelId := channel.ID
	movements := make([]*StockMovement, 0, len(components))
	for _, c := range components {
		input := ref
		input.ProductId = c.IngredientId
		input.LocationId = c.LocationId
		input.Qty = c.Qty.Mul(unitsSold).Neg()
		input.MovementType = MovementTypeSale
		input.SalesChannelId = &channelId
		m, err := PostStockMovement(tx, businessId, input)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, nil
}

// ConsumeRecipe debits every resolved ingredient for unitsSold units in one transaction.
func ConsumeRecipe(ctx context.Context, productId int, salesChannelId int, unitsSold decimal.Decimal) ([]*StockMovement, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	if !unitsSold.IsPositive() {
		return nil, NewValidationError("units_sold", "must be positive")
	}
	ctx, span := tracer.Start(ctx, "ConsumeRecipe")
	defer span.End()

	db := config.GetDB()
	correlationId := uuid.NewString()
	var movements []*StockMovement
	err := WithConflictRetry(ctx, "ConsumeRecipe", func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			product, err := loadProduct(tx, businessId, productId)
			if err != nil {
				return err
			}
			if !product.IsComposed {
				return NewValidationError("product_id", "product %d is not a composed product", productId)
			}
			channel, err := loadSalesChannel(tx, businessId, salesChannelId)
			if err != nil {
				return err
			}
			movements, err = consumeRecipeTx(tx, businessId, productId, channel, unitsSold, NewStockAdjustment{
				Notes:         fmt.Sprintf("Sale of %s x %s", unitsSold.String(), product.Name),
				ReferenceType: StockReferenceTypeSale,
				CorrelationId: correlationId,
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	ObserveMovements(movements...)
	return movements, nil
}
