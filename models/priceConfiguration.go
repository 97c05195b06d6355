package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PriceScope says where a price configuration applies:
// Global, PerLocation(location) or PerChannel(channel, location).
// The zero value is Global.
type PriceScope struct {
	kind           PriceScopeKind
	locationId     int
	salesChannelId int
}

func GlobalScope() PriceScope {
	return PriceScope{kind: PriceScopeGlobal}
}

func LocationScope(locationId int) PriceScope {
	return PriceScope{kind: PriceScopeLocation, locationId: locationId}
}

// ChannelScope prices a product at a channel and draws it from locationId there.
func ChannelScope(salesChannelId int, locationId int) PriceScope {
	return PriceScope{kind: PriceScopeChannel, locationId: locationId, salesChannelId: salesChannelId}
}

func (s PriceScope) Kind() PriceScopeKind {
	if s.kind == "" {
		return PriceScopeGlobal
	}
	return s.kind
}

func (s PriceScope) LocationId() (int, bool) {
	return s.locationId, s.kind == PriceScopeLocation || s.kind == PriceScopeChannel
}

func (s PriceScope) SalesChannelId() (int, bool) {
	return s.salesChannelId, s.kind == PriceScopeChannel
}

// PriceConfiguration maps a product to a selling price (excluding tax) within a scope.
// Use Scope/SetScope rather than the raw columns.
type PriceConfiguration struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"index;not null;uniqueIndex:idx_price_channel_override,priority:1" json:"business_id"`
	ProductId        int             `gorm:"index;not null;uniqueIndex:idx_price_channel_override,priority:2" json:"product_id"`
	ScopeKind        PriceScopeKind  `gorm:"size:20;not null;index" json:"scope_kind"`
	LocationId       *int            `gorm:"index" json:"location_id"`
	// only channel rows carry a channel, so the unique index allows one override per (product, channel)
	SalesChannelId   *int            `gorm:"index;uniqueIndex:idx_price_channel_override,priority:3" json:"sales_channel_id"`
	SellingPriceExcl decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"selling_price_excl"`
	// created by the recipe configuration auto-fix, price still to be set
	IsPlaceholder bool      `gorm:"not null;default:false" json:"is_placeholder"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (pc *PriceConfiguration) Scope() PriceScope {
	switch pc.ScopeKind {
	case PriceScopeLocation:
		return LocationScope(utils.DereferencePtr(pc.LocationId))
	case PriceScopeChannel:
		return ChannelScope(utils.DereferencePtr(pc.SalesChannelId), utils.DereferencePtr(pc.LocationId))
	}
	return GlobalScope()
}

func (pc *PriceConfiguration) SetScope(s PriceScope) {
	pc.ScopeKind = s.Kind()
	pc.LocationId = nil
	pc.SalesChannelId = nil
	if loc, ok := s.LocationId(); ok {
		pc.LocationId = &loc
	}
	if ch, ok := s.SalesChannelId(); ok {
		pc.SalesChannelId = &ch
	}
}

// NewPriceConfiguration is the wire form; Scope() turns it into the tagged variant.
type NewPriceConfiguration struct {
	ProductId        int             `json:"product_id" validate:"required,gt=0"`
	ScopeKind        PriceScopeKind  `json:"scope_kind"`
	LocationId       int             `json:"location_id"`
	SalesChannelId   int             `json:"sales_channel_id"`
	SellingPriceExcl decimal.Decimal `json:"selling_price_excl"`
}

func (input *NewPriceConfiguration) Scope() (PriceScope, error) {
	switch input.ScopeKind {
	case "", PriceScopeGlobal:
		return GlobalScope(), nil
	case PriceScopeLocation:
		if input.LocationId <= 0 {
			return PriceScope{}, NewValidationError("location_id", "is required for a location scope")
		}
		return LocationScope(input.LocationId), nil
	case PriceScopeChannel:
		if input.SalesChannelId <= 0 {
			return PriceScope{}, NewValidationError("sales_channel_id", "is required for a channel scope")
		}
		if input.LocationId <= 0 {
			return PriceScope{}, NewValidationError("location_id", "is required for a channel scope")
		}
		return ChannelScope(input.SalesChannelId, input.LocationId), nil
	}
	return PriceScope{}, NewValidationError("scope_kind", "unknown scope %q", input.ScopeKind)
}

func scopeQuery(tx *gorm.DB, businessId string, productId int, s PriceScope) *gorm.DB {
	q := tx.Model(&PriceConfiguration{}).
		Where("business_id = ? AND product_id = ? AND scope_kind = ?", businessId, productId, s.Kind())
	// a zero id leaves that part of the scope unconstrained
	if loc, ok := s.LocationId(); ok && loc > 0 {
		q = q.Where("location_id = ?", loc)
	}
	if ch, ok := s.SalesChannelId(); ok && ch > 0 {
		q = q.Where("sales_channel_id = ?", ch)
	}
	return q
}

// UpsertPriceConfiguration creates or reprices the configuration of a product in a scope,
// then rebuilds the per-channel recipe expansion of every composed product it affects.
func UpsertPriceConfiguration(ctx context.Context, input *NewPriceConfiguration) (*PriceConfiguration, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, NewValidationError("product_id", "is required")
	}
	if input.SellingPriceExcl.IsNegative() {
		return nil, NewValidationError("selling_price_excl", "must not be negative")
	}
	scope, err := input.Scope()
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	var result *PriceConfiguration
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pc, err := upsertPriceConfiguration(tx, businessId, input.ProductId, scope, input.SellingPriceExcl, false)
		if err != nil {
			return err
		}
		result = pc
		return rebuildAffectedRecipes(tx, businessId, input.ProductId)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func upsertPriceConfiguration(tx *gorm.DB, businessId string, productId int, scope PriceScope, price decimal.Decimal, placeholder bool) (*PriceConfiguration, error) {
	if _, err := loadProduct(tx, businessId, productId); err != nil {
		return nil, err
	}
	if loc, ok := scope.LocationId(); ok {
		if err := utils.ValidateResourceIdTx[StorageLocation](tx, businessId, loc); err != nil {
			return nil, notFound(err, "storage location", loc)
		}
	}
	if ch, ok := scope.SalesChannelId(); ok {
		if err := utils.ValidateResourceIdTx[SalesChannel](tx, businessId, ch); err != nil {
			return nil, notFound(err, "sales channel", ch)
		}
	}

	// a product has one override per channel: match it on the channel alone and move its location
	match := scope
	if ch, ok := scope.SalesChannelId(); ok {
		match = ChannelScope(ch, 0)
	}
	var existing PriceConfiguration
	err := scopeQuery(tx, businessId, productId, match).Limit(1).Find(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing.ID > 0 {
		if placeholder {
			return &existing, nil
		}
		updates := map[string]interface{}{
			"selling_price_excl": price,
			"is_placeholder":     false,
		}
		if loc, ok := scope.LocationId(); ok && scope.Kind() == PriceScopeChannel {
			updates["location_id"] = loc
			existing.LocationId = &loc
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return nil, err
		}
		existing.SellingPriceExcl = price
		existing.IsPlaceholder = false
		return &existing, nil
	}

	pc := PriceConfiguration{
		BusinessId:       businessId,
		ProductId:        productId,
		SellingPriceExcl: price,
		IsPlaceholder:    placeholder,
	}
	pc.SetScope(scope)
	if err := tx.Create(&pc).Error; err != nil {
		return nil, err
	}
	return &pc, nil
}

// rebuildAffectedRecipes refreshes the expansion of productId itself (when composed)
// and of every composed product that uses it as an ingredient.
func rebuildAffectedRecipes(tx *gorm.DB, businessId string, productId int) error {
	var ids []int
	if err := tx.Model(&RecipeLine{}).
		Where("business_id = ? AND (product_id = ? OR ingredient_id = ?)", businessId, productId, productId).
		Distinct().Pluck("product_id", &ids).Error; err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := RebuildRecipeByChannel(tx, businessId, id); err != nil {
			return err
		}
	}
	return nil
}

func hasLocationConfiguration(tx *gorm.DB, businessId string, productId int, locationId int) (bool, error) {
	var count int64
	err := scopeQuery(tx, businessId, productId, LocationScope(locationId)).Count(&count).Error
	return count > 0, err
}

// ResolveChannelLocation returns the location a product is drawn from when sold at a channel:
// a per-channel configuration's location wins over the channel's default.
func ResolveChannelLocation(tx *gorm.DB, businessId string, productId int, channel *SalesChannel) (int, error) {
	var pc PriceConfiguration
	err := scopeQuery(tx, businessId, productId, ChannelScope(channel.ID, 0)).
		Order("id").Limit(1).Find(&pc).Error
	if err != nil {
		return 0, err
	}
	if pc.ID > 0 && pc.LocationId != nil && *pc.LocationId > 0 {
		return *pc.LocationId, nil
	}
	if channel.DefaultLocationId <= 0 {
		return 0, NewValidationError("location_id", "sales channel %d has no default location", channel.ID)
	}
	return channel.DefaultLocationId, nil
}

// pricedChannels lists the channels a product is sold at: every channel when a global
// price exists, otherwise those with a per-channel configuration.
func pricedChannels(tx *gorm.DB, businessId string, productId int) ([]*SalesChannel, error) {
	var global int64
	if err := scopeQuery(tx, businessId, productId, GlobalScope()).Count(&global).Error; err != nil {
		return nil, err
	}
	var channels []*SalesChannel
	q := tx.Where("business_id = ?", businessId)
	if global == 0 {
		sub := tx.Model(&PriceConfiguration{}).Select("sales_channel_id").
			Where("business_id = ? AND product_id = ? AND scope_kind = ?", businessId, productId, PriceScopeChannel)
		q = q.Where("id IN (?)", sub)
	}
	if err := q.Order("id").Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

// sellingPriceAt picks the most specific price: per-channel, then per-location, then global.
func sellingPriceAt(tx *gorm.DB, businessId string, productId int, channel *SalesChannel, locationId int) (decimal.Decimal, bool, error) {
	candidates := []*gorm.DB{
		scopeQuery(tx, businessId, productId, ChannelScope(channel.ID, 0)),
		scopeQuery(tx, businessId, productId, LocationScope(locationId)),
		scopeQuery(tx, businessId, productId, GlobalScope()),
	}
	for _, q := range candidates {
		var pc PriceConfiguration
		if err := q.Order("id").Limit(1).Find(&pc).Error; err != nil {
			return decimal.Zero, false, err
		}
		if pc.ID > 0 {
			return pc.SellingPriceExcl, true, nil
		}
	}
	return decimal.Zero, false, nil
}
