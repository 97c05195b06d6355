package models

type MovementType string

const (
	MovementTypeSale                MovementType = "Sale"
	MovementTypeRestock             MovementType = "Restock"
	MovementTypeTransfer            MovementType = "Transfer"
	MovementTypeInventoryAdjustment MovementType = "InventoryAdjustment"
	MovementTypeBreakage            MovementType = "Breakage"
	MovementTypeAdjustment          MovementType = "Adjustment"
)

func (t MovementType) IsValid() bool {
	switch t {
	case MovementTypeSale, MovementTypeRestock, MovementTypeTransfer,
		MovementTypeInventoryAdjustment, MovementTypeBreakage, MovementTypeAdjustment:
		return true
	}
	return false
}

type StockReferenceType string

const (
	StockReferenceTypeManual           StockReferenceType = "MANUAL"
	StockReferenceTypeSale             StockReferenceType = "SALE"
	StockReferenceTypeTransfer         StockReferenceType = "TRANSFER"
	StockReferenceTypeInventory        StockReferenceType = "INVENTORY"
	StockReferenceTypeRecipeAdjustment StockReferenceType = "RECIPE_ADJUSTMENT"
	StockReferenceTypeRepair           StockReferenceType = "REPAIR"
	StockReferenceTypeReversal         StockReferenceType = "REVERSAL"
)

type ProductKind string

const (
	ProductKindRawMaterial ProductKind = "RawMaterial"
	ProductKindConsumable  ProductKind = "Consumable"
	ProductKindSellable    ProductKind = "Sellable"
)

func (k ProductKind) IsValid() bool {
	return k == ProductKindRawMaterial || k == ProductKindConsumable || k == ProductKindSellable
}

type InventoryStatus string

const (
	InventoryStatusDraft     InventoryStatus = "Draft"
	InventoryStatusValidated InventoryStatus = "Validated"
	InventoryStatusCancelled InventoryStatus = "Cancelled"
)

type PriceScopeKind string

const (
	PriceScopeGlobal   PriceScopeKind = "Global"
	PriceScopeLocation PriceScopeKind = "Location"
	PriceScopeChannel  PriceScopeKind = "Channel"
)

type RecipeModificationKind string

const (
	RecipeModificationCreate RecipeModificationKind = "Create"
	RecipeModificationUpdate RecipeModificationKind = "Update"
)

type RecipeAdjustmentScope string

const (
	RecipeAdjustmentSinceLastChange RecipeAdjustmentScope = "SinceLastChange"
	RecipeAdjustmentSinceInception  RecipeAdjustmentScope = "SinceInception"
)

func (s RecipeAdjustmentScope) IsValid() bool {
	return s == RecipeAdjustmentSinceLastChange || s == RecipeAdjustmentSinceInception
}

type RecipeAdjustmentRunStatus string

const (
	RecipeAdjustmentPending   RecipeAdjustmentRunStatus = "Pending"
	RecipeAdjustmentApplied   RecipeAdjustmentRunStatus = "Applied"
	RecipeAdjustmentCancelled RecipeAdjustmentRunStatus = "Cancelled"
)
