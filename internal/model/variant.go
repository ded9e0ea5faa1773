package model

// Variant is a purchasable SKU of a catalog product.  The catalog owns
// the row; the checkout core only reads it, except for OnHand which is
// decremented when a paid checkout is finalized.
//
// Fields:
//  ID         – variant identifier (UUID string).
//  ProductID  – parent product identifier.
//  SKU        – merchant stock keeping unit.
//  PriceCents – unit price in minor currency units.
//  OnHand     – physical stock before reservations are subtracted.
type Variant struct {
    ID         string // variants.id
    ProductID  string // variants.product_id
    SKU        string // variants.sku
    PriceCents int64  // variants.price_cents
    OnHand     int    // variants.on_hand
}
