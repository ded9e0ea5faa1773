package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iliyamo/storefront-checkout/internal/model"
)

// parseSeed reads "id:price_cents:on_hand" entries separated by commas.
// An empty string yields no variants.
func parseSeed(s string) ([]model.Variant, error) {
	var out []model.Variant
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("seed entry %q: want id:price_cents:on_hand", entry)
		}
		price, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || price < 0 {
			return nil, fmt.Errorf("seed entry %q: bad price", entry)
		}
		onHand, err := strconv.Atoi(parts[2])
		if err != nil || onHand < 0 {
			return nil, fmt.Errorf("seed entry %q: bad on-hand quantity", entry)
		}
		out = append(out, model.Variant{ID: parts[0], SKU: parts[0], PriceCents: price, OnHand: onHand})
	}
	return out, nil
}
