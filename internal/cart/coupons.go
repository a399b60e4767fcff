package cart

import "strings"

// Coupon codes and their percentage discounts. Validation is client-local;
// codes are matched case-insensitively and stored upper-cased.
var coupons = map[string]float64{
	"WELCOME10": 10,
	"SAVE20":    20,
	"HOSTPRO30": 30,
}

// lookupCoupon normalizes the code and returns its discount percentage.
func lookupCoupon(code string) (string, float64, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	percent, ok := coupons[normalized]
	return normalized, percent, ok
}
