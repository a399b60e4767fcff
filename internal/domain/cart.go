package domain

// CartItem is one line in the cart. Price is the unit price already resolved
// for the chosen billing cycle.
type CartItem struct {
	ID           string  `json:"id"`
	ProductID    string  `json:"productId"`
	PlanID       string  `json:"planId"`
	ProductName  string  `json:"productName"`
	PlanName     string  `json:"planName"`
	Price        float64 `json:"price"`
	BillingCycle string  `json:"billingCycle"`
	Quantity     int     `json:"quantity"`
}

// CartState is the persisted cart snapshot. Subtotal, Tax, Total and Discount
// are derived values, recomputed after every mutation.
type CartState struct {
	Items      []CartItem `json:"items"`
	Subtotal   float64    `json:"subtotal"`
	Tax        float64    `json:"tax"`
	Total      float64    `json:"total"`
	CouponCode string     `json:"couponCode,omitempty"`
	Discount   float64    `json:"discount"`
}
