package orders

// CreateOrderInput carries one purchase request.
type CreateOrderInput struct {
	UserID     int64
	ItemID     int64
	PromoID    *int64
	Amount     int
	StockLogID string
}
