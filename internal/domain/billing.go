package domain

// CheckoutRequest запрос на создание страницы оплаты у провайдера
type CheckoutRequest struct {
	UserID     string
	Email      string
	Tier       Tier
	CustomerID string
}

// CheckoutSession страница оплаты, созданная провайдером
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
