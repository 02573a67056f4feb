package broker

// Position 表示券商返回的单个持仓。
type Position struct {
	SecurityID       string  `json:"securityId"`
	TradingSymbol    string  `json:"tradingSymbol"`
	ExchangeSegment  string  `json:"exchangeSegment"`
	ProductType      string  `json:"productType"`
	NetQty           float64 `json:"netQty"`
	BuyAvg           float64 `json:"buyAvg"`
	SellAvg          float64 `json:"sellAvg"`
	RealizedProfit   float64 `json:"realizedProfit"`
	UnrealizedProfit float64 `json:"unrealizedProfit"`
}

// Order 表示券商返回的单笔订单。
type Order struct {
	OrderID         string  `json:"orderId"`
	Status          string  `json:"orderStatus"`
	TradingSymbol   string  `json:"tradingSymbol"`
	SecurityID      string  `json:"securityId"`
	ExchangeSegment string  `json:"exchangeSegment"`
	TransactionType string  `json:"transactionType"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price"`
}

// OrderRequest 为下单请求体。
type OrderRequest struct {
	SecurityID      string  `json:"securityId"`
	ExchangeSegment string  `json:"exchangeSegment"`
	TransactionType string  `json:"transactionType"`
	ProductType     string  `json:"productType"`
	OrderType       string  `json:"orderType"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
}

// 下单方向与订单类型常量。
const (
	TransactionBuy  = "BUY"
	TransactionSell = "SELL"
	OrderTypeMarket = "MARKET"
)
