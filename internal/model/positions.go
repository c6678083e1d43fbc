package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BinaryDirection is the side of a binary option.
type BinaryDirection string

const (
	Call BinaryDirection = "CALL"
	Put  BinaryDirection = "PUT"
)

// BinaryStatus is the lifecycle state of a binary position.
type BinaryStatus string

const (
	BinaryPending   BinaryStatus = "PENDING"
	BinaryActive    BinaryStatus = "ACTIVE"
	BinaryWon       BinaryStatus = "WON"
	BinaryLost      BinaryStatus = "LOST"
	BinaryCancelled BinaryStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s BinaryStatus) Terminal() bool {
	return s == BinaryWon || s == BinaryLost || s == BinaryCancelled
}

// BinaryPosition is a timed CALL/PUT contract. The stake is escrowed at
// creation; StrikePrice and ExpiryTime are zero while the order is PENDING.
type BinaryPosition struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Asset           string          `json:"asset"`
	Direction       BinaryDirection `json:"direction"`
	Amount          decimal.Decimal `json:"amount"`
	StrikePrice     decimal.Decimal `json:"strike_price"`
	TargetPrice     decimal.Decimal `json:"target_price"`
	DurationSeconds int             `json:"duration_seconds"`
	ExpiryTime      time.Time       `json:"expiry_time"`
	Status          BinaryStatus    `json:"status"`
	ResultAmount    decimal.Decimal `json:"result_amount"`
	SettlementPrice decimal.Decimal `json:"settlement_price"`
	CreatedAt       time.Time       `json:"created_at"`
	SettledAt       time.Time       `json:"settled_at"`
}

// OrderType is the side of a P2P trade from the account's perspective.
type OrderType string

const (
	OrderBuy  OrderType = "BUY"
	OrderSell OrderType = "SELL"
)

// OrderStatus is the state of a P2P order.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "CREATED"
	OrderPaid      OrderStatus = "PAID"
	OrderReleased  OrderStatus = "RELEASED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderDispute   OrderStatus = "DISPUTE"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderReleased || s == OrderCancelled
}

// P2POffer is a merchant advertisement an order is opened against.
type P2POffer struct {
	ID           string          `json:"id" yaml:"id"`
	Type         OrderType       `json:"type" yaml:"type"`
	Asset        string          `json:"asset" yaml:"asset"`
	FiatCurrency string          `json:"fiat_currency" yaml:"fiat_currency"`
	Price        decimal.Decimal `json:"price" yaml:"price"`
	LimitMin     decimal.Decimal `json:"limit_min" yaml:"limit_min"`
	LimitMax     decimal.Decimal `json:"limit_max" yaml:"limit_max"`
	Merchant     string          `json:"merchant" yaml:"merchant"`
}

// ChatMessage is one entry of an order's append-only chat log.
type ChatMessage struct {
	Sender  string    `json:"sender"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// P2POrder is an escrowed peer-to-peer trade.
type P2POrder struct {
	ID              string          `json:"id"`
	OfferRef        string          `json:"offer_ref"`
	AccountID       string          `json:"account_id"`
	Type            OrderType       `json:"type"`
	Asset           string          `json:"asset"`
	FiatCurrency    string          `json:"fiat_currency"`
	FiatAmount      decimal.Decimal `json:"fiat_amount"`
	AssetAmount     decimal.Decimal `json:"asset_amount"` // fiatAmount / price
	Price           decimal.Decimal `json:"price"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	PaymentDeadline time.Time       `json:"payment_deadline"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ChatHistory     []ChatMessage   `json:"chat_history"`
}

// FixedTermPlan is a staking product with a bounded pool.
type FixedTermPlan struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	Asset        string          `json:"asset" yaml:"asset"`
	APYPercent   decimal.Decimal `json:"apy_percent" yaml:"apy_percent"`
	DurationDays int             `json:"duration_days" yaml:"duration_days"`
	MinAmount    decimal.Decimal `json:"min_amount" yaml:"min_amount"`
	PoolTotal    decimal.Decimal `json:"pool_total" yaml:"pool_total"`
	PoolFilled   decimal.Decimal `json:"pool_filled" yaml:"pool_filled"` // never exceeds PoolTotal
}

// InvestmentStatus is the state of a fixed-term investment.
type InvestmentStatus string

const (
	InvestmentActive  InvestmentStatus = "ACTIVE"
	InvestmentMatured InvestmentStatus = "MATURED"
)

// FixedInvestment is principal locked into a plan. APY and duration are
// copied from the plan at creation; MaturityDate is never recomputed.
type FixedInvestment struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"account_id"`
	PlanRef      string           `json:"plan_ref"`
	Amount       decimal.Decimal  `json:"amount"`
	Asset        string           `json:"asset"`
	APYPercent   decimal.Decimal  `json:"apy_percent"`
	DurationDays int              `json:"duration_days"`
	StartDate    time.Time        `json:"start_date"`
	MaturityDate time.Time        `json:"maturity_date"`
	Status       InvestmentStatus `json:"status"`
	PaidOut      bool             `json:"paid_out"`
	PayoutAmount decimal.Decimal  `json:"payout_amount"`
}

// TraderProfile is the read-only catalog entry of a copyable trader.
type TraderProfile struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	ROI       decimal.Decimal `json:"roi" yaml:"roi"`
	RiskScore int             `json:"risk_score" yaml:"risk_score"`
	WinRate   decimal.Decimal `json:"win_rate" yaml:"win_rate"`
	AUM       decimal.Decimal `json:"aum" yaml:"aum"`
}

// TraderPerformance is one sample of the external trader performance feed.
// ReturnRatio is the realized return for the period (0.02 = +2%); TradePnL is
// the absolute profit or loss a fixed-amount follower books for the period.
type TraderPerformance struct {
	TraderID    string          `json:"trader_id"`
	ReturnRatio decimal.Decimal `json:"return_ratio"`
	TradePnL    decimal.Decimal `json:"trade_pnl"`
	At          time.Time       `json:"at"`
}

// CopyMode selects how trader performance maps onto a follower position.
type CopyMode string

const (
	CopyProportional CopyMode = "PROPORTIONAL"
	CopyFixedAmount  CopyMode = "FIXED_AMOUNT"
)

// CopyStatus is the state of a copy position.
type CopyStatus string

const (
	CopyOpen   CopyStatus = "OPEN"
	CopyClosed CopyStatus = "CLOSED"
)

// CloseReason records why a copy position was closed.
type CloseReason string

const (
	CloseManual     CloseReason = "MANUAL"
	CloseStopLoss   CloseReason = "STOP_LOSS"
	CloseTakeProfit CloseReason = "TAKE_PROFIT"
)

// CopyPosition mirrors a trader with an allocated amount.
type CopyPosition struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	TraderRef         string          `json:"trader_ref"`
	AllocatedAmount   decimal.Decimal `json:"allocated_amount"`
	CurrentValue      decimal.Decimal `json:"current_value"`
	Mode              CopyMode        `json:"mode"`
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent"`
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent"`
	Status            CopyStatus      `json:"status"`
	CloseReason       CloseReason     `json:"close_reason,omitempty"`
	OpenedAt          time.Time       `json:"opened_at"`
	LastValuedAt      time.Time       `json:"last_valued_at"`
	ClosedAt          time.Time       `json:"closed_at"`
}
