package strategy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perp-grid/internal/core"
)

// ErrSetup marks a failed leverage / position mode / margin mode configuration.
var ErrSetup = errors.New("symbol setup failed")

// IndicatorMainTimeFrameVolume is the liquidity indicator used to rank admission candidates.
const IndicatorMainTimeFrameVolume = "main_timeframe_volume"

type TradingMode string

const (
	TradingModeDual     TradingMode = "dual"
	TradingModeLong     TradingMode = "long"
	TradingModeShort    TradingMode = "short"
	TradingModeReadOnly TradingMode = "readonly"
)

func NormalizeTradingMode(mode TradingMode) TradingMode {
	m := TradingMode(strings.ToLower(strings.TrimSpace(string(mode))))
	switch m {
	case TradingModeLong, TradingModeShort, TradingModeReadOnly:
		return m
	default:
		return TradingModeDual
	}
}

func (m TradingMode) allowsLong() bool {
	return m == TradingModeDual || m == TradingModeLong
}

func (m TradingMode) allowsShort() bool {
	return m == TradingModeDual || m == TradingModeShort
}

// SideState is the per-side lifecycle: Flat -> Entering -> Open -> Unstucking -> Flat.
type SideState string

const (
	SideFlat       SideState = "flat"
	SideEntering   SideState = "entering"
	SideOpen       SideState = "open"
	SideUnstucking SideState = "unstucking"
)

// ExecuteParams are the per-cycle permissions granted by admission.
type ExecuteParams struct {
	AllowLongOpen   bool
	AllowShortOpen  bool
	AllowExtraLong  bool
	AllowExtraShort bool
	LongUnstucking  bool
	ShortUnstucking bool
}

// AllowAll grants every entry permission without unstucking.
func AllowAll() ExecuteParams {
	return ExecuteParams{
		AllowLongOpen:   true,
		AllowShortOpen:  true,
		AllowExtraLong:  true,
		AllowExtraShort: true,
	}
}

// StrategyState aggregates exposure over every position of the account for one cycle.
// Exposures and UnrealizedPnL are fractions of WalletBalance.
type StrategyState struct {
	WalletBalance      decimal.Decimal `json:"wallet_balance"`
	TotalLongNotional  decimal.Decimal `json:"total_long_notional"`
	TotalShortNotional decimal.Decimal `json:"total_short_notional"`
	LongExposure       decimal.Decimal `json:"long_exposure"`
	ShortExposure      decimal.Decimal `json:"short_exposure"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	LongPositions      int             `json:"long_positions"`
	ShortPositions     int             `json:"short_positions"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// SignalInput is what an evaluator sees for one symbol.
type SignalInput struct {
	Symbol  string
	Price   decimal.Decimal
	Ticker  core.Ticker
	Primary []core.Candle
	Windows map[core.Timeframe][]core.Candle
	Long    core.Position
	Short   core.Position
}

type Signals struct {
	Buy        bool                       `json:"buy"`
	Sell       bool                       `json:"sell"`
	BuyExtra   bool                       `json:"buy_extra"`
	SellExtra  bool                       `json:"sell_extra"`
	Indicators map[string]decimal.Decimal `json:"indicators,omitempty"`
}

// SignalEvaluator produces entry signals for a unit. Implementations must be pure.
type SignalEvaluator interface {
	Evaluate(in SignalInput) Signals
}

// OrderExchange is the subset of the exchange a unit trades through.
type OrderExchange interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetPositionMode(ctx context.Context, hedge bool) error
	SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) error
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	PlaceTakeProfit(ctx context.Context, order core.Order, force bool) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Recorder receives order outcomes, typically for metrics.
type Recorder interface {
	OrderPlaced(symbol, kind string)
	OrderFailed(symbol, kind string)
}

type nopRecorder struct{}

func (nopRecorder) OrderPlaced(string, string) {}
func (nopRecorder) OrderFailed(string, string) {}
