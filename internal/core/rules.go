package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

func NormalizeOrder(order Order, rules Rules) (Order, error) {
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		order.Qty = RoundDown(order.Qty, rules.QtyStep)
	}
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && order.Qty.Cmp(rules.MinQty) < 0 {
		return order, ErrBelowMinQty
	}
	if order.Type == Market && order.Price.Cmp(decimal.Zero) <= 0 {
		return order, nil
	}
	if order.Type != Market {
		if order.Price.Cmp(decimal.Zero) <= 0 {
			return order, ErrInvalidOrder
		}
		if rules.PriceTick.Cmp(decimal.Zero) > 0 {
			order.Price = roundPriceForSide(order.Price, rules.PriceTick, order.Side)
		}
		if order.Price.Cmp(decimal.Zero) <= 0 {
			return order, ErrInvalidOrder
		}
	}
	// Reduce-only orders close exposure and are exempt from the notional floor.
	if !order.ReduceOnly && rules.MinNotional.Cmp(decimal.Zero) > 0 {
		notional := order.Price.Mul(order.Qty)
		if notional.Cmp(rules.MinNotional) < 0 {
			return order, ErrBelowMinNotional
		}
	}
	return order, nil
}

// roundPriceForSide keeps bids from moving up and asks from moving down.
func roundPriceForSide(price, tick decimal.Decimal, side Side) decimal.Decimal {
	if side == Sell {
		return RoundUp(price, tick)
	}
	return RoundDown(price, tick)
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

func RoundUp(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

// RoundNearest rounds half away from zero.
func RoundNearest(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Round(0).Mul(step)
}
