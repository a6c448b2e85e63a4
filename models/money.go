package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a non-negative decimal amount in a single currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney builds a Money value, rejecting negative amounts.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	if amount.IsNegative() {
		return Money{}, fmt.Errorf("money: negative amount %s", amount)
	}
	if currency == "" {
		return Money{}, fmt.Errorf("money: missing currency")
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// MustMoney is NewMoney for trusted inputs (config defaults, tests).
func MustMoney(amount string, currency string) Money {
	m, err := NewMoney(decimal.RequireFromString(amount), currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// GreaterThan reports whether m exceeds other. Comparing across
// currencies is a caller bug and reports false.
func (m Money) GreaterThan(other Money) bool {
	if m.Currency != other.Currency {
		return false
	}
	return m.Amount.GreaterThan(other.Amount)
}

// Scale multiplies the amount by factor, keeping the currency.
func (m Money) Scale(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor), Currency: m.Currency}
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.String(), m.Currency)
}
