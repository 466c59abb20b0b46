// README: Common money value object used across modules (amounts in minor units).
package types

import (
	"errors"
	"fmt"
	"math"
)

const DefaultCurrency = "MYR"

var ErrAmountOverflow = errors.New("money amount out of range")

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func NewMoney(amount int64, currency string) Money {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{Amount: amount, Currency: currency}
}

func (m Money) Add(o Money) Money {
	return Money{Amount: m.Amount + o.Amount, Currency: m.currencyOr(o.Currency)}
}

// Mul scales m by n. It fails instead of wrapping around.
func (m Money) Mul(n int) (Money, error) {
	k := int64(n)
	if m.Amount != 0 && k != 0 {
		if (m.Amount == math.MinInt64 && k == -1) || (k == math.MinInt64 && m.Amount == -1) {
			return Money{}, ErrAmountOverflow
		}
		if p := m.Amount * k; p/k != m.Amount {
			return Money{}, ErrAmountOverflow
		}
	}
	return Money{Amount: m.Amount * k, Currency: m.Currency}, nil
}

// Plus is Add that fails instead of wrapping around.
func (m Money) Plus(o Money) (Money, error) {
	if (o.Amount > 0 && m.Amount > math.MaxInt64-o.Amount) || (o.Amount < 0 && m.Amount < math.MinInt64-o.Amount) {
		return Money{}, ErrAmountOverflow
	}
	return m.Add(o), nil
}

func (m Money) Less(o Money) bool {
	return m.Amount < o.Amount
}

func (m Money) IsZero() bool {
	return m.Amount == 0
}

// Major returns the amount in major units (e.g. 2350 sen -> 23.5).
func (m Money) Major() float64 {
	return float64(m.Amount) / 100
}

// String formats as "23.50".
func (m Money) String() string {
	sign := ""
	a := m.Amount
	if a < 0 {
		sign = "-"
		a = -a
	}
	return fmt.Sprintf("%s%d.%02d", sign, a/100, a%100)
}

func (m Money) currencyOr(c string) string {
	if m.Currency != "" {
		return m.Currency
	}
	return c
}
