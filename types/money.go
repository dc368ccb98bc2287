// Copyright 2025 The exitbook Authors
// This file is part of the exitbook library.
//
// The exitbook library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The exitbook library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the exitbook library. If not, see <http://www.gnu.org/licenses/>.

package types

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Money is an amount of a single currency. All settlement-path arithmetic
// is decimal; floats never enter here.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

// NewMoney parses a decimal string amount.
func NewMoney(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, errors.Wrapf(err, "invalid decimal amount %q", amount)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// MustMoney is NewMoney for statically known literals. It panics on a
// malformed amount and is meant for tests and registry defaults.
func MustMoney(amount string, currency Currency) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Add returns m + other. Mixing currencies is a programming error.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, errors.Errorf("currency mismatch: %s + %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, errors.Errorf("currency mismatch: %s - %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Abs returns the money with a non-negative amount.
func (m Money) Abs() Money {
	return Money{Amount: m.Amount.Abs(), Currency: m.Currency}
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.Amount.IsZero() }

func (m Money) String() string {
	return m.Amount.String() + " " + string(m.Currency)
}

// WithinTolerance reports whether |a-b| <= |b| * tol. A zero reference
// amount only matches a zero candidate.
func WithinTolerance(a, b decimal.Decimal, tol decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	if b.IsZero() {
		return diff.IsZero()
	}
	return diff.LessThanOrEqual(b.Abs().Mul(tol))
}
