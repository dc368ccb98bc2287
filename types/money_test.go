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
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCurrency(t *testing.T) {
	assert.Equal(t, Currency("BTC"), NewCurrency(" btc "))
	assert.Equal(t, Currency("USD"), NewCurrency("usd"))
	assert.True(t, NewCurrency("USD").IsFiat())
	assert.True(t, NewCurrency("eur").IsFiat())
	assert.False(t, NewCurrency("BTC").IsFiat())
}

func TestMoneyArithmetic(t *testing.T) {
	a := MustMoney("1.5", "BTC")
	b := MustMoney("0.25", "BTC")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "1.75", sum.Amount.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, "1.25", diff.Amount.String())

	_, err = a.Add(MustMoney("1", "ETH"))
	assert.Error(t, err, "mixed currencies must not add")
}

func TestMoneyNoFloatDrift(t *testing.T) {
	// 0.1 + 0.2 is exactly 0.3 in decimal arithmetic.
	a := MustMoney("0.1", "USD")
	b := MustMoney("0.2", "USD")
	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.True(t, sum.Amount.Equal(decimal.RequireFromString("0.3")))
}

func TestWithinTolerance(t *testing.T) {
	a := decimal.RequireFromString("100")
	b := decimal.RequireFromString("100.4")
	assert.True(t, WithinTolerance(a, b, decimal.RequireFromString("0.005")))
	assert.False(t, WithinTolerance(a, b, decimal.RequireFromString("0.003")))
}
