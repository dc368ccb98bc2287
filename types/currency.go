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

// Package types defines the canonical data model shared by the ingestion
// engine, the processor and the persistence layer.
package types

import "strings"

// Currency is a normalized asset symbol. The zero value is invalid.
type Currency string

// fiat symbols recognised by IsFiat. Stablecoins are deliberately not
// included: they settle like any other token.
var fiatSymbols = map[Currency]bool{
	"USD": true, "EUR": true, "GBP": true, "CAD": true,
	"AUD": true, "JPY": true, "CHF": true, "NZD": true,
}

// NewCurrency normalizes a raw provider symbol to its canonical upper-case
// form, stripping venue prefixes like Kraken's X/Z notation is left to the
// provider clients; this only trims and upper-cases.
func NewCurrency(symbol string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(symbol)))
}

// IsFiat reports whether the currency is a government-issued currency.
func (c Currency) IsFiat() bool {
	return fiatSymbols[c]
}

func (c Currency) String() string { return string(c) }
