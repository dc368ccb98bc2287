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

// Package all registers every built-in provider.
package all

import (
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/provider/coinbase"
	"github.com/jbelanger/exitbook-sub011/provider/esplora"
	"github.com/jbelanger/exitbook-sub011/provider/etherscan"
	"github.com/jbelanger/exitbook-sub011/provider/kraken"
)

// Register wires the built-in providers into the registry.
func Register(reg *provider.Registry) {
	esplora.Register(reg)
	etherscan.Register(reg)
	kraken.Register(reg)
	coinbase.Register(reg)
}
