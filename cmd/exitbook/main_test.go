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

package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v2"
)

// runApp captures the exit code without letting urfave terminate the
// test process.
func runApp(t *testing.T, args ...string) int {
	t.Helper()
	code := 0
	exiter := cli.OsExiter
	cli.OsExiter = func(c int) {
		if c != 0 {
			code = c
		}
	}
	t.Cleanup(func() { cli.OsExiter = exiter })

	app := newApp()
	app.Writer = io.Discard
	app.ErrWriter = io.Discard
	_ = app.Run(append([]string{"exitbook"}, args...))
	return code
}

func TestUsageErrorsExitWithCode2(t *testing.T) {
	assert.Equal(t, 2, runApp(t, "--no-such-flag"))
	assert.Equal(t, 2, runApp(t, "no-such-command"))
}

func TestHelpExitsClean(t *testing.T) {
	assert.Equal(t, 0, runApp(t, "--help"))
}
