// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

//go:build !((linux || darwin || freebsd) && cgo)

package native

import (
	"errors"

	plugins "github.com/plughost/plughost/internal/plugin"
)

const supported = false

func openSymbol(path, _ string) (any, error) {
	return nil, plugins.ErrLoadFailed(path, errors.New("native plugins require cgo on linux, darwin or freebsd"))
}
