// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

//go:build (linux || darwin || freebsd) && cgo

package native

import (
	"path/filepath"
	"plugin"
	"strings"

	plugins "github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/pkg/pluginsdk"
)

const supported = true

func openSymbol(path, name string) (any, error) {
	p, err := plugin.Open(filepath.Clean(path))
	if err != nil {
		// built against other versions of the host's packages; the tag is unknown
		if strings.Contains(err.Error(), "different version of package") {
			return nil, plugins.ErrAbiMismatch(path, pluginsdk.ABIVersion, 0)
		}
		return nil, plugins.ErrLoadFailed(path, err)
	}
	sym, err := p.Lookup(name)
	if err != nil {
		return nil, plugins.ErrSymbolNotFound(path, name)
	}
	return sym, nil
}
