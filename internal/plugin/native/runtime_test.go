// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package native_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/internal/plugin/native"
	"github.com/plughost/plughost/pkg/errutil"
)

// elfHeader builds a bare little-endian ELF64 header of the given type with
// no program or section headers.
func elfHeader(typ uint16) []byte {
	h := make([]byte, 64)
	copy(h, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(h[16:], typ)
	binary.LittleEndian.PutUint16(h[18:], 0x3e) // x86-64
	binary.LittleEndian.PutUint32(h[20:], 1)
	binary.LittleEndian.PutUint16(h[52:], 64)
	return h
}

func writeEntry(t *testing.T, content []byte) *plugins.Descriptor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "module.so")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return &plugins.Descriptor{ID: "native", Runtime: plugins.RuntimeNative, Entry: path}
}

func TestRuntime_Kind(t *testing.T) {
	assert.Equal(t, plugins.RuntimeNative, native.NewRuntime().Kind())
}

func TestRuntime_Inspect(t *testing.T) {
	rt := native.NewRuntime()
	ctx := context.Background()

	tests := []struct {
		name     string
		content  []byte
		wantCode string
	}{
		{"shared object", elfHeader(3), ""},
		{"executable", elfHeader(2), plugins.CodeInvalidFormat},
		{"text file", []byte("not a module"), plugins.CodeInvalidFormat},
		{"empty file", []byte{}, plugins.CodeInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rt.Inspect(ctx, writeEntry(t, tt.content))
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			errutil.AssertErrorCode(t, err, tt.wantCode)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		d := &plugins.Descriptor{ID: "native", Entry: filepath.Join(t.TempDir(), "gone.so")}
		errutil.AssertErrorCode(t, rt.Inspect(ctx, d), plugins.CodeFileNotFound)
	})
}

func TestRuntime_Open_NotAPlugin(t *testing.T) {
	_, err := native.NewRuntime().Open(context.Background(), writeEntry(t, []byte("not a module")))
	errutil.AssertErrorCode(t, err, plugins.CodeLoadFailed)
}
