package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/fsutil"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		in      string
		want    *fsutil.Owner
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "1000:1000", want: &fsutil.Owner{UID: 1000, GID: 1000}},
		{in: "0:5", want: &fsutil.Owner{UID: 0, GID: 5}},
		{in: "1000", wantErr: true},
		{in: "a:1", wantErr: true},
		{in: "1:b", wantErr: true},
		{in: "1:2:3", wantErr: true},
		{in: "-1:2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := fsutil.ParseOwner(tt.in)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteFile_NilOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	require.NoError(t, fsutil.MkdirAll(dir, 0o755, nil))
	require.NoError(t, fsutil.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644, nil))

	data, err := os.ReadFile(filepath.Join(dir, "f"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}
