package filestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFor(t *testing.T) {
	tests := []struct {
		owner, file string
		want        string
		wantErr     bool
	}{
		{"u1", "a.pdf", "u1/a.pdf", false},
		{"", "a.pdf", "", true},
		{"u1", "", "", true},
		{"..", "a.pdf", "", true},
		{"u1", "../etc/passwd", "", true},
		{"u1", `sub\a.pdf`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.owner+"/"+tt.file, func(t *testing.T) {
			got, err := PathFor(tt.owner, tt.file)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCleanName(t *testing.T) {
	got, err := cleanName("../../u1/./a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "u1/a.pdf", got)

	_, err = cleanName("/")
	assert.ErrorIs(t, err, ErrInvalidPath)
}
