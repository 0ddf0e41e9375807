package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Acme Corp", "acme-corp"},
		{"  Hello,   World!  ", "hello-world"},
		{"Ünïcode Team", "n-code-team"},
		{"---", "workspace"},
		{"", "workspace"},
		{"already-slugged", "already-slugged"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestUniqueSlugSuffixesOnCollision(t *testing.T) {
	existing := map[string]bool{"acme": true, "acme-2": true}
	slug, err := UniqueSlug("acme", func(s string) (bool, error) { return existing[s], nil })
	require.NoError(t, err)
	assert.Equal(t, "acme-3", slug)
}

func TestUniqueSlugPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := UniqueSlug("acme", func(string) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}

func TestNewIDAndToken(t *testing.T) {
	id := NewID()
	assert.True(t, IsID(id))
	assert.NotEqual(t, id, NewID())
	assert.Len(t, NewToken(), 64)
	assert.False(t, IsID("not-a-uuid"))
}
