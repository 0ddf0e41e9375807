package storage

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestDetectImage(t *testing.T) {
	cases := []struct {
		name    string
		data    []byte
		want    string
		ext     string
		wantErr error
	}{
		{name: "png", data: pngHeader, want: "image/png", ext: ".png"},
		{name: "jpeg", data: []byte("\xFF\xD8\xFF\xE0\x00\x10JFIF"), want: "image/jpeg", ext: ".jpg"},
		{name: "webp", data: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), want: "image/webp", ext: ".webp"},
		{name: "gif rejected", data: []byte("GIF89a"), wantErr: ErrUnsupportedImage},
		{name: "text rejected", data: []byte("hello"), wantErr: ErrUnsupportedImage},
		{name: "too large", data: append(pngHeader, bytes.Repeat([]byte{0}, MaxImageBytes)...), wantErr: ErrTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			contentType, ext, err := DetectImage(tc.data)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, contentType)
			assert.Equal(t, tc.ext, ext)
		})
	}
}

func TestObjectKey(t *testing.T) {
	first := ObjectKey("avatars", "user-1", ".png")
	second := ObjectKey("avatars", "user-1", ".png")

	assert.True(t, strings.HasPrefix(first, "avatars/user-1/"))
	assert.True(t, strings.HasSuffix(first, ".png"))
	assert.NotEqual(t, first, second)
}
