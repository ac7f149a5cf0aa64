package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTag(t *testing.T) {
	cases := []struct {
		formatName string
		want       string
	}{
		{"mov,mp4,m4a,3gp,3g2,mj2", "m4a"},
		{"mp3", "mp3"},
		{"wav", "wav"},
		{"ogg", "ogg"},
		{"flac", "flac"},
		{"matroska,webm", "webm"},
		{"aac", "aac"},
		{"mpegts", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatTag(tc.formatName), "format_name %q", tc.formatName)
	}
}

func TestParseProbeFormat(t *testing.T) {
	out := []byte(`{"format":{"filename":"in.bin","format_name":"mov,mp4,m4a,3gp,3g2,mj2","duration":"12.3"}}`)
	name, err := parseProbeFormat(out)
	require.NoError(t, err)
	assert.Equal(t, "mov,mp4,m4a,3gp,3g2,mj2", name)
}

func TestParseProbeFormat_MissingFormat(t *testing.T) {
	_, err := parseProbeFormat([]byte(`{}`))
	assert.ErrorIs(t, err, ErrUnsupportedAudio)
}

func TestParseProbeFormat_BadJSON(t *testing.T) {
	_, err := parseProbeFormat([]byte(`not json`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupportedAudio)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("abc", 10))
	assert.Equal(t, "cde", tail("abcde", 3))
}
