package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_IsValid(t *testing.T) {
	tests := []struct {
		name  string
		input Hash
		want  bool
	}{
		{
			name:  "Valid Hash (40 chars)",
			input: Hash(strings.Repeat("a", 40)),
			want:  true,
		},
		{
			name:  "Too Short",
			input: Hash("abc"),
			want:  false,
		},
		{
			name:  "Empty",
			input: Hash(""),
			want:  false,
		},
		{
			name:  "Too Long",
			input: Hash(strings.Repeat("a", 41)),
			want:  false,
		},
		{
			name:  "Upper case is not canonical",
			input: Hash(strings.Repeat("A", 40)),
			want:  false,
		},
		{
			name:  "Non hex",
			input: Hash(strings.Repeat("g", 40)),
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.input.IsValid())
		})
	}
}

func TestHash_String(t *testing.T) {
	s := "aabbcc"
	h := Hash(s)
	assert.Equal(t, s, h.String())
	assert.False(t, h.IsZero())

	var zero Hash
	assert.True(t, zero.IsZero())
}

func TestContentHash_ObjectPath(t *testing.T) {
	digest := "3f786850e387550fdab836ed7e6dc881de23001b"

	tests := []struct {
		name string
		in   string
		kind Kind
		want string
	}{
		{"regular file", digest, KindRegular, "data/3f/786850e387550fdab836ed7e6dc881de23001b"},
		{"catalog", digest, KindCatalog, "data/3f/786850e387550fdab836ed7e6dc881de23001bC"},
		{"certificate", digest, KindCertificate, "data/3f/786850e387550fdab836ed7e6dc881de23001bX"},
		{"chunk", digest, KindChunk, "data/3f/786850e387550fdab836ed7e6dc881de23001bP"},
		{"rmd160 catalog", digest + "-rmd160", KindCatalog, "data/3f/786850e387550fdab836ed7e6dc881de23001b-rmd160C"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ParseContentHash(tt.in, tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.ObjectPath())
			assert.Equal(t, "3f", h.Shard())
		})
	}
}

func TestParseContentHash_Invalid(t *testing.T) {
	_, err := ParseContentHash("xyz", KindRegular)
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = ParseContentHash("", KindCatalog)
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestParseFileName_RoundTrip(t *testing.T) {
	h, err := ParseContentHash("3F786850E387550FDAB836ED7E6DC881DE23001B-rmd160", KindCatalog)
	require.NoError(t, err, "大写输入应当被规范化")

	back, err := ParseFileName(h.FileName())
	require.NoError(t, err)
	assert.Equal(t, h, back)

	_, err = ParseFileName(h.String() + "Z")
	assert.Error(t, err, "未知的类型后缀")
}
