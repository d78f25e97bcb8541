package odb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHash(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		algo    HashAlgo
		wantErr error
	}{
		{
			name:  "sha1 digest",
			input: "ce013625030ba8dba906f756967f9e9ca394464a",
			algo:  HashSHA1,
		},
		{
			name:  "sha256 digest",
			input: strings.Repeat("ab", 32),
			algo:  HashSHA256,
		},
		{
			name:  "uppercase accepted",
			input: "CE013625030BA8DBA906F756967F9E9CA394464A",
			algo:  HashSHA1,
		},
		{
			name:    "too short",
			input:   "ce0136",
			wantErr: ErrInvalidLength,
		},
		{
			name:    "length between widths",
			input:   strings.Repeat("a", 50),
			wantErr: ErrInvalidLength,
		},
		{
			name:    "non-hex characters",
			input:   strings.Repeat("zz", 20),
			wantErr: ErrInvalidEncoding,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: ErrInvalidLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ParseHash(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.algo, h.Algo())
			assert.Equal(t, strings.ToLower(tt.input), h.String())
		})
	}
}

func TestNewHash(t *testing.T) {
	raw := make([]byte, 20)
	raw[0] = 0xce

	h, err := NewHash(raw)
	require.NoError(t, err)
	assert.Equal(t, HashSHA1, h.Algo())
	assert.Equal(t, 20, h.Size())
	assert.Equal(t, byte(0xce), h.firstByte())

	h2, err := NewHash(make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, HashSHA256, h2.Algo())

	_, err = NewHash(make([]byte, 19))
	assert.ErrorIs(t, err, ErrInvalidLength)
	_, err = NewHash(nil)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestHashCompare(t *testing.T) {
	a, err := ParseHash("00" + strings.Repeat("11", 19))
	require.NoError(t, err)
	b, err := ParseHash("ff" + strings.Repeat("11", 19))
	require.NoError(t, err)

	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))
	assert.Zero(t, a.Compare(a))
}

func TestHashComparable(t *testing.T) {
	// Hash must work as a map key; equal digests collapse to one entry.
	a, err := ParseHash("ce013625030ba8dba906f756967f9e9ca394464a")
	require.NoError(t, err)
	b, err := ParseHash("ce013625030ba8dba906f756967f9e9ca394464a")
	require.NoError(t, err)

	m := map[Hash]int{a: 1, b: 2}
	assert.Len(t, m, 1)
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	assert.True(t, zero.IsZero())

	h, err := ParseHash(strings.Repeat("00", 20))
	require.NoError(t, err)
	assert.False(t, h.IsZero(), "an all-zero digest is still a digest")
}
