package orderkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"simple key", "a0", false},
		{"single char", "U", false},
		{"empty", "", true},
		{"out of alphabet", "a!", true},
		{"space", "a b", true},
		{"uppercase ok", "Zz", false},
		{"digits ok", "042", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOrder)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKeyBetween(t *testing.T) {
	tests := []struct {
		name  string
		left  string
		right string
		want  string
	}{
		{"both empty", "", "", "U"},
		{"after last", "U", "", "h"},
		{"before first", "", "U", "B"},
		{"between adjacent chars", "U", "W", "V"},
		{"between close keys", "a0", "a2", "a1"},
		{"consecutive digits descend", "a", "b", "aU"},
		{"right with longer tail", "a", "b1", "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KeyBetween(tt.left, tt.right)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyBetweenOrdering(t *testing.T) {
	// Generated keys must sort strictly between their bounds and never end
	// in the minimum digit.
	pairs := [][2]string{
		{"", ""},
		{"a", "b"},
		{"a", "a1"},
		{"az", "b"},
		{"U", "V"},
		{"zz", ""},
		{"", "1"},
	}

	for _, p := range pairs {
		got, err := KeyBetween(p[0], p[1])
		require.NoError(t, err, "between %q and %q", p[0], p[1])
		require.NoError(t, Validate(got))
		assert.NotEqual(t, byte('0'), got[len(got)-1])
		if p[0] != "" {
			assert.Less(t, p[0], got, "left bound %q", p[0])
		}
		if p[1] != "" {
			assert.Greater(t, p[1], got, "right bound %q", p[1])
		}
	}
}

func TestKeyBetweenRepeatedInsertion(t *testing.T) {
	// Repeatedly inserting at the head keeps producing valid, ordered keys.
	right := First()
	for i := 0; i < 50; i++ {
		key, err := KeyBetween("", right)
		require.NoError(t, err)
		require.NoError(t, Validate(key))
		require.Less(t, key, right)
		right = key
	}

	// Same at the tail.
	left := First()
	for i := 0; i < 50; i++ {
		key, err := KeyBetween(left, "")
		require.NoError(t, err)
		require.NoError(t, Validate(key))
		require.Greater(t, key, left)
		left = key
	}

	// And squeezing between two generated neighbors.
	a, b := "a", "b"
	for i := 0; i < 50; i++ {
		key, err := KeyBetween(a, b)
		require.NoError(t, err)
		require.Greater(t, key, a)
		require.Less(t, key, b)
		b = key
	}
}

func TestKeyBetweenErrors(t *testing.T) {
	tests := []struct {
		name  string
		left  string
		right string
	}{
		{"equal bounds", "a", "a"},
		{"inverted bounds", "b", "a"},
		{"out of alphabet", "a", "b!"},
		{"no room", "U", "U0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := KeyBetween(tt.left, tt.right)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
}

func TestFirst(t *testing.T) {
	key := First()
	assert.NoError(t, Validate(key))
	assert.Equal(t, "U", key)
}
