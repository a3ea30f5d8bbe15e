package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageNameMangling(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"name", "p_name"},
		{"user.name", "p_user_name"},
		{"User.Name", "p_user_name"},
		{"a.b.c", "p_a_b_c"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StorageName(tc.path), tc.path)
	}
}

func TestStorageNameIsStable(t *testing.T) {
	assert.Equal(t, StorageName("user.name"), StorageName("user.name"))
}

func TestNewColumnAncestors(t *testing.T) {
	c := NewColumn("a.b.c")
	assert.Equal(t, []string{"a", "a.b"}, c.Ancestors)

	leaf := NewColumn("a")
	assert.Nil(t, leaf.Ancestors)
}

func TestColumnEqual(t *testing.T) {
	a := NewColumn("x.y")
	b := NewColumn("x.y")
	c := NewColumn("x.z")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
