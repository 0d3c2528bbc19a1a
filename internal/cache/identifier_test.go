package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateTitleAuthorIdentifier(t *testing.T) {
	t.Parallel()

	t.Run("deterministic across formatting differences", func(t *testing.T) {
		t.Parallel()
		a := GenerateTitleAuthorIdentifier("The Stand", "Stephen King")
		b := GenerateTitleAuthorIdentifier("  the   STAND ", " stephen  king ")
		assert.Equal(t, a, b)
		assert.Equal(t, "title_author:the_stand|stephen_king", a)
	})

	t.Run("distinct books get distinct identifiers", func(t *testing.T) {
		t.Parallel()
		a := GenerateTitleAuthorIdentifier("Dune", "Frank Herbert")
		b := GenerateTitleAuthorIdentifier("Dune Messiah", "Frank Herbert")
		assert.NotEqual(t, a, b)
	})
}

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "the stand", NormalizeTitle("  The Stand "))
}

func TestIsLegacyTitleAuthorIdentifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id     string
		legacy bool
	}{
		{"title_author_12345_678", true},
		{"the stand:stephen king", true},
		{"title_author:the_stand|stephen_king", false},
		{"B002V0QK4C", false},
		{"9780307743688", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.legacy, isLegacyTitleAuthorIdentifier(tt.id), tt.id)
	}
}
