package textcase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentence(t *testing.T) {
	req := require.New(t)
	req.Equal("Hello world. This is go! Is it? Yes.",
		Sentence("hello WORLD. this is GO! is it? yes."))
	req.Equal("", Sentence(""))
	req.Equal("One", Sentence("ONE"))
}

func TestLowerUpper(t *testing.T) {
	req := require.New(t)
	req.Equal("shout less", Lower("SHOUT Less"))
	req.Equal("SHOUT MORE", Upper("shout More"))
}

func TestCapitalize(t *testing.T) {
	req := require.New(t)
	req.Equal("Every Word Gets Caps", Capitalize("every WORD gets CAPS"))
	req.Equal("  Leading Spaces  Kept ", Capitalize("  leading spaces  kept "))
}

func TestTitle(t *testing.T) {
	req := require.New(t)
	req.Equal("The Lord of the Rings", Title("the lord of the rings"))
	req.Equal("A Walk in the Park", Title("a walk IN THE park"))
	req.Equal("War and Peace", Title("war and peace"))
	// A small word opening the text is still capitalized.
	req.Equal("On the Origin of Species", Title("on the origin of species"))
}
