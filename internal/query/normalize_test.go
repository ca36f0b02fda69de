package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeTerm(t *testing.T) {
	cases := map[string]string{
		"Café":              "cafe",
		"  Lunettes  Noël ": "lunettes noel",
		"TITANIUM":          "titanium",
		"":                  "",
		"круглые":           "круглые",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeTerm(in), "input %q", in)
	}
}
