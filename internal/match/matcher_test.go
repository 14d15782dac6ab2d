package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLooksLikeRegex(t *testing.T) {
	cases := map[string]bool{
		"/__resampled/": true,
		"#thumb#":       true,
		"~x~":           true,
		"%y%":           true,
		"/":             false,
		"/abc#":         false,
		"__resampled":   false,
		"":              false,
		"|a|":           false,
	}
	for pattern, want := range cases {
		assert.Equal(t, want, LooksLikeRegex(pattern), "pattern %q", pattern)
	}
}

func TestMatchesLiteralAndRegex(t *testing.T) {
	path := "assets/gallery/__resampled/photo.jpg"

	assert.True(t, Matches(path, "__resampled"))
	assert.True(t, Matches(path, "/__resampled/"))
	assert.True(t, Matches(path, `#^assets/gallery/.*\.jpg$#`))
	assert.False(t, Matches(path, `#^gallery/#`))

	// A literal containing regex metacharacters is not interpreted.
	assert.False(t, Matches(path, ".*jpg"))
	assert.True(t, Matches("a/.*jpg", ".*jpg"))
}

func TestMatchesInvalidRegexNeverMatches(t *testing.T) {
	assert.False(t, Matches("anything", "/(unclosed/"))
}

func TestMatcherSkipReportsFirstMatchAndBadPatterns(t *testing.T) {
	m := NewMatcher()

	matched, skip, errs := m.Skip("uploads/_tmp/x.png", []string{"/(bad/", "", "nope", "/_tmp/", "x.png"})
	require.True(t, skip)
	assert.Equal(t, "/_tmp/", matched)
	require.Len(t, errs, 1)

	var perr *PatternError
	require.ErrorAs(t, errs[0], &perr)
	assert.Equal(t, "/(bad/", perr.Pattern)

	_, skip, errs = m.Skip("uploads/photo.png", []string{"/_tmp/", "thumbs"})
	assert.False(t, skip)
	assert.Empty(t, errs)
}

func TestMatcherSupportsLookaround(t *testing.T) {
	m := NewMatcher()
	_, skip, errs := m.Skip("avatars/me.jpg", []string{`/^(?!avatars\/).*$/`})
	assert.Empty(t, errs)
	assert.False(t, skip)

	_, skip, _ = m.Skip("banners/me.jpg", []string{`/^(?!avatars\/).*$/`})
	assert.True(t, skip)
}
