package pipeline

import (
	"testing"

	"github.com/dunamismax/pixelnorm/internal/policy"
	"github.com/stretchr/testify/assert"
)

type subject struct {
	ext  string
	w, h int
	size int64
}

func (s subject) Extension() string   { return s.ext }
func (s subject) Width() int          { return s.w }
func (s subject) Height() int         { return s.h }
func (s subject) AbsoluteSize() int64 { return s.size }

func TestNeedsPredicates(t *testing.T) {
	p := policy.Defaults()

	tests := []struct {
		name string
		s    subject
		p    policy.Policy
		want Needs
	}{
		{
			name: "oversized jpeg",
			s:    subject{ext: "jpg", w: 4000, h: 3000, size: 2_100_000},
			p:    p,
			want: Needs{Resize: true, Convert: true, Compress: true},
		},
		{
			name: "compliant webp",
			s:    subject{ext: "webp", w: 800, h: 600, size: 100_000},
			p:    p,
			want: Needs{},
		},
		{
			name: "height only",
			s:    subject{ext: "webp", w: 100, h: 3000, size: 10},
			p:    p,
			want: Needs{Resize: true},
		},
		{
			name: "unbounded",
			s:    subject{ext: "png", w: 10_000, h: 10_000, size: 1 << 30},
			p:    policy.Policy{},
			want: Needs{},
		},
		{
			name: "extension compared case-insensitively",
			s:    subject{ext: "WEBP", w: 1, h: 1, size: 1},
			p:    p,
			want: Needs{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.s, tc.p)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want != Needs{}, got.Any())
		})
	}
}

func TestNeedsCompressionBoundary(t *testing.T) {
	p := policy.Policy{MaxFileSizeBytes: 1000}
	assert.False(t, NeedsCompression(subject{size: 1000}, p))
	assert.True(t, NeedsCompression(subject{size: 1001}, p))
}
