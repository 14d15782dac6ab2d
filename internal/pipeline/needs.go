package pipeline

import (
	"strings"

	"github.com/dunamismax/pixelnorm/internal/policy"
)

// TargetFormat is the extension assets are converted to when UseWebp is set.
const TargetFormat = "webp"

// Subject is the asset metadata the predicates read.
type Subject interface {
	Extension() string
	Width() int
	Height() int
	AbsoluteSize() int64
}

func NeedsResize(s Subject, p policy.Policy) bool {
	return (p.MaxWidth > 0 && s.Width() > p.MaxWidth) ||
		(p.MaxHeight > 0 && s.Height() > p.MaxHeight)
}

func NeedsFormatConversion(s Subject, p policy.Policy) bool {
	return p.UseWebp && !strings.EqualFold(s.Extension(), TargetFormat)
}

func NeedsCompression(s Subject, p policy.Policy) bool {
	return p.MaxFileSizeBytes > 0 && s.AbsoluteSize() > p.MaxFileSizeBytes
}

type Needs struct {
	Resize   bool
	Convert  bool
	Compress bool
}

func Evaluate(s Subject, p policy.Policy) Needs {
	return Needs{
		Resize:   NeedsResize(s, p),
		Convert:  NeedsFormatConversion(s, p),
		Compress: NeedsCompression(s, p),
	}
}

func (n Needs) Any() bool {
	return n.Resize || n.Convert || n.Compress
}
