package pipeline

import (
	"time"

	"github.com/dunamismax/pixelnorm/internal/diag"
	"github.com/dunamismax/pixelnorm/internal/policy"
)

// Stage is one transition taken during a run.
type Stage struct {
	State   State
	Mutated bool
	Note    string
}

// Result describes what a run did to an asset. Run never returns an error;
// failures end in StateFailed with Err set.
type Result struct {
	AssetID     string
	State       State
	Mutated     bool
	DryRun      bool
	SkipReason  string
	Needs       Needs
	Policy      policy.Policy
	RelationKey string

	Filename     string
	Format       string
	Width        int
	Height       int
	Size         int64
	OriginalSize int64

	Iterations int
	Quality    int
	ArchivedTo string

	Stages   []Stage
	Warnings []diag.Warning
	Err      error
	Duration time.Duration
}

// BytesSaved is the reduction in stored size, never negative.
func (r Result) BytesSaved() int64 {
	if !r.Mutated || r.Size >= r.OriginalSize {
		return 0
	}
	return r.OriginalSize - r.Size
}

func (r *Result) advance(s State, mutated bool, note string) {
	r.State = s
	r.Stages = append(r.Stages, Stage{State: s, Mutated: mutated, Note: note})
	if mutated {
		r.Mutated = true
	}
}

func (r *Result) warn(w ...diag.Warning) {
	r.Warnings = append(r.Warnings, w...)
}

func (r *Result) fail(kind diag.Kind, err error) {
	r.Err = err
	r.warn(diag.New(kind, r.AssetID, err))
	r.advance(StateFailed, false, err.Error())
}
