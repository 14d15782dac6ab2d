// Package diag carries non-fatal diagnostics produced while resolving policy
// and normalizing an asset. Warnings never abort a run on their own; callers
// inspect them alongside the result.
package diag

import (
	"fmt"
	"log/slog"
)

type Kind string

const (
	KindConfig     Kind = "config"
	KindBackend    Kind = "backend"
	KindFilesystem Kind = "filesystem"
	KindConversion Kind = "conversion"
	KindStorage    Kind = "storage"
)

type Warning struct {
	Kind    Kind
	Subject string
	Message string
}

func (w Warning) String() string {
	if w.Subject == "" {
		return fmt.Sprintf("%s: %s", w.Kind, w.Message)
	}
	return fmt.Sprintf("%s: %s: %s", w.Kind, w.Subject, w.Message)
}

func Config(subject, format string, args ...any) Warning {
	return Warning{Kind: KindConfig, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

func New(kind Kind, subject string, err error) Warning {
	return Warning{Kind: kind, Subject: subject, Message: err.Error()}
}

// Log writes each warning at warn level.
func Log(logger *slog.Logger, warnings []Warning) {
	if logger == nil {
		return
	}
	for _, w := range warnings {
		logger.Warn(w.Message, "kind", string(w.Kind), "subject", w.Subject)
	}
}
