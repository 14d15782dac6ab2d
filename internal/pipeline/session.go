package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/dunamismax/pixelnorm/internal/backend"
	"github.com/dunamismax/pixelnorm/internal/policy"
)

// session is the mutable state of a single run. close releases everything it
// holds whether the run succeeded or not.
type session struct {
	policy   policy.Policy
	token    *policy.Token
	tempDir  string
	source   []byte
	backend  backend.Backend
	workPath string

	// what rollback needs to put the asset back
	origName string
	wasLive  bool
	// stored is set once content was written, saved once the record was
	stored bool
	saved  bool
}

// newWorkFile replaces the working file with a fresh temp file holding data.
func (s *session) newWorkFile(ext string, data []byte) error {
	if err := s.removeWorkFile(); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.tempDir, "resampled-*."+strings.TrimPrefix(ext, "."))
	if err != nil {
		return fmt.Errorf("create working file: %w", err)
	}
	s.workPath = f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write working file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close working file: %w", err)
	}
	return nil
}

func (s *session) removeWorkFile() error {
	if s.workPath == "" {
		return nil
	}
	err := os.Remove(s.workPath)
	s.workPath = ""
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove working file: %w", err)
	}
	return nil
}

func (s *session) close() error {
	errs := []error{s.removeWorkFile()}
	if s.backend != nil {
		errs = append(errs, s.backend.Close())
		s.backend = nil
	}
	s.policy = s.token.Restore(s.policy)
	return errors.Join(errs...)
}
