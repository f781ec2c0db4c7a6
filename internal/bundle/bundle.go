// Package bundle collects run artifacts, including root-owned files, into
// one retrievable archive.
package bundle

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvistgaard/modelup/internal/tools"
)

var ErrNoSources = errors.New("bundle: no artifact sources available")

// Bundle describes one produced archive.
type Bundle struct {
	ArchivePath string
	CreatedAt   time.Time
	Sources     []string
	Owner       string
}

type Packager struct {
	runner tools.CommandRunner
	log    zerolog.Logger
	// now is swappable for tests
	now func() time.Time
}

func NewPackager(runner tools.CommandRunner, log zerolog.Logger) *Packager {
	return &Packager{
		runner: runner,
		log:    log.With().Str("component", "bundle").Logger(),
		now:    time.Now,
	}
}

// Collect archives every present source path into a timestamped tarball
// in destDir and chowns it to owner so it is retrievable without
// elevation. Missing sources are skipped with a warning; an empty bundle
// is a failure, not a success.
func (p *Packager) Collect(sources []string, destDir, owner string) (Bundle, error) {
	present := make([]string, 0, len(sources))
	for _, src := range sources {
		if tools.Succeeds(p.runner, "sudo", "test", "-e", src) {
			present = append(present, src)
			continue
		}
		p.log.Warn().Str("source", src).Msg("artifact source missing, skipping")
	}
	if len(present) == 0 {
		return Bundle{}, fmt.Errorf("%w: checked %d paths", ErrNoSources, len(sources))
	}

	createdAt := p.now().UTC()
	archive := filepath.Join(destDir, archiveName(createdAt))

	if _, err := tools.RunChecked(p.runner, "mkdir", "-p", destDir); err != nil {
		return Bundle{}, err
	}

	args := append([]string{"tar", "-czf", archive, "--ignore-failed-read"}, present...)
	if _, err := tools.RunChecked(p.runner, "sudo", args...); err != nil {
		return Bundle{}, err
	}

	if _, err := tools.RunChecked(p.runner, "sudo", "chown", owner, archive); err != nil {
		return Bundle{}, err
	}

	p.log.Info().
		Str("archive", archive).
		Int("sources", len(present)).
		Msg("artifact bundle created")

	return Bundle{
		ArchivePath: archive,
		CreatedAt:   createdAt,
		Sources:     present,
		Owner:       owner,
	}, nil
}

// archiveName derives a unique name from the creation instant.
// Nanosecond precision keeps repeated invocations within one second from
// colliding.
func archiveName(t time.Time) string {
	return fmt.Sprintf("modelup-artifacts-%s-%09d.tar.gz", t.Format("20060102-150405"), t.Nanosecond())
}
