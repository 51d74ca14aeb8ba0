// Package archive validates data archives and stages the combined payload
// that is streamed to the broker on upload.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"grid-client/internal/domain"
)

const (
	// PayloadSuffix marks staged payload files so orphans can be found later.
	PayloadSuffix = ".gridpayload"

	zipMIME = "application/zip"
)

// Payload is a staged temporary file ready for upload.
type Payload struct {
	Path string
	Size int64

	registry *Registry
}

// Remove deletes the payload and stops tracking it. Safe to call more than once.
func (p *Payload) Remove() error {
	if p == nil || p.Path == "" {
		return nil
	}
	if p.registry != nil {
		p.registry.Untrack(p.Path)
	}
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove payload %s: %w", p.Path, err)
	}
	return nil
}

// Stager checks data archives and packs a code bundle with its data into one payload.
type Stager struct {
	dir      string
	registry *Registry
	log      *logrus.Entry
}

func NewStager(dir string, registry *Registry, log *logrus.Entry) *Stager {
	if registry == nil {
		registry = NewRegistry()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stager{dir: dir, registry: registry, log: log}
}

func (s *Stager) Registry() *Registry {
	return s.registry
}

// Check verifies that dataPath is a .zip file whose content sniffs as a zip
// container and whose entries all decompress with matching checksums.
func (s *Stager) Check(dataPath string) error {
	if !strings.EqualFold(filepath.Ext(dataPath), ".zip") {
		return domain.InvalidPayloadError("check archive", "", fmt.Errorf("%s: only *.zip data archives are accepted", dataPath))
	}

	mtype, err := mimetype.DetectFile(dataPath)
	if err != nil {
		return domain.InvalidPayloadError("check archive", "", fmt.Errorf("detect type of %s: %w", dataPath, err))
	}
	if !isZip(mtype) {
		return domain.InvalidPayloadError("check archive", "", fmt.Errorf("%s is %s, not a zip archive", dataPath, mtype.String()))
	}

	zr, err := zip.OpenReader(dataPath)
	if err != nil {
		return domain.InvalidPayloadError("check archive", "", fmt.Errorf("zip file %s is corrupted: %w", dataPath, err))
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := verifyEntry(f); err != nil {
			return domain.InvalidPayloadError("check archive", "", fmt.Errorf("zip file %s is corrupted: %w", dataPath, err))
		}
	}
	return nil
}

func verifyEntry(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read entry %s: %w", f.Name, err)
	}
	return nil
}

func isZip(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is(zipMIME) {
			return true
		}
	}
	return false
}

// Stage writes bundlePath and dataPath into one temporary zip payload. On any
// failure the partial payload is removed and an invalid payload error returned.
func (s *Stager) Stage(ctx context.Context, client, project, bundlePath, dataPath string) (*Payload, error) {
	logger := s.log.WithField("project", project)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, domain.InvalidPayloadError("stage", project, fmt.Errorf("create staging dir: %w", err))
	}
	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf("%s-%s-*%s", sanitize(client), sanitize(project), PayloadSuffix))
	if err != nil {
		return nil, domain.InvalidPayloadError("stage", project, fmt.Errorf("create payload: %w", err))
	}
	payload := &Payload{Path: tmp.Name(), registry: s.registry}
	s.registry.Track(payload.Path)

	fail := func(err error) (*Payload, error) {
		_ = tmp.Close()
		if rmErr := payload.Remove(); rmErr != nil {
			logger.Warnf("discard partial payload: %v", rmErr)
		}
		return nil, domain.InvalidPayloadError("stage", project, err)
	}

	zw := zip.NewWriter(tmp)
	for _, src := range []string{bundlePath, dataPath} {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := addFile(zw, src); err != nil {
			return fail(err)
		}
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("finish payload: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync payload: %w", err))
	}
	info, err := tmp.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat payload: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("close payload: %w", err))
	}
	payload.Size = info.Size()

	logger.Debugf("staged payload %s (%d bytes)", payload.Path, payload.Size)
	return payload, nil
}

func addFile(zw *zip.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header for %s: %w", src, err)
	}
	// Inputs are already compressed archives.
	header.Method = zip.Store

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", src, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

func sanitize(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
	if clean == "" {
		return "payload"
	}
	return clean
}

// IsInvalidPayload reports whether err came from Check or Stage.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, domain.ErrInvalidPayload)
}
