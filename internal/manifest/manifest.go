// Package manifest extracts and range-checks the job parameters a code bundle
// declares in its META-INF/MANIFEST.MF.
package manifest

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"strings"

	"grid-client/internal/domain"
)

const (
	AttrProjectName     = "Project-Name"
	AttrProjectPriority = "Project-Priority"
	AttrCoresPerTask    = "Cores-Per-Task"
	AttrMemoryPerTask   = "Memory-Per-Task"
	AttrTimePerTask     = "Time-Per-Task"

	MinPriority = 1
	MaxPriority = 10

	manifestPath = "META-INF/MANIFEST.MF"
)

// Attributes holds the main section of a manifest. Names are matched case-insensitively.
type Attributes map[string]string

func (a Attributes) Get(name string) string {
	return a[strings.ToLower(name)]
}

func (a Attributes) Set(name, value string) {
	a[strings.ToLower(name)] = value
}

// Manifest is the validated set of job parameters of a bundle.
type Manifest struct {
	ProjectName string
	Priority    int
	Limits      domain.ResourceLimits
}

// Read opens the bundle and returns the main attributes of its manifest.
func Read(bundlePath string) (Attributes, error) {
	zr, err := zip.OpenReader(bundlePath)
	if err != nil {
		return nil, domain.FileAccessError("read manifest", "", fmt.Errorf("open bundle %s: %w", bundlePath, err))
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.EqualFold(f.Name, manifestPath) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, domain.FileAccessError("read manifest", "", fmt.Errorf("open %s: %w", manifestPath, err))
		}
		defer rc.Close()
		attrs, err := Parse(rc)
		if err != nil {
			return nil, domain.FileAccessError("read manifest", "", err)
		}
		return attrs, nil
	}
	return nil, fmt.Errorf("bundle %s has no %s: %w", bundlePath, manifestPath, domain.ErrValidation)
}

// Parse reads the main section of a manifest: "Name: value" lines, where a line
// starting with a single space continues the previous value. It stops at the
// first blank line.
func Parse(r io.Reader) (Attributes, error) {
	attrs := Attributes{}
	scanner := bufio.NewScanner(r)
	var last string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, " ") {
			if last == "" {
				return nil, fmt.Errorf("continuation line without attribute: %q", line)
			}
			attrs[last] += line[1:]
			continue
		}
		idx := strings.Index(line, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("malformed manifest line: %q", line)
		}
		last = strings.ToLower(strings.TrimSpace(line[:idx]))
		attrs[last] = strings.TrimSpace(line[idx+1:])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	return attrs, nil
}
