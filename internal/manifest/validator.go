package manifest

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"grid-client/internal/domain"
)

// Violation describes one attribute that failed validation.
type Violation struct {
	Attribute string
	Value     string
	Reason    string
}

// ValidationError lists every violation found in one pass over the manifest.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Attribute + ": " + v.Reason
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == domain.ErrValidation
}

// Validator checks manifest parameters before a project is submitted.
type Validator struct {
	log *logrus.Entry
}

func NewValidator(log *logrus.Entry) *Validator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Validator{log: log}
}

// Validate reads the bundle's manifest and checks it.
func (v *Validator) Validate(bundlePath string) (*Manifest, error) {
	attrs, err := Read(bundlePath)
	if err != nil {
		v.log.WithField("bundle", bundlePath).Warnf("read manifest: %v", err)
		return nil, err
	}
	return v.Check(attrs)
}

// Check validates attributes. It does not stop at the first bad field: every
// violation is logged and reported in the returned *ValidationError.
func (v *Validator) Check(attrs Attributes) (*Manifest, error) {
	var (
		m          Manifest
		violations []Violation
	)
	reject := func(attr, value, reason string) {
		violations = append(violations, Violation{Attribute: attr, Value: value, Reason: reason})
		v.log.WithField("attribute", attr).Warnf("%s (got %q)", reason, value)
	}

	m.ProjectName = attrs.Get(AttrProjectName)
	if strings.TrimSpace(m.ProjectName) == "" {
		reject(AttrProjectName, m.ProjectName, "project name is required")
	}

	if p, ok := parseInt(attrs.Get(AttrProjectPriority)); !ok {
		reject(AttrProjectPriority, attrs.Get(AttrProjectPriority), "project priority has to be an integer from 1 to 10")
	} else if p < MinPriority || p > MaxPriority {
		reject(AttrProjectPriority, attrs.Get(AttrProjectPriority), "project priority range is from 1 to 10")
	} else {
		m.Priority = p
	}

	m.Limits.MemoryPerTaskMB = positive(attrs, AttrMemoryPerTask, "memory limit has to be an integer bigger than 0 megabytes", reject)
	m.Limits.CoresPerTask = positive(attrs, AttrCoresPerTask, "cores limit has to be an integer bigger than 0", reject)
	m.Limits.TimePerTaskSeconds = positive(attrs, AttrTimePerTask, "time has to be an integer bigger than 0 seconds", reject)

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return &m, nil
}

func positive(attrs Attributes, attr, reason string, reject func(attr, value, reason string)) int {
	raw := attrs.Get(attr)
	n, ok := parseInt(raw)
	if !ok || n <= 0 {
		reject(attr, raw, reason)
		return 0
	}
	return n
}

func parseInt(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	return n, err == nil
}
