package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MatchesKindSentinel(t *testing.T) {
	cause := errors.New("connection reset")
	err := NetworkError("pause", "P", cause)

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrFileAccess)
	assert.Equal(t, "pause P: network failure: connection reset", err.Error())
}

func TestError_NestedKinds(t *testing.T) {
	inner := InvalidPayloadError("stage", "P", errors.New("not a zip"))
	err := fmt.Errorf("submit: %w", FileAccessError("upload", "P", inner))

	assert.ErrorIs(t, err, ErrFileAccess)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindFileAccess, kind)
}

func TestKindOf_Unclassified(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestParseProjectState(t *testing.T) {
	state, err := ParseProjectState("ready_for_download")
	assert.NoError(t, err)
	assert.Equal(t, ProjectStateReadyForDownload, state)

	_, err = ParseProjectState("running")
	assert.Error(t, err)
}
