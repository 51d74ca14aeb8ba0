package archive

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-client/internal/domain"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestStager_Check(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "data.zip")
	writeZip(t, valid, map[string]string{"input.txt": "some input data"})

	wrongExt := filepath.Join(dir, "data.tar")
	writeZip(t, wrongExt, map[string]string{"input.txt": "x"})

	notZip := filepath.Join(dir, "plain.zip")
	require.NoError(t, os.WriteFile(notZip, []byte("just some text, not an archive"), 0o644))

	corrupted := filepath.Join(dir, "corrupted.zip")
	writeZip(t, corrupted, map[string]string{"input.txt": "payload bytes that will be damaged"})
	raw, err := os.ReadFile(corrupted)
	require.NoError(t, err)
	// Cut the central directory off.
	require.NoError(t, os.WriteFile(corrupted, raw[:len(raw)/2], 0o644))

	upper := filepath.Join(dir, "DATA.ZIP")
	writeZip(t, upper, map[string]string{"a": "b"})

	s := NewStager(t.TempDir(), nil, nil)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "valid archive", path: valid},
		{name: "upper case extension", path: upper},
		{name: "wrong extension", path: wrongExt, wantErr: true},
		{name: "not a zip container", path: notZip, wantErr: true},
		{name: "corrupted archive", path: corrupted, wantErr: true},
		{name: "missing file", path: filepath.Join(dir, "missing.zip"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Check(tt.path)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidPayload))
			assert.True(t, IsInvalidPayload(err))
		})
	}
}

func TestStager_Stage(t *testing.T) {
	src := t.TempDir()
	bundle := filepath.Join(src, "project.jar")
	writeZip(t, bundle, map[string]string{"META-INF/MANIFEST.MF": "Project-Name: P\r\n"})
	data := filepath.Join(src, "data.zip")
	writeZip(t, data, map[string]string{"input.txt": "input"})

	stagingDir := filepath.Join(t.TempDir(), "staging")
	reg := NewRegistry()
	s := NewStager(stagingDir, reg, nil)

	payload, err := s.Stage(context.Background(), "alice", "P", bundle, data)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, PayloadSuffix, filepath.Ext(payload.Path))

	info, err := os.Stat(payload.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), payload.Size)

	zr, err := zip.OpenReader(payload.Path)
	require.NoError(t, err)
	names := []string{}
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.NoError(t, zr.Close())
	assert.Equal(t, []string{"project.jar", "data.zip"}, names)

	require.NoError(t, payload.Remove())
	require.NoError(t, payload.Remove())
	assert.Equal(t, 0, reg.Len())
	_, err = os.Stat(payload.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestStager_StageFailureLeavesNothing(t *testing.T) {
	src := t.TempDir()
	bundle := filepath.Join(src, "project.jar")
	writeZip(t, bundle, map[string]string{"a": "b"})

	stagingDir := t.TempDir()
	reg := NewRegistry()
	s := NewStager(stagingDir, reg, nil)

	_, err := s.Stage(context.Background(), "alice", "P", bundle, filepath.Join(src, "missing.zip"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))
	assert.Equal(t, 0, reg.Len())

	left, err := filepath.Glob(filepath.Join(stagingDir, "*"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRegistry_RemoveAll(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	for _, name := range []string{"a" + PayloadSuffix, "b" + PayloadSuffix} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
		reg.Track(p)
	}
	reg.Track(filepath.Join(dir, "already-gone"+PayloadSuffix))

	assert.Equal(t, 3, reg.RemoveAll(nil))
	assert.Equal(t, 0, reg.Len())
	left, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSweepOrphans(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old"+PayloadSuffix)
	fresh := filepath.Join(dir, "fresh"+PayloadSuffix)
	other := filepath.Join(dir, "keep.zip")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	n, err := SweepOrphans(dir, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}
