package build

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogManagerConsole(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m, err := NewLogManager(LogConfig{Console: &buf, Level: "info"})
	require.NoError(t, err)

	log := m.Logger("TEST")
	log.Debugf("hidden")
	log.Infof("shown %d", 1)

	require.Contains(t, buf.String(), "shown 1")
	require.Contains(t, buf.String(), "TEST")
	require.NotContains(t, buf.String(), "hidden")

	// A level change reaches loggers handed out before it.
	require.NoError(t, m.SetLevel("debug"))
	log.Debugf("now visible")
	require.Contains(t, buf.String(), "now visible")

	require.Error(t, m.SetLevel("loud"))
	require.NoError(t, m.Close())
}

func TestLogManagerSubsystemLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m, err := NewLogManager(LogConfig{
		Console: &buf,
		Level:   "info,LATE=debug",
	})
	require.NoError(t, err)

	early := m.Logger("EARL")
	other := m.Logger("OTHR")

	require.NoError(t, m.SetLevel("EARL=trace"))
	early.Tracef("early trace")
	other.Debugf("other debug")

	// Overrides also apply to subsystems created afterwards.
	late := m.Logger("LATE")
	late.Debugf("late debug")

	out := buf.String()
	require.Contains(t, out, "early trace")
	require.Contains(t, out, "late debug")
	require.NotContains(t, out, "other debug")

	// A new global level resets every override.
	require.NoError(t, m.SetLevel("error"))
	early.Infof("early info")
	late.Infof("late info")
	require.NotContains(t, buf.String(), "early info")
	require.NotContains(t, buf.String(), "late info")

	require.NoError(t, m.Close())
}

func TestParseLevelSpec(t *testing.T) {
	t.Parallel()

	global, subs, err := ParseLevelSpec("debug")
	require.NoError(t, err)
	require.True(t, global.IsSome())
	require.Empty(t, subs)

	global, subs, err = ParseLevelSpec("info, idx=trace,MDB=warn")
	require.NoError(t, err)
	require.True(t, global.IsSome())
	require.Len(t, subs, 2)
	require.Contains(t, subs, "IDX")
	require.Contains(t, subs, "MDB")

	global, subs, err = ParseLevelSpec("IDX=debug")
	require.NoError(t, err)
	require.True(t, global.IsNone())
	require.Len(t, subs, 1)

	for _, bad := range []string{
		"", "loud", "IDX=loud", "=debug", "info,debug",
	} {
		_, _, err := ParseLevelSpec(bad)
		require.Error(t, err, bad)
	}
}

func TestLogManagerFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := NewLogManager(LogConfig{
		Level: "info",
		Rotator: RotatorConfig{
			Dir:         dir,
			MaxFiles:    2,
			MaxFileSize: 1,
		},
	})
	require.NoError(t, err)

	m.Logger("FILE").Infof("to disk")
	require.NoError(t, m.Close())

	data, err := os.ReadFile(filepath.Join(dir, DefaultLogFilename))
	require.NoError(t, err)
	require.Contains(t, string(data), "to disk")
}

func TestUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := NewLogManager(LogConfig{Level: "loud"})
	require.ErrorContains(t, err, "unknown log level")
}

func TestVersion(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0.1.0", Version())
}
