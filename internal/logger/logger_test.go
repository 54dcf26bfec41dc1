package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters_WithDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "children")
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("ServerManager")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)

	_, err = os.Stat(filepath.Join(dir, "ServerManager.stdout.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "ServerManager.stderr.log"))
	assert.NoError(t, err)
}

func TestProcessWriters_Defaults(t *testing.T) {
	outW, errW, err := Config{}.ProcessWriters("n")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)

	cfg := Config{File: FileConfig{Dir: t.TempDir()}}
	outW, errW, _ = cfg.ProcessWriters("n")
	defer closeIf(outW)
	defer closeIf(errW)
	ol, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, ol.MaxSize)
	assert.Equal(t, DefaultMaxBackups, ol.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, ol.MaxAge)
}

func TestNewFormats(t *testing.T) {
	for _, format := range []string{"", FormatText, FormatJSON, FormatColor} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			log, closer, err := Config{Level: "debug", Format: format}.New(&buf)
			require.NoError(t, err)
			defer closeIf(closer)
			log.Debug("listener started", "port", 9999)
			assert.Contains(t, buf.String(), "listener started")
			assert.Contains(t, buf.String(), "9999")
		})
	}

	_, _, err := Config{Format: "xml"}.New(io.Discard)
	assert.Error(t, err)
	_, _, err = Config{Level: "loud"}.New(io.Discard)
	assert.Error(t, err)
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "procmaster.log")
	log, closer, err := Config{Format: FormatJSON, File: FileConfig{Path: path}}.New(nil)
	require.NoError(t, err)
	log.Info("started", "component", "master")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"component":"master"`)
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil, false)).With("process", "Worker1")
	log.Error("crashed")
	out := buf.String()
	assert.True(t, strings.Contains(out, "\033[31mERROR"+colorReset))
	assert.Contains(t, out, "process=Worker1")
	assert.NotContains(t, out, "time=")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)
	l, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, l)
}
