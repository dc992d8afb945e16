package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StdoutOnlyByDefault(t *testing.T) {
	l, err := New(Config{Level: INFO})
	require.NoError(t, err)
	assert.Nil(t, l.file)
	assert.Equal(t, int64(10*1024*1024), l.config.MaxSize)
	assert.Equal(t, 3, l.config.MaxBackups)
}

func TestNew_CreatesOutputFileAndDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "relay.log")

	l, err := New(Config{Level: INFO, OutputFile: path})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestLogger_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.log")

	l, err := New(Config{Level: INFO, OutputFile: path, JSONFormat: true})
	require.NoError(t, err)
	l.Info("hello", "key", "value")
	require.NoError(t, l.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "hello")
	assert.Contains(t, string(contents), "value")
}

func TestRotateIfNeeded_RotatesWhenOverMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.log")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	l := &Logger{config: Config{OutputFile: path, MaxSize: 5, MaxBackups: 3}}
	require.NoError(t, l.rotateIfNeeded())

	_, err := os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRotateIfNeeded_NoopWhenUnderMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.log")
	require.NoError(t, os.WriteFile(path, []byte("small"), 0644))

	l := &Logger{config: Config{OutputFile: path, MaxSize: 1024, MaxBackups: 3}}
	require.NoError(t, l.rotateIfNeeded())

	_, err := os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))
}

func TestRotateIfNeeded_NoopWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.log")

	l := &Logger{config: Config{OutputFile: path, MaxSize: 1, MaxBackups: 3}}
	assert.NoError(t, l.rotateIfNeeded())
}

func TestToSlogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", toSlogLevel(DEBUG).String())
	assert.Equal(t, "WARN", toSlogLevel(WARN).String())
	assert.Equal(t, "ERROR", toSlogLevel(ERROR).String())
	assert.Equal(t, "INFO", toSlogLevel(INFO).String())
}

func TestWith_DerivesLoggerWithAttachedArgs(t *testing.T) {
	l, err := New(Config{Level: INFO})
	require.NoError(t, err)
	derived := l.With("request_id", "abc")
	assert.NotSame(t, l, derived)
	assert.NotNil(t, derived.slog)
}

func TestDefaultConfig(t *testing.T) {
	prod := DefaultConfig(false)
	assert.Equal(t, INFO, prod.Level)
	assert.True(t, prod.JSONFormat)
	assert.False(t, prod.AddSource)

	debug := DefaultConfig(true)
	assert.Equal(t, DEBUG, debug.Level)
	assert.False(t, debug.JSONFormat)
	assert.True(t, debug.AddSource)
}

func TestGlobal_ReturnsUsableLoggerWithoutInitialize(t *testing.T) {
	l := Global()
	assert.NotNil(t, l)
	l.Info("noop")
}
