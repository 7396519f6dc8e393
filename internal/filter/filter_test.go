package filter

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-e2e/internal/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var insert = models.ChangeEvent{
	Type:   models.EventInsert,
	Schema: "public",
	Table:  "realtime_test",
	Record: map[string]interface{}{"id": 1, "name": "Test entry at 2024-01-01T00:00:00.000Z"},
}

func TestAnonymousFunction(t *testing.T) {
	f, err := New(`(function(event) { return event.new && event.new.name.indexOf("Test entry") === 0; })`, quietLogger())
	require.NoError(t, err)

	ok, err := f.Match(insert)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Match(models.ChangeEvent{Type: models.EventDelete, OldRecord: map[string]interface{}{"id": 1}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamedMatchFunction(t *testing.T) {
	f, err := New(`function match(event) { console.log("saw", event.eventType); return event.eventType !== "UPDATE"; }`, quietLogger())
	require.NoError(t, err)

	ok, err := f.Match(insert)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Match(models.ChangeEvent{Type: models.EventUpdate})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNullRejects(t *testing.T) {
	f, err := New(`(function(event) { return null; })`, quietLogger())
	require.NoError(t, err)

	ok, err := f.Match(insert)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScriptWithoutFunction(t *testing.T) {
	_, err := New(`var x = 1;`, quietLogger())
	assert.ErrorIs(t, err, ErrNoFunction)
}

func TestScriptSyntaxError(t *testing.T) {
	_, err := New(`function (`, quietLogger())
	assert.Error(t, err)
}

func TestRuntimeErrorIsReturned(t *testing.T) {
	f, err := New(`(function(event) { return event.new.missing.field; })`, quietLogger())
	require.NoError(t, err)

	_, err = f.Match(insert)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.js")
	require.NoError(t, os.WriteFile(path, []byte(`(function(e) { return e.table === "realtime_test"; })`), 0o644))

	f, err := Load(path, quietLogger())
	require.NoError(t, err)
	ok, err := f.Match(insert)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.js"), quietLogger())
	assert.Error(t, err)
}
