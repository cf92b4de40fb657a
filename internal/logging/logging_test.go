package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logrus.New()
	require.NoError(t, Configure(l, "debug", "JSON", &buf))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	l.WithField("batch", 3).Debug("copied")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "copied", line["msg"])
	assert.Equal(t, float64(3), line["batch"])
}

func TestConfigure_TextDefaults(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logrus.New()
	require.NoError(t, Configure(l, "", "", &buf))
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())

	l.Debug("hidden")
	l.WithField("rows", 10).Info("done")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "rows=10")
}

func TestConfigure_Errors(t *testing.T) {
	t.Parallel()

	assert.ErrorContains(t, Configure(logrus.New(), "loud", "", nil), "log level")
	assert.ErrorContains(t, Configure(logrus.New(), "info", "xml", nil), `unknown format "xml"`)
}
