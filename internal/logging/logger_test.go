package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := map[string]struct {
		level string
		want  log.Level
	}{
		"debug":  {level: "debug", want: log.DebugLevel},
		"upper":  {level: "WARN", want: log.WarnLevel},
		"padded": {level: " error ", want: log.ErrorLevel},
		"info":   {level: "info", want: log.InfoLevel},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			logger, err := New(&bytes.Buffer{}, tt.level, "text")
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud", "text")
	require.Error(t, err)

	_, err = New(&bytes.Buffer{}, "info", "xml")
	require.Error(t, err)
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", "json")
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("refresh cycle succeeded", "total", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "refresh cycle succeeded", line["msg"])
	assert.Equal(t, "feedwindow", line["prefix"])
	assert.EqualValues(t, 3, line["total"])
}
