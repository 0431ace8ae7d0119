package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZerologLoggerMethods(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	l := New("test")
	assert.NotNil(t, l)
	l.Debugf("debug %d", 1)
	l.Infof("info %s", "test")
	l.Warnf("warn")
	l.Errorf("error")
}

func TestZerologLoggerLevelOverride(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOG_LEVEL", "debug")
	l := New("test")
	assert.NotNil(t, l)
	l.Debugf("emitted at debug")
}

func TestZerologLoggerJSONMode(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	l := New("test")
	assert.NotNil(t, l)
	l.Infof("info")
}
