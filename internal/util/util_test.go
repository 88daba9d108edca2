package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestCleanSMSText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SMS/Verify abc123", CleanSMSText("  SMS/Verify \t\x00 abc123\r\n"))
	assert.Equal(t, "", CleanSMSText(" \n "))
}

func TestDigitsOnly(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "33612345678", DigitsOnly("+33 6 12-34-56-78"))
}

func TestMsisdnMasking(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "*********678", Msisdn("+33612345678").String)
	assert.Equal(t, "***", Msisdn("12").String)
	assert.Equal(t, "abcdef012345", HmacID("abcdef0123456789").String)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel(" Warning "))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("ERROR"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNewConfig(t *testing.T) {
	t.Parallel()

	prod := newConfig("production", "warn", "json")
	assert.Equal(t, "json", prod.Encoding)
	assert.NotNil(t, prod.Sampling)
	assert.Equal(t, zapcore.WarnLevel, prod.Level.Level())

	dev := newConfig("development", "", "console")
	assert.Equal(t, "console", dev.Encoding)
	assert.Nil(t, dev.Sampling)
	assert.True(t, dev.Development)
}

func TestNewConfig_EncodingFollowsEnvironment(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "json", newConfig("production", "info", "").Encoding)
	assert.Equal(t, "console", newConfig("development", "info", "").Encoding)
	assert.Equal(t, "console", newConfig("production", "info", "console").Encoding)
	assert.Equal(t, "json", newConfig("development", "info", "json").Encoding)
	assert.Equal(t, "json", newConfig("production", "info", "yaml").Encoding)
}
