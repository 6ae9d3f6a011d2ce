// SPDX-License-Identifier: MIT
package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIntClamping(t *testing.T) {
	t.Setenv("TEST_INT_LOW", "-5")
	assert.Equal(t, 1, ParseInt("TEST_INT_LOW", 10, 1, 64))

	t.Setenv("TEST_INT_HIGH", "9999")
	assert.Equal(t, 64, ParseInt("TEST_INT_HIGH", 10, 1, 64))

	t.Setenv("TEST_INT_BAD", "not-a-number")
	assert.Equal(t, 10, ParseInt("TEST_INT_BAD", 10, 1, 64))

	assert.Equal(t, 10, ParseInt("TEST_INT_UNSET", 10, 1, 64))
}

func TestParseFloatClamping(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.05")
	assert.Equal(t, 0.2, ParseFloat("TEST_FLOAT", 0.8, 0.2, 5.0))

	t.Setenv("TEST_FLOAT", "99")
	assert.Equal(t, 5.0, ParseFloat("TEST_FLOAT", 0.8, 0.2, 5.0))

	t.Setenv("TEST_FLOAT", "1.5")
	assert.Equal(t, 1.5, ParseFloat("TEST_FLOAT", 0.8, 0.2, 5.0))
}

func TestParseStringBlankFallsBack(t *testing.T) {
	t.Setenv("TEST_STR", "   ")
	assert.Equal(t, "def", ParseString("TEST_STR", "def"))

	t.Setenv("TEST_STR", " value ")
	assert.Equal(t, "value", ParseString("TEST_STR", "def"))
}

func TestBoolish(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on ", "y"} {
		assert.True(t, Boolish(v, false), "value %q", v)
	}
	for _, v := range []string{"0", "false", "No", "off", "n"} {
		assert.False(t, Boolish(v, true), "value %q", v)
	}
	// Unrecognized or blank values keep the default.
	assert.True(t, Boolish("maybe", true))
	assert.False(t, Boolish("", false))
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 20, cfg.Concurrency)
	assert.Equal(t, 1, cfg.JobWorkers)
	assert.Equal(t, "nova-2-general", cfg.DefaultModel)
	assert.Equal(t, 15.0, cfg.MaxSegmentSeconds)
	assert.Equal(t, 0.25, cfg.MinSegmentSeconds)
	assert.EqualValues(t, 4096<<20, cfg.MaxUploadBytes())
	assert.False(t, cfg.AuthEnabled())
}

func TestLoadClampsConcurrency(t *testing.T) {
	t.Setenv("CONCURRENCY", "500")
	assert.Equal(t, 64, Load().Concurrency)

	t.Setenv("CONCURRENCY", "0")
	assert.Equal(t, 1, Load().Concurrency)
}
