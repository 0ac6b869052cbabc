package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("COINYX_TEST_STR", "value")
	t.Setenv("COINYX_TEST_INT", "42")
	t.Setenv("COINYX_TEST_BAD_INT", "forty")
	t.Setenv("COINYX_TEST_DUR", "90s")

	assert.Equal(t, "value", Env("COINYX_TEST_STR", "def"))
	assert.Equal(t, "def", Env("COINYX_TEST_MISSING", "def"))
	assert.Equal(t, 42, EnvInt("COINYX_TEST_INT", 1))
	assert.Equal(t, 1, EnvInt("COINYX_TEST_BAD_INT", 1))
	assert.Equal(t, int64(42), EnvInt64("COINYX_TEST_INT", 7))
	assert.Equal(t, 90*time.Second, EnvDuration("COINYX_TEST_DUR", time.Second))
}

func TestDedupAndClamp(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, Dedup([]string{"http://a/", "http://a", "http://b"}))
	assert.Equal(t, 1, Clamp(-3, 1, 20))
	assert.Equal(t, 20, Clamp(99, 1, 20))
	assert.Equal(t, 5, Clamp(5, 1, 20))
}
