package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInt(t *testing.T) {
	assert.Equal(t, 7, Int("RUDFT_TEST_UNSET", 7))

	t.Setenv("RUDFT_TEST_INT", "42")
	assert.Equal(t, 42, Int("RUDFT_TEST_INT", 7))

	t.Setenv("RUDFT_TEST_INT", "junk")
	assert.Equal(t, 7, Int("RUDFT_TEST_INT", 7))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Second, Duration("RUDFT_TEST_UNSET", time.Second))

	t.Setenv("RUDFT_TEST_DUR", "250ms")
	assert.Equal(t, 250*time.Millisecond, Duration("RUDFT_TEST_DUR", time.Second))
}
