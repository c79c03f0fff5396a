package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		t.Setenv("VOICETUTOR_TEST_KEY", "hello")
		v, err := Getenv(GetenvString, "VOICETUTOR_TEST_KEY", true, "")
		require.NoError(t, err)
		assert.Equal(t, "hello", v)
	})

	t.Run("unset optional returns fallback", func(t *testing.T) {
		v, err := Getenv(GetenvInt, "VOICETUTOR_TEST_UNSET", false, 7)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("unset required errors", func(t *testing.T) {
		_, err := Getenv(GetenvString, "VOICETUTOR_TEST_UNSET", true, "")
		assert.Error(t, err)
	})

	t.Run("empty counts as unset", func(t *testing.T) {
		t.Setenv("VOICETUTOR_TEST_KEY", "")
		v, err := Getenv(GetenvString, "VOICETUTOR_TEST_KEY", false, "fallback")
		require.NoError(t, err)
		assert.Equal(t, "fallback", v)
	})

	t.Run("parse failure", func(t *testing.T) {
		t.Setenv("VOICETUTOR_TEST_KEY", "not-a-number")
		_, err := Getenv(GetenvInt, "VOICETUTOR_TEST_KEY", false, 0)
		assert.Error(t, err)
	})

	t.Run("bool", func(t *testing.T) {
		t.Setenv("VOICETUTOR_TEST_KEY", "true")
		v, err := Getenv(GetenvBool, "VOICETUTOR_TEST_KEY", false, false)
		require.NoError(t, err)
		assert.True(t, v)
	})
}
