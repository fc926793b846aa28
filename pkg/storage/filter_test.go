package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type filterable map[string]any

func (f filterable) FilterVariablesMap() map[string]any {
	return f
}

func TestCompileFilter(t *testing.T) {
	hotp := filterable{"protocol": "hotp", "name": "alice"}
	totp := filterable{"protocol": "totp", "name": "bob"}

	t.Run("blank filter includes everything", func(t *testing.T) {
		for _, expr := range []string{"", "   "} {
			include, err := CompileFilter(expr, "protocol")
			require.NoError(t, err)
			ok, err := include(hotp)
			assert.NoError(t, err)
			assert.True(t, ok)
		}
	})

	t.Run("equality on a declared identifier", func(t *testing.T) {
		include, err := CompileFilter(`protocol = "hotp"`, "protocol", "name")
		require.NoError(t, err)

		ok, err := include(hotp)
		assert.NoError(t, err)
		assert.True(t, ok)

		ok, err = include(totp)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("second identifier", func(t *testing.T) {
		include, err := CompileFilter(`name = "bob"`, "protocol", "name")
		require.NoError(t, err)

		ok, err := include(totp)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("undeclared identifier", func(t *testing.T) {
		_, err := CompileFilter(`secret = "abc"`, "protocol")
		assert.ErrorContains(t, err, "parsing filter")
	})

	t.Run("too long", func(t *testing.T) {
		_, err := CompileFilter(strings.Repeat("a", FilterCharacterLimit+1), "protocol")
		assert.ErrorContains(t, err, "character size limit")
	})
}
