package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEmbeddedMigrations(t *testing.T) {
	list, err := List()
	require.NoError(t, err)

	require.NotEmpty(t, list)
	assert.Equal(t, Migration{Version: 1, Name: "init"}, list[0])
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Version, list[i].Version)
	}
}
