package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, Version+"\n", buf.String())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("OBSERVER_MONGO_URI", "mongodb://db.internal:27017")
	t.Setenv("OBSERVER_LOG_LEVEL", "debug")
	NewRootCommand()

	c, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "mongodb://db.internal:27017", c.Mongo.URI)
	assert.Equal(t, "debug", c.Logger.Level)
	assert.Equal(t, "oplog.rs", c.Oplog.Collection)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("OBSERVER_CONFIG", "../../dev/examples/mirror.yml")
	NewRootCommand()

	c, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "shop.items", c.MirrorNamespace())
}

func TestMirrorRequiresCollection(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"mirror"})

	assert.ErrorContains(t, cmd.Execute(), "mirror requires a database and collection")
}
