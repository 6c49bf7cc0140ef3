package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "broker", cmd.Use)

	commands := cmd.Commands()
	assert.Len(t, commands, 4)

	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["submit"])
	assert.True(t, names["status"])
	assert.True(t, names["cancel"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()
	assert.Equal(t, "submit", cmd.Use)

	classFlag := cmd.Flags().Lookup("class")
	assert.NotNil(t, classFlag)

	payloadFlag := cmd.Flags().Lookup("payload")
	assert.NotNil(t, payloadFlag)
	assert.Equal(t, "f", payloadFlag.Shorthand)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()
	assert.Contains(t, cmd.Use, "status")
	assert.NotNil(t, cmd.RunE)
}

func TestBuildCancelCommand(t *testing.T) {
	cmd := buildCancelCommand()
	assert.Contains(t, cmd.Use, "cancel")
	assert.NotNil(t, cmd.RunE)
}
