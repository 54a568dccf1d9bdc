package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"sync", "discover", "query", "refresh-entities", "serve"})
}

func TestQueryRequiresQuestion(t *testing.T) {
	assert.Error(t, queryCmd.Args(queryCmd, nil))
	assert.NoError(t, queryCmd.Args(queryCmd, []string{"renewal", "status"}))
}

func TestFlagDefaults(t *testing.T) {
	f := serveCmd.Flags().Lookup("background-sync")
	if assert.NotNil(t, f) {
		assert.Equal(t, "true", f.DefValue)
	}
	assert.NotNil(t, queryCmd.Flags().ShorthandLookup("n"))
}
