package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveConfigPath(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	assert.Equal(t, defaultConfigPath, resolveConfigPath("", getenv))

	env["QUANTSERVE_CONFIG"] = "/etc/quantserve.yaml"
	assert.Equal(t, "/etc/quantserve.yaml", resolveConfigPath("", getenv))
	assert.Equal(t, "local.yaml", resolveConfigPath("local.yaml", getenv))
}
