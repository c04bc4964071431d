package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "migrate", "classify", "widgets", "research"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "abi-engine", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.Equal(t, version, rootCmd.Version)
	assert.True(t, rootCmd.SilenceUsage)
}

func TestRootCommand_LogLevelOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	prevCfg, prevLevel := cfg, logLevel
	t.Cleanup(func() { cfg, logLevel = prevCfg, prevLevel })

	require.NoError(t, rootCmd.PersistentFlags().Set("log-level", "warn"))
	t.Cleanup(func() { _ = rootCmd.PersistentFlags().Set("log-level", "") })

	require.NoError(t, rootCmd.PersistentPreRunE(widgetsValidateCmd, nil))
	assert.Equal(t, "warn", cfg.Log.Level)

	logLevel = "shout"
	assert.ErrorContains(t, rootCmd.PersistentPreRunE(widgetsValidateCmd, nil), "init logger")
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestMigrateCommand_Flags(t *testing.T) {
	flag := migrateCmd.Flags().Lookup("import-sqlite")
	require.NotNil(t, flag, "migrate command should have --import-sqlite flag")
	assert.Equal(t, "", flag.DefValue)
}

func TestResearchCommand_Flags(t *testing.T) {
	for _, name := range []string{"answer", "study-type", "approve", "top-up"} {
		assert.NotNil(t, researchCmd.Flags().Lookup(name), "research should have --%s flag", name)
	}
}

func TestWidgetsCommand_HasValidate(t *testing.T) {
	var found bool
	for _, c := range widgetsCmd.Commands() {
		if c.Name() == "validate" {
			found = true
		}
	}
	assert.True(t, found)
}
