package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"serve", "scrape", "analyze", "migrate", "sources", "posts", "status"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "safety-monitor", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestScrapeCommand_Flags(t *testing.T) {
	for _, name := range []string{"all", "analyze"} {
		flag := scrapeCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "scrape should have --%s flag", name)
		assert.Equal(t, "false", flag.DefValue)
	}
}

func TestAnalyzeCommand_Flags(t *testing.T) {
	require.NotNil(t, analyzeCmd.Flags().Lookup("pending"))
	limit := analyzeCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "0", limit.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestSourcesCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range sourcesCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["seed"])
	assert.NotNil(t, sourcesSeedCmd.Flags().Lookup("file"))
}

func TestPostsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range postsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "review"} {
		assert.True(t, names[name], "posts should have subcommand %q", name)
	}
	for _, flagName := range []string{"reviewer", "notes"} {
		assert.NotNil(t, postsReviewCmd.Flags().Lookup(flagName), "posts review should have --%s flag", flagName)
	}
}

func TestAnalyzeCommand_RequiresTarget(t *testing.T) {
	analyzeCmd.SetContext(context.Background())
	err := analyzeCmd.RunE(analyzeCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either a finding id or --pending")
}

func TestScrapeCommand_RequiresTarget(t *testing.T) {
	scrapeCmd.SetContext(context.Background())
	err := scrapeCmd.RunE(scrapeCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one source code or pass --all")
}
