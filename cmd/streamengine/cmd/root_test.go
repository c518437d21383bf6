package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["inspect"])
}

func TestRunCommandRequiresManifestURL(t *testing.T) {
	flag := runCmd.Flags().Lookup("manifest-url")
	assert.NotNil(t, flag)
	assert.Equal(t, "true", flag.Annotations["cobra_annotation_bash_completion_one_required_flag"][0])
}
