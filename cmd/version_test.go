package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/f0wlerz/goblins/eve"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := eve.Version
	originalCommitSHA := eve.CommitSHA
	originalBuildTime := eve.BuildTime

	t.Cleanup(
		func() {
			eve.Version = originalVersion
			eve.CommitSHA = originalCommitSHA
			eve.BuildTime = originalBuildTime
		},
	)

	eve.Version = "1.0.0"
	eve.CommitSHA = "abc123"
	eve.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		eve.Version,
		eve.CommitSHA,
		eve.BuildTime,
	)
	assert.Equal(t, expected, output)
}
