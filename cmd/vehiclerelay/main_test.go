package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/vehiclerelay/internal/runtime/config"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitConfigError, exitCode(errspkg.NewFatalConfigError(errors.New("missing url"))))
	assert.Equal(t, exitFailure, exitCode(errors.New("broker unreachable")))
}

func TestSelectPipelines(t *testing.T) {
	all := []configpkg.PipelineConfig{{Name: "java"}, {Name: "python"}, {Name: "audit"}}

	got := selectPipelines(all, []string{"audit", "java"})
	require.Len(t, got, 2)
	assert.Equal(t, "java", got[0].Name)
	assert.Equal(t, "audit", got[1].Name)

	assert.Empty(t, selectPipelines(all, []string{"go"}))
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "bridge")
	assert.Contains(t, names, "consumer")
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestMissingConfigFileIsFatal(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"bridge", "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	root.SetOut(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, exitConfigError, exitCode(err))
}

func TestLoadBuildsLoggerFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vehiclerelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n  format: json\n"), 0o600))

	var out bytes.Buffer
	opts := &rootOptions{configFile: path, logOutput: &out}
	cfg, logger, err := opts.load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Len(t, cfg.Pipelines, 2)

	logger.Debug("hello", nil)
	assert.Contains(t, out.String(), `"msg":"hello"`)
}
