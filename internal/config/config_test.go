package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bbsync/internal/location"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
lms:
  base_url: https://blackboard.example.edu
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv(SessionEnv, "")
	dir := t.TempDir()
	cfg, err := LoadConfig(writeConfig(t, dir, minimal+"  env_file: "+filepath.Join(dir, "missing.env")+"\n"))
	require.NoError(t, err)

	home, err := homedir.Dir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "Downloads", "BlackboardSync"), cfg.Sync.DownloadRoot)
	assert.Equal(t, 30*time.Minute, cfg.Sync.IntervalDuration)
	assert.True(t, cfg.Sync.StartDate.IsZero())
	assert.Equal(t, location.PolicyRedownload, cfg.Sync.Policy)
	assert.Equal(t, 3, cfg.Sync.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Sync.CycleTimeoutDuration)
	assert.Equal(t, 12*time.Second, cfg.LMS.RequestTimeoutDuration)
	assert.Equal(t, "text", cfg.System.LogFormat)
	assert.Empty(t, cfg.LMS.SessionCookie)
}

func TestFullConfig(t *testing.T) {
	dir := t.TempDir()
	body := `
sync:
  download_root: ` + filepath.Join(dir, "mirror") + `
  interval: 6h
  course_start_date: 2025-09-01
  location_policy: migrate
  max_concurrent: 5
  group_by_year: true
lms:
  base_url: https://blackboard.example.edu
  session_cookie: "BbRouter=abc"
system:
  log_format: json
`
	cfg, err := LoadConfig(writeConfig(t, dir, body))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mirror"), cfg.Sync.DownloadRoot)
	assert.Equal(t, 6*time.Hour, cfg.Sync.IntervalDuration)
	assert.Equal(t, 2025, cfg.Sync.StartDate.Year())
	assert.Equal(t, time.September, cfg.Sync.StartDate.Month())
	assert.Equal(t, location.PolicyMigrate, cfg.Sync.Policy)
	assert.True(t, cfg.Sync.GroupByYear)
	assert.Equal(t, "BbRouter=abc", cfg.LMS.SessionCookie)
}

func TestSessionFromEnvFile(t *testing.T) {
	t.Setenv(SessionEnv, "from-environment")
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(SessionEnv+"=from-file\n"), 0600))

	cfg, err := LoadConfig(writeConfig(t, dir, minimal+"  env_file: "+envFile+"\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.LMS.SessionCookie)
}

func TestSessionFromEnvironment(t *testing.T) {
	t.Setenv(SessionEnv, "from-environment")
	dir := t.TempDir()

	cfg, err := LoadConfig(writeConfig(t, dir, minimal+"  env_file: "+filepath.Join(dir, "none.env")+"\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-environment", cfg.LMS.SessionCookie)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unsupported interval", "sync:\n  interval: 5m\n" + minimal},
		{"bad interval", "sync:\n  interval: often\n" + minimal},
		{"bad date", "sync:\n  course_start_date: 01/09/2025\n" + minimal},
		{"bad policy", "sync:\n  location_policy: delete\n" + minimal},
		{"missing base url", "sync:\n  interval: 1h\n"},
		{"bad log format", "system:\n  log_format: xml\n" + minimal},
		{"bad yaml", "sync: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestSetDownloadRootWithEmptySyncSection(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `sync:
lms:
  base_url: https://blackboard.example.edu
  session_cookie: x
`)

	newRoot := filepath.Join(dir, "mirror")
	require.NoError(t, SetDownloadRoot(path, newRoot))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, newRoot, cfg.Sync.DownloadRoot)
	assert.Equal(t, "https://blackboard.example.edu", cfg.LMS.BaseURL)
}

func TestSetDownloadRootKeepsOtherSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `# my settings
sync:
  download_root: /old/place # where files go
  interval: 1h
lms:
  base_url: https://blackboard.example.edu
  session_cookie: x
`)

	newRoot := filepath.Join(dir, "new place")
	require.NoError(t, SetDownloadRoot(path, newRoot))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, newRoot, cfg.Sync.DownloadRoot)
	assert.Equal(t, time.Hour, cfg.Sync.IntervalDuration)

	data, _ := os.ReadFile(path)
	assert.Contains(t, string(data), "# my settings")
}
