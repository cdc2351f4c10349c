package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_FromYAMLAndEnvOverride(t *testing.T) {
	tmp := t.TempDir()
	cfgFile := filepath.Join(tmp, "config.yaml")

	yaml := `
server:
  addr: 127.0.0.1:9000

app:
  id: "1234"
  private_key_path: /tmp/app.pem

credentials:
  safety_margin: 2m

client:
  server_url: ws://example.com/ws
  installation_id: 7
  backoff_initial: 2s
  backoff_max: 30s
  repositories:
    - name: org/repo
      enabled: true
    - name: org/other
      enabled: false
`
	if err := os.WriteFile(cfgFile, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BUILDCAST_APP_ID", "5678")

	c, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.App.ID != "5678" {
		t.Errorf("env override failed, got %s", c.App.ID)
	}
	if c.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("addr = %s", c.Server.Addr)
	}
	if c.Credentials.SafetyMargin != 2*time.Minute {
		t.Errorf("safety margin = %v", c.Credentials.SafetyMargin)
	}
	if got := c.EnabledRepositories(); len(got) != 1 || got[0] != "org/repo" {
		t.Errorf("enabled repositories = %v", got)
	}
	if err := c.ValidateServer(); err != nil {
		t.Errorf("ValidateServer: %v", err)
	}
	if err := c.ValidateClient(); err != nil {
		t.Errorf("ValidateClient: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.Client.BackoffInitial != time.Second || c.Client.BackoffMax != 60*time.Second {
		t.Errorf("backoff = %v..%v", c.Client.BackoffInitial, c.Client.BackoffMax)
	}
	if c.Credentials.SafetyMargin != 5*time.Minute {
		t.Errorf("safety margin = %v", c.Credentials.SafetyMargin)
	}
	if c.Builds.QueryLimit != 10 {
		t.Errorf("query limit = %d", c.Builds.QueryLimit)
	}
	if err := c.ValidateServer(); err == nil {
		t.Error("expected ValidateServer to fail without app id")
	}
}

func TestLoad_RepositoriesFromEnv(t *testing.T) {
	t.Setenv("BUILDCAST_REPOSITORIES", "org/a, org/b,,")

	c, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.EnabledRepositories(); len(got) != 2 || got[0] != "org/a" || got[1] != "org/b" {
		t.Errorf("repositories = %v", got)
	}
}

func TestSave_RoundTripsRepositories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	var c Config
	c.App.ID = "1"
	c.Client.Repositories = []Repository{{Name: "org/repo", Enabled: true}}
	if err := Save(path, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Client.Repositories) != 1 || got.Client.Repositories[0].Name != "org/repo" {
		t.Errorf("repositories = %+v", got.Client.Repositories)
	}
}
