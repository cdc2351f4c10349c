package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

type Repository struct {
	Name    string `yaml:"name" json:"name"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type Config struct {
	Server struct {
		Addr         string        `yaml:"addr"`
		ReadLimit    int64         `yaml:"read_limit"`
		PingInterval time.Duration `yaml:"ping_interval"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	App struct {
		ID             string `yaml:"id"`
		PrivateKeyPath string `yaml:"private_key_path"`
	} `yaml:"app"`

	GitHub struct {
		BaseURL      string        `yaml:"base_url"`
		WebURL       string        `yaml:"web_url"`
		Timeout      time.Duration `yaml:"timeout"`
		CheckRunName string        `yaml:"check_run_name"`
	} `yaml:"github"`

	Credentials struct {
		SafetyMargin time.Duration `yaml:"safety_margin"`
	} `yaml:"credentials"`

	Builds struct {
		Retention     time.Duration `yaml:"retention"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		QueryLimit    int           `yaml:"query_limit"`
	} `yaml:"builds"`

	Client struct {
		ServerURL      string        `yaml:"server_url"`
		InstallationID int64         `yaml:"installation_id"`
		BackoffInitial time.Duration `yaml:"backoff_initial"`
		BackoffMax     time.Duration `yaml:"backoff_max"`
		Repositories   []Repository  `yaml:"repositories"`
	} `yaml:"client"`

	Cache struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`
}

func Load(path string) (Config, error) {
	var c Config

	c.Server.Addr = ":8080"
	c.Server.ReadLimit = 1 << 20
	c.Server.PingInterval = 30 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.GitHub.BaseURL = "https://api.github.com"
	c.GitHub.WebURL = "https://github.com"
	c.GitHub.Timeout = 10 * time.Second
	c.GitHub.CheckRunName = "Build Dashboard"
	c.Credentials.SafetyMargin = 5 * time.Minute
	c.Builds.Retention = 24 * time.Hour
	c.Builds.SweepInterval = 5 * time.Minute
	c.Builds.QueryLimit = 10
	c.Client.ServerURL = "ws://localhost:8080/ws"
	c.Client.BackoffInitial = time.Second
	c.Client.BackoffMax = 60 * time.Second
	c.Cache.Path = "~/.cache/buildcast_status.json"

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, err
			}
		}
	}

	if v := os.Getenv("BUILDCAST_ADDR"); v != "" {
		c.Server.Addr = v
	}

	if v := os.Getenv("BUILDCAST_APP_ID"); v != "" {
		c.App.ID = v
	}

	if v := os.Getenv("BUILDCAST_PRIVATE_KEY_PATH"); v != "" {
		c.App.PrivateKeyPath = v
	}

	if v := os.Getenv("GITHUB_BASE_URL"); v != "" {
		c.GitHub.BaseURL = v
	}

	if v := os.Getenv("GITHUB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GitHub.Timeout = d
		}
	}

	if v := os.Getenv("BUILDCAST_SERVER_URL"); v != "" {
		c.Client.ServerURL = v
	}

	if v := os.Getenv("BUILDCAST_INSTALLATION_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Client.InstallationID = id
		}
	}

	if s := os.Getenv("BUILDCAST_REPOSITORIES"); s != "" {
		var rs []Repository
		for _, item := range strings.Split(s, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			rs = append(rs, Repository{Name: item, Enabled: true})
		}
		if len(rs) > 0 {
			c.Client.Repositories = rs
		}
	}

	if v := os.Getenv("CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}

	c.Cache.Path = expandHome(c.Cache.Path)
	c.App.PrivateKeyPath = expandHome(c.App.PrivateKeyPath)
	c.GitHub.BaseURL = strings.TrimRight(c.GitHub.BaseURL, "/")
	c.GitHub.WebURL = strings.TrimRight(c.GitHub.WebURL, "/")

	if c.GitHub.Timeout <= 0 {
		c.GitHub.Timeout = 10 * time.Second
	}

	if c.Credentials.SafetyMargin <= 0 {
		c.Credentials.SafetyMargin = 5 * time.Minute
	}

	if c.Client.BackoffInitial <= 0 {
		c.Client.BackoffInitial = time.Second
	}

	if c.Client.BackoffMax < c.Client.BackoffInitial {
		c.Client.BackoffMax = c.Client.BackoffInitial
	}

	if c.Builds.QueryLimit <= 0 {
		c.Builds.QueryLimit = 10
	}

	return c, nil
}

func (c Config) ValidateServer() error {
	if c.App.ID == "" {
		return errors.New("app.id is required")
	}
	if c.App.PrivateKeyPath == "" {
		return errors.New("app.private_key_path is required")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	return nil
}

func (c Config) ValidateClient() error {
	if c.App.ID == "" {
		return errors.New("app.id is required")
	}
	if c.App.PrivateKeyPath == "" {
		return errors.New("app.private_key_path is required")
	}
	if c.Client.ServerURL == "" {
		return errors.New("client.server_url is required")
	}
	if c.Client.InstallationID == 0 {
		return errors.New("client.installation_id is required")
	}
	return nil
}

// EnabledRepositories returns the names of the enabled client repositories.
func (c Config) EnabledRepositories() []string {
	var out []string
	for _, r := range c.Client.Repositories {
		if r.Enabled && r.Name != "" {
			out = append(out, r.Name)
		}
	}
	return out
}

func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
