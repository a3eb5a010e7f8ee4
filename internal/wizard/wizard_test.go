package wizard

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meshled/meshpanel/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name  string
		in    Answers
		check func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "defaults",
			in:   DefaultAnswers(),
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Panel.StateFile != "./data/state.yaml" {
					t.Errorf("StateFile = %q", cfg.Panel.StateFile)
				}
				if cfg.Server.Address != "127.0.0.1:8090" {
					t.Errorf("Server.Address = %q", cfg.Server.Address)
				}
				if cfg.MDNS.Enabled {
					t.Error("MDNS enabled by default")
				}
			},
		},
		{
			name: "page host sanitized",
			in: Answers{
				StateFile: "./state.yaml",
				PageHost:  " http://192.168.1.40/ ",
				Secure:    true,
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Page.Host != "192.168.1.40" {
					t.Errorf("Page.Host = %q", cfg.Page.Host)
				}
				if !cfg.Page.Secure {
					t.Error("Page.Secure = false")
				}
			},
		},
		{
			name: "mdns interface only when enabled",
			in: Answers{
				StateFile:     "./state.yaml",
				MDNSInterface: "eth0",
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.MDNS.Interface != "" {
					t.Errorf("MDNS.Interface = %q, want empty", cfg.MDNS.Interface)
				}
			},
		},
		{
			name: "mdns and log level",
			in: Answers{
				StateFile:     "./state.yaml",
				MDNS:          true,
				MDNSInterface: " wlan0 ",
				LogLevel:      "debug",
				ServerAddress: ":9000",
			},
			check: func(t *testing.T, cfg *config.Config) {
				if !cfg.MDNS.Enabled || cfg.MDNS.Interface != "wlan0" {
					t.Errorf("MDNS = %+v", cfg.MDNS)
				}
				if cfg.Panel.LogLevel != "debug" {
					t.Errorf("LogLevel = %q", cfg.Panel.LogLevel)
				}
				if cfg.Server.Address != ":9000" {
					t.Errorf("Server.Address = %q", cfg.Server.Address)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := BuildConfig(tc.in)
			if cfg.Panel.LogFormat != "text" {
				t.Errorf("LogFormat = %q, want text", cfg.Panel.LogFormat)
			}
			tc.check(t, cfg)
		})
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "meshpanel.yaml")

	a := DefaultAnswers()
	a.PageHost = "192.168.1.40"
	a.ProxyTemplate = "https://proxy.example/{host}{path}"
	cfg := BuildConfig(a)

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# meshpanel configuration") {
		t.Error("config file missing header")
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if loaded.Page.Host != "192.168.1.40" {
		t.Errorf("Page.Host = %q", loaded.Page.Host)
	}
	if loaded.Page.ProxyTemplate != a.ProxyTemplate {
		t.Errorf("ProxyTemplate = %q", loaded.Page.ProxyTemplate)
	}
}

func TestWriteConfigRejectsInvalid(t *testing.T) {
	cfg := BuildConfig(Answers{})
	path := filepath.Join(t.TempDir(), "meshpanel.yaml")

	if err := WriteConfig(cfg, path); err == nil {
		t.Fatal("WriteConfig() accepted config without a state file")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid config was written")
	}
}

func TestValidators(t *testing.T) {
	if err := validateConfigPath("conf.json"); err == nil {
		t.Error("validateConfigPath accepted .json")
	}
	if err := validateConfigPath("conf.yml"); err != nil {
		t.Errorf("validateConfigPath(.yml) error = %v", err)
	}
	if err := validateProxyTemplate("https://proxy/{path}"); err == nil {
		t.Error("validateProxyTemplate accepted template without {host}")
	}
	if err := validateProxyTemplate(""); err != nil {
		t.Errorf("validateProxyTemplate(empty) error = %v", err)
	}
	if err := required("x")("  "); err == nil {
		t.Error("required accepted blank input")
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithWriter(&buf)
	w.printSummary("./meshpanel.yaml", BuildConfig(DefaultAnswers()))

	out := buf.String()
	for _, want := range []string{"Setup Complete", "./data/state.yaml", "meshpanel serve -c ./meshpanel.yaml"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
