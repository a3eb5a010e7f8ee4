// Package wizard provides the interactive setup wizard, the external port
// link form and the terminal tables used by the meshpanel CLI.
package wizard

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/meshled/meshpanel/internal/config"
	"github.com/meshled/meshpanel/internal/hostaddr"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers are the values collected by the setup wizard.
type Answers struct {
	ConfigPath    string
	StateFile     string
	PageHost      string
	Secure        bool
	ProxyTemplate string
	MDNS          bool
	MDNSInterface string
	ServerAddress string
	LogLevel      string
}

// DefaultAnswers returns the values the wizard starts from.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		ConfigPath:    "./meshpanel.yaml",
		StateFile:     def.Panel.StateFile,
		ServerAddress: def.Server.Address,
		LogLevel:      def.Panel.LogLevel,
	}
}

// Wizard manages the interactive forms.
type Wizard struct {
	theme *huh.Theme
	out   io.Writer
}

// New creates a wizard writing to stdout.
func New() *Wizard {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a wizard writing to out.
func NewWithWriter(out io.Writer) *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
		out:   out,
	}
}

// Run executes the interactive setup wizard and writes the config file.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askPage(&a); err != nil {
		return nil, err
	}
	if err := w.askDiscovery(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg := BuildConfig(a)
	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{Config: cfg, ConfigPath: a.ConfigPath}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  meshpanel")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  LED mesh control panel - Setup Wizard\n")

	fmt.Fprintln(w.out, banner)
	fmt.Fprintln(w.out, subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where the panel keeps its configuration and state."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./meshpanel.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("State File").
				Description("Device list, selected device and API token").
				Placeholder("./data/state.yaml").
				Value(&a.StateFile).
				Validate(required("state file")),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askPage(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Page Origin").
				Description("Where the control page is served from.\nLeave the host empty when the panel runs standalone."),

			huh.NewInput().
				Title("Page Host").
				Description("host[:port], e.g. 192.168.1.40 when served by a device").
				Value(&a.PageHost),

			huh.NewConfirm().
				Title("Served over https?").
				Value(&a.Secure),

			huh.NewInput().
				Title("Proxy Template").
				Description("Optional, e.g. https://proxy.example/{host}{path}").
				Value(&a.ProxyTemplate).
				Validate(validateProxyTemplate),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askDiscovery(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Discovery").
				Description("Devices are found through the peer lists of known devices.\nmDNS browsing can add extra seeds."),

			huh.NewConfirm().
				Title("Browse mDNS for devices?").
				Value(&a.MDNS),

			huh.NewInput().
				Title("mDNS Interface").
				Description("Optional interface name, empty for all").
				Value(&a.MDNSInterface),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure the panel API and logging."),

			huh.NewInput().
				Title("API Listen Address").
				Placeholder("127.0.0.1:8090").
				Value(&a.ServerAddress).
				Validate(func(s string) error {
					_, _, err := net.SplitHostPort(s)
					return err
				}),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a config.
func BuildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Panel.StateFile = strings.TrimSpace(a.StateFile)
	if a.LogLevel != "" {
		cfg.Panel.LogLevel = a.LogLevel
	}
	cfg.Panel.LogFormat = "text"

	cfg.Page.Host = hostaddr.Sanitize(a.PageHost)
	cfg.Page.Secure = a.Secure
	cfg.Page.ProxyTemplate = strings.TrimSpace(a.ProxyTemplate)

	cfg.MDNS.Enabled = a.MDNS
	if a.MDNS {
		cfg.MDNS.Interface = strings.TrimSpace(a.MDNSInterface)
	}

	if addr := strings.TrimSpace(a.ServerAddress); addr != "" {
		cfg.Server.Address = addr
	}

	return cfg
}

// WriteConfig validates cfg and writes it to path.
func WriteConfig(cfg *config.Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# meshpanel configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, dividerStyle.Render(divider))
	fmt.Fprintln(w.out, successStyle.Render("✓ Setup Complete!"))
	fmt.Fprintln(w.out, dividerStyle.Render(divider))
	fmt.Fprintln(w.out)

	fmt.Fprintf(w.out, "  Config file:  %s\n", configPath)
	fmt.Fprintf(w.out, "  State file:   %s\n", cfg.Panel.StateFile)
	if cfg.Page.Host != "" {
		fmt.Fprintf(w.out, "  Page host:    %s\n", cfg.Page.Host)
	}
	if cfg.MDNS.Enabled {
		fmt.Fprintf(w.out, "  mDNS:         %s\n", cfg.MDNS.Service)
	}
	fmt.Fprintf(w.out, "  API:          http://%s/api/devices\n", cfg.Server.Address)

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  To start the panel:")
	fmt.Fprintf(w.out, "    meshpanel serve -c %s\n", configPath)
	fmt.Fprintln(w.out)
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateProxyTemplate(s string) error {
	s = strings.TrimSpace(s)
	if s != "" && !strings.Contains(s, "{host}") {
		return fmt.Errorf("proxy template must contain a {host} placeholder")
	}
	return nil
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}
