// Package wizard provides an interactive setup wizard for the room relay.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/roomrelay/internal/config"
	"github.com/postalsys/roomrelay/internal/frame"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath      string
	ListenAddress   string
	MaxDatagramSize string
	IdleTimeout     string
	MaxPeers        string
	LogRooms        string
	EchoRooms       string
	NormalizeRooms  bool
	LogLevel        string
	HealthEnabled   bool
	ControlEnabled  bool
}

// DefaultAnswers returns the answers pre-filled in the forms.
func DefaultAnswers(configPath string) Answers {
	def := config.Default()
	if configPath == "" {
		configPath = config.DefaultPath
	}
	return Answers{
		ConfigPath:      configPath,
		ListenAddress:   def.Server.ListenAddress,
		MaxDatagramSize: def.Server.MaxDatagramSize.String(),
		IdleTimeout:     def.Peers.IdleTimeout.String(),
		MaxPeers:        strconv.Itoa(def.Peers.MaxPeers),
		LogRooms:        strings.Join(def.Rooms.Log, ", "),
		EchoRooms:       strings.Join(def.Rooms.Echo, ", "),
		LogLevel:        def.Logging.Level,
		HealthEnabled:   true,
		ControlEnabled:  true,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme   *huh.Theme
	answers Answers
}

// New creates a new setup wizard writing to configPath by default.
func New(configPath string) *Wizard {
	return &Wizard{
		theme:   huh.ThemeDracula(),
		answers: DefaultAnswers(configPath),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	steps := []func() error{
		w.askServer,
		w.askRooms,
		w.askPeers,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	cfg, err := BuildConfig(w.answers)
	if err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, w.answers.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: w.answers.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  ____                         ____      _
 |  _ \ ___   ___  _ __ ___   |  _ \ ___| | __ _ _   _
 | |_) / _ \ / _ \| '_ ` + "`" + ` _ \  | |_) / _ \ |/ _` + "`" + ` | | | |
 |  _ < (_) | (_) | | | | | | |  _ <  __/ | (_| | |_| |
 |_| \_\___/ \___/|_| |_| |_| |_| \_\___|_|\__,_|\__, |
                                                 |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP Room Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askServer() error {
	a := &w.answers

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Socket").
				Description("Where the relay listens and how large a datagram may be."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("Listen Address").
				Description("UDP host:port to bind").
				Placeholder("0.0.0.0:8888").
				Value(&a.ListenAddress).
				Validate(validateListenAddress),

			huh.NewInput().
				Title("Max Datagram Size").
				Description("Largest encoded room<>payload datagram, e.g. 1024 or 1KiB").
				Value(&a.MaxDatagramSize).
				Validate(validateByteSize),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askRooms() error {
	a := &w.answers

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Default Rooms").
				Description("Rooms every new peer is subscribed to. Separate names with commas."),

			huh.NewInput().
				Title("Log Rooms").
				Description("Payloads sent to these rooms are written to the log").
				Value(&a.LogRooms).
				Validate(validateRoomList),

			huh.NewInput().
				Title("Echo Rooms").
				Description("Payloads sent to these rooms are sent back to the sender").
				Value(&a.EchoRooms).
				Validate(validateRoomList),

			huh.NewConfirm().
				Title("Normalize room names?").
				Description("Treat Unicode-equivalent room names (NFC) as the same room").
				Value(&a.NormalizeRooms),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askPeers() error {
	a := &w.answers

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Peers").
				Description("How long silent peers are remembered and how many are allowed."),

			huh.NewInput().
				Title("Idle Timeout").
				Description("Forget peers silent this long (0 keeps them forever)").
				Value(&a.IdleTimeout).
				Validate(validateDuration),

			huh.NewInput().
				Title("Max Peers").
				Description("Upper bound on tracked peers (0 is unlimited)").
				Value(&a.MaxPeers).
				Validate(validateNonNegativeInt),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions() error {
	a := &w.answers

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, peers, broadcast)").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Server.ListenAddress = strings.TrimSpace(a.ListenAddress)

	size, err := humanize.ParseBytes(strings.TrimSpace(a.MaxDatagramSize))
	if err != nil {
		return nil, fmt.Errorf("invalid max datagram size: %w", err)
	}
	cfg.Server.MaxDatagramSize = config.ByteSize(size)

	idle, err := time.ParseDuration(strings.TrimSpace(a.IdleTimeout))
	if err != nil {
		return nil, fmt.Errorf("invalid idle timeout: %w", err)
	}
	cfg.Peers.IdleTimeout = idle

	maxPeers, err := strconv.Atoi(strings.TrimSpace(a.MaxPeers))
	if err != nil {
		return nil, fmt.Errorf("invalid max peers: %w", err)
	}
	cfg.Peers.MaxPeers = maxPeers

	cfg.Rooms.Log = splitRooms(a.LogRooms)
	cfg.Rooms.Echo = splitRooms(a.EchoRooms)
	cfg.Rooms.Normalize = a.NormalizeRooms

	cfg.Logging.Level = a.LogLevel
	cfg.Logging.Format = "text"

	cfg.Health.Enabled = a.HealthEnabled

	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled {
		cfg.Control.SocketPath = filepath.Join(filepath.Dir(a.ConfigPath), "roomrelay.sock")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Room Relay Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", w.answers.ConfigPath)
	fmt.Printf("  Listen:       udp://%s\n", cfg.Server.ListenAddress)
	fmt.Printf("  Max datagram: %s\n", cfg.Server.MaxDatagramSize)
	if len(cfg.Rooms.Log) > 0 {
		fmt.Printf("  Log rooms:    %s\n", strings.Join(cfg.Rooms.Log, ", "))
	}
	if len(cfg.Rooms.Echo) > 0 {
		fmt.Printf("  Echo rooms:   %s\n", strings.Join(cfg.Rooms.Echo, ", "))
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control:      %s\n", cfg.Control.SocketPath)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    roomrelay run -c %s\n", w.answers.ConfigPath)
	fmt.Println()
}

// splitRooms parses a comma separated room list. Blank entries are skipped.
func splitRooms(s string) []string {
	var rooms []string
	for _, part := range strings.Split(s, ",") {
		if room := strings.TrimSpace(part); room != "" {
			rooms = append(rooms, room)
		}
	}
	return rooms
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

func validateListenAddress(s string) error {
	if _, _, err := net.SplitHostPort(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("must be host:port")
	}
	return nil
}

func validateByteSize(s string) error {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("not a size: %w", err)
	}
	if n <= uint64(len(frame.Delimiter)) || n > config.MaxUDPPayload {
		return fmt.Errorf("must be between %d and %d bytes", len(frame.Delimiter)+1, config.MaxUDPPayload)
	}
	return nil
}

func validateRoomList(s string) error {
	for _, room := range splitRooms(s) {
		if err := frame.ValidateRoom(room); err != nil {
			return fmt.Errorf("%q: %w", room, err)
		}
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("not a duration (e.g. 5m, 30s)")
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}
