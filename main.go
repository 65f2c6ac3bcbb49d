package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"github.com/tomaslejdung/slidepeep/pkg/connectivity"
	"github.com/tomaslejdung/slidepeep/pkg/content"
	"github.com/tomaslejdung/slidepeep/pkg/session"
	"github.com/tomaslejdung/slidepeep/pkg/settings"
	sig "github.com/tomaslejdung/slidepeep/pkg/signal"
)

// LocalSignalServer is the URL for local signal server
const LocalSignalServer = settings.DefaultSignalURL

// Config holds runtime configuration: persisted settings overridden by
// flags for one run.
type Config struct {
	settings.UserSettings

	LogFile string
	ICE     ICEConfig
}

var rootCmd = &cobra.Command{
	Use:   "slidepeep",
	Short: "Peer-to-peer slide sharing",
	Long: `SlidePeep - share a presentation with nearby devices.

A presenter advertises the presentation; listeners discover it, download
the file once and follow the presenter's slide changes live.`,
	SilenceUsage: true,
}

var presentCmd = &cobra.Command{
	Use:   "present <file>",
	Short: "Share a presentation",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), presentationArg),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		slides, _ := cmd.Flags().GetInt("slides")
		page, _ := cmd.Flags().GetUint("page")
		if slides <= 0 {
			return errors.New("--slides must be positive")
		}
		if int(page) >= slides {
			return fmt.Errorf("--page must be below %d", slides)
		}

		closeLog, err := setupLogging(config.LogLevel, config.LogFile)
		if err != nil {
			return err
		}
		defer closeLog()

		lib := content.NewLibrary(config.LibraryDir)
		if err := lib.EnsureDirs(); err != nil {
			return err
		}
		name, err := lib.Add(args[0])
		if err != nil {
			return err
		}

		app := connectivity.NewApp(newNetwork(config.SignalURL, config.ICE), lib, appConfig(config))
		defer app.Close()
		if err := app.StartPresenting(name, page, slides); err != nil {
			return err
		}
		return RunPresenter(app, name, page, slides)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a presentation",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		closeLog, err := setupLogging(config.LogLevel, config.LogFile)
		if err != nil {
			return err
		}
		defer closeLog()

		lib := content.NewLibrary(config.LibraryDir)
		if err := lib.EnsureDirs(); err != nil {
			return err
		}
		app := connectivity.NewApp(newNetwork(config.SignalURL, config.ICE), lib, appConfig(config))
		defer app.Close()
		return RunViewer(app)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signal server",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		level, _ := cmd.Flags().GetString("log-level")
		log.DefaultLogger = log.Logger{
			Level:  log.ParseLevel(level),
			Writer: &log.ConsoleWriter{Writer: os.Stderr, ColorOutput: true},
		}

		addr := fmt.Sprintf(":%d", port)
		fmt.Printf("Starting signal server on http://localhost%s\n", addr)
		fmt.Println("Press Ctrl+C to stop")
		return sig.NewServer().StartServer(addr)
	},
}

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "List shared presentations",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		lib := content.NewLibrary(config.LibraryDir)
		names, err := lib.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Printf("No presentations in %s\n", lib.SharedDir())
			return nil
		}
		fmt.Println(titleStyle.Render("Shared presentations") + dimStyle.Render(" "+lib.SharedDir()))
		for _, name := range names {
			fmt.Println("  " + normalStyle.Render(lib.Material(name).String()))
		}
		return nil
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a presenter and a listener in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		slides, _ := cmd.Flags().GetInt("slides")
		interval, _ := cmd.Flags().GetDuration("interval")
		level, _ := cmd.Flags().GetString("log-level")
		logFile, _ := cmd.Flags().GetString("log-file")

		closeLog, err := setupLogging(level, logFile)
		if err != nil {
			return err
		}
		defer closeLog()
		return RunDemo(slides, interval)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("name", "", "Display name (saved for next time)")
	pf.String("signal", "", "Signal server URL (overrides settings)")
	pf.Bool("local", false, "Use local signal server ("+LocalSignalServer+")")
	pf.String("library", "", "Presentation library directory")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")
	pf.String("log-file", "slidepeep-debug.log", "Log file while the console UI runs")

	// TURN server flags
	pf.String("turn", "", "TURN server URL (e.g., turn:turn.example.com:3478)")
	pf.String("turn-user", "", "TURN server username")
	pf.String("turn-pass", "", "TURN server password")
	pf.Bool("force-relay", false, "Force TURN relay (disable direct P2P)")

	presentCmd.Flags().Int("slides", 0, "Number of slides in the presentation")
	presentCmd.Flags().Uint("page", 0, "Slide to start on (zero based)")
	serveCmd.Flags().IntP("port", "p", settings.DefaultSignalPort, "Signal server port")
	demoCmd.Flags().Int("slides", 5, "Slides in the demo presentation")
	demoCmd.Flags().Duration("interval", time.Second, "Time between slide changes")

	rootCmd.AddCommand(presentCmd, watchCmd, serveCmd, libraryCmd, demoCmd)
}

// presentationArg rejects files listeners would not recognize as a
// presentation.
func presentationArg(cmd *cobra.Command, args []string) error {
	name := filepath.Base(args[0])
	if !session.IsPresentationName(name) {
		return fmt.Errorf("%s is not a presentation (expected one of %s)",
			name, strings.Join(session.PresentationExtensions, ", "))
	}
	return nil
}

// loadConfig merges the saved settings with command line flags. A display
// name given with --name is persisted.
func loadConfig(cmd *cobra.Command) (Config, error) {
	s, err := settings.Load()
	if err != nil {
		return Config{}, fmt.Errorf("failed to load settings: %w", err)
	}

	flags := cmd.Flags()
	if name, _ := flags.GetString("name"); name != "" && name != s.DisplayName {
		s.DisplayName = name
		if err := settings.Save(s); err != nil {
			return Config{}, fmt.Errorf("failed to save settings: %w", err)
		}
	}
	if s.DisplayName == "" {
		s.DisplayName = sig.GenerateDeviceName()
	}
	s, err = settings.EnsureIdentity(s)
	if err != nil {
		return Config{}, fmt.Errorf("failed to save settings: %w", err)
	}

	config := Config{UserSettings: s}
	if url, _ := flags.GetString("signal"); url != "" {
		config.SignalURL = url
	}
	if local, _ := flags.GetBool("local"); local {
		config.SignalURL = LocalSignalServer
	}
	if dir, _ := flags.GetString("library"); dir != "" {
		config.LibraryDir = dir
	}
	if level, _ := flags.GetString("log-level"); level != "" {
		config.LogLevel = level
	}
	config.LogFile, _ = flags.GetString("log-file")
	config.ICE.TURNServer, _ = flags.GetString("turn")
	config.ICE.TURNUser, _ = flags.GetString("turn-user")
	config.ICE.TURNPass, _ = flags.GetString("turn-pass")
	config.ICE.ForceRelay, _ = flags.GetBool("force-relay")
	return config, nil
}

func appConfig(config Config) connectivity.Config {
	cfg := connectivity.DefaultConfig()
	cfg.DisplayName = config.DisplayName
	cfg.DeviceID = config.DeviceID
	cfg.DeviceModel = config.DeviceModel
	if config.ServiceType != "" {
		cfg.ServiceType = sig.NormalizeServiceType(config.ServiceType)
	}
	return cfg
}

// setupLogging writes logs to path instead of corrupting the console UI.
// An empty path discards them.
func setupLogging(level, path string) (func(), error) {
	var (
		w       io.Writer = io.Discard
		closeFn           = func() {}
	)
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}

	if level == "" {
		level = "info"
	}
	log.DefaultLogger = log.Logger{
		Level:  log.ParseLevel(level),
		Writer: &log.ConsoleWriter{Writer: w},
	}
	log.Info().Str("time", time.Now().Format(time.RFC3339)).Msg("=== SlidePeep started ===")
	return closeFn, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
