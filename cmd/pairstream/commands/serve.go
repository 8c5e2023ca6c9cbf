package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pairstream/pairstream/internal/api"
	"github.com/pairstream/pairstream/internal/capture"
	"github.com/pairstream/pairstream/internal/config"
	"github.com/pairstream/pairstream/internal/events"
	"github.com/pairstream/pairstream/internal/logger"
	"github.com/pairstream/pairstream/internal/media"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pairstream API server",
	Long: `Start the capture pipeline and the HTTP API server. Recordings are
started and stopped through the REST API; lifecycle events stream over the
websocket endpoint.`,
	Example: `  # Start server on default port (8080)
  pairstream serve

  # Start server on custom port
  pairstream serve --port 9090

  # Start with debug logging
  pairstream serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadConfig loads the configuration manager and applies global flag
// overrides.
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			configMgr.SetPort(port)
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			configMgr.SetLogLevel(level)
		}
	}

	return configMgr, configMgr.Get(), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel, true)
	log := logger.WithComponent("serve")
	log.Info().Str("path", configMgr.GetConfigPath()).Msg("Configuration loaded")

	bus := events.NewBus()
	orchestrator, err := capture.New(cfg, capture.Deps{
		Front: capture.NewPatternCamera(media.StreamFront, cfg.Video.Width, cfg.Video.Height, cfg.Video.FPS),
		Back:  capture.NewPatternCamera(media.StreamBack, cfg.Video.Width, cfg.Video.Height, cfg.Video.FPS),
		Audio: capture.NewToneMicrophone(cfg.Audio.SampleRate, cfg.Audio.Channels),
		Bus:   bus,
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer orchestrator.Close()

	if err := orchestrator.Configure(); err != nil {
		return err
	}

	server := api.NewServer(orchestrator, configMgr, bus)
	go func() {
		if err := server.Start(cfg.ServerPort); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	log.Info().Int("port", cfg.ServerPort).Msg("pairstream is running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down")
	return orchestrator.StopRecording()
}
