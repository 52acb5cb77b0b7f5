package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/spf13/cobra"

	"github.com/callforge/voiceagent/internal/config"
	"github.com/callforge/voiceagent/internal/dialer"
	"github.com/callforge/voiceagent/internal/worker"
	"github.com/callforge/voiceagent/pkg/eou"
	"github.com/callforge/voiceagent/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "voiceagent",
	Short: "Outbound telephony voice agent worker",
	Long: `voiceagent runs conversational voice agents over outbound phone calls:
it registers with a LiveKit server as an agent worker, dials callees over SIP,
and drives the STT/LLM/TTS loop for each call.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the agent worker against the configured LiveKit server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

		logger.Info("starting voiceagent",
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("agent_name", cfg.AgentName))

		registry, err := config.LoadRegistry(cfg.AgentConfigPath, config.DefaultAgentConfig(cfg))
		if err != nil {
			return err
		}

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			go serveMetrics(addr, logger)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		runner := worker.NewVoiceRunner(cfg, registry, eou.New(""), logger)
		w := worker.New(worker.Config{
			URL:       cfg.LiveKitURL,
			APIKey:    cfg.LiveKitKey,
			APISecret: cfg.LiveKitSecret,
			AgentName: cfg.AgentName,
			Version:   version.Version,
			MaxJobs:   cfg.MaxConcurrentJobs,
		}, runner, logger)

		if err := w.Run(ctx); err != nil {
			logger.Error("worker failed", slog.String("error", err.Error()))
			return err
		}
		return nil
	},
}

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Place a test call through the configured SIP trunk",
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		roomName, _ := cmd.Flags().GetString("room")

		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

		if roomName == "" {
			roomName = "dial-" + uuid.NewString()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		d := dialer.New(lksdk.NewSIPClient(cfg.LiveKitURL, cfg.LiveKitKey, cfg.LiveKitSecret), logger)
		p, err := d.Dial(ctx, cfg.SIPTrunkID, to, roomName)
		if err != nil {
			return err
		}

		fmt.Printf("callee answered: room=%s identity=%s sip_call_id=%s\n",
			p.RoomName, p.Identity, p.SIPCallID)
		return nil
	},
}

func setupLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "console" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func serveMetrics(addr string, logger *slog.Logger) {
	logger.Info("serving metrics", slog.String("addr", addr))
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}

func init() {
	workerCmd.Flags().String("metrics-addr", "", "Serve expvar metrics on this address (e.g. :8080)")

	dialCmd.Flags().String("to", "", "Callee phone number in E.164 form")
	dialCmd.Flags().String("room", "", "Room name (generated when empty)")
	dialCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(versionCmd, workerCmd, dialCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, worker.ErrUnauthorized) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
