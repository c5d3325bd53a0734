package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	voxcli "github.com/bosley/voxcall/client"
	"github.com/bosley/voxcall/config"
	voxserv "github.com/bosley/voxcall/server"
	"github.com/bosley/voxcall/transcript"
)

type options struct {
	configPath  string
	playFile    string
	listDevices bool
	serve       bool
	phone       string
	name        string
	lang        string
	insecure    bool
	cert        string
	key         string
}

// overrides holds the flags that can also come from the environment or the
// config file.
type overrides struct {
	apiURL       string
	agentID      string
	controlAddr  string
	serveAddr    string
	deviceID     int
	vadThreshold float64
	recordings   string
	whisperPath  string
	whisperModel string
	logLevel     string
}

func (o *overrides) register(fs *flag.FlagSet) {
	fs.StringVar(&o.apiURL, "api", "", "Agent API base URL (http or https)")
	fs.StringVar(&o.agentID, "agent", "", "Agent to call")
	fs.StringVar(&o.controlAddr, "control", "", "Serve the local control surface on this address")
	fs.StringVar(&o.serveAddr, "serve-addr", "", "Loopback agent server address")
	fs.IntVar(&o.deviceID, "device", 0, "Audio input device ID to use")
	fs.Float64Var(&o.vadThreshold, "vad", 0, "Speech threshold as a multiple of background noise")
	fs.StringVar(&o.recordings, "recordings", "", "Directory to save caller utterances under (serve mode)")
	fs.StringVar(&o.whisperPath, "whisper", "", "Path to whisper executable (serve mode)")
	fs.StringVar(&o.whisperModel, "model", "", "Path to whisper model file (serve mode)")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

// apply copies the flags explicitly set on fs over cfg. Explicit flags win
// over the environment and the config file, including after a reload.
func (o *overrides) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api":
			cfg.APIBaseURL = o.apiURL
		case "agent":
			cfg.AgentID = o.agentID
		case "control":
			cfg.ControlAddr = o.controlAddr
		case "serve-addr":
			cfg.ServeAddr = o.serveAddr
		case "device":
			cfg.DeviceID = o.deviceID
		case "vad":
			cfg.VADThreshold = o.vadThreshold
		case "recordings":
			cfg.RecordingsDir = o.recordings
		case "whisper":
			cfg.WhisperPath = o.whisperPath
		case "model":
			cfg.WhisperModel = o.whisperModel
		case "log-level":
			cfg.LogLevel = o.logLevel
		}
	})
}

// interrupted reports whether err is only the result of ctx being cancelled
// by a signal.
func interrupted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil
}

func main() {
	os.Exit(run())
}

func run() int {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var opts options
	var flags overrides
	flags.register(flag.CommandLine)
	flag.StringVar(&opts.configPath, "config", "", "JSON config file, reloaded on change")
	flag.StringVar(&opts.playFile, "play", "", "Play audio file")
	flag.BoolVar(&opts.listDevices, "list-devices", false, "List available audio input devices")
	flag.BoolVar(&opts.serve, "serve", false, "Run the loopback agent server instead of placing a call")
	flag.StringVar(&opts.phone, "phone", "", "Caller phone number")
	flag.StringVar(&opts.name, "name", "", "Caller name")
	flag.StringVar(&opts.lang, "lang", "", "Caller language")
	flag.BoolVar(&opts.insecure, "insecure", false, "Enable insecure mode (skip certificate verification)")
	flag.StringVar(&opts.cert, "cert", "", "Path to server certificate file")
	flag.StringVar(&opts.key, "key", "", "Path to server key file (serve mode)")
	flag.Parse()

	if opts.playFile != "" {
		if err := voxcli.PlayAudioFile(opts.playFile); err != nil {
			slog.Error("Failed to play audio file", "error", err)
			return 1
		}
		return 0
	}

	if opts.listDevices {
		devices, err := voxcli.ListAudioDevices()
		if err != nil {
			slog.Error("Failed to list audio devices", "error", err)
			return 1
		}

		fmt.Println("Available audio input devices:")
		for i, device := range devices {
			fmt.Printf("[%d] %s\n", i, device.Name)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return 1
	}

	flags.apply(flag.CommandLine, &cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		return 1
	}
	if l, err := config.ParseLevel(cfg.LogLevel); err == nil {
		level.Set(l)
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		})
		if err != nil {
			slog.Error("Sentry init failed", "error", err)
		} else {
			slog.Debug("Sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.configPath != "" {
		base := cfg
		go func() {
			err := config.Watch(ctx, opts.configPath, base, logger, func(next config.Config) {
				flags.apply(flag.CommandLine, &next)
				if l, err := config.ParseLevel(next.LogLevel); err == nil {
					level.Set(l)
					slog.Info("Log level updated", "level", l)
				}
			})
			if err != nil {
				slog.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	if opts.serve {
		err = serve(ctx, cfg, opts, logger)
	} else {
		err = call(ctx, cfg, opts, logger)
	}
	if interrupted(ctx, err) {
		slog.Info("Interrupted", "error", err)
		err = nil
	}
	if err != nil {
		slog.Error("voxcall failed", "error", err)
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
		}
		return 1
	}

	slog.Debug("Program exiting")
	return 0
}

func serve(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	agent := &voxserv.EchoAgent{Logger: logger}
	if cfg.WhisperPath != "" {
		agent.Transcriber = &voxserv.WhisperTranscriber{
			Path:   cfg.WhisperPath,
			Model:  cfg.WhisperModel,
			Logger: logger,
		}
	}

	server, err := voxserv.New(voxserv.Config{
		Addr:          cfg.ServeAddr,
		CertFile:      opts.cert,
		KeyFile:       opts.key,
		Token:         cfg.Token,
		RecordingsDir: cfg.RecordingsDir,
		Agent:         agent,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func call(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	if cfg.AgentID == "" {
		flag.Usage()
		return errors.New("an agent is required, set -agent or VOXCALL_AGENT")
	}
	if cfg.Token == "" {
		slog.Warn("VOXCALL_TOKEN is not set, negotiating without a token")
	}

	tlsConfig, err := voxcli.CreateTLSConfig(opts.insecure, opts.cert)
	if err != nil {
		return fmt.Errorf("failed to create TLS config: %w", err)
	}

	terminate, err := voxcli.InitAudio()
	if err != nil {
		return err
	}
	defer terminate()

	capture := voxcli.NewPortAudioCapture(cfg.DeviceID, logger)
	capture.VADThreshold = cfg.VADThreshold

	session, err := voxcli.New(voxcli.Config{
		APIBaseURL:     cfg.APIBaseURL,
		SessionPath:    cfg.SessionPath,
		AgentID:        cfg.AgentID,
		Token:          cfg.Token,
		Timeslice:      time.Duration(cfg.Timeslice),
		SilenceTimeout: time.Duration(cfg.SilenceTimeout),
		ConnectTimeout: time.Duration(cfg.ConnectTimeout),
		Logger:         logger,
	}, voxcli.Host{
		Capture:   capture,
		Playback:  voxcli.NewPortAudioPlayback(logger),
		Transport: voxcli.NewWebSocketTransport(tlsConfig),
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if cfg.ControlAddr != "" {
		go func() {
			slog.Info("Control surface listening", "address", cfg.ControlAddr)
			if err := voxserv.ServeControl(ctx, cfg.ControlAddr, session, logger); err != nil {
				slog.Error("Control surface failed", "error", err)
			}
		}()
	}

	err = session.StartCall(ctx, voxcli.CallRequest{
		PhoneNumber: opts.phone,
		CallerName:  opts.name,
		Language:    opts.lang,
	})
	if err != nil {
		return err
	}

	return follow(ctx, session)
}

// follow prints transcript lines as they arrive and returns when the call
// ends, hanging up first if ctx is cancelled.
func follow(ctx context.Context, session *voxcli.Session) error {
	printed := 0
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Received shutdown signal")
			return session.StopCall()

		case snap := <-session.Updates():
			for _, entry := range snap.Transcript[printed:] {
				who := "you"
				if entry.Role == transcript.RoleAssistant {
					who = "agent"
				}
				fmt.Printf("[%s] %s\n", who, entry.Text)
			}
			printed = len(snap.Transcript)

			if !snap.IsCallActive {
				if voxcli.IsFatal(snap.Err) {
					return snap.Err
				}
				slog.Info("Call ended", "duration", snap.CallDuration)
				return nil
			}
		}
	}
}
