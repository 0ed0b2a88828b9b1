// Package main provides the entry point for the squawk daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/squawk/internal/audio"
	"github.com/dgnsrekt/squawk/internal/cache"
	"github.com/dgnsrekt/squawk/internal/chat"
	"github.com/dgnsrekt/squawk/internal/config"
	"github.com/dgnsrekt/squawk/internal/message"
	"github.com/dgnsrekt/squawk/internal/pipeline"
	"github.com/dgnsrekt/squawk/internal/player"
	"github.com/dgnsrekt/squawk/internal/queue"
	"github.com/dgnsrekt/squawk/internal/scheduler"
	"github.com/dgnsrekt/squawk/internal/synth"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	debug      bool

	rootCmd = &cobra.Command{
		Use:           "squawk",
		Short:         "Read live chat aloud through a remote TTS service",
		SilenceErrors: false,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          run,
	}
)

func run(*cobra.Command, []string) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(configFile)
	if err != nil {
		return err
	}
	if debug || cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctrl, queues, err := buildPipeline(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	startChatSources(ctx, cfg, ctrl)

	loader.Watch(func(next *config.Config) {
		applyReloadable(ctrl, queues, next)
	})

	<-ctx.Done()
	log.Info("shutting down")
	return ctrl.Stop()
}

// buildPipeline constructs every component from the configuration. A
// cache directory that cannot be created is the only fatal condition.
func buildPipeline(cfg *config.Config) (*pipeline.Controller, *queue.Manager, error) {
	maxBytes, err := cfg.Cache.MaxBytes()
	if err != nil {
		return nil, nil, err
	}
	store, err := cache.New(cache.Config{
		Dir:              cfg.Cache.Dir,
		MaxBytes:         maxBytes,
		CompressionLevel: cfg.Cache.CompressionLevel,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audio cache: %w", err)
	}

	queues := queue.NewManager(queue.Config{
		DefaultVoice: cfg.Voices.Default,
		KnownVoices:  cfg.Voices.Known,
		Mode:         extractionMode(cfg.Voices.Mode),
		Params: message.Params{
			Speed:             cfg.Params.Speed,
			Temperature:       cfg.Params.Temperature,
			RepetitionPenalty: cfg.Params.RepetitionPenalty,
			MaxTokens:         cfg.Params.MaxTokens,
		},
	})

	client := synth.NewHTTPClient(cfg.Synth.URL, cfg.Synth.Timeout)
	sched := scheduler.New(scheduler.Config{BatchSize: cfg.Synth.BatchSize}, queues, store, client)

	sink, err := audio.NewOtoSink(audio.DefaultSampleRate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audio device: %w", err)
	}

	play := player.New(player.Config{
		Delay:        cfg.Playback.Delay,
		GlobalVolume: cfg.Playback.Volume,
	}, queues, store, sink)
	for voice, vol := range cfg.Playback.VoiceVolumes {
		play.SetVoiceVolume(voice, vol)
	}

	ctrl := pipeline.New(pipeline.Config{
		RewardVoices: cfg.Voices.Rewards,
	}, queues, store, sched, play, client)

	return ctrl, queues, nil
}

// startChatSources launches every configured ingestion adapter.
func startChatSources(ctx context.Context, cfg *config.Config, ctrl *pipeline.Controller) {
	handler := func(in chat.Inbound) {
		if _, err := ctrl.HandleChat(in.Username, in.Platform, in.Text, in.RewardID); err != nil {
			log.Debug("message not enqueued", "username", in.Username, "error", err)
		}
	}

	if cfg.Chat.WebsocketURL != "" {
		src := chat.NewWebSocketSource(chat.WebSocketConfig{
			URL:               cfg.Chat.WebsocketURL,
			MessagesPerSecond: cfg.Chat.PerSecond,
			Burst:             cfg.Chat.Burst,
		}, handler)
		go func() {
			if err := src.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("websocket source stopped", "error", err)
			}
		}()
	}

	if cfg.Chat.NATSURL != "" {
		src := chat.NewNATSSource(chat.NATSConfig{
			URL:               cfg.Chat.NATSURL,
			Subject:           cfg.Chat.NATSSubject,
			MessagesPerSecond: cfg.Chat.PerSecond,
			Burst:             cfg.Chat.Burst,
		}, handler)
		go func() {
			if err := src.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("nats source stopped", "error", err)
			}
		}()
	}

	if cfg.Chat.WebsocketURL == "" && cfg.Chat.NATSURL == "" {
		log.Warn("no chat sources configured")
	}
}

// applyReloadable picks up the tunable keys on config file changes.
func applyReloadable(ctrl *pipeline.Controller, queues *queue.Manager, cfg *config.Config) {
	ctrl.SetGlobalVolume(cfg.Playback.Volume)
	for voice, vol := range cfg.Playback.VoiceVolumes {
		ctrl.SetVoiceVolume(voice, vol)
	}
	ctrl.SetBatchSize(cfg.Synth.BatchSize)
	ctrl.SetDelay(cfg.Playback.Delay)
	queues.SetParams(message.Params{
		Speed:             cfg.Params.Speed,
		Temperature:       cfg.Params.Temperature,
		RepetitionPenalty: cfg.Params.RepetitionPenalty,
		MaxTokens:         cfg.Params.MaxTokens,
	})
}

func extractionMode(s string) queue.Mode {
	if s == string(queue.ModeFirstWord) {
		return queue.ModeFirstWord
	}
	return queue.ModeBracket
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default squawk.yml in the user config directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(configCmd)
}
