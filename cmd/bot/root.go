package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/discord-voice-lab/convai-bridge/internal/bridge"
	"github.com/discord-voice-lab/convai-bridge/internal/config"
	"github.com/discord-voice-lab/convai-bridge/internal/discord"
	"github.com/discord-voice-lab/convai-bridge/internal/logging"
	"github.com/discord-voice-lab/convai-bridge/internal/tts"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:          "convai-bridge",
		Short:        "Bridge Discord voice channels to an ElevenLabs conversational agent",
		Long:         "convai-bridge joins a Discord voice channel on command and streams one participant's speech to an ElevenLabs Conversational AI agent, playing the agent's replies back into the channel.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			logging.Init(cfg.LogLevel)
			defer func() { _ = logging.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "optional config file (toml, yaml or json)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("prefix", "!", "text command prefix")
	flags.Bool("log-events", false, "log every Discord gateway event at debug level")
	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = v.BindPFlag(config.KeyPrefix, flags.Lookup("prefix"))
	_ = v.BindPFlag(config.KeyLogEvents, flags.Lookup("log-events"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(v, &cfgFile),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// newConfigCmd validates settings without connecting to anything.
func newConfigCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate settings and print them with secrets hidden",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

// Guilds and GuildVoiceStates let us find the caller's voice channel;
// the message intents carry text commands.
const gatewayIntents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent

var privilegedIntents = []struct {
	intent discordgo.Intent
	name   string
}{
	{discordgo.IntentsGuildMembers, "server members"},
	{discordgo.IntentsGuildPresences, "presence"},
	{discordgo.IntentsMessageContent, "message content"},
}

// privilegedIntentNames lists the portal toggles intents depends on.
func privilegedIntentNames(intents discordgo.Intent) []string {
	var names []string
	for _, p := range privilegedIntents {
		if intents&p.intent != 0 {
			names = append(names, p.name)
		}
	}
	return names
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.GetLogger()
	log.Infow("starting bot", "config", cfg.Redacted(), "version", version)

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("discordgo.New: %w", err)
	}
	dg.Identify.Intents = gatewayIntents
	log.Warnw("bot requests privileged gateway intents; enable them in the Discord Developer Portal",
		"privileged", privilegedIntentNames(dg.Identify.Intents))
	log.Infow("using gateway intents", "intents", dg.Identify.Intents)

	var speech discord.Synthesizer
	if cfg.VoiceID != "" {
		speech = &tts.Client{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, VoiceID: cfg.VoiceID}
	}
	bot := discord.NewBot(dg, discord.BotConfig{
		Prefix: cfg.Prefix,
		Session: bridge.Options{
			AgentID:      cfg.AgentID,
			APIKey:       cfg.APIKey,
			Endpoint:     cfg.ConvAIEndpoint,
			ReadyTimeout: cfg.ReadyTimeout,
		},
		Speech: speech,
	})
	dg.AddHandler(bot.HandleMessage)
	if cfg.LogEvents {
		events := &discord.EventLogger{MaxPayload: cfg.PayloadMaxBytes}
		dg.AddHandler(events.Handle)
	}

	log.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord session open failed: %w", err)
	}
	log.Infow("discord session opened")

	<-ctx.Done()
	log.Infow("shutdown signal received, closing resources")

	bot.Close()
	if err := dg.Close(); err != nil {
		log.Warnw("discord session close error", "err", err)
	}
	log.Infow("shutdown complete")
	return nil
}
