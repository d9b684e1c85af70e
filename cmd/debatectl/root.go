package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Debate/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "debatectl",
	Short: "Take part in a debate room over a hub",
	Long: `debatectl creates or joins a debate room. Rooms live only in the
replicas of their participants; the hub just relays broadcasts and presence.

Once inside, type a line to send it as a message, or use the commands
/role, /start, /end, /approve, /camera on|off, /who and /quit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return nil
	},
}

var (
	configFile string
	logLevel   string
	hubURL     string
	videoIn    string
	audioIn    string
	videoOut   string
	audioOut   string
)

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configFile, "config", "c", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	f.StringVar(&logLevel, "log-level", "warn", "log level")
	f.StringVar(&hubURL, "hub", "", "hub base url, overrides hub_url")
	f.StringVar(&videoIn, "video-in", "", "udp address receiving the local VP8 RTP feed")
	f.StringVar(&audioIn, "audio-in", "", "udp address receiving the local Opus RTP feed")
	f.StringVar(&videoOut, "video-out", "", "udp address remote video RTP is forwarded to")
	f.StringVar(&audioOut, "audio-out", "", "udp address remote audio RTP is forwarded to")
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if hubURL != "" {
		cfg.HubURL = hubURL
	}
	return cfg, nil
}
