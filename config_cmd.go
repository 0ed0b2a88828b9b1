package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/squawk/internal/config"
)

const defaultConfig = `# enable debug logging
debug: false

# remote synthesis service
synth:
  url: "http://localhost:8880"
  timeout: "30s"
  # messages per synthesis request (1-6)
  batch_size: 2

# voice extraction
voices:
  default: "brian"
  known: ["brian", "amy", "emma", "justin"]
  # bracket ("[amy] hello") or firstword ("amy hello")
  mode: "bracket"
  # channel point reward id -> forced voice
  rewards: {}

# synthesis parameters, captured per message at enqueue time
params:
  speed: 1.0
  temperature: 0.75
  repetition_penalty: 1.1
  max_tokens: 1200

# audio cache
cache:
  # empty means the user cache directory
  dir: ""
  max_size: "1GB"
  compression_level: 3

# playback
playback:
  # pause between messages
  delay: "250ms"
  # master volume (0.0 to 1.0)
  volume: 1.0
  # per-voice volume overrides
  voice_volumes: {}

# chat ingestion
chat:
  websocket_url: ""
  nats_url: ""
  nats_subject: "chat.messages"
  # enqueue rate limit
  per_second: 5
  burst: 10
`

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Edit the squawk config file",
	Long:    "Edit the squawk config file. We'll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.",
	Example: "squawk config\nsquawk config --config path/to/config.yml",
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("squawk", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		configFile = p
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
