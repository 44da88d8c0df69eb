// Package config holds the options shared by every modelkit command.
package config

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"kubegems.io/modelkit/pkg/logging"
	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/tracking/store"
)

const ConfigFileName = "config.yaml"

// FileConfig is the content of ~/.modelkit/config.yaml. Flags and environment take precedence.
type FileConfig struct {
	TrackingURI  string           `json:"trackingURI,omitempty"`
	ArtifactRoot string           `json:"artifactRoot,omitempty"`
	Log          *logging.Options `json:"log,omitempty"`
}

type Options struct {
	Store    *store.Options
	Log      *logging.Options
	Insecure bool
}

func NewDefaultOptions() *Options {
	return &Options{
		Store: store.NewDefaultOptions(),
		Log:   logging.NewDefaultOptions(),
	}
}

var Global = NewDefaultOptions()

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".modelkit", ConfigFileName)
}

// LoadFile reads a config file, a missing file is an empty config.
func LoadFile(path string) (*FileConfig, error) {
	conf := &FileConfig{}
	if path == "" {
		return conf, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(content, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// Merge fills the options not set by flags or environment from conf.
func (o *Options) Merge(conf *FileConfig, changed func(flag string) bool) {
	if o.Store.TrackingURI == "" {
		o.Store.TrackingURI = conf.TrackingURI
	}
	if o.Store.ArtifactRoot == "" {
		o.Store.ArtifactRoot = conf.ArtifactRoot
	}
	if conf.Log == nil {
		return
	}
	if !changed("log-level") && conf.Log.Level != 0 {
		o.Log.Level = conf.Log.Level
	}
	if !changed("log-format") && conf.Log.Format != "" {
		o.Log.Format = conf.Log.Format
	}
	if conf.Log.File != "" {
		o.Log.File = conf.Log.File
	}
}

// RegisterFlags binds the global flags and loads the config file before any command runs.
func RegisterFlags(cmd *cobra.Command, o *Options) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.Store.TrackingURI, "tracking-uri", o.Store.TrackingURI, "tracking store uri, a directory, sqlite://<path> or http(s)://<server> [$"+store.EnvTrackingURI+"]")
	flags.IntVar(&o.Log.Level, "log-level", o.Log.Level, "log verbosity, 1 and above for debug logs")
	flags.StringVar(&o.Log.Format, "log-format", o.Log.Format, "log format, text or json")
	flags.BoolVar(&o.Insecure, "insecure", o.Insecure, "tls insecure skip verify")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		conf, err := LoadFile(DefaultConfigPath())
		if err != nil {
			return err
		}
		o.Merge(conf, func(flag string) bool { return cmd.Flags().Changed(flag) })
		if o.Insecure {
			http.DefaultTransport.(*http.Transport).TLSClientConfig = &tls.Config{
				InsecureSkipVerify: true,
			}
		}
		return nil
	}
}

// BaseContext is canceled on interrupt and carries the configured logger.
func BaseContext(o *Options) (context.Context, context.CancelFunc, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	log, err := logging.NewLogger(o.Log)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return logr.NewContext(ctx, log), cancel, nil
}

func NewClient(ctx context.Context, o *Options) (*tracking.Client, error) {
	return store.NewClient(ctx, o.Store)
}
