package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"kubegems.io/modelkit/pkg/logging"
	"kubegems.io/modelkit/pkg/server"
	"kubegems.io/modelkit/pkg/version"
)

const ErrExitCode = 1

func main() {
	if err := NewServerCmd().Execute(); err != nil {
		fmt.Println(err.Error())
		os.Exit(ErrExitCode)
	}
}

func NewServerCmd() *cobra.Command {
	options := server.DefaultOptions()
	logOptions := logging.NewDefaultOptions()
	cmd := &cobra.Command{
		Use:     "modelkitd",
		Short:   "modelkit tracking server",
		Version: version.Get().String(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
			defer cancel()

			log, err := logging.NewLogger(logOptions)
			if err != nil {
				return err
			}
			ctx = logr.NewContext(ctx, log)
			return server.Run(ctx, options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.Listen, "listen", options.Listen, "listen address")
	flags.StringVar(&options.TLS.CAFile, "tls-ca", options.TLS.CAFile, "tls ca file")
	flags.StringVar(&options.TLS.CertFile, "tls-cert", options.TLS.CertFile, "tls cert file")
	flags.StringVar(&options.TLS.KeyFile, "tls-key", options.TLS.KeyFile, "tls key file")
	flags.Int64Var(&options.MaxBodyBytes, "max-body-bytes", options.MaxBodyBytes, "max request body size")
	flags.StringVar(&options.Store.TrackingURI, "backend-store-uri", options.Store.TrackingURI, "tracking store, a directory or sqlite://<path>")
	flags.StringVar(&options.Store.ArtifactRoot, "default-artifact-root", options.Store.ArtifactRoot, "artifact root of new experiments, a directory or s3://<bucket>/<prefix>")
	flags.StringVar(&options.Store.S3.URL, "s3-url", options.Store.S3.URL, "s3 url")
	flags.StringVar(&options.Store.S3.Region, "s3-region", options.Store.S3.Region, "s3 region")
	flags.StringVar(&options.Store.S3.AccessKey, "s3-access-key", options.Store.S3.AccessKey, "s3 access key")
	flags.StringVar(&options.Store.S3.SecretKey, "s3-secret-key", options.Store.S3.SecretKey, "s3 secret key")
	flags.BoolVar(&options.Store.S3.PathStyle, "s3-path-style", options.Store.S3.PathStyle, "s3 path style addressing")
	flags.StringVar(&options.OIDC.Issuer, "oidc-issuer", options.OIDC.Issuer, "oidc issuer, requests need a bearer token of the issuer when set")
	flags.IntVar(&logOptions.Level, "log-level", logOptions.Level, "log verbosity, 1 and above for debug logs")
	flags.StringVar(&logOptions.Format, "log-format", logOptions.Format, "log format, text or json")
	flags.StringVar(&logOptions.File, "log-file", logOptions.File, "json log file rotated by size")
	return cmd
}
