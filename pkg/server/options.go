package server

import (
	"kubegems.io/modelkit/pkg/tracking/store"
)

type Options struct {
	Listen       string
	TLS          *TLSOptions
	Store        *store.Options
	OIDC         *OIDCOptions
	MaxBodyBytes int64
}

type OIDCOptions struct {
	Issuer string
}

type TLSOptions struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func DefaultOptions() *Options {
	return &Options{
		Listen:       ":5000",
		TLS:          &TLSOptions{},
		Store:        store.NewDefaultOptions(),
		OIDC:         &OIDCOptions{},
		MaxBodyBytes: MaxBytesRead,
	}
}
