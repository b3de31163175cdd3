package boardview

import "github.com/nightjar-co/boardview/internal/codec"

type Option func(*storeConfig)

type storeConfig struct {
	codec codec.Codec
}

func defaultConfig() *storeConfig {
	return &storeConfig{
		codec: codec.NewJSON(),
	}
}

// WithCodec overrides the JSON codec used for documents and payloads.
func WithCodec(c codec.Codec) Option {
	return func(cfg *storeConfig) {
		cfg.codec = c
	}
}
