package archive

import (
	"fmt"

	"github.com/lox/neuralda/internal/field"
)

// Options selects and configures a back end.
type Options struct {
	// Kind is one of "local", "ftp" or "s3".
	Kind      string
	Root      string
	FTP       FTPConfig
	S3        S3Config
	CacheSize int
}

// Open builds the configured source wrapped in an LRU cache.
func Open(opts Options, g field.Grid) (Source, error) {
	var src Source
	switch opts.Kind {
	case "", "local":
		src = NewLocal(opts.Root, g)
	case "ftp":
		cfg := opts.FTP
		if cfg.Root == "" {
			cfg.Root = opts.Root
		}
		src = NewFTP(cfg, g)
	case "s3":
		cfg := opts.S3
		if cfg.Prefix == "" {
			cfg.Prefix = opts.Root
		}
		s, err := NewS3(cfg, g)
		if err != nil {
			return nil, err
		}
		src = s
	default:
		return nil, fmt.Errorf("unknown archive kind %q", opts.Kind)
	}
	if opts.CacheSize <= 0 {
		return src, nil
	}
	return NewCached(src, opts.CacheSize), nil
}
