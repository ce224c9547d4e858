package archive

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/logger"
)

// FTPConfig describes an FTP mirror of the archive.
type FTPConfig struct {
	Host     string
	User     string
	Password string
	Root     string
	Timeout  time.Duration
	// MaxElapsed bounds the total retry time per state.
	MaxElapsed time.Duration
}

// FTP fetches states from a public archive mirror.
type FTP struct {
	cfg  FTPConfig
	grid field.Grid
}

func NewFTP(cfg FTPConfig, g field.Grid) *FTP {
	if cfg.User == "" {
		cfg.User, cfg.Password = "anonymous", "anonymous"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxElapsed == 0 {
		cfg.MaxElapsed = 5 * time.Minute
	}
	return &FTP{cfg: cfg, grid: g}
}

func (f *FTP) State(ctx context.Context, t time.Time) (*field.Field, error) {
	start := time.Now()
	out, err := f.state(ctx, t)
	observe("ftp", start, err)
	return out, err
}

func (f *FTP) state(ctx context.Context, t time.Time) (*field.Field, error) {
	remote := path.Join(f.cfg.Root, Key(t))
	var out *field.Field
	operation := func() error {
		conn, err := ftp.Dial(f.cfg.Host, ftp.DialWithTimeout(f.cfg.Timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return fmt.Errorf("ftp dial: %w", err)
		}
		defer conn.Quit()

		if err := conn.Login(f.cfg.User, f.cfg.Password); err != nil {
			return backoff.Permanent(fmt.Errorf("ftp login: %w", err))
		}

		resp, err := conn.Retr(remote)
		if err != nil {
			var perr *textproto.Error
			if errors.As(err, &perr) && perr.Code == ftp.StatusFileUnavailable {
				return backoff.Permanent(fmt.Errorf("%s: %w", remote, ErrNotFound))
			}
			return fmt.Errorf("ftp retr: %w", err)
		}
		defer resp.Close()

		decoded, err := decodeStream(resp, f.grid)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s: %w", remote, err))
		}
		out = decoded
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = f.cfg.MaxElapsed
	notify := func(err error, wait time.Duration) {
		logger.Log.Warnf("archive: ftp %s: %v, retrying in %s", remote, err, wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	return out, nil
}
