package main

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/wfahnestock/caass-server/common/config"
	"github.com/wfahnestock/caass-server/common/logger"
	"github.com/wfahnestock/caass-server/worker/consumer"
)

type runner interface {
	Run(ctx context.Context) error
}

type canceler interface {
	Cancel() error
}

type rotator interface {
	ForceRotate() error
}

// newWorkerLogger builds the worker logger from the logging section. Rotation
// and file name are applied before anything is logged.
func newWorkerLogger(cfg config.LoggingConfig, logDir string) *logger.Logger {
	l := logger.New(logger.ParseLevel(cfg.Level), logDir)
	l.SetRotationPolicy(logger.RotationPolicy{
		Enabled:    cfg.Rotate,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxAgeDays: cfg.MaxAgeDays,
		MaxFiles:   cfg.MaxFiles,
	})
	l.SetFileName(cfg.File)
	l.SetConsoleOutput(cfg.Console)
	return l
}

// serve runs c until ctx is cancelled or its delivery stream ends. Once the
// group context is done the subscription is cancelled, which closes the
// stream; Run returns only after in-flight deliveries are settled. tasks run
// alongside and share the group context.
func serve(ctx context.Context, c runner, sub canceler, tasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.Run(gctx)
		if errors.Is(err, consumer.ErrSourceClosed) && gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return sub.Cancel()
	})
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}
	return g.Wait()
}

// rotateOnSignal force-rotates the log file for every signal received until
// ctx is done.
func rotateOnSignal(ctx context.Context, sigs <-chan os.Signal, r rotator) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			if err := r.ForceRotate(); err != nil {
				logWarn("Log rotation failed", "signal", sig, "error", err)
				continue
			}
			logInfo("Log file rotated", "signal", sig)
		}
	}
}

// closeStack releases resources in reverse order of acquisition.
type closeStack struct {
	names   []string
	closers []func() error
}

func (s *closeStack) push(name string, fn func() error) {
	s.names = append(s.names, name)
	s.closers = append(s.closers, fn)
}

// closeAll runs every closer, newest first, logging failures.
func (s *closeStack) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logWarn("Failed to close "+s.names[i], "error", err)
		}
	}
	s.names, s.closers = nil, nil
}
