package services

import (
	"context"
	"sync"
	"time"

	"github.com/datakeep/datakeep-services-uploads/logging"
)

// Sweeper periodically fails expired sessions and removes their chunks.
type Sweeper struct {
	uploads  UploadService
	interval time.Duration
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(parent context.Context, uploads UploadService, interval time.Duration, l logging.Logger) *Sweeper {
	ctx, cancel := context.WithCancel(parent)
	return &Sweeper{
		uploads:  uploads,
		interval: interval,
		logger:   l,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.uploads.SweepExpired(s.ctx, time.Now().UTC()); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
