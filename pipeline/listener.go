package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// Listener accepts connections and spreads them over its workers.
type Listener struct {
	logger  *slog.Logger
	ln      net.Listener
	workers []*Worker
	next    int
}

func NewListener(logger *slog.Logger, ln net.Listener, workers []*Worker) *Listener {
	return &Listener{
		logger:  logger.With("context", "Listener", "addr", ln.Addr().String()),
		ln:      ln,
		workers: workers,
	}
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve runs the workers and the accept loop until ctx is canceled or the
// listener fails.
func (l *Listener) Serve(ctx context.Context) error {
	if len(l.workers) == 0 {
		return errors.New("pipeline: listener has no workers")
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, w := range l.workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		return l.ln.Close()
	})

	g.Go(func() error {
		err := l.acceptLoop()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	return g.Wait()
}

func (l *Listener) acceptLoop() error {
	l.logger.Info("listening")

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				l.logger.Warn("temporary accept error", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}

		w := l.workers[l.next]
		l.next = (l.next + 1) % len(l.workers)

		if !w.Accept(conn) {
			l.logger.Debug("worker stopped, dropping connection", "remote", conn.RemoteAddr())
		}
	}
}
