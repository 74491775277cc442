package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const rosterOpTimeout = 10 * time.Second

var errWriterFull = errors.New("roster queue full")

type rosterOp struct {
	name  string
	fn    func(ctx context.Context) error
	reply chan error
}

// rosterWriter runs roster operations one at a time, in submission order, off the loop.
type rosterWriter struct {
	ops    chan rosterOp
	onErr  func(name string, err error)
	once   sync.Once
	quit   chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newRosterWriter(queue int, onErr func(string, error)) *rosterWriter {
	w := &rosterWriter{
		ops:    make(chan rosterOp, queue),
		onErr:  onErr,
		quit:   make(chan struct{}),
		logger: log.With().Str("module", "session.roster").Logger(),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Submit queues op without waiting. Failures go to onErr.
func (w *rosterWriter) Submit(name string, fn func(ctx context.Context) error) {
	select {
	case <-w.quit:
		return
	default:
	}
	select {
	case w.ops <- rosterOp{name: name, fn: fn}:
	default:
		w.logger.Error().Str("op", name).Msg("roster queue full, dropping write")
		w.onErr(name, errWriterFull)
	}
}

// Do queues op and waits for its result.
func (w *rosterWriter) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case w.ops <- rosterOp{name: name, fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return errors.New("roster writer closed")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *rosterWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case op := <-w.ops:
			w.exec(op)
		case <-w.quit:
			// drain what was queued before Close
			for {
				select {
				case op := <-w.ops:
					w.exec(op)
				default:
					return
				}
			}
		}
	}
}

func (w *rosterWriter) exec(op rosterOp) {
	ctx, cancel := context.WithTimeout(context.Background(), rosterOpTimeout)
	err := op.fn(ctx)
	cancel()
	if op.reply != nil {
		op.reply <- err
		return
	}
	if err != nil {
		w.logger.Error().Err(err).Str("op", op.name).Msg("roster operation failed")
		w.onErr(op.name, err)
	}
}

// Close finishes queued operations and stops the writer.
func (w *rosterWriter) Close() {
	w.once.Do(func() { close(w.quit) })
	w.wg.Wait()
}
