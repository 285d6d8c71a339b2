package transcode

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
)

// Subscription streams one session's output to one sink. A timer re-arms
// itself every poll interval and copies whatever the encoder has appended
// since the previous tick. Sink writes happen outside the lock, so ending a
// subscription never waits for a slow client.
type Subscription struct {
	session *Session
	sink    Sink
	poll    time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	file     *os.File
	offset   int64
	copying  bool
	finished bool
	err      error
	done     chan struct{}
	released chan struct{}
}

func newSubscription(s *Session, sink Sink, poll time.Duration) *Subscription {
	return &Subscription{
		session:  s,
		sink:     sink,
		poll:     poll,
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

// Done is closed when the download ends for any reason.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Released is closed after Done once the sink is no longer being written to.
// A sink implementing Aborter is aborted when the subscription ends during a
// write; any other sink is released when its pending Write returns.
func (sub *Subscription) Released() <-chan struct{} { return sub.released }

// Err returns nil when every byte was delivered or the subscription was
// closed by its owner.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Offset returns the number of bytes delivered so far.
func (sub *Subscription) Offset() int64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.offset
}

// Close detaches the subscription, for example when the client disconnects.
func (sub *Subscription) Close() {
	sub.terminate(nil)
}

func (sub *Subscription) schedule(d time.Duration) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.finished {
		return
	}
	if sub.timer == nil {
		sub.timer = time.AfterFunc(d, sub.tick)
		return
	}
	sub.timer.Reset(d)
}

func (sub *Subscription) tick() {
	sub.mu.Lock()
	if sub.finished {
		sub.mu.Unlock()
		return
	}
	// Read the state before copying so a completed snapshot is followed by a
	// copy that reaches the final byte.
	status, sessErr, size := sub.session.snapshot()
	file, err := sub.openLocked()
	if err != nil {
		sub.finishLocked(err)
		sub.mu.Unlock()
		return
	}
	sub.copying = file != nil
	sub.mu.Unlock()

	var n int64
	if file != nil {
		n, err = io.Copy(sub.sink, file)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.copying = false
	sub.offset += n
	if sub.finished {
		// Ended while the sink was being written to.
		sub.releaseLocked()
		return
	}
	if err != nil {
		sub.finishLocked(fmt.Errorf("streaming output: %w", err))
		return
	}

	switch status {
	case models.TranscodeStatusCompleted:
		if sub.offset < size {
			sub.finishLocked(fmt.Errorf("%w: artifact truncated at %d of %d bytes", models.ErrArtifactNotReady, sub.offset, size))
			return
		}
		sub.finishLocked(nil)
	case models.TranscodeStatusError:
		sub.finishLocked(sessErr)
	case models.TranscodeStatusCancelled:
		sub.finishLocked(models.ErrGone)
	default:
		sub.timer.Reset(sub.poll)
	}
}

// openLocked returns the output file, opening it on first use. The handle
// stays open between ticks so reads continue from the previous position.
// It returns nil until the encoder has created the file.
func (sub *Subscription) openLocked() (*os.File, error) {
	if sub.file != nil {
		return sub.file, nil
	}
	f, err := os.Open(sub.session.outputPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening output: %w", err)
	}
	sub.file = f
	return f, nil
}

func (sub *Subscription) terminate(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.finished {
		sub.finishLocked(err)
	}
}

// finishLocked ends the subscription without waiting for an in-flight
// write. The writing tick releases the sink once its write returns.
func (sub *Subscription) finishLocked(err error) {
	sub.finished = true
	sub.err = err
	if sub.timer != nil {
		sub.timer.Stop()
	}
	close(sub.done)
	sub.session.removeSubscriber(sub)

	if !sub.copying {
		sub.releaseLocked()
		return
	}
	if a, ok := sub.sink.(Aborter); ok {
		a.Abort()
	}
}

func (sub *Subscription) releaseLocked() {
	if sub.file != nil {
		_ = sub.file.Close()
		sub.file = nil
	}
	close(sub.released)
}
