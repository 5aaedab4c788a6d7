// Package multisession fans a shared error/record sink pair out across
// independently-owned dbn.Sessions, one worker goroutine per session,
// tracking how many have completed their subscribe phase.
package multisession

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/databento/dbn-go"
	"github.com/databento/dbn-go/internal/wire"
)

// Coordinator owns an ordered list of sessions and their worker
// goroutines, a shared sink pair, a stop flag, and a monotonic
// num_subscribed counter.
type Coordinator struct {
	errorSink  dbn.ErrorSinkFunc
	recordSink dbn.RecordSinkFunc

	mu       sync.Mutex
	sessions []*dbn.Session
	wg       sync.WaitGroup

	stop atomic.Bool

	numSubscribed atomic.Int64
}

// New constructs an empty Coordinator bound to the given shared sinks.
// Both sinks are invoked from worker goroutines without additional
// synchronization; callers running more than one session must make
// their sinks reentrant-safe.
func New(errorSink dbn.ErrorSinkFunc, recordSink dbn.RecordSinkFunc) *Coordinator {
	return &Coordinator{
		errorSink:  errorSink,
		recordSink: recordSink,
	}
}

// ConnectAndStart appends a new session, connects it synchronously on
// the calling goroutine (so the caller learns of auth failures
// synchronously), then spawns a worker goroutine that runs Start
// followed by a Get loop until the stop flag is observed. A session
// whose Connect fails stays in the list (CloseAll closes it) but gets
// no worker.
func (c *Coordinator) ConnectAndStart(
	apiKey string,
	dataset wire.Dataset,
	tsOut bool,
	schema wire.Schema,
	stype wire.Stype,
	symbols []string,
	suffix string,
	replay bool,
) (*dbn.Session, error) {
	s := dbn.Init(c.errorSink, c.recordSink, nil)

	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()

	if err := s.Connect(apiKey, dataset, tsOut); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.runWorker(s, schema, stype, symbols, suffix, replay)

	return s, nil
}

func (c *Coordinator) runWorker(
	s *dbn.Session,
	schema wire.Schema,
	stype wire.Stype,
	symbols []string,
	suffix string,
	replay bool,
) {
	defer c.wg.Done()

	if err := s.Start(schema, stype, symbols, suffix, replay); err != nil {
		logrus.WithError(err).WithField("session", s.ID.String()).Warn("multisession: session worker exiting after start failure")
		return
	}
	c.numSubscribed.Add(1)

	for !c.stop.Load() {
		if _, err := s.Get(); err != nil {
			logrus.WithError(err).WithField("session", s.ID.String()).Warn("multisession: session worker exiting after get failure")
			return
		}
	}
}

// NumSubscribed returns the current value of the monotonic subscribed
// counter.
func (c *Coordinator) NumSubscribed() int {
	return int(c.numSubscribed.Load())
}

// NumSessions returns the number of sessions ever added via
// ConnectAndStart.
func (c *Coordinator) NumSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// IsFullySubscribed reports whether every session added so far has
// completed its subscribe phase, i.e. num_subscribed == num_sessions.
// Both counters only grow, so a true result turns false again whenever
// ConnectAndStart adds a session that has not yet subscribed, and stays
// false for good once a session fails to connect or start.
func (c *Coordinator) IsFullySubscribed() bool {
	return c.NumSubscribed() == c.NumSessions()
}

// CloseAll requests shutdown of every worker, joins them, closes every
// session, and releases bookkeeping storage. One erroring session
// never cancels the others; CloseAll simply waits for whichever
// workers are still running to observe the stop flag at their next
// Get call.
func (c *Coordinator) CloseAll() {
	c.stop.Store(true)
	c.wg.Wait()

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}
