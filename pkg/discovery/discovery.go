// Package discovery implements the option-discovery wrapper: it drives
// a dbn.Session through a finite definition-schema replay, bucket-maps
// security-definition records by instrument id, parses OSI option
// symbols out of symbol-mapping records, and cross-references the two
// once the replay announces it is finished.
package discovery

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/databento/dbn-go"
	"github.com/databento/dbn-go/internal/wire"
	"github.com/databento/dbn-go/pkg/osi"
)

// State is the option-discovery state machine.
type State int

const (
	StateNotStarted State = iota
	StateConnected
	StateSubscribed
	StateXref
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateXref:
		return "xref"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// opraPillar is the fixed dataset the discovery wrapper always
// connects to.
const opraPillar = wire.Dataset("OPRA.PILLAR")

// finishedSentinel is the exact system-message text that ends the
// definition replay.
const finishedSentinel = "Finished definition replay"

const bucketCount = 50_000
const bucketInitialCap = 4

// Discovery drives a session through the OPRA.PILLAR definition replay
// and builds a sorted root catalog of options cross-referenced against
// their security definitions.
type Discovery struct {
	apiKey string

	mu      sync.Mutex
	state   State
	buckets [][]dbn.SecurityDefinition
	catalog osi.Catalog
	errMsg  string

	session *dbn.Session
	stop    atomic.Bool
	wg      sync.WaitGroup

	log *logrus.Entry
}

// New constructs a Discovery bound to apiKey. Its own record and error
// sinks are installed on the session that Start creates.
func New(apiKey string) *Discovery {
	d := &Discovery{
		apiKey:  apiKey,
		state:   StateNotStarted,
		buckets: make([][]dbn.SecurityDefinition, bucketCount),
		log:     logrus.WithField("component", "discovery"),
	}
	return d
}

// State returns the current discovery state.
func (d *Discovery) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the error message captured from a server error-message
// record, if the discovery transitioned to StateError.
func (d *Discovery) Err() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errMsg
}

// Catalog returns the sorted, cross-referenced root catalog. Safe to
// call once State() == StateDone; the catalog is not mutated
// afterwards.
func (d *Discovery) Catalog() *osi.Catalog {
	return &d.catalog
}

// Start connects to OPRA.PILLAR with ts_out disabled, then spawns a
// worker that subscribes to the definition schema under parent
// symbology with replay enabled and drives the receive loop until the
// replay finishes and cross-referencing completes.
func (d *Discovery) Start() error {
	d.mu.Lock()
	if d.state != StateNotStarted {
		d.mu.Unlock()
		return fmt.Errorf("discovery: already started")
	}
	d.mu.Unlock()

	s := dbn.Init(d.errorSink, d.recordSink, nil)
	if err := s.Connect(d.apiKey, opraPillar, false); err != nil {
		d.mu.Lock()
		d.state = StateError
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	d.session = s
	d.state = StateConnected
	d.mu.Unlock()

	d.wg.Add(1)
	go d.runWorker()

	return nil
}

func (d *Discovery) runWorker() {
	defer d.wg.Done()

	if err := d.session.Start(wire.Schema("definition"), wire.Stype("parent"), nil, "", true); err != nil {
		d.log.WithError(err).Warn("discovery: subscribe failed")
		d.mu.Lock()
		d.state = StateError
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	d.state = StateSubscribed
	d.mu.Unlock()

	for {
		if d.stop.Load() {
			return
		}
		if _, err := d.session.Get(); err != nil {
			d.log.WithError(err).Warn("discovery: get failed")
			d.mu.Lock()
			d.state = StateError
			d.mu.Unlock()
			return
		}
		if d.State() == StateXref {
			break
		}
	}

	d.crossReference()

	d.mu.Lock()
	d.state = StateDone
	d.mu.Unlock()
}

func (d *Discovery) errorSink(_ *dbn.Session, fatal bool, message string) {
	if !fatal {
		return
	}
	d.log.WithField("message", message).Warn("discovery: session error sink invoked")
}

func (d *Discovery) recordSink(_ *dbn.Session, rec dbn.Record) {
	switch r := rec.(type) {
	case dbn.SymbolMapping:
		d.onSymbolMapping(r)
	case dbn.SecurityDefinition:
		d.onSecurityDefinition(r)
	case dbn.SystemMessage:
		d.onSystemMessage(r)
	case dbn.ErrorMessage:
		d.onErrorMessage(r)
	}
}

func (d *Discovery) onSymbolMapping(r dbn.SymbolMapping) {
	parsed, err := osi.Parse(r.StypeOutSymbol())
	if err != nil {
		return // not an OSI-formatted symbol; ignore.
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.catalog.Insert(parsed.Root, r.Header().InstrumentID, parsed)
}

func (d *Discovery) onSecurityDefinition(r dbn.SecurityDefinition) {
	clone := r.Clone()
	bucket := r.Header().InstrumentID % bucketCount

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buckets[bucket] == nil {
		d.buckets[bucket] = make([]dbn.SecurityDefinition, 0, bucketInitialCap)
	}
	d.buckets[bucket] = append(d.buckets[bucket], clone)
}

func (d *Discovery) onSystemMessage(r dbn.SystemMessage) {
	if r.Text() != finishedSentinel {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateSubscribed {
		d.state = StateXref
	}
}

func (d *Discovery) onErrorMessage(r dbn.ErrorMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errMsg = r.Text()
	d.state = StateError
}

// crossReference links every option entry in every root to its
// matching security-definition record. Called once the definition
// replay has finished, just before the state transitions to Done.
func (d *Discovery) crossReference() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, root := range d.catalog.Roots() {
		for _, opt := range root.Options {
			bucket := opt.InstrumentID % bucketCount
			for i := range d.buckets[bucket] {
				def := d.buckets[bucket][i]
				if def.Header().InstrumentID == opt.InstrumentID {
					opt.Sdef = def
					break
				}
			}
		}
	}
}

// Destroy requests worker shutdown, joins it, and closes the
// underlying session. Safe to call even if Start failed.
func (d *Discovery) Destroy() {
	d.stop.Store(true)
	d.wg.Wait()

	d.mu.Lock()
	s := d.session
	d.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
}
