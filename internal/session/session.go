// Package session owns the foreground event loop that serializes every
// mutation of the device registry, the connection and the GATT sessions,
// and gates client and server operation behind a single active mode.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/connection"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/gatt"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/internal/ringchan"
)

// ErrClosed is returned by commands issued after the loop stopped.
var ErrClosed = device.NewError(device.KindState, "", "", "session is closed")

// Options configures a session.
type Options struct {
	Staleness        time.Duration
	PruneInterval    time.Duration
	ClearOnStop      bool
	Filter           registry.Filter
	Connection       connection.Options
	OperationTimeout time.Duration
	LogLimit         int
	EventBuffer      int
	ChangeBuffer     int
	Server           device.AttributeSet
	InitialMode      Mode
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Staleness:        30 * time.Second,
		PruneInterval:    time.Second,
		Connection:       connection.DefaultOptions(),
		OperationTimeout: gatt.DefaultOperationTimeout,
		LogLimit:         1000,
		EventBuffer:      256,
		ChangeBuffer:     64,
		Server: device.AttributeSet{
			Name:    "blescope",
			Service: "6e400001b5a3f393e0a9e50e24dcca9e",
			Characteristics: []device.AttributeSpec{{
				UUID:       "6e400003b5a3f393e0a9e50e24dcca9e",
				Properties: device.PropRead | device.PropWrite | device.PropNotify,
			}},
		},
	}
}

type advertisementEvent struct {
	adv device.Advertisement
	at  time.Time
}

type scanStopped struct {
	request device.RequestID
	err     error
}

// Session is the core consumed by the presentation layer: snapshot
// accessors that are safe from any goroutine, and commands that are
// executed on the loop started by Run.
type Session struct {
	transport device.Transport
	opts      Options
	logger    *logrus.Logger

	base     context.Context
	stop     context.CancelFunc
	events   chan any
	commands chan func()
	changes  *ringchan.RingChannel[Change]

	registry *registry.Registry
	conn     *connection.Manager
	log      *gatt.Log
	client   *gatt.ClientSession
	server   *gatt.ServerSession
	workers  groutine.Group

	// loop-owned
	active      any
	switchTo    *Mode
	modeWaiters []chan error
	scanCancel  context.CancelFunc
	scanReq     device.RequestID
	waiters     map[device.RequestID]chan gatt.Completion
	connWaiters map[device.RequestID]chan error
	discWaiters []chan error
	lastState   connection.State

	mu       sync.RWMutex
	mode     Mode
	scanning bool
}

// New wires a session over transport. Nothing happens until Run is called.
func New(transport device.Transport, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = def.PruneInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.ChangeBuffer <= 0 {
		opts.ChangeBuffer = def.ChangeBuffer
	}
	if opts.Server.Service == "" {
		opts.Server = def.Server
	}

	base, stop := context.WithCancel(context.Background())
	s := &Session{
		transport:   transport,
		opts:        opts,
		logger:      logger,
		base:        base,
		stop:        stop,
		events:      make(chan any, opts.EventBuffer),
		commands:    make(chan func()),
		changes:     ringchan.New[Change](opts.ChangeBuffer),
		registry:    registry.New(logger, opts.Staleness, opts.Filter),
		log:         gatt.NewLog(opts.LogLimit),
		waiters:     make(map[device.RequestID]chan gatt.Completion),
		connWaiters: make(map[device.RequestID]chan error),
		mode:        opts.InitialMode,
	}
	s.conn = connection.New(base, transport, s.post, opts.Connection, logger)
	s.client = gatt.NewClientSession(base, transport, s.conn, s.post, s.log, opts.OperationTimeout, logger)
	s.server = gatt.NewServerSession(base, transport, opts.Server, s.post, s.log, logger)

	s.conn.OnChange(s.onConnectionChange)
	s.log.OnAppend(func(e gatt.Entry) {
		s.emit(Change{Kind: ChangeLog, Seq: e.Seq})
	})
	if opts.InitialMode == ModeServer {
		s.active = s.server
	} else {
		s.active = s.client
	}
	return s
}

// post delivers an event to the loop. It is called from transport and
// worker goroutines, never from the loop itself.
func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.base.Done():
	}
}

func (s *Session) emit(c Change) {
	s.changes.ForceSend(c)
}

// Changes is a non-blocking feed of state changes. When the reader falls
// behind, the oldest changes are dropped.
func (s *Session) Changes() <-chan Change {
	return s.changes.C()
}

// Run executes the loop until ctx is done. On exit it stops scanning,
// drops the connection and stops advertising.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()
	defer s.shutdown()

	s.logger.WithField("mode", s.Mode()).Debug("Session loop started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.dispatch(ev)
		case cmd := <-s.commands:
			cmd()
		case now := <-ticker.C:
			s.prune(now)
		}
	}
}

func (s *Session) shutdown() {
	s.stopScan()
	if addr := s.conn.Target(); addr != "" {
		if err := s.transport.Disconnect(addr); err != nil {
			s.logger.WithFields(logrus.Fields{"address": addr, "error": err}).Warn("Failed to disconnect on shutdown")
		}
	}
	if err := s.server.StopAdvertising(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to stop advertising on shutdown")
	}
	s.conn.Close()
	s.client.Reset()
	s.stop()
	if left := s.workers.Wait(time.Second); len(left) > 0 {
		s.logger.WithField("workers", left).Warn("Workers still running after shutdown")
	}

	for req, ch := range s.waiters {
		ch <- gatt.Completion{Request: req, Err: ErrClosed}
		delete(s.waiters, req)
	}
	for req, ch := range s.connWaiters {
		ch <- ErrClosed
		delete(s.connWaiters, req)
	}
	for _, ch := range s.modeWaiters {
		ch <- ErrClosed
	}
	s.modeWaiters = nil
	for _, ch := range s.discWaiters {
		ch <- ErrClosed
	}
	s.discWaiters = nil
	s.changes.Close()
	s.logger.Debug("Session loop stopped")
}

func (s *Session) dispatch(ev any) {
	switch e := ev.(type) {
	case advertisementEvent:
		if s.registry.Observe(e.adv, e.at) {
			s.emit(Change{Kind: ChangeDevices})
		}
		return
	case scanStopped:
		s.handleScanStopped(e)
		return
	}

	if s.conn.Handle(ev) {
		return
	}
	if c, ok := s.client.Handle(ev); ok {
		s.complete(c)
		return
	}
	if c, ok := s.server.Handle(ev); ok {
		s.complete(c)
		s.emit(Change{Kind: ChangeServer})
		return
	}
	s.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("Unhandled session event")
}

func (s *Session) complete(c gatt.Completion) {
	if c.Request == "" {
		return
	}
	if ch, ok := s.waiters[c.Request]; ok {
		ch <- c
		delete(s.waiters, c.Request)
	}
}

func (s *Session) prune(now time.Time) {
	var keep []string
	if target := s.conn.Target(); target != "" {
		keep = append(keep, target)
	}
	if removed := s.registry.Prune(now, keep...); len(removed) > 0 {
		s.emit(Change{Kind: ChangeDevices})
	}
}

// onConnectionChange runs on the loop after every connection transition.
func (s *Session) onConnectionChange(snap connection.Snapshot) {
	defer s.emit(Change{Kind: ChangeConnection})

	prev := s.lastState
	s.lastState = snap.State
	if prev == snap.State {
		return
	}

	if snap.State != connection.StateReady {
		for _, req := range s.client.Reset() {
			s.complete(gatt.Completion{
				Request: req,
				Err:     device.NewError(device.KindState, device.ReasonNotReady, "", "connection is "+snap.State.String()),
			})
		}
	}

	switch snap.State {
	case connection.StateReady:
		s.log.Info(snap.Address, device.CharacteristicRef{}, fmt.Sprintf("connected, %d service(s) discovered", len(snap.Services)))
	case connection.StateFailed:
		s.log.Error(snap.Address, device.CharacteristicRef{}, snap.Reason)
	case connection.StateDisconnecting:
		if snap.Reason != nil {
			s.log.Error(snap.Address, device.CharacteristicRef{}, snap.Reason)
		}
	case connection.StateDisconnected:
		if prev == connection.StateDisconnecting {
			s.log.Info(snap.Address, device.CharacteristicRef{}, "disconnected")
		}
	}

	s.resolveConnWaiters(snap)
	if snap.State == connection.StateDisconnected {
		for _, ch := range s.discWaiters {
			ch <- nil
		}
		s.discWaiters = nil
	}

	if s.switchTo != nil && snap.State == connection.StateDisconnected {
		s.finishSwitch()
	}
}

func (s *Session) resolveConnWaiters(snap connection.Snapshot) {
	_, pending := s.conn.Pending()
	for req, ch := range s.connWaiters {
		var err error
		switch {
		case snap.Request == req && snap.State == connection.StateReady:
		case snap.Request == req && snap.State == connection.StateFailed:
			err = snap.Reason
		case snap.Request == req || req == pending:
			continue
		default:
			err = device.NewError(device.KindState, "", "connect", "connection attempt was abandoned")
		}
		ch <- err
		delete(s.connWaiters, req)
	}
}

// Snapshot accessors.

// Devices returns the discovered devices ordered by identifier.
func (s *Session) Devices() []device.Device {
	return s.registry.Snapshot()
}

// Connection returns the current connection, including its service tree.
func (s *Session) Connection() connection.Snapshot {
	return s.conn.Snapshot()
}

// Log returns the retained notification log, oldest first.
func (s *Session) Log() []gatt.Entry {
	return s.log.Entries()
}

// LogSince returns log entries newer than seq.
func (s *Session) LogSince(seq uint64) []gatt.Entry {
	return s.log.Since(seq)
}

// Server returns the simulated peripheral.
func (s *Session) Server() gatt.ServerSnapshot {
	return s.server.Snapshot()
}

// Mode returns the active mode. During a switch it is still the old one.
func (s *Session) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Scanning reports whether advertisements are being ingested.
func (s *Session) Scanning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanning
}
