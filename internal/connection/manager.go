package connection

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/groutine"
)

// Options configures timeouts and the conflict policy.
type Options struct {
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	SettleDelay      time.Duration
	Policy           Policy
}

// DefaultOptions returns sensible defaults for an interactive session.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   10 * time.Second,
		DiscoveryTimeout: 15 * time.Second,
		SettleDelay:      1500 * time.Millisecond,
		Policy:           PolicyReject,
	}
}

// Manager drives the single active connection through
// connect -> discovery -> ready -> disconnect.
//
// Connect, Disconnect, Handle and the characteristic mutators must all be
// called from one goroutine (the session loop). Transport calls run in
// background goroutines which report back through post; the loop then feeds
// those events to Handle. Snapshot is safe from any goroutine.
type Manager struct {
	ctx       context.Context
	transport device.Central
	post      func(ev any)
	opts      Options
	logger    *logrus.Logger
	now       func() time.Time

	mu      sync.RWMutex
	current Snapshot

	cancel   context.CancelFunc
	settle   *time.Timer
	pending  string
	pendReq  device.RequestID
	onChange func(Snapshot)
}

// New creates a manager. ctx bounds every transport call the manager starts.
func New(ctx context.Context, transport device.Central, post func(ev any), opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Policy == "" {
		opts.Policy = def.Policy
	}
	return &Manager{
		ctx:       ctx,
		transport: transport,
		post:      post,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		current:   Snapshot{State: StateDisconnected, Since: time.Now()},
	}
}

// OnChange registers fn to be called, on the loop goroutine, after every transition.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.onChange = fn
}

// Snapshot returns a detached copy of the current connection.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.State
}

// Target returns the address of the connection unless it is Disconnected.
func (m *Manager) Target() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.State == StateDisconnected {
		return ""
	}
	return m.current.Address
}

// ReadyAddress returns the target address when the connection is Ready.
func (m *Manager) ReadyAddress() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.State != StateReady {
		return "", false
	}
	return m.current.Address, true
}

// Pending returns the connect queued behind a running disconnect, if any.
func (m *Manager) Pending() (string, device.RequestID) {
	return m.pending, m.pendReq
}

// Characteristic resolves ref in the discovered tree. The connection must be Ready.
func (m *Manager) Characteristic(ref device.CharacteristicRef) (device.Characteristic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.State != StateReady {
		return device.Characteristic{}, device.NewError(device.KindState, device.ReasonNotReady, "", "connection is "+m.current.State.String())
	}
	ch, err := device.FindCharacteristic(m.current.Services, ref)
	if err != nil {
		return device.Characteristic{}, err
	}
	c := *ch
	c.Value = append([]byte(nil), ch.Value...)
	return c, nil
}

// UpdateValue stores the last known value of a characteristic in the tree.
func (m *Manager) UpdateValue(ref device.CharacteristicRef, value []byte) {
	m.mutateCharacteristic(ref, func(c *device.Characteristic) {
		c.Value = append([]byte{}, value...)
	})
}

// SetSubscribed marks a characteristic as (un)subscribed in the tree.
func (m *Manager) SetSubscribed(ref device.CharacteristicRef, subscribed bool) {
	m.mutateCharacteristic(ref, func(c *device.Characteristic) {
		c.Subscribed = subscribed
	})
}

func (m *Manager) mutateCharacteristic(ref device.CharacteristicRef, fn func(c *device.Characteristic)) {
	m.mu.Lock()
	if m.current.State != StateReady {
		m.mu.Unlock()
		return
	}
	ch, err := device.FindCharacteristic(m.current.Services, ref)
	if err != nil {
		m.mu.Unlock()
		return
	}
	fn(ch)
	snap := m.current.Clone()
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(snap)
	}
}

// Connect starts connecting to address and returns the request the
// completion will carry. Under PolicyReplace the request may be queued behind
// the disconnect of the current target.
func (m *Manager) Connect(address string) (device.RequestID, error) {
	if address == "" {
		return "", device.NewError(device.KindState, "", "connect", "device address is empty")
	}
	snap := m.Snapshot()

	switch {
	case snap.State.Active() && snap.Address == address:
		return "", device.NewError(device.KindBusy, "", "connect", "already "+snap.State.String()+" to "+address)

	case snap.State.Active():
		if m.opts.Policy != PolicyReplace {
			return "", device.NewError(device.KindBusy, "", "connect", "another device is active: "+snap.Address)
		}
		req := device.NewRequestID()
		m.logger.WithFields(logrus.Fields{
			"current": snap.Address,
			"next":    address,
		}).Info("Replacing active connection")
		m.Disconnect()
		m.pending, m.pendReq = address, req
		return req, nil

	case snap.State == StateDisconnecting:
		if m.opts.Policy != PolicyReplace {
			return "", device.NewError(device.KindBusy, "", "connect", "disconnect of "+snap.Address+" in progress")
		}
		req := device.NewRequestID()
		m.pending, m.pendReq = address, req
		return req, nil
	}

	// Disconnected or Failed.
	req := device.NewRequestID()
	m.start(address, req)
	return req, nil
}

func (m *Manager) start(address string, req device.RequestID) {
	m.stopSettle()
	m.pending, m.pendReq = "", ""

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
	m.cancel = cancel
	m.transition(StateConnecting, func(s *Snapshot) {
		s.Address = address
		s.Request = req
		s.Reason = nil
		s.Services = nil
	})

	m.logger.WithFields(logrus.Fields{
		"address": address,
		"request": req.Short(),
		"timeout": m.opts.ConnectTimeout,
	}).Info("Connecting to device...")

	onLost := func(reason error) {
		m.post(LinkLost{Address: address, Request: req, Reason: reason})
	}
	groutine.Go(ctx, "connection-connect", func(ctx context.Context) {
		err := m.transport.Connect(ctx, address, onLost)
		m.post(ConnectResult{Address: address, Request: req, Err: err})
	})
}

// Disconnect tears down the active connection. It is a no-op when nothing is
// connected or a disconnect is already running. A Failed connection is
// cleared immediately. An in-flight connect or discovery is cancelled and its
// late completion discarded.
func (m *Manager) Disconnect() device.RequestID {
	snap := m.Snapshot()
	m.pending, m.pendReq = "", ""

	switch {
	case snap.State == StateDisconnected || snap.State == StateDisconnecting:
		return ""
	case snap.State == StateFailed:
		m.stopSettle()
		m.toDisconnected()
		return ""
	}

	m.cancelInFlight()
	req := device.NewRequestID()
	m.transition(StateDisconnecting, func(s *Snapshot) {
		s.Request = req
	})
	m.disconnectAsync(snap.Address, req)
	return req
}

func (m *Manager) disconnectAsync(address string, req device.RequestID) {
	m.logger.WithFields(logrus.Fields{
		"address": address,
		"request": req.Short(),
	}).Info("Disconnecting from device...")

	groutine.Go(m.ctx, "connection-disconnect", func(context.Context) {
		err := m.transport.Disconnect(address)
		m.post(DisconnectDone{Address: address, Request: req, Err: err})
	})
}

// Handle applies an event posted by the manager's async work. It reports
// whether ev was a connection event.
func (m *Manager) Handle(ev any) bool {
	switch e := ev.(type) {
	case ConnectResult:
		m.handleConnect(e)
	case DiscoveryResult:
		m.handleDiscovery(e)
	case DisconnectDone:
		m.handleDisconnectDone(e)
	case SettleExpired:
		m.handleSettle(e)
	case LinkLost:
		m.handleLinkLost(e)
	default:
		return false
	}
	return true
}

func (m *Manager) matches(req device.RequestID, states ...State) bool {
	snap := m.Snapshot()
	if snap.Request != req {
		return false
	}
	for _, s := range states {
		if snap.State == s {
			return true
		}
	}
	return false
}

func (m *Manager) handleConnect(e ConnectResult) {
	if !m.matches(e.Request, StateConnecting) {
		m.logger.WithFields(logrus.Fields{
			"address": e.Address,
			"request": e.Request.Short(),
		}).Debug("Discarding stale connect completion")
		if e.Err == nil {
			m.closeOrphan(e.Address)
		}
		return
	}
	m.cancelInFlight()

	if e.Err != nil {
		m.fail(device.TransportFailure("connect", e.Err))
		return
	}

	m.transition(StateConnected, nil)
	m.logger.WithField("address", e.Address).Info("Connected to device, discovering services...")

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DiscoveryTimeout)
	m.cancel = cancel
	m.transition(StateDiscovering, nil)

	address, req := e.Address, e.Request
	groutine.Go(ctx, "connection-discover", func(ctx context.Context) {
		services, err := m.transport.DiscoverServices(ctx, address)
		m.post(DiscoveryResult{Address: address, Request: req, Services: services, Err: err})
	})
}

// closeOrphan drops a link that completed after its request was abandoned,
// unless the same address is the current active target.
func (m *Manager) closeOrphan(address string) {
	snap := m.Snapshot()
	if snap.Address == address && snap.State.Active() {
		return
	}
	groutine.Go(m.ctx, "connection-close-orphan", func(context.Context) {
		if err := m.transport.Disconnect(address); err != nil {
			m.logger.WithFields(logrus.Fields{"address": address, "error": err}).Warn("Failed to close orphaned link")
		}
	})
}

func (m *Manager) handleDiscovery(e DiscoveryResult) {
	if !m.matches(e.Request, StateDiscovering) {
		m.logger.WithFields(logrus.Fields{
			"address": e.Address,
			"request": e.Request.Short(),
		}).Debug("Discarding stale discovery completion")
		return
	}
	m.cancelInFlight()

	if e.Err != nil {
		m.fail(device.TransportFailure("discover", e.Err))
		address := e.Address
		groutine.Go(m.ctx, "connection-discovery-cleanup", func(context.Context) {
			if err := m.transport.Disconnect(address); err != nil {
				m.logger.WithFields(logrus.Fields{"address": address, "error": err}).Warn("Failed to drop link after discovery failure")
			}
		})
		return
	}

	services := device.CloneServices(e.Services)
	m.transition(StateReady, func(s *Snapshot) {
		s.Services = services
	})
	m.logger.WithFields(logrus.Fields{
		"address":  e.Address,
		"services": len(services),
	}).Info("Device ready")
}

func (m *Manager) handleDisconnectDone(e DisconnectDone) {
	if !m.matches(e.Request, StateDisconnecting) {
		return
	}
	if e.Err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": e.Address,
			"error":   e.Err,
		}).Warn("Device disconnected with errors")
	}
	m.toDisconnected()

	if m.pending != "" {
		address, req := m.pending, m.pendReq
		m.start(address, req)
	}
}

func (m *Manager) handleSettle(e SettleExpired) {
	if !m.matches(e.Request, StateFailed) {
		return
	}
	m.settle = nil
	m.toDisconnected()
}

func (m *Manager) handleLinkLost(e LinkLost) {
	snap := m.Snapshot()
	if snap.Request != e.Request || snap.Address != e.Address {
		return
	}
	reason := device.TransportFailure("link", e.Reason)
	if reason == nil {
		reason = &device.Error{Kind: device.KindTransport, Reason: device.ReasonLinkLost, Op: "link"}
	}

	switch snap.State {
	case StateReady:
		m.logger.WithFields(logrus.Fields{
			"address": e.Address,
			"reason":  reason,
		}).Warn("Link lost")
		req := device.NewRequestID()
		m.transition(StateDisconnecting, func(s *Snapshot) {
			s.Request = req
			s.Reason = reason
		})
		m.disconnectAsync(e.Address, req)
	case StateConnecting, StateConnected, StateDiscovering:
		m.cancelInFlight()
		m.fail(reason)
	}
}

func (m *Manager) fail(reason error) {
	snap := m.Snapshot()
	m.transition(StateFailed, func(s *Snapshot) {
		s.Reason = reason
		s.Services = nil
	})
	m.logger.WithFields(logrus.Fields{
		"address": snap.Address,
		"error":   reason,
	}).Error("Connection failed")

	address, req := snap.Address, snap.Request
	m.stopSettle()
	m.settle = time.AfterFunc(m.opts.SettleDelay, func() {
		m.post(SettleExpired{Address: address, Request: req})
	})
}

func (m *Manager) toDisconnected() {
	m.transition(StateDisconnected, func(s *Snapshot) {
		s.Request = ""
		s.Reason = nil
		s.Services = nil
	})
}

func (m *Manager) transition(state State, mutate func(s *Snapshot)) {
	m.mu.Lock()
	from := m.current.State
	m.current.State = state
	m.current.Since = m.now()
	if mutate != nil {
		mutate(&m.current)
	}
	snap := m.current.Clone()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": snap.Address,
		"from":    from,
		"to":      state,
	}).Debug("Connection state changed")
	if m.onChange != nil {
		m.onChange(snap)
	}
}

func (m *Manager) cancelInFlight() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) stopSettle() {
	if m.settle != nil {
		m.settle.Stop()
		m.settle = nil
	}
}

// Close cancels in-flight work and timers. The link itself is left to the caller.
func (m *Manager) Close() {
	m.cancelInFlight()
	m.stopSettle()
}
