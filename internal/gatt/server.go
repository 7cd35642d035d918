package gatt

import (
	"context"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/groutine"
)

// ServerState is the advertising lifecycle of the simulated peripheral.
type ServerState int

const (
	ServerStopped ServerState = iota
	ServerStarting
	ServerAdvertising
)

func (s ServerState) String() string {
	switch s {
	case ServerStopped:
		return "Stopped"
	case ServerStarting:
		return "Starting"
	case ServerAdvertising:
		return "Advertising"
	default:
		return fmt.Sprintf("ServerState(%d)", int(s))
	}
}

type attribute struct {
	uuid        string
	props       device.Properties
	value       []byte
	subscribers mapset.Set
}

// AttributeSnapshot is a detached view of one served characteristic.
type AttributeSnapshot struct {
	UUID        string
	Properties  device.Properties
	Value       []byte
	Subscribers int
}

// ServerSnapshot is a detached view of the simulated peripheral.
type ServerSnapshot struct {
	State      ServerState
	Name       string
	Service    string
	Attributes []AttributeSnapshot
}

// ServerSession simulates a peripheral: it serves attribute values to remote
// reads, stores remote writes and pushes notifications to subscribers.
// Mutating methods run on the session loop; Snapshot is safe anywhere.
type ServerSession struct {
	ctx       context.Context
	transport device.Peripheral
	post      func(ev any)
	log       *Log
	logger    *logrus.Logger

	mu      sync.RWMutex
	name    string
	service string
	order   []string
	attrs   map[string]*attribute
	state   ServerState
	request device.RequestID
}

// NewServerSession creates a stopped server for set.
func NewServerSession(ctx context.Context, transport device.Peripheral, set device.AttributeSet, post func(ev any), log *Log, logger *logrus.Logger) *ServerSession {
	if logger == nil {
		logger = logrus.New()
	}
	s := &ServerSession{
		ctx:       ctx,
		transport: transport,
		post:      post,
		log:       log,
		logger:    logger,
		name:      set.Name,
		service:   device.NormalizeUUID(set.Service),
		attrs:     make(map[string]*attribute),
	}
	for _, spec := range set.Characteristics {
		u := device.NormalizeUUID(spec.UUID)
		s.order = append(s.order, u)
		s.attrs[u] = &attribute{
			uuid:        u,
			props:       spec.Properties,
			value:       append([]byte{}, spec.Value...),
			subscribers: mapset.NewSet(),
		}
	}
	return s
}

func (s *ServerSession) ref(uuid string) device.CharacteristicRef {
	return device.CharacteristicRef{Service: s.service, UUID: uuid}
}

// State returns the advertising state.
func (s *ServerSession) State() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns the served profile with current values and subscriber counts.
func (s *ServerSession) Snapshot() ServerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := ServerSnapshot{State: s.state, Name: s.name, Service: s.service}
	for _, u := range s.order {
		a := s.attrs[u]
		snap.Attributes = append(snap.Attributes, AttributeSnapshot{
			UUID:        a.uuid,
			Properties:  a.props,
			Value:       append([]byte{}, a.value...),
			Subscribers: a.subscribers.Cardinality(),
		})
	}
	return snap
}

func (s *ServerSession) attributeSet() device.AttributeSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := device.AttributeSet{Name: s.name, Service: s.service}
	for _, u := range s.order {
		a := s.attrs[u]
		set.Characteristics = append(set.Characteristics, device.AttributeSpec{
			UUID:       a.uuid,
			Properties: a.props,
			Value:      append([]byte{}, a.value...),
		})
	}
	return set
}

func (s *ServerSession) lookup(op, uuid string) (*attribute, error) {
	u := device.NormalizeUUID(uuid)
	a, ok := s.attrs[u]
	if !ok {
		return nil, &device.Error{
			Kind: device.KindState,
			Op:   op,
			Err:  &device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.service, u}},
		}
	}
	return a, nil
}

// Advertise starts exposing the attribute set. It is idempotent while
// starting or advertising, in which case the returned id is empty.
func (s *ServerSession) Advertise() (device.RequestID, error) {
	s.mu.Lock()
	if s.state != ServerStopped {
		s.mu.Unlock()
		return "", nil
	}
	req := device.NewRequestID()
	s.state = ServerStarting
	s.request = req
	s.mu.Unlock()

	set := s.attributeSet()
	sink := func(r device.PeripheralRequest) {
		s.post(ServerRequest{PeripheralRequest: r})
	}
	s.logger.WithFields(logrus.Fields{
		"name":    set.Name,
		"service": set.Service,
	}).Info("Starting advertising...")

	groutine.Go(s.ctx, "gatt-advertise", func(ctx context.Context) {
		err := s.transport.Advertise(ctx, set, sink)
		s.post(AdvertiseResult{Request: req, Err: err})
	})
	return req, nil
}

// StopAdvertising stops advertising and forgets all subscribers. It is
// idempotent and returns once the transport has stopped.
func (s *ServerSession) StopAdvertising() error {
	s.mu.Lock()
	prev := s.state
	s.state = ServerStopped
	s.request = ""
	for _, a := range s.attrs {
		a.subscribers.Clear()
	}
	s.mu.Unlock()

	if prev == ServerStopped {
		return nil
	}
	// A start still in flight is stopped when its result arrives.
	if prev == ServerStarting {
		return nil
	}

	err := s.transport.StopAdvertising()
	if err != nil {
		err = device.TransportFailure("stop advertising", err)
		s.log.Error("", device.CharacteristicRef{}, err)
		return err
	}
	s.log.Info("", device.CharacteristicRef{}, "advertising stopped")
	return nil
}

// SetValue changes the value served to future reads. It does not notify.
func (s *ServerSession) SetValue(uuid string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup("set value", uuid)
	if err != nil {
		return err
	}
	a.value = append([]byte{}, value...)
	return nil
}

// Value returns the currently served value.
func (s *ServerSession) Value(uuid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.lookup("value", uuid)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, a.value...), nil
}

// Notify pushes value to every subscriber of uuid and logs it as sent.
// Having no subscribers is not an error. Push failures are logged; the
// first one is returned.
func (s *ServerSession) Notify(uuid string, value []byte) error {
	s.mu.RLock()
	a, err := s.lookup("notify", uuid)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	if !a.props.CanSubscribe() {
		s.mu.RUnlock()
		return device.NewError(device.KindPermission, device.ReasonNotSubscribable, "notify", a.uuid)
	}
	var subscribers []device.SubscriberID
	for _, v := range a.subscribers.ToSlice() {
		subscribers = append(subscribers, v.(device.SubscriberID))
	}
	s.mu.RUnlock()

	ref := s.ref(a.uuid)
	s.log.Sent("", ref, value, fmt.Sprintf("notify %d subscriber(s)", len(subscribers)))

	var first error
	for _, sub := range subscribers {
		if err := s.transport.PushNotification(sub, a.uuid, value); err != nil {
			err = device.TransportFailure("notify", err)
			s.log.Error(string(sub), ref, err)
			s.logger.WithFields(logrus.Fields{
				"subscriber": sub,
				"char":       a.uuid,
				"error":      err,
			}).Warn("Failed to push notification")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Handle applies a server event. It reports whether ev was a server event.
func (s *ServerSession) Handle(ev any) (Completion, bool) {
	switch e := ev.(type) {
	case AdvertiseResult:
		return s.handleAdvertise(e), true
	case ServerRequest:
		s.handleRequest(e.PeripheralRequest)
		return Completion{}, true
	}
	return Completion{}, false
}

func (s *ServerSession) handleAdvertise(e AdvertiseResult) Completion {
	s.mu.Lock()
	current := s.state == ServerStarting && s.request == e.Request
	if current {
		if e.Err != nil {
			s.state = ServerStopped
		} else {
			s.state = ServerAdvertising
		}
		s.request = ""
	}
	s.mu.Unlock()

	if !current {
		if e.Err == nil {
			s.logger.Debug("Stopping advertising that completed after stop")
			groutine.Go(s.ctx, "gatt-advertise-cleanup", func(context.Context) {
				if err := s.transport.StopAdvertising(); err != nil {
					s.logger.WithField("error", err).Warn("Failed to stop late advertising")
				}
			})
		}
		return Completion{Request: e.Request, Err: device.NewError(device.KindState, "", "advertise", "stopped before advertising started")}
	}
	if e.Err != nil {
		err := device.TransportFailure("advertise", e.Err)
		s.log.Error("", device.CharacteristicRef{}, err)
		return Completion{Request: e.Request, Err: err}
	}
	s.log.Info("", device.CharacteristicRef{}, "advertising as "+s.name)
	return Completion{Request: e.Request}
}

func (s *ServerSession) handleRequest(r device.PeripheralRequest) {
	s.mu.Lock()
	a, err := s.lookup(r.Kind.String(), r.Characteristic)
	if err != nil {
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"remote": r.Remote,
			"char":   r.Characteristic,
		}).Warn("Request for unknown characteristic")
		if r.Reply != nil {
			select {
			case r.Reply <- nil:
			default:
			}
		}
		return
	}
	stopped := s.state == ServerStopped
	ref := s.ref(a.uuid)

	switch r.Kind {
	case device.RequestRead:
		value := append([]byte{}, a.value...)
		s.mu.Unlock()
		if r.Reply != nil {
			select {
			case r.Reply <- value:
			default:
			}
		}
		s.log.Info(r.Remote, ref, "remote read")

	case device.RequestWrite:
		if stopped {
			s.mu.Unlock()
			return
		}
		a.value = append([]byte{}, r.Data...)
		s.mu.Unlock()
		s.log.Received(r.Remote, ref, r.Data, "remote write")

	case device.RequestSubscribe:
		if stopped {
			s.mu.Unlock()
			return
		}
		a.subscribers.Add(r.Subscriber)
		s.mu.Unlock()
		s.log.Info(r.Remote, ref, "remote subscribed")

	case device.RequestUnsubscribe:
		a.subscribers.Remove(r.Subscriber)
		s.mu.Unlock()
		s.log.Info(r.Remote, ref, "remote unsubscribed")

	default:
		s.mu.Unlock()
	}
}

// Teardown stops advertising and clears subscribers before a mode switch.
func (s *ServerSession) Teardown() error {
	return s.StopAdvertising()
}
