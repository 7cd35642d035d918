package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/srg/blescope/internal/device"
)

// Push records one PushNotification call.
type Push struct {
	Subscriber     device.SubscriberID
	Characteristic string
	Data           []byte
}

// FakeTransport is an in-memory device.Transport.
//
// By default every operation succeeds immediately. Tests script failures
// through the exported error fields, and hold operations in flight through
// the gates: when a gate is set, the operation waits for a value on it (the
// error to return) or for its context to end.
type FakeTransport struct {
	mu sync.Mutex

	Services      []device.Service
	Values        map[device.CharacteristicRef][]byte
	ScanErr       error
	ConnectErr    error
	DiscoverErr   error
	ReadErr       error
	WriteErr      error
	SubscribeErr  error
	AdvertiseErr  error
	DisconnectErr error
	StopAdvErr    error
	PushErr       error

	ConnectGate  chan error
	DiscoverGate chan error

	calls       []string
	onLost      map[string]func(error)
	handlers    map[device.CharacteristicRef]func([]byte)
	links       map[string]bool
	scanHandler func(device.Advertisement)
	sink        func(device.PeripheralRequest)
	advertising bool
	advertised  device.AttributeSet
	pushes      []Push
	writes      map[device.CharacteristicRef][][]byte
}

var _ device.Transport = (*FakeTransport)(nil)

// NewFakeTransport creates a fake that discovers services on connect.
func NewFakeTransport(services ...device.Service) *FakeTransport {
	return &FakeTransport{
		Services: services,
		Values:   make(map[device.CharacteristicRef][]byte),
		onLost:   make(map[string]func(error)),
		handlers: make(map[device.CharacteristicRef]func([]byte)),
		links:    make(map[string]bool),
		writes:   make(map[device.CharacteristicRef][][]byte),
	}
}

func (f *FakeTransport) record(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

// Calls returns every recorded call in order, e.g. "connect aa:bb" or "read 180d/2a37".
func (f *FakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts recorded calls starting with prefix.
func (f *FakeTransport) CallCount(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *FakeTransport) errFor(p *error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *p
}

func wait(ctx context.Context, gate chan error) error {
	if gate == nil {
		return nil
	}
	select {
	case err := <-gate:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeTransport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	f.record("scan %t", allowDup)
	if err := f.errFor(&f.ScanErr); err != nil {
		return err
	}
	f.mu.Lock()
	f.scanHandler = handler
	f.mu.Unlock()

	<-ctx.Done()

	f.mu.Lock()
	f.scanHandler = nil
	f.mu.Unlock()
	return nil
}

// Scanning reports whether a Scan call is currently running.
func (f *FakeTransport) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanHandler != nil
}

// Advertise records set as the served profile and keeps sink for Request.
func (f *FakeTransport) Advertise(ctx context.Context, set device.AttributeSet, sink func(device.PeripheralRequest)) error {
	f.record("advertise %s %s", set.Name, set.Service)
	if err := f.errFor(&f.AdvertiseErr); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = true
	f.advertised = set
	f.sink = sink
	return nil
}

// EmitAdvertisement delivers adv to the running scan and reports whether anybody was scanning.
func (f *FakeTransport) EmitAdvertisement(adv device.Advertisement) bool {
	f.mu.Lock()
	h := f.scanHandler
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(adv)
	return true
}

func (f *FakeTransport) Connect(ctx context.Context, address string, onLost func(reason error)) error {
	f.record("connect %s", address)
	if err := wait(ctx, f.ConnectGate); err != nil {
		return err
	}
	if err := f.errFor(&f.ConnectErr); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[address] = true
	f.onLost[address] = onLost
	return nil
}

func (f *FakeTransport) Disconnect(address string) error {
	f.record("disconnect %s", address)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, address)
	delete(f.onLost, address)
	f.handlers = make(map[device.CharacteristicRef]func([]byte))
	return f.DisconnectErr
}

// Connected reports whether the fake holds a link to address.
func (f *FakeTransport) Connected(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[address]
}

// DropLink simulates the peripheral going away.
func (f *FakeTransport) DropLink(address string, reason error) {
	f.mu.Lock()
	cb := f.onLost[address]
	delete(f.links, address)
	delete(f.onLost, address)
	f.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
}

func (f *FakeTransport) DiscoverServices(ctx context.Context, address string) ([]device.Service, error) {
	f.record("discover %s", address)
	if err := wait(ctx, f.DiscoverGate); err != nil {
		return nil, err
	}
	if err := f.errFor(&f.DiscoverErr); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return device.CloneServices(f.Services), nil
}

func (f *FakeTransport) Read(ctx context.Context, address string, ref device.CharacteristicRef) ([]byte, error) {
	f.record("read %s", ref)
	if err := f.errFor(&f.ReadErr); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.Values[ref]...), nil
}

func (f *FakeTransport) Write(ctx context.Context, address string, ref device.CharacteristicRef, data []byte, withResponse bool) error {
	mode := "nr"
	if withResponse {
		mode = "rsp"
	}
	f.record("write %s %s", ref, mode)
	if err := f.errFor(&f.WriteErr); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[ref] = append(f.writes[ref], append([]byte(nil), data...))
	return nil
}

// Writes returns the payloads written to ref.
func (f *FakeTransport) Writes(ref device.CharacteristicRef) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes[ref]...)
}

func (f *FakeTransport) Subscribe(ctx context.Context, address string, ref device.CharacteristicRef, indicate bool, handler func([]byte)) error {
	f.record("subscribe %s %t", ref, indicate)
	if err := f.errFor(&f.SubscribeErr); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[ref] = handler
	return nil
}

func (f *FakeTransport) Unsubscribe(ctx context.Context, address string, ref device.CharacteristicRef, indicate bool) error {
	f.record("unsubscribe %s %t", ref, indicate)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, ref)
	return nil
}

// Notify delivers a notification for ref and reports whether a handler was registered.
func (f *FakeTransport) Notify(ref device.CharacteristicRef, data []byte) bool {
	f.mu.Lock()
	h := f.handlers[ref]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

func (f *FakeTransport) StopAdvertising() error {
	f.record("stop-advertising")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = false
	f.sink = nil
	return f.StopAdvErr
}

// Advertising reports whether an attribute set is being advertised.
func (f *FakeTransport) Advertising() (device.AttributeSet, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertised, f.advertising
}

// Request delivers a remote client request to the advertised profile.
// It reports false when nothing is advertised.
func (f *FakeTransport) Request(req device.PeripheralRequest) bool {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(req)
	return true
}

func (f *FakeTransport) PushNotification(subscriber device.SubscriberID, characteristic string, data []byte) error {
	f.record("push %s %s", subscriber, characteristic)
	if err := f.errFor(&f.PushErr); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, Push{Subscriber: subscriber, Characteristic: characteristic, Data: append([]byte(nil), data...)})
	return nil
}

// Pushes returns every notification pushed to subscribers.
func (f *FakeTransport) Pushes() []Push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Push(nil), f.pushes...)
}

// SetErr sets one of the scripted error fields under the fake's lock.
func (f *FakeTransport) SetErr(field *error, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*field = err
}
