package goble

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/groutine"
)

const (
	// DefaultReplyTimeout bounds how long an incoming read request waits for the
	// session to provide the served value.
	DefaultReplyTimeout = 2 * time.Second

	// advertiseStartGrace is how long Advertise waits for an immediate platform failure.
	advertiseStartGrace = 200 * time.Millisecond
)

// link is a live client connection and its discovered attribute handles.
type link struct {
	client ble.Client
	chars  map[device.CharacteristicRef]*ble.Characteristic
	cancel context.CancelFunc
}

// Transport implements device.Transport on top of a go-ble device.
// The underlying ble.Device is created lazily through DeviceFactory.
type Transport struct {
	logger       *logrus.Logger
	ReplyTimeout time.Duration

	mu    sync.Mutex
	dev   ble.Device
	links map[string]*link

	advMu     sync.Mutex
	advCancel context.CancelFunc
	advDone   chan struct{}
	notifiers map[device.SubscriberID]ble.Notifier
}

var _ device.Transport = (*Transport)(nil)

// NewTransport creates a go-ble backed transport.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger:       logger,
		ReplyTimeout: DefaultReplyTimeout,
		links:        make(map[string]*link),
		notifiers:    make(map[device.SubscriberID]ble.Notifier),
	}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, NormalizeError(errors.Wrap(err, "failed to create BLE device"))
	}
	ble.SetDefaultDevice(dev)
	t.dev = dev
	return dev, nil
}

// Close stops the underlying device, if one was created.
func (t *Transport) Close() error {
	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()
	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement.
// Cancellation of ctx is the normal way to stop and is not reported as an error.
func (t *Transport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev, err := t.device()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err == nil || errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return NormalizeError(err)
}

// Connect dials address and starts watching the link for unsolicited loss.
func (t *Transport) Connect(ctx context.Context, address string, onLost func(reason error)) error {
	if strings.TrimSpace(address) == "" {
		return errors.New("device address is empty")
	}
	dev, err := t.device()
	if err != nil {
		return err
	}

	t.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return NormalizeError(errors.Wrapf(err, "failed to connect to device with address %q", address))
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	l := &link{client: client, chars: make(map[device.CharacteristicRef]*ble.Characteristic), cancel: cancel}

	t.mu.Lock()
	prev, replaced := t.links[address]
	t.links[address] = l
	t.mu.Unlock()

	if replaced {
		// A superseded dial for the same address still holds a live client.
		prev.cancel()
		if err := prev.client.CancelConnection(); err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Warn("Failed to close superseded link")
		}
	}

	groutine.Go(monitorCtx, "ble-link-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			t.mu.Lock()
			current := t.links[address] == l
			if current {
				delete(t.links, address)
			}
			t.mu.Unlock()
			if !current {
				return
			}
			t.logger.WithField("address", address).Warn("Peripheral dropped the link")
			if onLost != nil {
				onLost(&device.Error{Kind: device.KindTransport, Reason: device.ReasonLinkLost, Msg: "peripheral disconnected"})
			}
		case <-ctx.Done():
		}
	})

	t.logger.WithField("address", address).Info("BLE device connected")
	return nil
}

// Disconnect tears the link down. Unknown addresses are not an error.
func (t *Transport) Disconnect(address string) error {
	t.mu.Lock()
	l, ok := t.links[address]
	delete(t.links, address)
	t.mu.Unlock()
	if !ok {
		t.logger.WithField("address", address).Debug("Disconnect called but already disconnected")
		return nil
	}

	// Stop the monitor first so an intentional disconnect is not reported as link loss.
	l.cancel()
	if err := l.client.ClearSubscriptions(); err != nil {
		t.logger.WithField("error", err).Debug("Failed to clear subscriptions during disconnect")
	}
	if err := l.client.CancelConnection(); err != nil {
		t.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	t.logger.WithField("address", address).Info("BLE device disconnected")
	return nil
}

func (t *Transport) link(address string) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[address]
	if !ok {
		return nil, &device.Error{Kind: device.KindTransport, Reason: device.ReasonLinkLost, Msg: "device not connected: " + address}
	}
	return l, nil
}

func (t *Transport) characteristic(address string, ref device.CharacteristicRef) (*link, *ble.Characteristic, error) {
	l, err := t.link(address)
	if err != nil {
		return nil, nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := l.chars[ref]; ok {
		return l, c, nil
	}
	if ref.Service == "" {
		var found *ble.Characteristic
		for r, c := range l.chars {
			if r.UUID == ref.UUID {
				if found != nil {
					return nil, nil, &device.Error{Kind: device.KindState, Reason: device.ReasonAmbiguous, Msg: "characteristic " + ref.UUID}
				}
				found = c
			}
		}
		if found != nil {
			return l, found, nil
		}
	}
	return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ref.Service, ref.UUID}}
}

// DiscoverServices discovers the full GATT profile and returns it in discovery order.
func (t *Transport) DiscoverServices(ctx context.Context, address string) ([]device.Service, error) {
	l, err := t.link(address)
	if err != nil {
		return nil, err
	}

	var profile *ble.Profile
	err = await(ctx, "ble-discover", func() error {
		var derr error
		profile, derr = l.client.DiscoverProfile(true)
		return derr
	})
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to discover profile")
		return nil, NormalizeError(errors.Wrap(err, "failed to discover profile"))
	}

	chars := make(map[device.CharacteristicRef]*ble.Characteristic)
	services := make([]device.Service, 0, len(profile.Services))
	for _, bleSvc := range profile.Services {
		svcUUID := device.NormalizeUUID(bleSvc.UUID.String())
		svc := device.Service{
			UUID:            svcUUID,
			KnownName:       device.KnownServiceName(svcUUID),
			Characteristics: make([]device.Characteristic, 0, len(bleSvc.Characteristics)),
		}
		for _, bleChar := range bleSvc.Characteristics {
			charUUID := device.NormalizeUUID(bleChar.UUID.String())
			ch := device.Characteristic{
				UUID:       charUUID,
				Service:    svcUUID,
				KnownName:  device.KnownCharacteristicName(charUUID),
				Properties: toProperties(bleChar.Property),
			}
			chars[ch.Ref()] = bleChar
			svc.Characteristics = append(svc.Characteristics, ch)
		}
		services = append(services, svc)
	}

	t.mu.Lock()
	l.chars = chars
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address":         address,
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered successfully")
	return services, nil
}

func (t *Transport) Read(ctx context.Context, address string, ref device.CharacteristicRef) ([]byte, error) {
	l, c, err := t.characteristic(address, ref)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = await(ctx, "ble-read", func() error {
		var rerr error
		data, rerr = l.client.ReadCharacteristic(c)
		return rerr
	})
	if err != nil {
		return nil, NormalizeError(errors.Wrapf(err, "failed to read characteristic %s", ref))
	}
	return append([]byte(nil), data...), nil
}

func (t *Transport) Write(ctx context.Context, address string, ref device.CharacteristicRef, data []byte, withResponse bool) error {
	l, c, err := t.characteristic(address, ref)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	err = await(ctx, "ble-write", func() error {
		return l.client.WriteCharacteristic(c, payload, !withResponse)
	})
	if err != nil {
		return NormalizeError(errors.Wrapf(err, "failed to write characteristic %s", ref))
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, address string, ref device.CharacteristicRef, indicate bool, handler func([]byte)) error {
	l, c, err := t.characteristic(address, ref)
	if err != nil {
		return err
	}
	err = await(ctx, "ble-subscribe", func() error {
		return l.client.Subscribe(c, indicate, func(data []byte) {
			handler(append([]byte(nil), data...))
		})
	})
	if err != nil {
		return NormalizeError(errors.Wrapf(err, "failed to subscribe to %s", ref))
	}
	return nil
}

func (t *Transport) Unsubscribe(ctx context.Context, address string, ref device.CharacteristicRef, indicate bool) error {
	l, c, err := t.characteristic(address, ref)
	if err != nil {
		return err
	}
	err = await(ctx, "ble-unsubscribe", func() error {
		return l.client.Unsubscribe(c, indicate)
	})
	if err != nil {
		return NormalizeError(errors.Wrapf(err, "failed to unsubscribe from %s", ref))
	}
	return nil
}

// await runs a blocking go-ble call and gives up when ctx is done.
// The call itself cannot be interrupted; its late result is dropped.
func await(ctx context.Context, name string, fn func() error) error {
	done := make(chan error, 1)
	groutine.Go(ctx, name, func(context.Context) {
		done <- fn()
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
