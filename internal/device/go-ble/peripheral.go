package goble

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/groutine"
)

// buildService converts an attribute set into a go-ble service whose handlers feed sink.
func (t *Transport) buildService(set device.AttributeSet, sink func(device.PeripheralRequest)) (*ble.Service, error) {
	svcUUID, err := ble.Parse(set.Service)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid service UUID %q", set.Service)
	}
	svc := ble.NewService(svcUUID)

	for _, spec := range set.Characteristics {
		charUUID, err := ble.Parse(spec.UUID)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid characteristic UUID %q", spec.UUID)
		}
		name := device.NormalizeUUID(spec.UUID)
		c := ble.NewCharacteristic(charUUID)

		if spec.Properties.CanRead() {
			c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				data, err := t.serveRead(remoteOf(req), name, sink)
				if err != nil {
					rsp.SetStatus(ble.ErrUnlikely)
					return
				}
				if _, err := rsp.Write(data); err != nil {
					t.logger.WithFields(logrus.Fields{"char": name, "error": err}).Warn("Read response truncated")
				}
			}))
		}
		if spec.Properties.CanWrite() {
			c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				t.serveWrite(remoteOf(req), name, req.Data(), sink)
			}))
		}
		if spec.Properties.Has(device.PropNotify) {
			c.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
				t.serveSubscription(remoteOf(req), name, n, sink)
			}))
		}
		if spec.Properties.Has(device.PropIndicate) {
			c.HandleIndicate(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
				t.serveSubscription(remoteOf(req), name, n, sink)
			}))
		}
		svc.AddCharacteristic(c)
	}
	return svc, nil
}

func remoteOf(req ble.Request) string {
	if req == nil || req.Conn() == nil || req.Conn().RemoteAddr() == nil {
		return ""
	}
	return req.Conn().RemoteAddr().String()
}

// serveRead asks the session for the current value and waits a bounded time for it.
func (t *Transport) serveRead(remote, char string, sink func(device.PeripheralRequest)) ([]byte, error) {
	reply := make(chan []byte, 1)
	sink(device.PeripheralRequest{
		Kind:           device.RequestRead,
		Remote:         remote,
		Characteristic: char,
		Reply:          reply,
	})
	timer := time.NewTimer(t.ReplyTimeout)
	defer timer.Stop()
	select {
	case data := <-reply:
		return data, nil
	case <-timer.C:
		t.logger.WithFields(logrus.Fields{"remote": remote, "char": char}).Warn("Read request was not answered in time")
		return nil, &device.Error{Kind: device.KindTransport, Reason: device.ReasonTimeout, Op: "serve read"}
	}
}

func (t *Transport) serveWrite(remote, char string, data []byte, sink func(device.PeripheralRequest)) {
	sink(device.PeripheralRequest{
		Kind:           device.RequestWrite,
		Remote:         remote,
		Characteristic: char,
		Data:           append([]byte(nil), data...),
	})
}

// serveSubscription registers the notifier and blocks until the remote unsubscribes,
// which is how go-ble scopes a notify handler.
func (t *Transport) serveSubscription(remote, char string, n ble.Notifier, sink func(device.PeripheralRequest)) {
	id := device.SubscriberID(fmt.Sprintf("%s/%s/%s", remote, char, uuid.NewString()[:8]))

	t.advMu.Lock()
	t.notifiers[id] = n
	t.advMu.Unlock()

	sink(device.PeripheralRequest{Kind: device.RequestSubscribe, Subscriber: id, Remote: remote, Characteristic: char})

	<-n.Context().Done()

	t.advMu.Lock()
	delete(t.notifiers, id)
	t.advMu.Unlock()

	sink(device.PeripheralRequest{Kind: device.RequestUnsubscribe, Subscriber: id, Remote: remote, Characteristic: char})
}

// Advertise registers set and advertises it under set.Name until StopAdvertising is called
// or ctx is cancelled.
func (t *Transport) Advertise(ctx context.Context, set device.AttributeSet, sink func(device.PeripheralRequest)) error {
	dev, err := t.device()
	if err != nil {
		return err
	}
	svc, err := t.buildService(set, sink)
	if err != nil {
		return &device.Error{Kind: device.KindEncoding, Op: "advertise", Err: err}
	}

	t.advMu.Lock()
	defer t.advMu.Unlock()
	if t.advCancel != nil {
		return &device.Error{Kind: device.KindBusy, Op: "advertise", Msg: "already advertising"}
	}

	if err := dev.RemoveAllServices(); err != nil {
		t.logger.WithField("error", err).Debug("Failed to clear previously registered services")
	}
	if err := dev.AddService(svc); err != nil {
		return NormalizeError(errors.Wrap(err, "failed to register service"))
	}

	advCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	errCh := make(chan error, 1)
	groutine.Go(advCtx, "ble-advertise", func(ctx context.Context) {
		defer close(done)
		errCh <- dev.AdvertiseNameAndServices(ctx, set.Name, svc.UUID)
	})

	timer := time.NewTimer(advertiseStartGrace)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			cancel()
			_ = dev.RemoveAllServices()
			return NormalizeError(errors.Wrap(err, "failed to start advertising"))
		}
	case <-timer.C:
	}

	t.advCancel = cancel
	t.advDone = done
	t.logger.WithFields(logrus.Fields{
		"name":    set.Name,
		"service": set.Service,
		"chars":   len(set.Characteristics),
	}).Info("Advertising started")
	return nil
}

// StopAdvertising stops advertising and unregisters the served profile. Idempotent.
func (t *Transport) StopAdvertising() error {
	t.advMu.Lock()
	cancel, done := t.advCancel, t.advDone
	t.advCancel, t.advDone = nil, nil
	notifiers := t.notifiers
	t.notifiers = make(map[device.SubscriberID]ble.Notifier)
	t.advMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(t.ReplyTimeout):
		t.logger.Warn("Advertising did not stop in time")
	}
	for _, n := range notifiers {
		_ = n.Close()
	}

	t.mu.Lock()
	dev := t.dev
	t.mu.Unlock()
	if dev != nil {
		if err := dev.RemoveAllServices(); err != nil {
			return NormalizeError(err)
		}
	}
	t.logger.Info("Advertising stopped")
	return nil
}

// PushNotification sends data to one subscriber of a served characteristic.
func (t *Transport) PushNotification(subscriber device.SubscriberID, characteristic string, data []byte) error {
	t.advMu.Lock()
	n, ok := t.notifiers[subscriber]
	t.advMu.Unlock()
	if !ok {
		return &device.Error{Kind: device.KindTransport, Reason: device.ReasonLinkLost, Op: "notify", Msg: "subscriber " + string(subscriber) + " is gone"}
	}
	if _, err := n.Write(data); err != nil {
		return NormalizeError(errors.Wrapf(err, "failed to notify %s on %s", subscriber, characteristic))
	}
	return nil
}
