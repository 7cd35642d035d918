package session

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/codec"
	"github.com/srg/blescope/internal/connection"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/export"
	"github.com/srg/blescope/internal/gatt"
)

// do runs fn on the loop and waits for it to return.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.base.Done():
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await registers a waiter for req. It must be called on the loop, in the
// same turn that issued the request.
func (s *Session) await(req device.RequestID) chan gatt.Completion {
	ch := make(chan gatt.Completion, 1)
	s.waiters[req] = ch
	return ch
}

func wait[T any](ctx context.Context, ch <-chan T) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Session) clientSession(op string) (*gatt.ClientSession, error) {
	if s.switchTo != nil {
		return nil, device.NewError(device.KindState, device.ReasonSwitching, op, "switching to "+s.switchTo.String()+" mode")
	}
	if c, ok := s.active.(*gatt.ClientSession); ok {
		return c, nil
	}
	return nil, device.NewError(device.KindState, device.ReasonWrongMode, op, "requires client mode")
}

func (s *Session) serverSession(op string) (*gatt.ServerSession, error) {
	if s.switchTo != nil {
		return nil, device.NewError(device.KindState, device.ReasonSwitching, op, "switching to "+s.switchTo.String()+" mode")
	}
	if srv, ok := s.active.(*gatt.ServerSession); ok {
		return srv, nil
	}
	return nil, device.NewError(device.KindState, device.ReasonWrongMode, op, "requires server mode")
}

// StartScan resumes ingesting advertisements. It is a no-op while scanning.
func (s *Session) StartScan(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() {
		if _, err = s.clientSession("scan"); err != nil {
			return
		}
		s.startScan()
	}); derr != nil {
		return derr
	}
	return err
}

func (s *Session) startScan() {
	if s.scanCancel != nil {
		return
	}
	s.registry.Resume()
	ctx, cancel := context.WithCancel(s.base)
	req := device.NewRequestID()
	s.scanCancel, s.scanReq = cancel, req
	s.setScanning(true)
	s.logger.Info("Scanning for BLE devices...")

	s.workers.Go(ctx, "session-scan", func(ctx context.Context) {
		err := s.transport.Scan(ctx, true, func(adv device.Advertisement) {
			s.post(advertisementEvent{adv: adv, at: time.Now()})
		})
		s.post(scanStopped{request: req, err: err})
	})
}

// StopScan pauses ingestion. Known devices stay until they age out, unless
// the session is configured to clear them on stop.
func (s *Session) StopScan(ctx context.Context) error {
	return s.do(ctx, s.stopScan)
}

func (s *Session) stopScan() {
	if s.scanCancel == nil {
		return
	}
	s.scanCancel()
	s.scanCancel, s.scanReq = nil, ""
	s.registry.Pause()
	if s.opts.ClearOnStop {
		s.registry.Clear()
		s.emit(Change{Kind: ChangeDevices})
	}
	s.setScanning(false)
	s.logger.Info("Scanning stopped")
}

func (s *Session) handleScanStopped(e scanStopped) {
	if e.request != s.scanReq {
		return
	}
	s.scanCancel, s.scanReq = nil, ""
	s.registry.Pause()
	s.setScanning(false)
	if e.err != nil {
		err := device.TransportFailure("scan", e.err)
		s.log.Error("", device.CharacteristicRef{}, err)
		s.logger.WithField("error", err).Error("Scan failed")
	}
}

func (s *Session) setScanning(on bool) {
	s.mu.Lock()
	s.scanning = on
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeScan})
}

// Connect connects to address and waits until the device is Ready, the
// attempt fails, or ctx is done. Failures after the call returned are
// visible through Connection and the log.
func (s *Session) Connect(ctx context.Context, address string) error {
	var ch chan error
	var err error
	if derr := s.do(ctx, func() {
		if _, err = s.clientSession("connect"); err != nil {
			return
		}
		var req device.RequestID
		if req, err = s.conn.Connect(address); err != nil {
			s.log.Error(address, device.CharacteristicRef{}, err)
			return
		}
		ch = make(chan error, 1)
		s.connWaiters[req] = ch
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	res, werr := wait(ctx, ch)
	if werr != nil {
		return werr
	}
	return res
}

// Disconnect tears the connection down and waits until it is Disconnected.
func (s *Session) Disconnect(ctx context.Context) error {
	var ch chan error
	var err error
	if derr := s.do(ctx, func() {
		if _, err = s.clientSession("disconnect"); err != nil {
			return
		}
		s.conn.Disconnect()
		if s.conn.State() == connection.StateDisconnected {
			return
		}
		ch = make(chan error, 1)
		s.discWaiters = append(s.discWaiters, ch)
	}); derr != nil {
		return derr
	}
	if err != nil || ch == nil {
		return err
	}
	res, werr := wait(ctx, ch)
	if werr != nil {
		return werr
	}
	return res
}

func (s *Session) clientOp(ctx context.Context, op string, issue func(c *gatt.ClientSession) (device.RequestID, error)) (gatt.Completion, error) {
	var ch chan gatt.Completion
	var err error
	if derr := s.do(ctx, func() {
		var c *gatt.ClientSession
		if c, err = s.clientSession(op); err != nil {
			return
		}
		var req device.RequestID
		if req, err = issue(c); err != nil || req == "" {
			return
		}
		ch = s.await(req)
	}); derr != nil {
		return gatt.Completion{}, derr
	}
	if err != nil || ch == nil {
		return gatt.Completion{}, err
	}
	res, werr := wait(ctx, ch)
	if werr != nil {
		return gatt.Completion{}, werr
	}
	return res, res.Err
}

// Read reads a characteristic of the Ready device.
func (s *Session) Read(ctx context.Context, ref device.CharacteristicRef) ([]byte, error) {
	res, err := s.clientOp(ctx, "read", func(c *gatt.ClientSession) (device.RequestID, error) {
		return c.Read(ref)
	})
	return res.Data, err
}

// Write decodes input with enc and writes it to a characteristic of the Ready device.
func (s *Session) Write(ctx context.Context, ref device.CharacteristicRef, input string, enc codec.Encoding) error {
	_, err := s.clientOp(ctx, "write", func(c *gatt.ClientSession) (device.RequestID, error) {
		return c.Write(ref, input, enc)
	})
	return err
}

// Subscribe enables notifications; they show up in the log.
func (s *Session) Subscribe(ctx context.Context, ref device.CharacteristicRef) error {
	_, err := s.clientOp(ctx, "subscribe", func(c *gatt.ClientSession) (device.RequestID, error) {
		return c.Subscribe(ref)
	})
	return err
}

// Unsubscribe disables notifications.
func (s *Session) Unsubscribe(ctx context.Context, ref device.CharacteristicRef) error {
	_, err := s.clientOp(ctx, "unsubscribe", func(c *gatt.ClientSession) (device.RequestID, error) {
		return c.Unsubscribe(ref)
	})
	return err
}

// Advertise starts the simulated peripheral and waits for the transport to confirm.
func (s *Session) Advertise(ctx context.Context) error {
	var ch chan gatt.Completion
	var err error
	if derr := s.do(ctx, func() {
		var srv *gatt.ServerSession
		if srv, err = s.serverSession("advertise"); err != nil {
			return
		}
		var req device.RequestID
		if req, err = srv.Advertise(); err != nil || req == "" {
			return
		}
		ch = s.await(req)
		s.emit(Change{Kind: ChangeServer})
	}); derr != nil {
		return derr
	}
	if err != nil || ch == nil {
		return err
	}
	res, werr := wait(ctx, ch)
	if werr != nil {
		return werr
	}
	return res.Err
}

func (s *Session) serverOp(ctx context.Context, op string, fn func(srv *gatt.ServerSession) error) error {
	var err error
	if derr := s.do(ctx, func() {
		var srv *gatt.ServerSession
		if srv, err = s.serverSession(op); err != nil {
			return
		}
		err = fn(srv)
		s.emit(Change{Kind: ChangeServer})
	}); derr != nil {
		return derr
	}
	return err
}

// StopAdvertising stops the simulated peripheral. Idempotent.
func (s *Session) StopAdvertising(ctx context.Context) error {
	return s.serverOp(ctx, "stop advertising", func(srv *gatt.ServerSession) error {
		return srv.StopAdvertising()
	})
}

// SetValue changes the value served for uuid.
func (s *Session) SetValue(ctx context.Context, uuid, input string, enc codec.Encoding) error {
	data, err := codec.Decode(input, enc)
	if err != nil {
		return err
	}
	return s.serverOp(ctx, "set value", func(srv *gatt.ServerSession) error {
		return srv.SetValue(uuid, data)
	})
}

// Notify pushes a value to all subscribers of uuid.
func (s *Session) Notify(ctx context.Context, uuid, input string, enc codec.Encoding) error {
	data, err := codec.Decode(input, enc)
	if err != nil {
		return err
	}
	return s.serverOp(ctx, "notify", func(srv *gatt.ServerSession) error {
		return srv.Notify(uuid, data)
	})
}

// SwitchTo activates mode after tearing the other mode down. It returns
// once the new mode is active. Switching to the active mode is a no-op.
func (s *Session) SwitchTo(ctx context.Context, mode Mode) error {
	var ch chan error
	var err error
	if derr := s.do(ctx, func() {
		if s.switchTo != nil {
			err = device.NewError(device.KindState, device.ReasonSwitching, "switch mode", "switching to "+s.switchTo.String()+" mode")
			return
		}
		if s.Mode() == mode {
			return
		}
		ch = make(chan error, 1)
		s.modeWaiters = append(s.modeWaiters, ch)
		s.beginSwitch(mode)
	}); derr != nil {
		return derr
	}
	if err != nil || ch == nil {
		return err
	}
	res, werr := wait(ctx, ch)
	if werr != nil {
		return werr
	}
	return res
}

func (s *Session) beginSwitch(mode Mode) {
	target := mode
	s.switchTo = &target
	s.logger.WithFields(logrus.Fields{
		"from": s.Mode(),
		"to":   mode,
	}).Info("Switching mode")

	switch s.active.(type) {
	case *gatt.ClientSession:
		s.stopScan()
		s.conn.Disconnect()
		// Clearing a Failed connection reaches Disconnected synchronously and
		// onConnectionChange has already finished the switch.
		if s.switchTo != nil && s.conn.State() == connection.StateDisconnected {
			s.finishSwitch()
		}
	case *gatt.ServerSession:
		if err := s.server.Teardown(); err != nil {
			s.logger.WithField("error", err).Warn("Server teardown reported an error")
		}
		s.emit(Change{Kind: ChangeServer})
		s.finishSwitch()
	}
}

func (s *Session) finishSwitch() {
	if s.switchTo == nil {
		return
	}
	mode := *s.switchTo
	s.switchTo = nil
	if mode == ModeServer {
		s.active = s.server
	} else {
		s.active = s.client
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()

	s.log.Info("", device.CharacteristicRef{}, mode.String()+" mode")
	s.emit(Change{Kind: ChangeMode})
	for _, ch := range s.modeWaiters {
		ch <- nil
	}
	s.modeWaiters = nil
}

// ClearLog drops all log entries.
func (s *Session) ClearLog(ctx context.Context) error {
	return s.do(ctx, s.log.Clear)
}

// ExportDevices writes the current device snapshot to w.
func (s *Session) ExportDevices(w io.Writer, format export.Format) error {
	return export.Devices(w, s.registry.Snapshot(), format)
}
