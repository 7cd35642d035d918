package gatt

import (
	"context"
	"errors"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/codec"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/groutine"
)

// DefaultOperationTimeout bounds a single read, write or (un)subscribe.
const DefaultOperationTimeout = 5 * time.Second

// Target is the connection a client session operates on.
type Target interface {
	ReadyAddress() (string, bool)
	Characteristic(ref device.CharacteristicRef) (device.Characteristic, error)
	UpdateValue(ref device.CharacteristicRef, value []byte)
	SetSubscribed(ref device.CharacteristicRef, subscribed bool)
}

type inflight struct {
	op      string
	request device.RequestID
	cancel  context.CancelFunc
}

// ClientSession issues GATT operations against the Ready connection.
//
// All methods run on the session loop. Operations validate synchronously and
// return the request id of the async transport call; its result comes back
// as an event for Handle.
type ClientSession struct {
	ctx       context.Context
	transport device.Central
	target    Target
	post      func(ev any)
	log       *Log
	logger    *logrus.Logger
	timeout   time.Duration

	pending map[device.CharacteristicRef]inflight
	subs    mapset.Set
}

// NewClientSession creates a client session. A zero timeout uses DefaultOperationTimeout.
func NewClientSession(ctx context.Context, transport device.Central, target Target, post func(ev any), log *Log, timeout time.Duration, logger *logrus.Logger) *ClientSession {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &ClientSession{
		ctx:       ctx,
		transport: transport,
		target:    target,
		post:      post,
		log:       log,
		logger:    logger,
		timeout:   timeout,
		pending:   make(map[device.CharacteristicRef]inflight),
		subs:      mapset.NewSet(),
	}
}

// resolve checks readiness and looks ref up in the discovered tree.
func (c *ClientSession) resolve(op string, ref device.CharacteristicRef) (string, device.Characteristic, error) {
	addr, ok := c.target.ReadyAddress()
	if !ok {
		return "", device.Characteristic{}, device.NewError(device.KindState, device.ReasonNotReady, op, "no device is ready")
	}
	ch, err := c.target.Characteristic(ref)
	if err != nil {
		return "", device.Characteristic{}, lookupFailure(op, err)
	}
	return addr, ch, nil
}

func lookupFailure(op string, err error) error {
	var derr *device.Error
	if errors.As(err, &derr) {
		e := *derr
		e.Op = op
		return &e
	}
	return &device.Error{Kind: device.KindState, Op: op, Err: err}
}

func (c *ClientSession) begin(op string, ref device.CharacteristicRef) (context.Context, device.RequestID, error) {
	if cur, busy := c.pending[ref]; busy {
		return nil, "", device.NewError(device.KindBusy, device.ReasonInFlight, op, cur.op+" of "+ref.String()+" still in flight")
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	req := device.NewRequestID()
	c.pending[ref] = inflight{op: op, request: req, cancel: cancel}
	return ctx, req, nil
}

// finish releases the in-flight slot if req still owns it.
func (c *ClientSession) finish(ref device.CharacteristicRef, req device.RequestID) bool {
	cur, ok := c.pending[ref]
	if !ok || cur.request != req {
		return false
	}
	cur.cancel()
	delete(c.pending, ref)
	return true
}

// Read requests the current value of a readable characteristic.
func (c *ClientSession) Read(ref device.CharacteristicRef) (device.RequestID, error) {
	addr, ch, err := c.resolve("read", ref)
	if err != nil {
		return "", err
	}
	if !ch.Properties.CanRead() {
		return "", device.NewError(device.KindPermission, device.ReasonNotReadable, "read", ch.Ref().String())
	}
	ctx, req, err := c.begin("read", ch.Ref())
	if err != nil {
		return "", err
	}

	ref = ch.Ref()
	groutine.Go(ctx, "gatt-read", func(ctx context.Context) {
		data, err := c.transport.Read(ctx, addr, ref)
		c.post(ReadResult{Address: addr, Ref: ref, Request: req, Data: data, Err: err})
	})
	return req, nil
}

// Write decodes input and writes it to a writable characteristic. Input is
// decoded first, so malformed input fails regardless of connection state.
// With-response is used whenever the characteristic declares Write.
func (c *ClientSession) Write(ref device.CharacteristicRef, input string, enc codec.Encoding) (device.RequestID, error) {
	data, err := codec.Decode(input, enc)
	if err != nil {
		return "", err
	}
	addr, ch, err := c.resolve("write", ref)
	if err != nil {
		return "", err
	}
	if !ch.Properties.CanWrite() {
		return "", device.NewError(device.KindPermission, device.ReasonNotWritable, "write", ch.Ref().String())
	}
	ctx, req, err := c.begin("write", ch.Ref())
	if err != nil {
		return "", err
	}

	ref = ch.Ref()
	withResponse := ch.Properties.Has(device.PropWrite)
	groutine.Go(ctx, "gatt-write", func(ctx context.Context) {
		err := c.transport.Write(ctx, addr, ref, data, withResponse)
		c.post(WriteResult{Address: addr, Ref: ref, Request: req, Data: data, Err: err})
	})
	return req, nil
}

// Subscribe enables notifications, or indications when the characteristic
// only supports those. Subscribing twice is a no-op that returns an empty id.
func (c *ClientSession) Subscribe(ref device.CharacteristicRef) (device.RequestID, error) {
	return c.toggle(ref, true)
}

// Unsubscribe disables notifications. Unsubscribing an inactive subscription is a no-op.
func (c *ClientSession) Unsubscribe(ref device.CharacteristicRef) (device.RequestID, error) {
	return c.toggle(ref, false)
}

func (c *ClientSession) toggle(ref device.CharacteristicRef, on bool) (device.RequestID, error) {
	op := "subscribe"
	if !on {
		op = "unsubscribe"
	}
	addr, ch, err := c.resolve(op, ref)
	if err != nil {
		return "", err
	}
	if !ch.Properties.CanSubscribe() {
		return "", device.NewError(device.KindPermission, device.ReasonNotSubscribable, op, ch.Ref().String())
	}
	ref = ch.Ref()
	if c.subs.Contains(ref) == on {
		return "", nil
	}
	ctx, req, err := c.begin(op, ref)
	if err != nil {
		return "", err
	}

	indicate := !ch.Properties.Has(device.PropNotify)
	groutine.Go(ctx, "gatt-"+op, func(ctx context.Context) {
		var err error
		if on {
			err = c.transport.Subscribe(ctx, addr, ref, indicate, func(data []byte) {
				c.post(Notification{Address: addr, Ref: ref, Data: data})
			})
		} else {
			err = c.transport.Unsubscribe(ctx, addr, ref, indicate)
		}
		c.post(SubscribeResult{Address: addr, Ref: ref, Request: req, Subscribe: on, Err: err})
	})
	return req, nil
}

// Subscribed reports whether ref has an active subscription.
func (c *ClientSession) Subscribed(ref device.CharacteristicRef) bool {
	return c.subs.Contains(ref)
}

// Subscriptions lists the active subscriptions.
func (c *ClientSession) Subscriptions() []device.CharacteristicRef {
	var refs []device.CharacteristicRef
	for _, v := range c.subs.ToSlice() {
		refs = append(refs, v.(device.CharacteristicRef))
	}
	return refs
}

// InFlight returns the number of operations awaiting a transport result.
func (c *ClientSession) InFlight() int {
	return len(c.pending)
}

// Handle applies a client event. It reports whether ev was a client event.
func (c *ClientSession) Handle(ev any) (Completion, bool) {
	switch e := ev.(type) {
	case ReadResult:
		return c.handleRead(e), true
	case WriteResult:
		return c.handleWrite(e), true
	case SubscribeResult:
		return c.handleSubscribe(e), true
	case Notification:
		c.handleNotification(e)
		return Completion{}, true
	}
	return Completion{}, false
}

func (c *ClientSession) handleRead(e ReadResult) Completion {
	if !c.finish(e.Ref, e.Request) {
		return Completion{}
	}
	if e.Err != nil {
		err := device.TransportFailure("read", e.Err)
		c.log.Error(e.Address, e.Ref, err)
		return Completion{Request: e.Request, Err: err}
	}
	c.target.UpdateValue(e.Ref, e.Data)
	c.log.Received(e.Address, e.Ref, e.Data, "read")
	return Completion{Request: e.Request, Data: e.Data}
}

func (c *ClientSession) handleWrite(e WriteResult) Completion {
	if !c.finish(e.Ref, e.Request) {
		return Completion{}
	}
	if e.Err != nil {
		err := device.TransportFailure("write", e.Err)
		c.log.Error(e.Address, e.Ref, err)
		return Completion{Request: e.Request, Err: err}
	}
	c.log.Sent(e.Address, e.Ref, e.Data, "write")
	return Completion{Request: e.Request, Data: e.Data}
}

func (c *ClientSession) handleSubscribe(e SubscribeResult) Completion {
	if !c.finish(e.Ref, e.Request) {
		return Completion{}
	}
	op := "subscribe"
	if !e.Subscribe {
		op = "unsubscribe"
	}
	if e.Err != nil {
		err := device.TransportFailure(op, e.Err)
		c.log.Error(e.Address, e.Ref, err)
		return Completion{Request: e.Request, Err: err}
	}

	if e.Subscribe {
		c.subs.Add(e.Ref)
		c.log.Info(e.Address, e.Ref, "subscribed")
	} else {
		c.subs.Remove(e.Ref)
		c.log.Info(e.Address, e.Ref, "unsubscribed")
	}
	c.target.SetSubscribed(e.Ref, e.Subscribe)
	return Completion{Request: e.Request}
}

// handleNotification logs the value in delivery order. Notifications from
// anything but the Ready target are leftovers of a closed link.
func (c *ClientSession) handleNotification(e Notification) {
	addr, ok := c.target.ReadyAddress()
	if !ok || addr != e.Address {
		c.logger.WithFields(logrus.Fields{
			"address": e.Address,
			"char":    e.Ref.String(),
		}).Debug("Dropping notification from inactive link")
		return
	}
	c.target.UpdateValue(e.Ref, e.Data)
	c.log.Received(e.Address, e.Ref, e.Data, "")
}

// Reset abandons in-flight operations and subscriptions after the connection
// left Ready. It returns the abandoned request ids so waiters can be released.
func (c *ClientSession) Reset() []device.RequestID {
	var cancelled []device.RequestID
	for ref, op := range c.pending {
		op.cancel()
		cancelled = append(cancelled, op.request)
		delete(c.pending, ref)
	}
	if n := c.subs.Cardinality(); n > 0 {
		c.logger.WithField("subscriptions", n).Debug("Dropping subscriptions of closed link")
	}
	c.subs.Clear()
	return cancelled
}
