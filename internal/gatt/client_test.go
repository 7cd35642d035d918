package gatt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blescope/internal/codec"
	"github.com/srg/blescope/internal/connection"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/gatt"
	"github.com/srg/blescope/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const peer = "AA:BB:CC:DD:EE:01"

var (
	hrMeasurement = device.NewCharacteristicRef("180d", "2a37")
	hrControl     = device.NewCharacteristicRef("180d", "2a39")
	batteryLevel  = device.NewCharacteristicRef("180f", "2a19")
	alertLevel    = device.NewCharacteristicRef("180f", "2a06")
)

type ClientSessionTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	transport *testutils.FakeTransport
	events    chan any
	conn      *connection.Manager
	log       *gatt.Log
	client    *gatt.ClientSession
	completed map[device.RequestID]gatt.Completion
}

func (s *ClientSessionTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.transport = testutils.NewFakeTransport(testutils.NewServiceBuilder().
		WithService("180d").
		WithCharacteristic("2a37", "read,notify").
		WithCharacteristic("2a39", "write").
		WithService("180f").
		WithCharacteristic("2a19", "read,indicate").
		WithCharacteristic("2a06", "write-without-response").
		Build()...)
	s.events = make(chan any, 16)
	post := func(ev any) { s.events <- ev }
	logger := testutils.NewQuietLogger()

	s.conn = connection.New(s.ctx, s.transport, post, connection.Options{}, logger)
	s.log = gatt.NewLog(0)
	s.client = gatt.NewClientSession(s.ctx, s.transport, s.conn, post, s.log, time.Second, logger)
	s.completed = make(map[device.RequestID]gatt.Completion)
}

func (s *ClientSessionTestSuite) TearDownTest() {
	s.conn.Close()
	s.cancel()
}

// pump routes the next posted event the way the session loop does.
func (s *ClientSessionTestSuite) pump() {
	select {
	case ev := <-s.events:
		if s.conn.Handle(ev) {
			return
		}
		c, ok := s.client.Handle(ev)
		s.Require().True(ok, "unexpected event %T", ev)
		if c.Request != "" {
			s.completed[c.Request] = c
		}
	case <-time.After(2 * time.Second):
		s.FailNow("no event was posted in time")
	}
}

func (s *ClientSessionTestSuite) await(req device.RequestID) gatt.Completion {
	s.Require().NotEmpty(req)
	for i := 0; i < 10; i++ {
		if c, ok := s.completed[req]; ok {
			return c
		}
		s.pump()
	}
	s.FailNow("request never completed")
	return gatt.Completion{}
}

func (s *ClientSessionTestSuite) connect() {
	_, err := s.conn.Connect(peer)
	s.Require().NoError(err)
	for s.conn.State() != connection.StateReady {
		s.pump()
	}
}

func (s *ClientSessionTestSuite) lastEntry() gatt.Entry {
	entries := s.log.Entries()
	s.Require().NotEmpty(entries)
	return entries[len(entries)-1]
}

func (s *ClientSessionTestSuite) TestReadNotifyScenario() {
	// GOAL: Verify the read+notify characteristic rejects writes, accepts a subscription and logs notifications
	//
	// TEST SCENARIO: write → PermissionError; subscribe → ok; notify 0x01 → Received entry with 0x01

	s.connect()

	_, err := s.client.Write(hrMeasurement, "01", codec.Hex)
	s.ErrorIs(err, device.ErrPermission)
	s.ErrorIs(err, device.ErrNotWritable)
	s.Zero(s.transport.CallCount("write"), "a rejected write MUST NOT reach the transport")

	req, err := s.client.Subscribe(hrMeasurement)
	s.Require().NoError(err)
	s.NoError(s.await(req).Err)
	s.True(s.client.Subscribed(hrMeasurement))
	s.Equal(1, s.transport.CallCount("subscribe 180d/2a37 false"))

	ch, err := s.conn.Characteristic(hrMeasurement)
	s.Require().NoError(err)
	s.True(ch.Subscribed, "the service tree MUST reflect the subscription")

	s.Require().True(s.transport.Notify(hrMeasurement, []byte{0x01}))
	s.pump()

	entry := s.lastEntry()
	s.Equal(gatt.Received, entry.Direction)
	s.Equal([]byte{0x01}, entry.Payload)
	s.Equal(hrMeasurement, entry.Characteristic)
	s.Equal(peer, entry.Address)
}

func (s *ClientSessionTestSuite) TestOperationsRequireReady() {
	_, err := s.client.Read(hrMeasurement)
	s.ErrorIs(err, device.ErrNotReady)
	_, err = s.client.Write(hrControl, "01", codec.Hex)
	s.ErrorIs(err, device.ErrNotReady)
	_, err = s.client.Subscribe(hrMeasurement)
	s.ErrorIs(err, device.ErrNotReady)

	s.Empty(s.transport.Calls())
}

func (s *ClientSessionTestSuite) TestMalformedHexNeverReachesTransport() {
	for _, input := range []string{"1", "0x01", "zz", "01 02"} {
		_, err := s.client.Write(hrControl, input, codec.Hex)
		s.ErrorIs(err, device.ErrEncoding, "input %q MUST fail before the state check", input)
	}

	s.connect()
	for _, input := range []string{"abc", "g0"} {
		_, err := s.client.Write(hrControl, input, codec.Hex)
		s.ErrorIs(err, device.ErrEncoding, "input %q", input)
	}
	s.Zero(s.transport.CallCount("write"))
}

func (s *ClientSessionTestSuite) TestPermissionChecks() {
	s.connect()

	_, err := s.client.Read(hrControl)
	s.ErrorIs(err, device.ErrNotReadable)
	_, err = s.client.Subscribe(hrControl)
	s.ErrorIs(err, device.ErrNotSubscribable)
	_, err = s.client.Unsubscribe(alertLevel)
	s.ErrorIs(err, device.ErrNotSubscribable)

	s.Zero(s.transport.CallCount("read"))
	s.Zero(s.transport.CallCount("subscribe"))
}

func (s *ClientSessionTestSuite) TestUnknownCharacteristicIsStateError() {
	s.connect()

	_, err := s.client.Read(device.NewCharacteristicRef("180d", "ffff"))
	s.ErrorIs(err, device.ErrState)
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)
}

func (s *ClientSessionTestSuite) TestReadUpdatesValueAndLog() {
	s.transport.Values[batteryLevel] = []byte{0x64}
	s.connect()

	req, err := s.client.Read(device.CharacteristicRef{UUID: "2a19"})
	s.Require().NoError(err, "a unique UUID MUST resolve without its service")

	c := s.await(req)
	s.Require().NoError(c.Err)
	s.Equal([]byte{0x64}, c.Data)

	ch, _ := s.conn.Characteristic(batteryLevel)
	s.Equal([]byte{0x64}, ch.Value)

	entry := s.lastEntry()
	s.Equal(gatt.Received, entry.Direction)
	s.Equal(batteryLevel, entry.Characteristic)
}

func (s *ClientSessionTestSuite) TestWriteModes() {
	s.connect()

	req, err := s.client.Write(hrControl, "hi", codec.Text)
	s.Require().NoError(err)
	s.NoError(s.await(req).Err)

	req, err = s.client.Write(alertLevel, "02", codec.Hex)
	s.Require().NoError(err)
	s.NoError(s.await(req).Err)

	s.Equal(1, s.transport.CallCount("write 180d/2a39 rsp"), "Write property MUST use with-response")
	s.Equal(1, s.transport.CallCount("write 180f/2a06 nr"))
	s.Equal([][]byte{[]byte("hi")}, s.transport.Writes(hrControl))

	entry := s.lastEntry()
	s.Equal(gatt.Sent, entry.Direction)
	s.Equal([]byte{0x02}, entry.Payload)
}

func (s *ClientSessionTestSuite) TestTransportFailureIsSurfacedAndLogged() {
	s.connect()
	s.transport.SetErr(&s.transport.ReadErr, errors.New("att: unlikely error"))

	req, err := s.client.Read(hrMeasurement)
	s.Require().NoError(err)

	c := s.await(req)
	s.ErrorIs(c.Err, device.ErrTransport)
	s.Equal(gatt.Error, s.lastEntry().Direction)
}

func (s *ClientSessionTestSuite) TestOneOperationPerCharacteristic() {
	s.connect()

	first, err := s.client.Read(hrMeasurement)
	s.Require().NoError(err)
	_, err = s.client.Read(hrMeasurement)
	s.ErrorIs(err, device.ErrBusy)

	_, err = s.client.Read(batteryLevel)
	s.NoError(err, "other characteristics MUST stay available")

	s.await(first)
	_, err = s.client.Read(hrMeasurement)
	s.NoError(err)
}

func (s *ClientSessionTestSuite) TestSubscriptionToggling() {
	s.connect()

	_, err := s.client.Unsubscribe(hrMeasurement)
	s.NoError(err, "unsubscribing an inactive subscription MUST be a no-op")

	req, err := s.client.Subscribe(batteryLevel)
	s.Require().NoError(err)
	s.await(req)
	s.Equal(1, s.transport.CallCount("subscribe 180f/2a19 true"), "indicate-only MUST subscribe for indications")

	again, err := s.client.Subscribe(batteryLevel)
	s.NoError(err)
	s.Empty(again, "a repeated subscribe MUST be idempotent")
	s.Equal(1, s.transport.CallCount("subscribe"))

	req, err = s.client.Unsubscribe(batteryLevel)
	s.Require().NoError(err)
	s.await(req)
	s.False(s.client.Subscribed(batteryLevel))
	s.Empty(s.client.Subscriptions())
}

func (s *ClientSessionTestSuite) TestNotificationFromInactiveLinkIsDropped() {
	s.connect()
	before := s.log.Len()

	_, handled := s.client.Handle(gatt.Notification{Address: "11:22:33:44:55:66", Ref: hrMeasurement, Data: []byte{0x01}})
	s.True(handled)
	s.Equal(before, s.log.Len())
}

func (s *ClientSessionTestSuite) TestResetReleasesInFlightRequests() {
	s.connect()

	req, err := s.client.Read(hrMeasurement)
	s.Require().NoError(err)

	cancelled := s.client.Reset()
	s.Equal([]device.RequestID{req}, cancelled)
	s.Zero(s.client.InFlight())

	s.pump()
	_, done := s.completed[req]
	s.False(done, "results of reset requests MUST be discarded")
}

func TestClientSessionTestSuite(t *testing.T) {
	suite.Run(t, new(ClientSessionTestSuite))
}
