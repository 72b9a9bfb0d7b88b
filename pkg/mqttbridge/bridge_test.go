package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/driver"
	"github.com/devbus/devbus-go/pkg/model"
	"github.com/devbus/devbus-go/pkg/timer"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu           sync.Mutex
	connectErr   error
	published    []published
	filter       string
	handler      pahomqtt.MessageHandler
	unsubscribed bool
	disconnected bool
}

func (f *fakeBroker) Connect() pahomqtt.Token { return fakeToken{err: f.connectErr} }

func (f *fakeBroker) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return fakeToken{}
}

func (f *fakeBroker) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter, f.handler = topic, callback
	return fakeToken{}
}

func (f *fakeBroker) Unsubscribe(...string) pahomqtt.Token {
	f.mu.Lock()
	f.unsubscribed = true
	f.mu.Unlock()
	return fakeToken{}
}

// deliver feeds a message to the subscription handler.
func (f *fakeBroker) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

// last returns the newest message published on topic.
func (f *fakeBroker) last(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i], true
		}
	}
	return published{}, false
}

func newBridge(t *testing.T) (*Bridge, *fakeBroker, *bus.Bus) {
	t.Helper()
	engine := timer.NewEngine(timer.Config{})
	t.Cleanup(engine.Close)

	b := bus.New(bus.Config{})
	b.Start()
	t.Cleanup(func() { b.Stop(context.Background()) })
	require.NoError(t, b.AttachDevice(context.Background(), driver.NewRotator(driver.RotatorConfig{
		Name:         "Rotator",
		Timers:       engine,
		StepInterval: time.Millisecond,
	})))

	fb := &fakeBroker{}
	br, err := New(Config{ClientID: "test", Bus: b, Client: fb})
	require.NoError(t, err)
	require.NoError(t, br.Start(context.Background()))
	t.Cleanup(func() { _ = br.Stop(context.Background()) })
	return br, fb, b
}

func decodeState(t *testing.T, p published) stateMessage {
	t.Helper()
	var s stateMessage
	require.NoError(t, json.Unmarshal(p.payload, &s))
	return s
}

// waitConnected waits until the published CONNECTION is settled and on.
func waitConnected(t *testing.T, fb *fakeBroker) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, ok := fb.last("devbus/Rotator/CONNECTION")
		var state stateMessage
		if !ok || json.Unmarshal(p.payload, &state) != nil || len(state.Items) == 0 {
			return false
		}
		return state.State == "Ok" && state.Items[0].Value == true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestBridgePublishesState(t *testing.T) {
	br, fb, b := newBridge(t)
	assert.Equal(t, "mqtt:test", br.ID())
	assert.Contains(t, b.Clients(), "mqtt:test")
	assert.Equal(t, "devbus/+/+/set", fb.filter)

	p, ok := fb.last("devbus/Rotator/CONNECTION")
	require.True(t, ok)
	assert.True(t, p.retained)
	state := decodeState(t, p)
	assert.Equal(t, "Switch", state.Kind)
	assert.Equal(t, "Ok", state.State)
	require.Len(t, state.Items, 2)

	_, ok = fb.last("devbus/Rotator/INFO")
	assert.True(t, ok)
}

func TestBridgeSetConnectsDevice(t *testing.T) {
	_, fb, _ := newBridge(t)

	fb.deliver("devbus/Rotator/CONNECTION/set", `{"CONNECTED": true}`)
	waitConnected(t, fb)

	p, ok := fb.last("devbus/Rotator/ROTATOR_POSITION")
	require.True(t, ok)
	assert.Equal(t, "Number", decodeState(t, p).Kind)
}

func TestBridgeDeleteClearsRetained(t *testing.T) {
	_, fb, _ := newBridge(t)

	fb.deliver("devbus/Rotator/CONNECTION/set", `{"CONNECTED": "On"}`)
	waitConnected(t, fb)

	fb.deliver("devbus/Rotator/CONNECTION/set", `{"DISCONNECTED": true}`)
	require.Eventually(t, func() bool {
		p, ok := fb.last("devbus/Rotator/ROTATOR_POSITION")
		return ok && p.retained && len(p.payload) == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestBridgeRejectsBadRequests(t *testing.T) {
	br, _, _ := newBridge(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		topic   string
		payload string
		want    error
	}{
		{"unknown property", "devbus/Rotator/FOCUS/set", `{}`, bus.ErrNotFound},
		{"not a set topic", "devbus/Rotator/CONNECTION", `{}`, bus.ErrNotFound},
		{"malformed json", "devbus/Rotator/CONNECTION/set", `{"CONNECTED":`, model.ErrInvalidValue},
		{"unknown item", "devbus/Rotator/CONNECTION/set", `{"PARKED": true}`, model.ErrInvalidValue},
		{"wrong type", "devbus/Rotator/CONNECTION/set", `{"CONNECTED": 1}`, model.ErrInvalidValue},
		{"read-only", "devbus/Rotator/INFO/set", `{"DEVICE_VERSION": "9"}`, bus.ErrFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := br.applySet(ctx, tt.topic, []byte(tt.payload))
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestBridgeSendMessage(t *testing.T) {
	br, fb, _ := newBridge(t)

	require.NoError(t, br.SendMessage(context.Background(), "Rotator", "parked"))
	p, ok := fb.last("devbus/Rotator/$messages")
	require.True(t, ok)
	assert.False(t, p.retained)

	var m deviceMessage
	require.NoError(t, json.Unmarshal(p.payload, &m))
	assert.Equal(t, "Rotator", m.Device)
	assert.Equal(t, "parked", m.Message)

	require.NoError(t, br.SendMessage(context.Background(), "", "server restarting"))
	_, ok = fb.last("devbus/$messages")
	assert.True(t, ok)
}

func TestBridgeStop(t *testing.T) {
	br, fb, b := newBridge(t)

	require.NoError(t, br.Stop(context.Background()))
	assert.Empty(t, b.Clients())
	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.True(t, fb.unsubscribed)
	assert.True(t, fb.disconnected)
}

func TestBridgeDropsSetsAfterStop(t *testing.T) {
	br, fb, b := newBridge(t)

	fb.deliver("devbus/Rotator/CONNECTION/set", `{"CONNECTED": true}`)
	waitConnected(t, fb)

	require.NoError(t, br.Stop(context.Background()))
	fb.deliver("devbus/Rotator/CONNECTION/set", `{"DISCONNECTED": true}`)
	time.Sleep(20 * time.Millisecond)
	p, ok := b.Property("Rotator", "CONNECTION")
	require.True(t, ok)
	assert.True(t, p.Item("CONNECTED").Switch().On)
}

func TestBridgeConnectFailure(t *testing.T) {
	b := bus.New(bus.Config{})
	b.Start()
	defer b.Stop(context.Background())

	fb := &fakeBroker{connectErr: errors.New("connection refused")}
	br, err := New(Config{Bus: b, Client: fb})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(br.ID(), "mqtt:devbus-"))

	err = br.Start(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, b.Clients())
}

func TestNewValidates(t *testing.T) {
	b := bus.New(bus.Config{})

	_, err := New(Config{Client: &fakeBroker{}})
	assert.ErrorIs(t, err, bus.ErrFailed)

	_, err = New(Config{Bus: b, Client: &fakeBroker{}, QoS: 3})
	assert.ErrorIs(t, err, bus.ErrFailed)

	_, err = New(Config{Bus: b})
	assert.ErrorIs(t, err, bus.ErrFailed)

	br, err := New(Config{Bus: b, Broker: "tcp://localhost:1883", Prefix: "obs/"})
	require.NoError(t, err)
	assert.Equal(t, "obs/+/+/set", br.setFilter())
}

func TestTopicLevel(t *testing.T) {
	assert.Equal(t, "CCD Simulator", topicLevel("CCD Simulator"))
	assert.Equal(t, "a_b_c_d", topicLevel("a/b+c#d"))
}
