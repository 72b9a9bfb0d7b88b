package mqttbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/model"
	"github.com/devbus/devbus-go/pkg/timer"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second

	// disconnectQuiesce is in milliseconds.
	disconnectQuiesce = 250

	// setSuffix ends the topic of a change request.
	setSuffix = "/set"

	// messagesTopic is published under <prefix>/<device>/.
	messagesTopic = "$messages"
)

// Broker is the subset of the paho client the bridge uses.
type Broker interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
}

var _ Broker = pahomqtt.Client(nil)

// Config configures a Bridge.
type Config struct {
	// Broker URL, e.g. "tcp://localhost:1883".
	Broker   string
	ClientID string
	Username string
	Password string

	// Prefix is the first topic level. Default: "devbus".
	Prefix string
	QoS    byte

	Bus *bus.Bus

	// Client overrides the paho client built from Broker.
	Client Broker

	// Logger for operational messages. If nil, logging is disabled.
	Logger *slog.Logger
}

// Bridge is a bus client that mirrors every property it is defined to as a
// retained JSON message on <prefix>/<device>/<property>, and turns JSON item
// maps published on <prefix>/<device>/<property>/set into change requests.
type Bridge struct {
	cfg    Config
	id     string
	client Broker

	mu     sync.Mutex
	bus    *bus.Bus
	topics map[string]model.PropertyKey

	// sets applies change requests one at a time in arrival order.
	sets *timer.Queue
}

// stateMessage is the retained payload of a property topic.
type stateMessage struct {
	model.Snapshot
	Message string `json:"message,omitempty"`
}

type deviceMessage struct {
	Device    string    `json:"device,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

var _ bus.Client = (*Bridge)(nil)

// New creates a bridge. It connects on Start.
func New(cfg Config) (*Bridge, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("%w: mqtt bridge needs a bus", bus.ErrFailed)
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("%w: qos %d", bus.ErrFailed, cfg.QoS)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "devbus"
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "devbus-" + uuid.New().String()[:8]
	}

	br := &Bridge{
		cfg:    cfg,
		id:     "mqtt:" + cfg.ClientID,
		client: cfg.Client,
		topics: make(map[string]model.PropertyKey),
	}
	if br.client == nil {
		if cfg.Broker == "" {
			return nil, fmt.Errorf("%w: mqtt bridge needs a broker", bus.ErrFailed)
		}
		br.client = pahomqtt.NewClient(br.clientOptions())
	}
	return br, nil
}

func (br *Bridge) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(br.cfg.Broker)
	opts.SetClientID(br.cfg.ClientID)
	if br.cfg.Username != "" {
		opts.SetUsername(br.cfg.Username)
		opts.SetPassword(br.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	// Set handlers call back into the bus, which publishes.
	opts.SetOrderMatters(false)
	opts.SetWill(br.cfg.Prefix+"/$online", "false", br.cfg.QoS, true)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		c.Publish(br.cfg.Prefix+"/$online", br.cfg.QoS, true, "true")
		// Subscriptions do not survive a clean session.
		c.Subscribe(br.setFilter(), br.cfg.QoS, br.handleSet)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		br.debugLog("connection lost", "broker", br.cfg.Broker, "error", err)
	})
	return opts
}

// Start connects to the broker, attaches the bridge to the bus and publishes
// every property.
func (br *Bridge) Start(ctx context.Context) error {
	if err := wait(br.client.Connect(), defaultConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", br.cfg.Broker, err)
	}
	if err := br.cfg.Bus.AttachClient(ctx, br); err != nil {
		br.client.Disconnect(disconnectQuiesce)
		return err
	}
	sets := timer.NewQueue(br.id, br.cfg.Logger)
	br.mu.Lock()
	br.sets = sets
	br.mu.Unlock()
	if err := wait(br.client.Subscribe(br.setFilter(), br.cfg.QoS, br.handleSet), defaultPublishTimeout); err != nil {
		br.closeSets()
		_ = br.cfg.Bus.DetachClient(ctx, br)
		br.client.Disconnect(disconnectQuiesce)
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	if br.cfg.Logger != nil {
		br.cfg.Logger.Info("mqtt bridge connected", "broker", br.cfg.Broker, "prefix", br.cfg.Prefix)
	}
	return br.cfg.Bus.EnumerateProperties(ctx, br, nil)
}

// Stop detaches the bridge from the bus and disconnects. Retained state is
// left on the broker.
func (br *Bridge) Stop(ctx context.Context) error {
	_ = wait(br.client.Unsubscribe(br.setFilter()), defaultPublishTimeout)
	br.closeSets()
	err := br.cfg.Bus.DetachClient(ctx, br)
	br.client.Disconnect(disconnectQuiesce)
	return err
}

// closeSets drops pending change requests and waits for the running one.
func (br *Bridge) closeSets() {
	br.mu.Lock()
	sets := br.sets
	br.sets = nil
	br.mu.Unlock()
	if sets != nil {
		sets.Close()
	}
}

// ID returns "mqtt:" followed by the MQTT client id.
func (br *Bridge) ID() string { return br.id }

// Version returns the current protocol version.
func (br *Bridge) Version() model.Version { return model.VersionCurrent }

// Attach remembers the bus the bridge sends change requests to.
func (br *Bridge) Attach(_ context.Context, b *bus.Bus) error {
	br.mu.Lock()
	br.bus = b
	br.mu.Unlock()
	return nil
}

// Detach forgets the bus and every known property topic.
func (br *Bridge) Detach(context.Context) error {
	br.mu.Lock()
	br.bus = nil
	clear(br.topics)
	br.mu.Unlock()
	return nil
}

// DefineProperty publishes prop as retained state.
func (br *Bridge) DefineProperty(_ context.Context, prop *model.Property, msg string) error {
	return br.publishState(prop, msg)
}

// UpdateProperty publishes the new state of prop, replacing the retained one.
func (br *Bridge) UpdateProperty(_ context.Context, prop *model.Property, msg string) error {
	return br.publishState(prop, msg)
}

// DeleteProperty clears the retained state of prop.
func (br *Bridge) DeleteProperty(_ context.Context, prop *model.Property, msg string) error {
	topic := br.propertyTopic(prop.Device, prop.Name)
	br.mu.Lock()
	delete(br.topics, topic)
	br.mu.Unlock()

	br.publish(topic, true, []byte{})
	if msg != "" {
		return br.SendMessage(context.Background(), prop.Device, msg)
	}
	return nil
}

// SendMessage publishes msg, unretained, on the device's $messages topic.
func (br *Bridge) SendMessage(_ context.Context, device, msg string) error {
	payload, err := json.Marshal(deviceMessage{Device: device, Message: msg, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	topic := br.cfg.Prefix + "/" + messagesTopic
	if device != "" {
		topic = br.cfg.Prefix + "/" + topicLevel(device) + "/" + messagesTopic
	}
	br.publish(topic, false, payload)
	return nil
}

func (br *Bridge) publishState(prop *model.Property, msg string) error {
	if prop.Hidden {
		return nil
	}
	payload, err := json.Marshal(stateMessage{Snapshot: model.NewSnapshot(prop), Message: msg})
	if err != nil {
		return fmt.Errorf("encode %s: %w", prop.Key(), err)
	}
	topic := br.propertyTopic(prop.Device, prop.Name)
	br.mu.Lock()
	br.topics[topic] = prop.Key()
	br.mu.Unlock()

	br.publish(topic, true, payload)
	return nil
}

// publish does not wait for the broker; failures are logged.
func (br *Bridge) publish(topic string, retained bool, payload []byte) {
	token := br.client.Publish(topic, br.cfg.QoS, retained, payload)
	go func() {
		if err := wait(token, defaultPublishTimeout); err != nil {
			br.debugLog("publish failed", "topic", topic, "error", err)
		}
	}()
}

// handleSet queues a JSON item map as a change request, e.g.
// {"CONNECTED": true} on devbus/CCD/CONNECTION/set.
func (br *Bridge) handleSet(_ pahomqtt.Client, msg pahomqtt.Message) {
	topic, payload := msg.Topic(), bytes.Clone(msg.Payload())

	br.mu.Lock()
	sets := br.sets
	br.mu.Unlock()
	if sets == nil {
		br.debugLog("change request dropped, bridge stopped", "topic", topic)
		return
	}
	err := sets.Add(br, 0, func(ctx context.Context) {
		if err := br.applySet(ctx, topic, payload); err != nil {
			br.debugLog("change request rejected", "topic", topic, "error", err)
		}
	}, nil)
	if err != nil {
		br.debugLog("change request dropped", "topic", topic, "error", err)
	}
}

func (br *Bridge) applySet(ctx context.Context, topic string, payload []byte) error {
	base, ok := strings.CutSuffix(topic, setSuffix)
	if !ok {
		return fmt.Errorf("%w: topic %q", bus.ErrNotFound, topic)
	}
	br.mu.Lock()
	key, known := br.topics[base]
	b := br.bus
	br.mu.Unlock()
	if !known || b == nil {
		return fmt.Errorf("%w: topic %q", bus.ErrNotFound, topic)
	}

	current, ok := b.Property(key.Device, key.Name)
	if !ok {
		return fmt.Errorf("%w: property %s", bus.ErrNotFound, key)
	}
	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidValue, err)
	}
	req, err := model.NewRequest(current, values)
	if err != nil {
		return err
	}
	return b.ChangeProperty(ctx, br, req)
}

func (br *Bridge) propertyTopic(device, name string) string {
	return br.cfg.Prefix + "/" + topicLevel(device) + "/" + topicLevel(name)
}

func (br *Bridge) setFilter() string {
	return br.cfg.Prefix + "/+/+" + setSuffix
}

// topicLevel makes s usable as a single topic level.
func topicLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

func wait(token pahomqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timeout after %v", timeout)
	}
	return token.Error()
}

func (br *Bridge) debugLog(msg string, args ...any) {
	if br.cfg.Logger != nil {
		br.cfg.Logger.Debug("mqtt: "+msg, args...)
	}
}
