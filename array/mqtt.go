package array

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrBusNotConnected is returned by Publish while the broker connection is
// down. Callers distinguish it from device faults: losing the bus mid-run is
// run-fatal, not tile-scoped.
var ErrBusNotConnected = errors.New("MQTT client not connected")

// Bus manages the MQTT connection shared by the command protocol adapter and
// the detection sampler gateway. Subscriptions are recorded in a route table
// and re-established on every (re)connect.
type Bus struct {
	client      mqtt.Client
	config      *MQTTConfig
	isConnected bool
	mu          sync.RWMutex
	routes      map[string]mqtt.MessageHandler
}

// NewBus creates a Bus from config, applying env-var overrides
// (MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME, MQTT_PASSWORD), and starts
// connecting in the background with retry. Returns an error if no broker is
// configured.
func NewBus(cfg *MQTTConfig) (*Bus, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && cfg != nil && cfg.Broker != "" {
		broker = cfg.Broker
	}
	if broker == "" {
		return nil, fmt.Errorf("no MQTT broker configured (set mqtt.broker or MQTT_BROKER)")
	}

	bus := &Bus{
		config: cfg,
		routes: make(map[string]mqtt.MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && cfg.ClientID != "" {
		clientID = cfg.ClientID
	}
	if clientID == "" {
		clientID = "mirrorgrid"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && cfg.Username != "" {
		username = cfg.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && cfg.Password != "" {
			password = cfg.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // preserve subscriptions across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(bus.onConnect)
	opts.SetConnectionLostHandler(bus.onConnectionLost)
	opts.SetReconnectingHandler(bus.onReconnecting)

	bus.client = mqtt.NewClient(opts)

	go bus.connectWithRetry()

	return bus, nil
}

// newBusWithMock creates a Bus backed by a provided mqtt.Client. Used for
// testing with mock clients.
func newBusWithMock(client mqtt.Client, cfg *MQTTConfig) *Bus {
	return &Bus{
		client: client,
		config: cfg,
		routes: make(map[string]mqtt.MessageHandler),
	}
}

// connectWithRetry attempts to connect to the broker with exponential backoff.
func (b *Bus) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[BUS] Connecting to MQTT broker...")

		token := b.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[BUS] Connected to MQTT broker")
				b.setConnected(true)
				return
			}
			log.Printf("[BUS] Connection failed: %v", token.Error())
		} else {
			log.Println("[BUS] Connection timeout")
		}

		log.Printf("[BUS] Retrying in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect re-subscribes every registered route.
func (b *Bus) onConnect(client mqtt.Client) {
	b.setConnected(true)

	b.mu.RLock()
	routes := make(map[string]mqtt.MessageHandler, len(b.routes))
	for topic, h := range b.routes {
		routes[topic] = h
	}
	b.mu.RUnlock()

	for topic, handler := range routes {
		log.Printf("[BUS] Subscribing to %s", topic)
		token := client.Subscribe(topic, 1, handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[BUS] Error subscribing to %s: %v", topic, token.Error())
		}
	}
}

func (b *Bus) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[BUS] Connection interrupted (%v), auto-reconnect will retry", err)
	b.setConnected(false)
}

func (b *Bus) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[BUS] Reconnecting...")
}

// Subscribe registers a route and subscribes immediately when connected. The
// route is re-established automatically after reconnects.
func (b *Bus) Subscribe(topic string, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	b.routes[topic] = handler
	b.mu.Unlock()

	if b.client != nil && b.client.IsConnected() {
		token := b.client.Subscribe(topic, 1, handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, token.Error())
		}
	}
	return nil
}

// Publish sends a payload to a topic at QoS 1.
func (b *Bus) Publish(topic string, payload []byte) error {
	if b.client == nil || !b.client.IsConnected() {
		return ErrBusNotConnected
	}
	token := b.client.Publish(topic, 1, false, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// IsConnected returns true if the bus is connected to the broker.
func (b *Bus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isConnected
}

func (b *Bus) setConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isConnected = connected
}

// Disconnect gracefully closes the broker connection.
func (b *Bus) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		log.Println("[BUS] Disconnecting from MQTT broker...")
		b.client.Disconnect(250)
		b.setConnected(false)
	}
}
