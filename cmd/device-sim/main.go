package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

type telemetryPayload struct {
	DeviceID        string  `json:"device_id"`
	Timestamp       int64   `json:"timestamp"`
	TempAmbient     float64 `json:"temp_ambient"`
	TempSoil        float64 `json:"temp_soil"`
	HumidityAmbient float64 `json:"humidity_ambient"`
	HumiditySoil    float64 `json:"humidity_soil"`
	LightLevel      int     `json:"light_level"`
}

type statusPayload struct {
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	IP        string `json:"ip"`
	Timestamp int64  `json:"timestamp"`
}

type heartbeatPayload struct {
	DeviceID  string `json:"device_id"`
	Uptime    int64  `json:"uptime"`
	Timestamp int64  `json:"timestamp"`
}

type simulator struct {
	client    mqtt.Client
	base      string
	deviceID  string
	startedAt time.Time
	rng       *rand.Rand
	logger    *slog.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("device-sim", pflag.ContinueOnError)
	brokerAddr := flagSet.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flagSet.String("username", "huerto_user", "MQTT username")
	password := flagSet.String("password", "huerto_pass", "MQTT password")
	base := flagSet.String("topic-base", "huerto", "topic prefix shared with the server")
	deviceID := flagSet.String("device-id", "sim-device-1", "device identifier")
	interval := flagSet.Duration("interval", 5*time.Second, "interval between telemetry samples")
	heartbeatEvery := flagSet.Int("heartbeat-every", 6, "send a heartbeat every N telemetry samples")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *heartbeatEvery <= 0 {
		return fmt.Errorf("--heartbeat-every must be positive")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("device", *deviceID)

	clientID := fmt.Sprintf("%s-sim-%s", *deviceID, uuid.NewString()[:8])
	opts := mqtt.NewClientOptions().
		AddBroker(*brokerAddr).
		SetClientID(clientID).
		SetUsername(*username).
		SetPassword(*password).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to broker: %w", token.Error())
	}
	logger.Info("connected to mqtt broker", "broker", *brokerAddr, "client_id", clientID)

	sim := &simulator{
		client:    client,
		base:      *base,
		deviceID:  *deviceID,
		startedAt: time.Now(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    logger,
	}

	commandTopic := sim.topic("command")
	if token := client.Subscribe(commandTopic, 0, sim.onCommand); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", commandTopic, token.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim.publishStatus("online")
	sim.publishTelemetry()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for samples := 1; ; samples++ {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			sim.publishStatus("offline")
			client.Disconnect(250)
			return nil
		case <-ticker.C:
			sim.publishTelemetry()
			if samples%*heartbeatEvery == 0 {
				sim.publishHeartbeat()
			}
		}
	}
}

func (s *simulator) topic(kind string) string {
	return s.base + "/" + s.deviceID + "/" + kind
}

func (s *simulator) onCommand(_ mqtt.Client, msg mqtt.Message) {
	s.logger.Info("command received", "topic", msg.Topic(), "command", string(msg.Payload()))
}

func (s *simulator) publish(kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode payload", "kind", kind, "error", err)
		return
	}

	topic := s.topic(kind)
	token := s.client.Publish(topic, 0, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Error("publish error", "topic", topic, "error", err)
		return
	}
	s.logger.Debug("published", "topic", topic, "bytes", len(data))
}

func (s *simulator) publishTelemetry() {
	p := telemetryPayload{
		DeviceID:        s.deviceID,
		Timestamp:       time.Now().Unix(),
		TempAmbient:     s.jitter(22, 3),
		TempSoil:        s.jitter(18, 2),
		HumidityAmbient: s.jitter(55, 10),
		HumiditySoil:    s.jitter(40, 8),
		LightLevel:      int(s.jitter(700, 250)),
	}
	s.publish("data", p)
	s.logger.Info("published telemetry", "temp_ambient", p.TempAmbient, "humidity_soil", p.HumiditySoil)
}

func (s *simulator) publishStatus(status string) {
	s.publish("status", statusPayload{
		DeviceID:  s.deviceID,
		Status:    status,
		IP:        localIP(),
		Timestamp: time.Now().Unix(),
	})
	s.logger.Info("published status", "status", status)
}

func (s *simulator) publishHeartbeat() {
	s.publish("heartbeat", heartbeatPayload{
		DeviceID:  s.deviceID,
		Uptime:    int64(time.Since(s.startedAt).Seconds()),
		Timestamp: time.Now().Unix(),
	})
}

// jitter returns base plus a uniform offset in [-spread, spread], rounded to
// one decimal like a real sensor reading.
func (s *simulator) jitter(base, spread float64) float64 {
	v := base + (s.rng.Float64()*2-1)*spread
	return float64(int(v*10)) / 10
}

func localIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
