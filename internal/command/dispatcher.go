package command

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrDispatch marks a command that could not be handed to the broker.
var ErrDispatch = errors.New("dispatch error")

// Publisher is the outbound half of the broker connection.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Dispatcher publishes operator commands to <base>/<device>/command.
type Dispatcher struct {
	base      string
	publisher Publisher
	logger    *slog.Logger
}

func NewDispatcher(base string, publisher Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{base: base, publisher: publisher, logger: logger}
}

// Topic returns the command topic for deviceID.
func (d *Dispatcher) Topic(deviceID string) string {
	return d.base + "/" + deviceID + "/command"
}

// Send publishes command verbatim. It does not retry; success means the
// client accepted the publish, not that the device received it.
func (d *Dispatcher) Send(deviceID, command string) error {
	if deviceID == "" || strings.ContainsAny(deviceID, "/+#") {
		return fmt.Errorf("%w: invalid device id %q", ErrDispatch, deviceID)
	}

	topic := d.Topic(deviceID)
	if err := d.publisher.Publish(topic, []byte(command)); err != nil {
		d.logger.Error("command publish failed", "device", deviceID, "topic", topic, "error", err)
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}

	d.logger.Info("command sent", "device", deviceID, "command", command)
	return nil
}
