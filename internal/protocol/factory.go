// internal/protocol/factory.go
package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"raw-uart-service/internal/gpio"
	"raw-uart-service/internal/uart"
)

// Connector is implemented by backends that must reach their transport
// before the device is registered.
type Connector interface {
	Connect(ctx context.Context) error
}

// LineDefaults is implemented by backends with a preferred initial line
// state.
type LineDefaults interface {
	DefaultLines() uart.LineMask
}

// ProtocolErrorCounter is implemented by backends that count dropped
// malformed frames.
type ProtocolErrorCounter interface {
	ProtocolErrors() uint64
}

// Types returns every backend type the factory understands.
func Types() []string {
	return []string{TypeSerial, TypeUDP, TypeUSB, TypeLoopback}
}

// CreateBackend creates a backend based on its type and options
func CreateBackend(backendType string, options map[string]interface{}, logger *zap.Logger) (uart.Backend, error) {
	switch backendType {
	case TypeSerial:
		return createSerialBackend(options, logger)
	case TypeUDP:
		return createUDPBackend(options, logger)
	case TypeUSB:
		return createUSBBackend(options, logger)
	case TypeLoopback:
		return createLoopbackBackend(options, logger)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", backendType)
	}
}

// createSerialBackend creates a serial backend
func createSerialBackend(options map[string]interface{}, logger *zap.Logger) (uart.Backend, error) {
	serialConfig := defaultSerialConfig()

	if port, ok := options["port"].(string); ok && port != "" {
		serialConfig.Port = port
	} else {
		return nil, fmt.Errorf("serial port is required")
	}

	var err error
	if serialConfig.BaudRate, err = intOption(options, "baud_rate", serialConfig.BaudRate); err != nil {
		return nil, err
	}
	if serialConfig.DataBits, err = intOption(options, "data_bits", serialConfig.DataBits); err != nil {
		return nil, err
	}
	if serialConfig.StopBits, err = intOption(options, "stop_bits", serialConfig.StopBits); err != nil {
		return nil, err
	}
	if serialConfig.ChunkSize, err = intOption(options, "chunk_size", serialConfig.ChunkSize); err != nil {
		return nil, err
	}
	if parity, ok := options["parity"].(string); ok {
		serialConfig.Parity = strings.ToLower(parity)
	}

	logger.Info("Creating serial backend",
		zap.String("port", serialConfig.Port),
		zap.Int("baud_rate", serialConfig.BaudRate),
	)

	backend, err := NewSerialBackend(serialConfig, logger)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// createUDPBackend creates a UDP tunnel backend
func createUDPBackend(options map[string]interface{}, logger *zap.Logger) (uart.Backend, error) {
	udpConfig := defaultUDPConfig()

	if host, ok := options["host"].(string); ok && host != "" {
		udpConfig.Host = host
	} else {
		return nil, fmt.Errorf("UDP host is required")
	}

	var err error
	if udpConfig.Port, err = intOption(options, "port", udpConfig.Port); err != nil {
		return nil, err
	}
	endpoint, err := intOption(options, "endpoint_id", int(udpConfig.EndpointID))
	if err != nil {
		return nil, err
	}
	udpConfig.EndpointID = byte(endpoint)
	if udpConfig.ConnectAttempts, err = intOption(options, "connect_attempts", udpConfig.ConnectAttempts); err != nil {
		return nil, err
	}
	if udpConfig.TxQueueDepth, err = intOption(options, "tx_queue_depth", udpConfig.TxQueueDepth); err != nil {
		return nil, err
	}
	if udpConfig.AutoReconnect, err = boolOption(options, "auto_reconnect", udpConfig.AutoReconnect); err != nil {
		return nil, err
	}
	if udpConfig.ResetOnConnect, err = boolOption(options, "reset_on_connect", udpConfig.ResetOnConnect); err != nil {
		return nil, err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"connect_timeout", &udpConfig.ConnectTimeout},
		{"keepalive_interval", &udpConfig.KeepAliveInterval},
		{"dead_timeout", &udpConfig.DeadTimeout},
		{"reconnect_interval", &udpConfig.ReconnectInterval},
	}
	for _, d := range durations {
		if *d.dst, err = durationOption(options, d.key, *d.dst); err != nil {
			return nil, err
		}
	}

	logger.Info("Creating UDP backend",
		zap.String("host", udpConfig.Host),
		zap.Int("port", udpConfig.Port),
		zap.Bool("auto_reconnect", udpConfig.AutoReconnect),
	)

	return NewUDPBackend(udpConfig, logger), nil
}

// createUSBBackend creates a USB tunnel backend
func createUSBBackend(options map[string]interface{}, logger *zap.Logger) (uart.Backend, error) {
	usbConfig := defaultUSBConfig()

	var err error
	if usbConfig.VendorID, err = usbIDOption(options, "vendor_id"); err != nil {
		return nil, err
	}
	if usbConfig.ProductID, err = usbIDOption(options, "product_id"); err != nil {
		return nil, err
	}
	if (usbConfig.VendorID == 0) != (usbConfig.ProductID == 0) {
		return nil, fmt.Errorf("USB vendor_id and product_id must be set together")
	}
	if serialNumber, ok := options["serial_number"].(string); ok {
		usbConfig.SerialNumber = serialNumber
	}
	if usbConfig.Timeout, err = durationOption(options, "timeout", usbConfig.Timeout); err != nil {
		return nil, err
	}

	logger.Info("Creating USB backend",
		zap.String("vendor_id", usbConfig.VendorID.String()),
		zap.String("product_id", usbConfig.ProductID.String()),
		zap.String("serial_number", usbConfig.SerialNumber),
	)

	return NewUSBBackend(usbConfig, nil, logger), nil
}

// createLoopbackBackend creates an in-memory echo backend
func createLoopbackBackend(options map[string]interface{}, logger *zap.Logger) (uart.Backend, error) {
	loopbackConfig := defaultLoopbackConfig()

	var err error
	if loopbackConfig.Delay, err = durationOption(options, "delay", loopbackConfig.Delay); err != nil {
		return nil, err
	}
	if loopbackConfig.ChunkSize, err = intOption(options, "chunk_size", loopbackConfig.ChunkSize); err != nil {
		return nil, err
	}
	if loopbackConfig.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk_size: %d", loopbackConfig.ChunkSize)
	}

	return NewLoopbackBackend(loopbackConfig, logger), nil
}

// ParseGpioConfig extracts the gpiochip line mapping of a device. It
// returns nil when no gpio_chip is configured.
func ParseGpioConfig(options map[string]interface{}) (*gpio.Config, error) {
	chip, ok := options["gpio_chip"].(string)
	if !ok || chip == "" {
		return nil, nil
	}

	raw, ok := options["gpio_lines"].(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("gpio_lines is required with gpio_chip")
	}

	cfg := &gpio.Config{Chip: chip, Lines: make(map[uart.Line]int, len(raw))}
	for name, v := range raw {
		line, err := uart.ParseLine(name)
		if err != nil {
			return nil, err
		}
		offset, err := toInt(v)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid offset for gpio line %s", name)
		}
		cfg.Lines[line] = offset
	}
	return cfg, nil
}

// ValidateConfig validates options for a specific backend type
func ValidateConfig(backendType string, options map[string]interface{}) error {
	switch backendType {
	case TypeSerial:
		if err := validateSerialConfig(options); err != nil {
			return err
		}
	case TypeUDP:
		if err := validateUDPConfig(options); err != nil {
			return err
		}
	case TypeUSB, TypeLoopback:
	default:
		return fmt.Errorf("unsupported backend type: %s", backendType)
	}

	gpioConfig, err := ParseGpioConfig(options)
	if err != nil {
		return err
	}
	// udp, usb and loopback drive their own lines.
	if gpioConfig != nil && backendType != TypeSerial {
		return fmt.Errorf("gpio_chip is not supported by the %s backend", backendType)
	}
	return nil
}

// validateSerialConfig validates serial options
func validateSerialConfig(options map[string]interface{}) error {
	if port, ok := options["port"].(string); !ok || port == "" {
		return fmt.Errorf("serial port is required")
	}

	rate, err := intOption(options, "baud_rate", 115200)
	if err != nil {
		return err
	}
	validRates := []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}
	for _, validRate := range validRates {
		if rate == validRate {
			return nil
		}
	}
	return fmt.Errorf("invalid baud rate: %d", rate)
}

// validateUDPConfig validates UDP options
func validateUDPConfig(options map[string]interface{}) error {
	if host, ok := options["host"].(string); !ok || host == "" {
		return fmt.Errorf("UDP host is required")
	}

	port, err := intOption(options, "port", UDPDefaultPort)
	if err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d", port)
	}
	return nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func intOption(options map[string]interface{}, key string, def int) (int, error) {
	v, ok := options[key]
	if !ok {
		return def, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func boolOption(options map[string]interface{}, key string, def bool) (bool, error) {
	v, ok := options[key]
	if !ok {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("invalid %s type", key)
	}
}

// durationOption accepts Go duration strings or a number of milliseconds.
func durationOption(options map[string]interface{}, key string, def time.Duration) (time.Duration, error) {
	v, ok := options[key]
	if !ok {
		return def, nil
	}
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	ms, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// usbIDOption accepts hexadecimal strings ("10c4", "0x10c4") or numbers.
func usbIDOption(options map[string]interface{}, key string) (gousb.ID, error) {
	v, ok := options[key]
	if !ok {
		return 0, nil
	}
	if s, ok := v.(string); ok {
		id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return gousb.ID(id), nil
	}
	n, err := toInt(v)
	if err != nil || n < 0 || n > 0xffff {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return gousb.ID(n), nil
}
