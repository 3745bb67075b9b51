// internal/protocol/config.go
package protocol

import (
	"time"

	"github.com/google/gousb"
)

// Backend type names as used in device configuration.
const (
	TypeSerial   = "serial"
	TypeUDP      = "udp"
	TypeUSB      = "usb"
	TypeLoopback = "loopback"
)

// SerialConfig represents a local tty backend configuration
type SerialConfig struct {
	Port      string `json:"port"`
	BaudRate  int    `json:"baud_rate"`
	DataBits  int    `json:"data_bits"`
	StopBits  int    `json:"stop_bits"`
	Parity    string `json:"parity"`
	ChunkSize int    `json:"chunk_size"`
}

// UDPConfig represents an HB-RF-ETH style UDP tunnel configuration
type UDPConfig struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	EndpointID        byte          `json:"endpoint_id"`
	AutoReconnect     bool          `json:"auto_reconnect"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`
	ConnectAttempts   int           `json:"connect_attempts"`
	KeepAliveInterval time.Duration `json:"keepalive_interval"`
	DeadTimeout       time.Duration `json:"dead_timeout"`
	ReconnectInterval time.Duration `json:"reconnect_interval"`
	TxQueueDepth      int           `json:"tx_queue_depth"`
	ResetOnConnect    bool          `json:"reset_on_connect"`
}

// USBConfig represents an HB-RF-USB-2 style USB tunnel configuration
type USBConfig struct {
	VendorID     gousb.ID      `json:"vendor_id"`
	ProductID    gousb.ID      `json:"product_id"`
	SerialNumber string        `json:"serial_number"`
	Timeout      time.Duration `json:"timeout"`
}

// LoopbackConfig represents the in-memory echo backend configuration
type LoopbackConfig struct {
	Delay     time.Duration `json:"delay"`
	ChunkSize int           `json:"chunk_size"`
}

// Protocol constants of the UDP tunnel.
const (
	UDPDefaultPort     = 3008
	UDPProtocolVersion = 2
	UDPTxChunkSize     = 1468
	udpBufferSize      = 1500
)

func defaultSerialConfig() *SerialConfig {
	return &SerialConfig{
		BaudRate:  115200,
		DataBits:  8,
		StopBits:  1,
		Parity:    "none",
		ChunkSize: 256,
	}
}

func defaultUDPConfig() *UDPConfig {
	return &UDPConfig{
		Port:              UDPDefaultPort,
		AutoReconnect:     true,
		ConnectTimeout:    50 * time.Millisecond,
		ConnectAttempts:   3,
		KeepAliveInterval: time.Second,
		DeadTimeout:       5 * time.Second,
		ReconnectInterval: 500 * time.Millisecond,
		TxQueueDepth:      8,
		ResetOnConnect:    true,
	}
}

func defaultUSBConfig() *USBConfig {
	return &USBConfig{Timeout: time.Second}
}

func defaultLoopbackConfig() *LoopbackConfig {
	return &LoopbackConfig{Delay: time.Millisecond, ChunkSize: 64}
}
