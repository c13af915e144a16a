package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	pkgwebrtc "github.com/HMasataka/aeyes/pkg/webrtc"
	"github.com/pelletier/go-toml/v2"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

const (
	envPort      = "PORT"
	envRelayAddr = "AEYES_RELAY_ADDR"
	envLogLevel  = "AEYES_LOG_LEVEL"

	DefaultRoom = "default"
)

type Config struct {
	Relay       RelayConfig       `toml:"relay"`
	WebRTC      WebRTCConfig      `toml:"webrtc"`
	Negotiation NegotiationConfig `toml:"negotiation"`
	Streamer    StreamerConfig    `toml:"streamer"`
	Log         LogConfig         `toml:"log"`
}

type RelayConfig struct {
	Addr             string `toml:"addr"`
	DefaultRoom      string `toml:"default_room"`
	ReadTimeout      int    `toml:"read_timeout"`
	PingInterval     int    `toml:"ping_interval"`
	MaxMessageSize   int64  `toml:"max_message_size"`
	OutboundQueue    int    `toml:"outbound_queue"`
	PresenceDebounce int    `toml:"presence_debounce"`
}

type WebRTCConfig struct {
	ICESinglePort int                  `toml:"singleport"`
	ICEPortRange  []uint16             `toml:"portrange"`
	ICEServers    []ICEServerConfig    `toml:"iceserver"`
	Candidates    Candidates           `toml:"candidates"`
	MDNS          bool                 `toml:"mdns"`
	Timeouts      WebRTCTimeoutsConfig `toml:"timeouts"`
}

type ICEServerConfig struct {
	URLs       []string `toml:"urls"`
	Username   string   `toml:"username"`
	Credential string   `toml:"credential"`
}

type Candidates struct {
	NAT1To1IPs []string `toml:"nat1to1"`
}

type WebRTCTimeoutsConfig struct {
	ICEDisconnectedTimeout int `toml:"disconnected"`
	ICEFailedTimeout       int `toml:"failed"`
	ICEKeepaliveInterval   int `toml:"keepalive"`
}

type NegotiationConfig struct {
	// Timeout is in seconds.
	Timeout int    `toml:"timeout"`
	DumpSDP bool   `toml:"dump_sdp"`
	DumpDir string `toml:"dump_dir"`
}

type StreamerConfig struct {
	// Interval is in milliseconds.
	Interval int `toml:"interval"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

func Default() Config {
	return Config{
		Relay: RelayConfig{
			Addr:             ":5000",
			DefaultRoom:      DefaultRoom,
			ReadTimeout:      90,
			PingInterval:     15,
			MaxMessageSize:   8 * 1024 * 1024,
			OutboundQueue:    256,
			PresenceDebounce: 250,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Negotiation: NegotiationConfig{
			Timeout: 30,
			DumpDir: "sdp_dumps",
		},
		Streamer: StreamerConfig{
			Interval: 2000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a TOML file on top of Default and applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if port, ok := lookup(envPort); ok && port != "" {
		c.Relay.Addr = ":" + port
	}
	if addr, ok := lookup(envRelayAddr); ok && addr != "" {
		c.Relay.Addr = addr
	}
	if level, ok := lookup(envLogLevel); ok && level != "" {
		c.Log.Level = level
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.Relay.Addr == "" {
		errs = append(errs, errors.New("relay.addr is required"))
	}
	if c.Relay.OutboundQueue <= 0 {
		errs = append(errs, errors.New("relay.outbound_queue must be positive"))
	}
	if len(c.WebRTC.ICEPortRange) != 0 && len(c.WebRTC.ICEPortRange) != 2 {
		errs = append(errs, errors.New("webrtc.portrange needs exactly two ports"))
	}
	if c.Negotiation.Timeout <= 0 {
		errs = append(errs, errors.New("negotiation.timeout must be positive"))
	}
	if c.Streamer.Interval <= 0 {
		errs = append(errs, errors.New("streamer.interval must be positive"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c RelayConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Second
}

func (c RelayConfig) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

func (c RelayConfig) PresenceDebounceDuration() time.Duration {
	return time.Duration(c.PresenceDebounce) * time.Millisecond
}

func (c NegotiationConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c StreamerConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Millisecond
}

func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", c.Level)
}

// PeerConnectionOptions builds the pion configuration and setting engine.
func (c WebRTCConfig) PeerConnectionOptions() (pkgwebrtc.PeerConnectionOptions, error) {
	se := webrtc.SettingEngine{}

	if c.ICESinglePort != 0 {
		udpListener, err := net.ListenUDP("udp", &net.UDPAddr{
			IP:   net.IP{0, 0, 0, 0},
			Port: c.ICESinglePort,
		})
		if err != nil {
			return pkgwebrtc.PeerConnectionOptions{}, fmt.Errorf("listen ice single port: %w", err)
		}
		se.SetICEUDPMux(webrtc.NewICEUDPMux(nil, udpListener))
	} else if len(c.ICEPortRange) == 2 {
		if err := se.SetEphemeralUDPPortRange(c.ICEPortRange[0], c.ICEPortRange[1]); err != nil {
			return pkgwebrtc.PeerConnectionOptions{}, fmt.Errorf("ice port range: %w", err)
		}
	}

	iceServers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, iceServer := range c.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       iceServer.URLs,
			Username:   iceServer.Username,
			Credential: iceServer.Credential,
		})
	}

	if c.Timeouts.ICEDisconnectedTimeout != 0 ||
		c.Timeouts.ICEFailedTimeout != 0 ||
		c.Timeouts.ICEKeepaliveInterval != 0 {
		se.SetICETimeouts(
			time.Duration(c.Timeouts.ICEDisconnectedTimeout)*time.Second,
			time.Duration(c.Timeouts.ICEFailedTimeout)*time.Second,
			time.Duration(c.Timeouts.ICEKeepaliveInterval)*time.Second,
		)
	}

	if len(c.Candidates.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(c.Candidates.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	if !c.MDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}

	return pkgwebrtc.PeerConnectionOptions{
		Configuration: webrtc.Configuration{
			ICEServers:   iceServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		SettingEngine: se,
	}, nil
}
