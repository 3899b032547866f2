package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	PrioMin    = 1   // lowest connection priority
	PrioNormal = 64  // default connection priority
	PrioMax    = 127 // highest priority a new connection may evict at

	DefaultListenBacklog = 0xff
)

// Config holds the tunables of one TCP stack instance.
type Config struct {
	TimerInterval  time.Duration `yaml:"timer_interval"`   // TCP timer period; the slow timer runs every second tick
	MSS            uint16        `yaml:"mss"`              // maximum segment size we send and advertise
	Wnd            uint16        `yaml:"wnd"`              // receive window
	SndBuf         uint16        `yaml:"snd_buf"`          // send buffer in bytes
	SndQueueLen    uint16        `yaml:"snd_queue_len"`    // max segments in unsent+unacked
	MaxRtx         uint8         `yaml:"max_rtx"`          // data retransmission ceiling
	SynMaxRtx      uint8         `yaml:"syn_max_rtx"`      // SYN retransmission ceiling
	InitialRTO     time.Duration `yaml:"initial_rto"`      // RTO before any RTT sample
	MSL            time.Duration `yaml:"msl"`              // maximum segment lifetime
	FinWaitTimeout time.Duration `yaml:"fin_wait_timeout"` // FIN_WAIT_2 limit after a full close
	SynRcvdTimeout time.Duration `yaml:"syn_rcvd_timeout"` // SYN_RCVD limit
	OOSeqTimeout   uint32        `yaml:"ooseq_timeout"`    // stale out-of-order queue limit, in RTOs
	KeepIdle       time.Duration `yaml:"keep_idle"`        // idle time before the first keepalive
	KeepIntvl      time.Duration `yaml:"keep_intvl"`       // time between keepalive probes
	KeepCnt        uint32        `yaml:"keep_cnt"`         // unanswered probes before the connection is dropped
	MaxPCB         int           `yaml:"max_pcb"`          // connection pool size
	MaxListenPCB   int           `yaml:"max_listen_pcb"`   // listener pool size
	MaxTimeouts    int           `yaml:"max_timeouts"`     // timeout node pool size
	LocalPortStart uint16        `yaml:"local_port_start"` // ephemeral range, inclusive
	LocalPortEnd   uint16        `yaml:"local_port_end"`   // ephemeral range, exclusive
	RandomPortBase bool          `yaml:"random_port_base"` // start the ephemeral probe at a random port
	PayloadPool    int           `yaml:"payload_pool"`     // number of payload chunks in the ring pool
	PoolDebug      bool          `yaml:"pool_debug"`       // ring pool debug setting
	ProcessTime    time.Duration `yaml:"process_time"`     // ring pool processing time threshold
	StatsInterval  time.Duration `yaml:"stats_interval"`   // period of the stats log line, 0 disables it
	LogLevel       string        `yaml:"log_level"`        // logrus level name
}

func DefaultConfig() *Config {
	return &Config{
		TimerInterval:  250 * time.Millisecond,
		MSS:            536,
		Wnd:            4 * 536,
		SndBuf:         2 * 536,
		SndQueueLen:    (4*2*536 + 535) / 536,
		MaxRtx:         12,
		SynMaxRtx:      6,
		InitialRTO:     3 * time.Second,
		MSL:            60 * time.Second,
		FinWaitTimeout: 20 * time.Second,
		SynRcvdTimeout: 20 * time.Second,
		OOSeqTimeout:   6,
		KeepIdle:       2 * time.Hour,
		KeepIntvl:      75 * time.Second,
		KeepCnt:        9,
		MaxPCB:         5,
		MaxListenPCB:   8,
		MaxTimeouts:    16,
		LocalPortStart: 0xc000,
		LocalPortEnd:   0xffff,
		PayloadPool:    256,
		ProcessTime:    10 * time.Millisecond,
		LogLevel:       "info",
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of DefaultConfig and validates the result.
func Parse(b []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SlowInterval is the period of the slow timer.
func (c *Config) SlowInterval() time.Duration {
	return 2 * c.TimerInterval
}

// SlowTicks converts d into whole slow timer ticks.
func (c *Config) SlowTicks(d time.Duration) uint32 {
	return uint32(d / c.SlowInterval())
}

func (c *Config) Validate() error {
	switch {
	case c.TimerInterval <= 0:
		return fmt.Errorf("timer_interval must be positive, got %v", c.TimerInterval)
	case c.MSS < 64:
		return fmt.Errorf("mss %d is too small", c.MSS)
	case c.Wnd < c.MSS:
		return fmt.Errorf("wnd %d is smaller than mss %d", c.Wnd, c.MSS)
	case c.SndBuf < c.MSS:
		return fmt.Errorf("snd_buf %d is smaller than mss %d", c.SndBuf, c.MSS)
	case c.SndQueueLen < 2:
		return fmt.Errorf("snd_queue_len must be at least 2, got %d", c.SndQueueLen)
	case c.MaxRtx == 0 || c.SynMaxRtx == 0:
		return fmt.Errorf("retransmission ceilings must be positive")
	case c.InitialRTO < c.SlowInterval():
		return fmt.Errorf("initial_rto %v is shorter than one slow tick", c.InitialRTO)
	case c.MaxPCB <= 0 || c.MaxListenPCB <= 0:
		return fmt.Errorf("pool sizes must be positive")
	case c.MaxTimeouts <= 0:
		return fmt.Errorf("max_timeouts must be positive")
	case c.LocalPortStart == 0 || c.LocalPortEnd <= c.LocalPortStart:
		return fmt.Errorf("bad ephemeral range [%d, %d)", c.LocalPortStart, c.LocalPortEnd)
	case c.PayloadPool <= 0:
		return fmt.Errorf("payload_pool must be positive")
	}
	return nil
}
