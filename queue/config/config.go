package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"sort"
	"time"

	"github.com/luci/go-render/render"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/queue/server"
)

// ServerConfig is the top level JSON configuration of a NetSchedule
// server.
type ServerConfig struct {
	// Host and Port identify the server in job keys and notifications.
	Host string `json:"Host"`
	Port uint16 `json:"Port"`

	HTTPAddr string `json:"HTTPAddr"`
	// Local address notifications are sent from.
	UDPAddr string `json:"UDPAddr"`
	// Notification pacing, 0 is unpaced.
	NotifPerSecond float64 `json:"NotifPerSecond"`
	NotifBurst     int     `json:"NotifBurst"`

	Store  StoreConfig   `json:"Store"`
	Queues []QueueConfig `json:"Queues"`
}

func (c ServerConfig) String() string {
	return render.Render(c)
}

// StoreConfig selects the storage of the queues.
type StoreConfig struct {
	Type      string `json:"Type"`      // memory, sqlite
	Directory string `json:"Directory"` // sqlite: one <queue>.db file per queue
	CacheSize int    `json:"CacheSize"` // sqlite: fetched jobs kept in memory
}

func (c StoreConfig) String() string {
	return render.Render(c)
}

// QueueConfig holds the settings of one queue. Durations are strings
// parsed by time.ParseDuration; empty strings and zero numbers take the
// value of the queue defaults.
type QueueConfig struct {
	Name          string `json:"Name"`
	RefuseSubmits bool   `json:"RefuseSubmits"`

	Timeout             string `json:"Timeout"`
	RunTimeout          string `json:"RunTimeout"`
	PendingTimeout      string `json:"PendingTimeout"`
	RunTimeoutPrecision string `json:"RunTimeoutPrecision"`

	FailedRetries uint32 `json:"FailedRetries"`
	MaxInputSize  int    `json:"MaxInputSize"`
	MaxOutputSize int    `json:"MaxOutputSize"`

	BlacklistTime           string `json:"BlacklistTime"`
	WnodeTimeout            string `json:"WnodeTimeout"`
	ClientInactivityTimeout string `json:"ClientInactivityTimeout"`
	MaxAffinities           int    `json:"MaxAffinities"`
	MaxPendingWaitTimeout   string `json:"MaxPendingWaitTimeout"`

	NotifHifreqInterval string `json:"NotifHifreqInterval"`
	NotifHifreqPeriod   string `json:"NotifHifreqPeriod"`
	NotifLofreqMult     uint   `json:"NotifLofreqMult"`
	NotifHandicap       string `json:"NotifHandicap"`

	PurgeTimeout    string `json:"PurgeTimeout"`
	ScanBatchSize   int    `json:"ScanBatchSize"`
	PurgeBatchSize  int    `json:"PurgeBatchSize"`
	DeleteBatchSize int    `json:"DeleteBatchSize"`
	GroupGCBatch    int    `json:"GroupGCBatch"`

	AffinityMax         int `json:"AffinityMax"`
	AffinityHighMark    int `json:"AffinityHighMark"`
	AffinityLowMark     int `json:"AffinityLowMark"`
	AffinityHighRemoval int `json:"AffinityHighRemoval"`
	AffinityLowRemoval  int `json:"AffinityLowRemoval"`
	AffinityDirtPercent int `json:"AffinityDirtPercent"`
}

func (c QueueConfig) String() string {
	return render.Render(c)
}

// Params converts the configuration to queue parameters.
func (c QueueConfig) Params() (server.QueueParams, error) {
	p := server.DefaultQueueParams()

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"Timeout", c.Timeout, &p.Timeout},
		{"RunTimeout", c.RunTimeout, &p.RunTimeout},
		{"PendingTimeout", c.PendingTimeout, &p.PendingTimeout},
		{"RunTimeoutPrecision", c.RunTimeoutPrecision, &p.RunTimeoutPrecision},
		{"BlacklistTime", c.BlacklistTime, &p.BlacklistTime},
		{"WnodeTimeout", c.WnodeTimeout, &p.WnodeTimeout},
		{"ClientInactivityTimeout", c.ClientInactivityTimeout, &p.ClientInactivityTimeout},
		{"MaxPendingWaitTimeout", c.MaxPendingWaitTimeout, &p.MaxPendingWaitTimeout},
		{"NotifHifreqInterval", c.NotifHifreqInterval, &p.NotifHifreqInterval},
		{"NotifHifreqPeriod", c.NotifHifreqPeriod, &p.NotifHifreqPeriod},
		{"NotifHandicap", c.NotifHandicap, &p.NotifHandicap},
		{"PurgeTimeout", c.PurgeTimeout, &p.PurgeTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return p, errors.Wrapf(err, "queue %s: %s", c.Name, d.name)
		}
		*d.dst = v
	}

	ints := []struct {
		value int
		dst   *int
	}{
		{c.MaxInputSize, &p.MaxInputSize},
		{c.MaxOutputSize, &p.MaxOutputSize},
		{c.MaxAffinities, &p.MaxAffinities},
		{c.ScanBatchSize, &p.ScanBatchSize},
		{c.PurgeBatchSize, &p.PurgeBatchSize},
		{c.DeleteBatchSize, &p.DeleteBatchSize},
		{c.GroupGCBatch, &p.GroupGCBatch},
		{c.AffinityMax, &p.AffinityMax},
		{c.AffinityHighMark, &p.AffinityHighMark},
		{c.AffinityLowMark, &p.AffinityLowMark},
		{c.AffinityHighRemoval, &p.AffinityHighRemoval},
		{c.AffinityLowRemoval, &p.AffinityLowRemoval},
		{c.AffinityDirtPercent, &p.AffinityDirtPercent},
	}
	for _, i := range ints {
		if i.value != 0 {
			*i.dst = i.value
		}
	}
	p.FailedRetries = c.FailedRetries
	if c.NotifLofreqMult != 0 {
		p.NotifLofreqMult = c.NotifLofreqMult
	}
	return p, nil
}

// Validate rejects configurations a server cannot run with.
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New("Host must be set")
	}
	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.Directory == "" {
			return errors.New("sqlite store needs a Directory")
		}
	default:
		return fmt.Errorf("unknown store type %q, supported values are [memory sqlite]", c.Store.Type)
	}
	if len(c.Queues) == 0 {
		return errors.New("no queues configured")
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return errors.New("queue without a Name")
		}
		if seen[q.Name] {
			return fmt.Errorf("queue %s configured twice", q.Name)
		}
		seen[q.Name] = true
		p, err := q.Params()
		if err != nil {
			return err
		}
		if err := validateParams(q.Name, p); err != nil {
			return err
		}
	}
	return nil
}

func validateParams(name string, p server.QueueParams) error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"Timeout", p.Timeout},
		{"RunTimeoutPrecision", p.RunTimeoutPrecision},
		{"PendingTimeout", p.PendingTimeout},
		{"NotifHifreqInterval", p.NotifHifreqInterval},
		{"NotifHifreqPeriod", p.NotifHifreqPeriod},
		{"PurgeTimeout", p.PurgeTimeout},
	}
	for _, d := range positive {
		if d.value <= 0 {
			return fmt.Errorf("queue %s: %s must be positive, got %v", name, d.name, d.value)
		}
	}
	if p.RunTimeout < 0 || p.BlacklistTime < 0 || p.NotifHandicap < 0 {
		return fmt.Errorf("queue %s: negative timeout", name)
	}
	if p.MaxInputSize <= 0 || p.MaxOutputSize <= 0 {
		return fmt.Errorf("queue %s: input and output sizes must be positive", name)
	}
	if p.AffinityLowMark > p.AffinityHighMark {
		return fmt.Errorf("queue %s: AffinityLowMark %d is above AffinityHighMark %d",
			name, p.AffinityLowMark, p.AffinityHighMark)
	}
	if p.AffinityHighMark > 100 || p.AffinityDirtPercent > 100 {
		return fmt.Errorf("queue %s: affinity marks are percentages", name)
	}
	if p.ScanBatchSize <= 0 || p.PurgeBatchSize <= 0 || p.DeleteBatchSize <= 0 {
		return fmt.Errorf("queue %s: purge batch sizes must be positive", name)
	}
	return nil
}

func getConfigText(configSelector string) ([]byte, error) {
	configText, ok := ServerConfigs[configSelector]
	if !ok {
		keys := make([]string, 0, len(ServerConfigs))
		for k := range ServerConfigs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("invalid configuration %s, supported values are %v", configSelector, keys)
	}
	return []byte(configText), nil
}

// Get returns the named configuration, or reads nameOrPath as a JSON file
// when no configuration has that name. Sections left empty are taken from
// the "default" configuration.
func Get(nameOrPath string) (*ServerConfig, error) {
	defaultText, _ := getConfigText("default")
	defaults := &ServerConfig{}
	if err := json.Unmarshal(defaultText, defaults); err != nil {
		return nil, fmt.Errorf("couldn't parse the default config: %v", err)
	}

	text, err := getConfigText(nameOrPath)
	if err != nil {
		var readErr error
		text, readErr = ioutil.ReadFile(nameOrPath)
		if readErr != nil {
			return nil, err
		}
	}

	cfg := &ServerConfig{}
	if err := json.Unmarshal(text, cfg); err != nil {
		return nil, fmt.Errorf("couldn't parse top-level config: %v", err)
	}

	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}
	if cfg.UDPAddr == "" {
		cfg.UDPAddr = defaults.UDPAddr
	}
	if cfg.NotifPerSecond == 0 {
		cfg.NotifPerSecond = defaults.NotifPerSecond
		cfg.NotifBurst = defaults.NotifBurst
	}
	if cfg.Store.Type == "" {
		log.Infof("using default Store config")
		cfg.Store = defaults.Store
	}
	if len(cfg.Queues) == 0 {
		log.Infof("using default Queues config")
		cfg.Queues = defaults.Queues
	}
	return cfg, nil
}
