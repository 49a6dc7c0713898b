package config

import (
	"time"

	"github.com/brocaar/lorawan"
)

// Version is set at build time.
var Version = "dev"

// Config holds the full network-server configuration tree. It is wired
// explicitly at start-up; parsing it from files or the environment is the
// responsibility of the embedding process.
type Config struct {
	General struct {
		LogLevel string
		LogJSON  bool
	}

	Redis struct {
		Servers    []string
		Password   string
		Database   int
		Cluster    bool
		MasterName string
		KeyPrefix  string
	}

	NetworkServer NetworkServerConfig

	JoinServer JoinServerConfig

	Roaming RoamingConfig

	Regions []RegionConfig

	Monitoring struct {
		Bind string
	}
}

// NetworkServerConfig holds the MAC-layer and scheduling configuration.
type NetworkServerConfig struct {
	NetID lorawan.NetID

	DeduplicationDelay      time.Duration
	DeviceSessionTTL        time.Duration
	GetDownlinkDataDelay    time.Duration
	PerDeviceEventLogTTL    time.Duration
	PerDeviceEventLogMaxLen int64

	Scheduler SchedulerConfig

	NetworkSettings NetworkSettings
}

// SchedulerConfig holds the Class-B/C downlink scheduler configuration.
type SchedulerConfig struct {
	Interval             time.Duration
	BatchSize            int
	ClassALockDuration   time.Duration
	ClassCLockDuration   time.Duration
	ClassCDownlinkMargin time.Duration
}

// NetworkSettings holds the regional network parameters that apply to all
// devices unless the device-profile overrides them.
type NetworkSettings struct {
	InstallationMargin      float64
	RXWindow                int
	RX1Delay                int
	RX1DROffset             int
	RX2DR                   int
	RX2Frequency            int
	RX2PreferOnLinkBudget   bool
	DownlinkTXPower         int
	GatewayPreferMinMargin  float64
	DisableADR              bool
	MaxMACCommandErrorCount int
	MaxFCntGap              uint32

	DeviceStatusRequestInterval time.Duration

	ClassB struct {
		PingSlotDR        int
		PingSlotFrequency int
	}

	RejoinRequest struct {
		Enabled   bool
		MaxCountN int
		MaxTimeN  int
	}
}

// RegionConfig binds a region id to a band common-name and the gateway
// frame-bus topics for that region.
type RegionConfig struct {
	ID                 string
	CommonName         string
	RepeaterCompatible bool

	MQTT struct {
		Server               string
		Username             string
		Password             string
		ClientID             string
		QOS                  byte
		EventTopic           string
		CommandTopicTemplate string
		MaxReconnectInterval time.Duration
	}
}

// JoinServerConfig configures the (external) join-servers.
type JoinServerConfig struct {
	ResolveJoinEUI      bool
	ResolveDomainSuffix string

	KEK struct {
		ASKEKLabel string
		Set        []KEK
	}

	Servers []JoinServerServer

	Default struct {
		Server string
	}
}

// JoinServerServer configures one external join-server for a JoinEUI range.
type JoinServerServer struct {
	JoinEUI lorawan.EUI64
	Server  string
	CACert  string
	TLSCert string
	TLSKey  string
}

// KEK is a named key-encryption key.
type KEK struct {
	Label string
	KEK   string
}

// RoamingConfig configures the roaming agreements.
type RoamingConfig struct {
	ResolveNetIDDomainSuffix string

	API struct {
		Bind    string
		CACert  string
		TLSCert string
		TLSKey  string
	}

	Servers []RoamingServer

	Default struct {
		Enabled bool
		Server  string
	}
}

// RoamingServer configures the agreement with one roaming partner.
type RoamingServer struct {
	NetID                  lorawan.NetID
	Server                 string
	CACert                 string
	TLSCert                string
	TLSKey                 string
	Async                  bool
	AsyncTimeout           time.Duration
	PassiveRoaming         bool
	PassiveRoamingLifetime time.Duration
	PassiveRoamingKEKLabel string
	Authorization          string
}

var running Config

// Set stores the running configuration.
func Set(c Config) {
	running = c
}

// Get returns the running configuration.
func Get() Config {
	return running
}

// DefaultConfig returns the configuration defaults documented in the
// README. EU868 is enabled as the only region.
func DefaultConfig() Config {
	var c Config

	c.General.LogLevel = "info"

	c.Redis.Servers = []string{"localhost:6379"}
	c.Redis.KeyPrefix = "lora:ns:"

	c.NetworkServer.NetID = lorawan.NetID{0x00, 0x00, 0x00}
	c.NetworkServer.DeduplicationDelay = 200 * time.Millisecond
	c.NetworkServer.DeviceSessionTTL = 31 * 24 * time.Hour
	c.NetworkServer.GetDownlinkDataDelay = 100 * time.Millisecond
	c.NetworkServer.PerDeviceEventLogTTL = 24 * time.Hour
	c.NetworkServer.PerDeviceEventLogMaxLen = 10

	c.NetworkServer.Scheduler.Interval = time.Second
	c.NetworkServer.Scheduler.BatchSize = 100
	c.NetworkServer.Scheduler.ClassALockDuration = 5 * time.Second
	c.NetworkServer.Scheduler.ClassCLockDuration = 5 * time.Second
	c.NetworkServer.Scheduler.ClassCDownlinkMargin = 5 * time.Second

	c.NetworkServer.NetworkSettings.InstallationMargin = 10
	c.NetworkServer.NetworkSettings.RX1Delay = 1
	c.NetworkServer.NetworkSettings.RX2Frequency = -1
	c.NetworkServer.NetworkSettings.RX2DR = -1
	c.NetworkServer.NetworkSettings.DownlinkTXPower = -1
	c.NetworkServer.NetworkSettings.GatewayPreferMinMargin = 5
	c.NetworkServer.NetworkSettings.MaxMACCommandErrorCount = 3
	c.NetworkServer.NetworkSettings.MaxFCntGap = 16384
	c.NetworkServer.NetworkSettings.DeviceStatusRequestInterval = 24 * time.Hour

	region := RegionConfig{
		ID:         "eu868",
		CommonName: "EU868",
	}
	region.MQTT.Server = "tcp://localhost:1883"
	region.MQTT.EventTopic = "eu868/gateway/+/event/+"
	region.MQTT.CommandTopicTemplate = "eu868/gateway/%s/command/%s"
	region.MQTT.MaxReconnectInterval = 30 * time.Second
	c.Regions = []RegionConfig{region}

	c.Roaming.API.Bind = ":8090"
	c.Monitoring.Bind = ":8070"

	return c
}
