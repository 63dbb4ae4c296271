package config

// ServerConfigs the map of available configurations
var ServerConfigs = map[string]string{
	"default":      defaultConfig,
	"local.memory": localMemory,
	"local.sqlite": localSQLite,
}

// defaultConfig the configuration values used for the empty sections of a
// specific configuration
const defaultConfig = `{
	"Host": "localhost",
	"Port": 9100,
	"HTTPAddr": "localhost:9101",
	"UDPAddr": ":0",
	"NotifPerSecond": 5000,
	"NotifBurst": 100,
	"Store": {
		"Type": "memory"
	},
	"Queues": [
		{
			"Name": "default",
			"Timeout": "1h",
			"RunTimeout": "1h",
			"PendingTimeout": "168h",
			"FailedRetries": 0,
			"BlacklistTime": "2h"
		}
	]
}`

// localMemory config for local.memory - !!! make sure this constant is added to ServerConfigs map above !!!
const localMemory = `{
	"Store": {
		"Type": "memory"
	},
	"Queues": [
		{
			"Name": "test",
			"Timeout": "30m",
			"RunTimeout": "5m",
			"FailedRetries": 3,
			"BlacklistTime": "1m",
			"WnodeTimeout": "40s"
		},
		{
			"Name": "batch",
			"Timeout": "24h",
			"RunTimeout": "1h",
			"FailedRetries": 1,
			"MaxInputSize": 1048576,
			"MaxOutputSize": 1048576
		}
	]
}`

// localSQLite config for local.sqlite - !!! make sure this constant is added to ServerConfigs map above !!!
const localSQLite = `{
	"Store": {
		"Type": "sqlite",
		"Directory": ".nsdata",
		"CacheSize": 10000
	},
	"Queues": [
		{
			"Name": "test",
			"Timeout": "1h",
			"RunTimeout": "10m",
			"FailedRetries": 3,
			"MaxPendingWaitTimeout": "5m"
		}
	]
}`
