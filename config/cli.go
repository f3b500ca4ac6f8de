package config

import (
	"flag"
	"fmt"
	"strings"
)

// Cli is the immutable configuration record built once at startup. The
// credential fields are never read directly by consumers; they feed the
// override tier of the SecretResolver.
type Cli struct {
	PromPort  int
	PprofPort int

	DatabaseURL string
	RedisURL    string
	AMQPURL     string

	OutputsDir string
	TempDir    string
	FontPath   string
	UseGPU     bool

	ObjectStoreURL    string
	RetentionEndpoint string
	RetentionBucket   string
	RetentionRegion   string

	AnthropicAPIKey string
	YouTubeAPIKey   string
	PexelsAPIKey    string

	TikTokClientKey    string
	TikTokClientSecret string
	GoogleClientID     string
	GoogleClientSecret string

	LocalURLPrefix  string
	LocalURLSignKey string

	AutoPilot         bool
	AutopilotPlatform string

	StorageThresholdGiB float64
	RetentionDays       int
}

// CommaSliceFlag creates a CSV flag for an array of strings
func CommaSliceFlag(fs *flag.FlagSet, dest *[]string, name string, value []string, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			*dest = []string{}
			return nil
		}
		split := strings.Split(s, ",")
		*dest = split
		return nil
	})
}

// CommaMapFlag creates a "key1=value1,key2=value2" flag for a map of strings
func CommaMapFlag(fs *flag.FlagSet, dest *map[string]string, name string, value map[string]string, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		m := map[string]string{}
		if s != "" {
			for _, pair := range strings.Split(s, ",") {
				kv := strings.SplitN(pair, "=", 2)
				if len(kv) != 2 {
					return fmt.Errorf("invalid map option %q, expected key=value", pair)
				}
				m[kv[0]] = kv[1]
			}
		}
		*dest = m
		return nil
	})
}
