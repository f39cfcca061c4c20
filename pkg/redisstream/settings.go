package redisstream

// Settings holds the event tap transport configuration.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	// MaxLen caps the Redis stream length; 0 leaves it unbounded.
	MaxLen int64 `yaml:"max_len"`
}

const DefaultStream = "chatrelay.events"

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Stream:   DefaultStream,
		Group:    "chatrelay",
		Consumer: "tail-1",
	}
}
