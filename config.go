package inspector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// DefaultEventQueueName names the queue used when none is configured.
const DefaultEventQueueName = "inspector-56027e94-events"

// envPrefix is prepended to every environment variable, for example
// INSPECTOR_EVENT_QUEUE_NAME.
const envPrefix = "inspector"

// Config selects and tunes the queue behind a Writer, Source or Reader.
// It is passed to every constructor explicitly.
type Config struct {
	// EventQueueName identifies the backing resource.
	EventQueueName string `envconfig:"EVENT_QUEUE_NAME" toml:"event_queue_name"`

	// RemoveOnExit deletes the backing resource once the last handle
	// configured with it is closed.
	RemoveOnExit bool `envconfig:"REMOVE_ON_EXIT" toml:"remove_on_exit"`

	// MaxReadAttempt bounds the consecutive empty reads of one Reader.Next.
	MaxReadAttempt int `envconfig:"MAX_READ_ATTEMPT" toml:"max_read_attempt"`

	// PollingInterval is the sleep between empty reads.
	PollingInterval time.Duration `envconfig:"POLLING_INTERVAL" toml:"polling_interval"`

	// WriteTimeout bounds how long a handle waits for the queue lock.
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" toml:"write_timeout"`

	// Capacity is the maximum number of pending bytes in the queue.
	Capacity int64 `envconfig:"QUEUE_CAPACITY" toml:"capacity"`

	// Dir holds file backed queues.
	Dir string `envconfig:"QUEUE_DIR" toml:"dir"`

	// DisableTracing turns every producer call into a no-op.
	DisableTracing bool `envconfig:"DISABLE_TRACING" toml:"disable_tracing"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		EventQueueName:  DefaultEventQueueName,
		MaxReadAttempt:  32,
		PollingInterval: 10 * time.Millisecond,
		WriteTimeout:    time.Second,
		Capacity:        64 << 20,
		Dir:             filepath.Join(os.TempDir(), "inspector"),
	}
}

// LoadConfig returns DefaultConfig overridden by INSPECTOR_* environment
// variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("inspector: load config from environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadConfigFile reads a TOML file over DefaultConfig and then applies the
// environment on top of it.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("inspector: load config %s: %w", path, err)
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("inspector: load config from environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// QueueName returns EventQueueName without the optional leading slash
// used by POSIX named resources.
func (c Config) QueueName() string {
	return strings.TrimPrefix(c.EventQueueName, "/")
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	name := c.QueueName()
	switch {
	case name == "":
		errs = append(errs, errors.New("event queue name is empty"))
	case name == "." || name == "..", strings.ContainsAny(name, `/\`):
		errs = append(errs, fmt.Errorf("event queue name %q is not a plain name", c.EventQueueName))
	}
	if c.MaxReadAttempt <= 0 {
		errs = append(errs, fmt.Errorf("max read attempt must be positive, got %d", c.MaxReadAttempt))
	}
	if c.PollingInterval < 0 {
		errs = append(errs, fmt.Errorf("polling interval must not be negative, got %s", c.PollingInterval))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("write timeout must not be negative, got %s", c.WriteTimeout))
	}
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity must be positive, got %d", c.Capacity))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("inspector: invalid config: %w", err)
	}
	return nil
}
