package conf

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/ardnew/softhub/host/hub"
	"github.com/ardnew/softhub/pkg"
)

// Section names.
const (
	SectionTiming   = "timing"
	SectionLimits   = "limits"
	SectionFeatures = "features"
	SectionLogging  = "logging"
)

// Settings is the result of loading a configuration file.
type Settings struct {
	Hub       hub.Config
	LogLevel  slog.Level
	LogFormat pkg.LogFormat
}

// Default returns the settings used when no file is present.
func Default() Settings {
	return Settings{
		Hub:       hub.DefaultConfig(),
		LogLevel:  slog.LevelWarn,
		LogFormat: pkg.LogFormatText,
	}
}

// Apply installs the logging settings.
func (s Settings) Apply() {
	pkg.SetLogFormat(s.LogFormat)
	pkg.SetLogLevel(s.LogLevel)
}

// Load reads the INI file at path over the defaults. A missing file is not an
// error.
func Load(path string) (Settings, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		pkg.LogDebug(pkg.ComponentConfig, "no configuration file", "path", path)
		return Default(), nil
	}
	file, err := ini.Load(path)
	if err != nil {
		return Default(), fmt.Errorf("%s: %w", path, err)
	}
	s, err := decode(file)
	if err != nil {
		return Default(), fmt.Errorf("%s: %w", path, err)
	}
	pkg.LogInfo(pkg.ComponentConfig, "configuration loaded", "path", path)
	return s, nil
}

// Parse reads settings from INI text.
func Parse(data []byte) (Settings, error) {
	file, err := ini.Load(data)
	if err != nil {
		return Default(), err
	}
	return decode(file)
}

// binding ties one key to the field it sets.
type binding struct {
	key string
	set func(*ini.Key) error
}

func duration(dst *time.Duration) func(*ini.Key) error {
	return func(k *ini.Key) error {
		d, err := k.Duration()
		if err != nil {
			return err
		}
		if d < 0 {
			return fmt.Errorf("%w: negative duration %v", pkg.ErrInvalidParameter, d)
		}
		*dst = d
		return nil
	}
}

func positive(dst *int) func(*ini.Key) error {
	return func(k *ini.Key) error {
		n, err := k.Int()
		if err != nil {
			return err
		}
		if n < 1 {
			return fmt.Errorf("%w: %d is not positive", pkg.ErrInvalidParameter, n)
		}
		*dst = n
		return nil
	}
}

func boolean(dst *bool) func(*ini.Key) error {
	return func(k *ini.Key) error {
		b, err := k.Bool()
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func bindings(s *Settings) map[string][]binding {
	t := &s.Hub.Timing
	c := &s.Hub
	return map[string][]binding{
		SectionTiming: {
			{"debounce", duration(&t.DebounceTime)},
			{"debounce-step", duration(&t.DebounceStep)},
			{"port-change-wait", duration(&t.PortChangeWait)},
			{"reset-short-delay", duration(&t.ResetShortDelay)},
			{"reset-long-delay", duration(&t.ResetLongDelay)},
			{"control-timeout", duration(&t.ControlTimeout)},
			{"power-settle-unit", duration(&t.PowerSettleUnit)},
		},
		SectionLimits: {
			{"max-debounce-errors", positive(&c.MaxDebounceErrors)},
			{"reset-tries", positive(&c.ResetTries)},
			{"reset-polls", positive(&c.ResetPolls)},
			{"enum-retries", positive(&c.EnumRetries)},
			{"max-hub-chain", positive(&c.MaxHubChain)},
			{"error-threshold", positive(&c.ErrorThreshold)},
			{"queue-depth", positive(&c.QueueDepth)},
			{"max-hubs", positive(&c.MaxHubs)},
		},
		SectionFeatures: {
			{"superspeed", boolean(&c.SuperSpeed)},
		},
		SectionLogging: {
			{"level", func(k *ini.Key) (err error) {
				s.LogLevel, err = pkg.ParseLogLevel(k.String())
				return err
			}},
			{"format", func(k *ini.Key) (err error) {
				s.LogFormat, err = pkg.ParseLogFormat(k.String())
				return err
			}},
		},
	}
}

// decode applies every key of file to the defaults. Unknown sections and
// keys are rejected so that typos do not go unnoticed.
func decode(file *ini.File) (Settings, error) {
	s := Default()
	table := bindings(&s)

	for _, section := range file.Sections() {
		name := strings.ToLower(section.Name())
		keys := section.Keys()
		if name == strings.ToLower(ini.DefaultSection) {
			if len(keys) > 0 {
				return Default(), fmt.Errorf("%w: key %q outside a section", pkg.ErrInvalidParameter, keys[0].Name())
			}
			continue
		}
		known, ok := table[name]
		if !ok {
			return Default(), fmt.Errorf("%w: unknown section [%s]", pkg.ErrInvalidParameter, section.Name())
		}
	keys:
		for _, key := range keys {
			for _, b := range known {
				if strings.EqualFold(b.key, key.Name()) {
					if err := b.set(key); err != nil {
						return Default(), fmt.Errorf("%s.%s: %w", name, b.key, err)
					}
					continue keys
				}
			}
			return Default(), fmt.Errorf("%w: unknown key %s.%s", pkg.ErrInvalidParameter, name, key.Name())
		}
	}

	if err := s.Hub.Validate(); err != nil {
		return Default(), err
	}
	return s, nil
}
