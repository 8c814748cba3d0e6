package build

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// LogConfig configures the log sinks.
type LogConfig struct {
	// Console receives every record. Nil disables console output.
	Console io.Writer

	// Level is the initial level spec. See ParseLevelSpec.
	Level string

	// Rotator enables the log file when its Dir is set.
	Rotator RotatorConfig
}

// ParseLevelSpec parses a level spec such as "info" or
// "info,IDX=debug,MDB=trace". The bare level applies to every subsystem;
// SUB=level entries override it for one subsystem. The global level is
// None when the spec only names subsystems.
func ParseLevelSpec(spec string) (fn.Option[btclog.Level],
	map[string]btclog.Level, error) {

	global := fn.None[btclog.Level]()
	subsystems := make(map[string]btclog.Level)

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		sub, name, ok := strings.Cut(part, "=")
		if !ok {
			level, ok := btclog.LevelFromString(part)
			if !ok {
				return global, nil, fmt.Errorf("unknown log "+
					"level %q", part)
			}
			if global.IsSome() {
				return global, nil, fmt.Errorf("log level "+
					"spec %q sets the global level twice",
					spec)
			}
			global = fn.Some(level)

			continue
		}

		level, ok := btclog.LevelFromString(name)
		if !ok || sub == "" {
			return global, nil, fmt.Errorf("invalid log level "+
				"entry %q", part)
		}
		subsystems[strings.ToUpper(sub)] = level
	}

	if global.IsNone() && len(subsystems) == 0 {
		return global, nil, fmt.Errorf("empty log level spec")
	}

	return global, subsystems, nil
}

// LogManager owns the log sinks and hands out subsystem loggers that share
// them.
type LogManager struct {
	handlers *HandlerSet
	file     *RotatingLogWriter

	mu sync.Mutex

	// subsystems holds the handler derived for each subsystem so level
	// changes reach loggers that were already handed out.
	subsystems map[string]btclogv2.Handler

	// overrides are per-subsystem levels, applied to subsystems created
	// later as well.
	overrides map[string]btclog.Level
}

// NewLogManager opens the configured sinks.
func NewLogManager(cfg LogConfig) (*LogManager, error) {
	if _, _, err := ParseLevelSpec(cfg.Level); err != nil {
		return nil, err
	}

	m := &LogManager{
		subsystems: make(map[string]btclogv2.Handler),
		overrides:  make(map[string]btclog.Level),
	}

	var handlers []btclogv2.Handler
	if cfg.Console != nil {
		handlers = append(handlers, btclogv2.NewDefaultHandler(
			cfg.Console,
		))
	}

	if cfg.Rotator.Dir != "" {
		file, err := NewRotatingLogWriter(cfg.Rotator)
		if err != nil {
			return nil, err
		}
		m.file = file

		handlers = append(handlers, btclogv2.NewDefaultHandler(file))
	}

	m.handlers = NewHandlerSet(handlers...)
	if err := m.SetLevel(cfg.Level); err != nil {
		return nil, err
	}

	return m, nil
}

// Logger returns a logger tagged with subsystem.
func (m *LogManager) Logger(subsystem string) btclogv2.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.subsystems[subsystem]
	if !ok {
		h = m.handlers.SubSystem(subsystem)
		if level, ok := m.overrides[subsystem]; ok {
			h.SetLevel(level)
		}
		m.subsystems[subsystem] = h
	}

	return btclogv2.NewSLogger(h)
}

// SetLevel applies a level spec to the loggers handed out so far and to
// those created later.
func (m *LogManager) SetLevel(spec string) error {
	global, subsystems, err := ParseLevelSpec(spec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	global.WhenSome(func(level btclog.Level) {
		m.handlers.SetLevel(level)
		clear(m.overrides)

		for _, h := range m.subsystems {
			h.SetLevel(level)
		}
	})

	for sub, level := range subsystems {
		m.overrides[sub] = level
		if h, ok := m.subsystems[sub]; ok {
			h.SetLevel(level)
		}
	}

	return nil
}

// Close flushes and closes the log file.
func (m *LogManager) Close() error {
	if m.file == nil {
		return nil
	}

	return m.file.Close()
}
