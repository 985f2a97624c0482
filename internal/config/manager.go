package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	logx "courtbot/pkg/logx"
)

// ErrMissingEnv is returned when an "env:NAME" reference names an unset variable.
var ErrMissingEnv = errors.New("environment variable not set")

// Manager holds the committed config and hands reloaded versions to
// subscribers.
type Manager struct {
	path      string
	lookupEnv func(string) (string, bool)
	debounce  time.Duration

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	smu  sync.Mutex
	subs map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:      path,
		lookupEnv: os.LookupEnv,
		debounce:  250 * time.Millisecond,
		log:       logx.Nop(),
		subs:      map[chan *Config]struct{}{},
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check a reloaded file must pass before it is
// committed. The initial Load does not run it.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.validate = fn }

// Load parses the file and commits it.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

// Parse reads the file without committing it. YAML and JSON are both decoded
// strictly: unknown keys, trailing documents and unresolvable env:
// references fail.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	doc, err := toJSON(m.path, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}

	cfg := new(Config)
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		return nil, fmt.Errorf("%s: unexpected data after config", m.path)
	}
	if err := m.resolveSecrets(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	h := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// secretFields lists the values that may be written as "env:NAME". Tokens of
// disabled senders are left as written.
func secretFields(cfg *Config) map[string]*string {
	out := map[string]*string{
		"storage.dsn":         &cfg.Storage.DSN,
		"storage.secrets_key": &cfg.Storage.SecretsKey,
		"api.token_hash":      &cfg.API.TokenHash,
	}
	if cfg.Redis != nil {
		out["redis.password"] = &cfg.Redis.Password
	}
	if n := cfg.Notifier; n != nil {
		if n.Ntfy.Enabled {
			out["notifier.ntfy.token"] = &n.Ntfy.Token
		}
		if n.Telegram.Enabled {
			out["notifier.telegram.token"] = &n.Telegram.Token
		}
	}
	return out
}

func (m *Manager) resolveSecrets(cfg *Config) error {
	for field, p := range secretFields(cfg) {
		v, err := ResolveEnv(*p, m.lookupEnv)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*p = v
	}
	return nil
}

// ResolveEnv expands a single "env:NAME" reference. Other values pass through.
func ResolveEnv(raw string, lookup func(string) (string, bool)) (string, error) {
	name, ok := strings.CutPrefix(strings.TrimSpace(raw), "env:")
	if !ok {
		return raw, nil
	}
	if name = strings.TrimSpace(name); name == "" {
		return "", errors.New("empty env reference")
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, found := lookup(name)
	if !found {
		return "", fmt.Errorf("%s: %w", name, ErrMissingEnv)
	}
	return v, nil
}

// Subscribe returns a channel that receives every committed reload. A slow
// subscriber only ever misses superseded versions.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.smu.Lock()
	m.subs[ch] = struct{}{}
	m.smu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.smu.Lock()
	defer m.smu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) broadcast(cfg *Config) {
	m.smu.Lock()
	defer m.smu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: discard the oldest pending version and try again.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload re-reads the file and, when it changed and passes validation,
// commits and broadcasts it.
func (m *Manager) reload(ctx context.Context) bool {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload failed", logx.Err(err))
		return false
	}
	h := fingerprint(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return false
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected", logx.Err(err))
			return false
		}
	}
	m.commit(cfg)
	m.broadcast(cfg)
	m.log.Debug("config reload committed", logx.String("hash", fmt.Sprintf("%016x", h)))
	return true
}
