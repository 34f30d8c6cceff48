package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"gwi.com/form-insights/internal/logging"
)

// Global setting keys.
const (
	KeyEnabled          = "enabled"
	KeyModel            = "model"
	KeyMaxTokens        = "max_tokens"
	KeyTemperature      = "temperature"
	KeyRateLimitSeconds = "rate_limit_seconds"
	KeyLoggingEnabled   = "logging_enabled"
	KeyLogRetentionDays = "log_retention_days"
	KeyDefaultPrompt    = "default_prompt_template"
	KeyProvider         = "provider"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// MaxTokensLimit is the largest max_tokens accepted by any supported provider.
const MaxTokensLimit = 128000

const DefaultPromptTemplate = "Analyze this form submission and provide insights about the submitter. " +
	"Search for relevant information about the person or company if available. " +
	"Focus on professional background, company details, and potential business needs."

// Defaults is the configuration in effect before anything has been saved.
var Defaults = Global{
	Enabled:          false,
	Model:            "claude-3-5-haiku-20241022",
	MaxTokens:        1000,
	Temperature:      0.7,
	RateLimit:        2 * time.Second,
	LoggingEnabled:   true,
	LogRetentionDays: 30,
	DefaultPrompt:    DefaultPromptTemplate,
	Provider:         ProviderAnthropic,
}

func EnabledOverrideKey(formID int64) string { return fmt.Sprintf("enabled_override:%d", formID) }
func FieldMappingKey(formID int64) string    { return fmt.Sprintf("field_mapping:%d", formID) }
func PromptOverrideKey(formID int64) string  { return fmt.Sprintf("prompt_override:%d", formID) }

// Store is the persistent key-value backing for settings.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

type Global struct {
	Enabled          bool          `json:"enabled"`
	Model            string        `json:"model"`
	MaxTokens        int           `json:"max_tokens"`
	Temperature      float64       `json:"temperature"`
	RateLimit        time.Duration `json:"-"`
	LoggingEnabled   bool          `json:"logging_enabled"`
	LogRetentionDays int           `json:"log_retention_days"`
	DefaultPrompt    string        `json:"default_prompt_template"`
	Provider         string        `json:"provider"`
}

// OptionalBool distinguishes an unset override from an explicit false.
type OptionalBool struct {
	Value bool
	Set   bool
}

func Some(v bool) OptionalBool { return OptionalBool{Value: v, Set: true} }

// Or returns the override when set and fallback otherwise.
func (o OptionalBool) Or(fallback bool) bool {
	if o.Set {
		return o.Value
	}
	return fallback
}

func (o OptionalBool) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

func (o *OptionalBool) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = OptionalBool{}
		return nil
	}
	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// FormOverrides holds the per-form settings. Zero values mean "inherit".
type FormOverrides struct {
	Enabled  OptionalBool `json:"enabled"`
	FieldIDs []int        `json:"field_ids"`
	Prompt   string       `json:"prompt"`
}

// ChangeDetector is implemented by stores that can tell when another process
// has written to them. The returned version changes after such a write.
type ChangeDetector interface {
	DataVersion(ctx context.Context) (int64, error)
}

type cached struct {
	value string
	ok    bool
}

// Service reads and writes typed settings through a read-through cache. When
// the store is a ChangeDetector the cache is dropped as soon as another
// process writes to it, so every read reflects the stored state.
type Service struct {
	store Store
	cache *cache.Cache
	log   *logrus.Entry

	mu          sync.Mutex
	version     int64
	versionSeen bool
}

func NewService(store Store, ttl time.Duration) *Service {
	return &Service{
		store: store,
		cache: cache.New(ttl, 2*ttl),
		log:   logging.Component("settings"),
	}
}

// Get returns the raw value for key and whether it is present.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	s.syncExternalWrites(ctx)
	if hit, found := s.cache.Get(key); found {
		c := hit.(cached)
		return c.value, c.ok, nil
	}
	value, ok, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return "", false, err
	}
	s.cache.SetDefault(key, cached{value: value, ok: ok})
	return value, ok, nil
}

// syncExternalWrites flushes the cache when the store reports a write made
// outside this service. A failed check also flushes.
func (s *Service) syncExternalWrites(ctx context.Context) {
	detector, ok := s.store.(ChangeDetector)
	if !ok {
		return
	}
	v, err := detector.DataVersion(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.log.WithError(err).Warn("Failed to check for external settings changes")
		s.cache.Flush()
		s.versionSeen = false
		return
	}
	if !s.versionSeen || v != s.version {
		if s.versionSeen {
			s.log.Debug("Settings changed by another process, dropping cache")
		}
		s.cache.Flush()
	}
	s.version = v
	s.versionSeen = true
}

func (s *Service) Set(ctx context.Context, key, value string) error {
	s.cache.Delete(key)
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	s.cache.SetDefault(key, cached{value: value, ok: true})
	return nil
}

func (s *Service) Delete(ctx context.Context, key string) error {
	s.cache.Delete(key)
	if err := s.store.DeleteSetting(ctx, key); err != nil {
		return err
	}
	s.cache.SetDefault(key, cached{})
	return nil
}

// Global resolves every global key, falling back to Defaults for absent or
// unparsable values.
func (s *Service) Global(ctx context.Context) (Global, error) {
	g := Defaults
	var err error
	if g.Enabled, err = s.boolean(ctx, KeyEnabled, Defaults.Enabled); err != nil {
		return g, err
	}
	if g.Model, err = s.text(ctx, KeyModel, Defaults.Model); err != nil {
		return g, err
	}
	if g.MaxTokens, err = s.integer(ctx, KeyMaxTokens, Defaults.MaxTokens); err != nil {
		return g, err
	}
	if g.MaxTokens <= 0 || g.MaxTokens > MaxTokensLimit {
		s.log.WithField("key", KeyMaxTokens).Warnf("max_tokens %d out of range, using default", g.MaxTokens)
		g.MaxTokens = Defaults.MaxTokens
	}
	if g.Temperature, err = s.float(ctx, KeyTemperature, Defaults.Temperature); err != nil {
		return g, err
	}
	seconds, err := s.integer(ctx, KeyRateLimitSeconds, int(Defaults.RateLimit/time.Second))
	if err != nil {
		return g, err
	}
	g.RateLimit = time.Duration(seconds) * time.Second
	if g.LoggingEnabled, err = s.boolean(ctx, KeyLoggingEnabled, Defaults.LoggingEnabled); err != nil {
		return g, err
	}
	if g.LogRetentionDays, err = s.integer(ctx, KeyLogRetentionDays, Defaults.LogRetentionDays); err != nil {
		return g, err
	}
	if g.DefaultPrompt, err = s.text(ctx, KeyDefaultPrompt, Defaults.DefaultPrompt); err != nil {
		return g, err
	}
	if g.Provider, err = s.text(ctx, KeyProvider, Defaults.Provider); err != nil {
		return g, err
	}
	return g, nil
}

// SaveGlobal writes every global key.
func (s *Service) SaveGlobal(ctx context.Context, g Global) error {
	values := map[string]string{
		KeyEnabled:          formatBool(g.Enabled),
		KeyModel:            g.Model,
		KeyMaxTokens:        strconv.Itoa(g.MaxTokens),
		KeyTemperature:      strconv.FormatFloat(g.Temperature, 'f', -1, 64),
		KeyRateLimitSeconds: strconv.Itoa(int(g.RateLimit / time.Second)),
		KeyLoggingEnabled:   formatBool(g.LoggingEnabled),
		KeyLogRetentionDays: strconv.Itoa(g.LogRetentionDays),
		KeyDefaultPrompt:    g.DefaultPrompt,
		KeyProvider:         g.Provider,
	}
	for key, value := range values {
		if err := s.Set(ctx, key, value); err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
	}
	return nil
}

// ApplyDefaults stores the default for every global key that has never been set.
func (s *Service) ApplyDefaults(ctx context.Context) error {
	defaults := map[string]string{
		KeyEnabled:          formatBool(Defaults.Enabled),
		KeyModel:            Defaults.Model,
		KeyMaxTokens:        strconv.Itoa(Defaults.MaxTokens),
		KeyTemperature:      strconv.FormatFloat(Defaults.Temperature, 'f', -1, 64),
		KeyRateLimitSeconds: strconv.Itoa(int(Defaults.RateLimit / time.Second)),
		KeyLoggingEnabled:   formatBool(Defaults.LoggingEnabled),
		KeyLogRetentionDays: strconv.Itoa(Defaults.LogRetentionDays),
		KeyDefaultPrompt:    Defaults.DefaultPrompt,
	}
	for key, value := range defaults {
		_, ok, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := s.Set(ctx, key, value); err != nil {
			return fmt.Errorf("failed to apply default %s: %w", key, err)
		}
	}
	return nil
}

// FormOverrides loads the per-form settings of formID.
func (s *Service) FormOverrides(ctx context.Context, formID int64) (FormOverrides, error) {
	var o FormOverrides

	raw, ok, err := s.Get(ctx, EnabledOverrideKey(formID))
	if err != nil {
		return o, err
	}
	if ok {
		o.Enabled = Some(parseBool(raw))
	}

	raw, ok, err = s.Get(ctx, FieldMappingKey(formID))
	if err != nil {
		return o, err
	}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &o.FieldIDs); err != nil {
			s.log.WithField("form_id", formID).Warnf("Ignoring malformed field mapping: %v", err)
			o.FieldIDs = nil
		}
	}

	if o.Prompt, _, err = s.Get(ctx, PromptOverrideKey(formID)); err != nil {
		return o, err
	}
	return o, nil
}

// SaveFormOverrides stores o for formID. An unset enabled flag, an empty
// mapping or an empty prompt removes the corresponding key.
func (s *Service) SaveFormOverrides(ctx context.Context, formID int64, o FormOverrides) error {
	if o.Enabled.Set {
		if err := s.Set(ctx, EnabledOverrideKey(formID), formatBool(o.Enabled.Value)); err != nil {
			return err
		}
	} else if err := s.Delete(ctx, EnabledOverrideKey(formID)); err != nil {
		return err
	}

	if len(o.FieldIDs) > 0 {
		raw, err := json.Marshal(o.FieldIDs)
		if err != nil {
			return fmt.Errorf("failed to encode field mapping: %w", err)
		}
		if err := s.Set(ctx, FieldMappingKey(formID), string(raw)); err != nil {
			return err
		}
	} else if err := s.Delete(ctx, FieldMappingKey(formID)); err != nil {
		return err
	}

	if strings.TrimSpace(o.Prompt) != "" {
		return s.Set(ctx, PromptOverrideKey(formID), o.Prompt)
	}
	return s.Delete(ctx, PromptOverrideKey(formID))
}

// PurgeAll deletes every stored setting, including the credential.
func (s *Service) PurgeAll(ctx context.Context) error {
	all, err := s.store.ListSettings(ctx)
	if err != nil {
		return err
	}
	for key := range all {
		if err := s.store.DeleteSetting(ctx, key); err != nil {
			return fmt.Errorf("failed to purge %s: %w", key, err)
		}
	}
	s.cache.Flush()
	s.log.WithField("count", len(all)).Info("Purged settings")
	return nil
}

func (s *Service) text(ctx context.Context, key, fallback string) (string, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return fallback, err
	}
	return raw, nil
}

func (s *Service) boolean(ctx context.Context, key string, fallback bool) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return fallback, err
	}
	return parseBool(raw), nil
}

func (s *Service) integer(ctx context.Context, key string, fallback int) (int, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return fallback, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(raw))
	if convErr != nil {
		s.log.WithField("key", key).Warnf("Invalid integer %q, using default", raw)
		return fallback, nil
	}
	return n, nil
}

func (s *Service) float(ctx context.Context, key string, fallback float64) (float64, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return fallback, err
	}
	f, convErr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if convErr != nil {
		s.log.WithField("key", key).Warnf("Invalid number %q, using default", raw)
		return fallback, nil
	}
	return f, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
