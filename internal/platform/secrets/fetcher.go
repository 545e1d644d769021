// Package secrets resolves secret:// references against Google Secret
// Manager. Resolved values are cached for the process lifetime and a local
// fallback file covers development machines without cloud credentials.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultVersion      = "latest"
	meterName           = "github.com/orderflow/api/internal/platform/secrets"
)

// Overridable in tests to simulate missing cloud credentials.
var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// secretRef is a parsed secret:// reference. Query parameters select a
// specific version or project: secret://stripe_api_key?version=5&project=p.
type secretRef struct {
	Canonical string
	Name      string
	Version   string
	Project   string
}

func parseSecretRef(raw string) (secretRef, error) {
	if strings.TrimSpace(raw) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()
	return secretRef{
		Canonical: canonical.String(),
		Name:      name,
		Version:   strings.TrimSpace(query.Get("version")),
		Project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func versionedKey(canonical, version string) string {
	return canonical + "#" + version
}

type cachedValue struct {
	value     string
	canonical string
	fetchedAt time.Time
	source    string
}

// fallbackFile is the lazily loaded .secrets.local key=value store.
type fallbackFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(ref secretRef, version string, logger *zap.Logger) (string, bool) {
	f.once.Do(f.load)
	if f.err != nil {
		logger.Debug("secrets: fallback load error", zap.Error(f.err))
		return "", false
	}
	if val, ok := f.values[versionedKey(ref.Canonical, version)]; ok {
		return val, true
	}
	val, ok := f.values[ref.Canonical]
	return val, ok
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}

	path := strings.TrimSpace(f.path)
	if path == "" {
		return
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.err = fmt.Errorf("secrets: unable to open fallback file %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = normalizeFallbackKey(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if ref, err := parseSecretRef(key); err == nil {
			version := ref.Version
			if version == "" {
				version = defaultVersion
			}
			f.values[ref.Canonical] = value
			f.values[versionedKey(ref.Canonical, version)] = value
		} else {
			f.values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		f.err = fmt.Errorf("secrets: failed reading %s: %w", path, err)
	}
}

func normalizeFallbackKey(key string) string {
	key = strings.TrimSpace(key)
	// Accept the sm:// spelling some tooling emits.
	if rest, ok := strings.CutPrefix(key, "sm://"); ok {
		return "secret://" + rest
	}
	return key
}

// Fetcher resolves secret references with caching, version pinning, and a
// local fallback file. Safe for concurrent use.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projectByEnv   map[string]string
	versionPins    map[string]string
	fallback       *fallbackFile

	mu       sync.RWMutex
	cache    map[string]cachedValue
	watchers map[string][]chan struct{}

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type fetcherConfig struct {
	logger         *zap.Logger
	env            string
	defaultProject string
	projectByEnv   map[string]string
	fallbackPath   string
	meter          metric.Meter
	client         secretManagerClient
	clientOpts     []option.ClientOption
	versionPins    map[string]string
}

// Option adjusts Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the diagnostics logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment selects the environment key used for per-environment
// project lookup and version pins.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when no environment mapping or
// per-reference override applies.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.defaultProject = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies per-environment project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.projectByEnv = copyStringMap(m) }
}

// WithFallbackFile points at the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter injects an OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a preconfigured client, mainly for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithVersionPins sets version overrides keyed by canonical reference, or by
// "env:reference" for environment-specific pins.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.versionPins = copyStringMap(pins) }
}

// NewFetcher builds a Fetcher. When no client is injected and the Secret
// Manager client cannot be constructed, the fetcher still works in
// fallback-only mode so local development does not need credentials.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		projectByEnv: map[string]string{},
		versionPins:  map[string]string{},
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		logger:         cfg.logger,
		env:            cfg.env,
		defaultProject: cfg.defaultProject,
		projectByEnv:   copyStringMap(cfg.projectByEnv),
		versionPins:    copyStringMap(cfg.versionPins),
		fallback:       &fallbackFile{path: cfg.fallbackPath},
		cache:          make(map[string]cachedValue),
		watchers:       make(map[string][]chan struct{}),
	}

	var err error
	if f.latency, err = meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	); err != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
		f.latency = nil
	}
	if f.cacheHits, err = meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	); err != nil {
		cfg.logger.Warn("secrets: unable to register cache hit metric", zap.Error(err))
		f.cacheHits = nil
	}

	if cfg.client != nil {
		f.client = cfg.client
	} else if client, err := secretManagerClientFactory(ctx, cfg.clientOpts...); err != nil {
		cfg.logger.Warn("secrets: secret manager client unavailable, operating in fallback mode", zap.Error(err))
	} else {
		f.client = client
		f.ownsClient = true
	}

	return f, nil
}

// Close shuts down watchers and the owned client.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	for canonical, watchers := range f.watchers {
		delete(f.watchers, canonical)
		for _, ch := range watchers {
			closeQuietly(ch)
		}
	}
	f.mu.Unlock()

	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the secret value for ref, consulting the cache, Secret
// Manager, and the fallback file in that order. Access and availability
// errors fall through to the fallback file; a missing secret does not.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := parseSecretRef(raw)
	if err != nil {
		return "", err
	}

	version := f.pinnedVersion(ref)
	key := versionedKey(ref.Canonical, version)

	if value, ok := f.cached(key); ok {
		f.countCacheHit(ctx, ref)
		f.observeLatency(ctx, time.Since(start), "cache", nil)
		return value, nil
	}

	if projectID := f.projectFor(ref); projectID != "" && f.client != nil {
		value, fetchErr := f.accessRemote(ctx, projectID, ref.Name, version)
		if fetchErr == nil {
			f.remember(key, value, ref.Canonical, "remote")
			f.observeLatency(ctx, time.Since(start), "remote", nil)
			return value, nil
		}
		if !shouldFallback(fetchErr) {
			f.observeLatency(ctx, time.Since(start), "error", fetchErr)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.Canonical, fetchErr)
		}
		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", ref.Canonical), zap.Error(fetchErr))
	}

	value, ok := f.fallback.lookup(ref, version, f.logger)
	if !ok {
		err := fmt.Errorf("secrets: fallback value not found for %s", ref.Canonical)
		f.observeLatency(ctx, time.Since(start), "error", err)
		return "", err
	}
	f.remember(key, value, ref.Canonical, "fallback")
	f.observeLatency(ctx, time.Since(start), "fallback", nil)
	return value, nil
}

// Invalidate drops cached values for ref and wakes subscribers, e.g. after a
// key rotation.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := parseSecretRef(raw)
	if err != nil {
		return
	}

	f.mu.Lock()
	for key, entry := range f.cache {
		if entry.canonical == ref.Canonical {
			delete(f.cache, key)
		}
	}
	watchers := f.watchers[ref.Canonical]
	f.mu.Unlock()

	for _, ch := range watchers {
		if ch == nil {
			continue
		}
		notifyQuietly(ch)
	}
}

// Subscribe returns a channel that fires when the secret is invalidated and
// a cancel func that removes the subscription.
func (f *Fetcher) Subscribe(raw string) (<-chan struct{}, func()) {
	ref, err := parseSecretRef(raw)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}

	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.watchers[ref.Canonical] = append(f.watchers[ref.Canonical], ch)
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		watchers := f.watchers[ref.Canonical]
		for i, w := range watchers {
			if w == ch {
				watchers = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		if len(watchers) == 0 {
			delete(f.watchers, ref.Canonical)
		} else {
			f.watchers[ref.Canonical] = watchers
		}
	}
	return ch, cancel
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	return entry.value, ok
}

func (f *Fetcher) remember(key, value, canonical, source string) {
	f.mu.Lock()
	f.cache[key] = cachedValue{
		value:     value,
		canonical: canonical,
		fetchedAt: time.Now(),
		source:    source,
	}
	f.mu.Unlock()
}

func (f *Fetcher) accessRemote(ctx context.Context, projectID, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resource)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) projectFor(ref secretRef) string {
	if ref.Project != "" {
		return ref.Project
	}
	if id := strings.TrimSpace(f.projectByEnv[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.defaultProject)
}

func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.Version != "" {
		return ref.Version
	}
	if f.env != "" {
		if pin := strings.TrimSpace(f.versionPins[f.env+":"+ref.Canonical]); pin != "" {
			return pin
		}
	}
	if pin := strings.TrimSpace(f.versionPins[ref.Canonical]); pin != "" {
		return pin
	}
	return defaultVersion
}

func (f *Fetcher) observeLatency(ctx context.Context, d time.Duration, source string, err error) {
	if f.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	f.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (f *Fetcher) countCacheHit(ctx context.Context, ref secretRef) {
	if f.cacheHits == nil {
		return
	}
	f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskRef(ref.Canonical))))
}

// shouldFallback reports whether the remote error warrants trying the local
// file. A missing secret is a real failure and must surface.
func shouldFallback(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func notifyQuietly(ch chan struct{}) {
	defer func() { _ = recover() }()
	select {
	case ch <- struct{}{}:
	default:
	}
}

func closeQuietly(ch chan struct{}) {
	defer func() { _ = recover() }()
	close(ch)
}

func copyStringMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func maskRef(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}
