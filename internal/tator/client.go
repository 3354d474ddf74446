package tator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/trackfill/internal/annotation"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/httpclient"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/observability/metrics"
	"github.com/tphakala/trackfill/internal/privacy"
)

const componentName = "tator"

const (
	resourceLocalizations = "localizations"
	resourceStates        = "states"
)

// Client talks to the annotation service. List results are cached per
// (project, media, type) until a Refresh names their category.
type Client struct {
	config  Config
	http    *httpclient.Client
	cache   *cache.Cache
	log     logger.Logger
	metrics *metrics.TatorMetrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the module logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records request and cache metrics.
func WithMetrics(m *metrics.TatorMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// cachedList is what the list cache stores. categories lists every type
// identifier present in value, so a refresh can find the entries it affects.
type cachedList struct {
	categories []string
	value      any
}

// NewClient creates a client for cfg.Host. A missing host or token is a
// configuration error.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.Newf("tator host is required").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Token == "" {
		return nil, errors.Newf("tator API token is required").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("host", privacy.RedactURL(cfg.Host)).
			Build()
	}

	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")

	c := &Client{
		config: cfg,
		http: httpclient.New(&httpclient.Config{
			DefaultTimeout:    cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			Transport:         cfg.Transport,
			Headers: map[string]string{
				"Authorization": "Token " + cfg.Token,
				"Accept":        "application/json",
			},
		}),
		cache: cache.New(cfg.CacheTTL, cfg.CacheTTL*2),
		log:   logger.Global().Module(componentName),
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log.Info("tator client initialized",
		logger.String("host", privacy.RedactURL(cfg.Host)),
		logger.Duration("cache_ttl", cfg.CacheTTL),
		logger.Int("max_retries", cfg.MaxRetries))
	return c, nil
}

// GetMedia fetches media metadata.
func (c *Client) GetMedia(ctx context.Context, mediaID int64) (*Media, error) {
	var media Media
	path := fmt.Sprintf("/rest/Media/%d", mediaID)
	if err := c.get(ctx, metrics.OpGetMedia, path, &media); err != nil {
		return nil, err
	}
	return &media, nil
}

// GetLocalization fetches a single localization.
func (c *Client) GetLocalization(ctx context.Context, id int64) (annotation.Annotation, error) {
	var wire localizationWire
	path := fmt.Sprintf("/rest/Localization/%d", id)
	if err := c.get(ctx, metrics.OpGetLoc, path, &wire); err != nil {
		return annotation.Annotation{}, err
	}
	return wire.toAnnotation(), nil
}

// ListLocalizations returns the localizations of media with the given type
// identifier, in server order. An empty typeID lists every type.
func (c *Client) ListLocalizations(ctx context.Context, project, mediaID int64, typeID string) ([]annotation.Annotation, error) {
	key := fmt.Sprintf("%s:%d:%d:%s", resourceLocalizations, project, mediaID, typeID)
	if cached, ok := c.lookup(key, resourceLocalizations); ok {
		return slices.Clone(cached.([]annotation.Annotation)), nil
	}

	query := url.Values{}
	query.Set("media_id", strconv.FormatInt(mediaID, 10))
	// The server filters by numeric type; a non-standard identifier is filtered here.
	numeric := -1
	if typeID != "" {
		if n, err := annotation.ParseTypeID(typeID); err == nil {
			numeric = n
			query.Set("type", strconv.Itoa(n))
		}
	}

	var wire []localizationWire
	path := fmt.Sprintf("/rest/Localizations/%d?%s", project, query.Encode())
	if err := c.get(ctx, metrics.OpListLocs, path, &wire); err != nil {
		return nil, err
	}

	out := make([]annotation.Annotation, 0, len(wire))
	categories := make([]string, 0, 1)
	for i := range wire {
		a := wire[i].toAnnotation()
		if typeID != "" && numeric < 0 && a.Type != typeID {
			continue
		}
		out = append(out, a)
		if !slices.Contains(categories, a.Type) {
			categories = append(categories, a.Type)
		}
	}
	if typeID != "" && !slices.Contains(categories, typeID) {
		categories = append(categories, typeID)
	}

	c.cache.Set(key, cachedList{categories: categories, value: out}, cache.DefaultExpiration)
	return slices.Clone(out), nil
}

// ListStates returns the states (tracks) attached to media.
func (c *Client) ListStates(ctx context.Context, project, mediaID int64) ([]annotation.Track, error) {
	key := fmt.Sprintf("%s:%d:%d", resourceStates, project, mediaID)
	if cached, ok := c.lookup(key, resourceStates); ok {
		return slices.Clone(cached.([]annotation.Track)), nil
	}

	var wire []stateWire
	path := fmt.Sprintf("/rest/States/%d?media_id=%d", project, mediaID)
	if err := c.get(ctx, metrics.OpListStates, path, &wire); err != nil {
		return nil, err
	}

	out := make([]annotation.Track, 0, len(wire))
	var categories []string
	for i := range wire {
		t := wire[i].toTrack()
		out = append(out, t)
		if !slices.Contains(categories, t.Type) {
			categories = append(categories, t.Type)
		}
	}

	c.cache.Set(key, cachedList{categories: categories, value: out}, cache.DefaultExpiration)
	return slices.Clone(out), nil
}

// CreateLocalizations creates drafts in one request and returns the new ids
// in request order. The request is never retried.
func (c *Client) CreateLocalizations(ctx context.Context, project int64, drafts []annotation.Draft) ([]int64, error) {
	if len(drafts) == 0 {
		return nil, nil
	}

	var resp createResponse
	path := fmt.Sprintf("/rest/Localizations/%d", project)
	if err := c.call(ctx, metrics.OpCreate, http.MethodPost, path, drafts, &resp, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}

	c.log.Debug("localizations created",
		logger.Int64("project_id", project),
		logger.Int("count", len(resp.ID)),
		logger.String("message", resp.Message))
	return resp.ID, nil
}

// AppendToTrack adds ids to the state's localization set.
func (c *Client) AppendToTrack(ctx context.Context, trackID int64, ids []int64) error {
	path := fmt.Sprintf("/rest/State/%d", trackID)
	if err := c.call(ctx, metrics.OpAppend, http.MethodPatch, path, appendRequest{LocalizationIDsAdd: ids}, nil); err != nil {
		return err
	}
	c.log.Debug("localizations appended to state",
		logger.Int64("state_id", trackID),
		logger.Int("count", len(ids)))
	return nil
}

// Refresh drops every cached list that contains category, so the next read
// goes to the server.
func (c *Client) Refresh(_ context.Context, category string) error {
	dropped := 0
	for key, item := range c.cache.Items() {
		entry, ok := item.Object.(cachedList)
		if !ok || slices.Contains(entry.categories, category) {
			c.cache.Delete(key)
			dropped++
		}
	}
	c.metrics.RecordInvalidations(dropped)
	c.log.Debug("cache refreshed",
		logger.String("category", category),
		logger.Int("dropped", dropped))
	return nil
}

// ClearCache drops every cached list.
func (c *Client) ClearCache() {
	c.cache.Flush()
	c.log.Info("cache cleared")
}

// CacheStats reports the number of cached lists.
func (c *Client) CacheStats() map[string]any {
	return map[string]any{
		"items":   c.cache.ItemCount(),
		"ttl":     c.config.CacheTTL.String(),
		"host":    c.config.Host,
		"retries": c.config.MaxRetries,
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.Close()
}

func (c *Client) lookup(key, resource string) (any, bool) {
	item, found := c.cache.Get(key)
	c.metrics.RecordCacheLookup(resource, found)
	if !found {
		c.log.Debug("cache miss", logger.String("key", key))
		return nil, false
	}
	c.log.Debug("cache hit", logger.String("key", key))
	return item.(cachedList).value, true
}

// get performs an idempotent GET, retrying transient failures with a linear
// backoff.
func (c *Client) get(ctx context.Context, op, path string, out any) error {
	var lastErr error
	for attempt := range c.config.MaxRetries {
		if attempt > 0 {
			delay := c.config.RetryBackoff * time.Duration(attempt)
			c.log.Debug("retrying request",
				logger.String("operation", op),
				logger.Int("attempt", attempt+1),
				logger.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return c.wrapContextErr(op, path, err)
			}
		}

		lastErr = c.call(ctx, op, http.MethodGet, path, nil, out)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// call performs one request and converts failures to enhanced errors.
func (c *Client) call(ctx context.Context, op, method, path string, body, out any, accept ...int) error {
	start := time.Now()
	err := c.http.DoJSON(ctx, method, c.config.Host+path, body, out, accept...)
	elapsed := time.Since(start)

	c.metrics.RecordDuration(op, elapsed.Seconds())
	if err == nil {
		c.metrics.RecordOperation(op, metrics.StatusSuccess)
		return nil
	}
	c.metrics.RecordOperation(op, metrics.StatusError)

	enhanced := c.classify(ctx, op, method, path, err, elapsed)
	c.metrics.RecordError(op, string(enhanced.Category))
	c.log.Warn("request failed",
		logger.String("operation", op),
		logger.String("method", method),
		logger.String("path", path),
		logger.Duration("elapsed", elapsed),
		logger.Error(err))
	return enhanced
}

func (c *Client) classify(ctx context.Context, op, method, path string, err error, elapsed time.Duration) *errors.EnhancedError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return c.wrapContextErr(op, path, err)
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return errors.New(err).
			Component(componentName).
			Category(getErrorCategory(statusErr.StatusCode)).
			Context("operation", op).
			Context("method", method).
			Context("path", path).
			Context("status_code", statusErr.StatusCode).
			Context("response_body", statusErr.Body).
			Timing(op, elapsed).
			Build()
	}

	var decodeErr *httpclient.DecodeError
	if errors.As(err, &decodeErr) {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryHTTP).
			Context("operation", op).
			Context("path", path).
			Build()
	}

	return errors.New(err).
		Component(componentName).
		Category(errors.CategoryNetwork).
		NetworkContext(c.config.Host+path, c.config.Timeout).
		Context("operation", op).
		Timing(op, elapsed).
		Build()
}

func (c *Client) wrapContextErr(op, path string, err error) *errors.EnhancedError {
	category := errors.CategoryCancellation
	if errors.Is(err, context.DeadlineExceeded) {
		category = errors.CategoryTimeout
	}
	return errors.New(err).
		Component(componentName).
		Category(category).
		Context("operation", op).
		Context("path", path).
		Build()
}

// getErrorCategory maps a response status to an error category.
func getErrorCategory(statusCode int) errors.ErrorCategory {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return errors.CategoryConfiguration
	case statusCode == http.StatusNotFound:
		return errors.CategoryNotFound
	case statusCode == http.StatusBadRequest:
		return errors.CategoryValidation
	case statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError:
		return errors.CategoryNetwork
	default:
		return errors.CategoryHTTP
	}
}

// retryable reports whether a GET should be attempted again. Server errors,
// throttling and transport failures are retried; other client errors are not.
func retryable(err error) bool {
	var enhanced *errors.EnhancedError
	if !errors.As(err, &enhanced) {
		return false
	}
	return enhanced.Category == errors.CategoryNetwork
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
