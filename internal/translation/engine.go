package translation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mcpfed/federation-gateway/internal/domain"
	"github.com/mcpfed/federation-gateway/internal/storage"
)

// DefaultCacheSize bounds the translation result cache when the
// configuration does not say otherwise.
const DefaultCacheSize = 1024

// Metrics is a snapshot of engine counters.
type Metrics struct {
	TotalTranslations uint64  `json:"total_translations"`
	Successful        uint64  `json:"successful"`
	Failed            uint64  `json:"failed"`
	CacheHits         uint64  `json:"cache_hits"`
	CacheSize         int     `json:"cache_size"`
	SupportedPairs    int     `json:"supported_pairs"`
	AvgTranslationMs  float64 `json:"avg_translation_ms"`
}

// Engine is the schema translation service. It dispatches requests to
// registered version-pair translators, caches results by payload digest,
// and appends every non-cached outcome to the history log.
type Engine struct {
	mu          sync.RWMutex
	translators map[string]Translator

	cache   *lru.Cache[string, *domain.TranslationResponse]
	history storage.TranslationHistoryStore
	logger  *slog.Logger

	statsMu sync.Mutex
	stats   Metrics
	now     func() time.Time
}

// NewEngine creates a translation engine with a bounded result cache.
// A cacheSize of zero or less falls back to DefaultCacheSize.
func NewEngine(cacheSize int, history storage.TranslationHistoryStore, logger *slog.Logger) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *domain.TranslationResponse](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create translation cache: %w", err)
	}
	return &Engine{
		translators: make(map[string]Translator),
		cache:       cache,
		history:     history,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Register installs a translator for a version pair, replacing any
// existing one.
func (e *Engine) Register(sourceVersion, targetVersion string, t Translator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.translators[versionPair(sourceVersion, targetVersion)] = t
}

// SupportedPairs lists the registered version pairs.
func (e *Engine) SupportedPairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pairs := make([]string, 0, len(e.translators))
	for pair := range e.translators {
		pairs = append(pairs, pair)
	}
	return pairs
}

// TranslateSchema converts the request payload between schema versions.
// Identical requests hit the digest-keyed cache and return the stored
// response, translation id included, so repeated translations are
// byte-for-byte deterministic.
func (e *Engine) TranslateSchema(ctx context.Context, req *domain.TranslationRequest) (*domain.TranslationResponse, error) {
	if req.SourceVersion == "" {
		return nil, domain.ErrValidation("source_version", "source version is required")
	}
	if req.TargetVersion == "" {
		return nil, domain.ErrValidation("target_version", "target version is required")
	}
	if len(req.SourceData) == 0 {
		return nil, domain.ErrValidation("source_data", "source data is required")
	}

	key := cacheKey(req)
	if cached, ok := e.cache.Get(key); ok {
		e.recordCacheHit()
		e.logger.DebugContext(ctx, "translation cache hit",
			"source_version", req.SourceVersion,
			"target_version", req.TargetVersion,
			"translation_id", cached.Metadata.TranslationID)
		return cached, nil
	}

	e.mu.RLock()
	translator, ok := e.translators[versionPair(req.SourceVersion, req.TargetVersion)]
	e.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSchemaTranslation(req.SourceVersion, req.TargetVersion)
	}

	start := e.now()
	result, err := translator.Translate(req.SourceData)
	duration := e.now().Sub(start)

	if err != nil {
		e.recordOutcome(ctx, req, duration, false, err)
		return nil, domain.ErrSchemaTranslation(req.SourceVersion, req.TargetVersion).
			WithCause(err).
			WithDetails(map[string]any{
				"source_version": req.SourceVersion,
				"target_version": req.TargetVersion,
				"translator":     translator.Name(),
			})
	}

	resp := &domain.TranslationResponse{
		TranslatedData: result.Data,
		Metadata: domain.TranslationMetadata{
			TranslationID:   uuid.New(),
			MappedFields:    result.MappedFields,
			DroppedFields:   result.DroppedFields,
			DefaultedFields: result.DefaultedFields,
			DurationMs:      duration.Milliseconds(),
		},
		Warnings: result.Warnings,
	}

	e.cache.Add(key, resp)
	e.recordOutcome(ctx, req, duration, true, nil)

	e.logger.InfoContext(ctx, "schema translation completed",
		"source_version", req.SourceVersion,
		"target_version", req.TargetVersion,
		"translator", translator.Name(),
		"mapped_fields", len(result.MappedFields),
		"dropped_fields", len(result.DroppedFields),
		"duration_ms", duration.Milliseconds())
	return resp, nil
}

// History returns the append-ordered translation records for a version pair.
func (e *Engine) History(ctx context.Context, sourceVersion, targetVersion string) ([]*domain.TranslationRecord, error) {
	return e.history.ListTranslationRecords(ctx, sourceVersion, targetVersion)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Metrics {
	e.statsMu.Lock()
	snapshot := e.stats
	e.statsMu.Unlock()
	snapshot.CacheSize = e.cache.Len()
	e.mu.RLock()
	snapshot.SupportedPairs = len(e.translators)
	e.mu.RUnlock()
	return snapshot
}

// Health reports the engine state for the health endpoint.
func (e *Engine) Health() map[string]any {
	stats := e.Stats()
	return map[string]any{
		"status":             "healthy",
		"supported_pairs":    stats.SupportedPairs,
		"cache_size":         stats.CacheSize,
		"cache_hits":         stats.CacheHits,
		"total_translations": stats.TotalTranslations,
	}
}

func (e *Engine) recordCacheHit() {
	e.statsMu.Lock()
	e.stats.CacheHits++
	e.statsMu.Unlock()
}

func (e *Engine) recordOutcome(ctx context.Context, req *domain.TranslationRequest, duration time.Duration, success bool, cause error) {
	e.statsMu.Lock()
	e.stats.TotalTranslations++
	if success {
		e.stats.Successful++
	} else {
		e.stats.Failed++
	}
	total := float64(e.stats.TotalTranslations)
	e.stats.AvgTranslationMs = (e.stats.AvgTranslationMs*(total-1) + float64(duration.Milliseconds())) / total
	e.statsMu.Unlock()

	rec := &domain.TranslationRecord{
		Timestamp:     e.now(),
		SourceVersion: req.SourceVersion,
		TargetVersion: req.TargetVersion,
		DurationMs:    duration.Milliseconds(),
		Success:       success,
		DataSize:      len(req.SourceData),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := e.history.AppendTranslationRecord(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "failed to append translation record", "error", err)
	}
}

// cacheKey digests everything that determines the translation output:
// version pair, payload bytes, and the requesting client.
func cacheKey(req *domain.TranslationRequest) string {
	h := sha256.New()
	h.Write([]byte(req.SourceVersion))
	h.Write([]byte{0})
	h.Write([]byte(req.TargetVersion))
	h.Write([]byte{0})
	h.Write(req.SourceData)
	h.Write([]byte{0})
	h.Write([]byte(req.ClientID.String()))
	return "schema_translation:" + hex.EncodeToString(h.Sum(nil))
}

func versionPair(source, target string) string {
	return source + "->" + target
}
