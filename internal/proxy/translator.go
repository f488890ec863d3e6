package proxy

import (
	"sync"

	"github.com/mcpfed/federation-gateway/internal/domain"
)

// VersionTranslator rewrites a payload from one protocol version into
// another. Implementations must be pure functions of their input so that
// identical payloads always translate identically.
type VersionTranslator interface {
	// Name identifies the translator in logs and metrics.
	Name() string

	// Translate returns the payload reshaped for the target version.
	Translate(payload []byte) ([]byte, error)
}

// TranslatorFunc adapts a function to the VersionTranslator interface.
type TranslatorFunc struct {
	TranslatorName string
	Fn             func(payload []byte) ([]byte, error)
}

func (t TranslatorFunc) Name() string { return t.TranslatorName }

func (t TranslatorFunc) Translate(payload []byte) ([]byte, error) { return t.Fn(payload) }

// Passthrough returns a translator that leaves the payload unchanged,
// for version pairs whose wire formats are compatible.
func Passthrough(name string) VersionTranslator {
	return TranslatorFunc{
		TranslatorName: name,
		Fn: func(payload []byte) ([]byte, error) {
			return payload, nil
		},
	}
}

// ProtocolTranslator is a registry of version-pair translators used
// inline by the proxy. Adding a version pair is a registry insert.
type ProtocolTranslator struct {
	mu          sync.RWMutex
	translators map[string]VersionTranslator
}

// NewProtocolTranslator creates an empty registry.
func NewProtocolTranslator() *ProtocolTranslator {
	return &ProtocolTranslator{translators: make(map[string]VersionTranslator)}
}

// Register installs a translator for the ordered version pair.
func (p *ProtocolTranslator) Register(sourceVersion, targetVersion string, t VersionTranslator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.translators[versionPair(sourceVersion, targetVersion)] = t
}

// Translate applies the registered translator for the pair. An
// unregistered pair fails with a schema-translation error naming both
// versions.
func (p *ProtocolTranslator) Translate(payload []byte, sourceVersion, targetVersion string) ([]byte, error) {
	p.mu.RLock()
	t, ok := p.translators[versionPair(sourceVersion, targetVersion)]
	p.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSchemaTranslation(sourceVersion, targetVersion)
	}
	return t.Translate(payload)
}

// SupportedPairs lists the registered version pairs.
func (p *ProtocolTranslator) SupportedPairs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pairs := make([]string, 0, len(p.translators))
	for k := range p.translators {
		pairs = append(pairs, k)
	}
	return pairs
}

func versionPair(source, target string) string {
	return source + "->" + target
}
