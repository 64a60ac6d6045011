package relay

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

type LedgerFactory func(dsn string, logger *slog.Logger) (LedgerBackend, error)

var ledgerFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]LedgerFactory
}{
	factories: map[string]LedgerFactory{},
}

func RegisterLedgerFactory(scheme string, factory LedgerFactory) {
	scheme = normalizeLedgerScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	ledgerFactoryRegistry.mu.Lock()
	defer ledgerFactoryRegistry.mu.Unlock()
	ledgerFactoryRegistry.factories[scheme] = factory
}

func lookupLedgerFactory(scheme string) (LedgerFactory, bool) {
	scheme = normalizeLedgerScheme(scheme)
	ledgerFactoryRegistry.mu.RLock()
	defer ledgerFactoryRegistry.mu.RUnlock()
	factory, ok := ledgerFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildLedgerFromDSN resolves a ledger backend from a DSN. Recognized
// schemes: "file:" (AtomicFile-backed JSON document) and
// "postgres:"/"postgresql:". A DSN without a scheme is treated as a file
// path.
func BuildLedgerFromDSN(dsn string, logger *slog.Logger) (LedgerBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	scheme := "file"
	if idx := strings.Index(dsn, "://"); idx > 0 {
		scheme = dsn[:idx]
	}
	factory, ok := lookupLedgerFactory(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: unknown ledger scheme %q", ErrInvalidInput, scheme)
	}
	return factory(dsn, logger)
}

func normalizeLedgerScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func init() {
	RegisterLedgerFactory("file", func(dsn string, logger *slog.Logger) (LedgerBackend, error) {
		return NewJSONFileLedger(strings.TrimPrefix(dsn, "file://"), logger)
	})
	RegisterLedgerFactory("postgres", func(dsn string, logger *slog.Logger) (LedgerBackend, error) {
		return NewPostgresLedger(dsn)
	})
	RegisterLedgerFactory("postgresql", func(dsn string, logger *slog.Logger) (LedgerBackend, error) {
		return NewPostgresLedger(dsn)
	})
}
