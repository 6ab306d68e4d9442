package probes

import (
	"log/slog"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// DefaultCategories are enabled when the configuration names none.
var DefaultCategories = []schema.Category{
	schema.CategoryInjectedScript,
	schema.CategoryQueryInjection,
	schema.CategoryCSRF,
}

// RegistryConfig configures the built-in executors.
type RegistryConfig struct {
	RateLimit      int
	RequestTimeout time.Duration
	ChromePath     string
	NucleiBinary   string
}

// DefaultRegistry wires the built-in executors. The nuclei template scan
// is registered only when its binary is installed.
func DefaultRegistry(cfg RegistryConfig, logger *slog.Logger) Registry {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	client := NewHTTPClient(cfg.RateLimit, cfg.RequestTimeout)

	reg := Registry{
		schema.CategoryInjectedScript: NewXSS(XSSConfig{ChromePath: cfg.ChromePath}, logger),
		schema.CategoryQueryInjection: NewSQLInjection(client),
		schema.CategoryCSRF:           NewCSRF(client),
	}
	if n := NewNuclei(cfg.NucleiBinary); n.Available() {
		reg[CategoryNuclei] = n
	}
	return reg
}
