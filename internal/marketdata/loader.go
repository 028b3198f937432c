package marketdata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/saa/internal/domain"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads market data files. Supported formats are .xlsx workbooks,
// YAML (.yaml, .yml) and JSON.
type Loader struct {
	log zerolog.Logger
}

// NewLoader creates a new market data loader
func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{
		log: log.With().Str("component", "marketdata_loader").Logger(),
	}
}

// LoadFile reads and parses the file at path
func (l *Loader) LoadFile(path string) (*domain.MarketData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read market data %s: %w", path, err)
	}

	var md *domain.MarketData
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx":
		md, err = ReadWorkbook(data)
	case ".yaml", ".yml":
		md, err = ParseYAML(data)
	case ".json":
		md, err = ParseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported market data format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse market data %s: %w", path, err)
	}

	l.log.Info().
		Str("path", path).
		Int("asset_classes", len(md.AssetClasses)).
		Int("risk_profiles", len(md.RiskProfiles)).
		Int("managers", len(md.Managers)).
		Msg("Market data loaded")
	return md, nil
}

// ParseYAML decodes a YAML dataset
func ParseYAML(data []byte) (*domain.MarketData, error) {
	var md domain.MarketData
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, domain.Validationf("invalid YAML dataset: %v", err).Wrap(err)
	}
	return &md, nil
}

// ParseJSON decodes a JSON dataset
func ParseJSON(data []byte) (*domain.MarketData, error) {
	var md domain.MarketData
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, domain.Validationf("invalid JSON dataset: %v", err).Wrap(err)
	}
	return &md, nil
}
