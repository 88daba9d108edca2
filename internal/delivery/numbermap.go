package delivery

import (
	"context"

	"msisdn-gateway/internal/config"
)

// FileNumberMap resolves senders from the mapping tables in configuration.
type FileNumberMap struct {
	mtSender          string
	moVerifier        string
	mtSenderMapping   map[string]string
	moVerifierMapping map[string]string
}

func NewFileNumberMap(cfg config.MappingConfig) *FileNumberMap {
	return &FileNumberMap{
		mtSender:          cfg.MtSender,
		moVerifier:        cfg.MoVerifier,
		mtSenderMapping:   cfg.MtSenderMapping,
		moVerifierMapping: cfg.MoVerifierMapping,
	}
}

func (m *FileNumberMap) MtSenderFor(_ context.Context, mcc, mnc string) (string, error) {
	return lookupNumber(m.mtSenderMapping, mcc, mnc, m.mtSender), nil
}

// MoVerifierFor returns "" when no verifier serves the network, meaning the
// MO flow is unavailable there.
func (m *FileNumberMap) MoVerifierFor(_ context.Context, mcc, mnc string) (string, error) {
	return lookupNumber(m.moVerifierMapping, mcc, mnc, m.moVerifier), nil
}

// lookupNumber tries mcc+mnc, then mcc alone, then the default.
func lookupNumber(mapping map[string]string, mcc, mnc, fallback string) string {
	if v, ok := mapping[mcc+mnc]; ok {
		return v
	}
	if v, ok := mapping[mcc]; ok {
		return v
	}
	return fallback
}
