package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"msisdn-gateway/internal/client"
	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/util"
)

const modelRecordsPrefix = "modelrecords."

type numberRecord struct {
	Record struct {
		MCC    string `json:"mcc"`
		MNC    string `json:"mnc"`
		Number string `json:"number"`
	} `json:"record"`
}

// NumberMap resolves sender numbers from records maintained in Redis by an
// administration tool. Each model keeps a set of record keys under
// "modelrecords.<model>"; each key holds {"record":{"mcc","mnc","number"}}.
type NumberMap struct {
	client            *client.RedisClient
	mtModel           string
	moModel           string
	defaultMtSender   string
	defaultMoVerifier string
}

func NewNumberMap(c *client.RedisClient, cfg config.MappingConfig) *NumberMap {
	return &NumberMap{
		client:            c,
		mtModel:           cfg.MtModelName,
		moModel:           cfg.MoModelName,
		defaultMtSender:   cfg.MtSender,
		defaultMoVerifier: cfg.MoVerifier,
	}
}

func (m *NumberMap) MtSenderFor(ctx context.Context, mcc, mnc string) (string, error) {
	return m.lookup(ctx, m.mtModel, mcc, mnc, m.defaultMtSender)
}

func (m *NumberMap) MoVerifierFor(ctx context.Context, mcc, mnc string) (string, error) {
	return m.lookup(ctx, m.moModel, mcc, mnc, m.defaultMoVerifier)
}

// lookup prefers an exact mcc+mnc record, then a country-wide record (empty
// mnc), then the configured default.
func (m *NumberMap) lookup(ctx context.Context, modelName, mcc, mnc, fallback string) (string, error) {
	keys, err := m.client.SMembers(ctx, modelRecordsPrefix+modelName)
	if err != nil {
		util.Error("Failed to list number records", zap.String("model", modelName), zap.Error(err))
		return "", fmt.Errorf("failed to list number records: %w", err)
	}
	if len(keys) == 0 {
		return fallback, nil
	}

	values, err := m.client.MGet(ctx, keys...)
	if err != nil {
		util.Error("Failed to read number records", zap.String("model", modelName), zap.Error(err))
		return "", fmt.Errorf("failed to read number records: %w", err)
	}

	var countryWide string
	for i, raw := range values {
		if raw == "" {
			continue
		}
		var rec numberRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			util.Warn("Skipping malformed number record", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		if rec.Record.MCC != mcc {
			continue
		}
		if rec.Record.MNC == mnc {
			return rec.Record.Number, nil
		}
		if rec.Record.MNC == "" && countryWide == "" {
			countryWide = rec.Record.Number
		}
	}

	if countryWide != "" {
		return countryWide, nil
	}
	return fallback, nil
}
