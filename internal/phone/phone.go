// Package phone validates and normalizes MSISDNs to E.164.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"msisdn-gateway/internal/errs"
)

// DefaultRegion applies to numbers given without a leading "+".
const DefaultRegion = "US"

// Normalize returns raw in E.164 form or errs.ErrInvalidParameters.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: missing msisdn", errs.ErrInvalidParameters)
	}
	num, err := phonenumbers.Parse(raw, DefaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: invalid msisdn", errs.ErrInvalidParameters)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// Valid reports whether raw is a dialable number.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}
