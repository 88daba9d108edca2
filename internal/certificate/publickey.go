package certificate

import (
	"encoding/json"
	"fmt"
	"math/big"

	"msisdn-gateway/internal/errs"
)

// PublicKey is a client key in the serialized form produced by BrowserID
// crypto libraries: RSA ("RS") with decimal n and e, or DSA ("DS") with
// hex y, p, q and g.
type PublicKey struct {
	Algorithm string `json:"algorithm"`
	N         string `json:"n,omitempty"`
	E         string `json:"e,omitempty"`
	Y         string `json:"y,omitempty"`
	P         string `json:"p,omitempty"`
	Q         string `json:"q,omitempty"`
	G         string `json:"g,omitempty"`
}

// ParsePublicKey decodes and validates a serialized public key.
func ParsePublicKey(raw string) (*PublicKey, error) {
	var pk PublicKey
	if err := json.Unmarshal([]byte(raw), &pk); err != nil {
		return nil, fmt.Errorf("%w: public key is not valid JSON", errs.ErrInvalidParameters)
	}
	if err := pk.Validate(); err != nil {
		return nil, err
	}
	return &pk, nil
}

func (pk *PublicKey) Validate() error {
	switch pk.Algorithm {
	case "RS":
		if !isNumber(pk.N, 10) || !isNumber(pk.E, 10) {
			return fmt.Errorf("%w: bad RS public key", errs.ErrInvalidParameters)
		}
	case "DS":
		for _, v := range []string{pk.Y, pk.P, pk.Q, pk.G} {
			if !isNumber(v, 16) {
				return fmt.Errorf("%w: bad DS public key", errs.ErrInvalidParameters)
			}
		}
	default:
		return fmt.Errorf("%w: unsupported key algorithm %q", errs.ErrInvalidParameters, pk.Algorithm)
	}
	return nil
}

func isNumber(s string, base int) bool {
	if s == "" {
		return false
	}
	n, ok := new(big.Int).SetString(s, base)
	return ok && n.Sign() > 0
}
