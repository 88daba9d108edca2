package model

import "time"

// SessionAlgorithm is the MAC algorithm every session key is used with.
const SessionAlgorithm = "sha256"

// Session is the signing material bound to an HmacID while a verification
// is in progress.
type Session struct {
	Key       string `json:"key"`
	Algorithm string `json:"algorithm"`
}

// CertificateRecord is what survives a successful verification. It backs
// every later certificate signing and implicit session renewal.
type CertificateRecord struct {
	CipherMsisdn  string    `json:"cipherMsisdn"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	SessionKey    string    `json:"hawkKey"`
}

// Principal identifies the caller of an authenticated request.
type Principal struct {
	TokenID string
	HmacID  string
	Key     string
}

// CodeResult is the outcome of checking a submitted verification code.
type CodeResult int

const (
	CodeNotFound CodeResult = iota
	CodeMismatch
	CodeMismatchExpired
	CodeMatch
)

func (r CodeResult) String() string {
	switch r {
	case CodeNotFound:
		return "not_found"
	case CodeMismatch:
		return "mismatch"
	case CodeMismatchExpired:
		return "mismatch_expired"
	case CodeMatch:
		return "match"
	default:
		return "unknown"
	}
}

// Delivery is returned by a provider after it accepted a message.
type Delivery struct {
	Provider  string `json:"provider"`
	Sender    string `json:"mtSender"`
	MessageID string `json:"messageId,omitempty"`
}

// DeliveryAttempt is one provider call, successful or not.
type DeliveryAttempt struct {
	ID        string
	Provider  string
	Sender    string
	MCC       string
	MNC       string
	Attempt   int
	Success   bool
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// EventType names a verification lifecycle transition.
type EventType string

const (
	EventRegistered        EventType = "registered"
	EventCodeIssued        EventType = "code_issued"
	EventCodeVerified      EventType = "code_verified"
	EventCodeLocked        EventType = "code_locked"
	EventCertificateSigned EventType = "certificate_signed"
	EventUnregistered      EventType = "unregistered"
	EventDeliveryFailed    EventType = "delivery_failed"
)

// VerificationEvent is published for every lifecycle transition. It never
// carries the phone number, only the storage key.
type VerificationEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	HmacID    string    `json:"hmacId"`
	Channel   string    `json:"channel,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
