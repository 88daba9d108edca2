package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"msisdn-gateway/internal/certificate"
	"msisdn-gateway/internal/delivery"
	"msisdn-gateway/internal/encryption"
	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/events"
	"msisdn-gateway/internal/identity"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/phone"
	"msisdn-gateway/internal/util"
	"msisdn-gateway/internal/verification"
)

const (
	ChannelMT   = "sms/mt"
	ChannelMOMT = "sms/momt"

	shortCodeMessage = "Your verification code is: %s"
)

// Store is the storage surface the service needs. *storage.TieredStore
// implements it.
type Store interface {
	verification.Store
	StorePendingMsisdn(ctx context.Context, id, cipherMsisdn string) error
	GetPendingMsisdn(ctx context.Context, id string) (string, error)
	SetMtSender(ctx context.Context, id, sender string) error
	GetMtSender(ctx context.Context, id string) (string, error)
	SetSession(ctx context.Context, id, authKey string) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	SetCertificateData(ctx context.Context, id string, rec *model.CertificateRecord) error
	GetCertificateData(ctx context.Context, id string) (*model.CertificateRecord, error)
	CleanVolatileData(ctx context.Context, id string) error
	CleanSession(ctx context.Context, id string) error
}

// Messenger delivers an SMS from an already resolved sender.
type Messenger interface {
	SendFrom(ctx context.Context, route delivery.Route, msisdn, message string) (*model.Delivery, error)
}

type Options struct {
	IDSecret       string
	Issuer         string
	MaxCertificate time.Duration
}

type Dependencies struct {
	Store     Store
	Verifier  *verification.Verifier
	Cipher    encryption.Cipher
	Messenger Messenger
	Numbers   delivery.NumberMap
	Signer    certificate.Signer
	Events    events.Publisher
	Deriver   *identity.Deriver
}

// GatewayService implements the verification lifecycle. Every method
// returns errors from internal/errs and knows nothing about HTTP.
type GatewayService struct {
	store     Store
	verifier  *verification.Verifier
	cipher    encryption.Cipher
	messenger Messenger
	numbers   delivery.NumberMap
	signer    certificate.Signer
	events    events.Publisher
	deriver   *identity.Deriver
	opts      Options
	now       func() time.Time
}

func NewGatewayService(deps Dependencies, opts Options) *GatewayService {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Deriver == nil {
		deps.Deriver = identity.NewDeriver()
	}
	return &GatewayService{
		store:     deps.Store,
		verifier:  deps.Verifier,
		cipher:    deps.Cipher,
		messenger: deps.Messenger,
		numbers:   deps.Numbers,
		signer:    deps.Signer,
		events:    deps.Events,
		deriver:   deps.Deriver,
		opts:      opts,
		now:       time.Now,
	}
}

// HmacID maps a token id to its storage key.
func (s *GatewayService) HmacID(tokenID string) string {
	return identity.HmacID(tokenID, s.opts.IDSecret)
}

// SessionStatus is what an operator holding a client's session token can
// learn about it. HmacID matches the hmac_id prefix found in logs. Pending
// means a verification is in progress; a verified session only has its
// certificate record left.
type SessionStatus struct {
	HmacID   string `json:"hmacId"`
	Pending  bool   `json:"pending"`
	Verified bool   `json:"verified"`
}

// InspectSession re-derives the Hawk id of a session token and reports the
// state stored under it.
func (s *GatewayService) InspectSession(ctx context.Context, sessionToken string) (*SessionStatus, error) {
	creds, err := identity.FromSessionToken(sessionToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidParameters, err)
	}
	status := &SessionStatus{HmacID: s.HmacID(creds.TokenID)}

	session, err := s.store.GetSession(ctx, status.HmacID)
	if err != nil {
		return nil, err
	}
	status.Pending = session != nil

	rec, err := s.store.GetCertificateData(ctx, status.HmacID)
	if err != nil {
		return nil, err
	}
	status.Verified = rec != nil
	return status, nil
}

// Register creates a session and returns the token the client derives its
// Hawk credentials from.
func (s *GatewayService) Register(ctx context.Context) (string, error) {
	creds, err := s.deriver.New()
	if err != nil {
		return "", err
	}
	hmacID := s.HmacID(creds.TokenID)
	if err := s.store.SetSession(ctx, hmacID, creds.AuthKey); err != nil {
		return "", err
	}

	s.publish(ctx, model.EventRegistered, hmacID, "", "")
	return creds.SessionToken, nil
}

type StartRequest struct {
	Msisdn    string
	MCC       string
	MNC       string
	ShortCode bool
}

// StartVerification binds the number to the session, issues a code and
// sends it by SMS. A session can only ever verify one number.
func (s *GatewayService) StartVerification(ctx context.Context, p *model.Principal, req StartRequest) (*model.Delivery, error) {
	if err := validateNetwork(req.MCC, req.MNC); err != nil {
		return nil, err
	}
	msisdn, err := phone.Normalize(req.Msisdn)
	if err != nil {
		return nil, err
	}

	if err := s.bindMsisdn(ctx, p.HmacID, p.TokenID, msisdn); err != nil {
		return nil, err
	}

	kind := verification.Long
	if req.ShortCode {
		kind = verification.Short
	}
	code, err := s.verifier.Issue(ctx, p.HmacID, kind)
	if err != nil {
		return nil, err
	}

	sender, err := s.numbers.MtSenderFor(ctx, req.MCC, req.MNC)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetMtSender(ctx, p.HmacID, sender); err != nil {
		return nil, err
	}

	return s.sendCode(ctx, p.HmacID, ChannelMT, delivery.Route{MCC: req.MCC, MNC: req.MNC, Sender: sender}, msisdn, code, kind)
}

// ResendCode issues a new code for the pending number through the sender
// chosen when verification started.
func (s *GatewayService) ResendCode(ctx context.Context, p *model.Principal, shortCode bool) (*model.Delivery, error) {
	cipherMsisdn, err := s.store.GetPendingMsisdn(ctx, p.HmacID)
	if err != nil {
		return nil, err
	}
	if cipherMsisdn == "" {
		return nil, errs.ErrValidationExpired
	}
	msisdn, err := s.cipher.Decrypt(p.TokenID, cipherMsisdn)
	if err != nil {
		return nil, err
	}

	sender, err := s.store.GetMtSender(ctx, p.HmacID)
	if err != nil {
		return nil, err
	}
	if sender == "" {
		if sender, err = s.numbers.MtSenderFor(ctx, "", ""); err != nil {
			return nil, err
		}
	}

	kind := verification.Long
	if shortCode {
		kind = verification.Short
	}
	code, err := s.verifier.Issue(ctx, p.HmacID, kind)
	if err != nil {
		return nil, err
	}
	return s.sendCode(ctx, p.HmacID, ChannelMT, delivery.Route{Sender: sender}, msisdn, code, kind)
}

// VerifyCode checks code and, on a match, moves the pending number into a
// certificate record and clears the volatile state. It returns the
// verified number.
func (s *GatewayService) VerifyCode(ctx context.Context, p *model.Principal, code string) (string, error) {
	if !s.verifier.ValidFormat(code) {
		return "", fmt.Errorf("%w: code has the wrong length", errs.ErrInvalidParameters)
	}

	res, err := s.verifier.Verify(ctx, p.HmacID, code)
	if err != nil {
		return "", err
	}
	switch res {
	case model.CodeNotFound:
		return "", errs.ErrCodeExpired
	case model.CodeMismatch:
		return "", errs.ErrCodeInvalid
	case model.CodeMismatchExpired:
		s.publish(ctx, model.EventCodeLocked, p.HmacID, "", "")
		return "", errs.ErrCodeInvalidExpired
	}

	cipherMsisdn, err := s.store.GetPendingMsisdn(ctx, p.HmacID)
	if err != nil {
		return "", err
	}
	if cipherMsisdn == "" {
		return "", errs.ErrValidationExpired
	}

	now := s.now().UTC()
	rec := &model.CertificateRecord{
		CipherMsisdn:  cipherMsisdn,
		CreatedAt:     now,
		LastUpdatedAt: now,
		SessionKey:    p.Key,
	}
	if err := s.store.SetCertificateData(ctx, p.HmacID, rec); err != nil {
		return "", err
	}
	if err := s.store.CleanVolatileData(ctx, p.HmacID); err != nil {
		return "", err
	}

	msisdn, err := s.cipher.Decrypt(p.TokenID, cipherMsisdn)
	if err != nil {
		util.Error("Unable to decrypt verified msisdn", util.HmacID(p.HmacID), zap.Error(err))
		return "", err
	}

	s.publish(ctx, model.EventCodeVerified, p.HmacID, "", "")
	return msisdn, nil
}

type SignRequest struct {
	Duration  time.Duration
	PublicKey string
	// Host the request was addressed to. Used as issuer when none is
	// configured.
	Host string
}

// SignCertificate signs a certificate for the verified number and bumps
// the record's lastUpdatedAt.
func (s *GatewayService) SignCertificate(ctx context.Context, p *model.Principal, req SignRequest) (string, error) {
	if req.Duration < time.Second {
		return "", fmt.Errorf("%w: duration should be a number of seconds", errs.ErrInvalidParameters)
	}
	if s.opts.MaxCertificate > 0 && req.Duration > s.opts.MaxCertificate {
		req.Duration = s.opts.MaxCertificate
	}
	pk, err := certificate.ParsePublicKey(req.PublicKey)
	if err != nil {
		return "", err
	}

	rec, err := s.store.GetCertificateData(ctx, p.HmacID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", errs.ErrValidationExpired
	}
	msisdn, err := s.cipher.Decrypt(p.TokenID, rec.CipherMsisdn)
	if err != nil {
		return "", err
	}

	issuer := s.opts.Issuer
	if issuer == "" {
		issuer = req.Host
	}
	now := s.now().UTC()
	cert, err := s.signer.Sign(
		certificate.Principal{Email: identity.HmacID(msisdn, s.opts.IDSecret) + "@" + issuer},
		certificate.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
			PublicKey:        pk,
			VerifiedMSISDN:   msisdn,
			LastAuthAt:       rec.CreatedAt.Unix(),
		},
		now, now.Add(req.Duration),
	)
	if err != nil {
		return "", err
	}

	rec.LastUpdatedAt = now
	if err := s.store.SetCertificateData(ctx, p.HmacID, rec); err != nil {
		return "", err
	}

	s.publish(ctx, model.EventCertificateSigned, p.HmacID, "", "")
	return cert, nil
}

// Unregister deletes every trace of the session.
func (s *GatewayService) Unregister(ctx context.Context, p *model.Principal) error {
	if err := s.store.CleanSession(ctx, p.HmacID); err != nil {
		return err
	}
	s.publish(ctx, model.EventUnregistered, p.HmacID, "", "")
	return nil
}

// HandleMobileOriginated answers an SMS sent by the handset with a long
// code. Messages that do not match a live session are dropped without
// error so gateways do not retry them.
func (s *GatewayService) HandleMobileOriginated(ctx context.Context, msg *delivery.InboundMessage) error {
	sender, err := s.numbers.MtSenderFor(ctx, msg.MCC, msg.MNC)
	if err != nil {
		return err
	}

	tokenID, ok := delivery.ExtractToken(msg.Text)
	if !ok {
		util.Warn("Dropping MO message in the wrong format", zap.Int("length", len(msg.Text)))
		return nil
	}
	hmacID := s.HmacID(tokenID)

	session, err := s.store.GetSession(ctx, hmacID)
	if err != nil {
		return err
	}
	if session == nil {
		util.Debug("Dropping MO message for an unknown session", util.HmacID(hmacID))
		return nil
	}

	if err := s.bindMsisdn(ctx, hmacID, tokenID, msg.Msisdn); err != nil {
		if errors.Is(err, errs.ErrSessionConflict) {
			util.Warn("Attempt to verify several numbers in one session", util.HmacID(hmacID), util.Msisdn(msg.Msisdn))
			return nil
		}
		return err
	}

	code, err := s.verifier.Issue(ctx, hmacID, verification.Long)
	if err != nil {
		return err
	}
	_, err = s.sendCode(ctx, hmacID, ChannelMOMT, delivery.Route{MCC: msg.MCC, MNC: msg.MNC, Sender: sender}, msg.Msisdn, code, verification.Long)
	return err
}

type DiscoverRequest struct {
	MCC       string
	MNC       string
	Msisdn    string
	HasMsisdn bool
	// VerifyURL is the absolute URL of the MT verification endpoint.
	VerifyURL string
}

type MethodDetails struct {
	MtSender   string `json:"mtSender"`
	URL        string `json:"url,omitempty"`
	MoVerifier string `json:"moVerifier,omitempty"`
}

type DiscoverResult struct {
	VerificationMethods []string                 `json:"verificationMethods"`
	VerificationDetails map[string]MethodDetails `json:"verificationDetails"`
}

// Discover lists the verification methods available on a network. MO/MT
// is offered wherever an MO verifier number exists; MT is offered when a
// number is given or MO/MT is unavailable.
func (s *GatewayService) Discover(ctx context.Context, req DiscoverRequest) (*DiscoverResult, error) {
	if len(req.MCC) != 3 {
		return nil, fmt.Errorf("%w: invalid MCC", errs.ErrInvalidParameters)
	}
	mnc := req.MNC
	if len(mnc) != 2 && len(mnc) != 3 {
		mnc = ""
	}

	moVerifier, err := s.numbers.MoVerifierFor(ctx, req.MCC, mnc)
	if err != nil {
		return nil, err
	}
	mtSender, err := s.numbers.MtSenderFor(ctx, req.MCC, mnc)
	if err != nil {
		return nil, err
	}

	res := &DiscoverResult{
		VerificationMethods: []string{},
		VerificationDetails: map[string]MethodDetails{},
	}

	if req.HasMsisdn || moVerifier == "" {
		if !phone.Valid(req.Msisdn) && moVerifier != "" {
			return nil, fmt.Errorf("%w: invalid msisdn", errs.ErrInvalidParameters)
		}
		res.VerificationMethods = append(res.VerificationMethods, ChannelMT)
		res.VerificationDetails[ChannelMT] = MethodDetails{MtSender: mtSender, URL: req.VerifyURL}
	}
	if moVerifier != "" {
		res.VerificationMethods = append(res.VerificationMethods, ChannelMOMT)
		res.VerificationDetails[ChannelMOMT] = MethodDetails{MtSender: mtSender, MoVerifier: moVerifier}
	}
	return res, nil
}

// bindMsisdn stores msisdn as the pending number of hmacID unless a
// different number is already bound. A stored value that cannot be
// decrypted is replaced.
func (s *GatewayService) bindMsisdn(ctx context.Context, hmacID, tokenID, msisdn string) error {
	cipherMsisdn, err := s.store.GetPendingMsisdn(ctx, hmacID)
	if err != nil {
		return err
	}

	stored, err := s.cipher.Decrypt(tokenID, cipherMsisdn)
	if err != nil {
		util.Warn("Replacing undecryptable pending msisdn", util.HmacID(hmacID), zap.Error(err))
		stored, cipherMsisdn = "", ""
	}
	if stored != "" && stored != msisdn {
		return errs.ErrSessionConflict
	}

	if cipherMsisdn == "" {
		if cipherMsisdn, err = s.cipher.Encrypt(tokenID, msisdn); err != nil {
			return err
		}
	}
	return s.store.StorePendingMsisdn(ctx, hmacID, cipherMsisdn)
}

func (s *GatewayService) sendCode(ctx context.Context, hmacID, channel string, route delivery.Route, msisdn, code string, kind verification.Kind) (*model.Delivery, error) {
	message := code
	if kind == verification.Short {
		message = fmt.Sprintf(shortCodeMessage, code)
	}

	d, err := s.messenger.SendFrom(ctx, route, msisdn, message)
	if err != nil {
		s.publish(ctx, model.EventDeliveryFailed, hmacID, channel, "")
		return nil, err
	}
	s.publish(ctx, model.EventCodeIssued, hmacID, channel, d.Provider)
	return d, nil
}

func (s *GatewayService) publish(ctx context.Context, t model.EventType, hmacID, channel, provider string) {
	s.events.Publish(ctx, model.VerificationEvent{Type: t, HmacID: hmacID, Channel: channel, Provider: provider})
}

func validateNetwork(mcc, mnc string) error {
	if len(mcc) != 3 {
		return fmt.Errorf("%w: invalid MCC", errs.ErrInvalidParameters)
	}
	if mnc != "" && len(mnc) != 2 && len(mnc) != 3 {
		return fmt.Errorf("%w: invalid MNC", errs.ErrInvalidParameters)
	}
	return nil
}
