package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"msisdn-gateway/internal/auth"
	"msisdn-gateway/internal/certificate"
	"msisdn-gateway/internal/delivery"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/phone"
	"msisdn-gateway/internal/service"
	"msisdn-gateway/internal/util"
)

const maxBodyBytes = 1 << 20

// HealthChecker reports whether the storage tiers answer.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ServerInfo is rendered on GET /.
type ServerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
	Endpoint    string `json:"endpoint"`
}

type HandlerOptions struct {
	// Protocol and APIPrefix build the absolute URLs advertised to clients.
	Protocol       string
	APIPrefix      string
	Version        string
	DisplayVersion bool
}

// GatewayHandler exposes GatewayService over HTTP.
type GatewayHandler struct {
	svc       *service.GatewayService
	health    HealthChecker
	publicKey certificate.PublicKey
	opts      HandlerOptions
}

func NewGatewayHandler(svc *service.GatewayService, health HealthChecker, publicKey certificate.PublicKey, opts HandlerOptions) *GatewayHandler {
	if opts.Protocol == "" {
		opts.Protocol = "http"
	}
	return &GatewayHandler{svc: svc, health: health, publicKey: publicKey, opts: opts}
}

// RegisterRoutes mounts the public routes on router and the Hawk protected
// ones behind authn.
func (h *GatewayHandler) RegisterRoutes(router chi.Router, authn func(http.Handler) http.Handler) {
	router.Get("/", h.Home)
	router.Get("/__heartbeat__", h.Heartbeat)
	router.Get("/.well-known/browserid", h.BrowserID)

	router.Post("/register", h.Register)
	router.Post("/discover", h.Discover)
	router.Get("/sms/momt/nexmo_callback", h.NexmoCallback)
	router.Get("/sms/momt/beepsend_callback", h.BeepSendCallback)

	router.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/unregister", h.Unregister)
		r.Post("/sms/mt/verify", h.StartVerification)
		r.Post("/sms/mt/resend", h.ResendCode)
		r.Post("/sms/verify_code", h.VerifyCode)
		r.Post("/certificate/sign", h.SignCertificate)
	})
}

func (h *GatewayHandler) Home(w http.ResponseWriter, r *http.Request) {
	info := ServerInfo{
		Name:        "msisdn-gateway",
		Description: "Phone number verification and identity certificates",
		Endpoint:    h.opts.Protocol + "://" + r.Host,
	}
	if h.opts.DisplayVersion {
		info.Version = h.opts.Version
	}
	respondWithJSON(w, http.StatusOK, info)
}

func (h *GatewayHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	healthy := true
	if err := h.health.Ping(r.Context()); err != nil {
		util.Warn("Heartbeat failed", util.ErrorField(err))
		status = http.StatusServiceUnavailable
		healthy = false
	}
	respondWithJSON(w, status, map[string]bool{"storage": healthy})
}

func (h *GatewayHandler) BrowserID(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"public-key":     h.publicKey,
		"authentication": "/.well-known/browserid/warning.html",
		"provisioning":   "/.well-known/browserid/warning.html",
	})
}

func (h *GatewayHandler) Register(w http.ResponseWriter, r *http.Request) {
	token, err := h.svc.Register(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"msisdnSessionToken": token})
}

func (h *GatewayHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unregister(r.Context(), principal(r)); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startVerificationRequest struct {
	Msisdn                *string `json:"msisdn"`
	MCC                   *string `json:"mcc"`
	MNC                   *string `json:"mnc"`
	ShortVerificationCode bool    `json:"shortVerificationCode"`
}

func (h *GatewayHandler) StartVerification(w http.ResponseWriter, r *http.Request) {
	var req startVerificationRequest
	if !decodeBody(w, r, &req) || !requireParams(w, param("msisdn", req.Msisdn), param("mcc", req.MCC)) {
		return
	}
	msisdn, err := phone.Normalize(*req.Msisdn)
	if err != nil {
		sendError(w, http.StatusBadRequest, ErrnoInvalidMsisdn, "Invalid MSISDN number.")
		return
	}

	in := service.StartRequest{Msisdn: msisdn, MCC: *req.MCC, ShortCode: req.ShortVerificationCode}
	if req.MNC != nil {
		in.MNC = *req.MNC
		if in.MNC == "" {
			sendError(w, http.StatusBadRequest, ErrnoInvalidParameters, "Invalid MNC.")
			return
		}
	}

	if _, err := h.svc.StartVerification(r.Context(), principal(r), in); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resendRequest struct {
	ShortVerificationCode bool `json:"shortVerificationCode"`
}

func (h *GatewayHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if _, err := h.svc.ResendCode(r.Context(), principal(r), req.ShortVerificationCode); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyCodeRequest struct {
	Code *string `json:"code"`
}

func (h *GatewayHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if !decodeBody(w, r, &req) || !requireParams(w, param("code", req.Code)) {
		return
	}
	msisdn, err := h.svc.VerifyCode(r.Context(), principal(r), *req.Code)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"msisdn": msisdn})
}

type signRequest struct {
	Duration  json.RawMessage `json:"duration"`
	PublicKey *string         `json:"publicKey"`
}

func (h *GatewayHandler) SignCertificate(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var duration *string
	if len(req.Duration) > 0 {
		d := strings.Trim(string(req.Duration), `"`)
		duration = &d
	}
	if !requireParams(w, param("duration", duration), param("publicKey", req.PublicKey)) {
		return
	}
	if !json.Valid([]byte(*req.PublicKey)) {
		sendError(w, http.StatusNotAcceptable, ErrnoBadJSON, "publicKey is not valid JSON")
		return
	}
	seconds, err := strconv.ParseInt(*duration, 10, 64)
	if err != nil || seconds < 1 {
		sendError(w, http.StatusBadRequest, ErrnoInvalidParameters, "Duration should be a number of seconds.")
		return
	}

	cert, err := h.svc.SignCertificate(r.Context(), principal(r), service.SignRequest{
		Duration:  time.Duration(seconds) * time.Second,
		PublicKey: *req.PublicKey,
		Host:      hostname(r.Host),
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"cert": cert})
}

type discoverRequest struct {
	MCC    string  `json:"mcc"`
	MNC    string  `json:"mnc"`
	Msisdn *string `json:"msisdn"`
}

func (h *GatewayHandler) Discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in := service.DiscoverRequest{
		MCC:       req.MCC,
		MNC:       req.MNC,
		HasMsisdn: req.Msisdn != nil,
		VerifyURL: fmt.Sprintf("%s://%s%s/sms/mt/verify", h.opts.Protocol, r.Host, h.opts.APIPrefix),
	}
	if req.Msisdn != nil {
		in.Msisdn = *req.Msisdn
	}

	res, err := h.svc.Discover(r.Context(), in)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *GatewayHandler) NexmoCallback(w http.ResponseWriter, r *http.Request) {
	msg, ok := delivery.ParseNexmoCallback(r.URL.Query())
	h.mobileOriginated(w, r, msg, ok)
}

func (h *GatewayHandler) BeepSendCallback(w http.ResponseWriter, r *http.Request) {
	msg, ok := delivery.ParseBeepSendCallback(r.URL.Query())
	h.mobileOriginated(w, r, msg, ok)
}

// mobileOriginated always answers 200 unless the backend failed, so
// gateways do not keep redelivering messages we chose to drop.
func (h *GatewayHandler) mobileOriginated(w http.ResponseWriter, r *http.Request, msg *delivery.InboundMessage, ok bool) {
	if ok {
		if err := h.svc.HandleMobileOriginated(r.Context(), msg); err != nil {
			respondWithError(w, r, err)
			return
		}
	}
	respondWithJSON(w, http.StatusOK, struct{}{})
}

// decodeBody reads a JSON body into dst. It writes the error response
// itself and reports whether the caller should continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		sendError(w, http.StatusNotAcceptable, ErrnoBadJSON, "Request body should be defined as application/json")
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		sendError(w, http.StatusNotAcceptable, ErrnoBadJSON, "Request body should be defined as application/json")
		return false
	}
	return true
}

type namedParam struct {
	name    string
	present bool
}

func param(name string, v *string) namedParam {
	return namedParam{name: name, present: v != nil}
}

func requireParams(w http.ResponseWriter, params ...namedParam) bool {
	var missing []string
	for _, p := range params {
		if !p.present {
			missing = append(missing, p.name)
		}
	}
	if len(missing) > 0 {
		sendError(w, http.StatusBadRequest, ErrnoMissingParameters, "Missing "+strings.Join(missing, ","))
		return false
	}
	return true
}

func principal(r *http.Request) *model.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

func hostname(host string) string {
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
