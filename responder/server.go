package responder

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// HeaderTimestamp carries the Unix-seconds timestamp the admin request
	// was signed at.
	HeaderTimestamp = "x-bootroot-timestamp"
	// HeaderSignature carries the base64 HMAC-SHA256 tag over the signature
	// payload.
	HeaderSignature = "x-bootroot-signature"
	// AdminPath is the admin registration endpoint path.
	AdminPath = "/admin/http01"
)

// RegisterRequest is the admin endpoint's JSON body.
type RegisterRequest struct {
	Token            string `json:"token"`
	KeyAuthorization string `json:"key_authorization"`
	TTLSecs          *int   `json:"ttl_secs,omitempty"`
}

// Server is the HTTP-01 responder: the public challenge surface, the signed
// admin surface, and the token store they share. Settings and the HMAC key
// can be swapped at runtime by Reload; in-flight requests keep the values
// they started with.
type Server struct {
	mu       sync.RWMutex
	settings Settings
	hmacKey  []byte

	store *tokenStore
}

// NewServer constructs a Server from validated settings.
func NewServer(settings Settings) *Server {
	return &Server{
		settings: settings,
		hmacKey:  []byte(settings.HMACSecret),
		store:    newTokenStore(),
	}
}

func (s *Server) currentSettings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Server) currentKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hmacKey
}

// Reload atomically replaces the server's settings and HMAC key. Subsequent
// requests observe the new values.
func (s *Server) Reload(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.hmacKey = []byte(settings.HMACSecret)
	s.mu.Unlock()
}

// PublicHandler serves GET /.well-known/acme-challenge/{token}.
func (s *Server) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/acme-challenge/{token}", s.handleChallenge)
	return mux
}

// AdminHandler serves POST /admin/http01.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+AdminPath, s.handleRegister)
	return mux
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if keyAuth, ok := s.store.Get(token, time.Now()); ok {
		fmt.Fprint(w, keyAuth)
		return
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	settings, key := s.settings, s.hmacKey
	s.mu.RUnlock()

	timestampHeader := r.Header.Get(HeaderTimestamp)
	if timestampHeader == "" {
		http.Error(w, "Missing header: "+HeaderTimestamp, http.StatusUnauthorized)
		return
	}
	signature := r.Header.Get(HeaderSignature)
	if signature == "" {
		http.Error(w, "Missing header: "+HeaderSignature, http.StatusUnauthorized)
		return
	}

	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		http.Error(w, "Invalid timestamp", http.StatusUnauthorized)
		return
	}

	if !withinSkew(timestamp, settings.MaxSkewSecs, time.Now()) {
		http.Error(w, "Timestamp out of range", http.StatusUnauthorized)
		return
	}

	var request RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	ttlSecs := settings.TokenTTLSecs
	if request.TTLSecs != nil {
		ttlSecs = *request.TTLSecs
	}

	payload := SignaturePayload(timestamp, request.Token, request.KeyAuthorization, ttlSecs)
	if !verifySignature(key, signature, payload) {
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	expiresAt := time.Now().Add(time.Duration(ttlSecs) * time.Second)
	s.store.Put(request.Token, request.KeyAuthorization, expiresAt)
	fmt.Fprint(w, "ok")
}

// SignaturePayload builds the string the admin HMAC is computed over:
// "{timestamp}.{token}.{key_authorization}.{ttl_secs}".
func SignaturePayload(timestamp int64, token, keyAuthorization string, ttlSecs int) string {
	return fmt.Sprintf("%d.%s.%s.%d", timestamp, token, keyAuthorization, ttlSecs)
}

// SignPayload computes the base64 HMAC-SHA256 tag over payload with the
// given secret.
func SignPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verifySignature decodes the base64 signature and compares it against the
// expected tag in constant time.
func verifySignature(key []byte, signature, payload string) bool {
	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return hmac.Equal(decoded, mac.Sum(nil))
}

// withinSkew reports whether the signed timestamp is within the allowed
// clock skew of now.
func withinSkew(timestamp int64, maxSkewSecs int, now time.Time) bool {
	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	return skew <= int64(maxSkewSecs)
}

// Run starts the public and admin servers and the expiry sweeper, and blocks
// until the context is cancelled or a server fails. On cancellation both
// servers are shut down gracefully.
func (s *Server) Run(ctx context.Context) error {
	settings := s.currentSettings()

	public := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           s.PublicHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := &http.Server{
		Addr:              settings.AdminAddr,
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	defer close(done)
	go s.sweepLoop(done)

	errCh := make(chan error, 2)
	logrus.Infof("Starting HTTP-01 responder on %s", settings.ListenAddr)
	go func() {
		if err := public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("challenge server failed: %w", err)
		}
	}()
	logrus.Infof("Starting HTTP-01 admin API on %s", settings.AdminAddr)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server failed: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = public.Shutdown(shutdownCtx)
	_ = admin.Shutdown(shutdownCtx)
	return runErr
}
