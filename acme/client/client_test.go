package client

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/bootroot/acme"
	acmenet "github.com/cpu/bootroot/net"
)

// testACME is a stub ACME server covering the endpoints the client touches.
type testACME struct {
	t  *testing.T
	mu sync.Mutex

	directoryFailures int
	directoryCalls    int

	// requests holds the most recent recorded POST body for each path.
	requests map[string][]byte
}

func newTestACME(t *testing.T) (*testACME, *httptest.Server) {
	stub := &testACME{t: t, requests: map[string][]byte{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.directoryCalls++
		fail := stub.directoryCalls <= stub.directoryFailures
		stub.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		host := "http://" + r.Host
		fmt.Fprintf(w, `{"newNonce":%q,"newAccount":%q,"newOrder":%q}`,
			host+"/nonce", host+"/account", host+"/order")
	})
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-123")
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		w.Header().Set("Location", "http://"+r.Host+"/account/1")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"status":"valid"}`)
	})
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		host := "http://" + r.Host
		w.Header().Set("Location", host+"/order/1")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"status":"pending","finalize":%q,"authorizations":[]}`,
			host+"/finalize")
	})
	mux.HandleFunc("/order/1", func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		host := "http://" + r.Host
		fmt.Fprintf(w, `{"status":"pending","finalize":%q,"authorizations":[]}`,
			host+"/finalize")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return stub, server
}

func (s *testACME) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests[r.URL.Path] = body
	s.mu.Unlock()
}

func (s *testACME) request(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func newTestClient(t *testing.T, directoryURL string, attempts int) *Client {
	t.Helper()
	transport, err := acmenet.New(acmenet.Config{})
	require.NoError(t, err)

	client, err := NewClient(Config{
		DirectoryURL:           directoryURL,
		ContactEmail:           "test@example.com",
		DirectoryFetchAttempts: attempts,
		PollAttempts:           15,
		PollInterval:           time.Second,
		AllowHTTP:              true,
	}, transport)
	require.NoError(t, err)
	return client
}

// jwsEnvelope is the serialized JWS body shape the client POSTs.
type jwsEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

func decodeProtected(t *testing.T, envelope jwsEnvelope) map[string]interface{} {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(envelope.Protected)
	require.NoError(t, err)
	var header map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &header))
	return header
}

func TestDirectoryRetriesThenSucceeds(t *testing.T) {
	stub, server := newTestACME(t)
	stub.directoryFailures = 2

	client := newTestClient(t, server.URL+"/directory", 3)
	_, err := client.Directory()
	require.NoError(t, err)
	assert.Equal(t, 3, stub.directoryCalls)
}

func TestDirectoryFailsAfterRetries(t *testing.T) {
	stub, server := newTestACME(t)
	stub.directoryFailures = 3

	client := newTestClient(t, server.URL+"/directory", 3)
	_, err := client.Directory()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDirectoryUnavailable))
	assert.Equal(t, 3, stub.directoryCalls)
}

func TestNonceReadsReplayNonceHeader(t *testing.T) {
	_, server := newTestACME(t)

	client := newTestClient(t, server.URL+"/directory", 1)
	nonce, err := client.Nonce()
	require.NoError(t, err)
	assert.Equal(t, "nonce-123", nonce)
}

func TestNonceConsumesCachedValue(t *testing.T) {
	_, server := newTestACME(t)

	client := newTestClient(t, server.URL+"/directory", 1)
	client.nonce = "cached-nonce"

	nonce, err := client.Nonce()
	require.NoError(t, err)
	assert.Equal(t, "cached-nonce", nonce)
	assert.Empty(t, client.nonce)

	// With the cache consumed the next call fetches a fresh nonce.
	nonce, err = client.Nonce()
	require.NoError(t, err)
	assert.Equal(t, "nonce-123", nonce)
}

func TestNonceMissingHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		host := "http://" + r.Host
		fmt.Fprintf(w, `{"newNonce":%q,"newAccount":%q,"newOrder":%q}`,
			host+"/nonce", host+"/account", host+"/order")
	})
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL+"/directory", 1)
	_, err := client.Nonce()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonceMissing))
}

func TestCreateOrderIdentifierTyping(t *testing.T) {
	stub, server := newTestACME(t)

	client := newTestClient(t, server.URL+"/directory", 1)
	order, err := client.CreateOrder([]string{"example.internal", "192.0.2.10", "2001:db8::1"})
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/order/1", order.URL)

	var envelope jwsEnvelope
	require.NoError(t, json.Unmarshal(stub.request("/order"), &envelope))

	payload, err := base64.RawURLEncoding.DecodeString(envelope.Payload)
	require.NoError(t, err)
	assert.Equal(t,
		`{"identifiers":[{"type":"dns","value":"example.internal"},`+
			`{"type":"ip","value":"192.0.2.10"},`+
			`{"type":"ip","value":"2001:db8::1"}]}`,
		string(payload))
}

func TestPostAsGetShape(t *testing.T) {
	stub, server := newTestACME(t)

	client := newTestClient(t, server.URL+"/directory", 1)
	require.NoError(t, client.RegisterAccount())
	require.Equal(t, server.URL+"/account/1", client.KeyID())

	_, err := client.PollOrder(server.URL + "/order/1")
	require.NoError(t, err)

	var envelope jwsEnvelope
	require.NoError(t, json.Unmarshal(stub.request("/order/1"), &envelope))
	assert.Equal(t, "", envelope.Payload, "POST-as-GET must carry a literal empty payload")
	assert.NotEmpty(t, envelope.Signature)

	header := decodeProtected(t, envelope)
	assert.Equal(t, "ES256", header["alg"])
	assert.NotEmpty(t, header["nonce"])
	assert.Equal(t, server.URL+"/order/1", header["url"])
	assert.Equal(t, server.URL+"/account/1", header["kid"])
	_, hasJWK := header["jwk"]
	assert.False(t, hasJWK, "protected header must carry exactly one of jwk or kid")
}

func TestRegisterAccountEmbedsJWK(t *testing.T) {
	stub, server := newTestACME(t)

	client := newTestClient(t, server.URL+"/directory", 1)
	require.NoError(t, client.RegisterAccount())

	var envelope jwsEnvelope
	require.NoError(t, json.Unmarshal(stub.request("/account"), &envelope))

	header := decodeProtected(t, envelope)
	_, hasJWK := header["jwk"]
	assert.True(t, hasJWK)
	_, hasKID := header["kid"]
	assert.False(t, hasKID, "protected header must carry exactly one of jwk or kid")

	payload, err := base64.RawURLEncoding.DecodeString(envelope.Payload)
	require.NoError(t, err)
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &req))
	assert.Equal(t, true, req["termsOfServiceAgreed"])
	assert.Equal(t, []interface{}{"mailto:test@example.com"}, req["contact"])
}

func TestRegisterAccountFailureStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		host := "http://" + r.Host
		fmt.Fprintf(w, `{"newNonce":%q,"newAccount":%q,"newOrder":%q}`,
			host+"/nonce", host+"/account", host+"/order")
	})
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-abc")
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "nope")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL+"/directory", 1)
	err := client.RegisterAccount()
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.Equal(t, "nope", statusErr.Body)
}

func TestExternalAccountBindingStructure(t *testing.T) {
	_, server := newTestACME(t)

	client := newTestClient(t, server.URL+"/directory", 1)
	// HS256 keys must be at least as long as the SHA-256 output (32 bytes).
	secret := []byte("test-secret-0123456789abcdefghij")
	creds := &EABCredentials{
		KID:  "kid-123",
		HMAC: base64.RawURLEncoding.EncodeToString(secret),
	}

	binding, err := client.externalAccountBinding("http://example.com/newAccount", creds)
	require.NoError(t, err)

	var envelope jwsEnvelope
	require.NoError(t, json.Unmarshal(binding, &envelope))

	header := decodeProtected(t, envelope)
	assert.Equal(t, "HS256", header["alg"])
	assert.Equal(t, "kid-123", header["kid"])
	assert.Equal(t, "http://example.com/newAccount", header["url"])

	payload, err := base64.RawURLEncoding.DecodeString(envelope.Payload)
	require.NoError(t, err)
	var jwk map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &jwk))
	assert.Equal(t, "EC", jwk["kty"])
	assert.Equal(t, "P-256", jwk["crv"])
	assert.NotEmpty(t, jwk["x"])
	assert.NotEmpty(t, jwk["y"])

	// The signature must verify over protected "." payload with the raw key.
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(envelope.Protected + "." + envelope.Payload))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, envelope.Signature)
}

func TestInsecureURLRejected(t *testing.T) {
	transport, err := acmenet.New(acmenet.Config{})
	require.NoError(t, err)
	client, err := NewClient(Config{
		DirectoryURL:           "http://example.com/directory",
		DirectoryFetchAttempts: 1,
		PollAttempts:           1,
		PollInterval:           time.Second,
	}, transport)
	require.NoError(t, err)

	_, err = client.Directory()
	require.Error(t, err)

	var insecureErr *InsecureURLError
	require.True(t, errors.As(err, &insecureErr))
	assert.Equal(t, "http://example.com/directory", insecureErr.URL)
}

func TestPollOrderNonSuccessStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		host := "http://" + r.Host
		fmt.Fprintf(w, `{"newNonce":%q,"newAccount":%q,"newOrder":%q}`,
			host+"/nonce", host+"/account", host+"/order")
	})
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-xyz")
	})
	mux.HandleFunc("/order/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "bad request")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL+"/directory", 1)
	_, err := client.PollOrder(server.URL + "/order/2")
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "poll order", statusErr.Op)
}

func TestHTTP01ChallengeSelection(t *testing.T) {
	authz := acme.Authorization{
		Status: acme.StatusPending,
		Challenges: []acme.Challenge{
			{Type: "dns-01", Token: "dns-token"},
			{Type: "http-01", Token: "http-token"},
			{Type: "tls-alpn-01", Token: "alpn-token"},
		},
	}

	chall, ok := authz.HTTP01Challenge()
	require.True(t, ok)
	assert.Equal(t, "http-token", chall.Token)

	authz.Challenges = authz.Challenges[:1]
	_, ok = authz.HTTP01Challenge()
	assert.False(t, ok)
}
