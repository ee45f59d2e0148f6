// Package creds loads ICE servers and broker list/credentials from an
// external provider (spec.md §4.4 "Credentials loader", §6 "Credentials
// provider contract"). Grounded on aq-server/internal/api/jwt.go's
// token-minting shape (repurposed here to mint an outbound bearer token)
// and aq-server/internal/database.Init's env-cascade-with-fallback
// pattern (generalized to ICE/STUN fallback).
package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"meshsig/internal/wire"
)

// defaultSTUNServers is the hardcoded public STUN set used when no
// provider is configured or the provider returns no ICE servers; a failed
// provider request is returned as an error instead.
var defaultSTUNServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// BrokerCredential is one entry in the provider's broker list.
type BrokerCredential struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Bundle is the loaded credential set (spec.md §6 "Credentials provider
// contract").
type Bundle struct {
	ICEServers []webrtc.ICEServer
	Brokers    []BrokerCredential
}

type providerResponse struct {
	ICEServers []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
	Brokers []BrokerCredential `json:"brokers"`
}

// tokenClaims mirrors aq-server/internal/api/jwt.go's TokenClaims shape,
// narrowed to what a credentials-provider call needs to self-identify.
type tokenClaims struct {
	RoomID   string `json:"room_id"`
	UserName string `json:"user_name"`
	jwt.RegisteredClaims
}

// Loader fetches and memoizes the credential bundle for the process
// lifetime (spec.md §4.4: "cached per process... called once per
// process").
type Loader struct {
	providerURL string
	signingKey  string
	httpClient  *http.Client
	logger      logging.LeveledLogger

	once   sync.Once
	bundle Bundle
	err    error
}

// NewLoader builds a Loader against providerURL. signingKey, if
// non-empty, mints an optional self-identifying bearer token
// (golang-jwt/jwt/v5) presented to the provider; the provider never
// needs to verify it for this client to function.
func NewLoader(providerURL, signingKey string, logger logging.LeveledLogger) *Loader {
	return &Loader{
		providerURL: providerURL,
		signingKey:  signingKey,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}
}

// Load fetches the credential bundle once per process; subsequent calls
// return the memoized result. A transport-level failure is reported as
// wire.ErrCredentialUnavailable; a successful-but-empty ICE server list
// falls back to the hardcoded STUN set rather than failing the join.
func (l *Loader) Load(ctx context.Context, roomID, userName string) (Bundle, error) {
	l.once.Do(func() {
		l.bundle, l.err = l.fetch(ctx, roomID, userName)
	})
	return l.bundle, l.err
}

// Reset clears the memoized bundle, allowing a fresh Load (spec.md §9
// "Global state" design note: process-wide state is reset via an
// explicit teardown seam, not left to linger across tests/rejoins).
func (l *Loader) Reset() {
	l.once = sync.Once{}
	l.bundle = Bundle{}
	l.err = nil
}

func (l *Loader) fetch(ctx context.Context, roomID, userName string) (Bundle, error) {
	if l.providerURL == "" {
		return Bundle{ICEServers: defaultSTUNServers}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.providerURL, nil)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: build request: %v", wire.ErrCredentialUnavailable, err)
	}
	q := req.URL.Query()
	q.Set("roomId", roomID)
	req.URL.RawQuery = q.Encode()

	if token, err := l.mintToken(roomID, userName); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		if l.logger != nil {
			l.logger.Warnf("credentials provider unreachable: %v", err)
		}
		return Bundle{}, fmt.Errorf("%w: %v", wire.ErrCredentialUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Bundle{}, fmt.Errorf("%w: provider returned status %d", wire.ErrCredentialUnavailable, resp.StatusCode)
	}

	var parsed providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Bundle{}, fmt.Errorf("%w: decode response: %v", wire.ErrCredentialUnavailable, err)
	}

	bundle := Bundle{Brokers: parsed.Brokers}
	for _, s := range parsed.ICEServers {
		bundle.ICEServers = append(bundle.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(bundle.ICEServers) == 0 {
		if l.logger != nil {
			l.logger.Infof("credentials provider returned no ICE servers, falling back to STUN")
		}
		bundle.ICEServers = defaultSTUNServers
	}

	return bundle, nil
}

func (l *Loader) mintToken(roomID, userName string) (string, error) {
	if l.signingKey == "" {
		return "", nil
	}

	claims := tokenClaims{
		RoomID:   roomID,
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(l.signingKey))
}
