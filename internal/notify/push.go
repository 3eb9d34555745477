package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lapio/internal/util"
)

const (
	apnsHost        = "https://api.push.apple.com"
	apnsSandboxHost = "https://api.sandbox.push.apple.com"

	// Apple wants provider tokens reused for 20-60 minutes.
	providerTokenTTL = 50 * time.Minute
)

// APNs sends alert pushes using token-based provider auth, so no
// certificate is needed, just the .p8 signing key.
type APNs struct {
	host     string
	keyPath  string
	keyID    string
	teamID   string
	bundleID string

	tokens *util.TTLCache[string]
	client *http.Client
}

// NewAPNs creates a sender. sandbox selects Apple's development
// gateway for debug builds of the iOS app.
func NewAPNs(keyPath, keyID, teamID, bundleID string, sandbox bool) *APNs {
	host := apnsHost
	if sandbox {
		host = apnsSandboxHost
	}
	return &APNs{
		host:     host,
		keyPath:  keyPath,
		keyID:    keyID,
		teamID:   teamID,
		bundleID: bundleID,
		tokens:   util.NewTTLCache[string](providerTokenTTL),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether every credential needed for pushes is set.
func (a *APNs) Configured() bool {
	return a.keyPath != "" && a.keyID != "" && a.teamID != "" && a.bundleID != ""
}

// Send delivers one alert push to a device token.
func (a *APNs) Send(ctx context.Context, deviceToken, title, body string) error {
	if !a.Configured() {
		return fmt.Errorf("apns credentials not set")
	}
	provider, err := a.providerToken()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{"title": title, "body": body},
			"sound": "default",
		},
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/3/device/%s", a.host, deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "bearer "+provider)
	req.Header.Set("apns-topic", a.bundleID)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("apns request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("apns returned %d: %s", resp.StatusCode, raw)
	}
	return nil
}

// providerToken returns a cached ES256 provider JWT, minting a fresh
// one when the cached token ages out.
func (a *APNs) providerToken() (string, error) {
	if tok, ok := a.tokens.Get("provider"); ok {
		return tok, nil
	}

	pem, err := os.ReadFile(a.keyPath)
	if err != nil {
		return "", fmt.Errorf("reading apns key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pem)
	if err != nil {
		return "", fmt.Errorf("parsing apns key: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": a.teamID,
		"iat": time.Now().Unix(),
	})
	token.Header["kid"] = a.keyID
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing apns token: %w", err)
	}
	a.tokens.Set("provider", signed)
	return signed, nil
}
