package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Provisioner obtains the short-lived access token for a connect attempt and
// performs the descriptor exchange with the remote endpoint. The token is
// minted server-side behind SessionURL; the client never holds the real
// credential.
type Provisioner struct {
	// SessionURL is the credential-provisioning endpoint (POST, no body).
	SessionURL string

	// ExchangeURL is the remote descriptor-exchange endpoint, including any
	// model query parameter.
	ExchangeURL string

	// HTTPClient is the client used for both calls. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

func (p *Provisioner) httpClient() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

// EphemeralKey fetches a short-lived access token. The response must be 2xx
// JSON; the token is accepted at client_secret.value, client_secret.secret,
// or client_secret itself, in that order. Failures are fatal for the connect
// attempt and carry the truncated response body.
func (p *Provisioner) EphemeralKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.SessionURL, nil)
	if err != nil {
		return "", &Error{Kind: KindProvisioning, Code: "session_request_failed", Message: err.Error()}
	}

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return "", &Error{Kind: KindProvisioning, Code: "session_request_failed", Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindProvisioning, Code: "session_read_failed", Message: err.Error(), HTTPStatus: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{
			Kind:       KindProvisioning,
			Code:       "session_create_failed",
			Message:    fmt.Sprintf("session POST failed %d: %s", resp.StatusCode, truncate(string(body), 500)),
			HTTPStatus: resp.StatusCode,
		}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return "", &Error{
			Kind:       KindProvisioning,
			Code:       "session_not_json",
			Message:    fmt.Sprintf("session endpoint returned %q: %s", ct, truncate(string(body), 500)),
			HTTPStatus: resp.StatusCode,
		}
	}

	var payload struct {
		Model        string          `json:"model"`
		ClientSecret json.RawMessage `json:"client_secret"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &Error{
			Kind:       KindProvisioning,
			Code:       "session_decode_failed",
			Message:    fmt.Sprintf("decode session response: %v: %s", err, truncate(string(body), 500)),
			HTTPStatus: resp.StatusCode,
		}
	}

	key := extractToken(payload.ClientSecret)
	if key == "" {
		return "", &Error{
			Kind:       KindProvisioning,
			Code:       "session_no_key",
			Message:    "no ephemeral key in session response: " + truncate(string(body), 500),
			HTTPStatus: resp.StatusCode,
		}
	}
	return key, nil
}

// extractToken tolerates the token shapes the endpoint has been seen to
// return: {"value": ...}, {"secret": ...}, or a bare string. The precedence
// order is load-bearing and deliberately preserved.
func extractToken(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Value  string `json:"value"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Value != "" {
			return obj.Value
		}
		if obj.Secret != "" {
			return obj.Secret
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// ExchangeSDP posts the local session descriptor bearing the short-lived
// token and returns the remote descriptor. Non-2xx is fatal.
func (p *Provisioner) ExchangeSDP(ctx context.Context, token, offerSDP string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ExchangeURL, strings.NewReader(offerSDP))
	if err != nil {
		return "", &Error{Kind: KindNegotiation, Code: "sdp_request_failed", Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return "", &Error{Kind: KindNegotiation, Code: "sdp_request_failed", Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindNegotiation, Code: "sdp_read_failed", Message: err.Error(), HTTPStatus: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &Error{
			Kind:       KindNegotiation,
			Code:       "sdp_exchange_failed",
			Message:    fmt.Sprintf("SDP POST failed %d: %s", resp.StatusCode, truncate(string(body), 500)),
			HTTPStatus: resp.StatusCode,
		}
	}
	return string(body), nil
}
