package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"linguacall/internal/domain"
	"linguacall/pkg/constants"
	apperrors "linguacall/pkg/errors"
	"linguacall/pkg/jwt"
	"linguacall/pkg/logger"
)

// HTTPIssuerConfig locates the credential issuing endpoint
type HTTPIssuerConfig struct {
	BaseURL        string
	TokenPath      string
	RequestTimeout time.Duration
	// AccessToken is the user's bearer token, sent when non-empty
	AccessToken string
}

// HTTPIssuer requests credentials with GET <base><path>?channel=&uid=
type HTTPIssuer struct {
	cfg    HTTPIssuerConfig
	client *http.Client
	now    func() time.Time
	log    *zap.Logger
}

// NewHTTPIssuer creates an issuer client. client may be nil.
func NewHTTPIssuer(cfg HTTPIssuerConfig, client *http.Client) *HTTPIssuer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = constants.IssuerRequestTimeout
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = "/api/token"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPIssuer{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		log:    logger.Named("issuer"),
	}
}

// issueResponse accepts the credential either at the top level or under "data"
type issueResponse struct {
	Token       string               `json:"token"`
	UID         domain.ParticipantID `json:"uid"`
	Channel     string               `json:"channel"`
	ExpiresAt   int64                `json:"expiresAt"`
	GeneratedAt int64                `json:"generatedAt"`
	Data        *issueResponse       `json:"data"`
}

// Issue fetches a credential. Non-2xx responses and responses without a token fail.
func (i *HTTPIssuer) Issue(ctx context.Context, channel string, uid domain.ParticipantID) (domain.Credential, error) {
	if strings.TrimSpace(channel) == "" {
		return domain.Credential{}, apperrors.InvalidInputError("channel is required")
	}
	if i.cfg.AccessToken != "" && jwt.IsTokenExpired(i.cfg.AccessToken, i.now()) {
		return domain.Credential{}, apperrors.InvalidCredentialError("access token expired")
	}

	endpoint, err := i.endpoint(channel, uid)
	if err != nil {
		return domain.Credential{}, apperrors.CredentialIssueError("invalid issuer URL", err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Credential{}, apperrors.CredentialIssueError("failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("ngrok-skip-browser-warning", "true")
	if i.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+i.cfg.AccessToken)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return domain.Credential{}, apperrors.CredentialIssueError("token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Credential{}, apperrors.CredentialIssueError("failed to read token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Credential{}, apperrors.CredentialIssueError(
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil,
		).WithDetails(strings.TrimSpace(string(body)))
	}

	var parsed issueResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.Credential{}, apperrors.CredentialIssueError("invalid token response", err)
	}
	if parsed.Token == "" && parsed.Data != nil {
		parsed = *parsed.Data
	}
	if parsed.Token == "" {
		return domain.Credential{}, apperrors.CredentialIssueError("token response missing token", nil)
	}

	cred := domain.Credential{
		Token:   parsed.Token,
		Channel: parsed.Channel,
		UID:     parsed.UID,
	}
	if cred.Channel == "" {
		cred.Channel = channel
	}
	if cred.UID.IsZero() {
		cred.UID = uid
	}
	if parsed.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(parsed.ExpiresAt, 0)
	}
	if parsed.GeneratedAt > 0 {
		cred.IssuedAt = time.Unix(parsed.GeneratedAt, 0)
	} else {
		cred.IssuedAt = i.now()
	}

	i.log.Debug("Credential issued",
		zap.String("channel", cred.Channel),
		zap.Stringer("participant_id", cred.UID),
		zap.Time("expires_at", cred.ExpiresAt),
	)
	return cred, nil
}

func (i *HTTPIssuer) endpoint(channel string, uid domain.ParticipantID) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(i.cfg.BaseURL), "/")
	path := i.cfg.TokenPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u, err := url.Parse(base + path)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("issuer URL %q must be absolute", base+path)
	}

	q := u.Query()
	q.Set("channel", channel)
	q.Set("uid", uid.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
