// Copyright 2025 Datalink
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"datalink/connections/base"
)

// DefaultAPIKeyHeader is the header used for API key auth when the
// config does not name one.
const DefaultAPIKeyHeader = "X-API-Key"

// AuthProvider mutates an outbound request with credential material.
// Providers never log the material they carry.
type AuthProvider interface {
	Apply(ctx context.Context, req *http.Request) error
	Type() string
}

// buildAuth constructs the auth provider named by the config's
// auth_type setting. An empty or "none" type yields a nil provider.
func buildAuth(config *base.ConnectorConfig) (AuthProvider, error) {
	authType := strings.ToLower(config.StringSetting("auth_type", "none"))

	switch authType {
	case "", "none":
		return nil, nil
	case "basic":
		return &basicAuth{
			username: config.Credential("username"),
			password: config.Credential("password"),
		}, nil
	case "bearer":
		return &bearerAuth{token: config.Credential("token")}, nil
	case "apikey", "api_key", "api-key":
		return &apiKeyAuth{
			key:    config.Credential("api_key"),
			header: config.StringSetting("api_key_header", DefaultAPIKeyHeader),
		}, nil
	case "oauth2":
		tokenURL := config.StringSetting("token_url", "")
		if tokenURL == "" {
			return nil, base.NewError(base.CodeInvalidConfig, config.ID, "Connect",
				`oauth2 auth requires the "token_url" setting`, nil)
		}
		var scopes []string
		if raw, ok := config.Settings["scopes"].([]interface{}); ok {
			for _, s := range raw {
				if str, ok := s.(string); ok {
					scopes = append(scopes, str)
				}
			}
		}
		return &oauth2Auth{
			tokenURL:     tokenURL,
			clientID:     config.Credential("client_id"),
			clientSecret: config.Credential("client_secret"),
			scopes:       scopes,
			client:       &http.Client{Timeout: config.EffectiveTimeout()},
		}, nil
	case "custom":
		headers := make(map[string]string)
		if raw, ok := config.Settings["auth_headers"].(map[string]interface{}); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
		}
		for k, v := range config.Credentials {
			if strings.HasPrefix(k, "header:") {
				headers[strings.TrimPrefix(k, "header:")] = v
			}
		}
		return &customAuth{headers: headers}, nil
	default:
		return nil, base.NewError(base.CodeInvalidConfig, config.ID, "Connect",
			fmt.Sprintf("unknown auth_type %q", authType), nil)
	}
}

type basicAuth struct {
	username string
	password string
}

func (a *basicAuth) Apply(ctx context.Context, req *http.Request) error {
	if a.username == "" {
		return base.NewError(base.CodeAuthFailed, "", "auth", "basic auth username is not set", nil)
	}
	req.SetBasicAuth(a.username, a.password)
	return nil
}

func (a *basicAuth) Type() string { return "basic" }

type bearerAuth struct {
	token string
}

func (a *bearerAuth) Apply(ctx context.Context, req *http.Request) error {
	if a.token == "" {
		return base.NewError(base.CodeAuthFailed, "", "auth", "bearer token is not set", nil)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	return nil
}

func (a *bearerAuth) Type() string { return "bearer" }

type apiKeyAuth struct {
	key    string
	header string
}

func (a *apiKeyAuth) Apply(ctx context.Context, req *http.Request) error {
	if a.key == "" {
		return base.NewError(base.CodeAuthFailed, "", "auth", "API key is not set", nil)
	}
	req.Header.Set(a.header, a.key)
	return nil
}

func (a *apiKeyAuth) Type() string { return "api_key" }

// oauth2Auth performs the client-credentials grant and refreshes the
// access token shortly before it expires.
type oauth2Auth struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scopes       []string
	client       *http.Client

	accessToken string
	expiresAt   time.Time
	mu          sync.Mutex
}

func (a *oauth2Auth) Apply(ctx context.Context, req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken == "" || a.expired() {
		if err := a.refresh(ctx); err != nil {
			return err
		}
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	return nil
}

// expired treats the token as stale 30 seconds early so an in-flight
// request cannot carry a token that dies mid-call.
func (a *oauth2Auth) expired() bool {
	if a.expiresAt.IsZero() {
		return a.accessToken == ""
	}
	return time.Now().Add(30 * time.Second).After(a.expiresAt)
}

func (a *oauth2Auth) refresh(ctx context.Context) error {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", a.clientID)
	data.Set("client_secret", a.clientSecret)
	if len(a.scopes) > 0 {
		data.Set("scope", strings.Join(a.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return base.NewError(base.CodeAuthFailed, "", "auth", "failed to create token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return base.NewError(base.CodeAuthFailed, "", "auth", "token request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return base.NewError(base.CodeAuthFailed, "", "auth",
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode), nil)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return base.NewError(base.CodeAuthFailed, "", "auth", "failed to parse token response", err)
	}

	a.accessToken = tokenResp.AccessToken
	if tokenResp.ExpiresIn > 0 {
		a.expiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	} else {
		a.expiresAt = time.Time{}
	}
	return nil
}

func (a *oauth2Auth) Type() string { return "oauth2" }

// customAuth sets a fixed header map on every request.
type customAuth struct {
	headers map[string]string
}

func (a *customAuth) Apply(ctx context.Context, req *http.Request) error {
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	return nil
}

func (a *customAuth) Type() string { return "custom" }
