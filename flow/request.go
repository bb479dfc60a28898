package flow

import (
	"fmt"
	"net/url"
	"strings"
)

// Keys accepted by [RequestFromMap]. They match the parameter names of the authentication
// parameter file.
const (
	KeyBaseURL                     = "authenticatingServerBaseUrl"
	KeyClientID                    = "wskey"
	KeyAuthenticatingInstitutionID = "authenticatingInstitutionId"
	KeyContextInstitutionID        = "contextInstitutionId"
	KeyRedirectURL                 = "redirectUrl"
	KeyScope                       = "scope"
	KeyResponseType                = "responseType"
)

// ResponseTypeToken is the only response type supported by the implicit grant.
const ResponseTypeToken = "token"

// forbiddenScheme may never be used for a redirect URI. A token redirected to an http URL could be
// delivered to a general purpose browser.
const forbiddenScheme = "http://"

// Request holds the parameters of an authorization request.
type Request struct {
	// BaseURL is the authorization endpoint of the authentication server.
	BaseURL string
	// ClientID is the client ID portion of the WSKey.
	ClientID string
	// AuthenticatingInstitutionID is the institution granting the user authorization.
	AuthenticatingInstitutionID string
	// ContextInstitutionID is the institution the token will be valid for. Often the same as
	// AuthenticatingInstitutionID.
	ContextInstitutionID string
	// RedirectURI is watched for during the flow and never actually navigated to. It must use a
	// private scheme such as "myapp://redirect".
	RedirectURI string
	// Scope is a space separated list of services. Optional.
	Scope        string
	ResponseType string
}

// RequestFromMap builds a Request from the key/value form of the parameters. Unknown keys are
// ignored. The request is not validated.
func RequestFromMap(m map[string]string) Request {
	return Request{
		BaseURL:                     m[KeyBaseURL],
		ClientID:                    m[KeyClientID],
		AuthenticatingInstitutionID: m[KeyAuthenticatingInstitutionID],
		ContextInstitutionID:        m[KeyContextInstitutionID],
		RedirectURI:                 m[KeyRedirectURL],
		Scope:                       m[KeyScope],
		ResponseType:                m[KeyResponseType],
	}
}

// ConfigError is returned when a Request is incomplete or unsafe.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks that all required fields are set and the redirect URI is not an http URL.
func (r Request) Validate() error {
	required := []struct {
		field, value string
	}{
		{KeyBaseURL, r.BaseURL},
		{KeyClientID, r.ClientID},
		{KeyAuthenticatingInstitutionID, r.AuthenticatingInstitutionID},
		{KeyContextInstitutionID, r.ContextInstitutionID},
		{KeyRedirectURL, r.RedirectURI},
		{KeyResponseType, r.ResponseType},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return &ConfigError{Field: f.field, Reason: "missing"}
		}
	}
	if r.ResponseType != ResponseTypeToken {
		return &ConfigError{Field: KeyResponseType, Reason: fmt.Sprintf("must be %q, got %q", ResponseTypeToken, r.ResponseType)}
	}
	if len(r.RedirectURI) >= len(forbiddenScheme) && strings.EqualFold(r.RedirectURI[:len(forbiddenScheme)], forbiddenScheme) {
		return &ConfigError{Field: KeyRedirectURL, Reason: "must not use the http:// scheme"}
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return &ConfigError{Field: KeyBaseURL, Reason: err.Error()}
	}
	if !u.IsAbs() || u.Host == "" {
		return &ConfigError{Field: KeyBaseURL, Reason: "must be an absolute URL"}
	}
	return nil
}

// BuildURL validates the request and returns the authorization URL the surface should load.
func BuildURL(r Request) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return "", &ConfigError{Field: KeyBaseURL, Reason: err.Error()}
	}

	params := [][2]string{
		{"client_id", r.ClientID},
		{"authenticatingInstitutionId", r.AuthenticatingInstitutionID},
		{"contextInstitutionId", r.ContextInstitutionID},
		{"redirect_uri", r.RedirectURI},
		{"response_type", r.ResponseType},
	}
	if r.Scope != "" {
		params = append(params, [2]string{"scope", r.Scope})
	}

	existing := u.Query()
	for _, p := range params {
		existing.Del(p[0])
	}
	var sb strings.Builder
	if len(existing) > 0 {
		sb.WriteString(existing.Encode())
	}
	for _, p := range params {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(escape(p[0]))
		sb.WriteByte('=')
		sb.WriteString(escape(p[1]))
	}
	u.RawQuery = sb.String()
	u.Fragment = ""
	return u.String(), nil
}

// escape percent-encodes s for use in a query string, encoding spaces as %20 rather than '+'.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
