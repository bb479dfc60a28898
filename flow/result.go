package flow

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Result keys, as they appear in the redirect and in [Result.Map].
const (
	ResultError                = "error"
	ResultErrorDescription     = "error_description"
	ResultAccessToken          = "access_token"
	ResultPrincipalID          = "principalID"
	ResultPrincipalIDNS        = "principalIDNS"
	ResultContextInstitutionID = "context_institution_id"
	ResultTokenType            = "token_type"
	ResultExpiresIn            = "expires_in"
	ResultExpiresAt            = "expires_at"
)

// Error codes reported in [Result.Error]. All but ErrorSystem are reported by the authentication
// server.
const (
	ErrorInvalidRequest = "invalid_request"
	ErrorInvalidToken   = "invalid_token"
	ErrorTokenRevoked   = "token_revoked"
	ErrorTokenExpired   = "token_expired"
	ErrorAccessDenied   = "access_denied"
	ErrorServer         = "server_error"
	ErrorSystem         = "system_error"
)

// maxExpiresIn is the largest expires_in, in seconds, that fits a time.Duration. Larger values leave
// ExpiresAt unset.
const maxExpiresIn = math.MaxInt64 / int64(time.Second)

// ExpiresAtLayout is the UTC layout used for the expires_at result key.
const ExpiresAtLayout = "2006-01-02 15:04:05Z"

// ErrNotJWT is returned by [Result.Claims] when the access token is not a JWT.
var ErrNotJWT = errors.New("access token is not a JWT")

// Result is the outcome of an authentication flow. Fields that were not present in the redirect
// are left empty.
type Result struct {
	Error                string
	ErrorDescription     string
	AccessToken          string
	PrincipalID          string
	PrincipalIDNS        string
	ContextInstitutionID string
	TokenType            string
	// ExpiresIn is the token lifetime in seconds, as received.
	ExpiresIn string
	// ExpiresAt is the absolute UTC expiry. Zero unless ExpiresIn is a non-negative integer of at
	// most 9223372036 seconds.
	ExpiresAt time.Time
}

// Map returns the result in its key/value form. Empty fields are omitted.
func (r Result) Map() map[string]string {
	m := make(map[string]string, 9)
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set(ResultError, r.Error)
	set(ResultErrorDescription, r.ErrorDescription)
	set(ResultAccessToken, r.AccessToken)
	set(ResultPrincipalID, r.PrincipalID)
	set(ResultPrincipalIDNS, r.PrincipalIDNS)
	set(ResultContextInstitutionID, r.ContextInstitutionID)
	set(ResultTokenType, r.TokenType)
	set(ResultExpiresIn, r.ExpiresIn)
	if !r.ExpiresAt.IsZero() {
		m[ResultExpiresAt] = r.ExpiresAt.UTC().Format(ExpiresAtLayout)
	}
	return m
}

// HasToken reports whether the result carries an access token and no error.
func (r Result) HasToken() bool {
	return r.AccessToken != "" && r.Error == ""
}

// Remaining returns how long the token stays valid after now. It returns 0 for expired tokens and
// for results without an expiry.
func (r Result) Remaining(now time.Time) time.Duration {
	if r.ExpiresAt.IsZero() {
		return 0
	}
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the token has an expiry that has passed.
func (r Result) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Claims decodes the access token as a JWT without verifying its signature. The claims must not be
// trusted for authorization decisions.
func (r Result) Claims() (jwt.MapClaims, error) {
	if strings.Count(r.AccessToken, ".") != 2 {
		return nil, ErrNotJWT
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(r.AccessToken, claims); err != nil {
		return nil, errors.Join(ErrNotJWT, err)
	}
	return claims, nil
}

// Parser turns a captured redirect URI into a Result.
type Parser struct {
	// RedirectURI is the prefix removed from captured URIs.
	RedirectURI string
	// Now is read once per Parse to compute the expiry. Defaults to time.Now.
	Now func() time.Time
}

// Parse extracts the result parameters from uri. The parameters may follow either a '#' or a '?'.
// Unknown keys are ignored, the last occurrence of a duplicate key wins and pairs that are not of
// the form key=value are skipped.
func (p Parser) Parse(uri string) Result {
	rest := strings.TrimPrefix(uri, p.RedirectURI)
	if i := strings.IndexAny(rest, "#?"); i >= 0 {
		rest = rest[i+1:]
	}

	var res Result
	for pair := range strings.SplitSeq(rest, "&") {
		rawKey, rawValue, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			continue
		}
		switch key {
		case ResultError:
			res.Error = value
		case ResultErrorDescription:
			res.ErrorDescription = value
		case ResultAccessToken:
			res.AccessToken = value
		case ResultPrincipalID:
			res.PrincipalID = value
		case ResultPrincipalIDNS:
			res.PrincipalIDNS = value
		case ResultContextInstitutionID:
			res.ContextInstitutionID = value
		case ResultTokenType:
			res.TokenType = value
		case ResultExpiresIn:
			res.ExpiresIn = value
		}
	}

	if secs, err := strconv.Atoi(res.ExpiresIn); err == nil && secs >= 0 && int64(secs) <= maxExpiresIn {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		res.ExpiresAt = now().UTC().Add(time.Duration(secs) * time.Second)
	}
	return res
}
