/*
Package config loads the parameters of an authentication flow from a JSON or YAML file.

The file holds the request parameters under the same keys the flow package uses, plus an optional
"options" object:

	{
	  "authenticatingServerBaseUrl": "https://authn.example.org/oauth2/authorizeCode",
	  "wskey": "abc123",
	  "authenticatingInstitutionId": "1",
	  "contextInstitutionId": "1",
	  "redirectUrl": "myapp://redirect",
	  "scope": "service",
	  "responseType": "token",
	  "options": {"timeout": "2m", "requireToken": true, "retryMax": 2, "maxRedirects": 10}
	}
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/getlantern/implicitauth/flow"
)

// Keys of the "options" object.
const (
	TimeoutKey      = "options.timeout"
	RequireTokenKey = "options.requireToken"
	RetryMaxKey     = "options.retryMax"
	MaxRedirectsKey = "options.maxRedirects"
)

// Format of a parameter file.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// ErrEmpty is returned when the parameter file has no content.
var ErrEmpty = errors.New("empty parameter file")

// FlowOptions tune how a flow is run.
type FlowOptions struct {
	// Timeout bounds a flow. Zero means no timeout.
	Timeout time.Duration
	// RequireToken reports success only for redirects carrying an access token.
	RequireToken bool
	// RetryMax is the number of retries of the headless surface.
	RetryMax int
	// MaxRedirects bounds the redirect chain followed by the headless surface.
	MaxRedirects int
}

// Policy returns the success policy selected by the options.
func (o FlowOptions) Policy() flow.SuccessPolicy {
	if o.RequireToken {
		return flow.SuccessOnToken
	}
	return flow.SuccessOnIntercept
}

// File is the content of a parameter file.
type File struct {
	Request flow.Request
	Options FlowOptions
}

// Load reads the parameter file at path. Files ending in .yml or .yaml are parsed as YAML, all
// others as JSON. A WSKey set in the environment overrides the one in the file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading parameter file: %w", err)
	}
	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		format = FormatYAML
	}
	f, err := Parse(raw, format)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", filepath.Base(path), err)
	}
	if wskey, ok := Get[string](WSKey); ok && wskey != "" {
		f.Request.ClientID = wskey
	}
	return f, nil
}

// Parse parses the content of a parameter file. The request is not validated; the flow reports
// invalid requests itself.
func Parse(raw []byte, format Format) (*File, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, ErrEmpty
	}
	if format == FormatYAML {
		converted, err := yaml.YAMLToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("converting yaml: %w", err)
		}
		raw = converted
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), json.Parser()); err != nil {
		return nil, fmt.Errorf("parsing parameters: %w", err)
	}

	params := make(map[string]string)
	for _, key := range []string{
		flow.KeyBaseURL,
		flow.KeyClientID,
		flow.KeyAuthenticatingInstitutionID,
		flow.KeyContextInstitutionID,
		flow.KeyRedirectURL,
		flow.KeyScope,
		flow.KeyResponseType,
	} {
		params[key] = k.String(key)
	}

	return &File{
		Request: flow.RequestFromMap(params),
		Options: FlowOptions{
			Timeout:      k.Duration(TimeoutKey),
			RequireToken: k.Bool(RequireTokenKey),
			RetryMax:     k.Int(RetryMaxKey),
			MaxRedirects: k.Int(MaxRedirectsKey),
		},
	}, nil
}
