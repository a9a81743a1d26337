package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	helperclient "github.com/docker/docker-credential-helpers/client"
	helpercreds "github.com/docker/docker-credential-helpers/credentials"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TokenUsername is the sentinel username marking the credential's secret as
// an OAuth refresh token rather than a password.
const TokenUsername = "<token>"

// Credential is a username/password pair for a registry.
type Credential struct {
	Username string
	Password string
}

// IsEmpty reports whether no credential is present.
func (c Credential) IsEmpty() bool { return c.Username == "" && c.Password == "" }

// IsRefreshToken reports whether the password is an OAuth refresh token.
func (c Credential) IsRefreshToken() bool { return c.Username == TokenUsername }

// Authorization is an immutable header value obtained from the
// authenticator and attached to each request.
type Authorization struct {
	Scheme string // "Basic" or "Bearer"
	Token  string
}

// HeaderValue renders the Authorization header.
func (a *Authorization) HeaderValue() string { return a.Scheme + " " + a.Token }

// CredentialRetriever resolves a credential for a registry host. Sources
// are tried in order until one produces a non-empty credential.
type CredentialRetriever interface {
	Retrieve(registry string) (Credential, error)
}

// ExplicitCredential always returns the configured pair.
type ExplicitCredential struct {
	Username string
	Password string
}

func (e ExplicitCredential) Retrieve(string) (Credential, error) {
	return Credential{Username: e.Username, Password: e.Password}, nil
}

// HelperCredential shells out to a docker-credential-<name> helper,
// passing the server URL on stdin and parsing {Username, Secret} from
// stdout. "credentials not found" resolves to an empty credential.
type HelperCredential struct {
	Name string
}

func (h HelperCredential) Retrieve(registry string) (Credential, error) {
	program := helperclient.NewShellProgramFunc("docker-credential-" + h.Name)
	creds, err := helperclient.Get(program, registry)
	if err != nil {
		if helpercreds.IsErrCredentialsNotFound(err) {
			return Credential{}, nil
		}
		return Credential{}, errors.Wrapf(err, "credential helper %s failed", h.Name)
	}
	return Credential{Username: creds.Username, Password: creds.Secret}, nil
}

// DockerConfigCredential reads the auths map of a Docker config.json.
type DockerConfigCredential struct {
	// Path of the config file; empty means ~/.docker/config.json.
	Path string
}

func (d DockerConfigCredential) Retrieve(registry string) (Credential, error) {
	path := d.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Credential{}, nil
		}
		path = filepath.Join(home, ".docker", "config.json")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, nil
		}
		return Credential{}, errors.Wrap(err, "failed to read docker config")
	}

	var config struct {
		Auths map[string]struct {
			Auth     string `json:"auth"`
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"auths"`
	}
	if err := json.Unmarshal(content, &config); err != nil {
		return Credential{}, errors.Wrap(err, "failed to parse docker config")
	}

	for server, entry := range config.Auths {
		if !serverMatches(server, registry) {
			continue
		}
		if entry.Auth != "" {
			decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
			if err != nil {
				return Credential{}, errors.Wrap(err, "failed to decode docker config auth")
			}
			user, pass, ok := strings.Cut(string(decoded), ":")
			if !ok {
				return Credential{}, errors.New("malformed docker config auth entry")
			}
			return Credential{Username: user, Password: pass}, nil
		}
		if entry.Username != "" {
			return Credential{Username: entry.Username, Password: entry.Password}, nil
		}
	}
	return Credential{}, nil
}

func serverMatches(configured, registry string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(configured, "https://"), "http://")
	trimmed = strings.TrimSuffix(strings.SplitN(trimmed, "/", 2)[0], "/")
	return trimmed == registry
}

// challenge is a parsed WWW-Authenticate header.
type challenge struct {
	scheme string
	params map[string]string
}

var challengeParamRegexp = regexp.MustCompile(`(\w+)="([^"]*)"`)

func parseChallenge(header string) (*challenge, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	if scheme == "" {
		return nil, errors.New("empty challenge")
	}
	params := map[string]string{}
	for _, m := range challengeParamRegexp.FindAllStringSubmatch(rest, -1) {
		params[strings.ToLower(m[1])] = m[2]
	}
	return &challenge{scheme: scheme, params: params}, nil
}

// Authenticator acquires and refreshes Authorization handles for one
// registry/repository pair. Refresh is serialized; the current handle is
// read under the same mutex.
type Authenticator struct {
	registry   string
	repository string
	sources    []CredentialRetriever
	httpClient *http.Client
	log        *zap.SugaredLogger

	mu      sync.Mutex
	current *Authorization
}

// NewAuthenticator builds an authenticator trying sources in order.
func NewAuthenticator(registry, repository string, sources []CredentialRetriever, httpClient *http.Client, log *zap.SugaredLogger) *Authenticator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Authenticator{
		registry:   registry,
		repository: repository,
		sources:    sources,
		httpClient: httpClient,
		log:        log,
	}
}

// Authorization returns the current handle, or nil before the first
// challenge has been answered.
func (a *Authenticator) Authorization() *Authorization {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Refresh answers a WWW-Authenticate challenge and installs the resulting
// handle as current. scope is the access scope to request when the
// challenge itself does not carry one, e.g. "repository:foo/bar:pull".
func (a *Authenticator) Refresh(ctx context.Context, header, scope string) (*Authorization, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, err := parseChallenge(header)
	if err != nil {
		return nil, &AuthenticationError{Registry: a.registry, Reason: err.Error()}
	}

	credential, err := a.resolveCredential()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(ch.scheme) {
	case "basic":
		if credential.IsEmpty() {
			return nil, &UnauthorizedError{Registry: a.registry, Repository: a.repository}
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(credential.Username + ":" + credential.Password))
		a.current = &Authorization{Scheme: "Basic", Token: encoded}
		return a.current, nil

	case "bearer":
		auth, err := a.fetchBearerToken(ctx, ch, credential, scope)
		if err != nil {
			return nil, err
		}
		a.current = auth
		return auth, nil

	default:
		return nil, &AuthenticationError{Registry: a.registry, Reason: "unsupported challenge scheme " + ch.scheme}
	}
}

func (a *Authenticator) resolveCredential() (Credential, error) {
	for _, source := range a.sources {
		credential, err := source.Retrieve(a.registry)
		if err != nil {
			return Credential{}, err
		}
		if !credential.IsEmpty() {
			return credential, nil
		}
	}
	// Anonymous access.
	return Credential{}, nil
}

func (a *Authenticator) fetchBearerToken(ctx context.Context, ch *challenge, credential Credential, scope string) (*Authorization, error) {
	realm := ch.params["realm"]
	service := ch.params["service"]
	if realm == "" || service == "" {
		return nil, &AuthenticationError{Registry: a.registry, Reason: "bearer challenge is missing realm or service"}
	}
	if s := ch.params["scope"]; s != "" {
		scope = s
	}

	var req *http.Request
	var err error
	if credential.IsRefreshToken() {
		// OAuth refresh token exchange.
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {credential.Password},
			"service":       {service},
			"client_id":     {"stoker"},
		}
		if scope != "" {
			form.Set("scope", scope)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, realm, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		tokenURL, parseErr := url.Parse(realm)
		if parseErr != nil {
			return nil, &AuthenticationError{Registry: a.registry, Reason: "malformed realm " + realm}
		}
		query := tokenURL.Query()
		query.Set("service", service)
		if scope != "" {
			query.Set("scope", scope)
		}
		tokenURL.RawQuery = query.Encode()

		req, err = http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
		if err == nil && !credential.IsEmpty() {
			req.SetBasicAuth(credential.Username, credential.Password)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to build token request")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "token request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthenticationError{
			Registry: a.registry,
			Reason:   "token endpoint returned " + resp.Status,
		}
	}

	var decoded struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &AuthenticationError{Registry: a.registry, Reason: "unparseable token response"}
	}
	token := decoded.Token
	if token == "" {
		token = decoded.AccessToken
	}
	if token == "" {
		return nil, &AuthenticationError{Registry: a.registry, Reason: "token response carries no token"}
	}

	a.log.Debugw("acquired bearer token", "registry", a.registry, "service", service)
	return &Authorization{Scheme: "Bearer", Token: token}, nil
}
