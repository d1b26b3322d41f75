package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/dgellow/auth-front/internal/identity"
	"github.com/dgellow/auth-front/internal/ioutil"
	"github.com/dgellow/auth-front/internal/log"
)

// SignOutStrategy performs the provider-side part of logout
type SignOutStrategy interface {
	Name() string
	SignOut(ctx context.Context, id identity.Identity) error
}

// NoopSignOut is used when the provider offers no global sign-out
type NoopSignOut struct{}

func (NoopSignOut) Name() string { return "none" }

func (NoopSignOut) SignOut(context.Context, identity.Identity) error { return nil }

// CognitoAPI is the subset of the Cognito user pool API used for sign-out
type CognitoAPI interface {
	GlobalSignOut(ctx context.Context, params *cognitoidentityprovider.GlobalSignOutInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.GlobalSignOutOutput, error)
}

// CognitoSignOut revokes every token of the user through Cognito's GlobalSignOut
type CognitoSignOut struct {
	api CognitoAPI
}

// NewCognitoSignOut wraps an existing Cognito client
func NewCognitoSignOut(api CognitoAPI) *CognitoSignOut {
	return &CognitoSignOut{api: api}
}

// NewCognitoAPI builds a Cognito client for region. GlobalSignOut is
// authorized by the user's access token, so no AWS credentials are loaded.
// endpoint overrides the service URL, e.g. for a local emulator.
func NewCognitoAPI(ctx context.Context, region, endpoint string) (*cognitoidentityprovider.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return cognitoidentityprovider.NewFromConfig(cfg, func(o *cognitoidentityprovider.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (s *CognitoSignOut) Name() string { return "cognito" }

// SignOut calls GlobalSignOut. A token Cognito no longer accepts means the
// user is already signed out, which is success.
func (s *CognitoSignOut) SignOut(ctx context.Context, id identity.Identity) error {
	_, err := s.api.GlobalSignOut(ctx, &cognitoidentityprovider.GlobalSignOutInput{
		AccessToken: aws.String(id.AccessToken),
	})
	if err == nil {
		return nil
	}
	var notAuthorized *types.NotAuthorizedException
	if errors.As(err, &notAuthorized) {
		log.LogDebugWithFields("idp", "Cognito session already signed out", map[string]any{
			"sub": id.Claims.Subject,
		})
		return nil
	}
	return &SignOutError{Strategy: s.Name(), Err: err}
}

// RevocationSignOut revokes the access token at an RFC 7009 endpoint
type RevocationSignOut struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	maxTries     uint
}

// NewRevocationSignOut creates a revocation strategy for endpoint
func NewRevocationSignOut(endpoint, clientID, clientSecret string, httpClient *http.Client) (*RevocationSignOut, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("revocation endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &RevocationSignOut{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		maxTries:     3,
	}, nil
}

func (s *RevocationSignOut) Name() string { return "revocation" }

// SignOut posts the access token to the revocation endpoint. 5xx and
// transport failures are retried; a 4xx is final. Revoking an unknown or
// already revoked token answers 200, which keeps the call idempotent.
func (s *RevocationSignOut) SignOut(ctx context.Context, id identity.Identity) error {
	form := url.Values{
		"token":           {id.AccessToken},
		"token_type_hint": {"access_token"},
	}
	if s.clientSecret == "" {
		form.Set("client_id", s.clientID)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.revoke(ctx, form)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(s.maxTries),
	)
	if err != nil {
		return &SignOutError{Strategy: s.Name(), Err: err}
	}
	return nil
}

func (s *RevocationSignOut) revoke(ctx context.Context, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.clientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(s.clientID), url.QueryEscape(s.clientSecret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("revocation endpoint returned %d: %s", resp.StatusCode, ioutil.Snippet(resp.Body, 512))
	default:
		return backoff.Permanent(fmt.Errorf("revocation endpoint returned %d: %s", resp.StatusCode, ioutil.Snippet(resp.Body, 512)))
	}
}
