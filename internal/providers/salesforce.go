package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/tyemirov/actiongate/internal/userstate"
)

const (
	salesforceAPIVersion = "v59.0"
	salesforceDigestSOQL = "SELECT Name FROM Account ORDER BY LastModifiedDate DESC LIMIT 5"
)

// SalesforceEndpoint is the production login endpoint.
var SalesforceEndpoint = oauth2.Endpoint{
	AuthURL:   "https://login.salesforce.com/services/oauth2/authorize",
	TokenURL:  "https://login.salesforce.com/services/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// Salesforce reads recently modified accounts through the REST API.
type Salesforce struct {
	oauthFlow
	apiBaseURL string
}

// NewSalesforce builds the Salesforce integration. The API root normally comes from the
// instance_url returned with each token; APIBaseURL only applies when a token lacks one.
func NewSalesforce(configuration Config) *Salesforce {
	return &Salesforce{
		oauthFlow: oauthFlow{
			config: oauth2.Config{
				ClientID:     configuration.ClientID,
				ClientSecret: configuration.ClientSecret,
				RedirectURL:  configuration.RedirectURL,
				Endpoint:     endpointOr(configuration.Endpoint, SalesforceEndpoint),
				Scopes:       []string{"api", "refresh_token"},
			},
			httpClient: configuration.HTTPClient,
		},
		apiBaseURL: strings.TrimRight(strings.TrimSpace(configuration.APIBaseURL), "/"),
	}
}

// Name is shown to users in the login prompt.
func (provider *Salesforce) Name() string {
	return "Salesforce"
}

// DigestTitle titles the digest message.
func (provider *Salesforce) DigestTitle() string {
	return "Your Accounts"
}

type soqlResponse struct {
	Records []struct {
		Name string `json:"Name"`
	} `json:"records"`
}

// FetchDigest returns the names of the most recently modified accounts.
func (provider *Salesforce) FetchDigest(ctx context.Context, tokens userstate.Tokens) ([]string, error) {
	httpClient, err := provider.apiClient(ctx, tokens)
	if err != nil {
		return nil, err
	}
	instanceURL := strings.TrimRight(tokens.InstanceURL, "/")
	if instanceURL == "" {
		instanceURL = provider.apiBaseURL
	}
	if instanceURL == "" {
		return nil, fmt.Errorf("providers.salesforce.query: no instance url")
	}

	queryURL := fmt.Sprintf("%s/services/data/%s/query?%s", instanceURL, salesforceAPIVersion, url.Values{"q": {salesforceDigestSOQL}}.Encode())
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("providers.salesforce.request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("providers.salesforce.query: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("providers.salesforce.query: status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded soqlResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("providers.salesforce.decode: %w", err)
	}
	names := make([]string, 0, len(decoded.Records))
	for _, record := range decoded.Records {
		names = append(names, record.Name)
	}
	return names, nil
}
