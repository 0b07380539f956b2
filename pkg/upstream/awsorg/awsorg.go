// Package awsorg implements upstream.Upstream against AWS Organizations,
// the real-provider adapter: list_active maps to organizations:ListAccounts
// filtered to ACTIVE status, delete maps to organizations:CloseAccount.
package awsorg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/organizations/types"

	"github.com/sandboxbroker/broker/pkg/upstream"
)

// Upstream wraps an AWS Organizations client. external_id is the account
// ARN as returned by ListAccounts; Delete derives the bare account id by
// taking the ARN's trailing segment.
type Upstream struct {
	client     *organizations.Client
	namePrefix string
}

// New builds an Upstream for the given region. When accessKeyID and
// secretAccessKey are both non-empty, they're used as a static
// credentials provider; otherwise the default AWS credential chain
// (environment, shared config, instance role) applies. namePrefix, if
// non-empty, restricts ListActive to accounts whose name carries that
// prefix. connectTimeout and readTimeout bound the underlying HTTP
// client independently: deletes in particular are slow, so the read
// timeout is the longer of the two.
func New(ctx context.Context, region, namePrefix, accessKeyID, secretAccessKey string, connectTimeout, readTimeout time.Duration) (*Upstream, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	if connectTimeout > 0 || readTimeout > 0 {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient(connectTimeout, readTimeout)))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &Upstream{
		client:     organizations.NewFromConfig(cfg),
		namePrefix: namePrefix,
	}, nil
}

func (u *Upstream) ListActive(ctx context.Context) ([]upstream.Account, error) {
	var out []upstream.Account
	var nextToken *string

	for {
		resp, err := u.client.ListAccounts(ctx, &organizations.ListAccountsInput{
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("organizations.ListAccounts: %w", err)
		}

		for _, acct := range resp.Accounts {
			if acct.Status != types.AccountStatusActive {
				continue
			}
			name := awsString(acct.Name)
			if u.namePrefix != "" && !strings.HasPrefix(name, u.namePrefix) {
				continue
			}
			out = append(out, upstream.Account{
				ExternalID: awsString(acct.Arn),
				Name:       name,
				CreatedAt:  accountCreatedAt(acct),
			})
		}

		if resp.NextToken == nil {
			break
		}
		nextToken = resp.NextToken
	}

	return out, nil
}

func (u *Upstream) Delete(ctx context.Context, externalID string) (upstream.DeleteResult, error) {
	accountID := accountIDFromARN(externalID)
	if accountID == "" {
		return upstream.DeleteResultTransientFailure, fmt.Errorf("cannot parse account id from external_id %q", externalID)
	}

	_, err := u.client.CloseAccount(ctx, &organizations.CloseAccountInput{
		AccountId: &accountID,
	})
	if err == nil {
		return upstream.DeleteResultDeleted, nil
	}

	var notFound *types.AccountNotFoundException
	if errors.As(err, &notFound) {
		return upstream.DeleteResultAlreadyAbsent, nil
	}

	return upstream.DeleteResultTransientFailure, fmt.Errorf("organizations.CloseAccount: %w", err)
}

// httpClient builds a net/http client with an independent dial timeout
// and an overall per-request deadline, the connect/read split the
// broker's upstream configuration specifies.
func httpClient(connectTimeout, readTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if connectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	}
	return &http.Client{
		Transport: transport,
		Timeout:   readTimeout,
	}
}

// accountIDFromARN extracts the trailing account-id segment from an
// Organizations account ARN, e.g.
// arn:aws:organizations::111111111111:account/o-x/222222222222 -> 222222222222
func accountIDFromARN(arn string) string {
	idx := strings.LastIndex(arn, "/")
	if idx == -1 || idx == len(arn)-1 {
		return arn
	}
	return arn[idx+1:]
}

func awsString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func accountCreatedAt(acct types.Account) int64 {
	if acct.JoinedTimestamp == nil {
		return 0
	}
	return acct.JoinedTimestamp.Unix()
}

// CreateSandbox is intentionally unimplemented: provisioning new sandbox
// accounts upstream is out of scope, the pool is externally populated.
func (u *Upstream) CreateSandbox(context.Context) error {
	return fmt.Errorf("awsorg upstream: create_sandbox not implemented, the pool is externally populated")
}
