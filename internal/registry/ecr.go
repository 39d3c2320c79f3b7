package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"

	appErr "github.com/dockhand/engine/pkg/errors"
)

// ECRAPI is the part of the ECR client used to mint registry tokens.
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// ECRTokens resolves ecr:<region> credential references into short-lived
// "AWS:<token>" logins. It satisfies secrets.Provider.
type ECRTokens struct {
	api ECRAPI
}

func NewECRTokens(api ECRAPI) *ECRTokens {
	return &ECRTokens{api: api}
}

// NewECRTokensFromEnv loads the default AWS credential chain.
func NewECRTokensFromEnv(ctx context.Context) (*ECRTokens, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewECRTokens(ecr.NewFromConfig(cfg)), nil
}

func (e *ECRTokens) Lookup(ctx context.Context, region string) (string, error) {
	out, err := e.api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{}, func(o *ecr.Options) {
		if region != "" {
			o.Region = region
		}
	})
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) && (re.HTTPStatusCode() == 401 || re.HTTPStatusCode() == 403) {
			return "", appErr.Fail(appErr.KindAuthFailure, err)
		}
		return "", appErr.Fail(appErr.KindRegistryUnavailable, err)
	}
	if len(out.AuthorizationData) == 0 {
		return "", appErr.Failf(appErr.KindAuthFailure, "ecr returned no authorization data")
	}
	raw, err := base64.StdEncoding.DecodeString(aws.ToString(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return "", appErr.Fail(appErr.KindAuthFailure, fmt.Errorf("decode ecr token: %w", err))
	}
	return string(raw), nil
}
