package segmentstore

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
)

// GenerateIAMAuthToken produces a short-lived Postgres connect token for
// IAM-authenticated clusters, used in place of a static password when the
// consuming segment's buffer lives on an IAM-auth database. endpoint is
// "host:port".
func GenerateIAMAuthToken(ctx context.Context, endpoint, region string) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}
	if region != "" {
		awsCfg.Region = region
	}
	token, err := auth.GenerateDbConnectAuthToken(ctx, endpoint, awsCfg.Region, awsCfg.Credentials)
	if err != nil {
		return "", fmt.Errorf("generate db connect token: %w", err)
	}
	return token, nil
}
