package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
	"github.com/jackc/pgx/v5"

	"github.com/checkapp/checkapp-sync-server/internal/config"
)

const awsRegionDetect = "detect"

// resolveRegion returns the configured region, asking IMDS when it is "detect".
func resolveRegion(ctx context.Context, cfg *config.DatabaseConfig) (string, error) {
	region := cfg.DynamicAuth.AWSRDSIAM.Region
	if region == "" {
		return "", fmt.Errorf("AWS RDS IAM region is not configured")
	}
	if region != awsRegionDetect {
		return region, nil
	}

	imdsClient := imds.New(imds.Options{
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
	})
	out, err := imdsClient.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get region from IMDS: %w", err)
	}
	return out.Region, nil
}

func buildRDSToken(ctx context.Context, cfg *config.DatabaseConfig, region, user string) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	token, err := auth.BuildAuthToken(ctx, endpoint, region, user, awsCfg.Credentials)
	if err != nil {
		return "", fmt.Errorf("failed to build authentication token: %w", err)
	}
	return token, nil
}

// NewRDSIAMToken returns a single AWS RDS IAM token for user.
func NewRDSIAMToken(ctx context.Context, cfg *config.DatabaseConfig, user string) (string, error) {
	region, err := resolveRegion(ctx, cfg)
	if err != nil {
		return "", err
	}
	return buildRDSToken(ctx, cfg, region, user)
}

// RDSIAMAuthFunc returns a pgx BeforeConnect hook that sets a fresh IAM
// token as the password of every new pool connection. The region is
// resolved once, tokens are minted per connection since they expire after
// fifteen minutes.
func RDSIAMAuthFunc(
	ctx context.Context,
	cfg *config.DatabaseConfig,
	user string,
) (func(ctx context.Context, connConfig *pgx.ConnConfig) error, error) {
	region, err := resolveRegion(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, connConfig *pgx.ConnConfig) error {
		token, err := buildRDSToken(ctx, cfg, region, user)
		if err != nil {
			return err
		}
		connConfig.Password = token
		return nil
	}, nil
}
