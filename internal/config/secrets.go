package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretsAPI is the subset of the Secrets Manager client used here
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretResolver resolves credentials from AWS Secrets Manager.
// A JSON secret with a "password" key yields that key, anything else is used verbatim.
type AWSSecretResolver struct {
	client secretsAPI
}

// NewAWSSecretResolver loads the default AWS config and creates a resolver
func NewAWSSecretResolver(ctx context.Context) (*AWSSecretResolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSSecretResolver{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// Resolve implements SecretResolver
func (r *AWSSecretResolver) Resolve(ctx context.Context, id string) (string, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", id)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(*out.SecretString), &doc); err == nil {
		if pw, ok := doc["password"].(string); ok {
			return pw, nil
		}
	}
	return *out.SecretString, nil
}
