// Package ddb backs the claim and policy stores with DynamoDB. Uniqueness,
// execution tokens and policy accounting all ride on conditional writes.
package ddb

import (
	"context"
	"fmt"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"claims_manager/internal/repository"
)

var (
	_ repository.ClaimRepository  = (*ClaimRepository)(nil)
	_ repository.PolicyRepository = (*PolicyRepository)(nil)
)

// NewClient builds a DynamoDB client from the ambient AWS configuration.
func NewClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}


func claimKey(id string) string     { return "CLAIM#" + id }
func claimNoKey(number string) string { return "CLAIMNO#" + number }
func seqKey(period string) string   { return "SEQ#" + period }
func policyKey(id string) string    { return "POLICY#" + id }
func tokenKey(ref string) string    { return "PTOKEN#" + ref }
