package ddb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"claims_manager/internal/domain"
	"claims_manager/internal/repository"
)

// PolicyRepository stores policies under POLICY#<id> with PTOKEN#<ref> guard
// items enforcing coverage-token uniqueness.
type PolicyRepository struct {
	db    *dynamodb.Client
	table string
}

func NewPolicyRepository(db *dynamodb.Client, table string) *PolicyRepository {
	return &PolicyRepository{db: db, table: table}
}

func (r *PolicyRepository) Save(ctx context.Context, policy *domain.Policy) error {
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now().UTC()
	}
	policy.UpdatedAt = time.Now().UTC()

	item, err := attributevalue.MarshalMap(policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: policyKey(policy.ID)}

	puts := []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:           &r.table,
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
	}
	if policy.TokenRef != "" {
		puts = append(puts, types.TransactWriteItem{Put: &types.Put{
			TableName: &r.table,
			Item: map[string]types.AttributeValue{
				"PK":        &types.AttributeValueMemberS{Value: tokenKey(policy.TokenRef)},
				"policy_id": &types.AttributeValueMemberS{Value: policy.ID},
			},
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}})
	}

	_, err = r.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: puts})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return fmt.Errorf("%w: policy %s", repository.ErrDuplicate, policy.ID)
		}
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

func (r *PolicyRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.table,
		Key:            pkOf(policyKey(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: policy %s", repository.ErrNotFound, id)
	}

	var policy domain.Policy
	if err := attributevalue.UnmarshalMap(out.Item, &policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	return &policy, nil
}

func (r *PolicyRepository) GetByTokenRef(ctx context.Context, tokenRef string) (*domain.Policy, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.table,
		Key:            pkOf(tokenKey(tokenRef)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get token ref: %w", err)
	}
	idAttr, ok := out.Item["policy_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("%w: token ref %s", repository.ErrNotFound, tokenRef)
	}
	return r.GetByID(ctx, idAttr.Value)
}

func (r *PolicyRepository) VerifyOwnership(ctx context.Context, policyID, claimantID string) (bool, error) {
	policy, err := r.GetByID(ctx, policyID)
	if err != nil {
		return false, err
	}
	return policy.OwnerID == claimantID, nil
}

func (r *PolicyRepository) RecordClaimOutcome(ctx context.Context, policyID string, amount float64) (*domain.Policy, error) {
	for {
		policy, err := r.GetByID(ctx, policyID)
		if err != nil {
			return nil, err
		}
		if policy.TotalClaimedAmount+amount > policy.CoverageAmount {
			return nil, fmt.Errorf("%w: policy %s claimed %.2f + %.2f over cap %.2f",
				repository.ErrCoverageExceeded, policyID, policy.TotalClaimedAmount, amount, policy.CoverageAmount)
		}

		expectVersion := policy.Version
		policy.ClaimsCount++
		policy.TotalClaimedAmount += amount
		policy.Version++
		policy.UpdatedAt = time.Now().UTC()

		item, err := attributevalue.MarshalMap(policy)
		if err != nil {
			return nil, fmt.Errorf("marshal policy: %w", err)
		}
		item["PK"] = &types.AttributeValueMemberS{Value: policyKey(policyID)}

		_, err = r.db.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                &r.table,
			Item:                     item,
			ConditionExpression:      aws.String("#v = :v"),
			ExpressionAttributeNames: map[string]string{"#v": "version"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v": numAttr(expectVersion),
			},
		})
		if err == nil {
			return policy, nil
		}

		// Lost the race against a concurrent outcome; re-read and retry
		// so the coverage check always sees the committed total.
		var check *types.ConditionalCheckFailedException
		if errors.As(err, &check) {
			continue
		}
		return nil, fmt.Errorf("record claim outcome: %w", err)
	}
}

func (r *PolicyRepository) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	expr := "begins_with(PK, :pk) AND policy_status = :active AND end_date <= :now"
	values := map[string]types.AttributeValue{
		":pk":     &types.AttributeValueMemberS{Value: "POLICY#"},
		":active": &types.AttributeValueMemberS{Value: string(domain.PolicyActive)},
		":now":    timeAttr(now),
	}

	expired := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 &r.table,
			FilterExpression:          &expr,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return expired, fmt.Errorf("scan policies: %w", err)
		}

		for _, item := range out.Items {
			var policy domain.Policy
			if err := attributevalue.UnmarshalMap(item, &policy); err != nil {
				return expired, fmt.Errorf("unmarshal policy: %w", err)
			}
			_, err = r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:                &r.table,
				Key:                      pkOf(policyKey(policy.ID)),
				UpdateExpression:         aws.String("SET policy_status = :expired, #v = #v + :one, updated_at = :ts"),
				ConditionExpression:      aws.String("policy_status = :active"),
				ExpressionAttributeNames: map[string]string{"#v": "version"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":expired": &types.AttributeValueMemberS{Value: string(domain.PolicyExpired)},
					":active":  &types.AttributeValueMemberS{Value: string(domain.PolicyActive)},
					":one":     numAttr(1),
					":ts":      timeAttr(time.Now().UTC()),
				},
			})
			if err != nil {
				var check *types.ConditionalCheckFailedException
				if errors.As(err, &check) {
					continue
				}
				return expired, fmt.Errorf("expire policy: %w", err)
			}
			expired++
		}

		if len(out.LastEvaluatedKey) == 0 {
			return expired, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
