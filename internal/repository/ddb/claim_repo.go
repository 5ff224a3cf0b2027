package ddb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"claims_manager/internal/domain"
	"claims_manager/internal/repository"
)

const createAttempts = 5

// ClaimRepository stores claims in a single table. Claim items live under
// CLAIM#<id>; a guard item under CLAIMNO#<number> enforces claim number
// uniqueness; SEQ#<period> items hold the period-scoped counters.
type ClaimRepository struct {
	db    *dynamodb.Client
	table string
}

func NewClaimRepository(db *dynamodb.Client, table string) *ClaimRepository {
	return &ClaimRepository{db: db, table: table}
}

func (r *ClaimRepository) Create(ctx context.Context, claim *domain.Claim) error {
	for attempt := 0; attempt < createAttempts; attempt++ {
		number, err := r.nextClaimNumber(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		claim.ClaimNumber = number
		claim.UpdatedAt = time.Now().UTC()

		item, err := attributevalue.MarshalMap(claim)
		if err != nil {
			return fmt.Errorf("marshal claim: %w", err)
		}
		item["PK"] = &types.AttributeValueMemberS{Value: claimKey(claim.ID)}

		guard := map[string]types.AttributeValue{
			"PK":       &types.AttributeValueMemberS{Value: claimNoKey(number)},
			"claim_id": &types.AttributeValueMemberS{Value: claim.ID},
		}

		_, err = r.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Put: &types.Put{
					TableName:           &r.table,
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				}},
				{Put: &types.Put{
					TableName:           &r.table,
					Item:                guard,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				}},
			},
		})
		if err == nil {
			return nil
		}

		// A cancelled transaction means the number (or, on a replay,
		// the claim itself) already exists. Regenerate and retry.
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			if exists, getErr := r.exists(ctx, claim.ID); getErr == nil && exists {
				return fmt.Errorf("%w: claim %s", repository.ErrDuplicate, claim.ID)
			}
			continue
		}
		return fmt.Errorf("create claim: %w", err)
	}
	return fmt.Errorf("%w: claim number allocation", repository.ErrConflict)
}

func (r *ClaimRepository) GetByID(ctx context.Context, id string) (*domain.Claim, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.table,
		Key:            pkOf(claimKey(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: claim %s", repository.ErrNotFound, id)
	}

	var claim domain.Claim
	if err := attributevalue.UnmarshalMap(out.Item, &claim); err != nil {
		return nil, fmt.Errorf("unmarshal claim: %w", err)
	}
	return &claim, nil
}

func (r *ClaimRepository) GetByClaimNumber(ctx context.Context, number string) (*domain.Claim, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.table,
		Key:            pkOf(claimNoKey(number)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get claim number: %w", err)
	}
	idAttr, ok := out.Item["claim_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("%w: claim number %s", repository.ErrNotFound, number)
	}
	return r.GetByID(ctx, idAttr.Value)
}

func (r *ClaimRepository) Update(ctx context.Context, id string, patch repository.ClaimPatch) (*domain.Claim, error) {
	for {
		claim, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		expectVersion := claim.Version

		if err := repository.ApplyPatch(claim, patch); err != nil {
			return nil, err
		}

		item, err := attributevalue.MarshalMap(claim)
		if err != nil {
			return nil, fmt.Errorf("marshal claim: %w", err)
		}
		item["PK"] = &types.AttributeValueMemberS{Value: claimKey(id)}

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
			return claim, nil
		}

		var check *types.ConditionalCheckFailedException
		if errors.As(err, &check) {
			continue
		}
		return nil, fmt.Errorf("update claim: %w", err)
	}
}

func (r *ClaimRepository) List(ctx context.Context, filter repository.ClaimFilter) ([]*domain.Claim, error) {
	expr := "begins_with(PK, :pk)"
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: "CLAIM#"},
	}
	if filter.ClaimantID != "" {
		expr += " AND claimant_id = :claimant"
		values[":claimant"] = &types.AttributeValueMemberS{Value: filter.ClaimantID}
	}
	if filter.PolicyID != "" {
		expr += " AND policy_id = :policy"
		values[":policy"] = &types.AttributeValueMemberS{Value: filter.PolicyID}
	}
	if filter.Status != "" {
		expr += " AND claim_status = :status"
		values[":status"] = &types.AttributeValueMemberS{Value: string(filter.Status)}
	}

	var result []*domain.Claim
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 &r.table,
			FilterExpression:          &expr,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("list claims: %w", err)
		}
		for _, item := range out.Items {
			var claim domain.Claim
			if err := attributevalue.UnmarshalMap(item, &claim); err != nil {
				return nil, fmt.Errorf("unmarshal claim: %w", err)
			}
			result = append(result, &claim)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

func (r *ClaimRepository) AcquireStep(ctx context.Context, id string, step domain.Step, allowed []domain.ClaimStatus) (*domain.Claim, error) {
	cond := "attribute_exists(PK) AND in_flight_step = :idle AND claim_status IN ("
	values := map[string]types.AttributeValue{
		":idle": &types.AttributeValueMemberS{Value: ""},
		":step": &types.AttributeValueMemberS{Value: string(step)},
		":now":  timeAttr(time.Now().UTC()),
	}
	for i, s := range allowed {
		name := fmt.Sprintf(":s%d", i)
		if i > 0 {
			cond += ", "
		}
		cond += name
		values[name] = &types.AttributeValueMemberS{Value: string(s)}
	}
	cond += ")"

	out, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &r.table,
		Key:                       pkOf(claimKey(id)),
		UpdateExpression:          aws.String("SET in_flight_step = :step, updated_at = :now"),
		ConditionExpression:       &cond,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err == nil {
		var claim domain.Claim
		if err := attributevalue.UnmarshalMap(out.Attributes, &claim); err != nil {
			return nil, fmt.Errorf("unmarshal claim: %w", err)
		}
		return &claim, nil
	}

	var check *types.ConditionalCheckFailedException
	if !errors.As(err, &check) {
		return nil, fmt.Errorf("acquire step: %w", err)
	}

	// Distinguish which leg of the condition failed.
	claim, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if claim.InFlightStep != "" {
		return nil, fmt.Errorf("%w: claim %s running %s", repository.ErrStepInFlight, id, claim.InFlightStep)
	}
	return nil, fmt.Errorf("%w: claim %s is %s", repository.ErrConflict, id, claim.Status)
}

func (r *ClaimRepository) ReleaseStep(ctx context.Context, id string, step domain.Step) error {
	_, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &r.table,
		Key:                 pkOf(claimKey(id)),
		UpdateExpression:    aws.String("SET in_flight_step = :idle, updated_at = :now"),
		ConditionExpression: aws.String("in_flight_step = :step"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":idle": &types.AttributeValueMemberS{Value: ""},
			":step": &types.AttributeValueMemberS{Value: string(step)},
			":now":  timeAttr(time.Now().UTC()),
		},
	})
	if err != nil {
		var check *types.ConditionalCheckFailedException
		if errors.As(err, &check) {
			// Token already released or held by another step.
			return nil
		}
		return fmt.Errorf("release step: %w", err)
	}
	return nil
}

// nextClaimNumber increments the period counter atomically, so two
// concurrent creates can never observe the same sequence value.
func (r *ClaimRepository) nextClaimNumber(ctx context.Context, now time.Time) (string, error) {
	period := fmt.Sprintf("%04d%02d", now.Year(), int(now.Month()))

	out, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                &r.table,
		Key:                      pkOf(seqKey("CL" + period)),
		UpdateExpression:         aws.String("ADD #s :one"),
		ExpressionAttributeNames: map[string]string{"#s": "seq"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numAttr(1),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return "", fmt.Errorf("next claim number: %w", err)
	}

	seqAttr, ok := out.Attributes["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return "", fmt.Errorf("next claim number: missing counter")
	}
	seq, err := strconv.ParseInt(seqAttr.Value, 10, 64)
	if err != nil {
		return "", fmt.Errorf("next claim number: %w", err)
	}

	return fmt.Sprintf("CL%s%06d", period, seq), nil
}

func (r *ClaimRepository) exists(ctx context.Context, id string) (bool, error) {
	_, err := r.GetByID(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func pkOf(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
	}
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func timeAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.Format(time.RFC3339Nano)}
}
