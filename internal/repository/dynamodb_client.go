package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"marketsense/internal/domain"
)

const (
	skMeta          = "META#"
	skPrefixFinding = "FINDING#"
	ttlDuration     = 30 * 24 * time.Hour // 30-day TTL
)

// ErrNotFound is returned by GetRun and GetFinding when nothing is stored
// under the requested key.
var ErrNotFound = errors.New("repository: not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// RunStore defines the run persistence operations consumed by the usecase layer.
type RunStore interface {
	SaveRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
}

// Client wraps a DynamoDB table holding evaluation runs.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// runPK returns the DynamoDB partition key for a run.
func runPK(runID string) string {
	return "RUN#" + runID
}

func findingSK(agent domain.AgentID) string {
	return skPrefixFinding + string(agent)
}

// ttlValue returns a Unix timestamp 30 days after t.
func ttlValue(t time.Time) int64 {
	return t.Add(ttlDuration).Unix()
}

// SaveRun writes the run metadata and one item per finding in a single
// transaction. A run ID can be written only once.
func (c *Client) SaveRun(ctx context.Context, run domain.Run) error {
	if strings.TrimSpace(run.RunID) == "" {
		return errors.New("repository: SaveRun: run ID is required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = c.now().UTC()
	}
	ttl := ttlValue(run.CreatedAt)

	meta, err := metaItem(run, ttl)
	if err != nil {
		return fmt.Errorf("repository: SaveRun: %w", err)
	}
	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                meta,
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		},
	}}
	for i, f := range run.Findings {
		item, err := findingItem(run.RunID, i, f, ttl)
		if err != nil {
			return fmt.Errorf("repository: SaveRun: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(c.tableName), Item: item},
		})
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("repository: SaveRun: %w", err)
	}
	return nil
}

// GetRun loads the run metadata and its findings. Findings come back in the
// order they were saved.
func (c *Client) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	if strings.TrimSpace(runID) == "" {
		return domain.Run{}, ErrNotFound
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: runPK(runID)},
		},
		ConsistentRead: aws.Bool(true),
	}

	var (
		run      domain.Run
		haveMeta bool
		findings []positioned
	)
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return domain.Run{}, fmt.Errorf("repository: GetRun query: %w", err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return domain.Run{}, fmt.Errorf("repository: GetRun unmarshal: %w", err)
			}
			switch {
			case sk == skMeta:
				if run, err = itemToRun(item); err != nil {
					return domain.Run{}, fmt.Errorf("repository: GetRun unmarshal: %w", err)
				}
				haveMeta = true
			case strings.HasPrefix(sk, skPrefixFinding):
				p, err := itemToFinding(item)
				if err != nil {
					return domain.Run{}, fmt.Errorf("repository: GetRun unmarshal: %w", err)
				}
				findings = append(findings, p)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if !haveMeta {
		return domain.Run{}, ErrNotFound
	}

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].position < findings[j].position })
	run.Findings = make([]domain.Finding, 0, len(findings))
	for _, p := range findings {
		run.Findings = append(run.Findings, p.finding)
	}
	return run, nil
}

// GetFinding returns a single agent's finding for a run.
func (c *Client) GetFinding(ctx context.Context, runID string, agent domain.AgentID) (domain.Finding, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: runPK(runID)},
			"SK": &types.AttributeValueMemberS{Value: findingSK(agent)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Finding{}, fmt.Errorf("repository: GetFinding get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Finding{}, ErrNotFound
	}
	p, err := itemToFinding(out.Item)
	if err != nil {
		return domain.Finding{}, fmt.Errorf("repository: GetFinding unmarshal: %w", err)
	}
	return p.finding, nil
}

type positioned struct {
	position int
	finding  domain.Finding
}

func metaItem(run domain.Run, ttl int64) (map[string]types.AttributeValue, error) {
	query, err := json.Marshal(run.Query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	result, err := json.Marshal(run.Result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	failures, err := json.Marshal(run.Failures)
	if err != nil {
		return nil, fmt.Errorf("encode failures: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: runPK(run.RunID)},
		"SK":          &types.AttributeValueMemberS{Value: skMeta},
		"runId":       &types.AttributeValueMemberS{Value: run.RunID},
		"asset":       &types.AttributeValueMemberS{Value: run.Query.AssetSymbol},
		"query":       &types.AttributeValueMemberS{Value: string(query)},
		"result":      &types.AttributeValueMemberS{Value: string(result)},
		"failures":    &types.AttributeValueMemberS{Value: string(failures)},
		"elapsed":     &types.AttributeValueMemberN{Value: strconv.FormatFloat(run.ElapsedSeconds, 'f', -1, 64)},
		"dataSources": &types.AttributeValueMemberN{Value: strconv.Itoa(run.DataSourcesUsed)},
		"createdAt":   &types.AttributeValueMemberS{Value: run.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":         &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttl)},
	}, nil
}

func findingItem(runID string, position int, f domain.Finding, ttl int64) (map[string]types.AttributeValue, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode finding %s: %w", f.Agent, err)
	}
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: runPK(runID)},
		"SK":         &types.AttributeValueMemberS{Value: findingSK(f.Agent)},
		"runId":      &types.AttributeValueMemberS{Value: runID},
		"agent":      &types.AttributeValueMemberS{Value: string(f.Agent)},
		"outlook":    &types.AttributeValueMemberS{Value: string(f.Outlook)},
		"confidence": &types.AttributeValueMemberN{Value: strconv.FormatFloat(f.Confidence, 'f', -1, 64)},
		"position":   &types.AttributeValueMemberN{Value: strconv.Itoa(position)},
		"finding":    &types.AttributeValueMemberS{Value: string(body)},
		"ttl":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttl)},
	}, nil
}

func itemToRun(item map[string]types.AttributeValue) (domain.Run, error) {
	var run domain.Run
	var err error
	if run.RunID, err = strAttr(item, "runId"); err != nil {
		return domain.Run{}, err
	}
	if err := jsonAttr(item, "query", &run.Query); err != nil {
		return domain.Run{}, err
	}
	if err := jsonAttr(item, "result", &run.Result); err != nil {
		return domain.Run{}, err
	}
	if err := jsonAttr(item, "failures", &run.Failures); err != nil {
		return domain.Run{}, err
	}
	if run.ElapsedSeconds, err = floatAttr(item, "elapsed"); err != nil {
		return domain.Run{}, err
	}
	if run.DataSourcesUsed, err = intAttr(item, "dataSources"); err != nil {
		return domain.Run{}, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Run{}, err
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return domain.Run{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
	}
	return run, nil
}

func itemToFinding(item map[string]types.AttributeValue) (positioned, error) {
	var p positioned
	var err error
	if p.position, err = intAttr(item, "position"); err != nil {
		return positioned{}, err
	}
	if err := jsonAttr(item, "finding", &p.finding); err != nil {
		return positioned{}, err
	}
	return p, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func numAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a number", key)
	}
	return n.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	raw, err := numAttr(item, key)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func floatAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	raw, err := numAttr(item, key)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func jsonAttr(item map[string]types.AttributeValue, key string, dst any) error {
	raw, err := strAttr(item, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("repository: decode attribute %q: %w", key, err)
	}
	return nil
}
