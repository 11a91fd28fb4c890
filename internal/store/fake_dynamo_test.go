package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory DynamoAPI. It understands exactly the
// condition and key expressions TableStore sends.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	calls    map[string]int
	fail     map[string]error

	// beforeWrite runs before PutItem and TransactWriteItems are applied,
	// outside the lock. A non-nil error is returned to the caller as is.
	beforeWrite func(op string) error

	// conflicts is the number of upcoming writes that DynamoDB rejects
	// because another transaction holds one of their items
	conflicts int

	created *dynamodb.CreateTableInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items: make(map[string]map[string]types.AttributeValue),
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (f *fakeDynamo) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *fakeDynamo) hook(op string) error {
	f.mu.Lock()
	h := f.beforeWrite
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(op)
}

// conflict consumes one pending conflict and returns the error op fails
// with, shaped like the real service response
func (f *fakeDynamo) conflict(op string, items int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts == 0 {
		return nil
	}
	f.conflicts--

	if op == "PutItem" {
		return &types.TransactionConflictException{
			Message: aws.String("Transaction is ongoing for the item"),
		}
	}
	reasons := make([]types.CancellationReason, items)
	for i := range reasons {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
	}
	reasons[0] = types.CancellationReason{
		Code:    aws.String("TransactionConflict"),
		Message: aws.String("Transaction is ongoing for the item"),
	}
	return &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled"),
		CancellationReasons: reasons,
	}
}

func (f *fakeDynamo) put(item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[itemID(item)] = copyItem(item)
}

func (f *fakeDynamo) get(id string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyItem(f.items[id])
}

func (f *fakeDynamo) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func itemID(item map[string]types.AttributeValue) string {
	if s, ok := item[attrSummaryID].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func sameValue(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	}
	return false
}

// check evaluates a condition expression against the current item. Callers hold f.mu.
func (f *fakeDynamo) check(expr *string, names map[string]string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue) bool {
	has := func(alias string) bool {
		if existing == nil {
			return false
		}
		_, ok := existing[names[alias]]
		return ok
	}
	equals := func(alias, placeholder string) bool {
		return existing != nil && sameValue(existing[names[alias]], values[placeholder])
	}

	switch aws.ToString(expr) {
	case "":
		return true
	case "attribute_not_exists(#pk)":
		return !has("#pk")
	case "attribute_exists(#pk)":
		return has("#pk")
	case "#v = :v":
		return equals("#v", ":v")
	case "attribute_exists(#pk) AND attribute_not_exists(#v)":
		return has("#pk") && !has("#v")
	case "attribute_not_exists(#pk) OR #g = :id":
		return !has("#pk") || equals("#g", ":id")
	case "#g = :g":
		return equals("#g", ":g")
	}
	panic(fmt.Sprintf("fakeDynamo: unsupported condition %q", aws.ToString(expr)))
}

func (f *fakeDynamo) sortedIDs() []string {
	ids := make([]string, 0, len(f.items))
	for id := range f.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: f.get(itemID(in.Key))}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	if err := f.hook("PutItem"); err != nil {
		return nil, err
	}
	if err := f.conflict("PutItem", 1); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := itemID(in.Item)
	if !f.check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.items[id]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[id] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if err := f.enter("DeleteItem"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := itemID(in.Key)
	if !f.check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.items[id]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(f.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	if aws.ToString(in.IndexName) != URLHashIndex || aws.ToString(in.KeyConditionExpression) != "#h = :h" {
		panic("fakeDynamo: unsupported query")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	want := in.ExpressionAttributeValues[":h"]
	out := &dynamodb.QueryOutput{}
	for _, id := range f.sortedIDs() {
		item := f.items[id]
		if sameValue(item[in.ExpressionAttributeNames["#h"]], want) {
			out.Items = append(out.Items, copyItem(item))
		}
		if in.Limit != nil && len(out.Items) >= int(*in.Limit) {
			break
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if err := f.enter("Scan"); err != nil {
		return nil, err
	}
	if aws.ToString(in.FilterExpression) != "attribute_exists(#h)" {
		panic("fakeDynamo: unsupported scan filter")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ids := f.sortedIDs()
	if start := itemID(in.ExclusiveStartKey); start != "" {
		i := sort.SearchStrings(ids, start)
		if i < len(ids) && ids[i] == start {
			i++
		}
		ids = ids[i:]
	}

	out := &dynamodb.ScanOutput{}
	scanned := 0
	for _, id := range ids {
		if f.pageSize > 0 && scanned == f.pageSize {
			out.LastEvaluatedKey = keyOf(ids[scanned-1])
			break
		}
		scanned++
		item := f.items[id]
		if _, ok := item[in.ExpressionAttributeNames["#h"]]; !ok {
			continue
		}
		out.Count++
		if in.Select != types.SelectCount {
			out.Items = append(out.Items, copyItem(item))
		}
	}
	out.ScannedCount = int32(scanned)
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if err := f.enter("TransactWriteItems"); err != nil {
		return nil, err
	}
	if err := f.hook("TransactWriteItems"); err != nil {
		return nil, err
	}
	if err := f.conflict("TransactWriteItems", len(in.TransactItems)); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		ok := true
		switch {
		case ti.Put != nil:
			ok = f.check(ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues, f.items[itemID(ti.Put.Item)])
		case ti.Delete != nil:
			ok = f.check(ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues, f.items[itemID(ti.Delete.Key)])
		default:
			panic("fakeDynamo: unsupported transaction item")
		}
		if ok {
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
		} else {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.items[itemID(ti.Put.Item)] = copyItem(ti.Put.Item)
		} else {
			delete(f.items, itemID(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if err := f.enter("DescribeTable"); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{
			TableName:   in.TableName,
			TableStatus: types.TableStatusActive,
		},
	}, nil
}

func (f *fakeDynamo) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	if err := f.enter("CreateTable"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created != nil {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists")}
	}
	f.created = in
	return &dynamodb.CreateTableOutput{}, nil
}
