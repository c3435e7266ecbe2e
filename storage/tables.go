package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"board-stream/domain"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// maxTransactionActions is the Table service limit per entity group
// transaction.
const maxTransactionActions = 100

type tableClient interface {
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, options *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

// TableStore keeps item positions in an Azure table partitioned by board.
// Entity ETags are the item versions.
type TableStore struct {
	client tableClient
}

// NewTableStore connects to the named table.
func NewTableStore(connStr, table string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{client: svc.NewClient(table)}, nil
}

type itemEntity struct {
	aztables.Entity
	ETag        string `json:"odata.etag,omitempty"`
	Kind        string `json:"Kind"`
	ContainerID string `json:"ContainerId"`
	Position    int    `json:"Position"`
}

func decodeItemEntity(data []byte) (domain.Item, error) {
	var ent itemEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Item{}, err
	}
	return domain.Item{
		ID:          ent.RowKey,
		Kind:        domain.ItemKind(ent.Kind),
		BoardID:     ent.PartitionKey,
		ContainerID: ent.ContainerID,
		Position:    ent.Position,
		Version:     ent.ETag,
	}, nil
}

func containerFilter(ref domain.ContainerRef) string {
	return fmt.Sprintf("PartitionKey eq '%s' and Kind eq '%s' and ContainerId eq '%s'",
		escapeODataString(ref.BoardID), escapeODataString(string(ref.Kind)), escapeODataString(ref.ID))
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (s *TableStore) ReadContainer(ctx context.Context, ref domain.ContainerRef) ([]domain.Item, error) {
	filter := containerFilter(ref)
	pager := s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	items := []domain.Item{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			it, err := decodeItemEntity(e)
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
	}
	return items, nil
}

// PersistPositions merges the updates in entity group transactions. A
// batch larger than one transaction that fails after the first chunk was
// committed is reported as domain.ErrInconsistent.
func (s *TableStore) PersistPositions(ctx context.Context, boardID string, updates []domain.PositionUpdate) error {
	for start := 0; start < len(updates); start += maxTransactionActions {
		end := min(start+maxTransactionActions, len(updates))
		actions := make([]aztables.TransactionAction, 0, end-start)
		for _, u := range updates[start:end] {
			ent := map[string]any{
				"PartitionKey": boardID,
				"RowKey":       u.ItemID,
				"Position":     u.Position,
			}
			if u.ContainerID != "" {
				ent["ContainerId"] = u.ContainerID
			}
			payload, err := json.Marshal(ent)
			if err != nil {
				return err
			}
			et := azcore.ETagAny
			if u.Version != "" {
				et = azcore.ETag(u.Version)
			}
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeUpdateMerge,
				Entity:     payload,
				IfMatch:    &et,
			})
		}
		if _, err := s.client.SubmitTransaction(ctx, actions, nil); err != nil {
			err = classifyTableError(err)
			if start > 0 {
				return fmt.Errorf("%w: %d of %d updates applied: %v", domain.ErrInconsistent, start, len(updates), err)
			}
			return err
		}
	}
	return nil
}

// UpsertItem merges an item's ordering properties into its row, creating
// the row if needed.
func (s *TableStore) UpsertItem(ctx context.Context, it domain.Item) error {
	payload, err := json.Marshal(map[string]any{
		"PartitionKey": it.BoardID,
		"RowKey":       it.ID,
		"Kind":         string(it.Kind),
		"ContainerId":  it.ContainerID,
		"Position":     it.Position,
	})
	if err != nil {
		return err
	}
	_, err = s.client.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge})
	return err
}

// DeleteItem removes an item row. Deleting a missing row is not an error.
func (s *TableStore) DeleteItem(ctx context.Context, boardID, itemID string) error {
	_, err := s.client.DeleteEntity(ctx, boardID, itemID, nil)
	if err != nil && errors.Is(classifyTableError(err), domain.ErrNotFound) {
		return nil
	}
	return err
}

func classifyTableError(err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch respErr.StatusCode {
	case http.StatusPreconditionFailed, http.StatusConflict:
		return fmt.Errorf("%s: %w", respErr.ErrorCode, domain.ErrConcurrencyConflict)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", respErr.ErrorCode, domain.ErrNotFound)
	}
	return fmt.Errorf("table request failed with status %d: %w", respErr.StatusCode, err)
}
