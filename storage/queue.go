package storage

import (
	"context"
	"encoding/json"
	"time"

	"board-stream/domain"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

type queueMessage struct {
	id      string
	receipt string
	text    string
}

type queueAPI interface {
	enqueue(ctx context.Context, text string) error
	dequeue(ctx context.Context, visibility time.Duration) (*queueMessage, error)
	delete(ctx context.Context, id, receipt string) error
}

type azureQueue struct {
	client *azqueue.QueueClient
}

func (q azureQueue) enqueue(ctx context.Context, text string) error {
	_, err := q.client.EnqueueMessage(ctx, text, nil)
	return err
}

func (q azureQueue) dequeue(ctx context.Context, visibility time.Duration) (*queueMessage, error) {
	secs := int32(visibility / time.Second)
	resp, err := q.client.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{VisibilityTimeout: &secs})
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	out := &queueMessage{}
	if msg.MessageID != nil {
		out.id = *msg.MessageID
	}
	if msg.PopReceipt != nil {
		out.receipt = *msg.PopReceipt
	}
	if msg.MessageText != nil {
		out.text = *msg.MessageText
	}
	return out, nil
}

func (q azureQueue) delete(ctx context.Context, id, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, id, receipt, nil)
	return err
}

// AzureReconcileQueue carries reconciliation jobs on an Azure storage queue.
type AzureReconcileQueue struct {
	api        queueAPI
	visibility time.Duration
}

// NewAzureReconcileQueue connects to the named queue.
func NewAzureReconcileQueue(connStr, name string, visibility time.Duration) (*AzureReconcileQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	client, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
	if err != nil {
		return nil, err
	}
	return newAzureReconcileQueue(azureQueue{client: client}, visibility), nil
}

func newAzureReconcileQueue(api queueAPI, visibility time.Duration) *AzureReconcileQueue {
	if visibility < time.Second {
		visibility = 30 * time.Second
	}
	return &AzureReconcileQueue{api: api, visibility: visibility}
}

func (q *AzureReconcileQueue) Enqueue(ctx context.Context, job domain.ReconcileJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.api.enqueue(ctx, string(data))
}

// Receive returns the next job or nil when the queue is empty. The job stays
// invisible to other consumers until Complete or the visibility timeout.
func (q *AzureReconcileQueue) Receive(ctx context.Context) (*domain.ReconcileJob, error) {
	msg, err := q.api.dequeue(ctx, q.visibility)
	if err != nil || msg == nil {
		return nil, err
	}
	var job domain.ReconcileJob
	if err := json.Unmarshal([]byte(msg.text), &job); err != nil {
		// Poison message: hand back an empty job so the reconciler drops it.
		job = domain.ReconcileJob{Reason: "undecodable"}
	}
	job.MessageID = msg.id
	job.PopReceipt = msg.receipt
	return &job, nil
}

func (q *AzureReconcileQueue) Complete(ctx context.Context, job *domain.ReconcileJob) error {
	return q.api.delete(ctx, job.MessageID, job.PopReceipt)
}
