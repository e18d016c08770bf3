package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSQS records calls and serves canned queue attributes.
type stubSQS struct {
	attributes        map[string]string
	attributesErr     error
	visibilityInputs  []*sqs.ChangeMessageVisibilityInput
	lastAttributesReq *sqs.GetQueueAttributesInput
}

func (s *stubSQS) SendMessage(context.Context, *sqs.SendMessageInput, ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	return &sqs.SendMessageOutput{MessageId: aws.String("m1")}, nil
}

func (s *stubSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (s *stubSQS) DeleteMessage(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return &sqs.DeleteMessageOutput{}, nil
}

func (s *stubSQS) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	s.visibilityInputs = append(s.visibilityInputs, params)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (s *stubSQS) GetQueueAttributes(_ context.Context, params *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	s.lastAttributesReq = params
	if s.attributesErr != nil {
		return nil, s.attributesErr
	}
	return &sqs.GetQueueAttributesOutput{Attributes: s.attributes}, nil
}

func (s *stubSQS) PurgeQueue(context.Context, *sqs.PurgeQueueInput, ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error) {
	return &sqs.PurgeQueueOutput{}, nil
}

func TestSQSTransport_MessageCountSumsAllBuckets(t *testing.T) {
	stub := &stubSQS{attributes: map[string]string{
		string(types.QueueAttributeNameApproximateNumberOfMessages):           "5",
		string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible): "2",
		string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed):    "1",
	}}
	tr := NewSQSTransport(stub, "https://sqs.test/q")

	count, err := tr.MessageCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, count)

	require.NotNil(t, stub.lastAttributesReq)
	assert.Equal(t, "https://sqs.test/q", aws.ToString(stub.lastAttributesReq.QueueUrl))
	assert.Contains(t, stub.lastAttributesReq.AttributeNames,
		types.QueueAttributeNameApproximateNumberOfMessagesDelayed)
}

func TestSQSTransport_ChangeVisibilityNoOps(t *testing.T) {
	stub := &stubSQS{}
	tr := NewSQSTransport(stub, "https://sqs.test/q")

	require.NoError(t, tr.ChangeVisibility(context.Background(), "", time.Minute))
	require.NoError(t, tr.ChangeVisibility(context.Background(), "rh", -time.Second))
	assert.Empty(t, stub.visibilityInputs)

	require.NoError(t, tr.ChangeVisibility(context.Background(), "rh", 30*time.Second))
	require.Len(t, stub.visibilityInputs, 1)
	assert.Equal(t, int32(30), stub.visibilityInputs[0].VisibilityTimeout)
}
