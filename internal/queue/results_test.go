package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"hermes/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const (
	testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/hermes-results"
	testFIFOURL  = "https://sqs.us-east-1.amazonaws.com/123456789/hermes-results.fifo"
)

func sampleEvent() types.ResultEvent {
	status := 503
	fire := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return types.ResultEvent{
		ConfigID:     "cfg_1",
		ResultID:     "res_1",
		FireAt:       fire,
		CalledAt:     fire.Add(2 * time.Second),
		IsSuccessful: true,
		StatusCode:   &status,
		LatencyMS:    120,
	}
}

func TestPublishResult_SendsJSONBody(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewResultPublisher(mock, testQueueURL, nil)

	if err := pub.PublishResult(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("PublishResult returned unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *call.QueueUrl)
	}

	var got types.ResultEvent
	if err := json.Unmarshal([]byte(*call.MessageBody), &got); err != nil {
		t.Fatalf("body is not a ResultEvent: %v", err)
	}
	if got.ConfigID != "cfg_1" || got.ResultID != "res_1" {
		t.Errorf("unexpected ids in body: %+v", got)
	}
	if got.StatusCode == nil || *got.StatusCode != 503 {
		t.Errorf("expected status 503 in body, got %v", got.StatusCode)
	}
}

func TestPublishResult_Attributes(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewResultPublisher(mock, testQueueURL, nil)

	ev := sampleEvent()
	ev.IsSuccessful = false
	ev.StatusCode = nil
	if err := pub.PublishResult(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	attrs := mock.calls[0].MessageAttributes
	if v := attrs["config_id"].StringValue; v == nil || *v != "cfg_1" {
		t.Errorf("expected config_id attribute cfg_1, got %v", v)
	}
	if v := attrs["outcome"].StringValue; v == nil || *v != types.OutcomeFailure {
		t.Errorf("expected outcome attribute %q, got %v", types.OutcomeFailure, v)
	}
}

func TestPublishResult_StandardQueueHasNoGroup(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewResultPublisher(mock, testQueueURL, nil)

	_ = pub.PublishResult(context.Background(), sampleEvent())

	if mock.calls[0].MessageGroupId != nil || mock.calls[0].MessageDeduplicationId != nil {
		t.Error("standard queues must not carry FIFO fields")
	}
}

func TestPublishResult_FIFOQueue(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewResultPublisher(mock, testFIFOURL, nil)

	_ = pub.PublishResult(context.Background(), sampleEvent())

	call := mock.calls[0]
	if call.MessageGroupId == nil || *call.MessageGroupId != "cfg_1" {
		t.Errorf("expected group id cfg_1, got %v", call.MessageGroupId)
	}
	if call.MessageDeduplicationId == nil || *call.MessageDeduplicationId != "res_1" {
		t.Errorf("expected dedup id res_1, got %v", call.MessageDeduplicationId)
	}
}

func TestPublishResult_SQSError(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("access denied")}
	pub := NewResultPublisher(mock, testQueueURL, nil)

	err := pub.PublishResult(context.Background(), sampleEvent())
	if err == nil {
		t.Fatal("expected error when SQS fails")
	}
	if !strings.Contains(err.Error(), "access denied") {
		t.Errorf("expected wrapped SQS error, got %v", err)
	}
	if !strings.Contains(err.Error(), testQueueURL) {
		t.Errorf("expected queue URL in error, got %v", err)
	}
}
