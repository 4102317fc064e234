package status

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	"github.com/acme/outbound-voice-bridge/internal/repository/memory"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

func TestDeltaFor(t *testing.T) {
	cases := []struct {
		name  string
		event queue.CallEvent
		want  repository.StatsDelta
	}{
		{"dial ok", queue.CallEvent{Type: queue.EventDialSucceeded}, repository.StatsDelta{TotalCallsDelta: 1}},
		{"dial failed", queue.CallEvent{Type: queue.EventDialFailed}, repository.StatsDelta{FailedDialsDelta: 1}},
		{"sms", queue.CallEvent{Type: queue.EventSMSSent}, repository.StatsDelta{SMSSentDelta: 1}},
		{"retry", queue.CallEvent{Type: queue.EventRetryQueued}, repository.StatsDelta{RetriesDelta: 1}},
		{"transferred", queue.CallEvent{Type: queue.EventCallEnded, Status: "transferred", Outcome: "answered"},
			repository.StatsDelta{TransferredDelta: 1, AnsweredDelta: 1}},
		{"unanswered", queue.CallEvent{Type: queue.EventCallEnded, Outcome: "no_answer"}, repository.StatsDelta{UnansweredDelta: 1}},
		{"unknown", queue.CallEvent{Type: "other"}, repository.StatsDelta{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deltaFor(tc.event))
		})
	}
}

type fakeReader struct {
	msgs      []kafka.Message
	committed int
	drained   func()
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		return kafka.Message{}, errors.New("drained")
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed += len(msgs)
	if len(r.msgs) == 0 {
		r.drained()
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestRunAppliesEventsAndCommits(t *testing.T) {
	store, data := memory.NewStore()
	campaignID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{drained: cancel, msgs: []kafka.Message{
		{Value: []byte(`{"type":"dial_succeeded","campaign_id":"` + campaignID.String() + `"}`)},
		{Value: []byte(`not json`)},
		{Value: []byte(`{"type":"call_ended","campaign_id":"` + campaignID.String() + `","status":"completed","outcome":"answered"}`)},
	}}

	w := &Worker{reader: reader, stats: store.Stats, logger: logger.NewNop()}
	err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 3, reader.committed)
	stats := data.Stats(campaignID)
	assert.Equal(t, int64(1), stats.TotalCalls)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Answered)
}
