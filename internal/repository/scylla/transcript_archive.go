package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-voice-bridge/internal/domain"
)

const transcriptSchema = `CREATE TABLE IF NOT EXISTS transcripts_by_call (
	call_sid text,
	bucket timestamp,
	seq int,
	speaker text,
	body text,
	spoken_at timestamp,
	PRIMARY KEY ((call_sid), seq)
) WITH CLUSTERING ORDER BY (seq ASC)`

// TranscriptArchive keeps utterance rows per call in Scylla.
type TranscriptArchive struct {
	session *gocql.Session
	ttl     time.Duration
}

// NewTranscriptArchive creates a new archive. A zero ttl keeps rows forever.
func NewTranscriptArchive(session *gocql.Session, ttl time.Duration) *TranscriptArchive {
	return &TranscriptArchive{session: session, ttl: ttl}
}

// EnsureSchema creates the transcript table when it is missing.
func (a *TranscriptArchive) EnsureSchema(ctx context.Context) error {
	if err := a.session.Query(transcriptSchema).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("transcript archive: ensure schema: %w", err)
	}
	return nil
}

// Append writes lines for a call in a single unlogged batch.
func (a *TranscriptArchive) Append(ctx context.Context, callSID string, lines []domain.TranscriptLine) error {
	if len(lines) == 0 {
		return nil
	}

	stmt := `INSERT INTO transcripts_by_call (call_sid, bucket, seq, speaker, body, spoken_at) VALUES (?, ?, ?, ?, ?, ?)`
	if a.ttl > 0 {
		stmt += fmt.Sprintf(" USING TTL %d", int(a.ttl/time.Second))
	}

	batch := a.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, line := range lines {
		batch.Query(stmt, callSID, bucketDate(line.At), line.Seq, string(line.Speaker), line.Text, line.At)
	}
	if err := a.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("transcript archive: append %s: %w", callSID, err)
	}
	return nil
}

// List returns the lines of a call in sequence order.
func (a *TranscriptArchive) List(ctx context.Context, callSID string) ([]domain.TranscriptLine, error) {
	iter := a.session.Query(`SELECT seq, speaker, body, spoken_at FROM transcripts_by_call WHERE call_sid = ?`, callSID).
		WithContext(ctx).Iter()

	var (
		lines   []domain.TranscriptLine
		seq     int
		speaker string
		body    string
		at      time.Time
	)
	for iter.Scan(&seq, &speaker, &body, &at) {
		lines = append(lines, domain.TranscriptLine{Seq: seq, Speaker: domain.Speaker(speaker), Text: body, At: at})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("transcript archive: list %s: %w", callSID, err)
	}
	return lines, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
