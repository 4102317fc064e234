package db

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-voice-bridge/internal/config"
)

// Scylla holds the session backing the transcript archive.
type Scylla struct {
	session *gocql.Session
}

// NewScylla connects to the cluster. The keyspace must already exist; the
// archive creates its own table.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{NumRetries: 3}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}
	return &Scylla{session: session}, nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Ping reads the local node row.
func (s *Scylla) Ping(ctx context.Context) error {
	var key string
	if err := s.session.Query(`SELECT key FROM system.local`).WithContext(ctx).Scan(&key); err != nil {
		return fmt.Errorf("scylla: ping: %w", err)
	}
	return nil
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch level {
	case "one":
		return gocql.One
	case "local_one":
		return gocql.LocalOne
	case "local_quorum":
		return gocql.LocalQuorum
	default:
		return gocql.Quorum
	}
}
