package tabletree

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"xml2pg/internal/logging"
	"xml2pg/internal/util"
)

// pgxConnectFunc is overridable in tests, mirroring
// internal/io/postgres.go's package-level factory var of the same name.
var pgxConnectFunc = pgx.Connect

const postgresSinkTimeout = 60 * time.Second

// postgresDSNPrefix marks a configured 'file' target as a live database
// connection rather than a filesystem path: "pg:postgres://..." (§C.3 of
// the design notes).
const postgresDSNPrefix = "pg:"

// postgresTarget reports whether file names a direct Postgres sink, and
// if so, returns its connection string.
func postgresTarget(file string) (dsn string, ok bool) {
	if !strings.HasPrefix(file, postgresDSNPrefix) {
		return "", false
	}
	return strings.TrimPrefix(file, postgresDSNPrefix), true
}

// postgresSink accumulates the preamble/COPY/epilogue text a Table
// writes (exactly the same fragments a file sink would receive) and, on
// Close, replays it as one simple-query-protocol script against a live
// connection: the backend parses the embedded "COPY ... FROM stdin;"
// statement and reads its following tab-separated rows and terminating
// "\." from the same message, precisely as psql does when fed a dump
// file. This lets the table tree target a database directly without a
// separate staging file, while every SQL-generation code path (table.go)
// stays identical between the file and database sinks.
type postgresSink struct {
	dsn string
	buf strings.Builder
}

// NewPostgresSink returns a Sink that stages output in memory and loads
// it into dsn when Close is called.
func NewPostgresSink(dsn string) (Sink, error) {
	return &postgresSink{dsn: util.ExpandEnvUniversal(dsn)}, nil
}

func (s *postgresSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *postgresSink) Close() error {
	masked := util.MaskCredentials(s.dsn)
	logging.Logf(logging.Info, "connecting to %s to load staged rows", masked)

	ctx, cancel := context.WithTimeout(context.Background(), postgresSinkTimeout)
	defer cancel()

	conn, err := pgxConnectFunc(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database (using %s): %w", masked, err)
	}
	defer conn.Close(ctx)

	script := s.buf.String()
	if strings.TrimSpace(script) == "" {
		return nil
	}
	if _, err := conn.PgConn().Exec(ctx, script).ReadAll(); err != nil {
		return fmt.Errorf("failed to load staged rows into database (using %s): %w", masked, err)
	}
	return nil
}
