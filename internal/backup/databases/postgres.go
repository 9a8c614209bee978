// Package databases provides database dump implementations for the
// backup executor.
package databases

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// DefaultDumpTimeout bounds a single pg_dump invocation.
const DefaultDumpTimeout = 10 * time.Minute

// PostgresDumper exports a PostgreSQL database with pg_dump. When the
// database is unreachable or the binary is missing, it returns a clearly
// labeled placeholder export instead of failing the whole backup; the
// caller records the fallback in the archive metadata so operators never
// mistake a placeholder for real data.
type PostgresDumper struct {
	dsn     string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPostgresDumper creates a dumper for the given DSN. An empty DSN
// always yields a placeholder export.
func NewPostgresDumper(dsn string, timeout time.Duration, logger zerolog.Logger) *PostgresDumper {
	if timeout <= 0 {
		timeout = DefaultDumpTimeout
	}
	return &PostgresDumper{
		dsn:     dsn,
		timeout: timeout,
		logger:  logger.With().Str("component", "pgdump").Logger(),
	}
}

// Dump returns the SQL export bytes and whether they are a placeholder.
func (d *PostgresDumper) Dump(ctx context.Context) ([]byte, bool, error) {
	if d.dsn == "" {
		return Placeholder("no database configured"), true, nil
	}

	if err := d.preflight(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("database unreachable, writing placeholder export")
		return Placeholder(fmt.Sprintf("database unreachable: %v", err)), true, nil
	}

	binary, err := exec.LookPath("pg_dump")
	if err != nil {
		d.logger.Warn().Msg("pg_dump not found, writing placeholder export")
		return Placeholder("pg_dump binary not found"), true, nil
	}

	dumpCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(dumpCtx, binary, "--dbname", d.dsn, "--no-owner", "--no-privileges")
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		d.logger.Warn().Err(err).Str("stderr", stderr.String()).Msg("pg_dump failed, writing placeholder export")
		return Placeholder(fmt.Sprintf("pg_dump failed: %v", err)), true, nil
	}

	d.logger.Info().Int("bytes", out.Len()).Msg("database dumped")
	return out.Bytes(), false, nil
}

// preflight confirms connectivity before exec'ing the external tool, so a
// down database surfaces as a clean placeholder rather than a cryptic
// pg_dump exit code.
func (d *PostgresDumper) preflight(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(pingCtx, d.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(pingCtx)

	if err := conn.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Placeholder returns a labeled placeholder export for the given reason.
func Placeholder(reason string) []byte {
	return []byte(fmt.Sprintf(
		"-- stashguard placeholder export\n-- generated: %s\n-- reason: %s\n-- this file does NOT contain real database contents\n",
		time.Now().UTC().Format(time.RFC3339), reason,
	))
}
