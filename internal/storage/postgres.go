package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver

	"github.com/nshruti113/dos-protect/internal/models"
)

const eventColumns = 9

const createEventsTable = `CREATE TABLE IF NOT EXISTS dos_events (
	id BIGSERIAL PRIMARY KEY,
	vs_name TEXT NOT NULL,
	attack_event TEXT NOT NULL,
	dos_attack_id BIGINT NOT NULL,
	stress_level DOUBLE PRECISION NOT NULL,
	source_ip TEXT NOT NULL DEFAULT '',
	signature TEXT NOT NULL DEFAULT '',
	learning_confidence TEXT NOT NULL DEFAULT '',
	unit_hostname TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL
)`

// EventArchive persists every security-log event in Postgres.
type EventArchive struct {
	db *sql.DB
}

// OpenEventArchive connects through the pgx database/sql driver.
func OpenEventArchive(connString string, maxConns int) (*EventArchive, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &EventArchive{db: db}, nil
}

func NewEventArchive(db *sql.DB) *EventArchive {
	return &EventArchive{db: db}
}

func (a *EventArchive) Name() string { return "postgres" }

func (a *EventArchive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *EventArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, createEventsTable); err != nil {
		return fmt.Errorf("create dos_events: %w", err)
	}
	return nil
}

// WriteBatch inserts all events with a single multi-row statement.
func (a *EventArchive) WriteBatch(ctx context.Context, events []models.AttackEvent) error {
	if len(events) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(events))
	vals := make([]any, 0, len(events)*eventColumns)
	for i, e := range events {
		p := i * eventColumns
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9))
		vals = append(vals,
			e.Resource.String(), string(e.Kind), int64(e.AttackID), e.StressLevel,
			e.SourceIP, e.Signature, string(e.LearningConfidence), e.UnitHostname, e.Timestamp,
		)
	}

	query := "INSERT INTO dos_events (vs_name, attack_event, dos_attack_id, stress_level, source_ip, signature, learning_confidence, unit_hostname, timestamp) VALUES " +
		strings.Join(placeholders, ", ")

	if _, err := a.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("archive %d events: %w", len(events), err)
	}
	return nil
}

// ListEvents returns up to limit events of id at or after since, oldest first.
func (a *EventArchive) ListEvents(ctx context.Context, id models.ResourceID, since time.Time, limit int) ([]models.AttackEvent, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT attack_event, dos_attack_id, stress_level, source_ip, signature, learning_confidence, unit_hostname, timestamp
		 FROM dos_events WHERE vs_name = $1 AND timestamp >= $2 ORDER BY timestamp, id LIMIT $3`,
		id.String(), since, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.AttackEvent
	for rows.Next() {
		var (
			ev         models.AttackEvent
			kind, conf string
			attackID   int64
		)
		if err := rows.Scan(&kind, &attackID, &ev.StressLevel, &ev.SourceIP, &ev.Signature, &conf, &ev.UnitHostname, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Resource = id
		ev.Kind = models.EventKind(kind)
		ev.AttackID = uint64(attackID)
		ev.LearningConfidence = models.LearningConfidence(conf)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (a *EventArchive) Close() error {
	return a.db.Close()
}
