package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/domain"
)

// Store implements domain.DocumentStore over a single jsonb-backed table.
type Store struct {
	Pool PgxPool
}

// New constructs a Store with the given pool.
func New(pool PgxPool) *Store { return &Store{Pool: pool} }

func spec(container string) (containerSpec, error) {
	cs, ok := containerRegistry[container]
	if !ok {
		return containerSpec{}, fmt.Errorf("%w: unknown container %q", domain.ErrInvalidArgument, container)
	}
	return cs, nil
}

func docKeys(cs containerSpec, raw []byte) (id, partition string, err error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", "", fmt.Errorf("%w: document not an object: %v", domain.ErrInvalidArgument, err)
	}
	get := func(field string) (string, error) {
		v, ok := m[field]
		if !ok {
			return "", fmt.Errorf("%w: missing key field %q", domain.ErrInvalidArgument, field)
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil || s == "" {
			return "", fmt.Errorf("%w: key field %q empty", domain.ErrInvalidArgument, field)
		}
		return s, nil
	}
	if id, err = get(cs.IDField); err != nil {
		return "", "", err
	}
	if partition, err = get(cs.PartitionField); err != nil {
		return "", "", err
	}
	return id, partition, nil
}

// mapPgErr folds driver failures into the domain taxonomy.
func mapPgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53300", "57014", "53200": // too many connections, cancelled, out of memory
			return fmt.Errorf("op=%s: %w: %v", op, domain.ErrRateLimited, err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w: %v", op, domain.ErrUnavailable, err)
}

// Put upserts a document, inferring id and partition key from the declared
// container key fields, and returns the new ETag.
func (s *Store) Put(ctx domain.Context, container string, doc any) (string, error) {
	tracer := otel.Tracer("store.documents")
	ctx, span := tracer.Start(ctx, "documents.Put")
	defer span.End()

	cs, err := spec(container)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("op=store.put: %w", err)
	}
	id, partition, err := docKeys(cs, raw)
	if err != nil {
		return "", err
	}
	etag := clock.NewEtag()
	var expires *time.Time
	if cs.TTL > 0 {
		t := time.Now().UTC().Add(cs.TTL)
		expires = &t
	}
	q := `INSERT INTO documents (container, id, partition_key, etag, doc, expires_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (container, id)
		DO UPDATE SET partition_key=$3, etag=$4, doc=$5, expires_at=$6, updated_at=now()`
	if _, err := s.Pool.Exec(ctx, q, container, id, partition, etag, raw, expires); err != nil {
		return "", mapPgErr("store.put", err)
	}
	return etag, nil
}

// Get performs a point read within a partition.
func (s *Store) Get(ctx domain.Context, container, id, partition string, out any) (string, error) {
	tracer := otel.Tracer("store.documents")
	ctx, span := tracer.Start(ctx, "documents.Get")
	defer span.End()

	if _, err := spec(container); err != nil {
		return "", err
	}
	q := `SELECT etag, doc FROM documents
		WHERE container=$1 AND id=$2 AND partition_key=$3
		AND (expires_at IS NULL OR expires_at > now())`
	var etag string
	var raw []byte
	if err := s.Pool.QueryRow(ctx, q, container, id, partition).Scan(&etag, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=store.get: %w", domain.ErrNotFound)
		}
		return "", mapPgErr("store.get", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return "", fmt.Errorf("op=store.get: %w", err)
		}
	}
	return etag, nil
}

// Query returns matching documents; cross-partition when q.Partition is empty.
func (s *Store) Query(ctx domain.Context, container string, q domain.DocQuery) ([]domain.RawDoc, error) {
	tracer := otel.Tracer("store.documents")
	ctx, span := tracer.Start(ctx, "documents.Query")
	defer span.End()

	if _, err := spec(container); err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString(`SELECT id, partition_key, etag, doc FROM documents WHERE container=$1
		AND (expires_at IS NULL OR expires_at > now())`)
	args := []any{container}
	if q.Partition != "" {
		args = append(args, q.Partition)
		fmt.Fprintf(&sb, " AND partition_key=$%d", len(args))
	}
	if len(q.Contains) > 0 {
		filter, err := json.Marshal(q.Contains)
		if err != nil {
			return nil, fmt.Errorf("op=store.query: %w", err)
		}
		args = append(args, filter)
		fmt.Fprintf(&sb, " AND doc @> $%d", len(args))
	}
	if q.OrderAscNumeric != "" {
		args = append(args, q.OrderAscNumeric)
		fmt.Fprintf(&sb, " ORDER BY (doc->>$%d)::numeric ASC, id ASC", len(args))
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := s.Pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, mapPgErr("store.query", err)
	}
	defer rows.Close()

	var out []domain.RawDoc
	for rows.Next() {
		var d domain.RawDoc
		var raw []byte
		if err := rows.Scan(&d.ID, &d.Partition, &d.Etag, &raw); err != nil {
			return nil, mapPgErr("store.query", err)
		}
		d.Data = json.RawMessage(raw)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr("store.query", err)
	}
	return out, nil
}

// UpdateIfMatch replaces a document only when the stored ETag matches.
func (s *Store) UpdateIfMatch(ctx domain.Context, container string, doc any, etag string) (string, error) {
	tracer := otel.Tracer("store.documents")
	ctx, span := tracer.Start(ctx, "documents.UpdateIfMatch")
	defer span.End()

	cs, err := spec(container)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("op=store.update: %w", err)
	}
	id, partition, err := docKeys(cs, raw)
	if err != nil {
		return "", err
	}
	newEtag := clock.NewEtag()
	q := `UPDATE documents SET doc=$5, etag=$6, partition_key=$4, updated_at=now()
		WHERE container=$1 AND id=$2 AND etag=$3`
	tag, err := s.Pool.Exec(ctx, q, container, id, etag, partition, raw, newEtag)
	if err != nil {
		return "", mapPgErr("store.update", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing document from a stale ETag.
		var exists bool
		if err := s.Pool.QueryRow(ctx,
			`SELECT true FROM documents WHERE container=$1 AND id=$2`, container, id).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", fmt.Errorf("op=store.update: %w", domain.ErrNotFound)
			}
			return "", mapPgErr("store.update", err)
		}
		return "", fmt.Errorf("op=store.update: %w", domain.ErrConflict)
	}
	return newEtag, nil
}

// Delete removes a document; absent documents are not an error.
func (s *Store) Delete(ctx domain.Context, container, id, partition string) error {
	tracer := otel.Tracer("store.documents")
	ctx, span := tracer.Start(ctx, "documents.Delete")
	defer span.End()

	if _, err := spec(container); err != nil {
		return err
	}
	q := `DELETE FROM documents WHERE container=$1 AND id=$2 AND partition_key=$3`
	if _, err := s.Pool.Exec(ctx, q, container, id, partition); err != nil {
		return mapPgErr("store.delete", err)
	}
	return nil
}
