package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ground/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ground/pkg/models"
)

// PoolConfig configures the underlying *pgxpool.Pool.
type PoolConfig struct {
	ConnString      string
	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool creates a pgxpool.Pool with the grounding pipeline's defaults.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse database connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	if poolConfig.MaxConnLifetime == 0 {
		poolConfig.MaxConnLifetime = time.Hour
	}
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if poolConfig.MaxConnIdleTime == 0 {
		poolConfig.MaxConnIdleTime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// PostgresStore implements VectorStore, LexicalStore, and MetadataStore
// against the rag.* tables described in the external interface contract.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var (
	_ VectorStore   = (*PostgresStore)(nil)
	_ LexicalStore  = (*PostgresStore)(nil)
	_ MetadataStore = (*PostgresStore)(nil)
)

// NewPostgresStore wraps an existing pool. The pool's lifecycle (Close) is
// owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger.Named("store")}
}

// CosineSearch queries rag.schema_embeddings ordered by cosine distance
// (pgvector's <=> operator), filtering rows below threshold similarity.
func (s *PostgresStore) CosineSearch(ctx context.Context, embedding []float32, threshold float64, limit int, modules []string) ([]CosineHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(embedding)

	query := `
		SELECT se.table_schema, se.table_name,
		       1 - (se.embedding <=> $1) AS similarity
		FROM rag.schema_embeddings se
		WHERE se.entity_type = 'table'
		  AND 1 - (se.embedding <=> $1) >= $2`
	args := []any{vec, threshold}

	if len(modules) > 0 {
		query += `
		  AND EXISTS (
		    SELECT 1 FROM rag.schema_tables st
		    WHERE st.table_schema = se.table_schema AND st.table_name = se.table_name
		      AND st.module = ANY($3)
		  )`
		args = append(args, modules)
		query += fmt.Sprintf(" ORDER BY similarity DESC LIMIT $%d", len(args)+1)
		args = append(args, limit)
	} else {
		query += fmt.Sprintf(" ORDER BY similarity DESC LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.classify(err, "cosine_search")
	}
	defer rows.Close()

	var out []CosineHit
	for rows.Next() {
		var h CosineHit
		if err := rows.Scan(&h.TableSchema, &h.TableName, &h.Similarity); err != nil {
			return nil, apperrors.New(apperrors.KindInternal, "scan cosine hit", false, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ModuleCosineSearch ranks module centroid embeddings by cosine similarity.
func (s *PostgresStore) ModuleCosineSearch(ctx context.Context, embedding []float32, limit int) ([]ModuleHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(embedding)

	const query = `
		SELECT module_name, 1 - (embedding <=> $1) AS similarity
		FROM rag.module_embeddings
		ORDER BY similarity DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, vec, limit)
	if err != nil {
		return nil, s.classify(err, "module_cosine_search")
	}
	defer rows.Close()

	var out []ModuleHit
	for rows.Next() {
		var h ModuleHit
		if err := rows.Scan(&h.Module, &h.Similarity); err != nil {
			return nil, apperrors.New(apperrors.KindInternal, "scan module hit", false, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LexicalSearch performs a full-text query over rag.schema_tables.search_vector,
// preferring websearch_to_tsquery and falling back to plainto_tsquery when
// the query does not parse. Returns ErrLexicalUnavailable if the column is
// missing so callers can degrade gracefully, matching searchkit's FTS
// fallback shape.
func (s *PostgresStore) LexicalSearch(ctx context.Context, query string, limit int, modules []string) ([]LexicalHit, error) {
	if limit <= 0 {
		return nil, nil
	}

	run := func(fn string) ([]LexicalHit, error) {
		sql := fmt.Sprintf(`
			WITH q AS (SELECT %s('english', $1) AS tsq)
			SELECT st.table_schema, st.table_name,
			       ts_rank_cd(st.search_vector, q.tsq)::float8 AS score
			FROM q, rag.schema_tables st
			WHERE st.search_vector IS NOT NULL
			  AND q.tsq IS NOT NULL
			  AND st.search_vector @@ q.tsq
			  AND ($2::text[] IS NULL OR st.module = ANY($2))
			ORDER BY score DESC, st.table_name ASC
			LIMIT $3`, fn)

		var moduleArg []string
		if len(modules) > 0 {
			moduleArg = modules
		}

		rows, err := s.pool.Query(ctx, sql, query, moduleArg, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []LexicalHit
		for rows.Next() {
			var h LexicalHit
			if err := rows.Scan(&h.TableSchema, &h.TableName, &h.Score); err != nil {
				return nil, err
			}
			out = append(out, h)
		}
		return out, rows.Err()
	}

	out, err := run("websearch_to_tsquery")
	if err == nil {
		return out, nil
	}

	if isUndefinedColumn(err) {
		s.logger.Warn("lexical index unavailable, degrading to empty", zap.Error(err))
		return nil, ErrLexicalUnavailable
	}

	out, err = run("plainto_tsquery")
	if err != nil {
		if isUndefinedColumn(err) {
			return nil, ErrLexicalUnavailable
		}
		return nil, s.classify(err, "lexical_search")
	}
	return out, nil
}

// isUndefinedColumn detects Postgres error 42703 (undefined_column), which
// signals the optional search_vector column is absent.
func isUndefinedColumn(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "42703"
	}
	return false
}

// TableMetadata fetches module, gloss, and fk_degree/is_hub flags for a set
// of tables, building the m_schema compact column encoding per table.
func (s *PostgresStore) TableMetadata(ctx context.Context, tables []string) (map[string]models.TableEntry, error) {
	if len(tables) == 0 {
		return map[string]models.TableEntry{}, nil
	}

	const tableQuery = `
		SELECT table_schema, table_name, module, table_gloss, fk_degree, is_hub
		FROM rag.schema_tables
		WHERE table_name = ANY($1)`

	rows, err := s.pool.Query(ctx, tableQuery, tables)
	if err != nil {
		return nil, s.classify(err, "table_metadata")
	}

	entries := make(map[string]models.TableEntry, len(tables))
	for rows.Next() {
		var e models.TableEntry
		if err := rows.Scan(&e.TableSchema, &e.TableName, &e.Module, &e.Gloss, &e.FKDegree, &e.IsHub); err != nil {
			rows.Close()
			return nil, apperrors.New(apperrors.KindInternal, "scan table metadata", false, err)
		}
		entries[e.TableName] = e
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "table_metadata")
	}

	columns, err := s.ColumnMetadata(ctx, tables)
	if err != nil {
		return nil, err
	}
	byTable := make(map[string][]ColumnRow, len(entries))
	for _, c := range columns {
		byTable[c.TableName] = append(byTable[c.TableName], c)
	}
	for name, e := range entries {
		e.MSchema = buildMSchema(name, byTable[name])
		entries[name] = e
	}

	return entries, nil
}

// buildMSchema renders the compact `table_name (col: type [PK] [FK→ref], …)`
// encoding used throughout the pipeline's schema context.
func buildMSchema(tableName string, cols []ColumnRow) string {
	out := tableName + " ("
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c.ColumnName + ": " + c.DataType
		if c.IsPK {
			out += " [PK]"
		}
		if c.IsFK {
			out += fmt.Sprintf(" [FK→%s]", c.FKTargetTable)
		}
	}
	out += ")"
	return out
}

// ColumnMetadata fetches column-level rows ordered by ordinal position.
func (s *PostgresStore) ColumnMetadata(ctx context.Context, tables []string) ([]ColumnRow, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	const query = `
		SELECT table_name, column_name, data_type, is_pk, is_fk,
		       COALESCE(fk_target_table, ''), COALESCE(fk_target_column, ''),
		       COALESCE(inferred_gloss, ''), ordinal_pos
		FROM rag.schema_columns
		WHERE table_name = ANY($1)
		ORDER BY table_name, ordinal_pos`

	rows, err := s.pool.Query(ctx, query, tables)
	if err != nil {
		return nil, s.classify(err, "column_metadata")
	}
	defer rows.Close()

	var out []ColumnRow
	for rows.Next() {
		var c ColumnRow
		if err := rows.Scan(&c.TableName, &c.ColumnName, &c.DataType, &c.IsPK, &c.IsFK,
			&c.FKTargetTable, &c.FKTargetColumn, &c.InferredGloss, &c.OrdinalPosition); err != nil {
			return nil, apperrors.New(apperrors.KindInternal, "scan column metadata", false, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ForeignKeys fetches FK edges where either endpoint touches one of tables.
func (s *PostgresStore) ForeignKeys(ctx context.Context, tables []string) ([]models.FKEdge, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	const query = `
		SELECT table_name, column_name, ref_table_name, ref_column_name
		FROM rag.schema_fks
		WHERE table_name = ANY($1) OR ref_table_name = ANY($1)`

	return s.queryFKEdges(ctx, query, tables)
}

// AllForeignKeys fetches the complete FK graph for join-planner subgraph
// construction.
func (s *PostgresStore) AllForeignKeys(ctx context.Context) ([]models.FKEdge, error) {
	const query = `SELECT table_name, column_name, ref_table_name, ref_column_name FROM rag.schema_fks`
	return s.queryFKEdges(ctx, query)
}

func (s *PostgresStore) queryFKEdges(ctx context.Context, query string, args ...any) ([]models.FKEdge, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.classify(err, "foreign_keys")
	}
	defer rows.Close()

	var out []models.FKEdge
	for rows.Next() {
		var e models.FKEdge
		if err := rows.Scan(&e.FromTable, &e.FromColumn, &e.ToTable, &e.ToColumn); err != nil {
			return nil, apperrors.New(apperrors.KindInternal, "scan fk edge", false, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HubTables returns tables flagged is_hub or whose FK degree exceeds
// fkDegreeThreshold.
func (s *PostgresStore) HubTables(ctx context.Context, fkDegreeThreshold int) (map[string]bool, error) {
	const query = `
		SELECT table_name FROM rag.schema_tables
		WHERE is_hub = true OR fk_degree > $1`

	rows, err := s.pool.Query(ctx, query, fkDegreeThreshold)
	if err != nil {
		return nil, s.classify(err, "hub_tables")
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperrors.New(apperrors.KindInternal, "scan hub table", false, err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// ValueExists runs a 1s-bounded existence check for one candidate SQL
// literal against a resolvable table/column, backing the reranker's
// optional value-verification signal (spec §4.7.4).
func (s *PostgresStore) ValueExists(ctx context.Context, table, column, value string) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = $1 LIMIT 1`,
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{column}.Sanitize())

	var found int
	err := s.pool.QueryRow(queryCtx, query, value).Scan(&found)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, s.classify(err, "value_exists")
	}
	return true, nil
}

// classify maps a pgx/pgconn error to a structured apperrors.Error. Rows-not-
// found and context cancellation are distinguished from generic
// unavailability.
func (s *PostgresStore) classify(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.New(apperrors.KindNotFound, "no rows", false, err).WithContext("op", op)
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.New(apperrors.KindCancelled, "query cancelled", false, err).WithContext("op", op)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.New(apperrors.KindTimeout, "query timed out", true, err).WithContext("op", op)
	}
	return apperrors.New(apperrors.KindUnavailable, "store query failed", true, err).WithContext("op", op)
}
