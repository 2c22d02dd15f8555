// Package segmentstore backs the query core's segment collaborators: an
// immutable columnar segment reader over DuckDB-scanned parquet (local or
// S3), a mutable consuming segment over a Postgres append-only buffer, and
// the catalog, health checks and circuit breaker around them.
package segmentstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/lychee-technology/forma/internal/queryexec"
	"github.com/lychee-technology/forma/internal/queryoptimizer"

	querycore "github.com/lychee-technology/forma"
)

// DuckDBStore reads immutable columnar segments by scanning their parquet
// objects through a shared DuckDB connection. It implements the executor's
// RowSource contract for the scan-requiring plan kinds; the metadata-only
// and dictionary-only kinds are answered upstream from the Segment handle
// this store produces at registration time.
type DuckDBStore struct {
	DB      *sql.DB
	Catalog *Catalog
	Breaker *CircuitBreaker
	Logger  *zap.SugaredLogger

	mu        sync.Mutex
	scanPaths map[string]string
}

// NewDuckDBStore opens a DuckDB connection and configures pragmas and
// extensions (httpfs + parquet, plus the S3 settings when enabled).
func NewDuckDBStore(ctx context.Context, cfg querycore.DuckDBConfig, catalog *Catalog, breaker *CircuitBreaker, logger *zap.SugaredLogger) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		fmt.Sprintf("PRAGMA memory_limit='%s';", cfg.MemoryLimit),
		fmt.Sprintf("PRAGMA threads=%d;", cfg.Threads),
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx2, p); err != nil {
			logger.Warnw("duckdb pragma failed", "pragma", p, "err", err)
		}
	}
	for _, e := range []string{"httpfs", "parquet"} {
		if _, err := db.ExecContext(ctx2, "INSTALL "+e+";"); err != nil {
			logger.Warnw("duckdb install extension failed", "ext", e, "err", err)
		} else if _, err := db.ExecContext(ctx2, "LOAD "+e+";"); err != nil {
			logger.Warnw("duckdb load extension failed", "ext", e, "err", err)
		}
	}
	if cfg.EnableS3 {
		settings := map[string]string{
			"s3_access_key_id":     cfg.S3AccessKey,
			"s3_secret_access_key": cfg.S3SecretKey,
			"s3_region":            cfg.S3Region,
		}
		for k, v := range settings {
			if v == "" {
				continue
			}
			if _, err := db.ExecContext(ctx2, fmt.Sprintf("SET %s='%s';", k, strings.ReplaceAll(v, "'", "''"))); err != nil {
				logger.Warnw("duckdb s3 setting failed", "setting", k, "err", err)
			}
		}
		if cfg.S3Endpoint != "" {
			ep := strings.TrimPrefix(cfg.S3Endpoint, "http://")
			for _, stmt := range []string{
				fmt.Sprintf("SET s3_endpoint='%s';", strings.ReplaceAll(ep, "'", "''")),
				"SET s3_use_ssl=false;",
				"SET s3_url_style='path';",
			} {
				if _, err := db.ExecContext(ctx2, stmt); err != nil {
					logger.Warnw("duckdb s3 endpoint setting failed", "stmt", stmt, "err", err)
				}
			}
		}
	}

	return &DuckDBStore{
		DB:        db,
		Catalog:   catalog,
		Breaker:   breaker,
		Logger:    logger,
		scanPaths: make(map[string]string),
	}, nil
}

// Close releases the shared DuckDB connection.
func (s *DuckDBStore) Close() error {
	return s.DB.Close()
}

// OpenSegment describes a registered segment's parquet object and returns
// the read-only Segment handle the query core operates on: row count plus
// per-column min/max, nullability and sorted-dictionary flags. Description
// runs once at segment load, never per query.
func (s *DuckDBStore) OpenSegment(ctx context.Context, table, segmentID string) (*querycore.Segment, error) {
	if !s.Breaker.Allow() {
		return nil, fmt.Errorf("segment store circuit breaker open")
	}
	path := s.Catalog.ResolveScanPath(table, segmentID)

	seg, err := s.describe(ctx, segmentID, path)
	if err != nil {
		s.Breaker.RecordFailure()
		return nil, err
	}
	s.Breaker.RecordSuccess()

	s.mu.Lock()
	s.scanPaths[segmentID] = path
	s.mu.Unlock()
	return seg, nil
}

func (s *DuckDBStore) describe(ctx context.Context, segmentID, path string) (*querycore.Segment, error) {
	from := scanSource(path)

	var totalDocs int64
	if err := s.DB.QueryRowContext(ctx, "SELECT count(*) FROM "+from).Scan(&totalDocs); err != nil {
		return nil, fmt.Errorf("count segment %s: %w", segmentID, err)
	}

	cols, err := s.describeColumns(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("describe segment %s: %w", segmentID, err)
	}

	return &querycore.Segment{
		ID:        segmentID,
		TotalDocs: totalDocs,
		Columns:   cols,
	}, nil
}

func (s *DuckDBStore) describeColumns(ctx context.Context, from string) (map[string]querycore.ColumnDataSource, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT * FROM "+from+" LIMIT 0")
	if err != nil {
		return nil, err
	}
	colTypes, err := rows.ColumnTypes()
	rows.Close()
	if err != nil {
		return nil, err
	}

	out := make(map[string]querycore.ColumnDataSource, len(colTypes))
	for _, ct := range colTypes {
		name := ct.Name()
		coreType := ColumnTypeFromDuckDB(ct.DatabaseTypeName())

		ds := querycore.ColumnDataSource{
			Name:          name,
			Type:          coreType,
			HasDictionary: true,
		}

		q := fmt.Sprintf(
			"SELECT min(%[1]s), max(%[1]s), count(*) - count(%[1]s), count(*) = 0 OR bool_and(%[1]s >= coalesce(lag(%[1]s) OVER (), %[1]s)) FROM %[2]s",
			quoteIdent(name), from)
		var minV, maxV any
		var numNulls int64
		var sorted bool
		if err := s.DB.QueryRowContext(ctx, q).Scan(&minV, &maxV, &numNulls, &sorted); err != nil {
			return nil, fmt.Errorf("column stats for %s: %w", name, err)
		}
		ds.DictionaryMin = normalizeScanValue(minV)
		ds.DictionaryMax = normalizeScanValue(maxV)
		ds.Nullable = numNulls > 0
		ds.SortedDictionary = sorted

		out[name] = ds
	}
	return out, nil
}

// Scan implements the executor's RowSource contract: produce the filtered
// (and, for aggregation kinds, partially aggregated) rows for one segment
// under one scan-requiring plan kind.
func (s *DuckDBStore) Scan(ctx context.Context, segment *querycore.Segment, query *querycore.QueryContext, kind queryoptimizer.PlanKind) (scanResult queryexec.RowSourceResult, err error) {
	if !s.Breaker.Allow() {
		return queryexec.RowSourceResult{}, fmt.Errorf("segment store circuit breaker open")
	}
	defer func() {
		if err != nil {
			s.Breaker.RecordFailure()
		} else {
			s.Breaker.RecordSuccess()
		}
	}()

	s.mu.Lock()
	path, ok := s.scanPaths[segment.ID]
	s.mu.Unlock()
	if !ok {
		return queryexec.RowSourceResult{}, fmt.Errorf("segment %s not opened by this store", segment.ID)
	}

	switch kind {
	case queryoptimizer.PlanSelection:
		return s.scanSelection(ctx, segment, query, path)
	default:
		return s.scanAggregation(ctx, segment, query, path)
	}
}

func (s *DuckDBStore) scanSelection(ctx context.Context, segment *querycore.Segment, query *querycore.QueryContext, path string) (queryexec.RowSourceResult, error) {
	schema := querycore.DataSchema{NumKeyColumns: 0}
	selectItems := make([]string, 0, len(query.SelectExpressions))
	for _, e := range query.SelectExpressions {
		selectItems = append(selectItems, quoteIdent(e.Identifier))
		schema.ColumnNames = append(schema.ColumnNames, e.Identifier)
		schema.ColumnTypes = append(schema.ColumnTypes, columnTypeOf(segment, e.Identifier))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selectItems, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(scanSource(path))
	where, args := filterSQL(query.FilterTree)
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	if query.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", query.Limit)
	}

	records, err := s.queryRecords(ctx, sb.String(), args, len(selectItems))
	if err != nil {
		return queryexec.RowSourceResult{}, err
	}

	res := queryexec.RowSourceResult{
		Schema:         schema,
		Rows:           records,
		NumDocsScanned: int64(len(records)),
	}
	if query.FilterTree != nil {
		res.NumEntriesScannedInFilter = segment.TotalDocs
	}
	res.NumEntriesScannedPostFilter = int64(len(records)) * int64(len(selectItems))
	return res, nil
}

// aggSelectItem describes how one output column of an aggregation scan maps
// to generated SQL columns. minmaxrange spans two SQL columns (min + max)
// folded into a MinMaxRange intermediate after the scan.
type aggSelectItem struct {
	sqlExprs []string
	fold     func(vals []any) any
	name     string
	colType  querycore.ColumnDataType
}

func buildAggSelectItem(e querycore.Expression, segment *querycore.Segment) (aggSelectItem, error) {
	fn := strings.ToLower(e.FunctionName)
	argIdent := ""
	if len(e.Args) > 0 {
		argIdent = e.Args[0].Identifier
	}
	col := quoteIdent(argIdent)
	name := fn + "()"

	switch fn {
	case "count":
		return aggSelectItem{
			sqlExprs: []string{"CAST(count(*) AS BIGINT)"},
			fold:     func(vals []any) any { return vals[0] },
			name:     name,
			colType:  querycore.ColumnTypeLong,
		}, nil
	case "sum":
		cast := "BIGINT"
		outType := querycore.ColumnTypeLong
		if t := columnTypeOf(segment, argIdent); t == querycore.ColumnTypeFloat || t == querycore.ColumnTypeDouble {
			cast = "DOUBLE"
			outType = querycore.ColumnTypeDouble
		}
		return aggSelectItem{
			sqlExprs: []string{fmt.Sprintf("CAST(sum(%s) AS %s)", col, cast)},
			fold:     func(vals []any) any { return vals[0] },
			name:     name,
			colType:  outType,
		}, nil
	case "min", "max":
		return aggSelectItem{
			sqlExprs: []string{fmt.Sprintf("%s(%s)", fn, col)},
			fold:     func(vals []any) any { return vals[0] },
			name:     name,
			colType:  columnTypeOf(segment, argIdent),
		}, nil
	case "minmaxrange":
		return aggSelectItem{
			sqlExprs: []string{fmt.Sprintf("min(%s)", col), fmt.Sprintf("max(%s)", col)},
			fold: func(vals []any) any {
				return querycore.MinMaxRange{Min: vals[0], Max: vals[1]}
			},
			name:    name,
			colType: querycore.ColumnTypeObject,
		}, nil
	default:
		return aggSelectItem{}, fmt.Errorf("aggregation function %q cannot be pushed into a segment scan", e.FunctionName)
	}
}

func (s *DuckDBStore) scanAggregation(ctx context.Context, segment *querycore.Segment, query *querycore.QueryContext, path string) (queryexec.RowSourceResult, error) {
	schema := querycore.DataSchema{NumKeyColumns: len(query.GroupByExpressions)}

	var sqlCols []string
	for _, g := range query.GroupByExpressions {
		sqlCols = append(sqlCols, quoteIdent(g.Identifier))
		schema.ColumnNames = append(schema.ColumnNames, g.Identifier)
		schema.ColumnTypes = append(schema.ColumnTypes, columnTypeOf(segment, g.Identifier))
	}

	var items []aggSelectItem
	for _, e := range query.SelectExpressions {
		if e.FunctionName == "" {
			// Bare group-by identifiers in the select list are already
			// covered by the key columns.
			continue
		}
		item, err := buildAggSelectItem(e, segment)
		if err != nil {
			return queryexec.RowSourceResult{}, err
		}
		sqlCols = append(sqlCols, item.sqlExprs...)
		items = append(items, item)
		schema.ColumnNames = append(schema.ColumnNames, item.name)
		schema.ColumnTypes = append(schema.ColumnTypes, item.colType)
	}

	// Hidden per-group row counter feeding numDocsScanned.
	sqlCols = append(sqlCols, "CAST(count(*) AS BIGINT)")

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(sqlCols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(scanSource(path))
	where, args := filterSQL(query.FilterTree)
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	if n := len(query.GroupByExpressions); n > 0 {
		groupRefs := make([]string, n)
		for i := range groupRefs {
			groupRefs[i] = fmt.Sprintf("%d", i+1)
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(groupRefs, ", "))
	}

	raw, err := s.queryRecords(ctx, sb.String(), args, len(sqlCols))
	if err != nil {
		return queryexec.RowSourceResult{}, err
	}

	numKeys := schema.NumKeyColumns
	res := queryexec.RowSourceResult{Schema: schema}
	for _, rawRec := range raw {
		vals := make([]any, 0, schema.Size())
		vals = append(vals, rawRec.Values[:numKeys]...)
		cursor := numKeys
		for _, item := range items {
			span := rawRec.Values[cursor : cursor+len(item.sqlExprs)]
			vals = append(vals, item.fold(span))
			cursor += len(item.sqlExprs)
		}
		res.Rows = append(res.Rows, querycore.Record{Values: vals})
		if c, ok := rawRec.Values[len(rawRec.Values)-1].(int64); ok {
			res.NumDocsScanned += c
		}
	}
	if query.FilterTree != nil {
		res.NumEntriesScannedInFilter = segment.TotalDocs
	}
	res.NumEntriesScannedPostFilter = res.NumDocsScanned * int64(len(items))
	return res, nil
}

func (s *DuckDBStore) queryRecords(ctx context.Context, sqlText string, args []any, numCols int) ([]querycore.Record, error) {
	rows, err := s.DB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("segment scan query: %w", err)
	}
	defer rows.Close()

	var out []querycore.Record
	for rows.Next() {
		vals := make([]any, numCols)
		ptrs := make([]any, numCols)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("segment scan row: %w", err)
		}
		for i := range vals {
			vals[i] = normalizeScanValue(vals[i])
		}
		out = append(out, querycore.Record{Values: vals})
	}
	return out, rows.Err()
}

func scanSource(path string) string {
	return fmt.Sprintf("read_parquet('%s')", strings.ReplaceAll(path, "'", "''"))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnTypeOf(segment *querycore.Segment, column string) querycore.ColumnDataType {
	if ds, ok := segment.Columns[column]; ok {
		return ds.Type
	}
	return querycore.ColumnTypeObject
}

// filterSQL renders a filter tree to a parameterized WHERE clause.
func filterSQL(node *querycore.FilterNode) (string, []any) {
	if node == nil {
		return "", nil
	}
	var args []any
	clause := renderFilterNode(node, &args)
	return clause, args
}

func renderFilterNode(node *querycore.FilterNode, args *[]any) string {
	if node == nil {
		return ""
	}
	if node.IsComposite() {
		parts := make([]string, 0, len(node.Children))
		for _, c := range node.Children {
			if p := renderFilterNode(c, args); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			return ""
		}
		switch node.Logic {
		case querycore.FilterLogicAnd:
			return "(" + strings.Join(parts, " AND ") + ")"
		case querycore.FilterLogicOr:
			return "(" + strings.Join(parts, " OR ") + ")"
		case querycore.FilterLogicNot:
			return "NOT (" + parts[0] + ")"
		default:
			return ""
		}
	}

	col := quoteIdent(node.Column)
	switch node.Op {
	case querycore.FilterOpEq:
		*args = append(*args, node.Value)
		return col + " = ?"
	case querycore.FilterOpNeq:
		*args = append(*args, node.Value)
		return col + " <> ?"
	case querycore.FilterOpGt:
		*args = append(*args, node.Value)
		return col + " > ?"
	case querycore.FilterOpGte:
		*args = append(*args, node.Value)
		return col + " >= ?"
	case querycore.FilterOpLt:
		*args = append(*args, node.Value)
		return col + " < ?"
	case querycore.FilterOpLte:
		*args = append(*args, node.Value)
		return col + " <= ?"
	case querycore.FilterOpIn:
		vals, ok := node.Value.([]any)
		if !ok || len(vals) == 0 {
			return "FALSE"
		}
		marks := make([]string, len(vals))
		for i, v := range vals {
			marks[i] = "?"
			*args = append(*args, v)
		}
		return col + " IN (" + strings.Join(marks, ", ") + ")"
	case querycore.FilterOpLike:
		*args = append(*args, node.Value)
		return col + " LIKE ?"
	case querycore.FilterOpIsNull:
		return col + " IS NULL"
	default:
		return ""
	}
}
