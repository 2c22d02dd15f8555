package segmentstore

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	querycore "github.com/lychee-technology/forma"
)

// MapColumnTypeToDuckDBType maps a core column type to a DuckDB SQL type
// string, for CAST expressions in generated scan SQL.
func MapColumnTypeToDuckDBType(t querycore.ColumnDataType) string {
	switch t {
	case querycore.ColumnTypeInt:
		return "INTEGER"
	case querycore.ColumnTypeLong:
		return "BIGINT"
	case querycore.ColumnTypeFloat:
		return "FLOAT"
	case querycore.ColumnTypeDouble:
		return "DOUBLE"
	case querycore.ColumnTypeString:
		return "VARCHAR"
	case querycore.ColumnTypeBytes:
		return "BLOB"
	default:
		// Fallback to VARCHAR for OBJECT and unknown types
		return "VARCHAR"
	}
}

// MapColumnTypeToArrow maps a core column type to the Arrow type the DuckDB
// driver surfaces for it in result batches.
func MapColumnTypeToArrow(t querycore.ColumnDataType) arrow.DataType {
	switch t {
	case querycore.ColumnTypeInt:
		return arrow.PrimitiveTypes.Int32
	case querycore.ColumnTypeLong:
		return arrow.PrimitiveTypes.Int64
	case querycore.ColumnTypeFloat:
		return arrow.PrimitiveTypes.Float32
	case querycore.ColumnTypeDouble:
		return arrow.PrimitiveTypes.Float64
	case querycore.ColumnTypeString:
		return arrow.BinaryTypes.String
	case querycore.ColumnTypeBytes:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

// ColumnTypeFromDuckDB maps a DuckDB column type name (as reported by
// database/sql's ColumnTypes) back to a core column type.
func ColumnTypeFromDuckDB(duckType string) querycore.ColumnDataType {
	switch strings.ToUpper(duckType) {
	case "TINYINT", "SMALLINT", "INTEGER", "INT", "INT4":
		return querycore.ColumnTypeInt
	case "BIGINT", "INT8", "HUGEINT", "UBIGINT":
		return querycore.ColumnTypeLong
	case "FLOAT", "FLOAT4", "REAL":
		return querycore.ColumnTypeFloat
	case "DOUBLE", "FLOAT8", "DECIMAL", "NUMERIC":
		return querycore.ColumnTypeDouble
	case "VARCHAR", "TEXT", "STRING", "UUID":
		return querycore.ColumnTypeString
	case "BLOB", "BYTEA", "BINARY":
		return querycore.ColumnTypeBytes
	default:
		return querycore.ColumnTypeObject
	}
}

// normalizeScanValue converts a database/sql scan result into the canonical
// in-memory representation the core operates on: int64 for integral types,
// float64 for floating types, string and []byte passed through.
func normalizeScanValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
