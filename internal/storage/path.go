package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	fileNamePattern     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	tableNameInvalidRun = regexp.MustCompile(`[^a-z0-9_]+`)
)

var dataFileExtensions = map[string]string{
	".csv":     "csv",
	".parquet": "parquet",
}

// DatasetKey joins a validated data file name onto the dataset prefix.
func DatasetKey(prefix, fileName string) (string, error) {
	fileName = strings.TrimSpace(fileName)
	if !fileNamePattern.MatchString(fileName) {
		return "", fmt.Errorf("invalid file name: %q", fileName)
	}
	if _, ok := FormatFromKey(fileName); !ok {
		return "", fmt.Errorf("unsupported data file %q: want .csv or .parquet", fileName)
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return fileName, nil
	}
	return path.Join(prefix, fileName), nil
}

// FormatFromKey reports "csv" or "parquet" for supported data files.
func FormatFromKey(key string) (string, bool) {
	format, ok := dataFileExtensions[strings.ToLower(path.Ext(key))]
	return format, ok
}

// TableNameFromKey derives a SQL-safe table name from a data file key:
// "exports/Sales 2024.csv" becomes "sales_2024".
func TableNameFromKey(key string) (string, bool) {
	if _, ok := FormatFromKey(key); !ok {
		return "", false
	}
	base := path.Base(key)
	stem := strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
	name := strings.Trim(tableNameInvalidRun.ReplaceAllString(stem, "_"), "_")
	if name == "" {
		return "", false
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return name, true
}
