// kvlite-bench loads a CSV dataset into a kvlite server and, for
// comparison, into PostgreSQL, reporting write and read throughput for
// both sides.
package main

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"kvlite/pkg/resp"
)

type benchConfig struct {
	DatasetPath string
	DatasetName string
	Delimiter   rune
	RowLimit    int

	KVAddr string

	PGEnabled  bool
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
}

type sideResult struct {
	Rows      int           `json:"rows"`
	WriteTime time.Duration `json:"write_time"`
	ReadTime  time.Duration `json:"read_time"`
}

func main() {
	cfg := parseFlags()

	if err := runBench(cfg); err != nil {
		log.Fatalf("bench failed: %v", err)
	}
}

func parseFlags() benchConfig {
	var (
		datasetPath = flag.String("dataset", "", "path to source CSV file")
		datasetName = flag.String("name", "", "logical dataset name")
		delimiter   = flag.String("delim", ",", "field delimiter")
		rowLimit    = flag.Int("limit", 0, "optional max rows (0 = all)")
		kvAddr      = flag.String("kv-addr", "127.0.0.1:6379", "kvlite server address")
		pgEnabled   = flag.Bool("pg", false, "also run the PostgreSQL side")
		dbHost      = flag.String("db-host", "localhost", "PostgreSQL host")
		dbPort      = flag.String("db-port", "5432", "PostgreSQL port")
		dbUser      = flag.String("db-user", "postgres", "PostgreSQL user")
		dbPassword  = flag.String("db-password", "postgres", "PostgreSQL password")
		dbName      = flag.String("db-name", "benchmark", "PostgreSQL database")
	)

	flag.Parse()

	if *datasetPath == "" {
		log.Fatal("dataset path is required")
	}

	if *datasetName == "" {
		base := filepath.Base(*datasetPath)
		*datasetName = strings.TrimSuffix(base, filepath.Ext(base))
	}

	if len(*delimiter) != 1 {
		log.Fatal("delimiter must be a single rune")
	}

	return benchConfig{
		DatasetPath: *datasetPath,
		DatasetName: *datasetName,
		Delimiter:   ([]rune(*delimiter))[0],
		RowLimit:    *rowLimit,
		KVAddr:      *kvAddr,
		PGEnabled:   *pgEnabled,
		DBHost:      *dbHost,
		DBPort:      *dbPort,
		DBUser:      *dbUser,
		DBPassword:  *dbPassword,
		DBName:      *dbName,
	}
}

// loadRows materializes the dataset as key/payload pairs so both sides
// write identical data.
func loadRows(cfg benchConfig) ([][2]string, error) {
	file, err := os.Open(cfg.DatasetPath)
	if err != nil {
		return nil, fmt.Errorf("open CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.Comma = cfg.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	// Skip header if present
	_, _ = reader.Read()

	var rows [][2]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV: %w", err)
		}

		payload, err := json.Marshal(struct {
			RowIndex int      `json:"row_index"`
			Fields   []string `json:"fields"`
		}{
			RowIndex: len(rows),
			Fields:   record,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}

		key := fmt.Sprintf("%s:%09d", cfg.DatasetName, len(rows))
		rows = append(rows, [2]string{key, string(payload)})

		if cfg.RowLimit > 0 && len(rows) >= cfg.RowLimit {
			break
		}
	}
	return rows, nil
}

func runBench(cfg benchConfig) error {
	rows, err := loadRows(cfg)
	if err != nil {
		return err
	}
	log.Printf("[%s] loaded %d rows", cfg.DatasetName, len(rows))

	kvRes, err := benchKV(cfg, rows)
	if err != nil {
		return fmt.Errorf("kvlite side: %w", err)
	}
	report("kvlite", kvRes)

	if cfg.PGEnabled {
		pgRes, err := benchPG(cfg, rows)
		if err != nil {
			return fmt.Errorf("postgres side: %w", err)
		}
		report("postgres", pgRes)
	}
	return nil
}

func benchKV(cfg benchConfig, rows [][2]string) (sideResult, error) {
	conn, err := net.Dial("tcp", cfg.KVAddr)
	if err != nil {
		return sideResult{}, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	r := resp.NewReader(conn)
	w := resp.NewWriter(conn)

	startWrite := time.Now()
	for i, row := range rows {
		if err := w.WriteCommand([]byte("SET"), []byte(row[0]), []byte(row[1])); err != nil {
			return sideResult{}, err
		}
		reply, err := r.ReadReply()
		if err != nil {
			return sideResult{}, err
		}
		if e, ok := reply.(resp.ErrorReply); ok {
			return sideResult{}, fmt.Errorf("SET rejected: %s", string(e))
		}
		if (i+1)%250000 == 0 {
			log.Printf("[kvlite] wrote %d rows", i+1)
		}
	}
	writeTime := time.Since(startWrite)

	startRead := time.Now()
	for _, row := range rows {
		if err := w.WriteCommand([]byte("GET"), []byte(row[0])); err != nil {
			return sideResult{}, err
		}
		reply, err := r.ReadReply()
		if err != nil {
			return sideResult{}, err
		}
		if b, ok := reply.(resp.BulkReply); !ok || b.Nil {
			return sideResult{}, fmt.Errorf("GET %s returned no value", row[0])
		}
	}
	readTime := time.Since(startRead)

	return sideResult{Rows: len(rows), WriteTime: writeTime, ReadTime: readTime}, nil
}

func benchPG(cfg benchConfig, rows [][2]string) (sideResult, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return sideResult{}, fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return sideResult{}, fmt.Errorf("ping: %w", err)
	}

	tableName := fmt.Sprintf("bench_%s", cfg.DatasetName)
	if _, err := db.Exec(fmt.Sprintf(`
		DROP TABLE IF EXISTS %s CASCADE;
		CREATE TABLE %s (
			key VARCHAR(255) PRIMARY KEY,
			value JSONB NOT NULL
		);
	`, tableName, tableName)); err != nil {
		return sideResult{}, fmt.Errorf("create table: %w", err)
	}

	stmt, err := db.Prepare(fmt.Sprintf(
		"INSERT INTO %s (key, value) VALUES ($1, $2)", tableName))
	if err != nil {
		return sideResult{}, fmt.Errorf("prepare stmt: %w", err)
	}
	defer stmt.Close()

	startWrite := time.Now()
	for i, row := range rows {
		if _, err := stmt.Exec(row[0], row[1]); err != nil {
			return sideResult{}, fmt.Errorf("insert: %w", err)
		}
		if (i+1)%250000 == 0 {
			log.Printf("[postgres] wrote %d rows", i+1)
		}
	}
	writeTime := time.Since(startWrite)

	query, err := db.Prepare(fmt.Sprintf(
		"SELECT value FROM %s WHERE key = $1", tableName))
	if err != nil {
		return sideResult{}, fmt.Errorf("prepare query: %w", err)
	}
	defer query.Close()

	startRead := time.Now()
	for _, row := range rows {
		var value string
		if err := query.QueryRow(row[0]).Scan(&value); err != nil {
			return sideResult{}, fmt.Errorf("select %s: %w", row[0], err)
		}
	}
	readTime := time.Since(startRead)

	return sideResult{Rows: len(rows), WriteTime: writeTime, ReadTime: readTime}, nil
}

func report(side string, res sideResult) {
	perWrite := float64(res.Rows) / res.WriteTime.Seconds()
	perRead := float64(res.Rows) / res.ReadTime.Seconds()
	log.Printf("[%s] rows=%d write=%s (%.0f ops/s) read=%s (%.0f ops/s)",
		side, res.Rows, res.WriteTime.Round(time.Millisecond), perWrite,
		res.ReadTime.Round(time.Millisecond), perRead)
}
