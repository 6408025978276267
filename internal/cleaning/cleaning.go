package cleaning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/strrl/mlstep/internal/artifact"
	"github.com/strrl/mlstep/internal/db"
)

const JobType = "basic_cleaning"

var ErrInvalidParams = errors.New("invalid cleaning parameters")

var requiredColumns = []string{"price", "latitude", "longitude"}

type Params struct {
	InputArtifact     string
	OutputArtifact    string
	OutputType        string
	OutputDescription string
	MinPrice          float64
	MaxPrice          float64
}

func (p Params) Validate() error {
	switch {
	case p.InputArtifact == "":
		return fmt.Errorf("%w: input_artifact is required", ErrInvalidParams)
	case p.OutputArtifact == "":
		return fmt.Errorf("%w: output_artifact is required", ErrInvalidParams)
	case p.OutputType == "":
		return fmt.Errorf("%w: output_type is required", ErrInvalidParams)
	case !isFinite(p.MinPrice) || !isFinite(p.MaxPrice):
		return fmt.Errorf("%w: price bounds must be finite", ErrInvalidParams)
	case p.MinPrice > p.MaxPrice:
		return fmt.Errorf("%w: min_price %g is greater than max_price %g", ErrInvalidParams, p.MinPrice, p.MaxPrice)
	}
	return nil
}

// Bounds is an inclusive longitude/latitude box.
type Bounds struct {
	MinLongitude float64
	MaxLongitude float64
	MinLatitude  float64
	MaxLatitude  float64
}

// NYCBounds is the box listings must fall in to be kept.
var NYCBounds = Bounds{
	MinLongitude: -74.25,
	MaxLongitude: -73.50,
	MinLatitude:  40.5,
	MaxLatitude:  41.2,
}

type ArtifactStore interface {
	Use(ref string) (artifact.Version, error)
	Log(ctx context.Context, req artifact.LogRequest) (artifact.Version, error)
}

type Config struct {
	DB     *sql.DB
	Store  ArtifactStore
	Bounds *Bounds
	Logger *slog.Logger
}

type Cleaner struct {
	db     *sql.DB
	store  ArtifactStore
	bounds Bounds
	log    *slog.Logger
}

type Stats struct {
	Input        artifact.Version
	Output       artifact.Version
	RowsRead     int64
	DroppedPrice int64
	DroppedGeo   int64
	RowsWritten  int64
}

func NewCleaner(cfg Config) (*Cleaner, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("cleaning: database is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("cleaning: artifact store is required")
	}

	bounds := NYCBounds
	if cfg.Bounds != nil {
		bounds = *cfg.Bounds
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Cleaner{
		db:     cfg.DB,
		store:  cfg.Store,
		bounds: bounds,
		log:    log,
	}, nil
}

// Run cleans the input artifact and logs the result as a new artifact.
// Rows outside the price range are dropped first, then last_review is
// parsed to a timestamp, then rows outside the geolocation box are dropped.
func (c *Cleaner) Run(ctx context.Context, p Params, runID string) (*Stats, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	c.log.Info("downloading artifact", "ref", p.InputArtifact)
	input, err := c.store.Use(p.InputArtifact)
	if err != nil {
		return nil, fmt.Errorf("failed to use input artifact: %w", err)
	}

	stats := &Stats{Input: input}

	if err := c.exec(ctx, fmt.Sprintf(
		`CREATE OR REPLACE TEMP TABLE cleaning_raw AS SELECT * FROM read_csv_auto(%s, header = true)`,
		db.QuoteLiteral(input.Path))); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", input.Ref(), err)
	}
	defer c.dropTables()

	columns, err := c.columns(ctx, "cleaning_raw")
	if err != nil {
		return nil, err
	}
	for _, col := range requiredColumns {
		if _, ok := columns[col]; !ok {
			return nil, fmt.Errorf("input %s is missing required column %q", input.Ref(), col)
		}
	}

	if stats.RowsRead, err = c.count(ctx, "cleaning_raw"); err != nil {
		return nil, err
	}

	c.log.Info("dropping outliers", "min_price", p.MinPrice, "max_price", p.MaxPrice)
	if err := c.exec(ctx, fmt.Sprintf(
		`CREATE OR REPLACE TEMP TABLE cleaning_priced AS
		 SELECT * FROM cleaning_raw
		 WHERE TRY_CAST(price AS DOUBLE) BETWEEN %s AND %s`,
		formatFloat(p.MinPrice), formatFloat(p.MaxPrice))); err != nil {
		return nil, fmt.Errorf("failed to filter prices: %w", err)
	}
	priced, err := c.count(ctx, "cleaning_priced")
	if err != nil {
		return nil, err
	}
	stats.DroppedPrice = stats.RowsRead - priced

	selectList := "*"
	if _, ok := columns["last_review"]; ok {
		c.log.Info("converting last_review to datetime")
		selectList = "* REPLACE (TRY_CAST(last_review AS TIMESTAMP) AS last_review)"
	}

	c.log.Info("dropping rows outside the proper geolocation")
	if err := c.exec(ctx, fmt.Sprintf(
		`CREATE OR REPLACE TEMP TABLE cleaning_clean AS
		 SELECT %s FROM cleaning_priced
		 WHERE TRY_CAST(longitude AS DOUBLE) BETWEEN %s AND %s
		   AND TRY_CAST(latitude AS DOUBLE) BETWEEN %s AND %s`,
		selectList,
		formatFloat(c.bounds.MinLongitude), formatFloat(c.bounds.MaxLongitude),
		formatFloat(c.bounds.MinLatitude), formatFloat(c.bounds.MaxLatitude))); err != nil {
		return nil, fmt.Errorf("failed to filter geolocation: %w", err)
	}
	if stats.RowsWritten, err = c.count(ctx, "cleaning_clean"); err != nil {
		return nil, err
	}
	stats.DroppedGeo = priced - stats.RowsWritten

	tmpDir, err := os.MkdirTemp("", "mlstep-clean-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outPath := filepath.Join(tmpDir, filepath.Base(p.OutputArtifact))
	if err := c.exec(ctx, fmt.Sprintf(
		`COPY cleaning_clean TO %s (HEADER, DELIMITER ',')`, db.QuoteLiteral(outPath))); err != nil {
		return nil, fmt.Errorf("failed to write cleaned data: %w", err)
	}

	c.log.Info("uploading artifact", "name", p.OutputArtifact, "type", p.OutputType)
	stats.Output, err = c.store.Log(ctx, artifact.LogRequest{
		Name:        p.OutputArtifact,
		Type:        p.OutputType,
		Description: p.OutputDescription,
		File:        outPath,
		RunID:       runID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to log output artifact: %w", err)
	}

	c.log.Info("cleaning finished",
		"rows_read", stats.RowsRead,
		"dropped_price", stats.DroppedPrice,
		"dropped_geo", stats.DroppedGeo,
		"rows_written", stats.RowsWritten,
		"output", stats.Output.Ref())

	return stats, nil
}

func (c *Cleaner) exec(ctx context.Context, query string) error {
	_, err := c.db.ExecContext(ctx, query)
	return err
}

func (c *Cleaner) count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+db.QuoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func (c *Cleaner) columns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT column_name FROM duckdb_columns() WHERE table_name = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols[strings.ToLower(name)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return cols, nil
}

func (c *Cleaner) dropTables() {
	for _, t := range []string{"cleaning_raw", "cleaning_priced", "cleaning_clean"} {
		if _, err := c.db.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			c.log.Warn("failed to drop temp table", "table", t, "error", err)
		}
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
