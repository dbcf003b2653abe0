// Package genomics exposes variant queries over a Postgres or
// Redshift-compatible analytic table.
//
// The expected table layout is
//
//	sample_id TEXT, chromosome TEXT, position BIGINT, ref TEXT, alt TEXT,
//	gene TEXT, consequence TEXT, impact TEXT, clinical_significance TEXT,
//	allele_frequency DOUBLE PRECISION, quality DOUBLE PRECISION
//
// The table name is configurable; every value reaches the database as a
// bind parameter.
package genomics

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/clinagent/internal/observability"
)

// PathogenicSignificance lists the ClinVar significance labels treated as
// disease-causing.
var PathogenicSignificance = []string{"Pathogenic", "Likely_pathogenic", "Pathogenic/Likely_pathogenic"}

// HighImpactConsequences lists the VEP consequences that truncate or
// disrupt a transcript.
var HighImpactConsequences = []string{
	"stop_gained",
	"stop_lost",
	"start_lost",
	"frameshift_variant",
	"splice_donor_variant",
	"splice_acceptor_variant",
}

const (
	// DefaultLimit applies when a query does not set one.
	DefaultLimit = 50
	// MaxLimit bounds every query.
	MaxLimit = 500
)

var identPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

const variantColumns = "sample_id, chromosome, position, ref, alt, gene, consequence, impact, clinical_significance, allele_frequency, quality"

// Variant is one called variant with its annotations.
type Variant struct {
	SampleID             string   `json:"sample_id"`
	Chromosome           string   `json:"chromosome"`
	Position             int64    `json:"position"`
	Ref                  string   `json:"ref"`
	Alt                  string   `json:"alt"`
	Gene                 string   `json:"gene,omitempty"`
	Consequence          string   `json:"consequence,omitempty"`
	Impact               string   `json:"impact,omitempty"`
	ClinicalSignificance string   `json:"clinical_significance,omitempty"`
	AlleleFrequency      *float64 `json:"allele_frequency,omitempty"`
	Quality              *float64 `json:"quality,omitempty"`
}

// Query filters a variant lookup. Empty fields do not filter.
type Query struct {
	Gene                 string
	Chromosome           string
	SampleIDs            []string
	ClinicalSignificance []string
	Consequence          []string
	Limit                int
}

// SampleSummary counts a sample's variants by class.
type SampleSummary struct {
	SampleID      string `json:"sample_id"`
	Total         int    `json:"total"`
	Pathogenic    int    `json:"pathogenic"`
	HighImpact    int    `json:"high_impact"`
	DistinctGenes int    `json:"distinct_genes"`
}

// Store runs variant queries against one table.
type Store struct {
	db      *sql.DB
	table   string
	metrics *observability.Metrics
}

// Config configures a Store.
type Config struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the analytic store and checks the connection.
func Open(ctx context.Context, cfg Config, metrics *observability.Metrics) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	store, err := NewStore(db, cfg.Table, metrics)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an open database. table may be schema-qualified.
func NewStore(db *sql.DB, table string, metrics *observability.Metrics) (*Store, error) {
	if table == "" {
		table = "variants"
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{db: db, table: quoteIdent(table), metrics: metrics}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// quoteIdent double-quotes each dot-separated part of an identifier that
// already passed identPattern.
func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}

// placeholders appends values to args and returns "$n, $n+1, ...".
func placeholders(args []any, values []string) ([]any, string) {
	marks := make([]string, len(values))
	for i, v := range values {
		args = append(args, v)
		marks[i] = fmt.Sprintf("$%d", len(args))
	}
	return args, strings.Join(marks, ", ")
}

// buildVariantQuery renders q into SQL and bind arguments.
func (s *Store) buildVariantQuery(q Query) (string, []any) {
	var (
		where []string
		args  []any
		list  string
	)
	if q.Gene != "" {
		args = append(args, strings.ToUpper(q.Gene))
		where = append(where, fmt.Sprintf("UPPER(gene) = $%d", len(args)))
	}
	if q.Chromosome != "" {
		args = append(args, normalizeChromosome(q.Chromosome))
		where = append(where, fmt.Sprintf("chromosome = $%d", len(args)))
	}
	if len(q.SampleIDs) > 0 {
		args, list = placeholders(args, q.SampleIDs)
		where = append(where, "sample_id IN ("+list+")")
	}
	if len(q.ClinicalSignificance) > 0 {
		args, list = placeholders(args, q.ClinicalSignificance)
		where = append(where, "clinical_significance IN ("+list+")")
	}
	if len(q.Consequence) > 0 {
		args, list = placeholders(args, q.Consequence)
		where = append(where, "consequence IN ("+list+")")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	args = append(args, min(limit, MaxLimit))

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(variantColumns)
	b.WriteString(" FROM ")
	b.WriteString(s.table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY chromosome, position LIMIT $%d", len(args))
	return b.String(), args
}

// normalizeChromosome accepts "chr7", "CHR7" and "7" alike.
func normalizeChromosome(c string) string {
	c = strings.TrimSpace(c)
	if len(c) > 3 && strings.EqualFold(c[:3], "chr") {
		c = c[3:]
	}
	return "chr" + strings.ToUpper(c)
}

// QueryVariants returns the variants matching q.
func (s *Store) QueryVariants(ctx context.Context, q Query) (variants []Variant, err error) {
	start := time.Now()
	defer func() { s.record("select", start, err) }()

	query, args := s.buildVariantQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	variants = []Variant{}
	for rows.Next() {
		var (
			v                                       Variant
			gene, consequence, impact, significance sql.NullString
			af, quality                             sql.NullFloat64
		)
		if err := rows.Scan(&v.SampleID, &v.Chromosome, &v.Position, &v.Ref, &v.Alt,
			&gene, &consequence, &impact, &significance, &af, &quality); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		v.Gene = gene.String
		v.Consequence = consequence.String
		v.Impact = impact.String
		v.ClinicalSignificance = significance.String
		if af.Valid {
			v.AlleleFrequency = &af.Float64
		}
		if quality.Valid {
			v.Quality = &quality.Float64
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variants: %w", err)
	}
	return variants, nil
}

// SummarizeSamples counts variants per sample. With no sample IDs every
// sample in the table is summarized.
func (s *Store) SummarizeSamples(ctx context.Context, sampleIDs []string) (out []SampleSummary, err error) {
	start := time.Now()
	defer func() { s.record("summary", start, err) }()

	var args []any
	args, path := placeholders(args, PathogenicSignificance)
	args, impact := placeholders(args, HighImpactConsequences)
	query := "SELECT sample_id, COUNT(*)," +
		" COUNT(CASE WHEN clinical_significance IN (" + path + ") THEN 1 END)," +
		" COUNT(CASE WHEN consequence IN (" + impact + ") THEN 1 END)," +
		" COUNT(DISTINCT gene)" +
		" FROM " + s.table
	if len(sampleIDs) > 0 {
		var list string
		args, list = placeholders(args, sampleIDs)
		query += " WHERE sample_id IN (" + list + ")"
	}
	query += " GROUP BY sample_id ORDER BY sample_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize samples: %w", err)
	}
	defer rows.Close()

	out = []SampleSummary{}
	for rows.Next() {
		var sum SampleSummary
		if err := rows.Scan(&sum.SampleID, &sum.Total, &sum.Pathogenic, &sum.HighImpact, &sum.DistinctGenes); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

func (s *Store) record(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseQuery(op, "variants", status, time.Since(start).Seconds())
}
