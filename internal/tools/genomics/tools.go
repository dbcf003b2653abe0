package genomics

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/clinagent/internal/agent"
)

type queryArgs struct {
	Gene                 string   `json:"gene,omitempty" jsonschema:"description=HGNC gene symbol such as BRCA1"`
	Chromosome           string   `json:"chromosome,omitempty" jsonschema:"description=Chromosome such as chr17 or 17"`
	SampleIDs            []string `json:"sample_ids,omitempty" jsonschema:"description=Restrict to these samples"`
	ClinicalSignificance []string `json:"clinical_significance,omitempty" jsonschema:"description=ClinVar significance labels such as Pathogenic"`
	Consequence          []string `json:"consequence,omitempty" jsonschema:"description=VEP consequence terms such as missense_variant"`
	Limit                int      `json:"limit,omitempty" jsonschema:"description=Maximum rows (default 50 and at most 500)"`
}

type geneArgs struct {
	Gene      string   `json:"gene" jsonschema:"required,description=HGNC gene symbol"`
	SampleIDs []string `json:"sample_ids,omitempty" jsonschema:"description=Restrict to these samples"`
	Limit     int      `json:"limit,omitempty" jsonschema:"description=Maximum rows (default 50 and at most 500)"`
}

type summaryArgs struct {
	SampleIDs []string `json:"sample_ids,omitempty" jsonschema:"description=Samples to summarize; all samples when empty"`
}

// Descriptors returns the genomics tool descriptors.
func Descriptors() []agent.ToolDescriptor {
	return []agent.ToolDescriptor{
		{
			Name:        "query_variants",
			Description: "Query annotated variants filtered by gene, chromosome, sample, clinical significance and consequence.",
			Params:      agent.ParamsFromStruct(queryArgs{}),
		},
		{
			Name:        "pathogenic_variants",
			Description: "List Pathogenic and Likely_pathogenic ClinVar variants in a gene.",
			Params:      agent.ParamsFromStruct(geneArgs{}),
		},
		{
			Name:        "high_impact_variants",
			Description: "List loss-of-function variants (stop, frameshift, splice site) in a gene.",
			Params:      agent.ParamsFromStruct(geneArgs{}),
		},
		{
			Name:        "sample_variant_summary",
			Description: "Count total, pathogenic and high-impact variants per sample.",
			Params:      agent.ParamsFromStruct(summaryArgs{}),
		},
	}
}

func (s *Store) queryTool(ctx context.Context, args agent.Args) (any, error) {
	var in queryArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	if in.Gene == "" && in.Chromosome == "" && len(in.SampleIDs) == 0 {
		return nil, errors.New("at least one of gene, chromosome or sample_ids is required")
	}
	return s.variantsResult(ctx, Query{
		Gene:                 strings.TrimSpace(in.Gene),
		Chromosome:           in.Chromosome,
		SampleIDs:            in.SampleIDs,
		ClinicalSignificance: in.ClinicalSignificance,
		Consequence:          in.Consequence,
		Limit:                in.Limit,
	})
}

func (s *Store) geneTool(filter func(*Query)) agent.ToolFunc {
	return func(ctx context.Context, args agent.Args) (any, error) {
		var in geneArgs
		if err := args.Decode(&in); err != nil {
			return nil, err
		}
		if strings.TrimSpace(in.Gene) == "" {
			return nil, errors.New("gene is required")
		}
		q := Query{Gene: strings.TrimSpace(in.Gene), SampleIDs: in.SampleIDs, Limit: in.Limit}
		filter(&q)
		return s.variantsResult(ctx, q)
	}
}

func (s *Store) summaryTool(ctx context.Context, args agent.Args) (any, error) {
	samples, err := s.SummarizeSamples(ctx, args.Strings("sample_ids"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"samples": samples}, nil
}

func (s *Store) variantsResult(ctx context.Context, q Query) (any, error) {
	variants, err := s.QueryVariants(ctx, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": len(variants), "variants": variants}, nil
}

// Register adds the genomics tools backed by store to reg.
func Register(reg *agent.ToolRegistry, store *Store) error {
	descs := Descriptors()
	fns := []agent.ToolFunc{
		store.queryTool,
		store.geneTool(func(q *Query) { q.ClinicalSignificance = PathogenicSignificance }),
		store.geneTool(func(q *Query) { q.Consequence = HighImpactConsequences }),
		store.summaryTool,
	}
	for i, desc := range descs {
		if err := reg.Register(desc, fns[i]); err != nil {
			return err
		}
	}
	return nil
}
