// Package partitioner turns the cluster's token ring into balanced,
// replica-aligned read groups.
package partitioner

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/devrev/pairdb/bulkloader/internal/token"
	"go.uber.org/zap"
)

// Plan is the outcome of partitioning a ring.
type Plan struct {
	Factory *token.Factory
	// Ranges are the read groups, unwrapped and sorted by start token.
	Ranges []token.Range
	// SourceRanges is the number of ranges in the metadata snapshot.
	SourceRanges int
	// Splits is the number of ranges after splitting, before clustering.
	Splits int
}

// Statements builds one range read per group.
func (p *Plan) Statements(query, keyspace string) []driver.Statement {
	stmts := make([]driver.Statement, len(p.Ranges))
	for i, r := range p.Ranges {
		stmts[i] = driver.NewRangeStatement(query, keyspace, r)
	}
	return stmts
}

// Generator partitions the ring described by a metadata source.
type Generator struct {
	source       driver.Metadata
	maxGroupSize int
	logger       *zap.Logger
}

// NewGenerator creates a generator. maxGroupSize caps how many split ranges
// one read group may absorb; zero or less means unlimited.
func NewGenerator(source driver.Metadata, maxGroupSize int, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{source: source, maxGroupSize: maxGroupSize, logger: logger}
}

// Partition takes a snapshot of the ring, splits every range in proportion
// to its share of the ring and clusters the splits into about splitCount
// groups.
func (g *Generator) Partition(ctx context.Context, splitCount int) (*Plan, error) {
	if splitCount <= 0 {
		return nil, errors.InvalidConfig("partitioner.split_count", fmt.Sprintf("must be positive, got %d", splitCount))
	}

	f := g.source.TokenFactory()
	ranges, err := g.source.TokenRanges(ctx)
	if err != nil {
		return nil, errors.InvalidTopology("failed to read token ranges", err)
	}
	if err := ValidateCoverage(f, ranges); err != nil {
		return nil, err
	}

	splits, err := token.SplitAll(ranges, splitCount)
	if err != nil {
		return nil, errors.InvalidArgument("failed to split token ranges", err)
	}
	groups := token.NewClusterer(splitCount, g.maxGroupSize).Group(splits)

	g.logger.Info("Token ring partitioned",
		zap.String("partitioner", f.Name()),
		zap.Int("ranges", len(ranges)),
		zap.Int("splits", len(splits)),
		zap.Int("groups", len(groups)),
		zap.Int("split_count", splitCount))

	return &Plan{
		Factory:      f,
		Ranges:       groups,
		SourceRanges: len(ranges),
		Splits:       len(splits),
	}, nil
}

// ValidateCoverage checks that ranges cover every token of the ring exactly
// once.
func ValidateCoverage(f *token.Factory, ranges []token.Range) error {
	if len(ranges) == 0 {
		return errors.InvalidTopology("cluster metadata has no token ranges", nil)
	}

	unwrapped := make([]token.Range, 0, len(ranges))
	for _, r := range ranges {
		unwrapped = append(unwrapped, r.Unwrap()...)
	}
	token.SortRanges(unwrapped)

	if total := token.TotalSize(unwrapped); total.Cmp(f.TotalTokenCount()) != 0 {
		return errors.InvalidTopology(
			fmt.Sprintf("token ranges cover %s tokens, the %s ring has %s", total, f.Name(), f.TotalTokenCount()), nil)
	}
	if len(unwrapped) == 1 {
		return nil
	}
	if !unwrapped[0].Start().Equal(f.MinToken()) {
		return errors.InvalidTopology(fmt.Sprintf("no range starts at the minimum token %s", f.MinToken()), nil)
	}
	for i := 1; i < len(unwrapped); i++ {
		if !unwrapped[i-1].End().Equal(unwrapped[i].Start()) {
			return errors.InvalidTopology(
				fmt.Sprintf("ranges %s and %s are not contiguous", unwrapped[i-1], unwrapped[i]), nil)
		}
	}
	return nil
}
