package knowledge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blueprint/pkg/proto"
)

func newTestBase(t *testing.T) *Base {
	t.Helper()
	b, err := NewBase(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func designArtifact(doc string) *proto.StageArtifact {
	return proto.NewIntegrationDesignArtifact(&proto.IntegrationDesign{Document: doc})
}

func TestIndexAndQuery(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t)

	require.NoError(t, b.IndexArtifact(ctx, "sess-1", "design_integration",
		designArtifact("The invoice exporter writes invoices to object storage nightly, invoices are batched")))
	require.NoError(t, b.IndexArtifact(ctx, "sess-2", "design_integration",
		designArtifact("Authentication tokens rotate hourly through the identity provider")))

	results, err := b.Query(ctx, "how do we export invoices to storage", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0], "invoice exporter")

	// The unrelated design does not outrank the relevant one
	for _, r := range results {
		if r == results[0] {
			continue
		}
		assert.NotContains(t, r, "Authentication")
	}
}

func TestQueryNoOverlap(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t)

	require.NoError(t, b.IndexArtifact(ctx, "sess-1", "design_integration",
		designArtifact("Payment reconciliation ledger batching")))

	results, err := b.Query(ctx, "kubernetes ingress controller", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryHonorsLimit(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t)

	for _, sess := range []string{"s1", "s2", "s3"} {
		require.NoError(t, b.IndexArtifact(ctx, sess, "design_integration",
			designArtifact("invoice processing pipeline for "+sess)))
	}

	results, err := b.Query(ctx, "invoice processing", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestReindexReplacesEntry(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t)

	require.NoError(t, b.IndexArtifact(ctx, "sess-1", "design_integration",
		designArtifact("original invoice design")))
	require.NoError(t, b.IndexArtifact(ctx, "sess-1", "design_integration",
		designArtifact("revised invoice design with batching")))

	results, err := b.Query(ctx, "invoice design", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0], "revised")
}

func TestIndexEmptyDocumentRejected(t *testing.T) {
	b := newTestBase(t)
	err := b.IndexArtifact(context.Background(), "sess-1", "design_integration", designArtifact("   "))
	assert.Error(t, err)
}

func TestExtractTerms(t *testing.T) {
	terms := extractTerms("The exporter writes invoices, invoices are batched by the exporter nightly", 3)
	require.Len(t, terms, 3)
	// Frequency first, then alphabetical
	assert.Equal(t, []string{"exporter", "invoices", "batched"}, terms)
}

func TestExtractTermsDropsStopWords(t *testing.T) {
	terms := extractTerms("the and for with from should could", 10)
	assert.Empty(t, terms)
}
