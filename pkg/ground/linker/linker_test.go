package linker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
	"github.com/ekaya-inc/ekaya-ground/pkg/store"
)

type fakeColumnStore struct {
	cols []store.ColumnRow
}

func (f *fakeColumnStore) TableMetadata(ctx context.Context, tables []string) (map[string]models.TableEntry, error) {
	return nil, nil
}
func (f *fakeColumnStore) ColumnMetadata(ctx context.Context, tables []string) ([]store.ColumnRow, error) {
	tableSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		tableSet[t] = true
	}
	var out []store.ColumnRow
	for _, c := range f.cols {
		if tableSet[c.TableName] {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeColumnStore) ForeignKeys(ctx context.Context, tables []string) ([]models.FKEdge, error) {
	return nil, nil
}
func (f *fakeColumnStore) AllForeignKeys(ctx context.Context) ([]models.FKEdge, error) { return nil, nil }
func (f *fakeColumnStore) HubTables(ctx context.Context, threshold int) (map[string]bool, error) {
	return nil, nil
}

func TestDeriveTypeHint_ExactAndSuffixAndFamily(t *testing.T) {
	assert.Equal(t, models.TypeHintMonetary, deriveTypeHint("salary", "numeric"))
	assert.Equal(t, models.TypeHintIdentifier, deriveTypeHint("customer_id", "integer"))
	assert.Equal(t, models.TypeHintDateTime, deriveTypeHint("created_at", "timestamp"))
	assert.Equal(t, models.TypeHintQuantity, deriveTypeHint("weight", "numeric"))
	assert.Equal(t, models.TypeHintText, deriveTypeHint("notes", "text"))
	assert.Equal(t, models.TypeHintGeneral, deriveTypeHint("widget", "bytea"))
}

func TestExtractKeyphrases_QuotedAndBigrams(t *testing.T) {
	phrases := extractKeyphrases(`show me open invoices for 'Acme Corp'`, defaultStopwords)

	var quoted []string
	var bigrams []string
	for _, p := range phrases {
		if p.isQuoted {
			quoted = append(quoted, p.text)
		}
		if p.text == "open invoices" {
			bigrams = append(bigrams, p.text)
		}
	}
	assert.Contains(t, quoted, "acme corp")
	assert.Contains(t, bigrams, "open invoices")
}

func TestExtractKeyphrases_NumberAndMetricTagging(t *testing.T) {
	phrases := extractKeyphrases("total sales above 100", defaultStopwords)
	foundMetric, foundNumber := false, false
	for _, p := range phrases {
		if p.text == "total" && p.isMetric {
			foundMetric = true
		}
		if p.text == "100" && p.isNumber {
			foundNumber = true
		}
	}
	assert.True(t, foundMetric)
	assert.True(t, foundNumber)
}

func TestLink_LinksTableByColumnMatch(t *testing.T) {
	meta := &fakeColumnStore{cols: []store.ColumnRow{
		{TableName: "invoices", ColumnName: "invoice_id", DataType: "integer", IsPK: true},
		{TableName: "invoices", ColumnName: "customer_name", DataType: "varchar"},
		{TableName: "invoices", ColumnName: "total_amount", DataType: "numeric"},
	}}
	l := New(meta)

	packet := &models.SchemaContextPacket{
		Tables: []models.TableEntry{{TableName: "invoices", Similarity: 0.8}},
	}

	bundle, err := l.Link(context.Background(), "show me invoice totals", packet)
	require.NoError(t, err)

	require.NotEmpty(t, bundle.LinkedTables)
	assert.Equal(t, "invoices", bundle.LinkedTables[0].Table)
	assert.NotEmpty(t, bundle.LinkedColumns["invoices"])
}

func TestLink_ValueHintsPairQuotedLiteralsWithLabelColumns(t *testing.T) {
	meta := &fakeColumnStore{cols: []store.ColumnRow{
		{TableName: "customers", ColumnName: "customer_name", DataType: "varchar"},
		{TableName: "customers", ColumnName: "balance", DataType: "numeric"},
	}}
	l := New(meta)

	packet := &models.SchemaContextPacket{
		Tables: []models.TableEntry{{TableName: "customers", Similarity: 0.5}},
	}

	bundle, err := l.Link(context.Background(), `find customers named 'Acme Corp'`, packet)
	require.NoError(t, err)

	found := false
	for _, vh := range bundle.ValueHints {
		if vh.Value == "acme corp" && vh.LikelyColumn == "customer_name" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLink_JoinHintsProjectFKEdges(t *testing.T) {
	meta := &fakeColumnStore{}
	l := New(meta)

	packet := &models.SchemaContextPacket{
		Tables: []models.TableEntry{{TableName: "orders"}, {TableName: "customers"}},
		FKEdges: []models.FKEdge{
			{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "id"},
		},
	}

	bundle, err := l.Link(context.Background(), "anything", packet)
	require.NoError(t, err)
	require.Len(t, bundle.JoinHints, 1)
	assert.Equal(t, "orders.customer_id", bundle.JoinHints[0].From)
	assert.Equal(t, "customers.id", bundle.JoinHints[0].To)
	assert.Equal(t, "customer_id", bundle.JoinHints[0].Via)
}

func TestLink_UnsupportedConceptsAreUnmatchedUnigrams(t *testing.T) {
	meta := &fakeColumnStore{cols: []store.ColumnRow{
		{TableName: "invoices", ColumnName: "invoice_id", DataType: "integer"},
	}}
	l := New(meta)
	packet := &models.SchemaContextPacket{
		Tables: []models.TableEntry{{TableName: "invoices", Similarity: 0.2}},
	}

	bundle, err := l.Link(context.Background(), "show invoice telepathy reports", packet)
	require.NoError(t, err)
	assert.Contains(t, bundle.UnsupportedConcepts, "telepathy")
}

func TestLink_ColumnRedirectWhenParentHasImportantColumnChildLacks(t *testing.T) {
	meta := &fakeColumnStore{cols: []store.ColumnRow{
		{TableName: "project_expenses", ColumnName: "expense_id", DataType: "integer"},
		{TableName: "employees", ColumnName: "employee_id", DataType: "integer", IsPK: true},
		{TableName: "employees", ColumnName: "status", DataType: "varchar"},
	}}
	l := New(meta)

	packet := &models.SchemaContextPacket{
		Tables: []models.TableEntry{{TableName: "project_expenses"}, {TableName: "employees"}},
		FKEdges: []models.FKEdge{
			{FromTable: "project_expenses", FromColumn: "employee_id", ToTable: "employees", ToColumn: "employee_id"},
		},
	}

	bundle, err := l.Link(context.Background(), "expense report", packet)
	require.NoError(t, err)

	found := false
	for _, r := range bundle.ColumnRedirects {
		if r.ChildTable == "project_expenses" && r.ParentTable == "employees" && r.Column == "status" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLink_ConfusableWarningOnTriggerKeyword(t *testing.T) {
	meta := &fakeColumnStore{cols: []store.ColumnRow{
		{TableName: "orders", ColumnName: "vendor_name", DataType: "text"},
	}}
	l := New(meta)
	packet := &models.SchemaContextPacket{
		Tables: []models.TableEntry{{TableName: "orders", Similarity: 0.5}},
	}

	bundle, err := l.Link(context.Background(), "show purchase orders from our vendor", packet)
	require.NoError(t, err)
	require.True(t, bundle.RelevantTableSet()["orders"])
	require.NotEmpty(t, bundle.LinkedTables)

	require.Len(t, bundle.ConfusableTables, 1)
	assert.Equal(t, "purchase_orders", bundle.ConfusableTables[0].ConfusesWith)
}

// TestLink_NoConfusableWarningWhenTableNotLinked exercises spec §4.4: a
// confusable table only warns when it actually appears in linked tables,
// not merely because it's in the retrieved packet.
func TestLink_NoConfusableWarningWhenTableNotLinked(t *testing.T) {
	meta := &fakeColumnStore{}
	l := New(meta)
	packet := &models.SchemaContextPacket{
		Tables: []models.TableEntry{{TableName: "orders", Similarity: 0.1}},
	}

	bundle, err := l.Link(context.Background(), "show purchase orders from our vendor", packet)
	require.NoError(t, err)

	assert.Empty(t, bundle.LinkedTables)
	assert.Empty(t, bundle.ConfusableTables)
}

func TestLink_CustomAbbreviations(t *testing.T) {
	meta := &fakeColumnStore{cols: []store.ColumnRow{
		{TableName: "widgets", ColumnName: "widget_qty", DataType: "integer"},
	}}
	l := New(meta, WithAbbreviations(map[string]string{"qty": "quantity"}))

	packet := &models.SchemaContextPacket{
		Tables: []models.TableEntry{{TableName: "widgets", Similarity: 0.5}},
	}

	bundle, err := l.Link(context.Background(), "how much quantity do we have", packet)
	require.NoError(t, err)
	assert.NotEmpty(t, bundle.LinkedColumns["widgets"])
}
