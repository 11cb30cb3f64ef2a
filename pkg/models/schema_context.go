package models

import (
	"time"

	"github.com/google/uuid"
)

// FKEdge is a directed foreign key edge restricted to tables present in a
// packet: (from_table, from_column) -> (to_table, to_column).
type FKEdge struct {
	FromTable  string
	FromColumn string
	ToTable    string
	ToColumn   string
}

// Key returns the 4-tuple deduplication key for this edge.
func (e FKEdge) Key() string {
	return e.FromTable + "." + e.FromColumn + "->" + e.ToTable + "." + e.ToColumn
}

// TableEntry is one table carried in a SchemaContextPacket.
type TableEntry struct {
	TableName    string
	TableSchema  string
	Module       string
	Gloss        string
	MSchema      string
	Similarity   float64
	Source       TableSource
	IsHub        bool
	FKDegree     int
}

// RetrievalMeta carries counts and diagnostics about how the packet was
// assembled, for observability — never consumed by downstream logic.
type RetrievalMeta struct {
	CandidatesConsidered int
	ThresholdUsed        float64
	RetrievalSourceCount int
	FKExpansionCount     int
	HubTablesCapped      []string
}

// SchemaContextPacket is the immutable value object handed from retrieval
// to SQL generation. The pipeline builds it once per question from the
// retrieval and FK-expansion results; do not mutate its slices/maps after
// construction.
type SchemaContextPacket struct {
	QueryID      uuid.UUID
	DatabaseID   string
	Question     string
	CreatedAt    time.Time
	Tables       []TableEntry
	FKEdges      []FKEdge
	Modules      []string
	RetrievalMeta RetrievalMeta
}

// TableNames returns the set of table names present in the packet.
func (p *SchemaContextPacket) TableNames() map[string]bool {
	out := make(map[string]bool, len(p.Tables))
	for _, t := range p.Tables {
		out[t.TableName] = true
	}
	return out
}

// HasTable reports whether tableName is present in the packet.
func (p *SchemaContextPacket) HasTable(tableName string) bool {
	for _, t := range p.Tables {
		if t.TableName == tableName {
			return true
		}
	}
	return false
}
