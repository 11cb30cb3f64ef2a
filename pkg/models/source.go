package models

// TableSource is the closed set of reasons a table ended up in a
// SchemaContextPacket. Represented as a typed string rather than a bare
// string so sources are distinct from other strings in signatures; any
// string still converts to TableSource, so Valid checks membership at run
// time.
type TableSource string

const (
	SourceRetrieval  TableSource = "retrieval"
	SourceFKExpanded TableSource = "fk_expansion"
	SourceBM25       TableSource = "bm25"
	SourceHybrid     TableSource = "hybrid"
)

// Valid reports whether s is one of the closed set of table sources.
func (s TableSource) Valid() bool {
	switch s {
	case SourceRetrieval, SourceFKExpanded, SourceBM25, SourceHybrid:
		return true
	default:
		return false
	}
}
