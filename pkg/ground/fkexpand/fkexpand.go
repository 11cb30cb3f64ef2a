// Package fkexpand implements the FK Expander (S3): it grows the retrieved
// table set with direct foreign-key neighbors of the highest-similarity
// seeds, capping growth at hub tables and at an overall table budget.
package fkexpand

import (
	"context"
	"sort"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
	"github.com/ekaya-inc/ekaya-ground/pkg/store"
)

const neighborSimilarityDecay = 0.8

// Config bounds a single expansion call.
type Config struct {
	FKExpansionLimit int
	MaxTables        int
	HubFKCap         int
}

// Expander grows a retrieved table list with FK neighbors.
type Expander struct {
	meta store.MetadataStore
}

func New(meta store.MetadataStore) *Expander {
	return &Expander{meta: meta}
}

// Result is the expanded table list plus the seeds whose neighbor set was
// capped, for RetrievalMeta diagnostics.
type Result struct {
	Tables          []models.TableEntry
	FKEdges         []models.FKEdge
	HubTablesCapped []string
}

// Expand grows retrieved (already ordered by descending similarity) with
// FK neighbors per spec §4.3, preserving retrieved's order and appending new
// neighbors after it.
func (e *Expander) Expand(ctx context.Context, retrieved []models.TableEntry, cfg Config) (Result, error) {
	if cfg.FKExpansionLimit <= 0 {
		cfg.FKExpansionLimit = 10
	}
	if cfg.MaxTables <= 0 {
		cfg.MaxTables = 40
	}
	if cfg.HubFKCap <= 0 {
		cfg.HubFKCap = 8
	}

	result := Result{Tables: append([]models.TableEntry{}, retrieved...)}
	known := make(map[string]bool, len(retrieved))
	for _, t := range retrieved {
		known[t.TableName] = true
	}

	if len(retrieved) >= cfg.MaxTables {
		return result, nil
	}

	seeds := sortedSeeds(retrieved, cfg.FKExpansionLimit)
	if len(seeds) == 0 {
		return result, nil
	}

	seedNames := make([]string, len(seeds))
	for i, s := range seeds {
		seedNames[i] = s.TableName
	}

	edges, err := e.meta.ForeignKeys(ctx, seedNames)
	if err != nil {
		return result, err
	}
	result.FKEdges = edges

	hubs, err := e.meta.HubTables(ctx, cfg.HubFKCap)
	if err != nil {
		return result, err
	}

	neighborsBySeed := buildNeighborIndex(edges)

	for _, seed := range seeds {
		if len(result.Tables) >= cfg.MaxTables {
			break
		}

		neighbors := dedupNeighbors(neighborsBySeed[seed.TableName], known)
		if len(neighbors) == 0 {
			continue
		}

		meta, err := e.meta.TableMetadata(ctx, neighbors)
		if err != nil {
			return result, err
		}

		isHub := hubs[seed.TableName] || seed.FKDegree > 8 || seed.IsHub
		if isHub && len(neighbors) > cfg.HubFKCap {
			neighbors = capNeighbors(neighbors, hubs, meta, cfg.HubFKCap)
			result.HubTablesCapped = append(result.HubTablesCapped, seed.TableName)
		}

		for _, n := range neighbors {
			if len(result.Tables) >= cfg.MaxTables {
				break
			}
			if known[n] {
				continue
			}
			entry := meta[n]
			entry.TableName = n
			entry.Source = models.SourceFKExpanded
			entry.Similarity = seed.Similarity * neighborSimilarityDecay
			result.Tables = append(result.Tables, entry)
			known[n] = true
		}
	}

	// Keep only edges whose endpoints both made it into the table list;
	// edges to neighbors dropped by the hub cap or the table budget go.
	kept := make([]models.FKEdge, 0, len(result.FKEdges))
	for _, edge := range result.FKEdges {
		if known[edge.FromTable] && known[edge.ToTable] {
			kept = append(kept, edge)
		}
	}
	result.FKEdges = kept

	return result, nil
}

// sortedSeeds returns up to limit retrieved tables sorted by descending
// similarity (stable on ties, preserving retrieval order).
func sortedSeeds(retrieved []models.TableEntry, limit int) []models.TableEntry {
	seeds := append([]models.TableEntry{}, retrieved...)
	sort.SliceStable(seeds, func(i, j int) bool {
		return seeds[i].Similarity > seeds[j].Similarity
	})
	if len(seeds) > limit {
		seeds = seeds[:limit]
	}
	return seeds
}

// buildNeighborIndex maps each table to its directly connected neighbor
// table names, counting both outgoing and incoming FK edges.
func buildNeighborIndex(edges []models.FKEdge) map[string][]string {
	index := make(map[string][]string)
	seen := make(map[string]map[string]bool)

	add := func(table, neighbor string) {
		if seen[table] == nil {
			seen[table] = make(map[string]bool)
		}
		if seen[table][neighbor] {
			return
		}
		seen[table][neighbor] = true
		index[table] = append(index[table], neighbor)
	}

	for _, e := range edges {
		if e.FromTable != e.ToTable {
			add(e.FromTable, e.ToTable)
			add(e.ToTable, e.FromTable)
		}
	}
	return index
}

// dedupNeighbors removes neighbors already present in known, preserving
// order.
func dedupNeighbors(neighbors []string, known map[string]bool) []string {
	out := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		if !known[n] {
			out = append(out, n)
		}
	}
	return out
}

// capNeighbors sorts neighbors non-hubs first, then ascending fk_degree,
// breaking ties alphabetically for determinism, and keeps the first cap.
func capNeighbors(neighbors []string, hubs map[string]bool, meta map[string]models.TableEntry, cap int) []string {
	sorted := append([]string{}, neighbors...)
	sort.SliceStable(sorted, func(i, j int) bool {
		hi, hj := hubs[sorted[i]], hubs[sorted[j]]
		if hi != hj {
			return !hi // non-hubs first
		}
		di, dj := meta[sorted[i]].FKDegree, meta[sorted[j]].FKDegree
		if di != dj {
			return di < dj
		}
		return sorted[i] < sorted[j]
	})
	if len(sorted) > cap {
		sorted = sorted[:cap]
	}
	return sorted
}
