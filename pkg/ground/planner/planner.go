// Package planner implements the Join Planner (S5): it builds an undirected
// FK graph over a schema context packet, enumerates K-shortest-path
// skeletons connecting the question's required tables, and scores them by
// hop count, semantic alignment, and column coverage, following the
// teacher's adjacency-map graph idiom in pkg/services/graph.go.
package planner

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
)

const (
	hubDegreeThreshold = 8
	defaultTopK        = 3
)

// Config bounds a single planning call.
type Config struct {
	TopK          int
	DefaultHubCap int // neighbor cap for a hub not in the relevant set
	RelevantHubCap int // neighbor cap for a hub in the relevant set
}

// edgeKey is the 4-tuple deduplication key for one FK edge.
type edgeKey struct {
	fromTable, fromColumn, toTable, toColumn string
}

func keyOf(e models.FKEdge) edgeKey {
	return edgeKey{e.FromTable, e.FromColumn, e.ToTable, e.ToColumn}
}

// graph is the undirected adjacency view of a set of FK edges, retaining
// the original directed edge for ON-clause emission.
type graph struct {
	nodes     map[string]bool
	adjacency map[string][]string
	directed  map[[2]string]models.FKEdge // unordered pair -> original directed edge
}

func buildGraph(tables []string, edges []models.FKEdge) *graph {
	g := &graph{
		nodes:     make(map[string]bool, len(tables)),
		adjacency: make(map[string][]string),
		directed:  make(map[[2]string]models.FKEdge),
	}
	for _, t := range tables {
		g.nodes[t] = true
	}

	seen := make(map[edgeKey]bool)
	for _, e := range edges {
		k := keyOf(e)
		if seen[k] {
			continue
		}
		seen[k] = true

		g.nodes[e.FromTable] = true
		g.nodes[e.ToTable] = true
		g.adjacency[e.FromTable] = append(g.adjacency[e.FromTable], e.ToTable)
		g.adjacency[e.ToTable] = append(g.adjacency[e.ToTable], e.FromTable)

		pair := unorderedPair(e.FromTable, e.ToTable)
		if _, ok := g.directed[pair]; !ok {
			g.directed[pair] = e
		}
	}
	return g
}

func unorderedPair(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

// neighborsOf returns node's neighbors, alphabetically sorted, capped when
// node is a hub per spec §4.5: non-relevant hubs cap to defaultCap,
// relevant hubs cap to relevantCap, preferring neighbors in the relevant
// set and breaking ties alphabetically.
func (g *graph) neighborsOf(node string, hubs, relevant map[string]bool, defaultCap, relevantCap int) []string {
	raw := append([]string{}, g.adjacency[node]...)
	sort.Strings(raw)

	if !hubs[node] {
		return raw
	}

	limit := defaultCap
	if relevant[node] {
		limit = relevantCap
	}
	if len(raw) <= limit {
		return raw
	}

	sort.SliceStable(raw, func(i, j int) bool {
		ri, rj := relevant[raw[i]], relevant[raw[j]]
		if ri != rj {
			return ri
		}
		return raw[i] < raw[j]
	})
	return raw[:limit]
}

// moduleSubgraphCache caches per-module subgraphs keyed by a stable hash of
// the sorted edge 4-tuples, per spec §4.5: process-wide, read-mostly,
// single-writer behind a guard; a concurrent miss that loses the race
// discards its result.
type moduleSubgraphCache struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, map[string]*graph]
}

func newModuleSubgraphCache() *moduleSubgraphCache {
	c, _ := lru.New[uint64, map[string]*graph](128)
	return &moduleSubgraphCache{cache: c}
}

func (c *moduleSubgraphCache) get(tables []models.TableEntry, edges []models.FKEdge) map[string]*graph {
	key := hashEdges(edges)

	c.mu.Lock()
	if v, ok := c.cache.Get(key); ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	built := buildModuleSubgraphs(tables, edges)

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache.Get(key); ok {
		return v // lost the race; discard our build, return the winner's
	}
	c.cache.Add(key, built)
	return built
}

// hashEdges computes an FNV-1a hash over the sorted edge 4-tuples.
func hashEdges(edges []models.FKEdge) uint64 {
	keys := make([]string, len(edges))
	for i, e := range edges {
		k := keyOf(e)
		keys[i] = k.fromTable + "." + k.fromColumn + "->" + k.toTable + "." + k.toColumn
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// buildModuleSubgraphs partitions tables by module and, for each module,
// builds a subgraph of that module's tables plus all edges with at least
// one endpoint in the module (so cross-module edges appear in both
// subgraphs).
func buildModuleSubgraphs(tables []models.TableEntry, edges []models.FKEdge) map[string]*graph {
	moduleTables := make(map[string][]string)
	tableModule := make(map[string]string, len(tables))
	for _, t := range tables {
		moduleTables[t.Module] = append(moduleTables[t.Module], t.TableName)
		tableModule[t.TableName] = t.Module
	}

	out := make(map[string]*graph, len(moduleTables))
	for module, moduleTableNames := range moduleTables {
		var moduleEdges []models.FKEdge
		for _, e := range edges {
			if tableModule[e.FromTable] == module || tableModule[e.ToTable] == module {
				moduleEdges = append(moduleEdges, e)
			}
		}
		out[module] = buildGraph(moduleTableNames, moduleEdges)
	}
	return out
}

// Planner implements S5: FK-graph pathfinding and skeleton scoring.
type Planner struct {
	subgraphs *moduleSubgraphCache
}

func New() *Planner {
	return &Planner{subgraphs: newModuleSubgraphCache()}
}

// Plan computes a JoinPlan for packet, optionally grounded by a
// SchemaLinkBundle narrowing the required table set.
func (p *Planner) Plan(ctx context.Context, packet *models.SchemaContextPacket, bundle *models.SchemaLinkBundle, cfg Config) (*models.JoinPlan, error) {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.DefaultHubCap <= 0 {
		cfg.DefaultHubCap = 5
	}
	if cfg.RelevantHubCap <= 0 {
		cfg.RelevantHubCap = hubDegreeThreshold
	}

	tableNames := make([]string, len(packet.Tables))
	hubs := make(map[string]bool, len(packet.Tables))
	byName := make(map[string]models.TableEntry, len(packet.Tables))
	for i, t := range packet.Tables {
		tableNames[i] = t.TableName
		byName[t.TableName] = t
		if t.FKDegree > hubDegreeThreshold || t.IsHub {
			hubs[t.TableName] = true
		}
	}

	g := buildGraph(tableNames, packet.FKEdges)

	required := requiredTables(packet, bundle, g)
	plan := &models.JoinPlan{
		GraphStats: models.GraphStats{Nodes: len(g.nodes), Edges: countEdges(g)},
	}

	if len(required) == 0 {
		return plan, nil
	}
	if len(required) == 1 {
		plan.Skeletons = []models.JoinSkeleton{singleTableSkeleton(required[0])}
		p.populateModuleDiagnostics(plan, packet, bundle, required, byName)
		return plan, nil
	}

	relevant := make(map[string]bool, len(required))
	for _, t := range required {
		relevant[t] = true
	}

	skeletons, ok := buildSkeletons(g, required, hubs, relevant, cfg)
	if !ok {
		p.populateModuleDiagnostics(plan, packet, bundle, required, byName)
		return plan, nil // unreachable: no connecting subgraph
	}

	linkedColumns := linkedColumnSet(bundle)
	relevantTableSet := relevantTableSetOf(bundle)

	scored := make([]models.JoinSkeleton, 0, len(skeletons))
	for _, sk := range skeletons {
		sk.Score, sk.ScoreDetails = scoreSkeleton(sk, required, relevantTableSet, linkedColumns)
		sk.SQLFragment = buildSQLFragment(sk, required)
		scored = append(scored, sk)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score < scored[j].Score })
	if len(scored) > cfg.TopK {
		scored = scored[:cfg.TopK]
	}
	plan.Skeletons = scored

	p.populateModuleDiagnostics(plan, packet, bundle, required, byName)
	return plan, nil
}

func countEdges(g *graph) int {
	return len(g.directed)
}

// requiredTables returns tables with bundle relevance > 0 (filtered to the
// graph) when bundle is non-nil and has linked tables, else all packet
// tables present in the graph, sorted for determinism.
func requiredTables(packet *models.SchemaContextPacket, bundle *models.SchemaLinkBundle, g *graph) []string {
	var candidates []string
	if bundle != nil && len(bundle.LinkedTables) > 0 {
		for _, lt := range bundle.LinkedTables {
			if lt.Relevance > 0 {
				candidates = append(candidates, lt.Table)
			}
		}
	} else {
		for _, t := range packet.Tables {
			candidates = append(candidates, t.TableName)
		}
	}

	var out []string
	for _, c := range candidates {
		if g.nodes[c] {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func singleTableSkeleton(table string) models.JoinSkeleton {
	return models.JoinSkeleton{
		Tables:       []string{table},
		Joins:        nil,
		SQLFragment:  table,
		ScoreDetails: models.ScoreDetails{SemanticAlignment: 1.0},
	}
}

// buildSkeletons enumerates candidate skeletons from up to cfg.TopK+2
// shortest paths per required pair; Plan truncates the scored result to
// cfg.TopK. For a single required pair, each K-shortest path between them
// is directly one skeleton. For multiple pairs, the base skeleton unions each pair's
// shortest path; alternates are admitted only when they introduce a new
// intermediate table, per spec §4.5's combinatorial-blowup cap.
func buildSkeletons(g *graph, required []string, hubs, relevant map[string]bool, cfg Config) ([]models.JoinSkeleton, bool) {
	pairs := requiredPairs(required)

	pairPaths := make([][][]string, len(pairs))
	for i, pr := range pairs {
		paths := kShortestPaths(g, pr[0], pr[1], cfg.TopK+2, hubs, relevant, cfg.DefaultHubCap, cfg.RelevantHubCap)
		if len(paths) == 0 {
			return nil, false // unreachable pair
		}
		pairPaths[i] = paths
	}

	if len(pairs) == 1 {
		var out []models.JoinSkeleton
		for _, path := range pairPaths[0] {
			out = append(out, skeletonFromPaths([][]string{path}, g))
		}
		return out, true
	}

	base := make([][]string, len(pairs))
	for i := range pairs {
		base[i] = pairPaths[i][0]
	}
	baseSkeleton := skeletonFromPaths(base, g)

	seen := map[string]bool{skeletonKey(baseSkeleton): true}
	out := []models.JoinSkeleton{baseSkeleton}

	baseIntermediates := intermediateSet(baseSkeleton, required)

	for i := range pairs {
		for _, alt := range pairPaths[i][1:] {
			candidate := append([][]string{}, base...)
			candidate[i] = alt
			sk := skeletonFromPaths(candidate, g)

			introducesNew := false
			for _, inter := range intermediateSet(sk, required) {
				if !baseIntermediates[inter] {
					introducesNew = true
					break
				}
			}
			if !introducesNew {
				continue
			}

			k := skeletonKey(sk)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, sk)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return len(out[i].Joins) < len(out[j].Joins) })
	return out, true
}

func requiredPairs(required []string) [][2]string {
	var pairs [][2]string
	for i := 0; i < len(required); i++ {
		for j := i + 1; j < len(required); j++ {
			pairs = append(pairs, [2]string{required[i], required[j]})
		}
	}
	return pairs
}

func intermediateSet(sk models.JoinSkeleton, required []string) map[string]bool {
	reqSet := make(map[string]bool, len(required))
	for _, r := range required {
		reqSet[r] = true
	}
	out := make(map[string]bool)
	for _, t := range sk.Tables {
		if !reqSet[t] {
			out[t] = true
		}
	}
	return out
}

func skeletonKey(sk models.JoinSkeleton) string {
	keys := make([]string, len(sk.Joins))
	for i, j := range sk.Joins {
		keys[i] = j.FromTable + "." + j.FromColumn + "->" + j.ToTable + "." + j.ToColumn
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}

// skeletonFromPaths unions a set of paths into one connected skeleton,
// deduplicating edges and tables.
func skeletonFromPaths(paths [][]string, g *graph) models.JoinSkeleton {
	tableSet := make(map[string]bool)
	edgeSet := make(map[[2]string]bool)
	var joins []models.JoinCondition

	for _, path := range paths {
		for _, t := range path {
			tableSet[t] = true
		}
		for i := 0; i+1 < len(path); i++ {
			pair := unorderedPair(path[i], path[i+1])
			if edgeSet[pair] {
				continue
			}
			edgeSet[pair] = true
			e := g.directed[pair]
			joins = append(joins, models.JoinCondition{
				FromTable: e.FromTable, FromColumn: e.FromColumn,
				ToTable: e.ToTable, ToColumn: e.ToColumn, JoinType: models.JoinInner,
			})
		}
	}

	tables := make([]string, 0, len(tableSet))
	for t := range tableSet {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	return models.JoinSkeleton{Tables: tables, Joins: joins}
}

// kShortestPaths enumerates up to k distinct simple paths from->to using
// Yen's deviation algorithm over BFS shortest paths (uniform edge weight).
func kShortestPaths(g *graph, from, to string, k int, hubs, relevant map[string]bool, defaultCap, relevantCap int) [][]string {
	first, ok := bfsPath(g, from, to, nil, nil, hubs, relevant, defaultCap, relevantCap)
	if !ok {
		return nil
	}

	a := [][]string{first}
	var b [][]string
	seen := map[string]bool{pathKey(first): true}

	for len(a) < k {
		prev := a[len(a)-1]
		found := false

		for j := 0; j < len(prev)-1; j++ {
			spurNode := prev[j]
			rootPath := prev[:j+1]

			excludedEdges := make(map[[2]string]bool)
			for _, p := range a {
				if pathHasPrefix(p, rootPath) && len(p) > j+1 {
					excludedEdges[unorderedPair(p[j], p[j+1])] = true
				}
			}
			excludedNodes := make(map[string]bool, j)
			for _, n := range rootPath[:j] {
				excludedNodes[n] = true
			}

			spurPath, ok := bfsPath(g, spurNode, to, excludedEdges, excludedNodes, hubs, relevant, defaultCap, relevantCap)
			if !ok {
				continue
			}

			total := append(append([]string{}, rootPath[:len(rootPath)-1]...), spurPath...)
			tk := pathKey(total)
			if seen[tk] {
				continue
			}
			seen[tk] = true
			b = append(b, total)
			found = true
		}

		if len(b) == 0 {
			break
		}

		sort.SliceStable(b, func(i, j int) bool {
			if len(b[i]) != len(b[j]) {
				return len(b[i]) < len(b[j])
			}
			return pathKey(b[i]) < pathKey(b[j])
		})
		a = append(a, b[0])
		b = b[1:]

		if !found && len(b) == 0 {
			break
		}
	}

	if len(a) > k {
		a = a[:k]
	}
	return a
}

func pathKey(path []string) string { return strings.Join(path, ">") }

func pathHasPrefix(path, prefix []string) bool {
	if len(path) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if path[i] != p {
			return false
		}
	}
	return true
}

// bfsPath finds the shortest simple path from->to over the capped
// adjacency, avoiding excludedEdges and excludedNodes.
func bfsPath(g *graph, from, to string, excludedEdges map[[2]string]bool, excludedNodes map[string]bool, hubs, relevant map[string]bool, defaultCap, relevantCap int) ([]string, bool) {
	if from == to {
		return nil, false // a path returning to the source is rejected
	}

	type queued struct {
		node string
		path []string
	}
	visited := map[string]bool{from: true}
	queue := []queued{{from, []string{from}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, n := range g.neighborsOf(cur.node, hubs, relevant, defaultCap, relevantCap) {
			if excludedNodes[n] {
				continue
			}
			if excludedEdges[unorderedPair(cur.node, n)] {
				continue
			}
			if visited[n] {
				continue
			}
			nextPath := append(append([]string{}, cur.path...), n)
			if n == to {
				return nextPath, true
			}
			visited[n] = true
			queue = append(queue, queued{n, nextPath})
		}
	}
	return nil, false
}

func linkedColumnSet(bundle *models.SchemaLinkBundle) map[string]bool {
	out := make(map[string]bool)
	if bundle == nil {
		return out
	}
	for _, cols := range bundle.LinkedColumns {
		for _, c := range cols {
			out[c.Column] = true
		}
	}
	return out
}

func relevantTableSetOf(bundle *models.SchemaLinkBundle) map[string]bool {
	if bundle == nil {
		return nil
	}
	return bundle.RelevantTableSet()
}

// scoreSkeleton computes hopCount, semanticAlignment, columnCoverage, and
// the combined (lower-is-better) score per spec §4.5.
func scoreSkeleton(sk models.JoinSkeleton, required []string, relevantTables, linkedColumns map[string]bool) (float64, models.ScoreDetails) {
	reqSet := make(map[string]bool, len(required))
	for _, r := range required {
		reqSet[r] = true
	}

	intermediates := 0
	aligned := 0
	for _, t := range sk.Tables {
		if reqSet[t] {
			continue
		}
		intermediates++
		if relevantTables[t] {
			aligned++
		}
	}

	semanticAlignment := 1.0
	if intermediates > 0 {
		semanticAlignment = float64(aligned) / float64(intermediates)
	}

	columnCoverage := 0.0
	if linkedColumns != nil && len(sk.Joins) > 0 {
		covered := 0
		for _, j := range sk.Joins {
			if linkedColumns[j.FromColumn] || linkedColumns[j.ToColumn] {
				covered++
			}
		}
		columnCoverage = float64(covered) / float64(len(sk.Joins))
	}

	hopCount := len(sk.Joins)
	combined := float64(hopCount) - 0.5*semanticAlignment - 0.3*columnCoverage

	return combined, models.ScoreDetails{
		HopCount: hopCount, SemanticAlignment: semanticAlignment,
		ColumnCoverage: columnCoverage, Combined: combined,
	}
}

// buildSQLFragment emits root\nJOIN t ON a.c = b.c\n… with the first
// required table as root, BFS join order.
func buildSQLFragment(sk models.JoinSkeleton, required []string) string {
	if len(sk.Joins) == 0 {
		if len(sk.Tables) > 0 {
			return sk.Tables[0]
		}
		return ""
	}

	root := required[0]
	adjacency := make(map[string][]models.JoinCondition)
	for _, j := range sk.Joins {
		adjacency[j.FromTable] = append(adjacency[j.FromTable], j)
		adjacency[j.ToTable] = append(adjacency[j.ToTable], models.JoinCondition{
			FromTable: j.ToTable, FromColumn: j.ToColumn, ToTable: j.FromTable, ToColumn: j.FromColumn, JoinType: j.JoinType,
		})
	}

	var sb strings.Builder
	sb.WriteString(root)

	visited := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		conds := append([]models.JoinCondition{}, adjacency[cur]...)
		sort.Slice(conds, func(i, j int) bool { return conds[i].ToTable < conds[j].ToTable })

		for _, c := range conds {
			if visited[c.ToTable] {
				continue
			}
			visited[c.ToTable] = true
			sb.WriteString("\nJOIN ")
			sb.WriteString(c.ToTable)
			sb.WriteString(" ON ")
			sb.WriteString(c.FromTable + "." + c.FromColumn)
			sb.WriteString(" = ")
			sb.WriteString(c.ToTable + "." + c.ToColumn)
			queue = append(queue, c.ToTable)
		}
	}
	return sb.String()
}

// populateModuleDiagnostics sets CrossModuleDetected, ModulesUsed, and
// BridgeTables on plan.
func (p *Planner) populateModuleDiagnostics(plan *models.JoinPlan, packet *models.SchemaContextPacket, bundle *models.SchemaLinkBundle, required []string, byName map[string]models.TableEntry) {
	moduleSet := make(map[string]bool)
	for _, t := range required {
		if e, ok := byName[t]; ok && e.Module != "" {
			moduleSet[e.Module] = true
		}
	}
	for _, m := range packet.Modules {
		moduleSet[m] = true
	}

	modules := make([]string, 0, len(moduleSet))
	for m := range moduleSet {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	plan.ModulesUsed = modules
	plan.CrossModuleDetected = len(moduleSet) >= 2

	if !plan.CrossModuleDetected {
		return
	}

	subgraphs := p.subgraphs.get(packet.Tables, packet.FKEdges)
	plan.BridgeTables = detectBridgeTables(plan.Skeletons, byName, subgraphs)
}

// detectBridgeTables finds tables lying on a shortest path between
// required tables of different modules that touch an FK edge in each
// module's subgraph.
func detectBridgeTables(skeletons []models.JoinSkeleton, byName map[string]models.TableEntry, subgraphs map[string]*graph) []string {
	var out []string
	seen := make(map[string]bool)

	for _, sk := range skeletons {
		for _, t := range sk.Tables {
			if seen[t] {
				continue
			}
			if _, ok := byName[t]; !ok {
				continue
			}
			touchedModules := make(map[string]bool)
			for module, g := range subgraphs {
				if g.nodes[t] && len(g.adjacency[t]) > 0 {
					touchedModules[module] = true
				}
			}
			if len(touchedModules) >= 2 {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out
}
