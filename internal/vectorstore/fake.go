package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Store used by tests. Search ranks by cosine
// similarity; filters evaluate against payloads the same way the keyword and
// text indexes would.
type Fake struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
	aliases     map[string]string

	// FailWith, when set, makes every operation return this error.
	FailWith error
}

type fakeCollection struct {
	vectorSize int
	points     map[string]Point
	snapshots  []SnapshotInfo
	quantized  bool
}

var _ Store = (*Fake)(nil)

// NewFake creates an empty fake store.
func NewFake() *Fake {
	return &Fake{
		collections: make(map[string]*fakeCollection),
		aliases:     make(map[string]string),
	}
}

// resolve follows an alias to its concrete collection.
func (f *Fake) resolve(name string) (*fakeCollection, error) {
	if target, ok := f.aliases[name]; ok {
		name = target
	}
	col, ok := f.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return col, nil
}

func (f *Fake) Upsert(_ context.Context, collection string, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	if len(points) == 0 {
		return ErrEmptyPoints
	}
	col, err := f.resolve(collection)
	if err != nil {
		// Tests usually skip explicit creation; auto-create on first write.
		col = &fakeCollection{points: make(map[string]Point)}
		f.collections[collection] = col
	}
	for _, p := range points {
		col.points[p.ID] = p
	}
	return nil
}

func (f *Fake) Search(_ context.Context, collection string, vector []float32, k int, filter *Filter, scoreThreshold float32) ([]SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, p := range col.points {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		score := cosine(vector, p.Vector)
		if scoreThreshold > 0 && score < scoreThreshold {
			continue
		}
		results = append(results, SearchResult{ID: p.ID, Score: score, Payload: p.Payload})
	}
	sortByScore(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (f *Fake) SearchGroups(ctx context.Context, collection string, vector []float32, groupBy string, k, groupSize int, filter *Filter) ([]Group, error) {
	all, err := f.Search(ctx, collection, vector, 10_000, filter, 0)
	if err != nil {
		return nil, err
	}

	order := []string{}
	grouped := map[string][]SearchResult{}
	for _, r := range all {
		key := PayloadString(r.Payload, groupBy)
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		if len(grouped[key]) < groupSize {
			grouped[key] = append(grouped[key], r)
		}
	}

	out := make([]Group, 0, k)
	for _, key := range order {
		if len(out) == k {
			break
		}
		out = append(out, Group{Key: key, Hits: grouped[key]})
	}
	return out, nil
}

// SearchHybrid in the fake ranks by dense similarity only.
func (f *Fake) SearchHybrid(ctx context.Context, collection string, dense []float32, _ *SparseVector, k int, filter *Filter) ([]SearchResult, error) {
	return f.Search(ctx, collection, dense, k, filter, 0)
}

func (f *Fake) Recommend(ctx context.Context, collection string, positive, negative []string, k int) ([]SearchResult, error) {
	f.mu.Lock()
	if f.FailWith != nil {
		f.mu.Unlock()
		return nil, f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}

	var centroid []float32
	n := 0
	for _, id := range positive {
		p, ok := col.points[id]
		if !ok {
			continue
		}
		if centroid == nil {
			centroid = make([]float32, len(p.Vector))
		}
		for i, v := range p.Vector {
			centroid[i] += v
		}
		n++
	}
	exclude := make(map[string]bool, len(positive)+len(negative))
	for _, id := range positive {
		exclude[id] = true
	}
	for _, id := range negative {
		exclude[id] = true
	}
	f.mu.Unlock()

	if n == 0 {
		return nil, nil
	}
	for i := range centroid {
		centroid[i] /= float32(n)
	}

	results, err := f.Search(ctx, collection, centroid, k+len(exclude), nil, 0)
	if err != nil {
		return nil, err
	}
	out := results[:0]
	for _, r := range results {
		if exclude[r.ID] {
			continue
		}
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (f *Fake) Scroll(_ context.Context, collection string, filter *Filter, limit int) ([]SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, p := range col.points {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		results = append(results, SearchResult{ID: p.ID, Payload: p.Payload})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *Fake) Retrieve(_ context.Context, collection string, ids []string) ([]SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return nil, err
	}
	var out []SearchResult
	for _, id := range ids {
		if p, ok := col.points[id]; ok {
			out = append(out, SearchResult{ID: p.ID, Payload: p.Payload})
		}
	}
	return out, nil
}

func (f *Fake) SetPayload(_ context.Context, collection, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return err
	}
	p, ok := col.points[id]
	if !ok {
		return fmt.Errorf("point %s not found", id)
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	for k, v := range patch {
		p.Payload[k] = v
	}
	col.points[id] = p
	return nil
}

func (f *Fake) Delete(_ context.Context, collection string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(col.points, id)
	}
	return nil
}

func (f *Fake) DeleteByFilter(_ context.Context, collection string, filter *Filter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return 0, f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for id, p := range col.points {
		if matchesFilter(p.Payload, filter) {
			delete(col.points, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *Fake) Count(_ context.Context, collection string, filter *Filter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return 0, f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range col.points {
		if matchesFilter(p.Payload, filter) {
			n++
		}
	}
	return n, nil
}

func (f *Fake) AggregateByField(_ context.Context, collection, field string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, p := range col.points {
		if v := PayloadString(p.Payload, field); v != "" {
			out[v]++
		}
	}
	return out, nil
}

func (f *Fake) CreateCollection(_ context.Context, name string, vectorSize int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	if _, ok := f.collections[name]; ok {
		return nil
	}
	f.collections[name] = &fakeCollection{
		vectorSize: vectorSize,
		points:     make(map[string]Point),
	}
	return nil
}

func (f *Fake) CollectionExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return false, f.FailWith
	}
	if target, ok := f.aliases[name]; ok {
		name = target
	}
	_, ok := f.collections[name]
	return ok, nil
}

func (f *Fake) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	delete(f.collections, name)
	return nil
}

func (f *Fake) ClearCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	col, err := f.resolve(name)
	if err != nil {
		return err
	}
	col.points = make(map[string]Point)
	return nil
}

func (f *Fake) ListCollections(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	names := make([]string, 0, len(f.collections))
	for name := range f.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *Fake) CollectionInfo(_ context.Context, name string) (*CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	col, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:       name,
		PointCount: len(col.points),
		VectorSize: col.vectorSize,
		Status:     "green",
	}, nil
}

func (f *Fake) EnsurePayloadIndexes(context.Context, string) error {
	if f.FailWith != nil {
		return f.FailWith
	}
	return nil
}

func (f *Fake) CreateAlias(_ context.Context, alias, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.aliases[alias] = collection
	return nil
}

func (f *Fake) SwitchAlias(_ context.Context, alias, newCollection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	// Mirrors the server: an alias cannot shadow a concrete collection.
	if _, ok := f.collections[alias]; ok {
		return fmt.Errorf("collection %s exists, alias cannot use the same name", alias)
	}
	f.aliases[alias] = newCollection
	return nil
}

func (f *Fake) ListAliases(_ context.Context) ([]AliasInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	out := make([]AliasInfo, 0, len(f.aliases))
	for alias, col := range f.aliases {
		out = append(out, AliasInfo{Alias: alias, Collection: col})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

func (f *Fake) CreateSnapshot(_ context.Context, collection string) (*SnapshotInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return nil, err
	}
	info := SnapshotInfo{
		Name:      fmt.Sprintf("%s-snapshot-%d", collection, len(col.snapshots)+1),
		Size:      int64(len(col.points)),
		CreatedAt: time.Now().UTC(),
	}
	col.snapshots = append(col.snapshots, info)
	return &info, nil
}

func (f *Fake) ListSnapshots(_ context.Context, collection string) ([]SnapshotInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return nil, err
	}
	out := make([]SnapshotInfo, len(col.snapshots))
	copy(out, col.snapshots)
	return out, nil
}

func (f *Fake) SetQuantization(_ context.Context, collection string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	col, err := f.resolve(collection)
	if err != nil {
		return err
	}
	col.quantized = enabled
	return nil
}

func (f *Fake) Close() error { return nil }

// matchesFilter evaluates a filter against a payload the way the backend
// indexes would.
func matchesFilter(payload map[string]any, f *Filter) bool {
	if f.Empty() {
		return true
	}
	for _, c := range f.Must {
		if !matchesCondition(payload, c) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if matchesCondition(payload, c) {
			return false
		}
	}
	if len(f.Should) > 0 {
		any := false
		for _, c := range f.Should {
			if matchesCondition(payload, c) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func matchesCondition(payload map[string]any, c Condition) bool {
	v, present := payload[c.Key]
	switch {
	case c.IsEmpty:
		return !present || v == nil || v == ""
	case c.MatchText != "":
		s, _ := v.(string)
		return strings.Contains(strings.ToLower(s), strings.ToLower(c.MatchText))
	case len(c.MatchAny) > 0:
		s, _ := v.(string)
		for _, k := range c.MatchAny {
			if s == k {
				return true
			}
		}
		return false
	default:
		switch want := c.MatchValue.(type) {
		case int:
			return PayloadInt(payload, c.Key) == want
		case int64:
			return int64(PayloadInt(payload, c.Key)) == want
		case string:
			// Keyword match on an array field matches any element.
			switch field := v.(type) {
			case []string:
				for _, s := range field {
					if s == want {
						return true
					}
				}
				return false
			case []any:
				for _, e := range field {
					if e == want {
						return true
					}
				}
				return false
			}
			return v == c.MatchValue
		default:
			return v == c.MatchValue
		}
	}
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func sortByScore(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}
