package graph

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/tenant"
)

// MemoryStore keeps version chains in process memory, partitioned by
// (project, branch). Transactions stage their writes in an overlay and
// validate them against the committed state at commit time, so concurrent
// writers to the same chain race optimistically: the first commit wins and
// later ones fail with ErrVersionConflict.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  *chainTable[*GraphObject]
	rels     *chainTable[*GraphRelationship]
	branches *branchTable
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  newChainTable[*GraphObject](),
		rels:     newChainTable[*GraphRelationship](),
		branches: newBranchTable(),
	}
}

type scopeKey struct {
	project uuid.UUID
	branch  uuid.UUID
}

type chainKey struct {
	scope     scopeKey
	canonical uuid.UUID
}

func chainKeyOf(m RowMeta) chainKey {
	return chainKey{scopeKey{m.ProjectID, m.BranchID}, m.CanonicalID}
}

// projectScope resolves the scope of a single-project call.
func projectScope(ctx context.Context) (scopeKey, error) {
	scope, err := tenant.From(ctx)
	if err != nil {
		return scopeKey{}, err
	}
	if scope.AllTenants() {
		return scopeKey{}, apperror.ErrForbidden.WithMessage("operation requires a project scope")
	}
	return scopeKey{scope.ProjectID, scope.BranchID}, nil
}

func requireAllTenants(ctx context.Context) error {
	scope, err := tenant.From(ctx)
	if err != nil {
		return err
	}
	if !scope.AllTenants() {
		return apperror.ErrForbidden.WithMessage("chain scans require an all-tenants scope")
	}
	return nil
}

// versioned is implemented by *GraphObject and *GraphRelationship.
type versioned[T any] interface {
	meta() RowMeta
	clone() T
}

// chainTable holds chains ascending by version. Slices stored in parts are
// never mutated after they are stored; commits swap in new slices.
type chainTable[T versioned[T]] struct {
	parts map[scopeKey]map[uuid.UUID][]T
	ids   map[uuid.UUID]chainKey
}

func newChainTable[T versioned[T]]() *chainTable[T] {
	return &chainTable[T]{
		parts: make(map[scopeKey]map[uuid.UUID][]T),
		ids:   make(map[uuid.UUID]chainKey),
	}
}

func (t *chainTable[T]) chain(k chainKey) []T {
	return t.parts[k.scope][k.canonical]
}

func (t *chainTable[T]) locate(id uuid.UUID) (chainKey, bool) {
	k, ok := t.ids[id]
	return k, ok
}

func (t *chainTable[T]) each(sk scopeKey, fn func(uuid.UUID, []T)) {
	for c, rows := range t.parts[sk] {
		fn(c, rows)
	}
}

func (t *chainTable[T]) eachAll(fn func(chainKey, []T)) {
	for sk, part := range t.parts {
		for c, rows := range part {
			fn(chainKey{sk, c}, rows)
		}
	}
}

func (t *chainTable[T]) put(k chainKey, rows []T) {
	part, ok := t.parts[k.scope]
	if !ok {
		part = make(map[uuid.UUID][]T)
		t.parts[k.scope] = part
	}
	part[k.canonical] = rows
	for _, r := range rows {
		t.ids[r.meta().ID] = k
	}
}

func (t *chainTable[T]) dropScope(sk scopeKey) {
	for _, rows := range t.parts[sk] {
		for _, r := range rows {
			delete(t.ids, r.meta().ID)
		}
	}
	delete(t.parts, sk)
}

// chainSource is a read view over chains: the committed table, the
// committed table behind a read lock, or a transaction overlay.
type chainSource[T any] interface {
	chain(k chainKey) []T
	locate(id uuid.UUID) (chainKey, bool)
	each(sk scopeKey, fn func(uuid.UUID, []T))
	eachAll(fn func(chainKey, []T))
}

type lockedTable[T versioned[T]] struct {
	mu *sync.RWMutex
	t  *chainTable[T]
}

func (l lockedTable[T]) chain(k chainKey) []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.t.chain(k)
}

func (l lockedTable[T]) locate(id uuid.UUID) (chainKey, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.t.locate(id)
}

func (l lockedTable[T]) each(sk scopeKey, fn func(uuid.UUID, []T)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.t.each(sk, fn)
}

func (l lockedTable[T]) eachAll(fn func(chainKey, []T)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.t.eachAll(fn)
}

type draft[T any] struct {
	// committed chain length when the transaction first touched the chain
	base int
	rows []T
}

// overlay layers a transaction's drafts over a base source.
type overlay[T versioned[T]] struct {
	base    chainSource[T]
	drafts  map[chainKey]*draft[T]
	ids     map[uuid.UUID]chainKey
	dropped map[scopeKey]bool
}

func newOverlay[T versioned[T]](base chainSource[T]) *overlay[T] {
	return &overlay[T]{
		base:    base,
		drafts:  make(map[chainKey]*draft[T]),
		ids:     make(map[uuid.UUID]chainKey),
		dropped: make(map[scopeKey]bool),
	}
}

// on returns a view of the same drafts over another base.
func (o *overlay[T]) on(base chainSource[T]) *overlay[T] {
	return &overlay[T]{base: base, drafts: o.drafts, ids: o.ids, dropped: o.dropped}
}

func (o *overlay[T]) chain(k chainKey) []T {
	if d, ok := o.drafts[k]; ok {
		return d.rows
	}
	if o.dropped[k.scope] {
		return nil
	}
	return o.base.chain(k)
}

func (o *overlay[T]) locate(id uuid.UUID) (chainKey, bool) {
	if k, ok := o.ids[id]; ok {
		return k, true
	}
	k, ok := o.base.locate(id)
	if !ok || o.dropped[k.scope] {
		return chainKey{}, false
	}
	return k, true
}

func (o *overlay[T]) each(sk scopeKey, fn func(uuid.UUID, []T)) {
	if !o.dropped[sk] {
		o.base.each(sk, func(c uuid.UUID, rows []T) {
			if _, ok := o.drafts[chainKey{sk, c}]; ok {
				return
			}
			fn(c, rows)
		})
	}
	for k, d := range o.drafts {
		if k.scope == sk && len(d.rows) > 0 {
			fn(k.canonical, d.rows)
		}
	}
}

func (o *overlay[T]) eachAll(fn func(chainKey, []T)) {
	o.base.eachAll(func(k chainKey, rows []T) {
		if o.dropped[k.scope] {
			return
		}
		if _, ok := o.drafts[k]; ok {
			return
		}
		fn(k, rows)
	})
	for k, d := range o.drafts {
		if len(d.rows) > 0 {
			fn(k, d.rows)
		}
	}
}

func (o *overlay[T]) touch(k chainKey) *draft[T] {
	if d, ok := o.drafts[k]; ok {
		return d
	}
	committed := o.base.chain(k)
	if o.dropped[k.scope] {
		committed = nil
	}
	d := &draft[T]{base: len(committed), rows: append([]T(nil), committed...)}
	o.drafts[k] = d
	return d
}

func (o *overlay[T]) dropScope(sk scopeKey) {
	o.dropped[sk] = true
	for k := range o.drafts {
		if k.scope == sk {
			delete(o.drafts, k)
		}
	}
	for id, k := range o.ids {
		if k.scope == sk {
			delete(o.ids, id)
		}
	}
}

type branchTable struct {
	byID    map[uuid.UUID]*Branch
	lineage map[uuid.UUID][]BranchLineage
}

func newBranchTable() *branchTable {
	return &branchTable{
		byID:    make(map[uuid.UUID]*Branch),
		lineage: make(map[uuid.UUID][]BranchLineage),
	}
}

type branchSource interface {
	get(id uuid.UUID) (*Branch, bool)
	each(project uuid.UUID, fn func(*Branch))
	lineageOf(id uuid.UUID) []BranchLineage
}

func (t *branchTable) get(id uuid.UUID) (*Branch, bool) {
	b, ok := t.byID[id]
	return b, ok
}

func (t *branchTable) each(project uuid.UUID, fn func(*Branch)) {
	for _, b := range t.byID {
		if b.ProjectID == project {
			fn(b)
		}
	}
}

func (t *branchTable) lineageOf(id uuid.UUID) []BranchLineage {
	return t.lineage[id]
}

type lockedBranches struct {
	mu *sync.RWMutex
	t  *branchTable
}

func (l lockedBranches) get(id uuid.UUID) (*Branch, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.t.get(id)
}

func (l lockedBranches) each(project uuid.UUID, fn func(*Branch)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.t.each(project, fn)
}

func (l lockedBranches) lineageOf(id uuid.UUID) []BranchLineage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.t.lineageOf(id)
}

type branchOverlay struct {
	base    branchSource
	added   map[uuid.UUID]*Branch
	lineage map[uuid.UUID][]BranchLineage
	deleted map[uuid.UUID]bool
}

func newBranchOverlay(base branchSource) *branchOverlay {
	return &branchOverlay{
		base:    base,
		added:   make(map[uuid.UUID]*Branch),
		lineage: make(map[uuid.UUID][]BranchLineage),
		deleted: make(map[uuid.UUID]bool),
	}
}

func (o *branchOverlay) on(base branchSource) *branchOverlay {
	return &branchOverlay{base: base, added: o.added, lineage: o.lineage, deleted: o.deleted}
}

func (o *branchOverlay) get(id uuid.UUID) (*Branch, bool) {
	if o.deleted[id] {
		return nil, false
	}
	if b, ok := o.added[id]; ok {
		return b, true
	}
	return o.base.get(id)
}

func (o *branchOverlay) each(project uuid.UUID, fn func(*Branch)) {
	o.base.each(project, func(b *Branch) {
		if !o.deleted[b.ID] {
			fn(b)
		}
	})
	for _, b := range o.added {
		if b.ProjectID == project && !o.deleted[b.ID] {
			fn(b)
		}
	}
}

func (o *branchOverlay) lineageOf(id uuid.UUID) []BranchLineage {
	if o.deleted[id] {
		return nil
	}
	if l, ok := o.lineage[id]; ok {
		return l
	}
	return o.base.lineageOf(id)
}

// memReader implements Reader over any combination of sources.
type memReader struct {
	objs     chainSource[*GraphObject]
	rels     chainSource[*GraphRelationship]
	branches branchSource
}

func (s *MemoryStore) reader() *memReader {
	return &memReader{
		objs:     lockedTable[*GraphObject]{mu: &s.mu, t: s.objects},
		rels:     lockedTable[*GraphRelationship]{mu: &s.mu, t: s.rels},
		branches: lockedBranches{mu: &s.mu, t: s.branches},
	}
}

func lastOf[T any](rows []T) (T, bool) {
	var zero T
	if len(rows) == 0 {
		return zero, false
	}
	return rows[len(rows)-1], true
}

func liveHead[T versioned[T]](rows []T) (T, bool) {
	last, ok := lastOf(rows)
	if !ok || last.meta().DeletedAt != nil {
		var zero T
		return zero, false
	}
	return last, true
}

func cloneAll[T versioned[T]](rows []T) []T {
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = r.clone()
	}
	return out
}

func historyOf[T versioned[T]](rows []T, beforeVersion, limit int) []T {
	out := make([]T, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeVersion > 0 && rows[i].meta().Version >= beforeVersion {
			continue
		}
		out = append(out, rows[i].clone())
	}
	return out
}

func findByID[T versioned[T]](src chainSource[T], sk scopeKey, id uuid.UUID) (T, bool) {
	var zero T
	k, ok := src.locate(id)
	if !ok || k.scope != sk {
		return zero, false
	}
	for _, r := range src.chain(k) {
		if r.meta().ID == id {
			return r, true
		}
	}
	return zero, false
}

func uuidLess(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func (r *memReader) LatestObject(ctx context.Context, canonicalID uuid.UUID) (*GraphObject, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	last, ok := lastOf(r.objs.chain(chainKey{sk, canonicalID}))
	if !ok {
		return nil, apperror.NewNotFound("object", canonicalID.String())
	}
	return last.clone(), nil
}

func (r *memReader) LatestObjects(ctx context.Context, canonicalIDs []uuid.UUID) (map[uuid.UUID]*GraphObject, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*GraphObject, len(canonicalIDs))
	for _, id := range canonicalIDs {
		if last, ok := lastOf(r.objs.chain(chainKey{sk, id})); ok {
			out[id] = last.clone()
		}
	}
	return out, nil
}

func (r *memReader) ObjectByID(ctx context.Context, id uuid.UUID) (*GraphObject, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	row, ok := findByID(r.objs, sk, id)
	if !ok {
		return nil, apperror.NewNotFound("object", id.String())
	}
	return row.clone(), nil
}

func (r *memReader) ObjectChain(ctx context.Context, canonicalID uuid.UUID) ([]*GraphObject, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	rows := r.objs.chain(chainKey{sk, canonicalID})
	if len(rows) == 0 {
		return nil, apperror.NewNotFound("object", canonicalID.String())
	}
	return cloneAll(rows), nil
}

func (r *memReader) ObjectHistory(ctx context.Context, canonicalID uuid.UUID, beforeVersion, limit int) ([]*GraphObject, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	rows := r.objs.chain(chainKey{sk, canonicalID})
	if len(rows) == 0 {
		return nil, apperror.NewNotFound("object", canonicalID.String())
	}
	return historyOf(rows, beforeVersion, limit), nil
}

func liveKeyHolder(src chainSource[*GraphObject], sk scopeKey, objType, key string, except uuid.UUID) *GraphObject {
	var found *GraphObject
	src.each(sk, func(c uuid.UUID, rows []*GraphObject) {
		if found != nil || c == except {
			return
		}
		head, ok := liveHead(rows)
		if ok && head.Type == objType && head.Key != nil && *head.Key == key {
			found = head
		}
	})
	return found
}

func (r *memReader) LiveObjectByKey(ctx context.Context, objType, key string) (*GraphObject, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	if head := liveKeyHolder(r.objs, sk, objType, key, uuid.Nil); head != nil {
		return head.clone(), nil
	}
	return nil, nil
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func (r *memReader) ListObjectHeads(ctx context.Context, q HeadQuery) ([]*GraphObject, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	var heads []*GraphObject
	r.objs.each(sk, func(c uuid.UUID, rows []*GraphObject) {
		head, ok := liveHead(rows)
		if !ok || !uuidLess(q.After, c) {
			return
		}
		if q.Type != "" && head.Type != q.Type {
			return
		}
		if q.Label != "" && !hasLabel(head.Labels, q.Label) {
			return
		}
		heads = append(heads, head)
	})
	sort.Slice(heads, func(i, j int) bool { return uuidLess(heads[i].CanonicalID, heads[j].CanonicalID) })
	if q.Limit > 0 && len(heads) > q.Limit {
		heads = heads[:q.Limit]
	}
	return cloneAll(heads), nil
}

func (r *memReader) LatestRelationship(ctx context.Context, canonicalID uuid.UUID) (*GraphRelationship, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	last, ok := lastOf(r.rels.chain(chainKey{sk, canonicalID}))
	if !ok {
		return nil, apperror.NewNotFound("relationship", canonicalID.String())
	}
	return last.clone(), nil
}

func (r *memReader) RelationshipByID(ctx context.Context, id uuid.UUID) (*GraphRelationship, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	row, ok := findByID(r.rels, sk, id)
	if !ok {
		return nil, apperror.NewNotFound("relationship", id.String())
	}
	return row.clone(), nil
}

func (r *memReader) RelationshipChain(ctx context.Context, canonicalID uuid.UUID) ([]*GraphRelationship, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	rows := r.rels.chain(chainKey{sk, canonicalID})
	if len(rows) == 0 {
		return nil, apperror.NewNotFound("relationship", canonicalID.String())
	}
	return cloneAll(rows), nil
}

func (r *memReader) RelationshipHistory(ctx context.Context, canonicalID uuid.UUID, beforeVersion, limit int) ([]*GraphRelationship, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	rows := r.rels.chain(chainKey{sk, canonicalID})
	if len(rows) == 0 {
		return nil, apperror.NewNotFound("relationship", canonicalID.String())
	}
	return historyOf(rows, beforeVersion, limit), nil
}

func liveTripleHolder(src chainSource[*GraphRelationship], sk scopeKey, relType string, srcID, dstID, except uuid.UUID) *GraphRelationship {
	var found *GraphRelationship
	src.each(sk, func(c uuid.UUID, rows []*GraphRelationship) {
		if found != nil || c == except {
			return
		}
		head, ok := liveHead(rows)
		if ok && head.Type == relType && head.SrcID == srcID && head.DstID == dstID {
			found = head
		}
	})
	return found
}

// multiplicityBreach finds a live edge, other than chain except, that would
// share a "one" endpoint with row.
func multiplicityBreach(src chainSource[*GraphRelationship], sk scopeKey, row *GraphRelationship, m Multiplicity) *GraphRelationship {
	if m.Src != One && m.Dst != One {
		return nil
	}
	var found *GraphRelationship
	src.each(sk, func(c uuid.UUID, rows []*GraphRelationship) {
		if found != nil || c == row.CanonicalID {
			return
		}
		head, ok := liveHead(rows)
		if !ok || head.Type != row.Type {
			return
		}
		if m.Src == One && head.SrcID == row.SrcID && head.DstID != row.DstID {
			found = head
		}
		if m.Dst == One && head.DstID == row.DstID && head.SrcID != row.SrcID {
			found = head
		}
	})
	return found
}

func (r *memReader) LiveRelationshipByTriple(ctx context.Context, relType string, srcID, dstID uuid.UUID) (*GraphRelationship, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	if head := liveTripleHolder(r.rels, sk, relType, srcID, dstID, uuid.Nil); head != nil {
		return head.clone(), nil
	}
	return nil, nil
}

func (r *memReader) TombstonedRelationshipByTriple(ctx context.Context, relType string, srcID, dstID uuid.UUID) (*GraphRelationship, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	var found *GraphRelationship
	r.rels.each(sk, func(_ uuid.UUID, rows []*GraphRelationship) {
		head, ok := lastOf(rows)
		if !ok || !head.IsDeleted() || head.Type != relType || head.SrcID != srcID || head.DstID != dstID {
			return
		}
		if found == nil || head.CreatedAt.After(found.CreatedAt) {
			found = head
		}
	})
	if found == nil {
		return nil, nil
	}
	return found.clone(), nil
}

func edgeTouches(rel *GraphRelationship, ids map[uuid.UUID]struct{}, dir Direction) bool {
	_, src := ids[rel.SrcID]
	_, dst := ids[rel.DstID]
	switch dir {
	case DirectionOut:
		return src
	case DirectionIn:
		return dst
	default:
		return src || dst
	}
}

func (r *memReader) LiveRelationships(ctx context.Context, q EdgeQuery) ([]*GraphRelationship, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[uuid.UUID]struct{}, len(q.ObjectIDs))
	for _, id := range q.ObjectIDs {
		ids[id] = struct{}{}
	}
	types := make(map[string]struct{}, len(q.Types))
	for _, t := range q.Types {
		types[t] = struct{}{}
	}
	var out []*GraphRelationship
	r.rels.each(sk, func(_ uuid.UUID, rows []*GraphRelationship) {
		head, ok := liveHead(rows)
		if !ok || !edgeTouches(head, ids, q.Direction) {
			return
		}
		if len(types) > 0 {
			if _, ok := types[head.Type]; !ok {
				return
			}
		}
		out = append(out, head)
	})
	sortEdges(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return cloneAll(out), nil
}

func sortEdges(rels []*GraphRelationship) {
	sort.Slice(rels, func(i, j int) bool {
		if !rels[i].CreatedAt.Equal(rels[j].CreatedAt) {
			return rels[i].CreatedAt.Before(rels[j].CreatedAt)
		}
		return uuidLess(rels[i].ID, rels[j].ID)
	})
}

func (r *memReader) ListRelationshipHeads(ctx context.Context, q HeadQuery) ([]*GraphRelationship, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	var heads []*GraphRelationship
	r.rels.each(sk, func(c uuid.UUID, rows []*GraphRelationship) {
		head, ok := liveHead(rows)
		if !ok || !uuidLess(q.After, c) {
			return
		}
		if q.Type != "" && head.Type != q.Type {
			return
		}
		heads = append(heads, head)
	})
	sort.Slice(heads, func(i, j int) bool { return uuidLess(heads[i].CanonicalID, heads[j].CanonicalID) })
	if q.Limit > 0 && len(heads) > q.Limit {
		heads = heads[:q.Limit]
	}
	return cloneAll(heads), nil
}

func (r *memReader) Branch(ctx context.Context, id uuid.UUID) (*Branch, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	b, ok := r.branches.get(id)
	if !ok || b.ProjectID != sk.project {
		return nil, apperror.NewNotFound("branch", id.String())
	}
	cp := *b
	return &cp, nil
}

func (r *memReader) BranchByName(ctx context.Context, name string) (*Branch, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	var found *Branch
	r.branches.each(sk.project, func(b *Branch) {
		if b.Name == name {
			cp := *b
			found = &cp
		}
	})
	if found == nil {
		return nil, apperror.NewNotFound("branch", name)
	}
	return found, nil
}

func (r *memReader) ListBranches(ctx context.Context) ([]*Branch, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Branch
	r.branches.each(sk.project, func(b *Branch) {
		cp := *b
		out = append(out, &cp)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *memReader) BranchLineage(ctx context.Context, branchID uuid.UUID) ([]BranchLineage, error) {
	if _, err := r.Branch(ctx, branchID); err != nil {
		return nil, err
	}
	return append([]BranchLineage(nil), r.branches.lineageOf(branchID)...), nil
}

func scanChains[T versioned[T]](src chainSource[T], visit ChainVisitor) error {
	type entry struct {
		ref  ChainRef
		rows []RowMeta
	}
	var entries []entry
	src.eachAll(func(k chainKey, rows []T) {
		metas := make([]RowMeta, len(rows))
		for i, r := range rows {
			metas[i] = r.meta()
		}
		entries = append(entries, entry{
			ref:  ChainRef{ProjectID: k.scope.project, BranchID: k.scope.branch, CanonicalID: k.canonical},
			rows: metas,
		})
	})
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].ref, entries[j].ref
		if a.ProjectID != b.ProjectID {
			return uuidLess(a.ProjectID, b.ProjectID)
		}
		if a.BranchID != b.BranchID {
			return uuidLess(a.BranchID, b.BranchID)
		}
		return uuidLess(a.CanonicalID, b.CanonicalID)
	})
	for _, e := range entries {
		if err := visit(e.ref, e.rows); err != nil {
			return err
		}
	}
	return nil
}

func (r *memReader) ScanObjectChains(ctx context.Context, visit ChainVisitor) error {
	if err := requireAllTenants(ctx); err != nil {
		return err
	}
	return scanChains(r.objs, visit)
}

func (r *memReader) ScanRelationshipChains(ctx context.Context, visit ChainVisitor) error {
	if err := requireAllTenants(ctx); err != nil {
		return err
	}
	return scanChains(r.rels, visit)
}

// Reader methods on the store itself read committed state.

func (s *MemoryStore) LatestObject(ctx context.Context, id uuid.UUID) (*GraphObject, error) {
	return s.reader().LatestObject(ctx, id)
}

func (s *MemoryStore) LatestObjects(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*GraphObject, error) {
	return s.reader().LatestObjects(ctx, ids)
}

func (s *MemoryStore) ObjectByID(ctx context.Context, id uuid.UUID) (*GraphObject, error) {
	return s.reader().ObjectByID(ctx, id)
}

func (s *MemoryStore) ObjectChain(ctx context.Context, id uuid.UUID) ([]*GraphObject, error) {
	return s.reader().ObjectChain(ctx, id)
}

func (s *MemoryStore) ObjectHistory(ctx context.Context, id uuid.UUID, before, limit int) ([]*GraphObject, error) {
	return s.reader().ObjectHistory(ctx, id, before, limit)
}

func (s *MemoryStore) LiveObjectByKey(ctx context.Context, objType, key string) (*GraphObject, error) {
	return s.reader().LiveObjectByKey(ctx, objType, key)
}

func (s *MemoryStore) ListObjectHeads(ctx context.Context, q HeadQuery) ([]*GraphObject, error) {
	return s.reader().ListObjectHeads(ctx, q)
}

func (s *MemoryStore) LatestRelationship(ctx context.Context, id uuid.UUID) (*GraphRelationship, error) {
	return s.reader().LatestRelationship(ctx, id)
}

func (s *MemoryStore) RelationshipByID(ctx context.Context, id uuid.UUID) (*GraphRelationship, error) {
	return s.reader().RelationshipByID(ctx, id)
}

func (s *MemoryStore) RelationshipChain(ctx context.Context, id uuid.UUID) ([]*GraphRelationship, error) {
	return s.reader().RelationshipChain(ctx, id)
}

func (s *MemoryStore) RelationshipHistory(ctx context.Context, id uuid.UUID, before, limit int) ([]*GraphRelationship, error) {
	return s.reader().RelationshipHistory(ctx, id, before, limit)
}

func (s *MemoryStore) LiveRelationshipByTriple(ctx context.Context, relType string, srcID, dstID uuid.UUID) (*GraphRelationship, error) {
	return s.reader().LiveRelationshipByTriple(ctx, relType, srcID, dstID)
}

func (s *MemoryStore) TombstonedRelationshipByTriple(ctx context.Context, relType string, srcID, dstID uuid.UUID) (*GraphRelationship, error) {
	return s.reader().TombstonedRelationshipByTriple(ctx, relType, srcID, dstID)
}

func (s *MemoryStore) LiveRelationships(ctx context.Context, q EdgeQuery) ([]*GraphRelationship, error) {
	return s.reader().LiveRelationships(ctx, q)
}

func (s *MemoryStore) ListRelationshipHeads(ctx context.Context, q HeadQuery) ([]*GraphRelationship, error) {
	return s.reader().ListRelationshipHeads(ctx, q)
}

func (s *MemoryStore) Branch(ctx context.Context, id uuid.UUID) (*Branch, error) {
	return s.reader().Branch(ctx, id)
}

func (s *MemoryStore) BranchByName(ctx context.Context, name string) (*Branch, error) {
	return s.reader().BranchByName(ctx, name)
}

func (s *MemoryStore) ListBranches(ctx context.Context) ([]*Branch, error) {
	return s.reader().ListBranches(ctx)
}

func (s *MemoryStore) BranchLineage(ctx context.Context, id uuid.UUID) ([]BranchLineage, error) {
	return s.reader().BranchLineage(ctx, id)
}

func (s *MemoryStore) ScanObjectChains(ctx context.Context, visit ChainVisitor) error {
	return s.reader().ScanObjectChains(ctx, visit)
}

func (s *MemoryStore) ScanRelationshipChains(ctx context.Context, visit ChainVisitor) error {
	return s.reader().ScanRelationshipChains(ctx, visit)
}

// memTx stages writes over the committed state.
type memTx struct {
	*memReader
	store       *MemoryStore
	objs        *overlay[*GraphObject]
	rels        *overlay[*GraphRelationship]
	branches    *branchOverlay
	constraints map[chainKey]Multiplicity
	done        bool
}

var _ Tx = (*memTx)(nil)

func (s *MemoryStore) begin() *memTx {
	committed := s.reader()
	tx := &memTx{
		store:       s,
		objs:        newOverlay[*GraphObject](committed.objs),
		rels:        newOverlay[*GraphRelationship](committed.rels),
		branches:    newBranchOverlay(committed.branches),
		constraints: make(map[chainKey]Multiplicity),
	}
	tx.memReader = &memReader{objs: tx.objs, rels: tx.rels, branches: tx.branches}
	return tx
}

// InTx runs fn against a fresh overlay and commits it when fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if _, err := tenant.From(ctx); err != nil {
		return err
	}
	tx := s.begin()
	defer func() { tx.done = true }()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func versionConflict(kind string, canonical uuid.UUID, want, have int) error {
	return apperror.ErrVersionConflict.WithMessagef(
		"%s %s: cannot write version %d, chain is at version %d", kind, canonical, want, have)
}

func (tx *memTx) writeScope(ctx context.Context, m RowMeta) (chainKey, error) {
	if tx.done {
		return chainKey{}, apperror.ErrInternal.WithMessage("transaction already finished")
	}
	sk, err := projectScope(ctx)
	if err != nil {
		return chainKey{}, err
	}
	if m.ProjectID != sk.project || m.BranchID != sk.branch {
		return chainKey{}, apperror.ErrForbidden.WithMessage("row is outside the transaction's tenant scope")
	}
	return chainKeyOf(m), nil
}

func (tx *memTx) InsertObject(ctx context.Context, row *GraphObject) error {
	k, err := tx.writeScope(ctx, row.meta())
	if err != nil {
		return err
	}
	d := tx.objs.touch(k)
	if row.Version != len(d.rows)+1 {
		return versionConflict("object", row.CanonicalID, row.Version, len(d.rows))
	}
	if !row.IsDeleted() && row.Key != nil {
		if other := liveKeyHolder(tx.objs, k.scope, row.Type, *row.Key, row.CanonicalID); other != nil {
			return apperror.ErrAlreadyExists.WithMessagef("object %s/%s already exists", row.Type, *row.Key)
		}
	}
	d.rows = append(d.rows, row.clone())
	tx.objs.ids[row.ID] = k
	return nil
}

func (tx *memTx) MarkObjectDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	sk, err := projectScope(ctx)
	if err != nil {
		return err
	}
	k, ok := tx.objs.locate(id)
	if !ok || k.scope != sk {
		return apperror.NewNotFound("object", id.String())
	}
	d := tx.objs.touch(k)
	for i, r := range d.rows {
		if r.ID != id {
			continue
		}
		if r.IsDeleted() {
			return apperror.ErrVersionConflict.WithMessagef("object version %s is already deleted", id)
		}
		cp := r.clone()
		cp.DeletedAt = &at
		d.rows = append(d.rows[:i:i], append([]*GraphObject{cp}, d.rows[i+1:]...)...)
		return nil
	}
	return apperror.NewNotFound("object", id.String())
}

func (tx *memTx) InsertRelationship(ctx context.Context, row *GraphRelationship, c EdgeConstraint) error {
	k, err := tx.writeScope(ctx, row.meta())
	if err != nil {
		return err
	}
	d := tx.rels.touch(k)
	if row.Version != len(d.rows)+1 {
		return versionConflict("relationship", row.CanonicalID, row.Version, len(d.rows))
	}
	if !row.IsDeleted() {
		if other := liveTripleHolder(tx.rels, k.scope, row.Type, row.SrcID, row.DstID, row.CanonicalID); other != nil {
			return apperror.ErrAlreadyExists.WithMessagef("relationship %s already exists", other.CanonicalID)
		}
		if other := multiplicityBreach(tx.rels, k.scope, row, c.Multiplicity); other != nil {
			return multiplicityError(row, other)
		}
		tx.constraints[k] = c.Multiplicity
	}
	d.rows = append(d.rows, row.clone())
	tx.rels.ids[row.ID] = k
	return nil
}

func (tx *memTx) MarkRelationshipDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	sk, err := projectScope(ctx)
	if err != nil {
		return err
	}
	k, ok := tx.rels.locate(id)
	if !ok || k.scope != sk {
		return apperror.NewNotFound("relationship", id.String())
	}
	d := tx.rels.touch(k)
	for i, r := range d.rows {
		if r.ID != id {
			continue
		}
		if r.IsDeleted() {
			return apperror.ErrVersionConflict.WithMessagef("relationship version %s is already deleted", id)
		}
		cp := r.clone()
		cp.DeletedAt = &at
		d.rows = append(d.rows[:i:i], append([]*GraphRelationship{cp}, d.rows[i+1:]...)...)
		return nil
	}
	return apperror.NewNotFound("relationship", id.String())
}

func (tx *memTx) InsertBranch(ctx context.Context, b *Branch, lineage []BranchLineage) error {
	sk, err := projectScope(ctx)
	if err != nil {
		return err
	}
	if b.ProjectID != sk.project {
		return apperror.ErrForbidden.WithMessage("branch is outside the transaction's tenant scope")
	}
	if _, err := tx.BranchByName(ctx, b.Name); err == nil {
		return apperror.ErrAlreadyExists.WithMessagef("branch %q already exists", b.Name)
	}
	cp := *b
	tx.branches.added[b.ID] = &cp
	tx.branches.lineage[b.ID] = append([]BranchLineage(nil), lineage...)
	return nil
}

func (tx *memTx) DeleteBranch(ctx context.Context, id uuid.UUID) error {
	sk, err := projectScope(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Branch(ctx, id); err != nil {
		return err
	}
	tx.branches.deleted[id] = true
	gone := scopeKey{sk.project, id}
	tx.objs.dropScope(gone)
	tx.rels.dropScope(gone)
	return nil
}

// commit validates the overlay against the committed state and applies it.
func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, d := range tx.objs.drafts {
		if have := len(s.objects.chain(k)); have != d.base && !tx.objs.dropped[k.scope] {
			return versionConflict("object", k.canonical, d.base+1, have)
		}
	}
	for k, d := range tx.rels.drafts {
		if have := len(s.rels.chain(k)); have != d.base && !tx.rels.dropped[k.scope] {
			return versionConflict("relationship", k.canonical, d.base+1, have)
		}
	}

	// Re-check uniqueness against writes committed since the drafts were taken.
	objView := tx.objs.on(s.objects)
	for k, d := range tx.objs.drafts {
		head, ok := liveHead(d.rows)
		if !ok || head.Key == nil {
			continue
		}
		if other := liveKeyHolder(objView, k.scope, head.Type, *head.Key, k.canonical); other != nil {
			return apperror.ErrAlreadyExists.WithMessagef("object %s/%s already exists", head.Type, *head.Key)
		}
	}
	relView := tx.rels.on(s.rels)
	for k, d := range tx.rels.drafts {
		head, ok := liveHead(d.rows)
		if !ok {
			continue
		}
		if other := liveTripleHolder(relView, k.scope, head.Type, head.SrcID, head.DstID, k.canonical); other != nil {
			return apperror.ErrAlreadyExists.WithMessagef("relationship %s already exists", other.CanonicalID)
		}
		if m, ok := tx.constraints[k]; ok {
			if other := multiplicityBreach(relView, k.scope, head, m); other != nil {
				return multiplicityError(head, other)
			}
		}
	}
	branchView := tx.branches.on(s.branches)
	for _, b := range tx.branches.added {
		dup := false
		branchView.each(b.ProjectID, func(o *Branch) {
			if o.ID != b.ID && o.Name == b.Name {
				dup = true
			}
		})
		if dup {
			return apperror.ErrAlreadyExists.WithMessagef("branch %q already exists", b.Name)
		}
	}

	for id := range tx.branches.deleted {
		if b, ok := s.branches.byID[id]; ok {
			gone := scopeKey{b.ProjectID, id}
			s.objects.dropScope(gone)
			s.rels.dropScope(gone)
		}
		delete(s.branches.byID, id)
		delete(s.branches.lineage, id)
	}
	for id, b := range tx.branches.added {
		if tx.branches.deleted[id] {
			continue
		}
		s.branches.byID[id] = b
		s.branches.lineage[id] = tx.branches.lineage[id]
	}
	for k, d := range tx.objs.drafts {
		s.objects.put(k, d.rows)
	}
	for k, d := range tx.rels.drafts {
		s.rels.put(k, d.rows)
	}
	return nil
}
