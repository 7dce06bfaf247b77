package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/syntrixbase/itemgate/internal/kernel"
	"github.com/syntrixbase/itemgate/internal/pool"
	"github.com/syntrixbase/itemgate/internal/throttle"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// AddSubscription authorizes and opens tables on a session. Groups and
// schemas are resolved by the provider; the returned tables carry the
// resolved items. The request is all or nothing: a rejected table closes
// the ones opened before it. A session terminated while the request is in
// flight fails it with model.ErrSessionClosed.
func (r *Registry) AddSubscription(ctx context.Context, sessionID string, tables []model.TableInfo) ([]model.TableInfo, error) {
	s, err := r.openLookup(sessionID)
	if err != nil {
		return nil, err
	}

	req := &addRequest{}
	err = r.call(ctx, pool.Subscribe, func() error {
		var opened []model.TableInfo
		for _, t := range tables {
			if ctx.Err() != nil {
				break
			}
			info, kt, err := r.resolve(ctx, s, t)
			if err == nil {
				err = r.addTable(ctx, s, info, kt)
			}
			if err != nil {
				r.rollback(context.WithoutCancel(ctx), s, opened)
				return fmt.Errorf("table %d: %w", t.WinIndex, err)
			}
			opened = append(opened, info)
		}
		if ctx.Err() != nil || !req.commit(opened) {
			r.rollback(context.WithoutCancel(ctx), s, opened)
			return fmt.Errorf("%w: %w", model.ErrCanceled, context.Cause(ctx))
		}
		return nil
	})
	added, committed := req.abandon()
	if committed {
		err = nil
	}
	r.metrics.Auth("add_subscription", model.OutcomeOf(err).String())
	if err != nil {
		return nil, err
	}
	return added, nil
}

// addRequest settles an AddSubscription between the caller and the task
// running it: either the task commits its tables or the caller abandons
// them, and an abandoned task rolls its tables back.
type addRequest struct {
	mu        sync.Mutex
	tables    []model.TableInfo
	committed bool
	abandoned bool
}

func (a *addRequest) commit(tables []model.TableInfo) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned {
		return false
	}
	a.tables, a.committed = tables, true
	return true
}

// abandon returns the committed tables, or marks the request abandoned.
func (a *addRequest) abandon() ([]model.TableInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.committed {
		return a.tables, true
	}
	a.abandoned = true
	return nil, false
}

// RemoveSubscription closes tables of a session and returns them with
// their statistics. Tables of a session already closing were closed with
// it, so the call is a no-op.
func (r *Registry) RemoveSubscription(ctx context.Context, sessionID string, winIndexes []int) ([]model.TableInfo, error) {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return nil, model.ErrSessionNotFound
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil, nil
	}
	removed := make([]model.TableInfo, 0, len(winIndexes))
	for _, win := range winIndexes {
		t, ok := s.tables[win]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", model.ErrUnknownTable, win)
		}
		removed = append(removed, t)
	}
	for _, win := range winIndexes {
		delete(s.tables, win)
	}
	s.mu.Unlock()

	r.closeTables(ctx, s, removed)
	return removed, nil
}

func (r *Registry) openLookup(sessionID string) (*Session, error) {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	if s.State() != StateOpen {
		return nil, model.ErrSessionClosed
	}
	return s, nil
}

// resolve turns a table request into its resolved description and the
// kernel table, checking modes and selectors item by item.
func (r *Registry) resolve(ctx context.Context, s *Session, t model.TableInfo) (model.TableInfo, kernel.Table, error) {
	if !t.Mode.IsValid() {
		return t, kernel.Table{}, fmt.Errorf("%w: invalid mode", model.ErrItems)
	}

	items, err := r.meta.Items(ctx, s.user, s.id, t.Group, t.DataAdapter)
	if err != nil {
		return t, kernel.Table{}, fmt.Errorf("%w: %w", model.ErrItems, err)
	}
	if len(items) == 0 {
		return t, kernel.Table{}, fmt.Errorf("%w: group %q is empty", model.ErrItems, t.Group)
	}

	lo, hi := t.Min, t.Max
	if lo <= 0 {
		lo = 1
	}
	if hi <= 0 {
		hi = len(items)
	}
	if lo > hi || hi > len(items) {
		return t, kernel.Table{}, fmt.Errorf("%w: range %d-%d outside group of %d items", model.ErrItems, lo, hi, len(items))
	}
	items = items[lo-1 : hi]

	var fields []string
	if t.Schema != "" {
		fields, err = r.meta.Schema(ctx, s.user, s.id, t.Group, t.DataAdapter, t.Schema)
		if err != nil {
			return t, kernel.Table{}, fmt.Errorf("%w: %w", model.ErrSchema, err)
		}
		if len(fields) == 0 {
			return t, kernel.Table{}, fmt.Errorf("%w: schema %q is empty", model.ErrSchema, t.Schema)
		}
	}

	grants := make([]throttle.Grant, len(items))
	for i, item := range items {
		if !r.meta.ModePossible(item, t.DataAdapter, t.Mode) || !r.meta.ModeAllowed(s.user, item, t.DataAdapter, t.Mode) {
			return t, kernel.Table{}, fmt.Errorf("%w: %s in %s mode", model.ErrModeNotAllowed, item, t.Mode)
		}
		if t.Selector != "" && !r.meta.SelectorAllowed(s.user, item, t.DataAdapter, t.Selector) {
			return t, kernel.Table{}, fmt.Errorf("%w: %s on %s", model.ErrSelectorNotAllowed, t.Selector, item)
		}
		grants[i] = r.meta.Grant(s.user, item, t.DataAdapter)
	}

	info := t
	info.Min, info.Max = lo, hi
	info.Items = items
	info.Statistics = nil
	return info, kernel.Table{
		WinIndex: t.WinIndex,
		Mode:     t.Mode,
		Adapter:  t.DataAdapter,
		Items:    items,
		Fields:   fields,
		Selector: t.Selector,
		Grants:   grants,
	}, nil
}

// addTable notifies the provider and subscribes the table in the kernel.
func (r *Registry) addTable(ctx context.Context, s *Session, info model.TableInfo, kt kernel.Table) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return model.ErrSessionClosed
	}
	if _, dup := s.tables[info.WinIndex]; dup {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", model.ErrDuplicateWinIndex, info.WinIndex)
	}
	s.mu.Unlock()

	if s.wantsTables {
		err := r.notifyTables(ctx, s, func() error {
			return r.meta.NotifyNewTables(ctx, s.user, s.id, []model.TableInfo{info})
		})
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrNotification, err)
		}
	}

	if err := r.kernel.Subscribe(s.stream, kt); err != nil {
		r.notifyTablesClose(ctx, s, []model.TableInfo{info})
		return err
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		// The session was terminated meanwhile; its close may have missed
		// this table.
		_, _ = r.kernel.Unsubscribe(s.stream, info.WinIndex)
		r.notifyTablesClose(ctx, s, []model.TableInfo{info})
		return model.ErrSessionClosed
	}
	s.tables[info.WinIndex] = info
	s.mu.Unlock()

	r.metrics.TablesChanged(1)
	r.logger.Debug("Table added", "session", s.id, "win", info.WinIndex, "group", info.Group, "mode", info.Mode)
	return nil
}

func (r *Registry) rollback(ctx context.Context, s *Session, added []model.TableInfo) {
	if len(added) == 0 {
		return
	}
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	for _, t := range added {
		delete(s.tables, t.WinIndex)
	}
	s.mu.Unlock()
	r.closeTables(ctx, s, added)
}

// closeTables unsubscribes tables already removed from the session.
func (r *Registry) closeTables(ctx context.Context, s *Session, tables []model.TableInfo) {
	for i := range tables {
		stats, err := r.kernel.Unsubscribe(s.stream, tables[i].WinIndex)
		if err != nil {
			r.logger.Debug("Table already closed", "session", s.id, "win", tables[i].WinIndex, "error", err)
		}
		tables[i].Statistics = stats
	}
	r.metrics.TablesChanged(-len(tables))
	r.notifyTablesClose(ctx, s, tables)
	r.recordTables(ctx, s, tables)
}

// notifyTables runs a table notification, in per-session order when
// configured.
func (r *Registry) notifyTables(ctx context.Context, s *Session, fn func() error) error {
	if r.notifier == nil {
		return fn()
	}
	done := make(chan error, 1)
	r.notifier.Enqueue(s.id, func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", model.ErrCanceled, ctx.Err())
	}
}

func (r *Registry) notifyTablesClose(ctx context.Context, s *Session, tables []model.TableInfo) {
	if !s.wantsTables {
		return
	}
	err := r.notifyTables(ctx, s, func() error {
		return r.meta.NotifyTablesClose(ctx, s.id, tables)
	})
	if err != nil {
		r.logger.Warn("Table close notification failed", "session", s.id, "error", err)
	}
}

func (r *Registry) recordTables(ctx context.Context, s *Session, tables []model.TableInfo) {
	if err := r.store.RecordTables(ctx, s.id, tables); err != nil {
		r.logger.Warn("Failed to record tables", "session", s.id, "error", err)
	}
}
