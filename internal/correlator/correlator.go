// Package correlator 按 till 与时间窗口关联 POS 与摄像头事件，产出 UNDERSCAN 告警。
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"lossguard/internal/audit"
	"lossguard/internal/config"
	"lossguard/internal/logger"
	"lossguard/internal/models"
)

// ErrAlertNotFound 告警不存在。
var ErrAlertNotFound = errors.New("correlator: alert not found")

// Result 一次 Ingest 的结果；Alert 为 nil 表示未产生或更新告警。
type Result struct {
	Alert     *models.Alert
	Created   bool
	Escalated bool // 已有 OPEN 告警严重程度上升
}

// Stats 关联统计。
type Stats struct {
	Ingested       int64                     `json:"ingested"`
	Duplicates     int64                     `json:"duplicates"`
	Expired        int64                     `json:"expired"`
	Paired         int64                     `json:"paired"`
	BelowThreshold int64                     `json:"below_threshold"`
	AlertsRaised   int64                     `json:"alerts_raised"`
	AlertsUpdated  int64                     `json:"alerts_updated"`
	Tills          int                       `json:"tills"`
	Open           map[models.Severity]int   `json:"open"`
	Resolved       map[models.Severity]int64 `json:"resolved"`
}

type counters struct {
	ingested, duplicates, expired, paired, below, raised, updated atomic.Int64
	resolvedLow, resolvedMedium, resolvedHigh                     atomic.Int64
}

func (c *counters) resolved(s models.Severity) *atomic.Int64 {
	switch s {
	case models.SeverityHigh:
		return &c.resolvedHigh
	case models.SeverityMedium:
		return &c.resolvedMedium
	}
	return &c.resolvedLow
}

// Correlator 每个 till 一份状态（arena），arena 的 mu 只保护 till 的查找与插入。
type Correlator struct {
	cfg   config.CorrelatorConfig
	store AlertStore
	rec   audit.Appender
	log   logger.Logger
	now   func() time.Time

	mu    sync.RWMutex
	tills map[string]*tillState

	// idxMu 独立于 mu：持有 till 锁时只会再取 idxMu，Sweep 则按 mu -> till 顺序加锁。
	idxMu sync.Mutex
	index map[string]string // OPEN alert_id -> till_id

	stats counters
}

// Option Correlator 可选项。
type Option func(*Correlator)

// WithStore 告警持久化；缺省为内存。
func WithStore(s AlertStore) Option { return func(c *Correlator) { c.store = s } }

// WithRecorder 告警状态变化先写审计，成功后才生效。
func WithRecorder(r audit.Appender) Option { return func(c *Correlator) { c.rec = r } }

// WithLogger 注入日志。
func WithLogger(l logger.Logger) Option { return func(c *Correlator) { c.log = l } }

// WithClock 注入时钟（测试用）。
func WithClock(now func() time.Time) Option { return func(c *Correlator) { c.now = now } }

// New 创建 Correlator；cfg 中为零的阈值取默认值。
func New(cfg config.CorrelatorConfig, opts ...Option) *Correlator {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.7
	}
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = 0.9
	}
	if cfg.MinDelta <= 0 {
		cfg.MinDelta = 1
	}
	if cfg.IdleTillTTL <= 0 {
		cfg.IdleTillTTL = 10 * cfg.Window
	}
	c := &Correlator{
		cfg:   cfg,
		store: NewMemoryStore(),
		log:   logger.NewNop(),
		now:   time.Now,
		tills: make(map[string]*tillState),
		index: make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ingest 接收一条事件，返回产生或更新的告警；未配对、重复或未达阈值时返回 nil, nil。
func (c *Correlator) Ingest(ctx context.Context, ev models.Event) (*models.Alert, error) {
	res, err := c.IngestDetailed(ctx, ev)
	if err != nil {
		return nil, err
	}
	return res.Alert, nil
}

// IngestDetailed 同 Ingest，另外给出告警是新建还是升级。
func (c *Correlator) IngestDetailed(ctx context.Context, ev models.Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	ctx = logger.WithTillID(ctx, ev.TillID)
	c.stats.ingested.Inc()

	for {
		t := c.till(ev.TillID)
		t.mu.Lock()
		if t.evicted {
			t.mu.Unlock()
			continue
		}
		res, err := c.ingestLocked(ctx, t, ev)
		t.mu.Unlock()
		return res, err
	}
}

func (c *Correlator) till(id string) *tillState {
	c.mu.RLock()
	t, ok := c.tills[id]
	c.mu.RUnlock()
	if ok {
		return t
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok = c.tills[id]; !ok {
		t = newTillState(id)
		c.tills[id] = t
	}
	return t
}

func (c *Correlator) ingestLocked(ctx context.Context, t *tillState, ev models.Event) (Result, error) {
	now := c.now()
	t.lastSeen = now
	if n := t.evictLocked(now.Add(-c.cfg.Window), now.Add(-2*c.cfg.Window)); n > 0 {
		c.stats.expired.Add(int64(n))
		c.log.Debugf(ctx, "[correlator] dropped %d unmatched events past window", n)
	}
	if _, dup := t.seen[ev.EventID]; dup {
		c.stats.duplicates.Inc()
		c.log.Debugf(ctx, "[correlator] duplicate event ignored: %s", ev.EventID)
		return Result{}, nil
	}

	// 配对只在审计成功（或低于阈值无需审计）后才消费对端事件并登记去重。
	var pos, cam *models.Event
	var take func()
	switch ev.Type {
	case models.EventPOS:
		i := closest(t.camera, ev.Timestamp, c.cfg.Window)
		if i < 0 {
			t.seen[ev.EventID] = now
			t.pos = append(t.pos, buffered{ev: ev, receivedAt: now})
			return Result{}, nil
		}
		match := t.camera[i].ev
		pos, cam = &ev, &match
		take = func() { t.camera = removeAt(t.camera, i) }
	case models.EventCamera:
		i := closest(t.pos, ev.Timestamp, c.cfg.Window)
		if i < 0 {
			t.seen[ev.EventID] = now
			t.camera = append(t.camera, buffered{ev: ev, receivedAt: now})
			return Result{}, nil
		}
		match := t.pos[i].ev
		pos, cam = &match, &ev
		take = func() { t.pos = removeAt(t.pos, i) }
	default:
		return Result{}, fmt.Errorf("%w: type %q", models.ErrMalformedEvent, ev.Type)
	}
	commit := func() {
		take()
		t.seen[ev.EventID] = now
		c.stats.paired.Inc()
	}

	scanned, bagged := pos.Scanned(), cam.Bagged()
	delta := bagged - scanned
	conf := cam.Confidence()
	if delta < c.cfg.MinDelta || conf < c.cfg.MinConfidence {
		commit()
		c.stats.below.Inc()
		c.log.Debugf(ctx, "[correlator] pair below threshold: delta=%d confidence=%.3f", delta, conf)
		return Result{}, nil
	}
	sev := models.SeverityMedium
	if conf >= c.cfg.HighConfidence {
		sev = models.SeverityHigh
	}
	details := models.AlertDetails{Scanned: scanned, Bagged: bagged, Delta: delta, Confidence: conf}
	res, err := c.raiseLocked(ctx, t, pos, cam, sev, details, now)
	if err != nil {
		return Result{}, err
	}
	commit()
	return res, nil
}

// raiseLocked 新建或更新 (till, UNDERSCAN) 的 OPEN 告警；审计写入失败则不做任何变更。
func (c *Correlator) raiseLocked(ctx context.Context, t *tillState, pos, cam *models.Event, sev models.Severity, d models.AlertDetails, now time.Time) (Result, error) {
	prev := t.open[models.AlertUnderscan]
	var next models.Alert
	event := models.AuditAlertRaised
	if prev != nil {
		next = *prev
		next.Revision++
		if sev.Rank() > next.Severity.Rank() {
			next.Severity = sev
		}
		event = models.AuditAlertUpdated
	} else {
		next = models.Alert{
			ID:       uuid.New().String(),
			TillID:   t.id,
			Type:     models.AlertUnderscan,
			Severity: sev,
			Status:   models.AlertOpen,
			Revision: 1,
		}
	}
	next.TS = now.UTC()
	next.Details = d
	next.CameraID = cam.CameraID
	next.StoreID = firstNonEmpty(pos.StoreID, cam.StoreID, next.StoreID)
	next.POSEventID = pos.EventID
	next.CameraEventID = cam.EventID

	if err := c.record(ctx, event, &next); err != nil {
		return Result{}, err
	}
	c.persist(ctx, &next)
	t.open[models.AlertUnderscan] = &next
	res := Result{Alert: copyAlert(&next)}
	if prev == nil {
		c.idxMu.Lock()
		c.index[next.ID] = t.id
		c.idxMu.Unlock()
		c.stats.raised.Inc()
		res.Created = true
		c.log.Infof(ctx, "[correlator] alert raised: id=%s severity=%s delta=%d confidence=%.3f", next.ID, next.Severity, d.Delta, d.Confidence)
	} else {
		c.stats.updated.Inc()
		res.Escalated = next.Severity.Rank() > prev.Severity.Rank()
		c.log.Infof(ctx, "[correlator] alert updated: id=%s revision=%d severity=%s delta=%d", next.ID, next.Revision, next.Severity, d.Delta)
	}
	return res, nil
}

func (c *Correlator) record(ctx context.Context, event models.AuditEvent, a *models.Alert) error {
	if c.rec == nil {
		return nil
	}
	if _, err := c.rec.Append(ctx, event, models.AlertPayload{Alert: *a}); err != nil {
		return fmt.Errorf("correlator: audit %s: %w", event, err)
	}
	return nil
}

// persist 审计已落盘，存储失败只告警；重启后以审计为准。
func (c *Correlator) persist(ctx context.Context, a *models.Alert) {
	if err := c.store.Put(ctx, a); err != nil {
		c.log.Warnf(ctx, "[correlator] alert store put failed (id=%s): %v", a.ID, err)
	}
}

// Resolve 将 OPEN 告警置为 RESOLVED；已 RESOLVED 直接返回当前告警。
func (c *Correlator) Resolve(ctx context.Context, alertID, by string) (*models.Alert, error) {
	c.idxMu.Lock()
	tillID, ok := c.index[alertID]
	c.idxMu.Unlock()
	var t *tillState
	if ok {
		c.mu.RLock()
		t = c.tills[tillID]
		c.mu.RUnlock()
	}

	if t != nil {
		t.mu.Lock()
		for typ, a := range t.open {
			if a.ID != alertID {
				continue
			}
			next := *a
			at := c.now().UTC()
			next.Status = models.AlertResolved
			next.ResolvedAt = &at
			next.ResolvedBy = by
			if err := c.record(ctx, models.AuditAlertResolved, &next); err != nil {
				t.mu.Unlock()
				return nil, err
			}
			c.persist(ctx, &next)
			delete(t.open, typ)
			t.mu.Unlock()

			c.idxMu.Lock()
			delete(c.index, alertID)
			c.idxMu.Unlock()
			c.stats.resolved(next.Severity).Inc()
			c.log.Infof(logger.WithTillID(ctx, next.TillID), "[correlator] alert resolved: id=%s by=%s", alertID, by)
			return copyAlert(&next), nil
		}
		t.mu.Unlock()
	}

	a, err := c.store.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a == nil || a.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	return a, nil
}

// OpenAlerts 返回 OPEN 告警；tillID 为空返回全部，按 ts 升序。
func (c *Correlator) OpenAlerts(tillID string) []*models.Alert {
	c.mu.RLock()
	var tills []*tillState
	if tillID != "" {
		if t, ok := c.tills[tillID]; ok {
			tills = append(tills, t)
		}
	} else {
		tills = make([]*tillState, 0, len(c.tills))
		for _, t := range c.tills {
			tills = append(tills, t)
		}
	}
	c.mu.RUnlock()

	var out []*models.Alert
	for _, t := range tills {
		t.mu.Lock()
		for _, a := range t.open {
			out = append(out, copyAlert(a))
		}
		t.mu.Unlock()
	}
	sortAlerts(out)
	return out
}

// Restore 从告警存储读回 OPEN 告警；同一 (till, type) 有多条时保留最新一条。
func (c *Correlator) Restore(ctx context.Context) (int, error) {
	alerts, err := c.store.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range alerts {
		t := c.till(a.TillID)
		t.mu.Lock()
		if cur, ok := t.open[a.Type]; ok && !a.TS.After(cur.TS) {
			t.mu.Unlock()
			continue
		}
		old := t.open[a.Type]
		t.open[a.Type] = a
		if t.lastSeen.IsZero() {
			t.lastSeen = c.now()
		}
		t.mu.Unlock()

		c.idxMu.Lock()
		if old != nil {
			delete(c.index, old.ID)
		} else {
			n++
		}
		c.index[a.ID] = a.TillID
		c.idxMu.Unlock()
	}
	c.log.Infof(ctx, "[correlator] restored %d open alerts", n)
	return n, nil
}

// Run 周期回收空闲 till；SweepInterval 为 0 时直接返回。
func (c *Correlator) Run(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debugf(ctx, "[correlator] evicted %d idle tills", n)
			}
		}
	}
}

// Sweep 淘汰过期缓冲并移除空闲 till，返回移除的 till 数。
func (c *Correlator) Sweep() int {
	now := c.now()
	idleCutoff := now.Add(-c.cfg.IdleTillTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, t := range c.tills {
		t.mu.Lock()
		if n := t.evictLocked(now.Add(-c.cfg.Window), now.Add(-2*c.cfg.Window)); n > 0 {
			c.stats.expired.Add(int64(n))
		}
		if t.idleLocked(idleCutoff) {
			t.evicted = true
			delete(c.tills, id)
			removed++
		}
		t.mu.Unlock()
	}
	return removed
}

// Stats 返回计数快照与当前 OPEN 告警按严重程度分布。
func (c *Correlator) Stats() Stats {
	s := Stats{
		Ingested:       c.stats.ingested.Load(),
		Duplicates:     c.stats.duplicates.Load(),
		Expired:        c.stats.expired.Load(),
		Paired:         c.stats.paired.Load(),
		BelowThreshold: c.stats.below.Load(),
		AlertsRaised:   c.stats.raised.Load(),
		AlertsUpdated:  c.stats.updated.Load(),
		Open:           make(map[models.Severity]int),
		Resolved: map[models.Severity]int64{
			models.SeverityLow:    c.stats.resolvedLow.Load(),
			models.SeverityMedium: c.stats.resolvedMedium.Load(),
			models.SeverityHigh:   c.stats.resolvedHigh.Load(),
		},
	}
	c.mu.RLock()
	s.Tills = len(c.tills)
	c.mu.RUnlock()
	for _, a := range c.OpenAlerts("") {
		s.Open[a.Severity]++
	}
	return s
}

func copyAlert(a *models.Alert) *models.Alert {
	cp := *a
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
