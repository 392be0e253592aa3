package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/fsnotify/fsnotify"
	"github.com/teambition/rrule-go"

	"github.com/agentworkforce/calsync/internal/calsync"
)

const (
	defaultLocalPastHorizon   = 30 * 24 * time.Hour
	defaultLocalFutureHorizon = 365 * 24 * time.Hour
	defaultLocalGenerations   = 8
	defaultLocalDebounce      = 250 * time.Millisecond
	maxInstancesPerSeries     = 5000
)

type LocalOptions struct {
	// Path is the .ics export of the device calendar.
	Path          string
	CalendarID    string
	CalendarName  string
	CalendarColor string
	// Recurring series are expanded into instances between now-PastHorizon
	// and now+FutureHorizon.
	PastHorizon   time.Duration
	FutureHorizon time.Duration
	// Generations bounds how many snapshots stay resumable by token.
	Generations int
	Debounce    time.Duration
	Logger      calsync.Logger
	Now         func() time.Time
}

// LocalAdapter serves the device calendar from an exported .ics file. Its
// change tokens name an in-memory snapshot generation ("gen-N").
type LocalAdapter struct {
	path          string
	calendarID    string
	calendarName  string
	calendarColor string
	pastHorizon   time.Duration
	futureHorizon time.Duration
	generations   int
	debounce      time.Duration
	logger        calsync.Logger
	now           func() time.Time

	mu        sync.Mutex
	gen       int64
	snapshots map[int64]map[string]snapshotEntry
	order     []int64
}

type snapshotEntry struct {
	hash  string
	start time.Time
}

func NewLocalAdapter(opts LocalOptions) (*LocalAdapter, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: local calendar path is required", calsync.ErrInvalidInput)
	}
	pastHorizon := opts.PastHorizon
	if pastHorizon <= 0 {
		pastHorizon = defaultLocalPastHorizon
	}
	futureHorizon := opts.FutureHorizon
	if futureHorizon <= 0 {
		futureHorizon = defaultLocalFutureHorizon
	}
	generations := opts.Generations
	if generations <= 0 {
		generations = defaultLocalGenerations
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultLocalDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	calendarID := strings.TrimSpace(opts.CalendarID)
	if calendarID == "" {
		calendarID = "local"
	}
	return &LocalAdapter{
		path:          filepath.Clean(path),
		calendarID:    calendarID,
		calendarName:  opts.CalendarName,
		calendarColor: opts.CalendarColor,
		pastHorizon:   pastHorizon,
		futureHorizon: futureHorizon,
		generations:   generations,
		debounce:      debounce,
		logger:        logger,
		now:           now,
		snapshots:     map[int64]map[string]snapshotEntry{},
	}, nil
}

func (a *LocalAdapter) Source() calsync.Source {
	return calsync.SourceLocal
}

func (a *LocalAdapter) FetchAll(ctx context.Context) (calsync.FetchResult, error) {
	events, from, err := a.read(ctx, "fetch all")
	if err != nil {
		return calsync.FetchResult{}, err
	}
	return calsync.FetchResult{Events: events, Token: a.remember(events), CompleteFrom: from}, nil
}

// FetchChanged diffs the file against the snapshot named by token. Events
// that aged out of the past horizon are not reported as deleted.
func (a *LocalAdapter) FetchChanged(ctx context.Context, token string) (calsync.DeltaResult, error) {
	a.mu.Lock()
	previous, ok := a.snapshots[parseGeneration(token)]
	a.mu.Unlock()
	if !ok {
		return calsync.DeltaResult{}, &calsync.ProviderError{Source: a.Source(), Op: "fetch changed", Kind: calsync.ErrTokenExpired}
	}
	events, from, err := a.read(ctx, "fetch changed")
	if err != nil {
		return calsync.DeltaResult{}, err
	}
	var out calsync.DeltaResult
	seen := make(map[string]struct{}, len(events))
	for _, evt := range events {
		seen[evt.ID] = struct{}{}
		if prev, ok := previous[evt.ID]; ok && prev.hash == evt.ContentHash() {
			continue
		}
		out.Events = append(out.Events, evt)
	}
	for id, prev := range previous {
		if _, ok := seen[id]; ok || prev.start.Before(from) {
			continue
		}
		out.DeletedIDs = append(out.DeletedIDs, id)
	}
	sort.Strings(out.DeletedIDs)
	out.Token = a.remember(events)
	return out, nil
}

func (a *LocalAdapter) FetchOne(ctx context.Context, id string) (calsync.UnifiedEvent, error) {
	events, _, err := a.read(ctx, "fetch one")
	if err != nil {
		return calsync.UnifiedEvent{}, err
	}
	for _, evt := range events {
		if evt.ID == id {
			return evt, nil
		}
	}
	return calsync.UnifiedEvent{}, &calsync.ProviderError{Source: a.Source(), Op: "fetch one", Kind: calsync.ErrNotFound}
}

// Watch calls onChange, debounced, whenever the calendar file is written,
// replaced or removed. It blocks until ctx is done.
func (a *LocalAdapter) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Editors and exporters often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(a.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != a.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) && !evt.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(a.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(a.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Printf("local calendar watch error path=%s: %v", a.path, err)
		case <-fire:
			fire = nil
			onChange()
		}
	}
}

func (a *LocalAdapter) remember(events []calsync.UnifiedEvent) string {
	snapshot := make(map[string]snapshotEntry, len(events))
	for _, evt := range events {
		snapshot[evt.ID] = snapshotEntry{hash: evt.ContentHash(), start: evt.Start}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	a.snapshots[a.gen] = snapshot
	a.order = append(a.order, a.gen)
	for len(a.order) > a.generations {
		delete(a.snapshots, a.order[0])
		a.order = a.order[1:]
	}
	return "gen-" + strconv.FormatInt(a.gen, 10)
}

func parseGeneration(token string) int64 {
	raw, ok := strings.CutPrefix(strings.TrimSpace(token), "gen-")
	if !ok {
		return 0
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return gen
}

type localComponent struct {
	uid         string
	summary     string
	description string
	location    string
	organizer   string
	start       time.Time
	end         time.Time
	allDay      bool
	rawRRule    string
	exDates     []time.Time
	recurrence  *time.Time
	updated     time.Time
}

// read parses the file and returns its events with the start of the past
// horizon. Recurring instances before that instant are not expanded.
func (a *LocalAdapter) read(ctx context.Context, op string) ([]calsync.UnifiedEvent, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	body, err := os.ReadFile(a.path)
	if err != nil {
		kind := calsync.ErrNetwork
		if errors.Is(err, os.ErrNotExist) {
			kind = calsync.ErrNotFound
		}
		return nil, time.Time{}, &calsync.ProviderError{Source: a.Source(), Op: op, Kind: kind, Err: err}
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, time.Time{}, &calsync.ProviderError{Source: a.Source(), Op: op, Kind: calsync.ErrMalformedPayload, Err: err}
	}

	var (
		bases     []localComponent
		overrides = map[string][]localComponent{}
	)
	for _, ve := range cal.Events() {
		comp, ok := a.parseComponent(ve)
		if !ok {
			continue
		}
		if comp.recurrence != nil {
			overrides[comp.uid] = append(overrides[comp.uid], comp)
			continue
		}
		bases = append(bases, comp)
	}

	now := a.now().UTC()
	from, to := now.Add(-a.pastHorizon), now.Add(a.futureHorizon)
	var out []calsync.UnifiedEvent
	for _, base := range bases {
		if base.rawRRule == "" {
			out = append(out, a.toUnified(base, base.uid))
			continue
		}
		out = append(out, a.expand(base, overrides[base.uid], from, to)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, from, nil
}

func (a *LocalAdapter) parseComponent(ve *ical.VEvent) (localComponent, bool) {
	var comp localComponent
	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		a.logger.Printf("local calendar event without uid skipped path=%s", a.path)
		return comp, false
	}
	if status := ve.GetProperty(ical.ComponentPropertyStatus); status != nil && strings.EqualFold(status.Value, "CANCELLED") {
		return comp, false
	}
	comp.uid = strings.TrimSpace(uid.Value)
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		comp.summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		comp.description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		comp.location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyOrganizer); p != nil {
		comp.organizer = strings.TrimPrefix(p.Value, "mailto:")
		if cn, ok := p.ICalParameters["CN"]; ok && len(cn) > 0 && cn[0] != "" {
			comp.organizer = cn[0]
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		a.logger.Printf("local calendar event without dtstart skipped uid=%s", comp.uid)
		return comp, false
	}
	comp.allDay = !strings.Contains(dtStart.Value, "T")
	if vs, ok := dtStart.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		comp.allDay = true
	}
	start, err := ve.GetStartAt()
	if err != nil {
		start, err = parseICSTime(dtStart.Value, tzidOf(dtStart))
		if err != nil {
			a.logger.Printf("local calendar event with bad dtstart skipped uid=%s: %v", comp.uid, err)
			return comp, false
		}
	}
	comp.start = start
	comp.end = start
	if comp.allDay {
		comp.end = start.AddDate(0, 0, 1)
	}
	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		if end, err := ve.GetEndAt(); err == nil {
			comp.end = end
		} else if end, err := parseICSTime(dtEnd.Value, tzidOf(dtEnd)); err == nil {
			comp.end = end
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		comp.rawRRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, tzidOf(p)); err == nil {
				comp.exDates = append(comp.exDates, t)
			}
		}
	}
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value, tzidOf(p)); err == nil {
			comp.recurrence = &t
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyLastModified); p != nil {
		if t, err := parseICSTime(p.Value, ""); err == nil {
			comp.updated = t
		}
	}
	return comp, true
}

func (a *LocalAdapter) expand(base localComponent, overrides []localComponent, from, to time.Time) []calsync.UnifiedEvent {
	rule, err := rrule.StrToRRule(base.rawRRule)
	if err != nil {
		a.logger.Printf("local calendar rrule rejected uid=%s rrule=%q: %v", base.uid, base.rawRRule, err)
		return nil
	}
	rule.DTStart(base.start)
	var set rrule.Set
	set.RRule(rule)
	for _, ex := range base.exDates {
		set.ExDate(ex.In(base.start.Location()))
	}
	starts := set.Between(from.In(base.start.Location()), to.In(base.start.Location()), true)
	if len(starts) > maxInstancesPerSeries {
		a.logger.Printf("local calendar series truncated uid=%s instances=%d", base.uid, len(starts))
		starts = starts[:maxInstancesPerSeries]
	}
	duration := base.end.Sub(base.start)
	out := make([]calsync.UnifiedEvent, 0, len(starts))
	for _, start := range starts {
		instance := base
		instance.start = start
		instance.end = start.Add(duration)
		for _, ov := range overrides {
			if ov.recurrence.Equal(start) {
				instance = ov
				break
			}
		}
		out = append(out, a.toUnified(instance, base.uid+"@"+start.UTC().Format("20060102T150405Z")))
	}
	return out
}

func (a *LocalAdapter) toUnified(comp localComponent, id string) calsync.UnifiedEvent {
	end := comp.end
	if end.Before(comp.start) {
		end = comp.start
	}
	return calsync.UnifiedEvent{
		ID:            id,
		Source:        calsync.SourceLocal,
		Title:         comp.summary,
		Start:         comp.start.UTC(),
		End:           end.UTC(),
		AllDay:        comp.allDay,
		Location:      comp.location,
		Description:   comp.description,
		Organizer:     comp.organizer,
		CalendarID:    a.calendarID,
		CalendarName:  a.calendarName,
		CalendarColor: a.calendarColor,
		UpdatedAt:     comp.updated.UTC(),
	}
}

func tzidOf(p *ical.IANAProperty) string {
	if p == nil {
		return ""
	}
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) > 0 {
		return tz[0]
	}
	return ""
}

// parseICSTime reads DATE, floating DATE-TIME and UTC DATE-TIME values.
func parseICSTime(raw, tzid string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(raw, "Z") {
		return time.Parse("20060102T150405Z", raw)
	}
	loc := time.UTC
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	if strings.Contains(raw, "T") {
		return time.ParseInLocation("20060102T150405", raw, loc)
	}
	return time.ParseInLocation("20060102", raw, loc)
}
