package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"panchcal/internal/compute"
	"panchcal/internal/location"
	appLog "panchcal/internal/log"
	"panchcal/internal/model"
	"panchcal/internal/store"
)

// LocationResolver is satisfied by *location.Resolver.
type LocationResolver interface {
	Resolve(ctx context.Context) (model.GeoLocation, error)
}

// Computer is satisfied by *compute.Client.
type Computer interface {
	Compute(ctx context.Context, req model.ComputationRequest) (*compute.RawResponse, error)
}

// StateStore persists the last-known-good state. *store.FileStore
// implements it.
type StateStore interface {
	Load() (store.State, error)
	Save(st store.State) error
}

// Options configures an Orchestrator. Resolver, Notifier and Store are
// optional.
type Options struct {
	Resolver        LocationResolver
	Client          Computer
	DefaultLocation model.GeoLocation
	Notifier        Notifier
	Store           StateStore
	// RecentLimit bounds the recent-locations list (default 5).
	RecentLimit int
	// Now is the clock used for the initial selection and timestamps.
	Now func() time.Time
}

// Orchestrator sequences location resolution, computation and
// normalization, and owns the published result. All methods are safe for
// concurrent use; a new cycle cancels the one in flight.
type Orchestrator struct {
	resolver LocationResolver
	client   Computer
	notifier Notifier
	store    StateStore
	def      model.GeoLocation
	now      func() time.Time

	mu        sync.RWMutex
	state     State
	outcome   State
	location  *model.GeoLocation
	date      time.Time
	clock     string
	result    *model.PanchangaResult
	planets   []model.PlanetPosition
	chart     *model.ChartImage
	note      *Notification
	resultID  string
	activeID  string
	updatedAt time.Time
	gen       uint64
	cancel    context.CancelFunc
	recent    *lru.Cache[string, model.GeoLocation]

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// New builds an Orchestrator and restores persisted state when a store is
// configured. The initial selection is the current date and time.
func New(opts Options) (*Orchestrator, error) {
	if opts.Client == nil {
		return nil, errors.New("orchestrator: computation client is nil")
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	recent, err := lru.New[string, model.GeoLocation](opts.RecentLimit)
	if err != nil {
		return nil, err
	}

	now := opts.Now()
	o := &Orchestrator{
		resolver: opts.Resolver,
		client:   opts.Client,
		notifier: opts.Notifier,
		store:    opts.Store,
		def:      opts.DefaultLocation,
		now:      opts.Now,
		date:     now,
		clock:    now.Format("15:04"),
		recent:   recent,
		subs:     make(map[int]chan Snapshot),
	}
	o.restore()
	return o, nil
}

func (o *Orchestrator) restore() {
	if o.store == nil {
		return
	}
	st, err := o.store.Load()
	if err != nil {
		appLog.Error("state restore failed", err)
		return
	}

	// Stored newest first; the LRU wants oldest first.
	for i := len(st.Recent) - 1; i >= 0; i-- {
		o.recent.Add(st.Recent[i].Key(), st.Recent[i])
	}
	o.location = st.Location
	o.result = st.Result
	o.planets = st.Planets
	o.chart = st.Chart
	o.resultID = st.CycleID
	o.updatedAt = st.SavedAt
	if st.Result != nil {
		o.outcome = Ready
	}
	appLog.Info("state restored",
		"has_location", st.Location != nil,
		"has_result", st.Result != nil,
		"recent", len(st.Recent),
	)
}

// Startup runs the startup cycle: it always resolves the current location
// first and falls back to the default location when positioning is
// unavailable.
func (o *Orchestrator) Startup(ctx context.Context) (Snapshot, error) {
	return o.run(ctx, true)
}

// RunCycle is the manual trigger. It requires a current location and
// reports ErrMissingLocation without any network call otherwise.
func (o *Orchestrator) RunCycle(ctx context.Context) (Snapshot, error) {
	return o.run(ctx, false)
}

func (o *Orchestrator) run(parent context.Context, startup bool) (Snapshot, error) {
	// A manual trigger without a location must not supersede a cycle that
	// may still be resolving one.
	if !startup {
		if _, ok := o.Location(); !ok {
			o.deliver(Notification{Level: LevelError, Message: MissingLocationMessage, At: o.now().UTC()})
			return o.Snapshot(), ErrMissingLocation
		}
	}

	ctx, gen, id := o.begin(parent)
	defer o.end(gen)

	if startup {
		if !o.transition(gen, LocationPending) {
			return o.Snapshot(), ErrSuperseded
		}
		loc, err := o.resolve(ctx)
		loc, fellBack, err := location.OrDefault(loc, err, o.def)
		if err != nil {
			return o.Snapshot(), o.abandon(gen, id, err)
		}
		if fellBack {
			appLog.Warn("location unavailable; using default location", "cycle", id, "city", loc.City)
		}
		if !o.adoptLocation(gen, loc) {
			return o.Snapshot(), ErrSuperseded
		}
	}

	o.mu.RLock()
	current := o.location
	date, clock := o.date, o.clock
	o.mu.RUnlock()

	if current == nil {
		o.notify(gen, LevelError, MissingLocationMessage, id)
		return o.Snapshot(), ErrMissingLocation
	}
	loc := *current

	instant, err := CombineDateTime(date, clock, loc.Zone())
	if err != nil {
		o.notify(gen, LevelError, err.Error(), id)
		return o.Snapshot(), err
	}

	if !o.transition(gen, Computing) {
		return o.Snapshot(), ErrSuperseded
	}

	appLog.Info("cycle computing", "cycle", id, "instant", instant.Format(time.RFC3339), "city", loc.City)
	raw, err := o.client.Compute(ctx, model.ComputationRequest{Instant: instant, Location: loc})
	if err != nil {
		if ctx.Err() != nil {
			return o.Snapshot(), o.abandon(gen, id, ctx.Err())
		}
		msg := compute.DefaultFailureMessage
		var cerr *compute.Error
		if errors.As(err, &cerr) && cerr.Message != "" {
			msg = cerr.Message
		}
		appLog.Error("cycle failed", err, "cycle", id)
		if o.transition(gen, Error) {
			o.notify(gen, LevelError, msg, id)
		}
		return o.Snapshot(), err
	}

	res := compute.Normalize(raw)
	if !o.publish(gen, id, res, compute.Planets(raw), compute.Chart(raw)) {
		return o.Snapshot(), ErrSuperseded
	}
	o.notify(gen, LevelSuccess, SuccessMessage, id)
	o.persist()

	appLog.Info("cycle ready", "cycle", id, "tithi", res.Tithi())
	return o.Snapshot(), nil
}

func (o *Orchestrator) resolve(ctx context.Context) (model.GeoLocation, error) {
	if o.resolver == nil {
		return model.GeoLocation{}, location.ErrLocationUnavailable
	}
	return o.resolver.Resolve(ctx)
}

// begin starts a new generation and cancels the previous cycle.
func (o *Orchestrator) begin(parent context.Context) (context.Context, uint64, string) {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	o.mu.Lock()
	if o.cancel != nil {
		appLog.Debug("cancelling in-flight cycle", "cycle", o.activeID)
		o.cancel()
	}
	o.gen++
	gen := o.gen
	o.cancel = cancel
	o.activeID = id
	o.mu.Unlock()

	return ctx, gen, id
}

// end returns the machine to Idle unless a newer cycle owns it.
func (o *Orchestrator) end(gen uint64) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.cancel()
	o.cancel = nil
	o.activeID = ""
	o.state = Idle
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.broadcast(snap)
}

// abandon handles a cancelled cycle. A superseded cycle stays silent.
func (o *Orchestrator) abandon(gen uint64, id string, err error) error {
	o.mu.RLock()
	superseded := o.gen != gen
	o.mu.RUnlock()
	if superseded {
		appLog.Debug("cycle superseded", "cycle", id)
		return ErrSuperseded
	}
	appLog.Warn("cycle cancelled", "cycle", id, "err", err)
	o.transition(gen, Error)
	return err
}

func (o *Orchestrator) transition(gen uint64, s State) bool {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return false
	}
	o.state = s
	if s == Ready || s == Error {
		o.outcome = s
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.broadcast(snap)
	return true
}

func (o *Orchestrator) adoptLocation(gen uint64, loc model.GeoLocation) bool {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return false
	}
	o.location = &loc
	o.recent.Add(loc.Key(), loc)
	o.mu.Unlock()
	return true
}

// publish is the single writer of the result slots. Result, planets and
// chart are replaced together.
func (o *Orchestrator) publish(gen uint64, id string, res model.PanchangaResult, planets []model.PlanetPosition, chart *model.ChartImage) bool {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return false
	}
	o.result = &res
	o.planets = planets
	o.chart = chart
	o.resultID = id
	o.updatedAt = o.now().UTC()
	o.state = Ready
	o.outcome = Ready
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.broadcast(snap)
	return true
}

// notify records and delivers a notification unless the cycle was superseded.
func (o *Orchestrator) notify(gen uint64, level Level, msg, id string) {
	o.mu.RLock()
	stale := o.gen != gen
	o.mu.RUnlock()
	if stale {
		return
	}
	o.deliver(Notification{Level: level, Message: msg, CycleID: id, At: o.now().UTC()})
}

func (o *Orchestrator) deliver(n Notification) {
	o.mu.Lock()
	o.note = &n
	o.mu.Unlock()

	o.notifier.Notify(n)
}

func (o *Orchestrator) persist() {
	if o.store == nil {
		return
	}
	o.mu.RLock()
	st := store.State{
		Location: o.location,
		Recent:   o.recentLocked(),
		Result:   o.result,
		Planets:  o.planets,
		Chart:    o.chart,
		CycleID:  o.resultID,
		SavedAt:  o.updatedAt,
	}
	o.mu.RUnlock()

	if err := o.store.Save(st); err != nil {
		appLog.Error("state save failed", err)
	}
}

// SetLocation replaces the current location and records it in the recent
// list. It does not start a cycle.
func (o *Orchestrator) SetLocation(loc model.GeoLocation) error {
	if err := loc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSelection, err)
	}
	o.mu.Lock()
	o.location = &loc
	o.recent.Add(loc.Key(), loc)
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.broadcast(snap)
	o.persist()
	return nil
}

// SetDate selects the calendar date; only its year, month and day are used.
func (o *Orchestrator) SetDate(date time.Time) error {
	if date.IsZero() {
		return fmt.Errorf("%w: empty date", ErrInvalidSelection)
	}
	o.mu.Lock()
	o.date = date
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.broadcast(snap)
	return nil
}

// SetTime selects the time of day as "HH:MM".
func (o *Orchestrator) SetTime(hhmm string) error {
	hour, minute, err := ParseClock(hhmm)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.clock = fmt.Sprintf("%02d:%02d", hour, minute)
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.broadcast(snap)
	return nil
}

// Location returns the current location, if any.
func (o *Orchestrator) Location() (model.GeoLocation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.location == nil {
		return model.GeoLocation{}, false
	}
	return *o.location, true
}

// Selection returns the selected date and "HH:MM" time.
func (o *Orchestrator) Selection() (time.Time, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.date, o.clock
}

// RecentLocations lists recently used locations, most recent first.
func (o *Orchestrator) RecentLocations() []model.GeoLocation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.recentLocked()
}

func (o *Orchestrator) recentLocked() []model.GeoLocation {
	keys := o.recent.Keys()
	out := make([]model.GeoLocation, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if loc, ok := o.recent.Peek(keys[i]); ok {
			out = append(out, loc)
		}
	}
	return out
}

// Busy reports whether a cycle is running.
func (o *Orchestrator) Busy() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.Busy()
}

// Snapshot returns a copy of the published state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		State:       o.state,
		Outcome:     o.outcome,
		Busy:        o.state.Busy(),
		CycleID:     o.resultID,
		ActiveCycle: o.activeID,
		Date:        o.date.Format(DateLayout),
		Time:        o.clock,
		Result:      o.result,
		Planets:     o.planets,
		Chart:       o.chart,
		UpdatedAt:   o.updatedAt,
	}
	if o.location != nil {
		loc := *o.location
		s.Location = &loc
	}
	if o.note != nil {
		n := *o.note
		s.Notification = &n
	}
	return s
}

// Subscribe returns a channel receiving a Snapshot after every state change
// and a func that ends the subscription. Slow readers only miss
// intermediate snapshots; the latest one is always delivered.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	o.subsMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subsMu.Lock()
			delete(o.subs, id)
			close(ch)
			o.subsMu.Unlock()
		})
	}
}

func (o *Orchestrator) broadcast(s Snapshot) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- s:
		default:
			// Drop the oldest pending snapshot to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
