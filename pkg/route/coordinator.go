package route

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/metrics"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/presence"
	"go.uber.org/zap"
)

// Status is the lifecycle of a route request.
type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
	StatusSuperseded
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSuperseded:
		return "superseded"
	}
	return "unknown"
}

// Request is one call to the routing service.
type Request struct {
	ID     uint64
	Start  Coordinate
	End    Coordinate
	Status Status
}

// State is what a map view needs to draw the selected route.
type State struct {
	TargetID  string
	RequestID uint64
	Loading   bool
	// Route is the payload of the latest successful request, or nil.
	Route json.RawMessage
	// Unavailable is set when the latest request failed.
	Unavailable bool
}

func (s State) equal(o State) bool {
	return s.TargetID == o.TargetID &&
		s.RequestID == o.RequestID &&
		s.Loading == o.Loading &&
		s.Unavailable == o.Unavailable &&
		bytes.Equal(s.Route, o.Route)
}

// Coordinator keeps a route between this member and a selected target up to
// date as either of them moves. Only the latest request may change the
// state; a newer request supersedes every earlier one.
type Coordinator struct {
	log     *zap.Logger
	service Service
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	selfID   string
	targetID string
	roster   presence.Roster
	nextID   uint64
	latest   Request
	live     bool
	state    State

	handlers    map[int]func(State)
	nextHandler int
	pending     []State
	draining    bool
}

// NewCoordinator creates a coordinator calling service, giving each request
// at most timeout to complete.
func NewCoordinator(log *zap.Logger, service Service, timeout time.Duration) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:      log,
		service:  service,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[int]func(State)),
	}
}

// SetSelf sets which roster member is the route's start. Without it the
// member marked IsMe is used.
func (c *Coordinator) SetSelf(id string) {
	c.mu.Lock()
	before := c.state
	if !c.closed && c.selfID != id {
		c.selfID = id
		c.evaluateLocked(false)
	}
	c.unlockAndNotify(before)
}

// Select makes targetID the route's destination and requests a fresh route,
// even when the target is already selected.
func (c *Coordinator) Select(targetID string) {
	c.mu.Lock()
	before := c.state
	if !c.closed {
		c.targetID = targetID
		c.evaluateLocked(true)
	}
	c.unlockAndNotify(before)
}

// ClearSelection drops the target and any route to it.
func (c *Coordinator) ClearSelection() {
	c.Select("")
}

// UpdateRoster re-evaluates the route against a new roster. A request is
// issued only when this member or the target has moved.
func (c *Coordinator) UpdateRoster(roster presence.Roster) {
	c.mu.Lock()
	before := c.state
	if !c.closed {
		c.roster = roster
		c.evaluateLocked(false)
	}
	c.unlockAndNotify(before)
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Latest returns the most recently issued request.
func (c *Coordinator) Latest() (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.latest.ID != 0
}

// OnChange registers handler for every state change. Handlers run one at a
// time in the order the changes happened. The returned function unregisters
// the handler.
func (c *Coordinator) OnChange(handler func(State)) func() {
	c.mu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// Close supersedes any request in flight, cancels every outstanding call and
// waits for them to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.supersedeLocked()
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
}

// evaluateLocked issues a request when both endpoints are known and either
// force is set or an endpoint moved since the latest request. Otherwise the
// route is cleared.
func (c *Coordinator) evaluateLocked(force bool) {
	start, end, ok := c.endpointsLocked()
	if !ok {
		c.supersedeLocked()
		c.live = false
		c.state = State{TargetID: c.targetID, RequestID: c.state.RequestID}
		return
	}
	if !force && c.live && c.latest.Start == start && c.latest.End == end {
		return
	}
	c.issueLocked(start, end)
}

func (c *Coordinator) endpointsLocked() (start, end Coordinate, ok bool) {
	if c.targetID == "" {
		return start, end, false
	}
	var self presence.Member
	if c.selfID != "" {
		self, ok = c.roster.Find(c.selfID)
	} else {
		self, ok = c.roster.Self()
	}
	if !ok || !self.Located || self.ID == c.targetID {
		return start, end, false
	}
	target, ok := c.roster.Find(c.targetID)
	if !ok || !target.Located {
		return start, end, false
	}
	return Coordinate{Lat: self.Lat, Lng: self.Lng}, Coordinate{Lat: target.Lat, Lng: target.Lng}, true
}

func (c *Coordinator) issueLocked(start, end Coordinate) {
	c.supersedeLocked()

	c.nextID++
	id := c.nextID
	c.latest = Request{ID: id, Start: start, End: end, Status: StatusPending}
	c.live = true
	c.state = State{TargetID: c.targetID, RequestID: id, Loading: true}

	// Superseded calls run to completion. Only Close or the timeout cuts
	// them short.
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	c.log.Debug("Requesting route",
		zap.Uint64("request", id), zap.String("target", c.targetID),
		zap.Float64s("start", []float64{start.Lat, start.Lng}),
		zap.Float64s("end", []float64{end.Lat, end.Lng}))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		payload, err := c.service.Route(ctx, start, end)
		c.complete(id, payload, err)
	}()
}

// supersedeLocked retires the latest request if it is still pending.
func (c *Coordinator) supersedeLocked() {
	if c.live && c.latest.Status == StatusPending {
		c.latest.Status = StatusSuperseded
		metrics.RecordRouteRequest(metrics.RouteSuperseded)
	}
}

func (c *Coordinator) complete(id uint64, payload json.RawMessage, err error) {
	c.mu.Lock()
	if !c.live || c.latest.ID != id || c.latest.Status != StatusPending {
		c.mu.Unlock()
		return
	}
	before := c.state
	if err != nil {
		c.log.Warn("Route request failed", zap.Uint64("request", id), zap.Error(err))
		metrics.RecordRouteRequest(metrics.RouteFailed)
		c.latest.Status = StatusFailed
		c.state = State{TargetID: c.targetID, RequestID: id, Unavailable: true}
	} else {
		metrics.RecordRouteRequest(metrics.RouteSucceeded)
		c.latest.Status = StatusSucceeded
		c.state = State{TargetID: c.targetID, RequestID: id, Route: payload}
	}
	c.unlockAndNotify(before)
}

// unlockAndNotify queues the state if it differs from before, releases the
// lock and delivers queued states. Whichever caller finds the queue idle
// delivers every state queued meanwhile, so handlers see changes in order
// and may call back into the coordinator.
func (c *Coordinator) unlockAndNotify(before State) {
	if !c.state.equal(before) {
		c.pending = append(c.pending, c.state)
	}
	if c.draining || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}

	c.draining = true
	for len(c.pending) > 0 {
		state := c.pending[0]
		c.pending = c.pending[1:]
		handlers := make([]func(State), 0, len(c.handlers))
		for _, h := range c.handlers {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(state)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}
