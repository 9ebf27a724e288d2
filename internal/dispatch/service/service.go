package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/homeserve/internal/dispatch/domain"
	"github.com/example/homeserve/internal/retry"
)

const (
	DefaultFanoutSize    = 10
	DefaultRadiusMeters  = 5000
	DefaultMaxRadius     = 50000
	DefaultOfferTTL      = 2 * time.Minute
	defaultNotifyTimeout = 5 * time.Second
)

// Config holds the dispatch tunables.
type Config struct {
	FanoutSize          int
	DefaultRadiusMeters float64
	MaxRadiusMeters     float64
	OfferTTL            time.Duration
	NotifyTimeout       time.Duration
	// Categories restricts accepted categories. Empty accepts any non-empty category.
	Categories []string
}

func (c Config) withDefaults() Config {
	if c.FanoutSize <= 0 {
		c.FanoutSize = DefaultFanoutSize
	}
	if c.DefaultRadiusMeters <= 0 {
		c.DefaultRadiusMeters = DefaultRadiusMeters
	}
	if c.MaxRadiusMeters <= 0 {
		c.MaxRadiusMeters = DefaultMaxRadius
	}
	if c.MaxRadiusMeters < c.DefaultRadiusMeters {
		c.MaxRadiusMeters = c.DefaultRadiusMeters
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = DefaultOfferTTL
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = defaultNotifyTimeout
	}
	return c
}

// Index is the part of the proximity index the coordinator drives.
type Index interface {
	domain.ProximityIndex
	Upsert(ctx context.Context, state domain.ProviderLocationState) error
	Get(ctx context.Context, providerID uuid.UUID) (domain.ProviderLocationState, error)
	CompareAndSetAvailability(ctx context.Context, providerID uuid.UUID, from, to domain.Availability) (bool, error)
	SetProfile(ctx context.Context, providerID uuid.UUID, availability domain.Availability, categories []string) error
}

// Deps are the collaborators of the Service. Repo and Index are required.
type Deps struct {
	Repo        domain.Repository
	Index       Index
	Notifier    domain.Notifier
	Events      domain.EventPublisher
	Tracker     domain.TrackingSessions
	Clock       domain.Clock
	Idempotency domain.IdempotencyRepository
	Logger      *zap.Logger
}

// Service coordinates dispatch: matching, fan-out, race resolution and the
// lifecycle of every service request.
type Service struct {
	repo    domain.Repository
	index   Index
	notify  domain.Notifier
	events  domain.EventPublisher
	tracker domain.TrackingSessions
	clock   domain.Clock
	idem    domain.IdempotencyRepository
	logger  *zap.Logger
	cfg     Config
	tracer  trace.Tracer
	reads   *retry.Retrier

	timers sync.Map // uuid.UUID -> *time.Timer
	wg     sync.WaitGroup
}

func New(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{
		repo:    deps.Repo,
		index:   deps.Index,
		notify:  deps.Notifier,
		events:  deps.Events,
		tracker: deps.Tracker,
		clock:   clock,
		idem:    deps.Idempotency,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		tracer:  otel.Tracer("dispatch.service"),
		reads:   retry.New(retry.DefaultConfig(), logger.Named("retry")),
	}
}

// Close stops offer timers and waits for in-flight fan-out work.
func (s *Service) Close() {
	s.timers.Range(func(key, value any) bool {
		value.(*time.Timer).Stop()
		s.timers.Delete(key)
		return true
	})
	s.wg.Wait()
}

// CreateRequestInput is the customer's request for a provider.
type CreateRequestInput struct {
	CustomerID   uuid.UUID
	Category     string
	Location     domain.GeoPoint
	Details      string
	Address      string
	RadiusMeters float64
}

type createdRecord struct {
	RequestID uuid.UUID `json:"request_id"`
}

// CreateRequest stores a new request and dispatches it. The returned request is
// either notified_multiple (fan-out running in the background) or
// no_provider_found. A repeated idempotency key returns the first request.
func (s *Service) CreateRequest(ctx context.Context, key string, in CreateRequestInput) (domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.create_request")
	defer span.End()

	if key != "" && s.idem != nil {
		if cached, ok, err := s.idem.GetResponse(ctx, key); err == nil && ok {
			var rec createdRecord
			if err := json.Unmarshal(cached, &rec); err == nil {
				span.SetAttributes(attribute.Bool("dispatch.idempotent_replay", true))
				return s.Get(ctx, rec.RequestID)
			}
		} else if err != nil {
			s.logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		}
	}

	in, err := s.validateCreate(in)
	if err != nil {
		return domain.ServiceRequest{}, err
	}

	now := s.clock.Now()
	req := domain.ServiceRequest{
		ID:           uuid.New(),
		CustomerID:   in.CustomerID,
		Category:     in.Category,
		Anchor:       in.Location,
		Details:      in.Details,
		Address:      in.Address,
		RadiusMeters: in.RadiusMeters,
		Status:       domain.StatusPendingNotification,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	span.SetAttributes(attribute.String("dispatch.request_id", req.ID.String()), attribute.String("dispatch.category", req.Category))

	created, err := s.repo.CreateRequest(ctx, req)
	if err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("create request: %w", err)
	}

	candidates, err := s.index.FindCandidates(ctx, created.Anchor, created.RadiusMeters, created.Category, s.cfg.FanoutSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "proximity query failed")
		s.logger.Error("proximity query failed", zap.String("request_id", created.ID.String()), zap.Error(err))
		if _, _, mErr := s.apply(ctx, created.ID, domain.EventDispatchFailed, nil); mErr != nil {
			s.logger.Error("mark request failed", zap.String("request_id", created.ID.String()), zap.Error(mErr))
		}
		requestsCreated.WithLabelValues(created.Category, "error").Inc()
		return domain.ServiceRequest{}, domain.Unavailable("find candidates", err)
	}
	span.SetAttributes(attribute.Int("dispatch.candidates", len(candidates)))

	var result domain.ServiceRequest
	if len(candidates) == 0 {
		result, _, err = s.apply(ctx, created.ID, domain.EventNoCandidates, nil)
		if err != nil {
			return domain.ServiceRequest{}, fmt.Errorf("resolve without candidates: %w", err)
		}
		requestsCreated.WithLabelValues(created.Category, "no_provider").Inc()
	} else {
		var fanout domain.Fanout
		result, fanout, err = s.openFanout(ctx, created.ID, candidates)
		if err != nil {
			return domain.ServiceRequest{}, fmt.Errorf("open fan-out: %w", err)
		}
		requestsCreated.WithLabelValues(created.Category, "notified").Inc()
		s.scheduleExpiry(result.ID)
		s.startFanout(ctx, result, fanout)
	}

	if key != "" && s.idem != nil {
		payload, _ := json.Marshal(createdRecord{RequestID: result.ID})
		if err := s.idem.PutResponse(ctx, key, payload); err != nil {
			s.logger.Warn("idempotency store failed", zap.String("key", key), zap.Error(err))
		}
	}
	return result, nil
}

func (s *Service) validateCreate(in CreateRequestInput) (CreateRequestInput, error) {
	if in.CustomerID == uuid.Nil {
		return in, fmt.Errorf("%w: customer id required", domain.ErrValidation)
	}
	if in.Category == "" {
		return in, fmt.Errorf("%w: category required", domain.ErrValidation)
	}
	if len(s.cfg.Categories) > 0 && !contains(s.cfg.Categories, in.Category) {
		return in, fmt.Errorf("%w: unknown category %q", domain.ErrValidation, in.Category)
	}
	if err := in.Location.Validate(); err != nil {
		return in, err
	}
	switch {
	case in.RadiusMeters < 0:
		return in, fmt.Errorf("%w: radius must be positive", domain.ErrValidation)
	case in.RadiusMeters == 0:
		in.RadiusMeters = s.cfg.DefaultRadiusMeters
	case in.RadiusMeters > s.cfg.MaxRadiusMeters:
		return in, fmt.Errorf("%w: radius exceeds %.0fm", domain.ErrValidation, s.cfg.MaxRadiusMeters)
	}
	return in, nil
}

func (s *Service) openFanout(ctx context.Context, id uuid.UUID, candidates []domain.Candidate) (domain.ServiceRequest, domain.Fanout, error) {
	var committed []domain.RequestEvent
	req, fanout, err := s.repo.Mutate(ctx, id, func(r *domain.ServiceRequest, f *domain.Fanout) ([]domain.RequestEvent, error) {
		from := r.Status
		next, err := domain.Transition(from, domain.EventCandidatesFound)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		f.RequestID = r.ID
		f.Entries = make([]domain.FanoutEntry, 0, len(candidates))
		for _, c := range candidates {
			f.Entries = append(f.Entries, domain.FanoutEntry{
				ProviderID:     c.ProviderID,
				DistanceMeters: c.DistanceMeters,
				Response:       domain.OfferPending,
				NotifiedAt:     now,
			})
		}
		r.Status = next
		r.UpdatedAt = now
		ev := domain.StatusChanged(*r, from, domain.EventCandidatesFound, nil, now)
		ev.Payload["candidates"] = len(candidates)
		committed = []domain.RequestEvent{ev}
		return committed, nil
	})
	if err != nil {
		return req, fanout, err
	}
	s.publish(ctx, committed)
	return req, fanout, nil
}

// startFanout notifies every candidate in order, nearest first. Each send
// re-reads the request so a cancel or accept stops the remaining offers.
func (s *Service) startFanout(ctx context.Context, req domain.ServiceRequest, fanout domain.Fanout) {
	ctx = context.WithoutCancel(ctx)
	expiresAt := req.UpdatedAt.Add(s.cfg.OfferTTL)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, span := s.tracer.Start(ctx, "dispatch.fanout", trace.WithAttributes(
			attribute.String("dispatch.request_id", req.ID.String()),
			attribute.Int("dispatch.fanout_size", len(fanout.Entries)),
		))
		defer span.End()

		for _, entry := range fanout.Entries {
			current, err := s.repo.GetRequest(ctx, req.ID)
			if err != nil {
				s.logger.Warn("fan-out status check failed", zap.String("request_id", req.ID.String()), zap.Error(err))
				return
			}
			if current.Status != domain.StatusNotifiedMultiple {
				fanoutNotifications.WithLabelValues("skipped").Inc()
				return
			}
			if s.notify == nil {
				continue
			}
			summary := domain.RequestSummary{
				RequestID:      req.ID,
				Category:       req.Category,
				Anchor:         req.Anchor,
				Details:        req.Details,
				Address:        req.Address,
				DistanceMeters: entry.DistanceMeters,
				ExpiresAt:      expiresAt,
			}
			nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
			err = s.notify.NotifyOffer(nctx, entry.ProviderID, summary)
			cancel()
			if err != nil {
				fanoutNotifications.WithLabelValues("error").Inc()
				s.logger.Warn("offer notification failed",
					zap.String("request_id", req.ID.String()),
					zap.String("provider_id", entry.ProviderID.String()),
					zap.Error(err))
				continue
			}
			fanoutNotifications.WithLabelValues("sent").Inc()
		}
	}()
}

// AcceptResult is the outcome of an accept. A lost race is not an error.
type AcceptResult struct {
	Accepted bool                  `json:"accepted"`
	Reason   domain.ConflictReason `json:"reason,omitempty"`
	Request  domain.ServiceRequest `json:"request"`
}

// Accept resolves the race between notified providers. Exactly one provider is
// ever accepted; every other caller gets a reason. Repeating a winning accept
// reports Accepted again so callers can re-check after an ambiguous failure.
// The provider is claimed busy before the commit, so one provider never holds
// two requests at once.
func (s *Service) Accept(ctx context.Context, requestID, providerID uuid.UUID) (AcceptResult, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.accept", trace.WithAttributes(
		attribute.String("dispatch.request_id", requestID.String()),
		attribute.String("dispatch.provider_id", providerID.String()),
	))
	defer span.End()

	claimed, prev, err := s.claimProvider(ctx, providerID)
	if err != nil {
		span.RecordError(err)
		return AcceptResult{}, err
	}

	var (
		committed []domain.RequestEvent
		losers    []uuid.UUID
	)
	req, _, err := s.repo.Mutate(ctx, requestID, func(r *domain.ServiceRequest, f *domain.Fanout) ([]domain.RequestEvent, error) {
		idx, ok := f.Find(providerID)
		if !ok {
			return nil, domain.Conflict(domain.ReasonNotNotified, r.Status)
		}
		if r.AcceptedProviderID != nil {
			if *r.AcceptedProviderID == providerID && r.Status.Tracked() {
				return nil, domain.ErrUnchanged
			}
			if *r.AcceptedProviderID != providerID {
				return nil, domain.Conflict(domain.ReasonAlreadyTaken, r.Status)
			}
			return nil, domain.Conflict(domain.ReasonWrongStatus, r.Status)
		}
		entry := f.Entries[idx]
		if r.Status != domain.StatusNotifiedMultiple {
			if r.Status == domain.StatusNoProviderFound || entry.Response == domain.OfferExpired {
				return nil, domain.Conflict(domain.ReasonExpired, r.Status)
			}
			return nil, domain.Conflict(domain.ReasonWrongStatus, r.Status)
		}
		switch entry.Response {
		case domain.OfferExpired:
			return nil, domain.Conflict(domain.ReasonExpired, r.Status)
		case domain.OfferRejected:
			return nil, domain.Conflict(domain.ReasonWrongStatus, r.Status)
		}
		if !claimed {
			// busy on another request
			return nil, domain.Conflict(domain.ReasonWrongStatus, r.Status)
		}

		from := r.Status
		next, err := domain.Transition(from, domain.EventProviderAccepted)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		winner := providerID
		r.Status = next
		r.AcceptedProviderID = &winner
		r.UpdatedAt = now
		f.Entries[idx].Response = domain.OfferAccepted
		f.Entries[idx].RespondedAt = &now
		losers = f.ExpirePending(now)
		committed = []domain.RequestEvent{domain.StatusChanged(*r, from, domain.EventProviderAccepted, &winner, now)}
		return committed, nil
	})

	if err != nil && claimed {
		s.releaseProvider(ctx, providerID, prev)
	}
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnchanged):
		acceptOutcomes.WithLabelValues("repeat").Inc()
		return AcceptResult{Accepted: true, Request: req}, nil
	default:
		if reason, ok := domain.ReasonOf(err); ok {
			acceptOutcomes.WithLabelValues(string(reason)).Inc()
			span.SetAttributes(attribute.String("dispatch.conflict", string(reason)))
			return AcceptResult{Accepted: false, Reason: reason, Request: req}, nil
		}
		span.RecordError(err)
		return AcceptResult{}, err
	}

	acceptOutcomes.WithLabelValues("accepted").Inc()
	s.stopExpiry(requestID)
	s.publish(ctx, committed)
	if s.tracker != nil {
		if err := s.tracker.Start(ctx, req.ID, providerID, req.Anchor); err != nil {
			s.logger.Warn("tracking start failed", zap.String("request_id", req.ID.String()), zap.Error(err))
		}
	}
	s.withdrawOffers(ctx, req.ID, losers)
	s.settle(ctx, req.ID)
	return AcceptResult{Accepted: true, Request: req}, nil
}

// claimProvider marks the provider busy unless it already is. A provider the
// index does not know is claimed without a state change; prev is then empty.
func (s *Service) claimProvider(ctx context.Context, providerID uuid.UUID) (bool, domain.Availability, error) {
	for attempt := 0; attempt < 3; attempt++ {
		state, err := s.index.Get(ctx, providerID)
		if errors.Is(err, domain.ErrNotFound) {
			return true, "", nil
		}
		if err != nil {
			return false, "", fmt.Errorf("claim provider: %w", err)
		}
		if state.Availability == domain.AvailabilityBusy {
			return false, "", nil
		}
		swapped, err := s.index.CompareAndSetAvailability(ctx, providerID, state.Availability, domain.AvailabilityBusy)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return true, "", nil
			}
			return false, "", fmt.Errorf("claim provider: %w", err)
		}
		if swapped {
			return true, state.Availability, nil
		}
	}
	return false, "", nil
}

// settle re-reads a freshly accepted request. A cancel or decline that
// committed while the accept side effects ran has already called finish,
// possibly before the tracking session existed, so finish runs again.
func (s *Service) settle(ctx context.Context, requestID uuid.UUID) {
	current, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		s.logger.Warn("post-accept check failed", zap.String("request_id", requestID.String()), zap.Error(err))
		return
	}
	if current.Status.IsTerminal() {
		s.finish(ctx, current)
	}
}

// Reject records a provider declining an offer. The last pending rejection
// resolves the request as no_provider_found.
func (s *Service) Reject(ctx context.Context, requestID, providerID uuid.UUID) (domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.reject")
	defer span.End()

	var committed []domain.RequestEvent
	req, _, err := s.repo.Mutate(ctx, requestID, func(r *domain.ServiceRequest, f *domain.Fanout) ([]domain.RequestEvent, error) {
		idx, ok := f.Find(providerID)
		if !ok {
			return nil, domain.Conflict(domain.ReasonNotNotified, r.Status)
		}
		switch f.Entries[idx].Response {
		case domain.OfferRejected:
			return nil, domain.ErrUnchanged
		case domain.OfferExpired:
			return nil, domain.Conflict(domain.ReasonExpired, r.Status)
		case domain.OfferAccepted:
			return nil, domain.Conflict(domain.ReasonWrongStatus, r.Status)
		}
		if r.Status != domain.StatusNotifiedMultiple {
			return nil, domain.Conflict(domain.ReasonWrongStatus, r.Status)
		}
		now := s.clock.Now()
		f.Entries[idx].Response = domain.OfferRejected
		f.Entries[idx].RespondedAt = &now
		r.UpdatedAt = now
		if f.PendingCount() > 0 {
			return nil, nil
		}
		from := r.Status
		next, err := domain.Transition(from, domain.EventAllDeclined)
		if err != nil {
			return nil, err
		}
		r.Status = next
		committed = []domain.RequestEvent{domain.StatusChanged(*r, from, domain.EventAllDeclined, nil, now)}
		return committed, nil
	})
	if errors.Is(err, domain.ErrUnchanged) {
		return req, nil
	}
	if err != nil {
		return req, err
	}
	s.publish(ctx, committed)
	if req.Status.IsTerminal() {
		s.finish(ctx, req)
	}
	return req, nil
}

// Cancel ends a non-terminal request on behalf of its customer or accepted provider.
func (s *Service) Cancel(ctx context.Context, requestID, actorID uuid.UUID, reason string) (domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.cancel")
	defer span.End()

	var (
		committed []domain.RequestEvent
		withdrawn []uuid.UUID
	)
	req, _, err := s.repo.Mutate(ctx, requestID, func(r *domain.ServiceRequest, f *domain.Fanout) ([]domain.RequestEvent, error) {
		if !r.IsParticipant(actorID) {
			return nil, domain.ErrForbidden
		}
		from := r.Status
		next, err := domain.Transition(from, domain.EventCancelled)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		actor := actorID
		r.Status = next
		r.CancelReason = reason
		r.CancelledBy = &actor
		r.UpdatedAt = now
		withdrawn = f.ExpirePending(now)
		ev := domain.StatusChanged(*r, from, domain.EventCancelled, &actor, now)
		if reason != "" {
			ev.Payload["reason"] = reason
		}
		committed = []domain.RequestEvent{ev}
		return committed, nil
	})
	if err != nil {
		return req, conflictError(req, err)
	}
	s.publish(ctx, committed)
	s.finish(ctx, req)
	s.withdrawOffers(ctx, req.ID, withdrawn)
	return req, nil
}

// Action is a provider-driven progress step on an accepted request.
type Action string

const (
	ActionArriving Action = "arriving"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionDecline  Action = "decline"
)

var actionEvents = map[Action]domain.Event{
	ActionArriving: domain.EventProviderArriving,
	ActionStart:    domain.EventWorkStarted,
	ActionComplete: domain.EventWorkCompleted,
	ActionDecline:  domain.EventProviderDeclined,
}

// UpdateStatus applies an action from the accepted provider.
func (s *Service) UpdateStatus(ctx context.Context, requestID, actorID uuid.UUID, action Action) (domain.ServiceRequest, error) {
	ev, ok := actionEvents[action]
	if !ok {
		return domain.ServiceRequest{}, fmt.Errorf("%w: unknown action %q", domain.ErrValidation, action)
	}
	ctx, span := s.tracer.Start(ctx, "dispatch.update_status", trace.WithAttributes(attribute.String("dispatch.action", string(action))))
	defer span.End()

	var committed []domain.RequestEvent
	req, _, err := s.repo.Mutate(ctx, requestID, func(r *domain.ServiceRequest, _ *domain.Fanout) ([]domain.RequestEvent, error) {
		if r.AcceptedProviderID == nil || *r.AcceptedProviderID != actorID {
			return nil, domain.ErrForbidden
		}
		from := r.Status
		next, err := domain.Transition(from, ev)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		actor := actorID
		r.Status = next
		r.UpdatedAt = now
		committed = []domain.RequestEvent{domain.StatusChanged(*r, from, ev, &actor, now)}
		return committed, nil
	})
	if err != nil {
		return req, conflictError(req, err)
	}
	s.publish(ctx, committed)
	if req.Status.IsTerminal() {
		s.finish(ctx, req)
	}
	return req, nil
}

// Get reads a request snapshot. Backend outages are retried.
func (s *Service) Get(ctx context.Context, requestID uuid.UUID) (domain.ServiceRequest, error) {
	var req domain.ServiceRequest
	err := s.reads.Do(ctx, "get request", func(ctx context.Context) error {
		var err error
		req, err = s.repo.GetRequest(ctx, requestID)
		return err
	})
	return req, err
}

// Fanout reads the offer ledger of a request.
func (s *Service) Fanout(ctx context.Context, requestID uuid.UUID) (domain.Fanout, error) {
	var fanout domain.Fanout
	err := s.reads.Do(ctx, "get fanout", func(ctx context.Context) error {
		var err error
		fanout, err = s.repo.GetFanout(ctx, requestID)
		return err
	})
	return fanout, err
}

// SetAvailability changes whether a provider receives offers. Non-nil
// categories replace the provider's categories. A provider with an active
// tracking session cannot go back online until the request ends.
func (s *Service) SetAvailability(ctx context.Context, providerID uuid.UUID, availability domain.Availability, categories []string) (domain.ProviderLocationState, error) {
	if !availability.Valid() {
		return domain.ProviderLocationState{}, fmt.Errorf("%w: availability %q", domain.ErrValidation, availability)
	}
	if availability == domain.AvailabilityOnline && s.tracker != nil {
		if requestID, busy := s.tracker.ActiveRequest(providerID); busy {
			return domain.ProviderLocationState{}, fmt.Errorf("%w: provider is working request %s", domain.ErrConflict, requestID)
		}
	}
	if err := s.index.SetProfile(ctx, providerID, availability, categories); err != nil {
		return domain.ProviderLocationState{}, err
	}
	return s.index.Get(ctx, providerID)
}

func (s *Service) scheduleExpiry(requestID uuid.UUID) {
	timer := time.AfterFunc(s.cfg.OfferTTL, func() {
		s.timers.Delete(requestID)
		s.expireOffers(requestID)
	})
	s.timers.Store(requestID, timer)
}

func (s *Service) stopExpiry(requestID uuid.UUID) {
	if v, ok := s.timers.LoadAndDelete(requestID); ok {
		v.(*time.Timer).Stop()
	}
}

func (s *Service) expireOffers(requestID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "dispatch.expire_offers")
	defer span.End()

	var (
		committed []domain.RequestEvent
		expired   []uuid.UUID
	)
	req, _, err := s.repo.Mutate(ctx, requestID, func(r *domain.ServiceRequest, f *domain.Fanout) ([]domain.RequestEvent, error) {
		if r.Status != domain.StatusNotifiedMultiple {
			return nil, domain.ErrUnchanged
		}
		from := r.Status
		next, err := domain.Transition(from, domain.EventOffersExpired)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		expired = f.ExpirePending(now)
		r.Status = next
		r.UpdatedAt = now
		committed = []domain.RequestEvent{domain.StatusChanged(*r, from, domain.EventOffersExpired, nil, now)}
		return committed, nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrUnchanged) && !errors.Is(err, domain.ErrConflict) {
			s.logger.Warn("offer expiry failed", zap.String("request_id", requestID.String()), zap.Error(err))
		}
		return
	}
	offersExpired.Inc()
	s.logger.Info("offers expired", zap.String("request_id", requestID.String()), zap.Int("pending", len(expired)))
	s.publish(ctx, committed)
	s.withdrawOffers(ctx, req.ID, expired)
}

// apply runs a plain lifecycle event with no fan-out bookkeeping.
func (s *Service) apply(ctx context.Context, requestID uuid.UUID, ev domain.Event, actor *uuid.UUID) (domain.ServiceRequest, domain.Fanout, error) {
	var committed []domain.RequestEvent
	req, fanout, err := s.repo.Mutate(ctx, requestID, func(r *domain.ServiceRequest, _ *domain.Fanout) ([]domain.RequestEvent, error) {
		from := r.Status
		next, err := domain.Transition(from, ev)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		r.Status = next
		r.UpdatedAt = now
		committed = []domain.RequestEvent{domain.StatusChanged(*r, from, ev, actor, now)}
		return committed, nil
	})
	if err != nil {
		return req, fanout, err
	}
	s.publish(ctx, committed)
	return req, fanout, nil
}

// finish releases everything tied to a request that reached a terminal status
// or was cancelled.
func (s *Service) finish(ctx context.Context, req domain.ServiceRequest) {
	s.stopExpiry(req.ID)
	if s.tracker != nil {
		s.tracker.Stop(ctx, req.ID)
	}
	if req.AcceptedProviderID != nil {
		s.releaseProvider(ctx, *req.AcceptedProviderID, domain.AvailabilityOnline)
	}
}

// releaseProvider moves a busy provider to `to`. A provider that changed its
// own availability in the meantime keeps it.
func (s *Service) releaseProvider(ctx context.Context, providerID uuid.UUID, to domain.Availability) {
	if to == "" || to == domain.AvailabilityBusy {
		return
	}
	if _, err := s.index.CompareAndSetAvailability(ctx, providerID, domain.AvailabilityBusy, to); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("availability update failed",
			zap.String("provider_id", providerID.String()),
			zap.String("availability", string(to)),
			zap.Error(err))
	}
}

func (s *Service) withdrawOffers(ctx context.Context, requestID uuid.UUID, providers []uuid.UUID) {
	if s.notify == nil || len(providers) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, p := range providers {
			nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
			if err := s.notify.NotifyTaken(nctx, p, requestID); err != nil {
				s.logger.Warn("withdraw notification failed",
					zap.String("request_id", requestID.String()),
					zap.String("provider_id", p.String()),
					zap.Error(err))
			}
			cancel()
		}
	}()
}

func (s *Service) publish(ctx context.Context, events []domain.RequestEvent) {
	if s.events == nil {
		return
	}
	for _, ev := range events {
		if err := s.events.Publish(ctx, ev); err != nil {
			s.logger.Warn("event publish failed",
				zap.String("request_id", ev.RequestID.String()),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
}

// conflictError reports an invalid transition as a wrong_status conflict
// against the status the request actually had.
func conflictError(req domain.ServiceRequest, err error) error {
	var ce *domain.ConflictError
	if errors.Is(err, domain.ErrInvalidTransition) && !errors.As(err, &ce) {
		return domain.Conflict(domain.ReasonWrongStatus, req.Status)
	}
	return err
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
