package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stand-queue/config"
	"stand-queue/internal/coordinator"
	"stand-queue/internal/estimator"
	"stand-queue/internal/ledger"
	"stand-queue/internal/membership"
	"stand-queue/internal/status"
	"stand-queue/models"
	"stand-queue/monitoring"

	"github.com/shopspring/decimal"
)

const (
	StatusWaiting    = "waiting"
	StatusNotInQueue = "not_in_queue"

	degradedWarning = "Queue position is computed from the durable record and may drift slightly from real-time order."
)

type JoinResult struct {
	Position int    `json:"position"`
	EntryID  int64  `json:"entry_id"`
	Degraded bool   `json:"degraded"`
	Warning  string `json:"warning,omitempty"`
}

type LeaveResult struct {
	Removed bool `json:"removed"`
}

// PositionResult only carries Position and Status when the participant is not
// waiting.
type PositionResult struct {
	Position           *int      `json:"position"`
	Status             string    `json:"status"`
	EntryID            int64     `json:"entry_id,omitempty"`
	ETAMeanMinutes     *float64  `json:"eta_mean_minutes,omitempty"`
	ETAIntervalMinutes []float64 `json:"eta_interval_minutes,omitempty"`
	PerPersonMinutes   *float64  `json:"per_person_minutes,omitempty"`
	PerPersonInterval  []float64 `json:"per_person_interval,omitempty"`
	SampleCount        *int      `json:"sample_count,omitempty"`
	Degraded           bool      `json:"degraded,omitempty"`
	Warning            string    `json:"warning,omitempty"`
}

type CalledParticipant struct {
	ExternalID  int64  `json:"external_id"`
	DisplayName string `json:"display_name"`
	EntryID     int64  `json:"-"`
}

type AdvanceResult struct {
	Called  *CalledParticipant `json:"called_participant,omitempty"`
	EntryID int64              `json:"entry_id,omitempty"`
	Empty   bool               `json:"empty,omitempty"`
}

type CancelResult struct {
	Cancelled            bool `json:"cancelled"`
	RemovedFromFastStore bool `json:"removed_from_fast_store"`
}

type EstimateResult struct {
	QueueID            int64     `json:"queue_id"`
	PerPersonMinutes   float64   `json:"per_person_minutes"`
	PerPersonInterval  []float64 `json:"per_person_interval"`
	StdErr             float64   `json:"std_err"`
	ProbAtOrBelowPrior float64   `json:"prob_at_or_below_prior"`
	PriorMinutes       float64   `json:"prior_minutes"`
	SampleCount        int       `json:"sample_count"`
}

type WaitingParticipant struct {
	Position    int    `json:"position"`
	ExternalID  int64  `json:"external_id"`
	DisplayName string `json:"display_name"`
}

type WaitingResult struct {
	QueueID      int64                `json:"queue_id"`
	Participants []WaitingParticipant `json:"participants"`
	Degraded     bool                 `json:"degraded"`
}

type QueueService struct {
	coord    *coordinator.Coordinator
	ledger   *ledger.Ledger
	store    membership.Store
	notifier Notifier
	config   *config.Config
	now      func() time.Time
}

func NewQueueService(coord *coordinator.Coordinator, l *ledger.Ledger, store membership.Store, notifier Notifier, cfg *config.Config) *QueueService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &QueueService{
		coord:    coord,
		ledger:   l,
		store:    store,
		notifier: notifier,
		config:   cfg,
		now:      time.Now,
	}
}

func (s *QueueService) CreateQueue(ctx context.Context, name string, priorMinutes float64) (models.Queue, error) {
	name = strings.TrimSpace(name)
	if name == "" || priorMinutes < 0 {
		return models.Queue{}, status.ErrInvalidQueue
	}

	q, err := s.ledger.CreateQueue(ctx, name, priorMinutes)
	if err != nil {
		return models.Queue{}, err
	}
	slog.Info("Queue created", "queueID", q.ID, "name", q.Name, "priorMinutes", priorMinutes)
	return q, nil
}

func (s *QueueService) ListQueues(ctx context.Context) ([]models.Queue, error) {
	return s.ledger.ListQueues(ctx)
}

func (s *QueueService) Join(ctx context.Context, queueID, externalID int64, displayName string) (JoinResult, error) {
	res, err := s.join(ctx, queueID, externalID, displayName)
	trackOperation("join", err)
	return res, err
}

func (s *QueueService) join(ctx context.Context, queueID, externalID int64, displayName string) (JoinResult, error) {
	if externalID <= 0 {
		return JoinResult{}, status.ErrParticipantIDRequired
	}
	if _, err := s.ledger.GetQueue(ctx, queueID); err != nil {
		return JoinResult{}, err
	}

	p, err := s.ledger.GetOrCreateParticipant(ctx, externalID, strings.TrimSpace(displayName))
	if err != nil {
		return JoinResult{}, err
	}

	joined, err := s.coord.Join(ctx, queueID, p.ID)
	if err != nil {
		return JoinResult{}, err
	}

	res := JoinResult{Position: joined.Position, EntryID: joined.EntryID, Degraded: joined.Degraded}
	if joined.Degraded {
		res.Warning = degradedWarning
	}
	return res, nil
}

func (s *QueueService) Leave(ctx context.Context, queueID, externalID int64) (LeaveResult, error) {
	res, err := s.leave(ctx, queueID, externalID)
	trackOperation("leave", err)
	return res, err
}

func (s *QueueService) leave(ctx context.Context, queueID, externalID int64) (LeaveResult, error) {
	if externalID <= 0 {
		return LeaveResult{}, status.ErrParticipantIDRequired
	}
	if _, err := s.ledger.GetQueue(ctx, queueID); err != nil {
		return LeaveResult{}, err
	}

	p, err := s.ledger.FindParticipantByExternalID(ctx, externalID)
	if errors.Is(err, status.ErrParticipantNotFound) {
		return LeaveResult{}, nil
	}
	if err != nil {
		return LeaveResult{}, err
	}

	removed, err := s.coord.Leave(ctx, queueID, p.ID)
	if err != nil {
		return LeaveResult{}, err
	}
	return LeaveResult{Removed: removed}, nil
}

func (s *QueueService) Position(ctx context.Context, queueID, externalID int64) (PositionResult, error) {
	res, err := s.position(ctx, queueID, externalID)
	trackOperation("position", err)
	return res, err
}

func (s *QueueService) position(ctx context.Context, queueID, externalID int64) (PositionResult, error) {
	notInQueue := PositionResult{Status: StatusNotInQueue}

	if externalID <= 0 {
		return PositionResult{}, status.ErrParticipantIDRequired
	}
	q, err := s.ledger.GetQueue(ctx, queueID)
	if err != nil {
		return PositionResult{}, err
	}

	p, err := s.ledger.FindParticipantByExternalID(ctx, externalID)
	if errors.Is(err, status.ErrParticipantNotFound) {
		return notInQueue, nil
	}
	if err != nil {
		return PositionResult{}, err
	}

	pos, err := s.coord.Position(ctx, queueID, p.ID)
	if err != nil {
		return PositionResult{}, err
	}
	if !pos.Found {
		return notInQueue, nil
	}

	est, err := s.estimate(ctx, q)
	if err != nil {
		return PositionResult{}, err
	}
	eta := estimator.ForPosition(est, pos.Position)

	res := PositionResult{
		Position:           &pos.Position,
		Status:             StatusWaiting,
		EntryID:            pos.EntryID,
		ETAMeanMinutes:     ptr(roundMinutes(eta.Mean)),
		ETAIntervalMinutes: []float64{roundMinutes(eta.Low), roundMinutes(eta.High)},
		PerPersonMinutes:   ptr(roundMinutes(est.Mean)),
		PerPersonInterval:  []float64{roundMinutes(est.CILow), roundMinutes(est.CIHigh)},
		SampleCount:        &est.SampleCount,
		Degraded:           pos.Degraded,
	}
	if pos.Degraded {
		res.Warning = degradedWarning
	}
	return res, nil
}

// Advance calls the next participant and notifies them and the people behind.
func (s *QueueService) Advance(ctx context.Context, queueID int64) (AdvanceResult, error) {
	res, err := s.advance(ctx, queueID)
	trackOperation("advance", err)
	return res, err
}

func (s *QueueService) advance(ctx context.Context, queueID int64) (AdvanceResult, error) {
	q, err := s.ledger.GetQueue(ctx, queueID)
	if err != nil {
		return AdvanceResult{}, err
	}

	adv, err := s.coord.Advance(ctx, queueID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if adv.Empty {
		return AdvanceResult{Empty: true}, nil
	}

	called := CalledParticipant{EntryID: adv.Entry.ID}
	if p, err := s.ledger.GetParticipant(ctx, adv.ParticipantID); err != nil {
		slog.Error("Called participant missing from ledger",
			"queueID", queueID, "participantID", adv.ParticipantID, "error", err)
	} else {
		called.ExternalID = p.ExternalID
		called.DisplayName = p.DisplayName
		s.notifyCalled(ctx, queueID, called)
	}

	slog.Info("Participant called", "queueID", queueID, "entryID", adv.Entry.ID, "participantID", adv.ParticipantID)

	if est, err := s.estimate(ctx, q); err == nil {
		s.notifyPositions(ctx, queueID, est.Mean)
	} else {
		slog.Warn("Skipping position notifications", "queueID", queueID, "error", err)
	}

	return AdvanceResult{Called: &called, EntryID: adv.Entry.ID}, nil
}

func (s *QueueService) CancelEntry(ctx context.Context, entryID int64) (CancelResult, error) {
	res, err := s.coord.CancelEntry(ctx, entryID)
	trackOperation("cancel", err)
	if err != nil {
		return CancelResult{}, err
	}
	return CancelResult{Cancelled: true, RemovedFromFastStore: res.RemovedFromFastStore}, nil
}

// CompleteEntry records that a called participant has been served.
func (s *QueueService) CompleteEntry(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	entry, err := s.ledger.MarkServed(ctx, entryID)
	trackOperation("serve", err)
	return entry, err
}

// SkipEntry records that a called participant did not show up.
func (s *QueueService) SkipEntry(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	entry, err := s.ledger.MarkSkipped(ctx, entryID)
	trackOperation("skip", err)
	return entry, err
}

func (s *QueueService) Estimate(ctx context.Context, queueID int64) (EstimateResult, error) {
	q, err := s.ledger.GetQueue(ctx, queueID)
	if err != nil {
		return EstimateResult{}, err
	}
	est, err := s.estimate(ctx, q)
	if err != nil {
		return EstimateResult{}, err
	}
	return EstimateResult{
		QueueID:            queueID,
		PerPersonMinutes:   roundMinutes(est.Mean),
		PerPersonInterval:  []float64{roundMinutes(est.CILow), roundMinutes(est.CIHigh)},
		StdErr:             est.StdErr,
		ProbAtOrBelowPrior: est.ProbAtOrBelowPrior,
		PriorMinutes:       s.prior(q),
		SampleCount:        est.SampleCount,
	}, nil
}

// Waiting lists the line in order with participant details.
func (s *QueueService) Waiting(ctx context.Context, queueID int64) (WaitingResult, error) {
	if _, err := s.ledger.GetQueue(ctx, queueID); err != nil {
		return WaitingResult{}, err
	}

	ids, degraded, err := s.coord.Waiting(ctx, queueID)
	if err != nil {
		return WaitingResult{}, err
	}
	participants, err := s.ledger.GetParticipants(ctx, ids)
	if err != nil {
		return WaitingResult{}, err
	}

	res := WaitingResult{QueueID: queueID, Participants: make([]WaitingParticipant, 0, len(ids)), Degraded: degraded}
	for i, id := range ids {
		p := participants[id]
		res.Participants = append(res.Participants, WaitingParticipant{
			Position:    i + 1,
			ExternalID:  p.ExternalID,
			DisplayName: p.DisplayName,
		})
	}
	return res, nil
}

// Rebuild replaces the fast-store line of one queue with the ledger's order.
func (s *QueueService) Rebuild(ctx context.Context, queueID int64) (int, error) {
	if _, err := s.ledger.GetQueue(ctx, queueID); err != nil {
		return 0, err
	}
	n, err := s.coord.Rebuild(ctx, queueID)
	trackOperation("rebuild", err)
	return n, err
}

func (s *QueueService) estimate(ctx context.Context, q models.Queue) (estimator.Estimate, error) {
	samples, err := s.ledger.RecentServiceSamples(ctx, q.ID, s.config.SampleWindow)
	if err != nil {
		return estimator.Estimate{}, fmt.Errorf("estimate queue %d: %w", q.ID, err)
	}

	minutes := make([]float64, len(samples))
	for i, sample := range samples {
		minutes[i] = sample.Minutes
	}
	return estimator.EstimateServiceTime(minutes, estimator.Params{
		Prior:       s.prior(q),
		PriorWeight: s.config.PriorWeight,
		MinSamples:  s.config.MinSamples,
		Alpha:       s.config.ConfidenceAlpha,
	}), nil
}

func (s *QueueService) prior(q models.Queue) float64 {
	return q.Prior(s.config.DefaultPriorMinutes)
}

func trackOperation(op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	monitoring.TrackQueueOperation(op, outcome)
}

// roundMinutes rounds to one decimal place for display.
func roundMinutes(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(1).Float64()
	return f
}

func formatMinutes(v float64) string {
	return decimal.NewFromFloat(v).Round(1).String()
}

func ptr[T any](v T) *T {
	return &v
}
