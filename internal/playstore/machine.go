package playstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maltedev/review-crawler/internal/metrics"
	"github.com/maltedev/review-crawler/internal/models"
)

// ErrPanelUnavailable aborts the current app: without the review panel no
// rating partition can be reached.
var ErrPanelUnavailable = errors.New("review panel unavailable")

// ErrNoNewReviews ends the scrolling of a rating: the list is exhausted.
var ErrNoNewReviews = errors.New("no new reviews rendered")

type State int

const (
	StateStart State = iota
	StatePanelOpen
	StateFilterOpen
	StateRatingSelected
	StateScrolled
	StateCollected
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StatePanelOpen:
		return "panel_open"
	case StateFilterOpen:
		return "filter_open"
	case StateRatingSelected:
		return "rating_selected"
	case StateScrolled:
		return "scrolled"
	case StateCollected:
		return "collected"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Driver performs the individual UI steps of a review pass. Each step either
// reaches the next state or returns an error.
type Driver interface {
	OpenReviews(ctx context.Context) error
	OpenFilter(ctx context.Context, rating int) error
	SelectRating(ctx context.Context, rating int) error
	ScrollOnce(ctx context.Context) error
	DetectChallenge(ctx context.Context) (bool, error)
	Collect(ctx context.Context, rating int) ([]models.ReviewRecord, error)
}

// Sink receives the aggregate of a finished pass.
type Sink interface {
	Write(ctx context.Context, sourceID string, records []models.ReviewRecord) error
}

type MachineConfig struct {
	Ratings          []int
	TargetPerRating  int
	ReviewsPerScroll int
	ChallengeEvery   int
}

func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		Ratings:          []int{1, 2, 3, 4, 5},
		TargetPerRating:  500,
		ReviewsPerScroll: 10,
		ChallengeEvery:   3,
	}
}

// Scrolls is ceil(TargetPerRating / ReviewsPerScroll).
func (c MachineConfig) Scrolls() int {
	per := c.ReviewsPerScroll
	if per < 1 {
		per = 1
	}
	if c.TargetPerRating <= 0 {
		return 0
	}
	return (c.TargetPerRating + per - 1) / per
}

// Session is the machine's progress through one app.
type Session struct {
	AppID      string
	StarRating int
	State      State
	Collected  []models.ReviewRecord
}

// Result summarises a finished pass.
type Result struct {
	AppID      string
	Records    []models.ReviewRecord
	Completed  []int
	Failed     map[int]error
	Challenges int
}

// Machine walks Start -> PanelOpen -> {FilterOpen -> RatingSelected ->
// Scrolled -> Collected} per rating -> Done. A failed step inside a rating
// skips to the next rating and keeps what earlier ratings collected.
type Machine struct {
	driver  Driver
	sink    Sink
	cfg     MachineConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	session Session
}

func NewMachine(driver Driver, sink Sink, cfg MachineConfig, m *metrics.Metrics, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Ratings) == 0 {
		cfg.Ratings = DefaultMachineConfig().Ratings
	}
	return &Machine{
		driver:  driver,
		sink:    sink,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "playstore"),
	}
}

// Session returns a snapshot of the current progress.
func (m *Machine) Session() Session {
	s := m.session
	s.Collected = append([]models.ReviewRecord(nil), m.session.Collected...)
	return s
}

// Run walks every configured rating of appID. Whatever finished ratings
// collected is returned and written to the sink even when ctx is cancelled
// part way through.
func (m *Machine) Run(ctx context.Context, appID string) (Result, error) {
	m.session = Session{AppID: appID, State: StateStart}
	result := Result{AppID: appID, Failed: map[int]error{}}
	logger := m.logger.With("app_id", appID)

	if err := m.driver.OpenReviews(ctx); err != nil {
		logger.Error("could not open review panel", "error", err)
		return result, fmt.Errorf("%w: %w", ErrPanelUnavailable, err)
	}
	m.transition(logger, StatePanelOpen, 0)

	for _, rating := range m.cfg.Ratings {
		if ctx.Err() != nil {
			break
		}

		m.session.StarRating = rating
		records, challenges, err := m.runRating(ctx, logger, rating)
		result.Challenges += challenges
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("skipping rating",
				"star_rating", rating,
				"state", m.session.State.String(),
				"error", err,
			)
			result.Failed[rating] = err
			m.session.State = StatePanelOpen
			continue
		}

		m.session.Collected = append(m.session.Collected, records...)
		result.Completed = append(result.Completed, rating)
		logger.Info("collected rating partition", "star_rating", rating, "records", len(records))
	}

	result.Records = m.session.Collected
	m.metrics.AddRecords(string(models.SourcePlayStore), len(result.Records))

	if err := ctx.Err(); err != nil {
		logger.Warn("crawl interrupted, keeping finished ratings",
			"completed", result.Completed,
			"records", len(result.Records),
		)
		if len(result.Records) > 0 {
			if werr := m.write(context.WithoutCancel(ctx), appID, result.Records); werr != nil {
				return result, errors.Join(err, werr)
			}
		}
		return result, err
	}

	m.transition(logger, StateDone, 0)
	return result, m.write(ctx, appID, result.Records)
}

func (m *Machine) write(ctx context.Context, appID string, records []models.ReviewRecord) error {
	if m.sink == nil {
		return nil
	}
	if err := m.sink.Write(ctx, appID, records); err != nil {
		return fmt.Errorf("failed to write reviews: %w", err)
	}
	return nil
}

func (m *Machine) runRating(ctx context.Context, logger *slog.Logger, rating int) ([]models.ReviewRecord, int, error) {
	if err := m.driver.OpenFilter(ctx, rating); err != nil {
		return nil, 0, fmt.Errorf("open filter: %w", err)
	}
	m.transition(logger, StateFilterOpen, rating)

	if err := m.driver.SelectRating(ctx, rating); err != nil {
		return nil, 0, fmt.Errorf("select rating: %w", err)
	}
	m.transition(logger, StateRatingSelected, rating)

	challenges := 0
	scrolls := m.cfg.Scrolls()
	for i := 0; i < scrolls; i++ {
		if err := m.driver.ScrollOnce(ctx); err != nil {
			if errors.Is(err, ErrNoNewReviews) && ctx.Err() == nil {
				logger.Info("review list exhausted", "star_rating", rating, "scroll", i+1)
				break
			}
			return nil, challenges, fmt.Errorf("scroll %d/%d: %w", i+1, scrolls, err)
		}

		if m.cfg.ChallengeEvery > 0 && i%m.cfg.ChallengeEvery == 0 {
			found, err := m.driver.DetectChallenge(ctx)
			if err != nil {
				logger.Debug("challenge check failed", "error", err)
			}
			if found {
				challenges++
				m.metrics.IncChallenge()
				logger.Warn("challenge present while scrolling", "star_rating", rating, "scroll", i+1)
			}
		}
	}
	m.transition(logger, StateScrolled, rating)

	records, err := m.driver.Collect(ctx, rating)
	if err != nil {
		return nil, challenges, fmt.Errorf("collect: %w", err)
	}
	m.transition(logger, StateCollected, rating)

	return records, challenges, nil
}

func (m *Machine) transition(logger *slog.Logger, next State, rating int) {
	logger.Debug("state transition",
		"from", m.session.State.String(),
		"to", next.String(),
		"star_rating", rating,
	)
	m.session.State = next
}
