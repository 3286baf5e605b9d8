// Package notifier decides when the pool is in range and notifies token holders.
package notifier

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"donut-notifier/internal/breakeven"
	"donut-notifier/internal/chain"
	"donut-notifier/internal/domain"
	"donut-notifier/internal/observability"
	"donut-notifier/internal/pricefeed"
	"donut-notifier/internal/storage"
)

// DefaultFlagKey is the flag store key for the in-range episode.
const DefaultFlagKey = "in_range_notified"

// HolderSource lists the current holders of a token.
type HolderSource interface {
	Holders(ctx context.Context, token common.Address) ([]common.Address, error)
}

// IdentityResolver maps wallet addresses to Farcaster FIDs.
type IdentityResolver interface {
	ResolveFIDs(ctx context.Context, addrs []common.Address) ([]int64, error)
}

// Sender delivers a notification to FIDs and returns the reported delivery count.
type Sender interface {
	SendNotification(ctx context.Context, n domain.Notification, fids []int64) (int, error)
}

// PriceSource returns the ETH/USD quote used to decorate notifications.
type PriceSource interface {
	Get(ctx context.Context) (pricefeed.Quote, error)
}

// Config holds the notifier's static settings.
type Config struct {
	FlagKey   string
	Token     common.Address // tracked token whose holders are notified
	Title     string
	TargetURL string
}

// Options holds Notifier dependencies. Prices, Notifications and Metrics are optional.
type Options struct {
	Config        Config
	Chain         chain.Reader
	Flags         storage.FlagStore
	Holders       HolderSource
	Identities    IdentityResolver
	Sender        Sender
	Prices        PriceSource
	Notifications storage.NotificationStore
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	Clock         clock.Clock
}

// Result is the outcome of one Check.
type Result struct {
	Outcome    domain.Outcome     `json:"outcome"`
	Evaluation *domain.Evaluation `json:"evaluation,omitempty"`
	Miner      string             `json:"miner,omitempty"`
	Holders    int                `json:"holders"`
	Recipients int                `json:"recipients"`
}

// Notifier runs the break-even check and the in-range notification.
type Notifier struct {
	cfg           Config
	chain         chain.Reader
	flags         storage.FlagStore
	holders       HolderSource
	identities    IdentityResolver
	sender        Sender
	prices        PriceSource
	notifications storage.NotificationStore
	metrics       *observability.Metrics
	logger        *zap.Logger
	clock         clock.Clock
}

// New creates a Notifier.
func New(opts Options) *Notifier {
	if opts.Config.FlagKey == "" {
		opts.Config.FlagKey = DefaultFlagKey
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Notifier{
		cfg:           opts.Config,
		chain:         opts.Chain,
		flags:         opts.Flags,
		holders:       opts.Holders,
		identities:    opts.Identities,
		sender:        opts.Sender,
		prices:        opts.Prices,
		notifications: opts.Notifications,
		metrics:       opts.Metrics,
		logger:        opts.Logger.Named("notifier"),
		clock:         opts.Clock,
	}
}

// Check runs one invocation. The flag is written only after delivery
// succeeds, so a failed send is retried by the next invocation.
func (n *Notifier) Check(ctx context.Context) (*Result, error) {
	notified, err := n.flags.Get(ctx, n.cfg.FlagKey)
	if err != nil {
		n.metrics.RecordStoreError("flags", "get")
		return nil, fmt.Errorf("read notification flag: %w", err)
	}
	n.metrics.SetFlag(notified)

	if notified {
		return n.checkEpisode(ctx)
	}

	cfg, state, balance, err := n.readPool(ctx)
	if err != nil {
		return nil, err
	}

	eval := breakeven.Evaluate(cfg, state, balance)
	n.metrics.RecordEvaluation(&eval)
	res := &Result{Evaluation: &eval, Miner: state.Miner.Hex()}

	if !cfg.Strategy.IsActive() {
		res.Outcome = domain.OutcomePoolInactive
		return res, nil
	}
	if !eval.CanBuy {
		res.Outcome = domain.OutcomeNotInRange
		return res, nil
	}

	if err := n.notifyHolders(ctx, &eval, res); err != nil {
		return nil, err
	}
	res.Outcome = domain.OutcomeSent
	return res, nil
}

// checkEpisode handles a set flag: the episode ends once the pool no longer holds the seat.
func (n *Notifier) checkEpisode(ctx context.Context) (*Result, error) {
	state, err := n.chain.MinerState(ctx)
	if err != nil {
		return nil, fmt.Errorf("read miner state: %w", err)
	}
	res := &Result{Miner: state.Miner.Hex()}

	if state.Miner == n.chain.PoolAddress() {
		res.Outcome = domain.OutcomeAlreadyNotified
		return res, nil
	}

	if err := n.flags.Delete(ctx, n.cfg.FlagKey); err != nil {
		n.metrics.RecordStoreError("flags", "delete")
		return nil, fmt.Errorf("clear notification flag: %w", err)
	}
	n.metrics.SetFlag(false)
	n.logger.Info("in-range episode ended, flag cleared", zap.String("miner", res.Miner))

	res.Outcome = domain.OutcomeReset
	return res, nil
}

// readPool issues the three contract reads concurrently. Any failure cancels the rest.
func (n *Notifier) readPool(ctx context.Context) (domain.PoolConfig, domain.MinerState, *big.Int, error) {
	var (
		cfg     domain.PoolConfig
		state   domain.MinerState
		balance *big.Int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg, err = n.chain.PoolConfig(gctx); err != nil {
			return fmt.Errorf("read pool config: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if state, err = n.chain.MinerState(gctx); err != nil {
			return fmt.Errorf("read miner state: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if balance, err = n.chain.PoolBalance(gctx); err != nil {
			return fmt.Errorf("read pool balance: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return domain.PoolConfig{}, domain.MinerState{}, nil, err
	}
	return cfg, state, balance, nil
}

// notifyHolders fans the notification out to every holder with a Farcaster account,
// then sets the flag.
func (n *Notifier) notifyHolders(ctx context.Context, eval *domain.Evaluation, res *Result) error {
	holders, err := n.holders.Holders(ctx, n.cfg.Token)
	if err != nil {
		return fmt.Errorf("fetch holders: %w", err)
	}

	fids, err := n.identities.ResolveFIDs(ctx, holders)
	if err != nil {
		return fmt.Errorf("resolve fids: %w", err)
	}
	res.Holders = len(holders)
	n.metrics.RecordFanout(len(holders), len(fids))

	msg := n.buildNotification(ctx, eval)

	// An empty target list would broadcast to every subscriber of the app.
	if len(fids) > 0 {
		delivered, err := n.sender.SendNotification(ctx, msg, fids)
		if err != nil {
			return fmt.Errorf("send notification: %w", err)
		}
		res.Recipients = len(fids)
		n.metrics.RecordNotificationSent(len(fids))
		n.logger.Info("notification sent",
			zap.Int("holders", len(holders)),
			zap.Int("fids", len(fids)),
			zap.Int("delivered", delivered))
		n.recordNotification(ctx, msg, fids)
	} else {
		n.logger.Warn("no holder resolved to a farcaster account, skipping delivery",
			zap.Int("holders", len(holders)))
	}

	won, err := n.flags.SetIfAbsent(ctx, n.cfg.FlagKey)
	if err != nil {
		n.metrics.RecordStoreError("flags", "set")
		return fmt.Errorf("set notification flag: %w", err)
	}
	if !won {
		n.metrics.RecordFlagRace()
		n.logger.Warn("notification flag was set by another invocation; holders may have been notified twice")
	}
	n.metrics.SetFlag(true)
	return nil
}

// recordNotification appends to the notification log. Failures are logged only.
func (n *Notifier) recordNotification(ctx context.Context, msg domain.Notification, fids []int64) {
	if n.notifications == nil {
		return
	}
	rec := &domain.NotificationRecord{
		SentAt:       n.clock.Now(),
		Notification: msg,
		FIDs:         fids,
	}
	if err := n.notifications.Insert(ctx, rec); err != nil {
		n.metrics.RecordStoreError("notifications", "insert")
		n.logger.Warn("failed to record notification", zap.Error(err))
	}
}

// buildNotification renders the push payload. The USD price is best effort.
func (n *Notifier) buildNotification(ctx context.Context, eval *domain.Evaluation) domain.Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Break-even %s vs %s target (%s). Seat price %.4f ETH",
		formatMinutes(eval.BreakEvenMinutes), formatMinutes(eval.TargetMinutes),
		strings.ToLower(eval.Strategy.String()), eval.Price)

	if n.prices != nil {
		quote, err := n.prices.Get(ctx)
		if err != nil {
			n.logger.Warn("eth price unavailable, sending without usd value", zap.Error(err))
		} else {
			fmt.Fprintf(&b, " (~$%.2f)", eval.Price*quote.USD)
		}
	}
	b.WriteString(".")

	return domain.Notification{
		Title:     n.cfg.Title,
		Body:      b.String(),
		TargetURL: n.cfg.TargetURL,
	}
}

func formatMinutes(m float64) string {
	if math.IsInf(m, 0) || math.IsNaN(m) {
		return "never"
	}
	return fmt.Sprintf("%.0fm", m)
}
