package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReconcilePolicy tunes the payment reconciliation state machine without a
// redeploy: attempt deadlines, the poll cadence advertised to clients, and the
// ambassador commission rate.
type ReconcilePolicy struct {
	AttemptDeadline     time.Duration `mapstructure:"attemptDeadline"`
	PollInterval        time.Duration `mapstructure:"pollInterval"`
	SweepBatchSize      int           `mapstructure:"sweepBatchSize"`
	CommissionRateBps   int64         `mapstructure:"commissionRateBps"`
	CommissionMinAmount int64         `mapstructure:"commissionMinAmount"`
}

func DefaultReconcilePolicy() ReconcilePolicy {
	return ReconcilePolicy{
		AttemptDeadline:     5 * time.Minute,
		PollInterval:        5 * time.Second,
		SweepBatchSize:      100,
		CommissionRateBps:   500,
		CommissionMinAmount: 0,
	}
}

type ReconcilePolicyHolder struct {
	current atomic.Value // holds ReconcilePolicy
}

// NewStaticPolicyHolder wraps a fixed policy; used by tests.
func NewStaticPolicyHolder(policy ReconcilePolicy) *ReconcilePolicyHolder {
	holder := &ReconcilePolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewReconcilePolicyHolder() (*ReconcilePolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("reconcile")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/duka")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DUKA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultReconcilePolicy()
		v.SetDefault("reconcile.attemptDeadline", defaults.AttemptDeadline)
		v.SetDefault("reconcile.pollInterval", defaults.PollInterval)
		v.SetDefault("reconcile.sweepBatchSize", defaults.SweepBatchSize)
		v.SetDefault("reconcile.commissionRateBps", defaults.CommissionRateBps)
		v.SetDefault("reconcile.commissionMinAmount", defaults.CommissionMinAmount)
	}

	var policy ReconcilePolicy
	if err := v.UnmarshalKey("reconcile", &policy); err != nil {
		return nil, err
	}
	if err := validateReconcilePolicy(policy); err != nil {
		return nil, err
	}

	holder := &ReconcilePolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ReconcilePolicy
		if err := v.UnmarshalKey("reconcile", &updated); err != nil {
			log.Printf("[reconcile-config] reload failed: %v", err)
			return
		}
		if err := validateReconcilePolicy(updated); err != nil {
			log.Printf("[reconcile-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[reconcile-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *ReconcilePolicyHolder) Get() ReconcilePolicy {
	return h.current.Load().(ReconcilePolicy)
}

func validateReconcilePolicy(policy ReconcilePolicy) error {
	if policy.AttemptDeadline <= 0 {
		return errors.New("reconcile.attemptDeadline must be positive")
	}
	if policy.PollInterval <= 0 {
		return errors.New("reconcile.pollInterval must be positive")
	}
	if policy.SweepBatchSize <= 0 {
		return errors.New("reconcile.sweepBatchSize must be positive")
	}
	if policy.CommissionRateBps < 0 || policy.CommissionRateBps > 10_000 {
		return errors.New("reconcile.commissionRateBps must be between 0 and 10000")
	}
	if policy.CommissionMinAmount < 0 {
		return errors.New("reconcile.commissionMinAmount cannot be negative")
	}
	return nil
}
