// Package coordinator drives a session through its phase state machine.
// The coordinator owns all writes to session state: it dispatches roles
// eligible for the current phase, harvests their outputs into the plan
// and report registries, and appends the transition entries from which
// the session's phase is derived. Roles never talk to each other; every
// handoff flows through the stores.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/ensemble/internal/agent"
	"github.com/Iron-Ham/ensemble/internal/errors"
	"github.com/Iron-Ham/ensemble/internal/event"
	"github.com/Iron-Ham/ensemble/internal/logging"
	"github.com/Iron-Ham/ensemble/internal/plan"
	"github.com/Iron-Ham/ensemble/internal/review"
	"github.com/Iron-Ham/ensemble/internal/role"
	"github.com/Iron-Ham/ensemble/internal/session"
)

// DefaultMaxAttempts is how many times a role invocation runs before its
// failure becomes session-fatal: one attempt plus one retry.
const DefaultMaxAttempts = 2

// Config carries the coordinator's collaborators. Sessions, Roles,
// Plans, Reports and Runner are required; Bus and Logger are optional.
type Config struct {
	Sessions *session.ContextManager
	Roles    *role.Registry
	Plans    *plan.Registry
	Reports  *review.Registry
	Runner   agent.Runner

	Bus    *event.Bus
	Logger *logging.Logger

	// DispatchTimeout bounds a single role invocation. Zero means no
	// timeout beyond the caller's context.
	DispatchTimeout time.Duration

	// MaxAttempts bounds invocation attempts per role per phase. Values
	// below 1 fall back to DefaultMaxAttempts.
	MaxAttempts int
}

// Coordinator is the session state machine. One coordinator can drive
// many sessions; per-session exclusivity comes from the session lock,
// which the CLI acquires before calling Run.
type Coordinator struct {
	sessions *session.ContextManager
	roles    *role.Registry
	plans    *plan.Registry
	reports  *review.Registry
	runner   agent.Runner
	bus      *event.Bus
	logger   *logging.Logger

	dispatchTimeout time.Duration
	maxAttempts     int
}

// New creates a coordinator from the given configuration.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Sessions == nil || cfg.Roles == nil || cfg.Plans == nil || cfg.Reports == nil {
		return nil, errors.NewValidationError("coordinator requires sessions, roles, plans and reports")
	}
	if cfg.Runner == nil {
		return nil, errors.NewValidationError("coordinator requires an agent runner")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{
		sessions:        cfg.Sessions,
		roles:           cfg.Roles,
		plans:           cfg.Plans,
		reports:         cfg.Reports,
		runner:          cfg.Runner,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		dispatchTimeout: cfg.DispatchTimeout,
		maxAttempts:     cfg.MaxAttempts,
	}, nil
}

// Run drives the session until it reaches a terminal phase and returns
// that phase. A Failed session is a normal outcome, not an error; the
// error return covers infrastructure failures (store I/O, corrupted
// state) and context cancellation.
func (c *Coordinator) Run(ctx context.Context, sessionID string) (session.Phase, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	log := c.logger.WithSession(sessionID)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		phase, err := c.sessions.CurrentPhase(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if phase.Terminal() {
			log.Info("session reached terminal phase", "final_phase", phase.String())
			return phase, nil
		}

		var stepErr error
		switch phase {
		case session.PhasePlanning:
			stepErr = c.runPlanning(ctx, sess, log)
		case session.PhaseReadyForExecution:
			stepErr = c.transition(ctx, sess, phase, session.PhaseExecuting, "plans complete")
		case session.PhaseExecuting:
			stepErr = c.runExecuting(ctx, sess, log)
		case session.PhaseReviewing:
			stepErr = c.runReviewing(ctx, sess, log)
		case session.PhaseRefactoring:
			stepErr = c.runRefactoring(ctx, sess, log)
		default:
			return "", errors.NewDispatchError("session is in an unrecognized phase", nil).
				WithPhase(phase.String())
		}
		if stepErr != nil {
			return "", stepErr
		}
	}
}

// Cancel forces a running session to Failed and appends the poison entry
// marking external cancellation. In-flight invocations observe
// cancellation through their context; partially written artifacts are
// kept as-is.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, reason string) error {
	phase, err := c.sessions.CurrentPhase(ctx, sessionID)
	if err != nil {
		return err
	}
	if phase.Terminal() {
		return errors.NewSessionError(
			fmt.Sprintf("cannot cancel session in phase '%s'", phase), errors.ErrSessionTerminal,
		).WithSessionID(sessionID)
	}
	if reason == "" {
		reason = "canceled by caller"
	}

	if err := c.sessions.Append(ctx, sessionID, session.NewPoisonEntry(reason)); err != nil {
		return fmt.Errorf("failed to append poison entry: %w", err)
	}

	c.logger.WithSession(sessionID).Warn("session canceled", "reason", reason)
	c.publish(event.NewPhaseChangedEvent(sessionID, phase.String(), session.PhaseFailed.String(), reason))
	c.publish(event.NewSessionCompletedEvent(sessionID, false, reason))
	return nil
}

// PendingRoles returns the names of the roles eligible to run in the
// session's current phase, after input gating. Empty for terminal and
// auto-transition phases.
func (c *Coordinator) PendingRoles(ctx context.Context, sessionID string) ([]string, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	phase, err := c.sessions.CurrentPhase(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if phase.Terminal() || phase == session.PhaseReadyForExecution {
		return nil, nil
	}

	contracts, _, err := c.eligible(ctx, sess, phase)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(contracts))
	for _, contract := range contracts {
		names = append(names, contract.Name)
	}
	return names, nil
}

// ---------------------------------------------------------------------
// Phase handlers
// ---------------------------------------------------------------------

// runPlanning dispatches every planner that produces a still-missing
// requested plan type, concurrently. Planning leaves the session either
// in ReadyForExecution or Failed; it never stalls.
func (c *Coordinator) runPlanning(ctx context.Context, sess *session.Session, log *logging.Logger) error {
	missing, err := c.plans.Missing(ctx, sess.ID, sess.Feature, requestedTypes(sess))
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return c.transition(ctx, sess, session.PhasePlanning, session.PhaseReadyForExecution,
			"all requested plans registered")
	}

	contracts, reason, err := c.eligible(ctx, sess, session.PhasePlanning)
	if err != nil {
		return err
	}
	contracts = plannersFor(contracts, missing)
	if len(contracts) == 0 {
		if reason == "" {
			reason = fmt.Sprintf("no eligible role produces plans %v", missing)
		}
		return c.failSession(ctx, sess, session.PhasePlanning, reason, log)
	}

	// Planner outputs live in disjoint keys, so they run concurrently;
	// context-log appends are serialized by the optimistic append check.
	g, gctx := errgroup.WithContext(ctx)
	for _, contract := range contracts {
		contract := contract
		g.Go(func() error {
			res, err := c.invokeRole(gctx, sess, contract, session.PhasePlanning, log)
			if err != nil {
				return err
			}
			return c.harvest(gctx, sess, contract, session.PhasePlanning, res)
		})
	}
	if err := g.Wait(); err != nil {
		return c.failSession(ctx, sess, session.PhasePlanning, err.Error(), log)
	}

	missing, err = c.plans.Missing(ctx, sess.ID, sess.Feature, requestedTypes(sess))
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		reason := fmt.Sprintf("missing plan: %s/%s", missing[0], sess.Feature)
		return c.failSession(ctx, sess, session.PhasePlanning, reason, log)
	}
	return c.transition(ctx, sess, session.PhasePlanning, session.PhaseReadyForExecution,
		"all requested plans registered")
}

func (c *Coordinator) runExecuting(ctx context.Context, sess *session.Session, log *logging.Logger) error {
	if _, err := c.runPhaseRoles(ctx, sess, session.PhaseExecuting, log); err != nil {
		return err
	}
	phase, err := c.sessions.CurrentPhase(ctx, sess.ID)
	if err != nil || phase != session.PhaseExecuting {
		return err
	}
	return c.transition(ctx, sess, session.PhaseExecuting, session.PhaseReviewing, "execution complete")
}

func (c *Coordinator) runReviewing(ctx context.Context, sess *session.Session, log *logging.Logger) error {
	results, err := c.runPhaseRoles(ctx, sess, session.PhaseReviewing, log)
	if err != nil {
		return err
	}
	phase, err := c.sessions.CurrentPhase(ctx, sess.ID)
	if err != nil || phase != session.PhaseReviewing {
		return err
	}

	var report *review.Report
	for _, res := range results {
		if res.Report != nil {
			report = res.Report
		}
	}
	if report == nil {
		return c.failSession(ctx, sess, session.PhaseReviewing, "reviewer produced no report", log)
	}

	summary := report.Summary()
	if report.HasMajor() {
		// Major findings need human attention before any automated
		// refactor touches the tree; the report stays attached to the
		// terminal state.
		return c.transition(ctx, sess, session.PhaseReviewing, session.PhaseDone,
			fmt.Sprintf("review found major findings (%s), refactor skipped", summary))
	}
	if sess.RefactorRequested {
		return c.transition(ctx, sess, session.PhaseReviewing, session.PhaseRefactoring,
			fmt.Sprintf("review clean (%s), refactor requested", summary))
	}
	return c.transition(ctx, sess, session.PhaseReviewing, session.PhaseDone,
		fmt.Sprintf("review complete (%s)", summary))
}

func (c *Coordinator) runRefactoring(ctx context.Context, sess *session.Session, log *logging.Logger) error {
	if _, err := c.runPhaseRoles(ctx, sess, session.PhaseRefactoring, log); err != nil {
		return err
	}
	phase, err := c.sessions.CurrentPhase(ctx, sess.ID)
	if err != nil || phase != session.PhaseRefactoring {
		return err
	}
	return c.transition(ctx, sess, session.PhaseRefactoring, session.PhaseDone, "refactor complete")
}

// runPhaseRoles invokes every eligible role for the phase in order. A
// final invocation failure moves the session to Failed; the caller
// detects that by re-deriving the phase.
func (c *Coordinator) runPhaseRoles(ctx context.Context, sess *session.Session, phase session.Phase, log *logging.Logger) ([]*agent.Result, error) {
	contracts, reason, err := c.eligible(ctx, sess, phase)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		if reason == "" {
			reason = fmt.Sprintf("no eligible role for phase %s", phase)
		}
		return nil, c.failSession(ctx, sess, phase, reason, log)
	}

	var results []*agent.Result
	for _, contract := range contracts {
		res, err := c.invokeRole(ctx, sess, contract, phase, log)
		if err != nil {
			return nil, c.failSession(ctx, sess, phase, err.Error(), log)
		}
		if err := c.harvest(ctx, sess, contract, phase, res); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ---------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------

// eligible computes the contracts allowed to run in the phase, excluding
// roles whose non-plan required inputs are absent. The computation reads
// the stores once, so repeated calls over an unchanged snapshot yield
// the same set. Returns the exclusion reason when gating emptied the set.
func (c *Coordinator) eligible(ctx context.Context, sess *session.Session, phase session.Phase) ([]role.Contract, string, error) {
	candidates := c.roles.EligibleFor(phase.String())

	var contracts []role.Contract
	var lastReason string
	for _, contract := range candidates {
		ok, reason, err := c.inputsPresent(ctx, sess, contract)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			lastReason = fmt.Sprintf("role %s excluded: %s", contract.Name, reason)
			continue
		}
		contracts = append(contracts, contract)
	}
	if len(contracts) == 0 && len(candidates) > 0 {
		return nil, lastReason, nil
	}
	return contracts, "", nil
}

// inputsPresent gates dispatch on a contract's required inputs. The
// "plans" sentinel is not gated here: plan resolution happens inside the
// invocation attempt so a missing plan surfaces as a role invocation
// failure rather than a silent exclusion.
func (c *Coordinator) inputsPresent(ctx context.Context, sess *session.Session, contract role.Contract) (bool, string, error) {
	for _, input := range contract.RequiredInputs {
		switch input {
		case role.RequiredInputPlans:
			continue
		case "report":
			if _, err := c.reports.Latest(ctx, sess.ID); err != nil {
				if errors.Is(err, errors.ErrNotFound) {
					return false, "missing input: report", nil
				}
				return false, "", err
			}
		default:
			exists, err := c.plans.IsComplete(ctx, sess.ID, sess.Feature, []plan.Type{plan.Type(input)})
			if err != nil {
				return false, "", err
			}
			if !exists {
				return false, fmt.Sprintf("missing input: %s", input), nil
			}
		}
	}
	return true, "", nil
}

// invokeRole runs one role with bounded retries. Every failed attempt is
// recorded as a structured failure entry on the context log; the final
// failure is returned for the caller to turn into a session failure.
func (c *Coordinator) invokeRole(ctx context.Context, sess *session.Session, contract role.Contract, phase session.Phase, log *logging.Logger) (*agent.Result, error) {
	roleLog := log.WithRole(contract.Name).WithPhase(phase.String())

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.publish(event.NewRoleDispatchedEvent(sess.ID, contract.Name, phase.String(), attempt))
		roleLog.Info("dispatching role", "attempt", attempt)

		res, err := c.invokeOnce(ctx, sess, contract, phase, attempt)
		if err == nil {
			artifacts := len(res.Plans)
			if res.Report != nil {
				artifacts++
			}
			c.publish(event.NewRoleCompletedEvent(sess.ID, contract.Name, phase.String(), artifacts))
			roleLog.Info("role completed", "attempt", attempt, "artifacts", artifacts)
			return res, nil
		}

		final := attempt == c.maxAttempts
		c.publish(event.NewRoleFailedEvent(sess.ID, contract.Name, phase.String(), attempt, final, err.Error()))
		roleLog.Warn("role invocation failed", "attempt", attempt, "final", final, "error", err.Error())

		failure := session.NewFailureEntry(contract.Name, phase, err.Error())
		if appendErr := c.sessions.Append(ctx, sess.ID, failure); appendErr != nil {
			roleLog.Error("failed to record invocation failure", "error", appendErr.Error())
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %w", errors.ErrRoleInvocation, lastErr)
}

func (c *Coordinator) invokeOnce(ctx context.Context, sess *session.Session, contract role.Contract, phase session.Phase, attempt int) (*agent.Result, error) {
	if c.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dispatchTimeout)
		defer cancel()
	}

	inv, err := c.buildInvocation(ctx, sess, contract, phase, attempt)
	if err != nil {
		return nil, err
	}
	res, err := c.runner.Invoke(ctx, inv)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.NewRoleError("runner returned no result", errors.ErrRoleInvocation).
			WithRole(contract.Name)
	}
	return res, nil
}

// buildInvocation snapshots everything the role may observe. Resolving
// the executor's required plans happens here, per attempt, so a missing
// plan fails the attempt with the resolver's error.
func (c *Coordinator) buildInvocation(ctx context.Context, sess *session.Session, contract role.Contract, phase session.Phase, attempt int) (agent.Invocation, error) {
	entries, err := c.sessions.Read(ctx, sess.ID)
	if err != nil {
		return agent.Invocation{}, err
	}

	var plansInScope []plan.Artifact
	for _, input := range contract.RequiredInputs {
		if input != role.RequiredInputPlans {
			continue
		}
		for _, t := range requestedTypes(sess) {
			a, err := c.plans.Resolve(ctx, sess.ID, t, sess.Feature)
			if err != nil {
				return agent.Invocation{}, err
			}
			plansInScope = append(plansInScope, *a)
		}
	}

	return agent.Invocation{
		Session:  *sess,
		Phase:    phase,
		Contract: contract,
		Rules:    c.roles.Rules(),
		Context:  entries,
		Plans:    plansInScope,
		Attempt:  attempt,
	}, nil
}

// harvest moves a role's outputs into the stores and appends its
// violations and notes to the context log.
func (c *Coordinator) harvest(ctx context.Context, sess *session.Session, contract role.Contract, phase session.Phase, res *agent.Result) error {
	for _, p := range res.Plans {
		if p.Feature == "" {
			p.Feature = sess.Feature
		}
		if p.Role == "" {
			p.Role = contract.Name
		}
		previous, err := c.plans.Register(ctx, sess.ID, p)
		if err != nil {
			return fmt.Errorf("failed to register plan %s: %w", p.Key(), err)
		}
		c.publish(event.NewPlanRegisteredEvent(sess.ID, string(p.Type), p.Feature, previous != nil))
	}

	if res.Report != nil {
		if res.Report.SessionID == "" {
			res.Report.SessionID = sess.ID
		}
		if _, err := c.reports.File(ctx, res.Report); err != nil {
			return fmt.Errorf("failed to file review report: %w", err)
		}
		s := res.Report.Summary()
		c.publish(event.NewReportFiledEvent(sess.ID, s.Major, s.Medium, s.Minor))
	}

	for _, v := range res.Violations {
		entry := session.NewFailureEntry(contract.Name, phase,
			fmt.Sprintf("capability denied: %s (%s)", v.Capability, v.Detail))
		if err := c.sessions.Append(ctx, sess.ID, entry); err != nil {
			return fmt.Errorf("failed to record capability violation by %s: %w", contract.Name, err)
		}
		c.logger.WithSession(sess.ID).WithRole(contract.Name).Warn("capability violation recorded",
			"capability", string(v.Capability), "detail", v.Detail)
	}

	for _, note := range res.Notes {
		entry := session.NewNoteEntry(contract.Name, phase, note)
		if err := c.sessions.Append(ctx, sess.ID, entry); err != nil {
			return fmt.Errorf("failed to append note from %s: %w", contract.Name, err)
		}
	}
	if len(res.Notes) > 0 && c.bus != nil {
		if entries, err := c.sessions.Read(ctx, sess.ID); err == nil {
			c.publish(event.NewContextAppendedEvent(sess.ID, contract.Name, len(entries)))
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------

func (c *Coordinator) transition(ctx context.Context, sess *session.Session, from, to session.Phase, reason string) error {
	entry := session.NewTransitionEntry(to, reason)
	if err := c.sessions.Append(ctx, sess.ID, entry); err != nil {
		return fmt.Errorf("failed to transition session to %s: %w", to, err)
	}

	c.logger.WithSession(sess.ID).Info("phase transition",
		"from", from.String(), "to", to.String(), "reason", reason)
	c.publish(event.NewPhaseChangedEvent(sess.ID, from.String(), to.String(), reason))
	if to.Terminal() {
		c.publish(event.NewSessionCompletedEvent(sess.ID, to == session.PhaseDone, reason))
	}
	return nil
}

func (c *Coordinator) failSession(ctx context.Context, sess *session.Session, from session.Phase, reason string, log *logging.Logger) error {
	log.Error("session failed", "phase", from.String(), "reason", reason)
	return c.transition(ctx, sess, from, session.PhaseFailed, reason)
}

func (c *Coordinator) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

// plannersFor keeps the contracts that produce at least one missing
// plan type, preserving order.
func plannersFor(contracts []role.Contract, missing []plan.Type) []role.Contract {
	missingSet := make(map[string]bool, len(missing))
	for _, t := range missing {
		missingSet[string(t)] = true
	}

	var keep []role.Contract
	for _, contract := range contracts {
		for _, produced := range contract.Produces {
			if missingSet[produced] {
				keep = append(keep, contract)
				break
			}
		}
	}
	return keep
}

func requestedTypes(sess *session.Session) []plan.Type {
	types := make([]plan.Type, 0, len(sess.RequestedPlans))
	for _, t := range sess.RequestedPlans {
		types = append(types, plan.Type(t))
	}
	return types
}
