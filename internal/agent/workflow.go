// Package agent runs one patient message through the triage workflow:
// redaction, risk gating, then either escalation to a clinician or profile
// update and an AI reply.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nightingale/nightingale/internal/domain/escalation"
	"github.com/nightingale/nightingale/internal/domain/profile"
	"github.com/nightingale/nightingale/internal/platform/db"
	"github.com/nightingale/nightingale/internal/platform/hipaa"
	"github.com/nightingale/nightingale/internal/platform/llm"
)

type Stage int

const (
	StageRedact Stage = iota
	StageRiskGate
	StageEscalate
	StageRetrieve
	StageExtract
	StageMerge
	StageRespond
	StageDone
)

var stageNames = [...]string{
	StageRedact:   "REDACT",
	StageRiskGate: "RISK_GATE",
	StageEscalate: "ESCALATE",
	StageRetrieve: "RETRIEVE",
	StageExtract:  "EXTRACT",
	StageMerge:    "MERGE",
	StageRespond:  "RESPOND",
	StageDone:     "DONE",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// next is the only place the stage order is defined. The branch after the
// risk gate reads the escalation decision and nothing later revisits it.
func next(s Stage, st *State) Stage {
	switch s {
	case StageRedact:
		return StageRiskGate
	case StageRiskGate:
		if st.ShouldEscalate() {
			return StageEscalate
		}
		return StageRetrieve
	case StageRetrieve:
		return StageExtract
	case StageExtract:
		return StageMerge
	case StageMerge:
		return StageRespond
	default:
		return StageDone
	}
}

// ProfileStore is the durable patient profile.
type ProfileStore interface {
	Load(ctx context.Context, patientID uuid.UUID) (*profile.Profile, error)
	Apply(ctx context.Context, patientID uuid.UUID, delta profile.FactDelta, provenance uuid.UUID) (*profile.Profile, profile.MergeReport, error)
}

type TicketOpener interface {
	Open(ctx context.Context, req escalation.OpenRequest) (*escalation.Ticket, error)
}

type ConversationEscalator interface {
	MarkEscalated(ctx context.Context, id uuid.UUID) error
}

// Workflow sequences the stages of one turn.
type Workflow struct {
	redactor   *hipaa.Redactor
	classifier *Classifier
	extractor  *Extractor
	responder  *Responder
	escalator  *Escalator
	profiles   ProfileStore
	logger     zerolog.Logger
}

func NewWorkflow(completer llm.Completer, profiles ProfileStore, tickets TicketOpener, conversations ConversationEscalator, uow db.UnitOfWork, logger zerolog.Logger) *Workflow {
	logger = logger.With().Str("component", "agent").Logger()
	return &Workflow{
		redactor:   hipaa.NewRedactor(),
		classifier: NewClassifier(llm.Logged(completer, logger, StageRiskGate.String())),
		extractor:  NewExtractor(llm.Logged(completer, logger, StageExtract.String()), logger),
		responder:  NewResponder(llm.Logged(completer, logger, StageRespond.String())),
		escalator:  NewEscalator(llm.Logged(completer, logger, StageEscalate.String()), profiles, tickets, conversations, uow),
		profiles:   profiles,
		logger:     logger,
	}
}

// Run drives st from its current stage to StageDone. Model failures are
// absorbed by each stage's fallback; a storage failure stops the run with a
// *RunError and the returned state must not be treated as a result.
func (w *Workflow) Run(ctx context.Context, st State) (State, error) {
	start := time.Now()
	for st.Stage != StageDone {
		if err := w.step(ctx, &st); err != nil {
			w.logger.Error().Err(err).
				Str("message_id", st.MessageID.String()).
				Stringer("stage", st.Stage).
				Msg("workflow failed")
			return st, &RunError{Stage: st.Stage, Err: err}
		}
		st.Stage = next(st.Stage, &st)
	}

	if st.Outcome == nil {
		return st, &RunError{Stage: StageDone, Err: fmt.Errorf("turn finished without an outcome")}
	}
	w.logger.Info().
		Str("message_id", st.MessageID.String()).
		Str("risk_level", string(st.RiskLevel())).
		Bool("escalated", st.ShouldEscalate()).
		Bool("phi_detected", st.PHIDetected).
		Dur("elapsed", time.Since(start)).
		Msg("workflow completed")
	return st, nil
}

func (w *Workflow) step(ctx context.Context, st *State) error {
	switch st.Stage {
	case StageRedact:
		redacted, entities := w.redactor.Redact(st.RawMessage)
		if err := st.setRedacted(redacted); err != nil {
			return err
		}
		st.PHIDetected = len(entities) > 0

	case StageRiskGate:
		return st.setRisk(w.classifier.Assess(ctx, st.RedactedMessage()))

	case StageEscalate:
		return w.escalator.Escalate(ctx, st)

	case StageRetrieve:
		if st.Profile != nil {
			return nil
		}
		p, err := w.profiles.Load(ctx, st.PatientID)
		if err != nil {
			return err
		}
		st.Profile = p

	case StageExtract:
		st.ExtractedFacts = w.extractor.Extract(ctx, st.RedactedMessage(), st.Profile)

	case StageMerge:
		if st.ExtractedFacts.IsEmpty() {
			return nil
		}
		p, _, err := w.profiles.Apply(ctx, st.PatientID, st.ExtractedFacts, st.MessageID)
		if err != nil {
			return err
		}
		st.Profile = p

	case StageRespond:
		risk, _ := st.Risk()
		st.Outcome = Responded{Text: w.responder.Respond(ctx, st.RedactedMessage(), st.Profile, risk)}

	default:
		return fmt.Errorf("unknown stage %s", st.Stage)
	}
	return nil
}
