package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nightingale/nightingale/internal/agent"
	"github.com/nightingale/nightingale/internal/config"
	"github.com/nightingale/nightingale/internal/domain/conversation"
	"github.com/nightingale/nightingale/internal/platform/db"
)

// triageItem is one message in a --file batch.
//
//   - patient_id: 3f6c...
//     conversation_id: 9a1e...   # optional, defaults to the open conversation
//     message: "I ran out of my lisinopril"
type triageItem struct {
	PatientID      string `yaml:"patient_id"`
	ConversationID string `yaml:"conversation_id,omitempty"`
	Message        string `yaml:"message"`
}

type triageOutcome struct {
	PatientID      string            `yaml:"patient_id"`
	ConversationID string            `yaml:"conversation_id,omitempty"`
	Result         *agent.TurnResult `yaml:"result,omitempty"`
	Error          string            `yaml:"error,omitempty"`
}

// decodeTriageBatch reads a YAML list of triage items. Items without a
// patient or message are rejected up front so a batch never half-runs on a
// typo.
func decodeTriageBatch(r io.Reader) ([]triageItem, error) {
	var items []triageItem
	if err := yaml.NewDecoder(r).Decode(&items); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("triage batch is empty")
		}
		return nil, fmt.Errorf("decode triage batch: %w", err)
	}
	if err := validateTriage(items); err != nil {
		return nil, err
	}
	return items, nil
}

func validateTriage(items []triageItem) error {
	for i, it := range items {
		if _, err := uuid.Parse(it.PatientID); err != nil {
			return fmt.Errorf("item %d: invalid patient_id %q", i, it.PatientID)
		}
		if it.ConversationID != "" {
			if _, err := uuid.Parse(it.ConversationID); err != nil {
				return fmt.Errorf("item %d: invalid conversation_id %q", i, it.ConversationID)
			}
		}
		if strings.TrimSpace(it.Message) == "" {
			return fmt.Errorf("item %d: message is empty", i)
		}
	}
	return nil
}

// conversationOpener is the part of conversation.Service triage needs.
type conversationOpener interface {
	Latest(ctx context.Context, patientID uuid.UUID) (*conversation.Conversation, error)
	Create(ctx context.Context, patientID uuid.UUID) (*conversation.Conversation, error)
}

// turnSender is the part of agent.TurnService triage needs.
type turnSender interface {
	Send(ctx context.Context, conversationID uuid.UUID, senderID, content string) (*agent.TurnResult, error)
}

// runTriage sends each item through the workflow in order. A failed item is
// reported in its outcome and does not stop the batch.
func runTriage(ctx context.Context, convs conversationOpener, turns turnSender, items []triageItem) []triageOutcome {
	out := make([]triageOutcome, 0, len(items))
	for _, it := range items {
		o := triageOutcome{PatientID: it.PatientID}
		patientID := uuid.MustParse(it.PatientID)

		var convID uuid.UUID
		if it.ConversationID != "" {
			convID = uuid.MustParse(it.ConversationID)
		} else {
			conv, err := convs.Latest(ctx, patientID)
			if errors.Is(err, conversation.ErrNotFound) {
				conv, err = convs.Create(ctx, patientID)
			}
			if err != nil {
				o.Error = err.Error()
				out = append(out, o)
				continue
			}
			convID = conv.ID
		}
		o.ConversationID = convID.String()

		// the patient is the sender, as if the message came through the API
		res, err := turns.Send(ctx, convID, it.PatientID, it.Message)
		if err != nil {
			o.Error = err.Error()
		} else {
			o.Result = res
		}
		out = append(out, o)
	}
	return out
}

func triageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Run patient messages through the triage workflow",
		Long: "Runs one message (--patient and --message) or a YAML batch (--file) " +
			"through the workflow against the configured database and prints each outcome as YAML.",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			patient, _ := cmd.Flags().GetString("patient")
			convID, _ := cmd.Flags().GetString("conversation")
			message, _ := cmd.Flags().GetString("message")

			var items []triageItem
			switch {
			case file != "":
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				if items, err = decodeTriageBatch(f); err != nil {
					return err
				}
			case patient != "" && message != "":
				items = []triageItem{{PatientID: patient, ConversationID: convID, Message: message}}
				if err := validateTriage(items); err != nil {
					return err
				}
			default:
				return fmt.Errorf("either --file or both --patient and --message are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// stdout carries the YAML report
			logger := newLogger(cfg, os.Stderr).With().Str("command", "triage").Logger()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := buildServices(ctx, cfg, pool, logger)
			if err != nil {
				return err
			}

			outcomes := runTriage(ctx, svc.conversations, svc.turns, items)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(outcomes); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().String("file", "", "YAML file with a list of {patient_id, conversation_id, message}")
	cmd.Flags().String("patient", "", "Patient uuid for a single message")
	cmd.Flags().String("conversation", "", "Conversation uuid (default: the patient's open conversation)")
	cmd.Flags().String("message", "", "Message text for a single message")
	return cmd
}
