package agent

import "fmt"

// ApologyMessage is shown to the patient when a turn fails terminally.
const ApologyMessage = "I apologize, but I'm unable to process your message right now. " +
	"If your concern is urgent, please contact your healthcare provider or call emergency services."

// RunError is a terminal workflow failure. Stage is where the run stopped.
type RunError struct {
	Stage Stage
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("workflow failed at %s: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
