// Package orchestration is the Orchestration Engine (spec.md §4.8): a
// pure function from caller/lock/head state to a single actionable
// verdict. It touches neither the KV store nor the remote host — every
// input arrives already resolved, in the teacher's small-pure-function
// style (no direct teacher analog; internal/git/language.go shows the
// same "pure function over plain inputs" shape this package follows).
package orchestration

// Action is the verdict's action label.
type Action string

const (
	ActionProceed    Action = "PROCEED"
	ActionPull       Action = "PULL"
	ActionPush       Action = "PUSH"
	ActionWait       Action = "WAIT"
	ActionSwitchTask Action = "SWITCH_TASK"
	ActionStop       Action = "STOP"
)

// LockType distinguishes a direct hit from a graph-adjacent hit, for the
// lock overlay check_status reports.
type LockType string

const (
	LockTypeDirect   LockType = "DIRECT"
	LockTypeNeighbor LockType = "NEIGHBOR"
)

// Command is the orchestration verdict returned to the caller.
type Command struct {
	Type    string `json:"type"`
	Action  Action `json:"action"`
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason"`
}

func newCommand(action Action, command, reason string) Command {
	return Command{Type: "orchestration_command", Action: action, Command: command, Reason: reason}
}

// ConflictingLock names one lock blocking the caller, with enough
// context to build a SWITCH_TASK reason.
type ConflictingLock struct {
	FilePath string
	UserID   string
	Type     LockType
}

// CheckStatusInput carries every resolved input the check_status rules need.
type CheckStatusInput struct {
	CallerID    string
	RemoteHead  string
	AgentHead   string
	Conflicting []ConflictingLock // direct locks first, then neighbor, first-found order preserved
}

// CheckStatus implements spec.md §4.8's three-rule check_status decision.
func CheckStatus(in CheckStatusInput) Command {
	if in.AgentHead != in.RemoteHead {
		return newCommand(ActionPull, "git pull --rebase",
			"Your branch is behind "+in.RemoteHead)
	}

	for _, c := range in.Conflicting {
		if c.UserID != in.CallerID {
			return newCommand(ActionSwitchTask, "",
				conflictReason(c))
		}
	}

	return newCommand(ActionProceed, "", "No conflicts; head is current")
}

func conflictReason(c ConflictingLock) string {
	kind := "a"
	if c.Type == LockTypeDirect {
		kind = "a direct"
	} else if c.Type == LockTypeNeighbor {
		kind = "a neighboring"
	}
	return c.FilePath + " is locked by " + c.UserID + " (" + kind + " conflict)"
}

// PostStatusOutcome is the result of applying the post_status rules: the
// command plus whether the caller's own write was applied.
type PostStatusOutcome struct {
	Success bool
	Command Command
}

// WritingOrReading implements spec.md §4.8's WRITING/READING rules. Both
// statuses share the same acquire path; WRITING additionally fails
// closed on a stale head, while READING is advisory and always attempts
// the acquire.
func WritingOrReading(status string, agentHead, remoteHead string, acquireSucceeded bool, conflictFile, conflictUser string) PostStatusOutcome {
	if status == "WRITING" && agentHead != remoteHead {
		return PostStatusOutcome{
			Success: false,
			Command: newCommand(ActionPull, "git pull --rebase", "Your branch is behind "+remoteHead),
		}
	}

	if !acquireSucceeded {
		return PostStatusOutcome{
			Success: false,
			Command: newCommand(ActionSwitchTask, "", "FILE_CONFLICT: "+conflictFile+" is locked by "+conflictUser),
		}
	}

	return PostStatusOutcome{
		Success: true,
		Command: newCommand(ActionProceed, "", "Lock acquired"),
	}
}

// Open implements spec.md §4.8's OPEN rules.
func Open(newRepoHead, agentHead string) (shouldRelease bool, outcome *PostStatusOutcome) {
	if newRepoHead != "" && agentHead != "" && newRepoHead == agentHead {
		return false, &PostStatusOutcome{
			Success: false,
			Command: newCommand(ActionPush, "git push", "you haven't advanced the repo yet"),
		}
	}
	return true, nil
}

// OpenReleaseSucceeded builds the PROCEED outcome once release completes.
func OpenReleaseSucceeded() PostStatusOutcome {
	return PostStatusOutcome{Success: true, Command: newCommand(ActionProceed, "", "Locks released")}
}

// OpenReleaseFailed builds the STOP outcome for a release failure.
func OpenReleaseFailed() PostStatusOutcome {
	return PostStatusOutcome{Success: false, Command: newCommand(ActionStop, "", "failed to release locks")}
}

// StatusField computes the response-level status enrichment for
// check_status: STALE > CONFLICT > OK.
func StatusField(headMismatch bool, hasConflict bool) string {
	switch {
	case headMismatch:
		return "STALE"
	case hasConflict:
		return "CONFLICT"
	default:
		return "OK"
	}
}
