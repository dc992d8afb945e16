package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckStatus_StaleHeadYieldsPull(t *testing.T) {
	cmd := CheckStatus(CheckStatusInput{
		CallerID: "alice", RemoteHead: "abc123", AgentHead: "def456",
	})
	assert.Equal(t, ActionPull, cmd.Action)
	assert.Equal(t, "git pull --rebase", cmd.Command)
	assert.Contains(t, cmd.Reason, "abc123")
}

func TestCheckStatus_DirectConflictYieldsSwitchTask(t *testing.T) {
	cmd := CheckStatus(CheckStatusInput{
		CallerID: "alice", RemoteHead: "abc", AgentHead: "abc",
		Conflicting: []ConflictingLock{{FilePath: "a.go", UserID: "bob", Type: LockTypeDirect}},
	})
	assert.Equal(t, ActionSwitchTask, cmd.Action)
	assert.Contains(t, cmd.Reason, "a.go")
	assert.Contains(t, cmd.Reason, "bob")
	assert.Contains(t, cmd.Reason, "direct conflict")
}

func TestCheckStatus_NeighborConflictYieldsSwitchTask(t *testing.T) {
	cmd := CheckStatus(CheckStatusInput{
		CallerID: "alice", RemoteHead: "abc", AgentHead: "abc",
		Conflicting: []ConflictingLock{{FilePath: "b.go", UserID: "bob", Type: LockTypeNeighbor}},
	})
	assert.Equal(t, ActionSwitchTask, cmd.Action)
	assert.Contains(t, cmd.Reason, "neighboring conflict")
}

func TestCheckStatus_OwnLockIsNotAConflict(t *testing.T) {
	cmd := CheckStatus(CheckStatusInput{
		CallerID: "alice", RemoteHead: "abc", AgentHead: "abc",
		Conflicting: []ConflictingLock{{FilePath: "a.go", UserID: "alice", Type: LockTypeDirect}},
	})
	assert.Equal(t, ActionProceed, cmd.Action)
}

func TestCheckStatus_NoConflictsYieldsProceed(t *testing.T) {
	cmd := CheckStatus(CheckStatusInput{CallerID: "alice", RemoteHead: "abc", AgentHead: "abc"})
	assert.Equal(t, ActionProceed, cmd.Action)
}

func TestCheckStatus_StaleHeadTakesPriorityOverConflict(t *testing.T) {
	cmd := CheckStatus(CheckStatusInput{
		CallerID: "alice", RemoteHead: "abc", AgentHead: "old",
		Conflicting: []ConflictingLock{{FilePath: "a.go", UserID: "bob", Type: LockTypeDirect}},
	})
	assert.Equal(t, ActionPull, cmd.Action, "a stale head must be resolved before conflicts are even considered")
}

func TestWritingOrReading_StaleHeadFailsClosed(t *testing.T) {
	outcome := WritingOrReading("WRITING", "old", "new", true, "", "")
	assert.False(t, outcome.Success)
	assert.Equal(t, ActionPull, outcome.Command.Action)
}

func TestWritingOrReading_ReadingIgnoresStaleHead(t *testing.T) {
	outcome := WritingOrReading("READING", "old", "new", true, "", "")
	assert.True(t, outcome.Success)
	assert.Equal(t, ActionProceed, outcome.Command.Action)
}

func TestWritingOrReading_AcquireConflictYieldsSwitchTask(t *testing.T) {
	outcome := WritingOrReading("WRITING", "abc", "abc", false, "a.go", "bob")
	assert.False(t, outcome.Success)
	assert.Equal(t, ActionSwitchTask, outcome.Command.Action)
	assert.Contains(t, outcome.Command.Reason, "a.go")
	assert.Contains(t, outcome.Command.Reason, "bob")
}

func TestWritingOrReading_AcquireSucceedsYieldsProceed(t *testing.T) {
	outcome := WritingOrReading("WRITING", "abc", "abc", true, "", "")
	assert.True(t, outcome.Success)
	assert.Equal(t, ActionProceed, outcome.Command.Action)
}

func TestOpen_UnchangedHeadYieldsPush(t *testing.T) {
	release, outcome := Open("abc", "abc")
	assert.False(t, release)
	if assert.NotNil(t, outcome) {
		assert.Equal(t, ActionPush, outcome.Command.Action)
	}
}

func TestOpen_AdvancedHeadReleases(t *testing.T) {
	release, outcome := Open("new", "old")
	assert.True(t, release)
	assert.Nil(t, outcome)
}

func TestOpen_MissingHeadsReleases(t *testing.T) {
	release, outcome := Open("", "")
	assert.True(t, release)
	assert.Nil(t, outcome)
}

func TestOpenReleaseSucceeded(t *testing.T) {
	outcome := OpenReleaseSucceeded()
	assert.True(t, outcome.Success)
	assert.Equal(t, ActionProceed, outcome.Command.Action)
}

func TestOpenReleaseFailed(t *testing.T) {
	outcome := OpenReleaseFailed()
	assert.False(t, outcome.Success)
	assert.Equal(t, ActionStop, outcome.Command.Action)
}

func TestStatusField_PriorityOrder(t *testing.T) {
	assert.Equal(t, "STALE", StatusField(true, true))
	assert.Equal(t, "STALE", StatusField(true, false))
	assert.Equal(t, "CONFLICT", StatusField(false, true))
	assert.Equal(t, "OK", StatusField(false, false))
}
