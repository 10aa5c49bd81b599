package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/health"
	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const activeName = "berth-backend"

func callsWith(calls []string, prefix string) []string {
	var out []string
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func TestUpdateToLatest_RetainsPreviousVersion(t *testing.T) {
	h := newHarness(t, "v1.3.0", "v1.2.0")
	ctx := context.Background()
	h.runtime.addImage("v1.2.0", 10)
	h.runtime.addInstance(activeName, "v1.2.0", true)

	id, err := h.orch.UpdateToLatest(ctx, types.AckHasBackup)
	require.NoError(t, err)

	op := h.wait(t, id)
	require.Equal(t, types.OperationCompleted, op.Status, "error: %+v", op.Error)
	assert.Equal(t, "v1.3.0", op.TargetTag)
	assert.Contains(t, h.runtime.Calls(), "pull cuemby/berth-backend:v1.3.0")

	state, err := h.orch.Refresh(ctx, false)
	require.NoError(t, err)
	require.NotNil(t, state.Active)
	assert.Equal(t, "v1.3.0", state.Active.Tag)
	assert.True(t, state.Active.Running)

	require.Len(t, state.Retained, 1)
	assert.Equal(t, "v1.2.0", state.Retained[0].Tag)
	assert.Equal(t, types.RoleRetained, state.Retained[0].Role)
	assert.False(t, state.Retained[0].Running)
	require.NotNil(t, state.Retained[0].RetainedAt)
	assert.Equal(t, 1, h.orch.RetainedCount())
}

func TestUpdateToLatest_AlreadyOnLatest(t *testing.T) {
	h := newHarness(t, "v1.3.0")
	h.runtime.addImage("v1.3.0", 10)
	h.runtime.addInstance(activeName, "v1.3.0", true)

	id, err := h.orch.UpdateToLatest(context.Background(), types.AckProceedWithoutBackup)
	require.NoError(t, err)

	op := h.wait(t, id)
	assert.Equal(t, types.OperationCompleted, op.Status)
	assert.Empty(t, h.runtime.Calls())
}

func TestUpdateToLatest_NoReleases(t *testing.T) {
	h := newHarness(t)

	id, err := h.orch.UpdateToLatest(context.Background(), types.AckHasBackup)
	require.NoError(t, err)

	op := h.wait(t, id)
	assert.Equal(t, types.OperationFailed, op.Status)
	assert.Equal(t, errdefs.CodeNoReleases, codeOf(op))
}

func TestVersionSwitches_RejectInvalidAck(t *testing.T) {
	h := newHarness(t, "v1.3.0")
	ctx := context.Background()

	_, err := h.orch.UpdateToLatest(ctx, types.Ack("yes"))
	assert.True(t, errdefs.Is(err, errdefs.CodeInvalidAck))

	_, err = h.orch.ActivateVersion(ctx, "v1.3.0", "")
	assert.True(t, errdefs.Is(err, errdefs.CodeInvalidAck))

	_, err = h.orch.ActivateRetainedInstance(ctx, "abc", "backup")
	assert.True(t, errdefs.Is(err, errdefs.CodeInvalidAck))

	assert.Nil(t, h.orch.CurrentOperation(), "no operation may start")
}

func TestSingleFlight(t *testing.T) {
	h := newHarness(t, "v1.3.0")
	ctx := context.Background()
	gate := make(chan struct{})
	h.runtime.pullGate = gate
	h.runtime.pullStarted = make(chan struct{})

	id, err := h.orch.Install(ctx, "v1.3.0")
	require.NoError(t, err)
	<-h.runtime.pullStarted

	_, err = h.orch.Install(ctx, "testing")
	assert.True(t, errdefs.Is(err, errdefs.CodeOperationRunning))
	_, err = h.orch.StopActive(ctx)
	assert.True(t, errdefs.Is(err, errdefs.CodeOperationRunning))
	assert.True(t, errdefs.Is(h.orch.RemoveVolume(ctx, "berth-data"), errdefs.CodeOperationRunning))

	state, err := h.orch.GetState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.Operation)
	assert.Equal(t, id, state.Operation.ID)
	var target *types.Version
	for i := range state.Versions {
		if state.Versions[i].Tag == "v1.3.0" {
			target = &state.Versions[i]
		}
	}
	require.NotNil(t, target)
	assert.Equal(t, types.AvailabilityInstalling, target.Availability)

	close(gate)
	op := h.wait(t, id)
	require.Equal(t, types.OperationCompleted, op.Status)
	require.NotNil(t, op.Progress)
	assert.Equal(t, 100.0, *op.Progress)

	id, err = h.orch.StopActive(ctx)
	require.NoError(t, err, "the slot is free again")
	h.wait(t, id)
}

func TestCancelOperation_DuringPull(t *testing.T) {
	h := newHarness(t, "v1.3.0")
	h.runtime.pullGate = make(chan struct{})
	h.runtime.pullStarted = make(chan struct{})

	id, err := h.orch.Install(context.Background(), "v1.3.0")
	require.NoError(t, err)
	<-h.runtime.pullStarted

	res, err := h.orch.CancelOperation(id)
	require.NoError(t, err)
	assert.True(t, res.Canceled)

	op := h.wait(t, id)
	assert.Equal(t, types.OperationCanceled, op.Status)
	assert.Equal(t, errdefs.CodeCanceled, codeOf(op))
	assert.False(t, op.Cancellable)

	_, err = h.orch.CancelOperation(id)
	assert.True(t, errdefs.Is(err, errdefs.CodeOperationNotFound), "finished operations cannot be canceled")

	_, err = h.orch.CancelOperation("no-such-operation")
	assert.True(t, errdefs.Is(err, errdefs.CodeOperationNotFound))
}

func TestCancelOperation_NotCancellableOutsidePull(t *testing.T) {
	h := newHarness(t, "v1.3.0")
	h.orch.cfg.Readiness.Deadline = 10 * time.Second
	h.runtime.addImage("v1.3.0", 10)
	h.ready.healthy.Store(false)

	id, err := h.orch.ActivateVersion(context.Background(), "v1.3.0", types.AckHasBackup)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op, err := h.orch.Operation(id)
		return err == nil && strings.Contains(op.Message, "waiting for UI")
	}, 5*time.Second, 5*time.Millisecond)

	res, err := h.orch.CancelOperation(id)
	require.NoError(t, err)
	assert.False(t, res.Canceled)
	assert.NotEmpty(t, res.Reason)

	h.ready.healthy.Store(true)
	op := h.wait(t, id)
	assert.Equal(t, types.OperationCompleted, op.Status)
}

func TestTransition_CompensatesOnReadinessFailure(t *testing.T) {
	h := newHarness(t, "v1.3.0", "v1.2.0")
	h.runtime.addImage("v1.2.0", 10)
	h.runtime.addImage("v1.3.0", 10)
	prevID := h.runtime.addInstance(activeName, "v1.2.0", true)
	h.ready.healthy.Store(false)

	id, err := h.orch.ActivateVersion(context.Background(), "v1.3.0", types.AckProceedWithoutBackup)
	require.NoError(t, err)

	op := h.wait(t, id)
	assert.Equal(t, types.OperationFailed, op.Status)
	assert.Equal(t, errdefs.CodeUINotReady, codeOf(op))

	restored := h.runtime.byName(activeName)
	require.NotNil(t, restored)
	assert.Equal(t, prevID, restored.ID)
	assert.True(t, restored.Running)
	assert.Equal(t, 1, h.runtime.count(), "the new instance is removed")
}

func TestTransition_CompensatesOnCreateFailure(t *testing.T) {
	h := newHarness(t, "v1.3.0", "v1.2.0")
	h.runtime.addImage("v1.3.0", 10)
	prevID := h.runtime.addInstance(activeName, "v1.2.0", true)
	h.runtime.createErr = errors.New("port is already allocated")

	id, err := h.orch.ActivateVersion(context.Background(), "v1.3.0", types.AckHasBackup)
	require.NoError(t, err)

	op := h.wait(t, id)
	assert.Equal(t, types.OperationFailed, op.Status)
	assert.Equal(t, errdefs.CodeCreateFailed, codeOf(op))

	restored := h.runtime.byName(activeName)
	require.NotNil(t, restored)
	assert.Equal(t, prevID, restored.ID)
	assert.True(t, restored.Running)
	assert.Empty(t, callsWith(h.runtime.Calls(), "remove"))
}

func TestTransition_CompensatesOnStartFailure(t *testing.T) {
	h := newHarness(t, "v1.3.0", "v1.2.0")
	h.runtime.addImage("v1.3.0", 10)
	prevID := h.runtime.addInstance(activeName, "v1.2.0", false)
	h.runtime.startErr["v1.3.0"] = errdefs.New(errdefs.CodeConflict, "port in use")

	id, err := h.orch.ActivateVersion(context.Background(), "v1.3.0", types.AckHasBackup)
	require.NoError(t, err)

	op := h.wait(t, id)
	assert.Equal(t, errdefs.CodeCreateFailed, codeOf(op))

	restored := h.runtime.byName(activeName)
	require.NotNil(t, restored)
	assert.Equal(t, prevID, restored.ID)
	assert.False(t, restored.Running, "a stopped instance stays stopped")
	assert.Equal(t, 1, h.runtime.count())
}

func TestActivateRetainedInstance_UnknownID(t *testing.T) {
	h := newHarness(t, "v1.3.0")
	h.runtime.addInstance(activeName, "v1.3.0", true)

	id, err := h.orch.ActivateRetainedInstance(context.Background(), "deadbeefdeadbeef", types.AckHasBackup)
	require.NoError(t, err)

	op := h.wait(t, id)
	assert.Equal(t, types.OperationFailed, op.Status)
	assert.Equal(t, errdefs.CodeInstanceNotFound, codeOf(op))
	assert.Empty(t, callsWith(h.runtime.Calls(), "stop"))
	assert.Empty(t, callsWith(h.runtime.Calls(), "rename"))
}

func TestActivateRetainedInstance_InvalidID(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.ActivateRetainedInstance(context.Background(), "../x", types.AckHasBackup)
	assert.True(t, errdefs.Is(err, errdefs.CodeInvalidContainerID))
}

func TestActivateRetainedInstance_SwapsRoles(t *testing.T) {
	h := newHarness(t, "v1.3.0", "v1.2.0")
	ctx := context.Background()
	h.runtime.addInstance(activeName, "v1.3.0", true)
	savedName := retainedName(activeName, "v1.2.0", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	savedID := h.runtime.addInstance(savedName, "v1.2.0", false)

	id, err := h.orch.ActivateRetainedInstance(ctx, savedID[:12], types.AckHasBackup)
	require.NoError(t, err)

	op := h.wait(t, id)
	require.Equal(t, types.OperationCompleted, op.Status, "error: %+v", op.Error)
	assert.Equal(t, "v1.2.0", op.TargetTag)
	assert.Empty(t, callsWith(h.runtime.Calls(), "create"), "a rollback reuses the retained container")

	state, err := h.orch.Refresh(ctx, false)
	require.NoError(t, err)
	require.NotNil(t, state.Active)
	assert.Equal(t, savedID, state.Active.ID)
	assert.True(t, state.Active.Running)
	require.Len(t, state.Retained, 1)
	assert.Equal(t, "v1.3.0", state.Retained[0].Tag)
}

func TestActivateVersion_RequiresInstalledImage(t *testing.T) {
	h := newHarness(t, "v1.3.0", "v1.2.0")
	ctx := context.Background()
	h.runtime.addInstance(activeName, "v1.3.0", true)

	id, err := h.orch.ActivateVersion(ctx, "v1.2.0", types.AckProceedWithoutBackup)
	require.NoError(t, err)

	op := h.wait(t, id)
	assert.Equal(t, types.OperationFailed, op.Status)
	assert.Equal(t, errdefs.CodeNotInstalled, codeOf(op))
	assert.Empty(t, callsWith(h.runtime.Calls(), "stop"), "nothing is touched before the image check")

	h.runtime.addImage("v1.2.0", 10)
	id, err = h.orch.ActivateVersion(ctx, "v1.2.0", types.AckProceedWithoutBackup)
	require.NoError(t, err)
	op = h.wait(t, id)
	require.Equal(t, types.OperationCompleted, op.Status, "error: %+v", op.Error)

	state, err := h.orch.Refresh(ctx, false)
	require.NoError(t, err)
	require.NotNil(t, state.Active)
	assert.Equal(t, "v1.2.0", state.Active.Tag)
	require.Len(t, state.Retained, 1)
	assert.Equal(t, "v1.3.0", state.Retained[0].Tag)
}

func TestRetention_KeepsNewestWithFloor(t *testing.T) {
	tests := []struct {
		name     string
		keep     int
		wantTags []string
	}{
		{name: "zero keeps one", keep: 0, wantTags: []string{"v1.0.0"}},
		{name: "one", keep: 1, wantTags: []string{"v1.0.0"}},
		{name: "two", keep: 2, wantTags: []string{"v1.0.0", "v0.9.0"}},
		{name: "more than present", keep: 5, wantTags: []string{"v1.0.0", "v0.9.0", "v0.8.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "v1.1.0")
			ctx := context.Background()
			_, err := h.orch.SetRetentionPolicy(ctx, tt.keep)
			require.NoError(t, err)

			h.runtime.addImage("v1.1.0", 10)
			h.runtime.addInstance(activeName, "v1.0.0", true)
			base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
			h.runtime.addInstance(retainedName(activeName, "v0.8.0", base), "v0.8.0", false)
			h.runtime.addInstance(retainedName(activeName, "v0.9.0", base.Add(time.Hour)), "v0.9.0", false)

			id, err := h.orch.ActivateVersion(ctx, "v1.1.0", types.AckHasBackup)
			require.NoError(t, err)
			op := h.wait(t, id)
			require.Equal(t, types.OperationCompleted, op.Status, "error: %+v", op.Error)

			state, err := h.orch.Refresh(ctx, false)
			require.NoError(t, err)
			var tags []string
			for _, inst := range state.Retained {
				tags = append(tags, inst.Tag)
			}
			assert.Equal(t, tt.wantTags, tags)
		})
	}
}

func TestInstall_NotYetAvailableIsCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.Install(ctx, "v9.9.9")
	require.NoError(t, err)
	op := h.wait(t, id)
	assert.Equal(t, types.OperationFailed, op.Status)
	assert.Equal(t, errdefs.CodeNotYetAvailable, codeOf(op))
	assert.Equal(t, 1, h.registry.probeCount("v9.9.9"))

	entry, err := h.store.GetInstallability(testRepo, "v9.9.9")
	require.NoError(t, err)
	assert.Equal(t, types.InstallabilityNotYetAvailable, entry.Status)
	assert.Equal(t, 15*time.Minute, entry.RecheckAfter.Sub(entry.CheckedAt))

	id, err = h.orch.Install(ctx, "v9.9.9")
	require.NoError(t, err)
	op = h.wait(t, id)
	assert.Equal(t, errdefs.CodeNotYetAvailable, codeOf(op))
	assert.Equal(t, 1, h.registry.probeCount("v9.9.9"), "negative verdict is trusted until recheck")

	h.advance(16 * time.Minute)
	id, err = h.orch.Install(ctx, "v9.9.9")
	require.NoError(t, err)
	h.wait(t, id)
	assert.Equal(t, 2, h.registry.probeCount("v9.9.9"))
	assert.Empty(t, callsWith(h.runtime.Calls(), "pull"))
}

func TestInstall_TagValidationIsSynchronous(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, tag := range []string{"../etc", "a:b", "v1.0.0; rm -rf", ""} {
		_, err := h.orch.Install(ctx, tag)
		assert.True(t, errdefs.Is(err, errdefs.CodeInvalidTag), tag)
	}
	_, err := h.orch.Install(ctx, "latest")
	assert.True(t, errdefs.Is(err, errdefs.CodeTagNotAllowed))
	assert.Nil(t, h.orch.CurrentOperation())
}

func TestInstall_LocalBuilds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.Install(ctx, "local-dev")
	require.NoError(t, err)
	op := h.wait(t, id)
	assert.Equal(t, errdefs.CodeNotInstalled, codeOf(op))

	h.runtime.addImage("local-dev", 10)
	id, err = h.orch.Install(ctx, "local-dev")
	require.NoError(t, err)
	op = h.wait(t, id)
	assert.Equal(t, types.OperationCompleted, op.Status)

	assert.Empty(t, callsWith(h.runtime.Calls(), "pull"), "local builds are never pulled")
	assert.Zero(t, h.registry.probeCount("local-dev"))
}

func TestInstall_ReleaseAlreadyPresent(t *testing.T) {
	h := newHarness(t, "v1.3.0")
	h.runtime.addImage("v1.3.0", 10)

	id, err := h.orch.Install(context.Background(), "v1.3.0")
	require.NoError(t, err)
	op := h.wait(t, id)
	assert.Equal(t, types.OperationCompleted, op.Status)
	assert.Empty(t, callsWith(h.runtime.Calls(), "pull"))
}

func TestStartStopActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.StartActive(ctx)
	require.NoError(t, err)
	op := h.wait(t, id)
	assert.Equal(t, errdefs.CodeNoActiveInstance, codeOf(op))

	h.runtime.addInstance(activeName, "v1.0.0", false)

	id, err = h.orch.StartActive(ctx)
	require.NoError(t, err)
	op = h.wait(t, id)
	require.Equal(t, types.OperationCompleted, op.Status)
	assert.True(t, h.runtime.byName(activeName).Running)

	id, err = h.orch.StopActive(ctx)
	require.NoError(t, err)
	h.wait(t, id)
	assert.False(t, h.runtime.byName(activeName).Running)

	id, err = h.orch.StopActive(ctx)
	require.NoError(t, err)
	op = h.wait(t, id)
	assert.Equal(t, types.OperationCompleted, op.Status)
	assert.Len(t, callsWith(h.runtime.Calls(), "stop"), 1, "stopping twice is a no-op")
}

func TestStartActive_UINotReady(t *testing.T) {
	h := newHarness(t)
	h.runtime.addInstance(activeName, "v1.0.0", false)
	h.ready.healthy.Store(false)

	id, err := h.orch.StartActive(context.Background())
	require.NoError(t, err)
	op := h.wait(t, id)
	assert.Equal(t, errdefs.CodeUINotReady, codeOf(op))
}

func TestDeleteRetainedInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	activeID := h.runtime.addInstance(activeName, "v1.1.0", true)
	savedID := h.runtime.addInstance(retainedName(activeName, "v1.0.0", time.Now()), "v1.0.0", false)

	_, err := h.orch.DeleteRetainedInstance(ctx, "not an id")
	assert.True(t, errdefs.Is(err, errdefs.CodeInvalidContainerID))

	id, err := h.orch.DeleteRetainedInstance(ctx, activeID)
	require.NoError(t, err)
	assert.Equal(t, errdefs.CodeCannotDeleteActive, codeOf(h.wait(t, id)))

	id, err = h.orch.DeleteRetainedInstance(ctx, "0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, errdefs.CodeInstanceNotFound, codeOf(h.wait(t, id)))

	id, err = h.orch.DeleteRetainedInstance(ctx, savedID)
	require.NoError(t, err)
	op := h.wait(t, id)
	assert.Equal(t, types.OperationCompleted, op.Status)
	assert.Equal(t, 1, h.runtime.count())
	assert.Equal(t, 0, h.orch.RetainedCount())
}

func TestSetRetentionPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, keep := range []int{-1, 21} {
		_, err := h.orch.SetRetentionPolicy(ctx, keep)
		assert.True(t, errdefs.Is(err, errdefs.CodeInvalidRetention), "keep=%d", keep)
	}
	settings, err := h.store.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, types.DefaultKeepCount, settings.Policy.KeepCount, "invalid input writes nothing")

	state, err := h.orch.SetRetentionPolicy(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Policy.KeepCount)
}

func TestSetPortPreferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	invalid := []types.PortPreferences{
		{UI: 80, SSH: 2222},
		{UI: 8080, SSH: 70000},
		{UI: 9000, SSH: 9000},
	}
	for _, p := range invalid {
		_, err := h.orch.SetPortPreferences(ctx, p)
		assert.True(t, errdefs.Is(err, errdefs.CodeInvalidPorts), "%+v", p)
	}
	settings, err := h.store.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, types.DefaultPortPreferences(), settings.Ports)

	state, err := h.orch.SetPortPreferences(ctx, types.PortPreferences{UI: 9080, SSH: 9022})
	require.NoError(t, err)
	assert.Equal(t, 9080, state.Ports.UI)
}

func TestTransition_UsesPortPreferences(t *testing.T) {
	h := newHarness(t, "v1.3.0")
	ctx := context.Background()
	h.runtime.addImage("v1.3.0", 10)
	_, err := h.orch.SetPortPreferences(ctx, types.PortPreferences{UI: 9080, SSH: 9022})
	require.NoError(t, err)

	var checked []int
	h.orch.checker = func(port int) health.Checker {
		checked = append(checked, port)
		return h.ready.factory(port)
	}

	id, err := h.orch.ActivateVersion(ctx, "v1.3.0", types.AckHasBackup)
	require.NoError(t, err)
	op := h.wait(t, id)
	require.Equal(t, types.OperationCompleted, op.Status)

	created := h.runtime.byName(activeName)
	require.NotNil(t, created)
	assert.Equal(t, "9080", created.Labels[labelUIPort])
	assert.Equal(t, []int{9080}, checked)
}

func TestHostNetworkRuntime_UsesContainerPorts(t *testing.T) {
	h := newHarness(t, "v1.3.0")
	ctx := context.Background()
	h.runtime.hostNetwork.Store(true)
	h.runtime.addImage("v1.3.0", 10)

	_, err := h.orch.SetPortPreferences(ctx, types.PortPreferences{UI: 9080, SSH: 9022})
	require.True(t, errdefs.Is(err, errdefs.CodeInvalidPorts))
	assert.Contains(t, errdefs.Normalize(err).Message, "8080")
	settings, err := h.store.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, types.DefaultPortPreferences(), settings.Ports, "nothing is persisted")

	var checked []int
	h.orch.checker = func(port int) health.Checker {
		checked = append(checked, port)
		return h.ready.factory(port)
	}

	id, err := h.orch.ActivateVersion(ctx, "v1.3.0", types.AckHasBackup)
	require.NoError(t, err)
	op := h.wait(t, id)
	require.Equal(t, types.OperationCompleted, op.Status)

	created := h.runtime.byName(activeName)
	require.NotNil(t, created)
	assert.Equal(t, "8080", created.Labels[labelUIPort])
	assert.Equal(t, []int{8080}, checked)
	h.runtime.mu.Lock()
	assert.Empty(t, h.runtime.lastSpec.Ports, "host network instances publish nothing")
	h.runtime.mu.Unlock()

	state, err := h.orch.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PortPreferences{UI: 8080, SSH: 22}, state.Ports)
	assert.Equal(t, state.Ports, h.orch.Ports())
}

func TestEvents_ProgressReachesTerminalStatus(t *testing.T) {
	h := newHarness(t, "v1.3.0")
	sub := h.orch.Subscribe()
	defer h.orch.Unsubscribe(sub)

	id, err := h.orch.Install(context.Background(), "v1.3.0")
	require.NoError(t, err)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type != events.EventProgress {
				continue
			}
			require.Equal(t, id, ev.Operation.ID)
			if ev.Operation.Status.Terminal() {
				assert.Equal(t, types.OperationCompleted, ev.Operation.Status)
				return
			}
		case <-timeout:
			t.Fatal("no terminal progress event")
		}
	}
}

func TestInventoryAndVolumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runtime.addImage("v1.0.0", 10)
	h.runtime.addInstance(activeName, "v1.0.0", true)
	h.runtime.volumes["berth-data"] = types.Volume{Name: "berth-data", Driver: "local"}
	h.runtime.volumes["scratch"] = types.Volume{Name: "scratch", Driver: "local"}

	inv, err := h.orch.GetInventory(ctx)
	require.NoError(t, err)
	assert.Len(t, inv.Images, 1)
	assert.Len(t, inv.Containers, 1)
	assert.Len(t, inv.Volumes, 2)

	require.NoError(t, h.orch.RemoveVolume(ctx, "scratch"))
	assert.True(t, errdefs.Is(h.orch.RemoveVolume(ctx, "scratch"), errdefs.CodeNotFound))

	report, err := h.orch.PruneVolumes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"berth-data"}, report.VolumesDeleted)
}
