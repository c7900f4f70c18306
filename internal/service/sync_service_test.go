package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"capture-sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSync_DrainSkippedWhenNotAuthenticated(t *testing.T) {
	for _, state := range []domain.ConnectivityState{domain.StateOffline, domain.StateOnline} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t)
			h.monitor.set(state)
			h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(1)})

			report := h.drain(t)

			assert.True(t, report.Skipped)
			assert.Empty(t, h.docs.writesFor("e1"))
			assert.Equal(t, 1, h.stats(t).Pending)
		})
	}
}

func TestSync_OfflineCreateWithBlobSyncsOnAuthentication(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.set(domain.StateOffline)

	resp, err := h.capture.CreateDocument(ctx, &domain.DocumentRequest{
		Title:       "weekly report",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.7 weekly"),
	})
	require.NoError(t, err)

	rec, ok := h.cache.Get(resp.EntityID)
	require.True(t, ok)
	assert.True(t, rec.LocalDirty)
	assert.Equal(t, domain.BlobPlaceholder(resp.BlobID), rec.Fields["file_url"])

	blob, err := h.blobs.Get(ctx, resp.BlobID)
	require.NoError(t, err)
	stagedPath := blob.LocalPath
	require.FileExists(t, stagedPath)

	assert.True(t, h.drain(t).Skipped)
	assert.Equal(t, 0, h.store.putCount())

	h.monitor.set(domain.StateAuthenticated)
	report := h.drain(t)
	assert.Equal(t, 1, report.Succeeded)

	assert.Equal(t, 1, h.store.putCount())
	writes := h.docs.writesFor(resp.EntityID)
	require.Len(t, writes, 1)
	assert.Empty(t, writes[0].precondition)
	assert.Equal(t, "https://blobs.test/"+resp.BlobID, writes[0].fields["file_url"])

	rec, ok = h.cache.Get(resp.EntityID)
	require.True(t, ok)
	assert.Equal(t, "1-x", rec.RemoteRevision)
	assert.False(t, rec.LocalDirty)
	assert.Equal(t, "https://blobs.test/"+resp.BlobID, rec.Fields["file_url"])

	assert.Equal(t, domain.QueueStats{}, h.stats(t))

	blob, err = h.blobs.Get(ctx, resp.BlobID)
	require.NoError(t, err)
	assert.Equal(t, domain.BlobUploaded, blob.UploadStatus)
	assert.Empty(t, blob.LocalPath)
	_, err = os.Stat(stagedPath)
	assert.True(t, os.IsNotExist(err))
}

func TestSync_TwoUpdatesBeforeDrainLastWins(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(0)})
	h.enqueue(t, "e1", domain.OperationUpdate, map[string]interface{}{"x": float64(1)})
	h.enqueue(t, "e1", domain.OperationUpdate, map[string]interface{}{"x": float64(2)})

	report := h.drain(t)
	assert.Equal(t, 3, report.Succeeded)

	doc, ok := h.docs.doc("workouts", "e1")
	require.True(t, ok)
	assert.Equal(t, float64(2), doc.fields["x"])

	rec, ok := h.cache.Get("e1")
	require.True(t, ok)
	assert.Equal(t, float64(2), rec.Fields["x"])
	assert.Equal(t, "3-x", rec.RemoteRevision)

	writes := h.docs.writesFor("e1")
	require.Len(t, writes, 3)
	assert.Equal(t, []string{"", "1-x", "2-x"}, []string{writes[0].precondition, writes[1].precondition, writes[2].precondition})
}

func TestSync_PerEntityOrderUnderConcurrency(t *testing.T) {
	h := newHarness(t, withConcurrency(4))
	h.docs.delay = 2 * time.Millisecond

	entities := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 4; i++ {
		for _, id := range entities {
			kind := domain.OperationUpdate
			if i == 0 {
				kind = domain.OperationCreate
			}
			h.enqueue(t, id, kind, map[string]interface{}{"i": float64(i)})
		}
	}

	h.drain(t)

	assert.Equal(t, 1, h.docs.maxInflight)
	for _, id := range entities {
		writes := h.docs.writesFor(id)
		require.Len(t, writes, 4, "entity %s", id)
		for i, w := range writes {
			assert.Equal(t, float64(i), w.fields["i"], "entity %s write %d out of order", id, i)
		}
	}
	assert.Equal(t, domain.QueueStats{}, h.stats(t))
}

func TestSync_QueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.db")

	first := openHarness(t, path, filepath.Join(dir, "blobs"))
	first.monitor.set(domain.StateOffline)
	seq := first.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"steps": float64(42)})

	// Simulate a crash mid-drain.
	require.NoError(t, first.queue.MarkStatus(ctx, seq, domain.StatusInFlight))
	require.NoError(t, first.db.Close())

	second := openHarness(t, path, filepath.Join(dir, "blobs"))

	rec, ok := second.cache.Get("e1")
	require.True(t, ok)
	assert.Equal(t, float64(42), rec.Fields["steps"])

	n, err := second.queue.Recover(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	op, err := second.queue.Get(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, op.Status)

	second.drain(t)

	doc, ok := second.docs.doc("workouts", "e1")
	require.True(t, ok)
	assert.Equal(t, float64(42), doc.fields["steps"])
	assert.Equal(t, domain.QueueStats{}, second.stats(t))
}

func TestSync_TransientFailureBacksOffThenFailsTerminally(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.docs.writeErr = &domain.TransientRemoteError{Err: errors.New("503")}

	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	h.sync.now = func() time.Time { return now }

	seq := h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(1)})

	report := h.drain(t)
	assert.Equal(t, 1, report.Retrying)

	op, err := h.queue.Get(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, op.Status)
	assert.False(t, op.Terminal)
	assert.Equal(t, 1, op.AttemptCount)
	assert.True(t, now.Add(10*time.Millisecond).Equal(op.NextAttemptAt))
	assert.Contains(t, op.LastError, "503")

	// Still backing off.
	assert.Equal(t, 0, h.drain(t).Attempted)

	now = now.Add(10 * time.Millisecond)
	h.drain(t)
	op, err = h.queue.Get(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, 2, op.AttemptCount)
	assert.True(t, now.Add(20*time.Millisecond).Equal(op.NextAttemptAt))

	now = now.Add(20 * time.Millisecond)
	report = h.drain(t)
	assert.Equal(t, 1, report.Failed)

	failed, err := h.sync.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].AttemptCount)

	select {
	case op := <-h.sync.Failures():
		assert.Equal(t, seq, op.Seq)
	default:
		t.Fatal("expected terminal failure to be published")
	}
}

func TestSync_PermanentFailureBlocksEntityUntilDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.docs.writeErr = &domain.PermanentRemoteError{Reason: "Bad Request"}
	bad := h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(1)})
	h.enqueue(t, "e1", domain.OperationUpdate, map[string]interface{}{"y": float64(2)})
	h.enqueue(t, "e2", domain.OperationCreate, map[string]interface{}{"z": float64(3)})

	report := h.drain(t)
	assert.Equal(t, 2, report.Failed)

	h.docs.writeErr = nil
	report = h.drain(t)
	assert.Equal(t, 0, report.Attempted, "terminal heads block their entities")

	_, err := h.sync.Retry(ctx, bad+100)
	assert.ErrorIs(t, err, ErrOperationNotFound)

	op, err := h.sync.Retry(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, op.Status)
	assert.Zero(t, op.AttemptCount)

	_, err = h.sync.Retry(ctx, bad)
	assert.ErrorIs(t, err, ErrNotRetryable)

	report = h.drain(t)
	assert.Equal(t, 2, report.Succeeded)

	doc, ok := h.docs.doc("workouts", "e1")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"x": float64(1), "y": float64(2)}, doc.fields)

	failed, err := h.sync.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "e2", failed[0].EntityID)

	_, err = h.sync.Discard(ctx, failed[0].Seq)
	require.NoError(t, err)

	_, ok = h.cache.Get("e2")
	assert.False(t, ok, "never-synced entity disappears with its only operation")
	assert.Equal(t, domain.QueueStats{}, h.stats(t))
}

func TestSync_AuthFailureReleasesOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.docs.writeErr = &domain.AuthError{Err: errors.New("401")}

	seq := h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(1)})

	report := h.drain(t)
	assert.True(t, report.AuthLost)
	assert.Equal(t, 1, h.monitor.authFailures)
	assert.Equal(t, domain.StateOnline, h.monitor.State())

	op, err := h.queue.Get(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, op.Status)
	assert.Zero(t, op.AttemptCount)

	assert.True(t, h.drain(t).Skipped)
}

func TestSync_BlobUploadFailureRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.err = &domain.TransientRemoteError{Err: errors.New("timeout")}

	resp, err := h.capture.SetProfilePhoto(ctx, "u1", []byte{0xff, 0xd8, 0xff}, "image/jpeg")
	require.NoError(t, err)

	report := h.drain(t)
	assert.Equal(t, 1, report.Retrying)
	assert.Empty(t, h.docs.writesFor("u1"))

	blob, err := h.blobs.Get(ctx, resp.BlobID)
	require.NoError(t, err)
	assert.Equal(t, domain.BlobFailed, blob.UploadStatus)
	assert.FileExists(t, blob.LocalPath)
}

func TestSync_CancelledDrainFinishesSubmittedWrite(t *testing.T) {
	h := newHarness(t, withConcurrency(1))
	first := h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(1)})
	second := h.enqueue(t, "e2", domain.OperationCreate, map[string]interface{}{"x": float64(2)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.docs.beforeWrite = func(_, entityID string) {
		if entityID == "e1" {
			cancel()
		}
	}

	_, err := h.sync.Drain(ctx)
	require.NoError(t, err)

	require.Len(t, h.docs.writesFor("e1"), 1)
	_, err = h.queue.Get(context.Background(), first)
	assert.ErrorIs(t, err, ErrOperationNotFound, "a submitted write is recorded even when the drain is cancelled")
	rec, ok := h.cache.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "1-x", rec.RemoteRevision)
	assert.False(t, rec.LocalDirty)

	assert.Empty(t, h.docs.writesFor("e2"))
	op, err := h.queue.Get(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, op.Status)
	assert.Zero(t, op.AttemptCount)
}

func TestSync_CancelDuringUploadReleasesOperation(t *testing.T) {
	h := newHarness(t)

	resp, err := h.capture.SetProfilePhoto(context.Background(), "u1", []byte{0xff, 0xd8, 0xff}, "image/jpeg")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.beforePut = func(string) { cancel() }

	_, err = h.sync.Drain(ctx)
	require.NoError(t, err)

	assert.Empty(t, h.docs.writesFor("u1"))
	op, err := h.queue.Get(context.Background(), resp.OperationSeq)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, op.Status)
	assert.Zero(t, op.AttemptCount)
	assert.True(t, op.NextAttemptAt.IsZero())

	blob, err := h.blobs.Get(context.Background(), resp.BlobID)
	require.NoError(t, err)
	assert.FileExists(t, blob.LocalPath)

	h.store.beforePut = nil
	report := h.drain(t)
	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, h.docs.writesFor("u1"), 1)
}

func TestSync_StampsSignedInUser(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(1)})

	_, err := h.sync.Drain(domain.WithUser(context.Background(), "u1"))
	require.NoError(t, err)

	doc, ok := h.docs.doc("workouts", "e1")
	require.True(t, ok)
	assert.Equal(t, "u1", doc.fields["user_id"])
}

func TestSync_DeleteOfSyncedEntity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(1)})
	h.drain(t)

	h.enqueue(t, "e1", domain.OperationDelete, nil)
	_, ok := h.cache.Get("e1")
	assert.False(t, ok, "local delete hides the entity immediately")

	h.drain(t)

	writes := h.docs.writesFor("e1")
	require.Len(t, writes, 2)
	assert.Equal(t, "delete", writes[1].kind)
	assert.Equal(t, "1-x", writes[1].precondition)

	_, ok = h.cache.Peek("e1")
	assert.False(t, ok)

	pending, err := h.queue.HasPending(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestSync_RemoteChangeDeferredUntilLocalWorkResolves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.set(domain.StateOffline)
	h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(1)})

	require.NoError(t, h.sync.ApplyRemoteChange(ctx, domain.RemoteChange{
		EntityType: "workouts",
		EntityID:   "e1",
		Fields:     map[string]interface{}{"x": float64(1), "z": float64(9)},
		Revision:   "9-r",
		Seq:        "120-abc",
	}))

	rec, ok := h.cache.Get("e1")
	require.True(t, ok)
	assert.Empty(t, rec.RemoteRevision)
	assert.NotContains(t, rec.Fields, "z")

	since, err := h.sync.ResumeSequence(ctx)
	require.NoError(t, err)
	assert.Empty(t, since, "a held delta must be replayed after a restart")

	h.monitor.set(domain.StateAuthenticated)
	h.drain(t)

	rec, ok = h.cache.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "9-r", rec.RemoteRevision)
	assert.Equal(t, float64(9), rec.Fields["z"])
	assert.False(t, rec.LocalDirty)

	since, err = h.sync.ResumeSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, "120-abc", since)
}

func TestSync_SequenceHeldWhileAnyChangeIsDeferred(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.set(domain.StateOffline)

	require.NoError(t, h.sync.ApplyRemoteChange(ctx, domain.RemoteChange{
		EntityType: "workouts", EntityID: "e0", Fields: map[string]interface{}{"x": float64(0)}, Revision: "1-a", Seq: "10-a",
	}))
	since, err := h.sync.ResumeSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10-a", since)

	h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(1)})
	require.NoError(t, h.sync.ApplyRemoteChange(ctx, domain.RemoteChange{
		EntityType: "workouts", EntityID: "e1", Fields: map[string]interface{}{"x": float64(2)}, Revision: "5-b", Seq: "11-b",
	}))
	require.NoError(t, h.sync.ApplyRemoteChange(ctx, domain.RemoteChange{
		EntityType: "workouts", EntityID: "e2", Fields: map[string]interface{}{"x": float64(3)}, Revision: "1-c", Seq: "12-c",
	}))

	rec, ok := h.cache.Get("e2")
	require.True(t, ok, "changes for idle entities still apply")
	assert.Equal(t, "1-c", rec.RemoteRevision)

	since, err = h.sync.ResumeSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10-a", since)

	h.monitor.set(domain.StateAuthenticated)
	h.drain(t)

	since, err = h.sync.ResumeSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, "12-c", since)
}

func TestSync_RemoteChangePreemptRebasesPendingWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withRemoteDeltaPolicy(domain.RemoteDeltaPreempt))
	require.NoError(t, h.cache.ApplyRemote(ctx, "workouts", "e1", map[string]interface{}{"a": float64(0)}, "1-x"))
	h.enqueue(t, "e1", domain.OperationUpdate, map[string]interface{}{"a": float64(1)})

	require.NoError(t, h.sync.ApplyRemoteChange(ctx, domain.RemoteChange{
		EntityType: "workouts",
		EntityID:   "e1",
		Fields:     map[string]interface{}{"a": float64(0), "b": float64(2)},
		Revision:   "2-y",
	}))

	rec, ok := h.cache.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "2-y", rec.RemoteRevision)
	assert.Equal(t, map[string]interface{}{"a": float64(1), "b": float64(2)}, rec.Fields)
	assert.True(t, rec.LocalDirty)
}

func TestSync_RemoteChangeWithoutLocalWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	change := domain.RemoteChange{EntityType: "users", EntityID: "u1", Fields: map[string]interface{}{"first_name": "Ada"}, Revision: "3-a"}
	require.NoError(t, h.sync.ApplyRemoteChange(ctx, change))

	rec, ok := h.cache.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "Ada", rec.Fields["first_name"])

	stale := domain.RemoteChange{EntityType: "users", EntityID: "u1", Fields: map[string]interface{}{"first_name": "Old"}, Revision: "2-z"}
	require.NoError(t, h.sync.ApplyRemoteChange(ctx, stale))
	rec, _ = h.cache.Get("u1")
	assert.Equal(t, "Ada", rec.Fields["first_name"])

	require.NoError(t, h.sync.ApplyRemoteChange(ctx, domain.RemoteChange{EntityType: "users", EntityID: "u1", Revision: "4-d", Deleted: true}))
	_, ok = h.cache.Peek("u1")
	assert.False(t, ok)
}

func TestSync_ConsumeChangesStopsWhenClosed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	h := newHarness(t)
	changes := make(chan domain.RemoteChange, 2)
	changes <- domain.RemoteChange{EntityType: "workouts", EntityID: "w1", Fields: map[string]interface{}{"steps": float64(10)}, Revision: "1-a"}
	changes <- domain.RemoteChange{EntityType: "workouts", EntityID: "w2", Fields: map[string]interface{}{"steps": float64(20)}, Revision: "1-b"}
	close(changes)

	require.NoError(t, h.sync.ConsumeChanges(context.Background(), changes))
	assert.Len(t, h.cache.List("workouts"), 2)
}

func TestSync_RunDrainsWhenAuthenticated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	h := newHarness(t)
	h.monitor.set(domain.StateOffline)
	h.enqueue(t, "e1", domain.OperationCreate, map[string]interface{}{"x": float64(1)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sync.Run(ctx) }()

	h.monitor.set(domain.StateAuthenticated)
	require.Eventually(t, func() bool {
		_, ok := h.docs.doc("workouts", "e1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	h.enqueue(t, "e2", domain.OperationCreate, map[string]interface{}{"x": float64(2)})
	h.sync.Trigger()
	require.Eventually(t, func() bool {
		_, ok := h.docs.doc("workouts", "e2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestSync_Status(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "e1", domain.OperationCreate, nil)

	status, err := h.sync.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAuthenticated, status.Connectivity)
	assert.Equal(t, 1, status.Queue.Pending)
	assert.True(t, status.LastDrain.IsZero())

	h.drain(t)
	last, err := h.metadata.LastDrain(ctx)
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestNewerRevision(t *testing.T) {
	tests := []struct {
		incoming, current string
		want              bool
	}{
		{"1-a", "", true},
		{"2-a", "1-a", true},
		{"1-b", "1-a", false},
		{"1-a", "2-a", false},
		{"10-a", "9-z", true},
		{"opaque", "other", true},
		{"same", "same", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tt.incoming, tt.current), func(t *testing.T) {
			assert.Equal(t, tt.want, newerRevision(tt.incoming, tt.current))
		})
	}
}

func TestSubstitutePlaceholders(t *testing.T) {
	fields := map[string]interface{}{
		"photo": domain.BlobPlaceholder("abc"),
		"other": domain.BlobPlaceholder("missing"),
		"n":     float64(1),
	}
	out := substitutePlaceholders(fields, map[string]string{"abc": "https://x/abc"})

	assert.Equal(t, "https://x/abc", out["photo"])
	assert.Equal(t, domain.BlobPlaceholder("missing"), out["other"])
	assert.Equal(t, float64(1), out["n"])
	assert.Equal(t, domain.BlobPlaceholder("abc"), fields["photo"], "input must not be modified")
}
