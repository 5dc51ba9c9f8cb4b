package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/internal/store"
)

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	db, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStores(db)
}

func seedSession(t *testing.T, stores *store.Stores, id, computer string) *store.Session {
	t.Helper()
	sess := &store.Session{
		SessionID:       id,
		ComputerName:    computer,
		TmuxSessionName: "tc-" + id,
		ActiveAgent:     "claude",
	}
	if err := stores.Sessions.Create(context.Background(), sess); err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
	return sess
}

func TestInboundEnqueueDedup(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	first, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{
		SessionID:       "s1",
		Origin:          "telegram",
		Content:         "hello",
		SourceMessageID: "m-100",
	})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	dup, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{
		SessionID:       "s1",
		Origin:          "telegram",
		Content:         "hello again",
		SourceMessageID: "m-100",
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if dup != first {
		t.Errorf("dup id = %s, want existing id %s", dup, first)
	}

	// Same source id on a different origin is a different message.
	if _, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{
		SessionID:       "s1",
		Origin:          "discord",
		Content:         "hello",
		SourceMessageID: "m-100",
	}); err != nil {
		t.Errorf("cross-origin enqueue: %v", err)
	}
}

func TestInboundEmptySourceNeverDedups(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	a, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{SessionID: "s1", Origin: "web", Content: "one"})
	if err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	b, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{SessionID: "s1", Origin: "web", Content: "two"})
	if err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if a == b {
		t.Errorf("entries without source ids collapsed to one row")
	}
}

func TestInboundClaimLifecycle(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	id, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{SessionID: "s1", Origin: "web", Content: "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := stores.Inbound.ClaimBatch(ctx, 10, 5, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d entries, want 1", len(claimed))
	}
	if claimed[0].Status != store.StatusProcessing {
		t.Errorf("status = %s, want processing", claimed[0].Status)
	}
	if claimed[0].AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", claimed[0].AttemptCount)
	}

	// A locked entry is not claimable again.
	again, err := stores.Inbound.ClaimBatch(ctx, 10, 5, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim got %d entries, want 0", len(again))
	}

	if err := stores.Inbound.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	final, err := stores.Inbound.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != store.StatusDelivered {
		t.Errorf("status = %s, want delivered", final.Status)
	}
	if final.ProcessedAt == nil {
		t.Errorf("processed_at not stamped")
	}
}

func TestInboundStaleLockReclaim(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	if _, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{SessionID: "s1", Origin: "web", Content: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := stores.Inbound.ClaimBatch(ctx, 10, 5, time.Minute); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	reclaimed, err := stores.Inbound.ClaimBatch(ctx, 10, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed %d entries, want 1", len(reclaimed))
	}
	if reclaimed[0].AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", reclaimed[0].AttemptCount)
	}
}

func TestInboundMaxAttemptsExcluded(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	id, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{SessionID: "s1", Origin: "web", Content: "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Burn through two attempts with immediate retries.
	for i := 0; i < 2; i++ {
		claimed, err := stores.Inbound.ClaimBatch(ctx, 10, 2, time.Minute)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if len(claimed) != 1 {
			t.Fatalf("claim %d got %d entries, want 1", i, len(claimed))
		}
		if err := stores.Inbound.MarkFailed(ctx, id, "boom", time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
	}

	claimed, err := stores.Inbound.ClaimBatch(ctx, 10, 2, time.Minute)
	if err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed entry past max attempts")
	}
}

func TestInboundClaimOrder(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, content := range []string{"third", "first", "second"} {
		offset := []time.Duration{2 * time.Second, 0, time.Second}[i]
		if _, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{
			SessionID: "s1",
			Origin:    "web",
			Content:   content,
			CreatedAt: base.Add(offset),
		}); err != nil {
			t.Fatalf("enqueue %s: %v", content, err)
		}
	}

	claimed, err := stores.Inbound.ClaimBatch(ctx, 10, 5, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	got := make([]string, len(claimed))
	for i, e := range claimed {
		got[i] = e.Content
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", got, want)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	sess := seedSession(t, stores, "s1", "alpha")

	if sess.LifecycleStatus != store.LifecycleActive {
		t.Fatalf("new session lifecycle = %s, want active", sess.LifecycleStatus)
	}
	if sess.AgentState != store.AgentStatePending {
		t.Fatalf("new session agent state = %s, want pending", sess.AgentState)
	}

	title := "billing bug"
	state := store.AgentStateWorking
	if err := stores.Sessions.Update(ctx, "s1", store.SessionPatch{Title: &title, AgentState: &state}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := stores.Sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != title || got.AgentState != state {
		t.Errorf("patch not applied: title=%q state=%q", got.Title, got.AgentState)
	}

	if err := stores.Sessions.Close(ctx, "s1", "user_request"); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err = stores.Sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get after close: %v", err)
	}
	if got.LifecycleStatus != store.LifecycleClosed || got.ClosedAt == nil {
		t.Errorf("close not recorded: status=%s closed_at=%v", got.LifecycleStatus, got.ClosedAt)
	}
	if got.CloseReason != "user_request" {
		t.Errorf("close reason = %q", got.CloseReason)
	}
}

func TestSessionTmuxNameUnique(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	err := stores.Sessions.Create(ctx, &store.Session{
		SessionID:       "s2",
		ComputerName:    "alpha",
		TmuxSessionName: "tc-s1",
	})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}

	// The same tmux name on another computer is fine.
	if err := stores.Sessions.Create(ctx, &store.Session{
		SessionID:       "s3",
		ComputerName:    "beta",
		TmuxSessionName: "tc-s1",
	}); err != nil {
		t.Errorf("cross-computer create: %v", err)
	}
}

func TestFindByTopicAndThread(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	if err := stores.AdapterMeta.Upsert(ctx, &store.AdapterMeta{
		SessionID: "s1", Adapter: "telegram", TopicID: 42,
	}); err != nil {
		t.Fatalf("upsert telegram meta: %v", err)
	}
	if err := stores.AdapterMeta.Upsert(ctx, &store.AdapterMeta{
		SessionID: "s1", Adapter: "discord", ThreadID: "th-9",
	}); err != nil {
		t.Fatalf("upsert discord meta: %v", err)
	}

	byTopic, err := stores.Sessions.FindByTopic(ctx, "telegram", 42)
	if err != nil {
		t.Fatalf("find by topic: %v", err)
	}
	if byTopic.SessionID != "s1" {
		t.Errorf("topic lookup = %s, want s1", byTopic.SessionID)
	}

	byThread, err := stores.Sessions.FindByThread(ctx, "discord", "th-9")
	if err != nil {
		t.Fatalf("find by thread: %v", err)
	}
	if byThread.SessionID != "s1" {
		t.Errorf("thread lookup = %s, want s1", byThread.SessionID)
	}

	if _, err := stores.Sessions.FindByTopic(ctx, "telegram", 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("zero topic id err = %v, want ErrNotFound", err)
	}

	// Closed sessions no longer own their lanes.
	if err := stores.Sessions.Close(ctx, "s1", "done"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := stores.Sessions.FindByTopic(ctx, "telegram", 42); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("closed session still bound to topic: err = %v", err)
	}
}

func TestClearOutputMessages(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	for _, m := range []*store.AdapterMeta{
		{SessionID: "s1", Adapter: "telegram", TopicID: 1, OutputMessageID: "101"},
		{SessionID: "s1", Adapter: "discord", ThreadID: "t", OutputMessageID: "202"},
	} {
		if err := stores.AdapterMeta.Upsert(ctx, m); err != nil {
			t.Fatalf("upsert %s: %v", m.Adapter, err)
		}
	}

	if err := stores.AdapterMeta.ClearOutputMessages(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	metas, err := stores.AdapterMeta.ListForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("got %d metas, want 2", len(metas))
	}
	for _, m := range metas {
		if m.OutputMessageID != "" {
			t.Errorf("%s output message id = %q, want empty", m.Adapter, m.OutputMessageID)
		}
	}
}

func TestHookOutboxClaim(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	id, err := stores.HookOutbox.Append(ctx, &store.HookEntry{
		SessionID: "s1", EventType: "stop", PayloadJSON: `{"k":1}`,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	claimed, err := stores.HookOutbox.ClaimBatch(ctx, 10, 5, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("claimed %v, want the appended entry", claimed)
	}
	if claimed[0].EventType != "stop" {
		t.Errorf("event type = %s", claimed[0].EventType)
	}

	if err := stores.HookOutbox.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	again, err := stores.HookOutbox.ClaimBatch(ctx, 10, 5, time.Minute)
	if err != nil {
		t.Fatalf("claim after deliver: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("delivered hook entry claimed again")
	}
}

func TestPurgeDelivered(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	seedSession(t, stores, "s1", "alpha")

	old := time.Now().UTC().Add(-48 * time.Hour)
	id, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{
		SessionID: "s1", Origin: "web", Content: "old", CreatedAt: old,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := stores.Inbound.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	fresh, err := stores.Inbound.Enqueue(ctx, &store.InboundEntry{SessionID: "s1", Origin: "web", Content: "new"})
	if err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}

	n, err := stores.Inbound.PurgeDelivered(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}
	if _, err := stores.Inbound.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old delivered row survived purge: err = %v", err)
	}
	if _, err := stores.Inbound.Get(ctx, fresh); err != nil {
		t.Errorf("undelivered row purged: %v", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	if _, err := stores.Settings.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing key err = %v, want ErrNotFound", err)
	}
	if err := stores.Settings.Set(ctx, "config_overrides", `{"a":1}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := stores.Settings.Set(ctx, "config_overrides", `{"a":2}`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := stores.Settings.Get(ctx, "config_overrides")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != `{"a":2}` {
		t.Errorf("value = %s, want last write", got)
	}
}
