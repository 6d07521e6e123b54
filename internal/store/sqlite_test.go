package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/Guzinn01/disp-whtas/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestReplaceContactsKeepsSentStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	first := []Contact{
		{Name: "Ana", Phone: "11911111111"},
		{Name: "Bruno", Phone: "11922222222"},
	}
	if err := st.ReplaceContacts(ctx, first); err != nil {
		t.Fatalf("ReplaceContacts: %v", err)
	}
	if err := st.UpdateContactStatus(ctx, "11911111111", ContactSent); err != nil {
		t.Fatalf("UpdateContactStatus: %v", err)
	}

	// Re-import the same people plus one more; Ana already got her message.
	second := []Contact{
		{Name: "Ana", Phone: "11911111111"},
		{Name: "Bruno", Phone: "11922222222"},
		{Name: "Carla", Phone: "11933333333"},
	}
	if err := st.ReplaceContacts(ctx, second); err != nil {
		t.Fatalf("ReplaceContacts: %v", err)
	}

	contacts, err := st.ListContacts(ctx)
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(contacts) != 3 {
		t.Fatalf("got %d contacts, want 3", len(contacts))
	}
	if contacts[0].Status != ContactSent {
		t.Fatalf("Ana status = %s, want sent preserved across re-import", contacts[0].Status)
	}
	if contacts[1].Status != ContactPrepared || contacts[2].Status != ContactPrepared {
		t.Fatalf("new rows must be prepared: %+v", contacts[1:])
	}

	prepared, err := st.ListPrepared(ctx)
	if err != nil {
		t.Fatalf("ListPrepared: %v", err)
	}
	if len(prepared) != 2 || prepared[0].Name != "Bruno" || prepared[1].Name != "Carla" {
		t.Fatalf("prepared = %+v, want Bruno then Carla", prepared)
	}
}

func TestListPreparedFiltersTerminalStatuses(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	rows := []Contact{
		{Name: "Ana", Phone: "1"},
		{Name: "Bruno", Phone: "2"},
		{Name: "Carla", Phone: "3"},
	}
	if err := st.ReplaceContacts(ctx, rows); err != nil {
		t.Fatalf("ReplaceContacts: %v", err)
	}
	if err := st.UpdateContactStatus(ctx, "1", ContactSent); err != nil {
		t.Fatalf("UpdateContactStatus: %v", err)
	}
	if err := st.UpdateContactStatus(ctx, "2", ContactFailed); err != nil {
		t.Fatalf("UpdateContactStatus: %v", err)
	}

	prepared, err := st.ListPrepared(ctx)
	if err != nil {
		t.Fatalf("ListPrepared: %v", err)
	}
	if len(prepared) != 1 || prepared[0].Name != "Carla" {
		t.Fatalf("prepared = %+v, want only Carla", prepared)
	}
	if prepared[0].Status != ContactPrepared {
		t.Fatalf("status = %s, want %s", prepared[0].Status, ContactPrepared)
	}
}

func TestListContactsKeepsImportOrder(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	rows := []Contact{
		{Name: "Zeca", Phone: "3"},
		{Name: "Ana", Phone: "1"},
		{Name: "Mia", Phone: "2"},
	}
	if err := st.ReplaceContacts(ctx, rows); err != nil {
		t.Fatalf("ReplaceContacts: %v", err)
	}
	contacts, err := st.ListContacts(ctx)
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	for i := range rows {
		if contacts[i].Name != rows[i].Name {
			t.Fatalf("order broken at %d: got %s, want %s", i, contacts[i].Name, rows[i].Name)
		}
	}
}

func TestUpdateContactStatusUnknownPhone(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	err := st.UpdateContactStatus(context.Background(), "000", ContactSent)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateContactStatus = %v, want ErrNotFound", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	sess := Session{ID: "abc", Name: "principal", Status: SessionPending}
	if err := st.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := st.GetSession(ctx, "abc")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.PhoneNumber != "" || got.Status != SessionPending {
		t.Fatalf("session = %+v", got)
	}

	sess.PhoneNumber = "5511912345678"
	sess.Status = SessionConnected
	if err := st.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession update: %v", err)
	}
	got, err = st.GetSession(ctx, "abc")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.PhoneNumber != "5511912345678" || got.Status != SessionConnected {
		t.Fatalf("session after update = %+v", got)
	}

	if err := st.UpdateSessionStatus(ctx, "abc", SessionDisconnected); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	if err := st.UpdateSessionStatus(ctx, "missing", SessionDisconnected); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateSessionStatus unknown = %v, want ErrNotFound", err)
	}

	sessions, err := st.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != SessionDisconnected {
		t.Fatalf("sessions = %+v", sessions)
	}

	if err := st.DeleteSession(ctx, "abc"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := st.GetSession(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession after delete = %v, want ErrNotFound", err)
	}
	// Deleting again is fine.
	if err := st.DeleteSession(ctx, "abc"); err != nil {
		t.Fatalf("second DeleteSession: %v", err)
	}
}

func TestAuditAppendAndPrune(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	old := AuditEntry{At: time.Now().Add(-48 * time.Hour), Action: "dispatch", OK: 3, Fail: 1}
	fresh := AuditEntry{Action: "import", Target: "contatos.xlsx", OK: 10}
	if err := st.AppendAudit(ctx, old); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := st.AppendAudit(ctx, fresh); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	n, err := st.PruneAudit(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneAudit: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}

	if err := st.Optimize(ctx); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
}
