package client_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unioslo/spine/internal/auth"
	"github.com/unioslo/spine/internal/db/models"
	"github.com/unioslo/spine/internal/entity"
	"github.com/unioslo/spine/internal/graph"
	"github.com/unioslo/spine/internal/repository"
	"github.com/unioslo/spine/internal/scheduler"
	"github.com/unioslo/spine/internal/server"
	"github.com/unioslo/spine/internal/session"
	"github.com/unioslo/spine/internal/store"
	"github.com/unioslo/spine/internal/store/memstore"
	"github.com/unioslo/spine/pkg/client"
)

type stubAuth struct{}

func (stubAuth) Authenticate(ctx context.Context, name, password string) (*auth.Principal, error) {
	if password == "s3cret" {
		return &auth.Principal{AccountID: 42, Name: name}, nil
	}
	return nil, &auth.LoginError{Account: name, Reason: auth.ReasonBadCredentials}
}

type memRepo struct {
	mu      sync.Mutex
	records map[string]models.Session
}

func (r *memRepo) Create(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[s.TokenHash] = *s
	return nil
}

func (r *memRepo) GetByTokenHash(ctx context.Context, hash string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.records[hash]; ok {
		return &s, nil
	}
	return nil, repository.ErrNotFound
}

func (r *memRepo) Touch(ctx context.Context, s *models.Session) error { return r.Create(ctx, s) }

func (r *memRepo) Revoke(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, s.TokenHash)
	return nil
}

func (r *memRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) { return 0, nil }

func newServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	sched := scheduler.New(clock.NewMock())
	t.Cleanup(sched.Close)

	st := memstore.New()
	st.Put(entity.Key{Type: entity.CodeAccount, ID: 42}, store.Record{"name": "alice", "create_date": "2020-01-01"})
	st.Put(entity.Key{Type: entity.CodeOU, ID: 1}, store.Record{"name": "University"})
	st.Put(entity.Key{Type: entity.CodeOU, ID: 2}, store.Record{"name": "IT", "parent_id": int64(1)})
	st.Link(entity.Key{Type: entity.CodeOU, ID: 1}, entity.Key{Type: entity.CodeOU, ID: 2})

	reg := graph.NewRegistry(st, sched, time.Hour)
	mgr, err := session.NewManager(stubAuth{}, &memRepo{records: map[string]models.Session{}}, reg, st, sched)
	require.NoError(t, err)

	srv := httptest.NewServer(server.NewRouter(server.RouterOptions{Sessions: mgr, Registry: reg, Logger: zerolog.Nop()}))
	t.Cleanup(srv.Close)
	return srv, st
}

func TestLoginAndLogout(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()
	c := client.NewClient(srv.URL + "/")

	_, err := c.Login(ctx, "alice", "wrong")
	require.Error(t, err)
	assert.True(t, client.IsUnauthenticated(err))
	assert.Equal(t, "login_refused", client.ErrorCode(err))

	s, err := c.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Account)
	assert.NotEmpty(t, c.Token())

	resumed := client.NewClient(srv.URL, client.WithToken(c.Token()))
	got, err := resumed.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	require.NoError(t, c.Logout(ctx))
	assert.Empty(t, c.Token())

	_, err = resumed.Session(ctx)
	require.Error(t, err)
	assert.True(t, client.IsUnauthenticated(err))
	assert.Empty(t, client.ErrorCode(err))
}

func TestEditAndCommit(t *testing.T) {
	srv, st := newServer(t)
	ctx := context.Background()

	alice := client.NewClient(srv.URL)
	_, err := alice.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	bob := client.NewClient(srv.URL)
	_, err = bob.Login(ctx, "bob", "s3cret")
	require.NoError(t, err)

	ta, err := alice.Begin(ctx)
	require.NoError(t, err)
	tb, err := bob.Begin(ctx)
	require.NoError(t, err)

	_, err = alice.SetAttribute(ctx, ta.ID, 42, "name", "carol")
	assert.Equal(t, "not_locked", client.ErrorCode(err))

	l, err := alice.AcquireLock(ctx, ta.ID, 42, client.LockWrite)
	require.NoError(t, err)
	assert.Equal(t, "write", l.Held)
	assert.Equal(t, ta.ID, l.Writer)

	v, err := alice.SetAttribute(ctx, ta.ID, 42, "name", "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", v)

	_, err = bob.AcquireLock(ctx, tb.ID, 42, client.LockRead)
	require.Error(t, err)
	assert.True(t, client.IsConflict(err))
	assert.Equal(t, "already_locked", client.ErrorCode(err))

	done, err := alice.Commit(ctx, ta.ID)
	require.NoError(t, err)
	assert.Equal(t, "committed", done.Status)

	rec, _ := st.Get(entity.Key{Type: entity.CodeAccount, ID: 42})
	assert.Equal(t, "carol", rec["name"])

	v, err = bob.Attribute(ctx, tb.ID, 42, "name")
	require.NoError(t, err)
	assert.Equal(t, "carol", v)

	e, err := bob.Entity(ctx, tb.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, entity.CodeAccount, e.Type)
	assert.Equal(t, int64(42), e.ID)
	assert.Equal(t, "carol", e.Attributes["name"])

	require.NoError(t, bob.ReleaseLock(ctx, tb.ID, 42))
	rolled, err := bob.Rollback(ctx, tb.ID)
	require.NoError(t, err)
	assert.Equal(t, "rolled_back", rolled.Status)

	open, err := bob.Transactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTraversal(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()
	c := client.NewClient(srv.URL)
	_, err := c.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	tx, err := c.Begin(ctx)
	require.NoError(t, err)

	children, err := c.Children(ctx, tx.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []client.EntityKey{{Type: entity.CodeOU, ID: 2}}, children)

	parents, err := c.Parents(ctx, tx.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []client.EntityKey{{Type: entity.CodeOU, ID: 1}}, parents)

	desc, err := c.Descendants(ctx, tx.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []client.EntityKey{{Type: entity.CodeOU, ID: 2}}, desc)

	lock, err := c.Lock(ctx, tx.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, lock.Held)
	assert.Empty(t, lock.Readers)
}

func TestLatin1Session(t *testing.T) {
	srv, st := newServer(t)
	ctx := context.Background()
	c := client.NewClient(srv.URL)
	_, err := c.Login(ctx, "bjørn", "s3cret")
	require.NoError(t, err)

	s, err := c.SetEncoding(ctx, "latin1")
	require.NoError(t, err)
	assert.Equal(t, "ISO-8859-1", s.Encoding)
	assert.Equal(t, "bjørn", s.Account)

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	_, err = c.AcquireLock(ctx, tx.ID, 2, client.LockWrite)
	require.NoError(t, err)
	v, err := c.SetAttribute(ctx, tx.ID, 2, "name", "Økonomi")
	require.NoError(t, err)
	assert.Equal(t, "Økonomi", v)
	_, err = c.Commit(ctx, tx.ID)
	require.NoError(t, err)

	rec, _ := st.Get(entity.Key{Type: entity.CodeOU, ID: 2})
	assert.Equal(t, "Økonomi", rec["name"])

	_, err = c.SetEncoding(ctx, "klingon-8")
	assert.Equal(t, "unknown_encoding", client.ErrorCode(err))
}
