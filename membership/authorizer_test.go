package membership

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"taskboard/microservices/tasks-service/apperrors"
	"taskboard/microservices/tasks-service/models"
	"taskboard/microservices/tasks-service/repositories"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestStoreAuthorizer(t *testing.T) {
	ctx := context.Background()
	store, err := repositories.OpenSQLite(ctx, filepath.Join(t.TempDir(), "auth.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(ctx) })

	admin := primitive.NewObjectID()
	board, _, err := repositories.SeedBoard(ctx, store, "b", admin, time.Now().UTC())
	require.NoError(t, err)
	auth := NewStoreAuthorizer(store)

	m, err := auth.EnsureMember(ctx, admin, board.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, m.Role)
	assert.True(t, m.Role.Can(models.CapManageMembers))

	_, err = auth.EnsureMember(ctx, primitive.NewObjectID(), board.ID)
	assert.True(t, apperrors.Is(err, apperrors.Forbidden))

	_, err = auth.EnsureMember(ctx, admin, primitive.NewObjectID())
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
}

func TestRemoteAuthorizerMapsStatuses(t *testing.T) {
	member := primitive.NewObjectID()
	outsider := primitive.NewObjectID()
	board := primitive.NewObjectID()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case fmt.Sprintf("/boards/%s/members/%s", board.Hex(), member.Hex()):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"role":"member","joinedAt":"2024-05-01T10:00:00Z"}`)
		case fmt.Sprintf("/boards/%s/members/%s", board.Hex(), outsider.Hex()):
			http.Error(w, "forbidden", http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	auth := NewRemoteAuthorizer(srv.URL+"/", srv.Client(), NewBreaker("test-membership"))
	ctx := context.Background()

	m, err := auth.EnsureMember(ctx, member, board)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, m.Role)
	assert.Equal(t, board, m.BoardID)
	assert.False(t, m.Role.Can(models.CapManageBoard))

	_, err = auth.EnsureMember(ctx, outsider, board)
	assert.True(t, apperrors.Is(err, apperrors.Forbidden))

	_, err = auth.EnsureMember(ctx, member, primitive.NewObjectID())
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
}

func TestRemoteAuthorizerOpensCircuitOnFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	auth := NewRemoteAuthorizer(srv.URL, srv.Client(), NewBreaker("test-failing"))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := auth.EnsureMember(ctx, primitive.NewObjectID(), primitive.NewObjectID())
		assert.True(t, apperrors.Is(err, apperrors.Internal))
	}
	assert.EqualValues(t, 4, atomic.LoadInt32(&hits))
}
