// Package membership answers "may this user act on this board".
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskboard/microservices/tasks-service/apperrors"
	"taskboard/microservices/tasks-service/logging"
	"taskboard/microservices/tasks-service/models"
	"taskboard/microservices/tasks-service/repositories"

	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Authorizer resolves a user's membership on a board. A missing or deleted
// board is NotFound; an existing board the user is not a member of is
// Forbidden.
type Authorizer interface {
	EnsureMember(ctx context.Context, userID, boardID primitive.ObjectID) (models.Membership, error)
}

// StoreAuthorizer reads boards and memberships from the task store.
type StoreAuthorizer struct {
	store repositories.Reader
}

func NewStoreAuthorizer(store repositories.Reader) *StoreAuthorizer {
	return &StoreAuthorizer{store: store}
}

func (a *StoreAuthorizer) EnsureMember(ctx context.Context, userID, boardID primitive.ObjectID) (models.Membership, error) {
	board, err := a.store.GetBoard(ctx, boardID)
	if err != nil {
		return models.Membership{}, err
	}
	if board.IsDeleted {
		return models.Membership{}, apperrors.NotFoundf("board not found")
	}
	m, err := a.store.GetMembership(ctx, boardID, userID)
	if apperrors.Is(err, apperrors.NotFound) {
		return models.Membership{}, apperrors.Forbiddenf("not a member of this board")
	}
	if err != nil {
		return models.Membership{}, err
	}
	return *m, nil
}

// NewBreaker builds the circuit breaker guarding the boards service.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		// Answers about a board are not failures of the service.
		IsSuccessful: func(err error) bool {
			return err == nil || apperrors.Is(err, apperrors.NotFound) || apperrors.Is(err, apperrors.Forbidden)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Logger.Infof("Event ID: CIRCUIT_BREAKER_STATE_CHANGE, Description: Circuit Breaker '%s' changed from '%s' to '%s'", name, from.String(), to.String())
		},
	})
}

// RemoteAuthorizer asks the boards service over HTTP:
// GET {base}/boards/{boardId}/members/{userId}.
type RemoteAuthorizer struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewRemoteAuthorizer(baseURL string, client *http.Client, breaker *gobreaker.CircuitBreaker) *RemoteAuthorizer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &RemoteAuthorizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		breaker: breaker,
	}
}

type memberResponse struct {
	Role      models.Role         `json:"role"`
	InvitedBy *primitive.ObjectID `json:"invitedBy,omitempty"`
	JoinedAt  time.Time           `json:"joinedAt"`
}

func (a *RemoteAuthorizer) EnsureMember(ctx context.Context, userID, boardID primitive.ObjectID) (models.Membership, error) {
	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.fetch(ctx, userID, boardID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logging.Logger.Warnf("Event ID: MEMBERSHIP_CB_OPEN, Description: boards service circuit open: %v", err)
		return models.Membership{}, apperrors.Wrap(apperrors.Internal, "membership service unavailable", err)
	}
	if err != nil {
		return models.Membership{}, err
	}
	return result.(models.Membership), nil
}

func (a *RemoteAuthorizer) fetch(ctx context.Context, userID, boardID primitive.ObjectID) (models.Membership, error) {
	url := fmt.Sprintf("%s/boards/%s/members/%s", a.baseURL, boardID.Hex(), userID.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Membership{}, apperrors.Wrap(apperrors.Internal, "membership request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return models.Membership{}, apperrors.Wrap(apperrors.Internal, "membership service unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return models.Membership{}, apperrors.NotFoundf("board not found")
	case http.StatusForbidden:
		return models.Membership{}, apperrors.Forbiddenf("not a member of this board")
	default:
		return models.Membership{}, apperrors.New(apperrors.Internal, fmt.Sprintf("membership service answered %s", resp.Status))
	}

	var body memberResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.Membership{}, apperrors.Wrap(apperrors.Internal, "decode membership", err)
	}
	return models.Membership{
		BoardID:   boardID,
		UserID:    userID,
		Role:      body.Role,
		InvitedBy: body.InvitedBy,
		JoinedAt:  body.JoinedAt,
	}, nil
}
