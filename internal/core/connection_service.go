package core

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"slashy.ai/slashy/internal/store"
)

// ConnectionState is the lifecycle position of an (owner, integration) pair
// as seen by a caller.
type ConnectionState string

const (
	StateNone      ConnectionState = "NONE"
	StatePending   ConnectionState = "PENDING"
	StateCompleted ConnectionState = "COMPLETED"
	StateError     ConnectionState = "ERROR"
	StateTimedOut  ConnectionState = "TIMED_OUT"
	StateAbandoned ConnectionState = "ABANDONED"
)

func stateFromStatus(status store.ConnectionStatus) ConnectionState {
	switch status {
	case store.ConnectionCompleted:
		return StateCompleted
	case store.ConnectionError:
		return StateError
	default:
		return StatePending
	}
}

type StatusResult struct {
	State        ConnectionState
	ConnectionID string
	Message      string
	// Verified is false when the result was not confirmed by the provider.
	Verified bool
}

type CallbackParams struct {
	Error               string
	ConnectionRequestID string
}

type ConnectionService struct {
	store    ConnectionStore
	provider ToolProvider
}

func NewConnectionService(db ConnectionStore, provider ToolProvider) *ConnectionService {
	return &ConnectionService{store: db, provider: provider}
}

// Initiate asks the tool provider for a new authorization request and
// records it as the pair's pending connection.
func (s *ConnectionService) Initiate(ctx context.Context, ownerID, integrationID, authConfigID string) (Initiation, error) {
	ownerID = strings.TrimSpace(ownerID)
	integrationID = strings.ToLower(strings.TrimSpace(integrationID))
	authConfigID = strings.TrimSpace(authConfigID)

	switch {
	case ownerID == "":
		return Initiation{}, required("ownerId")
	case integrationID == "":
		return Initiation{}, required("integrationId")
	case authConfigID == "":
		return Initiation{}, required("authConfigId")
	}

	initiation, err := s.provider.Initiate(ctx, InitiateRequest{
		ToolName:     integrationID,
		AuthConfigID: authConfigID,
		UserID:       ownerID,
	})
	if err != nil {
		return Initiation{}, err
	}
	if initiation.ConnectionRequestID == "" {
		return Initiation{}, &UpstreamError{Provider: "composio", Err: errors.New("response carried no connection request id")}
	}

	conn := &store.Connection{
		UserID:              ownerID,
		IntegrationID:       integrationID,
		AuthConfigID:        authConfigID,
		ConnectionRequestID: initiation.ConnectionRequestID,
		RedirectURL:         initiation.RedirectURL,
	}
	if err := s.store.UpsertPendingConnection(ctx, conn); err != nil {
		return Initiation{}, persistence("store connection request", err)
	}

	log.Info().
		Str("owner", ownerID).
		Str("integration", integrationID).
		Str("connection_request_id", initiation.ConnectionRequestID).
		Msg("Connection initiated")
	return initiation, nil
}

// PollStatus checks the provider once and records an active grant. Calling
// it again after completion does not reach the provider.
func (s *ConnectionService) PollStatus(ctx context.Context, connectionRequestID, ownerID string) (StatusResult, error) {
	connectionRequestID = strings.TrimSpace(connectionRequestID)
	if connectionRequestID == "" {
		return StatusResult{}, required("connectionRequestId")
	}

	existing, err := s.store.GetConnectionByRequestID(ctx, connectionRequestID, ownerID)
	if err != nil {
		return StatusResult{}, persistence("load connection", err)
	}
	if existing != nil && existing.Status == store.ConnectionCompleted && existing.ConnectionID != nil {
		return StatusResult{State: StateCompleted, ConnectionID: *existing.ConnectionID, Verified: true}, nil
	}

	status, err := s.provider.Status(ctx, connectionRequestID)
	if err != nil {
		return StatusResult{}, err
	}
	if !status.Active() {
		return StatusResult{State: StatePending, Verified: true}, nil
	}
	if ownerID == "" && existing != nil {
		ownerID = existing.UserID
	}
	return s.complete(ctx, connectionRequestID, ownerID, status)
}

func (s *ConnectionService) complete(ctx context.Context, connectionRequestID, ownerID string, status ProviderStatus) (StatusResult, error) {
	connectionID := status.ConnectionID
	if connectionID == "" {
		connectionID = connectionRequestID
	}
	changed, err := s.store.MarkConnectionCompleted(ctx, connectionRequestID, ownerID, connectionID)
	if err != nil {
		return StatusResult{}, persistence("mark connection completed", err)
	}
	if !changed {
		log.Warn().Str("connection_request_id", connectionRequestID).Msg("Active connection has no local record")
	} else {
		log.Info().Str("connection_request_id", connectionRequestID).Str("connection_id", connectionID).Msg("Connection completed")
	}
	return StatusResult{State: StateCompleted, ConnectionID: connectionID, Verified: true}, nil
}

// CompleteCallback handles the provider redirecting the browser back to us.
// A request id is re-verified with the provider before anything is marked
// completed.
func (s *ConnectionService) CompleteCallback(ctx context.Context, params CallbackParams) (StatusResult, error) {
	requestID := strings.TrimSpace(params.ConnectionRequestID)

	if params.Error != "" {
		return s.failCallback(ctx, requestID, params.Error)
	}

	if requestID == "" {
		return StatusResult{State: StatePending, Message: "no connection request id to verify"}, nil
	}
	return s.PollStatus(ctx, requestID, "")
}

// failCallback records a reported failure only once the provider confirms
// it. A request the provider still considers open stays pending.
func (s *ConnectionService) failCallback(ctx context.Context, requestID, message string) (StatusResult, error) {
	unverified := StatusResult{State: StateError, Message: message}
	if requestID == "" {
		return unverified, nil
	}
	existing, err := s.store.GetConnectionByRequestID(ctx, requestID, "")
	if err != nil {
		return StatusResult{}, persistence("load connection", err)
	}
	if existing == nil || existing.Status == store.ConnectionCompleted {
		return unverified, nil
	}

	status, err := s.provider.Status(ctx, requestID)
	if err != nil {
		log.Warn().Err(err).Str("connection_request_id", requestID).Msg("Could not verify reported auth failure")
		return unverified, nil
	}
	switch {
	case status.Active():
		return s.complete(ctx, requestID, existing.UserID, status)
	case !status.Failed():
		return StatusResult{State: StatePending, Message: message, Verified: true}, nil
	}

	if _, err := s.store.MarkConnectionError(ctx, requestID, message); err != nil {
		return StatusResult{}, persistence("mark connection error", err)
	}
	return StatusResult{State: StateError, Message: message, Verified: true}, nil
}

// State returns NONE for a pair that was never initiated.
func (s *ConnectionService) State(ctx context.Context, ownerID, integrationID string) (ConnectionState, error) {
	conn, err := s.store.GetConnection(ctx, ownerID, integrationID)
	if err != nil {
		return "", persistence("load connection", err)
	}
	if conn == nil {
		return StateNone, nil
	}
	return stateFromStatus(conn.Status), nil
}

// States maps every integration the owner has initiated to its state.
func (s *ConnectionService) States(ctx context.Context, ownerID string) (map[string]ConnectionState, error) {
	conns, err := s.store.ListConnections(ctx, ownerID)
	if err != nil {
		return nil, persistence("list connections", err)
	}
	states := make(map[string]ConnectionState, len(conns))
	for _, c := range conns {
		states[c.IntegrationID] = stateFromStatus(c.Status)
	}
	return states, nil
}

// EligibleIntegrations intersects the requested integrations with the
// owner's completed connections, keeping the requested order.
func (s *ConnectionService) EligibleIntegrations(ctx context.Context, ownerID string, requested []string) ([]string, error) {
	if len(requested) == 0 || ownerID == "" {
		return nil, nil
	}
	completed, err := s.store.ListCompletedIntegrations(ctx, ownerID)
	if err != nil {
		return nil, persistence("list completed connections", err)
	}
	active := make(map[string]bool, len(completed))
	for _, id := range completed {
		active[strings.ToLower(id)] = true
	}

	var eligible []string
	seen := map[string]bool{}
	for _, id := range requested {
		id = strings.ToLower(strings.TrimSpace(id))
		if active[id] && !seen[id] {
			eligible = append(eligible, id)
			seen[id] = true
		}
	}
	return eligible, nil
}
