// Package mocks holds testify mocks for the engine's external collaborators.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vdavid/vmail/engine/internal/connectivity"
	"github.com/vdavid/vmail/engine/internal/crypto"
	"github.com/vdavid/vmail/engine/internal/ledger"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/queue"
	"github.com/vdavid/vmail/engine/internal/remote"
)

// RemoteClient is a mock remote.Client.
type RemoteClient struct {
	mock.Mock
}

var _ remote.Client = (*RemoteClient)(nil)

func (m *RemoteClient) LabelMessages(ctx context.Context, messageIDs []string, labelID string) error {
	args := m.Called(ctx, messageIDs, labelID)
	return args.Error(0)
}

func (m *RemoteClient) UnlabelMessages(ctx context.Context, messageIDs []string, labelID string) error {
	args := m.Called(ctx, messageIDs, labelID)
	return args.Error(0)
}

func (m *RemoteClient) MarkRead(ctx context.Context, messageIDs []string) error {
	args := m.Called(ctx, messageIDs)
	return args.Error(0)
}

func (m *RemoteClient) MarkUnread(ctx context.Context, messageIDs []string) error {
	args := m.Called(ctx, messageIDs)
	return args.Error(0)
}

func (m *RemoteClient) EmptyLocation(ctx context.Context, labelID string) error {
	args := m.Called(ctx, labelID)
	return args.Error(0)
}

func (m *RemoteClient) LoginInfo(ctx context.Context, username string) (*remote.Challenge, error) {
	args := m.Called(ctx, username)
	challenge, _ := args.Get(0).(*remote.Challenge)
	return challenge, args.Error(1)
}

func (m *RemoteClient) UpdatePrivateKeys(ctx context.Context, batch remote.KeyBatch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *RemoteClient) FetchAccount(ctx context.Context) (*models.AccountSnapshot, error) {
	args := m.Called(ctx)
	snapshot, _ := args.Get(0).(*models.AccountSnapshot)
	return snapshot, args.Error(1)
}

func (m *RemoteClient) CreateDraft(ctx context.Context, draft models.Draft) (string, error) {
	args := m.Called(ctx, draft)
	return args.String(0), args.Error(1)
}

func (m *RemoteClient) SendMessage(ctx context.Context, serverID string, draft models.Draft) error {
	args := m.Called(ctx, serverID, draft)
	return args.Error(0)
}

// CryptoEngine is a mock crypto.Engine.
type CryptoEngine struct {
	mock.Mock
}

var _ crypto.Engine = (*CryptoEngine)(nil)

func (m *CryptoEngine) DeriveSecret(password string, salt []byte) ([]byte, error) {
	args := m.Called(password, salt)
	secret, _ := args.Get(0).([]byte)
	return secret, args.Error(1)
}

func (m *CryptoEngine) ReencryptPrivateKey(blob, oldSecret, newSecret []byte) ([]byte, error) {
	args := m.Called(blob, oldSecret, newSecret)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

func (m *CryptoEngine) ComputeAuthProof(username, password string, challenge *remote.Challenge) (remote.Proof, error) {
	args := m.Called(username, password, challenge)
	proof, _ := args.Get(0).(remote.Proof)
	return proof, args.Error(1)
}

// Monitor is a mock connectivity.Monitor.
type Monitor struct {
	mock.Mock
}

var _ connectivity.Monitor = (*Monitor)(nil)

func (m *Monitor) IsConnected() bool {
	return m.Called().Bool(0)
}

// TaskQueue is a mock of the queue operations the API uses.
type TaskQueue struct {
	mock.Mock
}

func (m *TaskQueue) Enqueue(ctx context.Context, task queue.Task) (string, error) {
	args := m.Called(ctx, task)
	return args.String(0), args.Error(1)
}

func (m *TaskQueue) Cancel(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

// Counters is a mock of the ledger operations the API uses.
type Counters struct {
	mock.Mock
}

func (m *Counters) All(ctx context.Context) ([]models.UnreadCounter, error) {
	args := m.Called(ctx)
	counters, _ := args.Get(0).([]models.UnreadCounter)
	return counters, args.Error(1)
}

func (m *Counters) Recount(ctx context.Context) ([]ledger.Drift, error) {
	args := m.Called(ctx)
	drift, _ := args.Get(0).([]ledger.Drift)
	return drift, args.Error(1)
}
