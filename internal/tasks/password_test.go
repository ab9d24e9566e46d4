package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/engine/internal/crypto"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/remote"
	"github.com/vdavid/vmail/engine/internal/testutil"
	"github.com/vdavid/vmail/engine/internal/testutil/mocks"
)

var fastArgon2 = crypto.Argon2Params{Time: 1, Memory: 1024, Threads: 1}

type keyFixture struct {
	key   models.PrivateKey
	plain []byte
}

type accountFixture struct {
	salt   []byte
	sealed []byte
	keys   []keyFixture
}

// setupAccount stores an account whose keys are locked by password, plus
// one legacy address key locked by a secret nobody knows any more.
func setupAccount(t *testing.T, e *env, engine *crypto.KeyEngine, password string) *accountFixture {
	t.Helper()
	ctx := context.Background()
	encryptor := testutil.GetTestEncryptor(t)

	salt := []byte("0123456789abcdef")
	secret, err := engine.DeriveSecret(password, salt)
	require.NoError(t, err)
	sealed, err := encryptor.EncryptBytes(secret)
	require.NoError(t, err)

	require.NoError(t, db.SaveAccount(ctx, e.pool, &models.Account{
		ID: "acc-1", Username: "alice", KeySalt: salt, EncryptedSecret: sealed,
	}))
	require.NoError(t, db.ReplaceAddresses(ctx, e.pool, "acc-1", []models.Address{
		{ID: "addr-1", Email: "alice@example.com"},
		{ID: "addr-2", Email: "alice@example.org"},
	}))

	legacySecret, err := engine.DeriveSecret("long forgotten", salt)
	require.NoError(t, err)

	fx := &accountFixture{salt: salt, sealed: sealed}
	specs := []struct {
		id     string
		kind   models.KeyOwner
		owner  string
		lockBy []byte
	}{
		{"k-acc", models.KeyOwnerAccount, "acc-1", secret},
		{"k-addr-1", models.KeyOwnerAddress, "addr-1", secret},
		{"k-addr-2", models.KeyOwnerAddress, "addr-2", secret},
		{"k-legacy", models.KeyOwnerAddress, "addr-2", legacySecret},
	}
	for i, s := range specs {
		plain := []byte("private key " + s.id)
		blob, err := engine.LockPrivateKey(plain, s.lockBy)
		require.NoError(t, err)
		key := models.PrivateKey{ID: s.id, OwnerKind: s.kind, OwnerID: s.owner, Primary: i < 3, Fingerprint: "fp-" + s.id, Blob: blob}
		require.NoError(t, db.SavePrivateKey(ctx, e.pool, &key))
		fx.keys = append(fx.keys, keyFixture{key: key, plain: plain})
	}
	return fx
}

func storedKeys(t *testing.T, e *env) map[string][]byte {
	t.Helper()
	keys, err := db.ListPrivateKeys(context.Background(), e.pool, "acc-1")
	require.NoError(t, err)
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		out[k.ID] = k.Blob
	}
	return out
}

func passwordFactory(t *testing.T, e *env, engine crypto.Engine, client remote.Client) *Factory {
	return NewFactory(&Deps{
		DB:        e.pool,
		Ledger:    e.ledger,
		Remote:    client,
		Crypto:    engine,
		Encryptor: testutil.GetTestEncryptor(t),
	})
}

var challenge = &remote.Challenge{Username: "alice", Salt: []byte("server-salt"), Nonce: []byte("nonce-1")}

func TestChangePassword(t *testing.T) {
	e := newEnv(t)
	engine := crypto.NewKeyEngine(fastArgon2)
	ctx := context.Background()

	t.Run("rotates every key it can", func(t *testing.T) {
		fx := setupAccount(t, e, engine, "old-pw")
		client := &mocks.RemoteClient{}
		f := passwordFactory(t, e, engine, client)

		var submitted remote.KeyBatch
		client.On("LoginInfo", mockCtx, "alice").Return(challenge, nil).Once()
		client.On("UpdatePrivateKeys", mockCtx, mock.AnythingOfType("remote.KeyBatch")).
			Run(func(args mock.Arguments) { submitted = args.Get(1).(remote.KeyBatch) }).
			Return(nil).Once()
		client.On("FetchAccount", mockCtx).Return(&models.AccountSnapshot{
			Addresses: []models.Address{{ID: "addr-1", Email: "alice@example.com"}, {ID: "addr-2", Email: "alice@example.net"}},
		}, nil).Once()

		task, err := f.ChangePassword("old-pw", "new-pw")
		require.NoError(t, err)
		require.NoError(t, task.Execute(ctx))
		client.AssertExpectations(t)

		// Three of four keys went to the server, with a proof for the challenge.
		require.Len(t, submitted.Keys, 3)
		assert.Equal(t, challenge.Nonce, submitted.Proof.Nonce)
		wantProof, err := engine.ComputeAuthProof("alice", "old-pw", challenge)
		require.NoError(t, err)
		assert.Equal(t, wantProof, submitted.Proof)
		assert.Equal(t, []string{"k-legacy"}, task.Skipped)

		account, err := db.GetAccount(ctx, e.pool)
		require.NoError(t, err)
		assert.NotEqual(t, fx.salt, account.KeySalt)
		assert.Equal(t, submitted.KeySalt, account.KeySalt)

		secret, err := testutil.GetTestEncryptor(t).DecryptBytes(account.EncryptedSecret)
		require.NoError(t, err)
		want, err := engine.DeriveSecret("new-pw", account.KeySalt)
		require.NoError(t, err)
		assert.Equal(t, want, secret)

		blobs := storedKeys(t, e)
		for _, k := range fx.keys {
			if k.key.ID == "k-legacy" {
				assert.Equal(t, k.key.Blob, blobs[k.key.ID], "the legacy key keeps its old form")
				continue
			}
			plain, err := engine.UnlockPrivateKey(blobs[k.key.ID], secret)
			require.NoError(t, err, "key %s", k.key.ID)
			assert.Equal(t, k.plain, plain)
		}

		addresses, err := db.ListAddresses(ctx, e.pool, "acc-1")
		require.NoError(t, err)
		require.Len(t, addresses, 2)
		assert.Equal(t, "alice@example.net", addresses[1].Email)
	})

	rejections := []struct {
		name   string
		old    string
		setup  func(client *mocks.RemoteClient)
		reason string
		err    error
	}{
		{
			name: "server rejects the proof",
			old:  "old-pw",
			setup: func(client *mocks.RemoteClient) {
				client.On("LoginInfo", mockCtx, "alice").Return(challenge, nil).Once()
				client.On("UpdatePrivateKeys", mockCtx, mock.Anything).
					Return(remote.Errorf(remote.CodeProofMismatch, "bad proof")).Once()
			},
			reason: string(remote.CodeProofMismatch),
		},
		{
			name:   "old password does not unlock the keys",
			old:    "wrong",
			setup:  func(*mocks.RemoteClient) {},
			reason: string(remote.CodeOldPasswordMismatch),
		},
		{
			name: "challenge unavailable",
			old:  "old-pw",
			setup: func(client *mocks.RemoteClient) {
				client.On("LoginInfo", mockCtx, "alice").Return(nil, remote.Errorf(remote.CodeUnavailable, "")).Once()
			},
			reason: string(remote.CodeUnavailable),
		},
	}

	for _, tt := range rejections {
		t.Run(tt.name, func(t *testing.T) {
			fx := setupAccount(t, e, engine, "old-pw")
			before := storedKeys(t, e)
			client := &mocks.RemoteClient{}
			tt.setup(client)
			f := passwordFactory(t, e, engine, client)

			task, err := f.ChangePassword(tt.old, "new-pw")
			require.NoError(t, err)

			err = task.Execute(ctx)
			require.Error(t, err)
			assert.Equal(t, tt.reason, remote.Reason(err))
			client.AssertExpectations(t)
			client.AssertNotCalled(t, "FetchAccount", mock.Anything)

			account, err := db.GetAccount(ctx, e.pool)
			require.NoError(t, err)
			assert.Equal(t, fx.salt, account.KeySalt)
			assert.Equal(t, fx.sealed, account.EncryptedSecret)
			assert.Equal(t, before, storedKeys(t, e))
		})
	}

	t.Run("primary key failure is fatal", func(t *testing.T) {
		setupAccount(t, e, engine, "old-pw")
		before := storedKeys(t, e)

		mockEngine := &mocks.CryptoEngine{}
		oldSecret, err := engine.DeriveSecret("old-pw", []byte("0123456789abcdef"))
		require.NoError(t, err)
		mockEngine.On("DeriveSecret", "old-pw", mock.Anything).Return(oldSecret, nil).Once()
		mockEngine.On("DeriveSecret", "new-pw", mock.Anything).Return([]byte("new secret"), nil).Once()
		mockEngine.On("ComputeAuthProof", "alice", "old-pw", challenge).Return(remote.Proof{Nonce: challenge.Nonce}, nil).Once()
		mockEngine.On("ReencryptPrivateKey", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("corrupt key")).Once()

		client := &mocks.RemoteClient{}
		client.On("LoginInfo", mockCtx, "alice").Return(challenge, nil).Once()

		task, err := passwordFactory(t, e, mockEngine, client).ChangePassword("old-pw", "new-pw")
		require.NoError(t, err)

		err = task.Execute(ctx)
		assert.ErrorIs(t, err, ErrPrimaryKeyFailed)
		client.AssertNotCalled(t, "UpdatePrivateKeys", mock.Anything, mock.Anything)
		mockEngine.AssertExpectations(t)
		assert.Equal(t, before, storedKeys(t, e))
	})

	t.Run("failed refresh is not fatal", func(t *testing.T) {
		setupAccount(t, e, engine, "old-pw")
		client := &mocks.RemoteClient{}
		client.On("LoginInfo", mockCtx, "alice").Return(challenge, nil).Once()
		client.On("UpdatePrivateKeys", mockCtx, mock.Anything).Return(nil).Once()
		client.On("FetchAccount", mockCtx).Return(nil, remote.Errorf(remote.CodeUnavailable, "")).Once()

		task, err := passwordFactory(t, e, engine, client).ChangePassword("old-pw", "new-pw")
		require.NoError(t, err)
		require.NoError(t, task.Execute(ctx))
		client.AssertExpectations(t)

		addresses, err := db.ListAddresses(ctx, e.pool, "acc-1")
		require.NoError(t, err)
		assert.Len(t, addresses, 2)
	})

	t.Run("empty new password", func(t *testing.T) {
		_, err := e.factory.ChangePassword("old-pw", "")
		assert.Equal(t, string(remote.CodeNewPasswordInvalid), remote.Reason(err))
	})
}
