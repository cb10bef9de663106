package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memNonces struct {
	mu     sync.Mutex
	nonces map[string]time.Duration
	err    error
}

func newMemNonces() *memNonces {
	return &memNonces{nonces: make(map[string]time.Duration)}
}

func (m *memNonces) Put(_ context.Context, nonce string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.nonces[nonce] = ttl
	return nil
}

func (m *memNonces) Consume(_ context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.nonces[nonce]
	delete(m.nonces, nonce)
	return ok, nil
}

func newTestTokens(store NonceStore, strict bool) *Tokens {
	return NewTokens(store, TokenConfig{Secret: []byte("test-secret"), TTL: 15 * time.Minute, Strict: strict})
}

func TestTokens_IssueValidate(t *testing.T) {
	store := newMemNonces()
	tokens := newTestTokens(store, true)
	ctx := context.Background()

	tok, err := tokens.Issue(ctx)
	require.NoError(t, err)
	assert.Contains(t, tok.Value, ".")
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), tok.ExpiresAt, time.Minute)
	assert.Len(t, store.nonces, 1)

	require.NoError(t, tokens.Validate(ctx, tok.Value))

	err = tokens.Validate(ctx, tok.Value)
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.ErrorIs(t, err, ErrCheckoutExpired)
}

func TestTokens_Validate(t *testing.T) {
	tests := []struct {
		name    string
		strict  bool
		value   func(t *testing.T, tokens *Tokens) string
		wantErr error
	}{
		{
			name:    "missing strict",
			strict:  true,
			value:   func(*testing.T, *Tokens) string { return "" },
			wantErr: ErrTokenMissing,
		},
		{
			name:   "missing lenient",
			strict: false,
			value:  func(*testing.T, *Tokens) string { return "" },
		},
		{
			name:    "no separator",
			strict:  true,
			value:   func(*testing.T, *Tokens) string { return "garbage" },
			wantErr: ErrTokenInvalid,
		},
		{
			name:   "tampered signature",
			strict: true,
			value: func(t *testing.T, tokens *Tokens) string {
				tok, err := tokens.Issue(context.Background())
				require.NoError(t, err)
				return tok.Value + "x"
			},
			wantErr: ErrTokenInvalid,
		},
		{
			name:   "signed by another secret",
			strict: true,
			value: func(t *testing.T, _ *Tokens) string {
				other := NewTokens(newMemNonces(), TokenConfig{Secret: []byte("other"), TTL: time.Minute})
				tok, err := other.Issue(context.Background())
				require.NoError(t, err)
				return tok.Value
			},
			wantErr: ErrTokenInvalid,
		},
		{
			name:   "unknown nonce",
			strict: true,
			value: func(*testing.T, *Tokens) string {
				return "nonce." + newTestTokens(nil, true).sign("nonce")
			},
			wantErr: ErrTokenExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := newTestTokens(newMemNonces(), tt.strict)
			err := tokens.Validate(context.Background(), tt.value(t, tokens))
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrCheckoutExpired)
		})
	}
}

func TestTokens_ConcurrentReplay(t *testing.T) {
	tokens := newTestTokens(newMemNonces(), true)
	tok, err := tokens.Issue(context.Background())
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tokens.Validate(context.Background(), tok.Value) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestTokens_StoreError(t *testing.T) {
	store := newMemNonces()
	tokens := newTestTokens(store, true)
	tok, err := tokens.Issue(context.Background())
	require.NoError(t, err)

	store.err = errors.New("redis down")
	err = tokens.Validate(context.Background(), tok.Value)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCheckoutExpired))
}
