package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/custodian/adapters/challenge"
	"github.com/layer-3/custodian/adapters/store"
	"github.com/layer-3/custodian/adapters/tokenizer"
	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/encryption"
	"github.com/layer-3/custodian/keyderiv"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testServerSecret = []byte("server-secret-for-tests-only-32b")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeResponse is what the fake authenticator sends back. The fake
// verifier treats an echoed challenge as a valid signature.
type fakeResponse struct {
	ID        string `json:"id"`
	Challenge string `json:"challenge"`
	Counter   uint32 `json:"counter"`
	PRF       string `json:"prf,omitempty"`
}

type fakeVerifier struct {
	mu    sync.Mutex
	delay time.Duration
	err   error
}

func (v *fakeVerifier) set(delay time.Duration, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.delay, v.err = delay, err
}

func (v *fakeVerifier) CreationOptions(ch *core.Challenge, user core.PasskeyUser, exclude []core.Credential) *core.CreationOptions {
	opts := &core.CreationOptions{
		Challenge: base64.RawURLEncoding.EncodeToString(ch.Bytes),
		User:      core.UserEntity{ID: base64.RawURLEncoding.EncodeToString(user.Handle), Name: user.Name},
	}
	for _, c := range exclude {
		opts.ExcludeCredentials = append(opts.ExcludeCredentials, core.CredentialDescriptor{Type: "public-key", ID: c.EncodedID()})
	}
	return opts
}

func (v *fakeVerifier) RequestOptions(ch *core.Challenge, allow [][]byte) *core.RequestOptions {
	opts := &core.RequestOptions{Challenge: base64.RawURLEncoding.EncodeToString(ch.Bytes)}
	for _, id := range allow {
		opts.AllowCredentials = append(opts.AllowCredentials, core.CredentialDescriptor{Type: "public-key", ID: core.EncodeCredentialID(id)})
	}
	return opts
}

func (v *fakeVerifier) check(ctx context.Context, challengeBytes []byte, raw json.RawMessage) (*fakeResponse, error) {
	v.mu.Lock()
	delay, err := v.delay, v.err
	v.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	var resp fakeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCredentialVerificationFailed, err)
	}
	if resp.Challenge != base64.RawURLEncoding.EncodeToString(challengeBytes) {
		return nil, fmt.Errorf("challenge mismatch: %w", core.ErrCredentialVerificationFailed)
	}
	return &resp, nil
}

func (v *fakeVerifier) VerifyRegistration(ctx context.Context, c core.RegistrationCeremony) (*core.VerifiedCredential, error) {
	resp, err := v.check(ctx, c.Challenge, c.Response)
	if err != nil {
		return nil, err
	}
	return verified(resp)
}

func (v *fakeVerifier) VerifyAssertion(ctx context.Context, c core.AssertionCeremony) (*core.VerifiedCredential, error) {
	resp, err := v.check(ctx, c.Challenge, c.Response)
	if err != nil {
		return nil, err
	}
	if resp.ID != c.Stored.EncodedID() {
		return nil, fmt.Errorf("credential mismatch: %w", core.ErrCredentialVerificationFailed)
	}
	return verified(resp)
}

func verified(resp *fakeResponse) (*core.VerifiedCredential, error) {
	id, err := core.DecodeCredentialID(resp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCredentialVerificationFailed, err)
	}
	vc := &core.VerifiedCredential{
		ID:        id,
		PublicKey: []byte("pk-" + resp.ID),
		SignCount: resp.Counter,
	}
	if resp.PRF != "" {
		vc.SecretMaterial = []byte(resp.PRF)
	}
	return vc, nil
}

type mail struct {
	kind      string
	email     string
	token     string
	remaining int
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []mail
	err   error
	delay time.Duration
}

func (n *fakeNotifier) record(ctx context.Context, m mail) error {
	n.mu.Lock()
	delay, err := n.delay, n.err
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return nil
}

func (n *fakeNotifier) SendRecoveryToken(ctx context.Context, email, token string) error {
	return n.record(ctx, mail{kind: "token", email: email, token: token})
}

func (n *fakeNotifier) SendRecoveryAlert(ctx context.Context, email string, remaining int) error {
	return n.record(ctx, mail{kind: "alert", email: email, remaining: remaining})
}

func (n *fakeNotifier) SendCredentialAdded(ctx context.Context, email, friendlyName string) error {
	return n.record(ctx, mail{kind: "credential_added", email: email})
}

func (n *fakeNotifier) last(kind string) (mail, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].kind == kind {
			return n.sent[i], true
		}
	}
	return mail{}, false
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e core.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []core.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	svc      *AuthService
	store    *store.MemoryStore
	registry *challenge.MemoryRegistry
	verifier *fakeVerifier
	notifier *fakeNotifier
	events   *recordingPublisher
	clock    *testClock
	logs     *observer.ObservedLogs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithScheme(t, keyderiv.Secp256k1{})
}

func newTestEnvWithScheme(t *testing.T, scheme keyderiv.Scheme) *testEnv {
	t.Helper()

	clk := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	observed, logs := observer.New(zap.DebugLevel)
	logger := zap.New(observed)

	key, err := tokenizer.GenerateSigningKey()
	require.NoError(t, err)
	tk := tokenizer.NewJWTTokenizer(key, "custodian-test").WithClock(clk.Now)

	st := store.NewMemoryStore()
	reg := challenge.NewMemoryRegistry().WithClock(clk.Now)
	sessions := NewSessionManager(st, tk, SessionConfig{TTL: 7 * 24 * time.Hour, IdleTimeout: 24 * time.Hour}, logger).
		WithClock(clk.Now)

	enc, err := encryption.New(encryption.Config{
		MasterKey:  []byte("master-key-for-tests-only-32byte"),
		Salt:       "custodian-test",
		Iterations: encryption.MinIterations,
	})
	require.NoError(t, err)

	verifier := &fakeVerifier{}
	notifier := &fakeNotifier{}
	events := &recordingPublisher{}

	svc, err := NewAuthService(Deps{
		Store:      st,
		Challenges: reg,
		Verifier:   verifier,
		Notifier:   notifier,
		Events:     events,
		Sessions:   sessions,
		Deriver:    keyderiv.New(scheme),
		Encryption: enc,
		Logger:     logger,
	}, Config{
		ServerSecret:    testServerSecret,
		VerifierTimeout: 200 * time.Millisecond,
		NotifierTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	svc.WithClock(clk.Now)
	svc.hasher = codeHasher{time: 1, memory: 64, threads: 1}

	return &testEnv{
		svc:      svc,
		store:    st,
		registry: reg,
		verifier: verifier,
		notifier: notifier,
		events:   events,
		clock:    clk,
		logs:     logs,
	}
}

// respond builds a fake authenticator response to a challenge
func respond(t *testing.T, challengeB64 string, credID []byte, counter uint32, prf string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(fakeResponse{
		ID:        core.EncodeCredentialID(credID),
		Challenge: challengeB64,
		Counter:   counter,
		PRF:       prf,
	})
	require.NoError(t, err)
	return raw
}

func (e *testEnv) register(t *testing.T, email string, credID []byte, prf string) *core.RegisterVerifyResult {
	t.Helper()
	ctx := context.Background()

	start, err := e.svc.RegisterStart(ctx, core.RegisterStartRequest{Email: email})
	require.NoError(t, err)
	res, err := e.svc.RegisterVerify(ctx, core.RegisterVerifyRequest{
		Email:       email,
		ChallengeID: start.ChallengeID,
		Credential:  respond(t, start.Options.Challenge, credID, 0, prf),
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) login(t *testing.T, email string, credID []byte, counter uint32, prf string) (*core.LoginVerifyResult, error) {
	t.Helper()
	ctx := context.Background()

	start, err := e.svc.LoginStart(ctx, core.LoginStartRequest{Email: email})
	require.NoError(t, err)
	return e.svc.LoginVerify(ctx, core.LoginVerifyRequest{
		ChallengeID: start.ChallengeID,
		Credential:  respond(t, start.Options.Challenge, credID, counter, prf),
	})
}
