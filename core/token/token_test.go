package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/baasic/core/events"
	"github.com/relabs-tech/baasic/core/storage"
)

func newStore(t *testing.T, driver storage.Driver, apiKey string) *Store {
	s, err := NewStore(driver, Options{APIKey: apiKey})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// recorder records app-level events
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) listen(h events.Handler) {
	for _, name := range []string{MessageTokenUpdated, MessageTokenExpired} {
		h.AddEvent(name, func(e events.Event) {
			r.mu.Lock()
			r.events = append(r.events, e.Name)
			r.mu.Unlock()
		})
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

// countingDriver counts the writes per key
type countingDriver struct {
	*storage.Memory
	mu   sync.Mutex
	sets map[string]int
}

func (d *countingDriver) Set(ctx context.Context, key string, value []byte) error {
	d.mu.Lock()
	d.sets[key]++
	d.mu.Unlock()
	return d.Memory.Set(ctx, key, value)
}

func (d *countingDriver) count(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sets[key]
}

// plainDriver hides the Watcher of the memory driver
type plainDriver struct {
	m *storage.Memory
}

func (d plainDriver) Get(ctx context.Context, key string) ([]byte, error) { return d.m.Get(ctx, key) }
func (d plainDriver) Set(ctx context.Context, key string, value []byte) error {
	return d.m.Set(ctx, key, value)
}
func (d plainDriver) Remove(ctx context.Context, key string) error { return d.m.Remove(ctx, key) }
func (d plainDriver) Clear(ctx context.Context) error              { return d.m.Clear(ctx) }
func (d plainDriver) Close() error                                 { return d.m.Close() }

// interleavingDriver runs afterGet once, right after the first Get has read
// its value
type interleavingDriver struct {
	*storage.Memory
	once     sync.Once
	afterGet func()
}

func (d *interleavingDriver) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := d.Memory.Get(ctx, key)
	d.once.Do(d.afterGet)
	return value, err
}

// manualWatcher hands the change listener to the test instead of the memory
// driver
type manualWatcher struct {
	*storage.Memory
	handler func(storage.Change)
}

func (d *manualWatcher) Watch(handler func(storage.Change)) (func(), error) {
	d.handler = handler
	return func() {}, nil
}

func TestValidity(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	assert.True(t, (&Token{Token: "a"}).IsValid(now))
	assert.True(t, (&Token{Token: "a"}).IsValid(now.Add(100*365*24*time.Hour)))
	assert.False(t, (&Token{Token: "a", ExpireTime: &past}).IsValid(now))
	assert.True(t, (&Token{Token: "a", ExpireTime: &future}).IsValid(now))
	// strictly after now
	assert.False(t, (&Token{Token: "a", ExpireTime: &now}).IsValid(now))

	var missing *Token
	assert.False(t, missing.IsValid(now))
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storage.NewMemory(), "app")

	assert.Nil(t, s.Get(ctx, ""))

	require.NoError(t, s.Store(ctx, &Token{Token: "abc", Type: TypeAccess}))
	assert.Equal(t, &Token{Token: "abc", Type: TypeAccess}, s.Get(ctx, TypeAccess))
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	expire := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	tokens := []*Token{
		{Token: "abc", Type: TypeAccess},
		{Token: "def", Type: TypeAccess, Scheme: "Bearer", ExpireTime: &expire},
		{Token: "ghi", Type: TypeRefresh},
	}
	for _, driver := range []storage.Driver{storage.NewMemory(), plainDriver{storage.NewMemory()}} {
		s := newStore(t, driver, "app")
		for _, token := range tokens {
			require.NoError(t, s.Store(ctx, token))
			assert.Equal(t, token, s.Get(ctx, token.Type))
			// idempotent
			assert.Equal(t, s.Get(ctx, token.Type), s.Get(ctx, token.Type))
		}
	}
}

func TestGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storage.NewMemory(), "app")
	require.NoError(t, s.Store(ctx, &Token{Token: "abc", Type: TypeAccess}))
	s.Get(ctx, TypeAccess).Token = "changed"
	assert.Equal(t, "abc", s.Get(ctx, TypeAccess).Token)
}

func TestMalformedTokenIsAbsent(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	s := newStore(t, m, "app")
	require.NoError(t, m.Set(ctx, s.Key(TypeAccess), []byte("{not json")))
	assert.Nil(t, s.Get(ctx, TypeAccess))
	require.NoError(t, m.Set(ctx, s.Key(TypeAccess), []byte(`{"type":"access"}`)))
	assert.Nil(t, s.Get(ctx, TypeAccess))
}

func TestStoreRejectsEmptyToken(t *testing.T) {
	s := newStore(t, storage.NewMemory(), "app")
	assert.Error(t, s.Store(context.Background(), nil))
	assert.Error(t, s.Store(context.Background(), &Token{Type: TypeAccess}))
}

func TestNewStore(t *testing.T) {
	_, err := NewStore(nil, Options{APIKey: "app"})
	assert.True(t, errors.Is(err, ErrNoStorage))

	_, err = NewStore(storage.NewMemory(), Options{})
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	s := newStore(t, storage.NewMemory(), "my-app")
	assert.Equal(t, "baasic-token-my-app", s.Key(TypeAccess))
	assert.Equal(t, "baasic-token-refresh-my-app", s.Key(TypeRefresh))
	assert.Equal(t, DefaultMessageBusKey, s.MessageBus().Key())

	s, err := NewStore(storage.NewMemory(), Options{APIKey: "my-app", Prefix: "custom"})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "custom-my-app", s.Key(""))
}

func TestMessageBusLatestWins(t *testing.T) {
	ctx := context.Background()
	bus := NewMessageBus(storage.NewMemory(), "", "me")

	m, err := bus.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, bus.Publish(ctx, MessageTokenUpdated, MessageArgs{Type: TypeAccess}))
	m, err = bus.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageTokenUpdated, m.Type)
	assert.Equal(t, "me", m.Sender)
	assert.JSONEq(t, `{"type":"access"}`, string(m.Args))

	require.NoError(t, bus.Publish(ctx, MessageTokenExpired, nil))
	m, err = bus.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageTokenExpired, m.Type)
	assert.Equal(t, "me", m.Sender)
	assert.Empty(t, m.Args)
}

func TestMessageBusRepeatedPublishDiffers(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	bus := NewMessageBus(m, "", "me")

	require.NoError(t, bus.Publish(ctx, MessageTokenExpired, MessageArgs{APIKey: "app"}))
	first, err := m.Get(ctx, DefaultMessageBusKey)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, MessageTokenExpired, MessageArgs{APIKey: "app"}))
	second, err := m.Get(ctx, DefaultMessageBusKey)
	require.NoError(t, err)
	assert.NotEqual(t, string(first), string(second))
}

// TestRepeatedExpireAcrossFilesystem expires twice within one poll interval,
// the second tokenExpired must arrive as well
func TestRepeatedExpireAcrossFilesystem(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	newDriver := func(interval time.Duration) *storage.Filesystem {
		f, err := storage.NewFilesystem(storage.FilesystemConfiguration{BasePath: dir, PollInterval: interval})
		require.NoError(t, err)
		t.Cleanup(func() { f.Close() })
		return f
	}
	process1 := newStore(t, newDriver(10*time.Millisecond), "app")
	process2 := newStore(t, newDriver(10*time.Millisecond), "app")

	expired := make(chan struct{}, 4)
	process2.Events().AddEvent(MessageTokenExpired, func(events.Event) { expired <- struct{}{} })
	waitExpired := func() {
		t.Helper()
		select {
		case <-expired:
		case <-time.After(2 * time.Second):
			t.Fatal("Timeout waiting for tokenExpired")
		}
	}

	require.NoError(t, process1.Expire(ctx))
	waitExpired()
	require.NoError(t, process1.Expire(ctx))
	waitExpired()
}

func TestMessageBusClearsBeforeWrite(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	var changes []storage.Change
	_, err := m.Watch(func(c storage.Change) { changes = append(changes, c) })
	require.NoError(t, err)

	bus := NewMessageBus(m, "", "me")
	require.NoError(t, bus.Publish(ctx, MessageTokenUpdated, nil))
	require.NoError(t, bus.Publish(ctx, MessageTokenUpdated, nil))
	// set, remove, set
	require.Len(t, changes, 3)
	assert.Nil(t, changes[1].Value)
}

func TestSynchronization(t *testing.T) {
	ctx := context.Background()
	driver := &countingDriver{Memory: storage.NewMemory(), sets: map[string]int{}}
	tab1 := newStore(t, driver, "app")
	tab2 := newStore(t, driver, "app")
	var events1, events2 recorder
	events1.listen(tab1.Events())
	events2.listen(tab2.Events())

	// tab2 caches "old"
	require.NoError(t, tab2.Store(ctx, &Token{Token: "old", Type: TypeAccess}))
	assert.Equal(t, "old", tab2.Get(ctx, TypeAccess).Token)

	require.NoError(t, tab1.Store(ctx, &Token{Token: "new", Type: TypeAccess}))
	assert.Equal(t, "new", tab2.Get(ctx, TypeAccess).Token)
	assert.Equal(t, []string{MessageTokenUpdated, MessageTokenUpdated}, events1.get())
	assert.Equal(t, []string{MessageTokenUpdated, MessageTokenUpdated}, events2.get())

	// two publishes, receivers never write to the bus
	assert.Equal(t, 2, driver.count(DefaultMessageBusKey))

	require.NoError(t, tab2.Expire(ctx))
	assert.Nil(t, tab1.Get(ctx, TypeAccess))
	assert.Nil(t, tab2.Get(ctx, TypeAccess))
	assert.Equal(t, MessageTokenExpired, events1.get()[2])
	assert.Equal(t, MessageTokenExpired, events2.get()[2])
	assert.Equal(t, 3, driver.count(DefaultMessageBusKey))
}

func TestSynchronizationIgnoresOtherApps(t *testing.T) {
	ctx := context.Background()
	driver := storage.NewMemory()
	app1 := newStore(t, driver, "app1")
	app2 := newStore(t, driver, "app2")
	var events2 recorder
	events2.listen(app2.Events())

	require.NoError(t, app2.Store(ctx, &Token{Token: "two"}))
	require.NoError(t, app1.Store(ctx, &Token{Token: "one"}))
	require.NoError(t, app1.Expire(ctx))

	assert.Equal(t, "two", app2.Get(ctx, TypeAccess).Token)
	assert.Equal(t, []string{MessageTokenUpdated}, events2.get())
}

func TestSynchronizationAcrossFilesystem(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	newDriver := func() *storage.Filesystem {
		f, err := storage.NewFilesystem(storage.FilesystemConfiguration{BasePath: dir, PollInterval: 10 * time.Millisecond})
		require.NoError(t, err)
		t.Cleanup(func() { f.Close() })
		return f
	}
	process1 := newStore(t, newDriver(), "app")
	process2 := newStore(t, newDriver(), "app")

	expired := make(chan struct{}, 1)
	process2.Events().AddEvent(MessageTokenExpired, func(events.Event) { expired <- struct{}{} })

	require.NoError(t, process1.Store(ctx, &Token{Token: "abc"}))
	assert.Equal(t, "abc", process2.Get(ctx, TypeAccess).Token)

	require.NoError(t, process1.Expire(ctx))
	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for tokenExpired")
	}
	assert.Nil(t, process2.Get(ctx, TypeAccess))
}

func TestWriteDuringGetIsNotCached(t *testing.T) {
	ctx := context.Background()
	memory := storage.NewMemory()
	writer := newStore(t, memory, "app")
	require.NoError(t, writer.Store(ctx, &Token{Token: "old"}))

	driver := &interleavingDriver{Memory: memory}
	driver.afterGet = func() {
		require.NoError(t, writer.Store(ctx, &Token{Token: "new"}))
	}
	reader := newStore(t, driver, "app")

	// the value read before the write may be returned once, but not cached
	assert.Equal(t, "old", reader.Get(ctx, TypeAccess).Token)
	assert.Equal(t, "new", reader.Get(ctx, TypeAccess).Token)
	assert.Equal(t, "new", reader.Get(ctx, TypeAccess).Token)
}

func TestResetClearsMirror(t *testing.T) {
	ctx := context.Background()
	driver := &manualWatcher{Memory: storage.NewMemory()}
	s := newStore(t, driver, "app")
	require.NotNil(t, driver.handler)

	require.NoError(t, s.Store(ctx, &Token{Token: "old"}))
	assert.Equal(t, "old", s.Get(ctx, TypeAccess).Token)

	// a write the store never hears about
	require.NoError(t, driver.Memory.Set(ctx, s.Key(TypeAccess), []byte(`{"token":"new","type":"access"}`)))
	assert.Equal(t, "old", s.Get(ctx, TypeAccess).Token)

	driver.handler(storage.Change{})
	assert.Equal(t, "new", s.Get(ctx, TypeAccess).Token)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	driver := storage.NewMemory()
	tab1 := newStore(t, driver, "app")
	tab2 := newStore(t, driver, "app")
	require.NoError(t, tab1.StoreAll(ctx, &Token{Token: "a", Type: TypeAccess}, &Token{Token: "r", Type: TypeRefresh}))
	assert.Equal(t, "r", tab2.Get(ctx, TypeRefresh).Token)

	require.NoError(t, tab1.Remove(ctx, TypeRefresh))
	assert.Nil(t, tab1.Get(ctx, TypeRefresh))
	assert.Nil(t, tab2.Get(ctx, TypeRefresh))
	assert.Equal(t, "a", tab2.Get(ctx, TypeAccess).Token)
	// removing twice is fine
	require.NoError(t, tab1.Remove(ctx, TypeRefresh))
}

func TestStoreAll(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storage.NewMemory(), "app")
	var rec recorder
	rec.listen(s.Events())
	require.NoError(t, s.StoreAll(ctx, &Token{Token: "a", Type: TypeAccess}, &Token{Token: "r", Type: TypeRefresh}))
	assert.Equal(t, "a", s.Get(ctx, TypeAccess).Token)
	assert.Equal(t, "r", s.Get(ctx, TypeRefresh).Token)
	assert.Equal(t, []string{MessageTokenUpdated}, rec.get())
}

func signedJWT(t *testing.T, claims jwt.Claims) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func TestExpireTimeFromJWT(t *testing.T) {
	exp := time.Date(2031, 5, 6, 7, 8, 9, 0, time.UTC)
	expire, err := ExpireTimeFromJWT(signedJWT(t, jwt.StandardClaims{ExpiresAt: exp.Unix()}))
	require.NoError(t, err)
	require.NotNil(t, expire)
	assert.Equal(t, exp, *expire)

	expire, err = ExpireTimeFromJWT(signedJWT(t, jwt.StandardClaims{Subject: "user"}))
	require.NoError(t, err)
	assert.Nil(t, expire)

	_, err = ExpireTimeFromJWT("opaque")
	assert.Error(t, err)
}

func TestParseAuthorization(t *testing.T) {
	token, err := ParseAuthorization("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, &Token{Token: "abc", Type: TypeAccess, Scheme: "Bearer"}, token)

	token, err = ParseAuthorization("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", token.Token)
	assert.Equal(t, DefaultScheme, token.AuthorizationScheme())

	_, err = ParseAuthorization(" ")
	assert.Error(t, err)
}

func TestFromLoginResponse(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens, err := FromLoginResponse(LoginResponse{
		AccessToken:  "abc",
		TokenType:    "bearer",
		ExpiresIn:    3600,
		RefreshToken: "ref",
	}, now)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "abc", tokens[0].Token)
	assert.Equal(t, now.Add(time.Hour), *tokens[0].ExpireTime)
	assert.Equal(t, &Token{Token: "ref", Type: TypeRefresh}, tokens[1])

	exp := time.Date(2031, 5, 6, 7, 8, 9, 0, time.UTC)
	tokens, err = FromLoginResponse(LoginResponse{AccessToken: signedJWT(t, jwt.StandardClaims{ExpiresAt: exp.Unix()})}, now)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, exp, *tokens[0].ExpireTime)

	_, err = FromLoginResponse(LoginResponse{}, now)
	assert.Error(t, err)
}
