package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/perfhub/internal/credential"
	"github.com/nao1215/perfhub/internal/logging"
	"github.com/nao1215/perfhub/internal/push"
)

// fakeCreds はテスト用の認証情報ソース。
type fakeCreds struct {
	mu    sync.Mutex
	token string
}

func (f *fakeCreds) set(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeCreds) Current() (credential.Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return credential.Credential{}, false
	}
	return credential.Credential{Token: f.token, UserID: "u1"}, true
}

// fakeSession はテスト用のセッション。
type fakeSession struct {
	mu      sync.Mutex
	stopped int
	token   string
}

func (s *fakeSession) On(string, push.Handler) {}
func (s *fakeSession) Off(string)              {}
func (s *fakeSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

func (s *fakeSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fakeStarter は開始されたセッションを記録する。
type fakeStarter struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (f *fakeStarter) start(ctx context.Context, tokens push.TokenFunc) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	token, err := tokens(ctx)
	if err != nil {
		return nil, err
	}
	s := &fakeSession{token: token}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeStarter) started() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions...)
}

// TestManager_Observe は観測ごとのセッションの開始・停止を検証する。
func TestManager_Observe(t *testing.T) {
	t.Parallel()

	t.Run("認証情報が無い場合は接続しないこと", func(t *testing.T) {
		t.Parallel()
		starter := &fakeStarter{}
		m := New(&fakeCreds{}, starter.start, WithLogger(logging.Discard()))

		m.Observe(context.Background())

		if len(starter.started()) != 0 {
			t.Error("認証情報が無いのにセッションが開始された")
		}
		if _, ok := m.Current(); ok {
			t.Error("Current()がセッションを返した")
		}
	})

	t.Run("何度観測してもセッションは1つであること", func(t *testing.T) {
		t.Parallel()
		creds := &fakeCreds{token: "tok"}
		starter := &fakeStarter{}
		m := New(creds, starter.start, WithLogger(logging.Discard()))

		for range 5 {
			m.Observe(context.Background())
		}

		got := starter.started()
		if len(got) != 1 {
			t.Fatalf("開始されたセッション数 = %d, want 1", len(got))
		}
		if got[0].token != "tok" {
			t.Errorf("token = %q, want %q", got[0].token, "tok")
		}
	})

	t.Run("並行に観測してもセッションは1つであること", func(t *testing.T) {
		t.Parallel()
		starter := &fakeStarter{}
		m := New(&fakeCreds{token: "tok"}, starter.start, WithLogger(logging.Discard()))

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Observe(context.Background())
			}()
		}
		wg.Wait()

		if n := len(starter.started()); n != 1 {
			t.Errorf("開始されたセッション数 = %d, want 1", n)
		}
	})

	t.Run("ログアウトで停止し再ログインで新しいセッションになること", func(t *testing.T) {
		t.Parallel()
		creds := &fakeCreds{token: "tok-1"}
		starter := &fakeStarter{}
		var stopped []Session
		m := New(creds, starter.start,
			WithLogger(logging.Discard()),
			WithOnStop(func(s Session) { stopped = append(stopped, s) }),
		)

		m.Observe(context.Background())
		creds.set("")
		m.Observe(context.Background())

		first := starter.started()[0]
		if first.stopCount() != 1 {
			t.Errorf("Stop回数 = %d, want 1", first.stopCount())
		}
		if len(stopped) != 1 || stopped[0] != first {
			t.Error("OnStopに停止したセッションが渡されなかった")
		}
		if _, ok := m.Current(); ok {
			t.Error("ログアウト後もセッションが残っている")
		}

		creds.set("tok-2")
		m.Observe(context.Background())
		got := starter.started()
		if len(got) != 2 || got[1].token != "tok-2" {
			t.Fatalf("再ログイン後のセッションが開始されなかった: %d", len(got))
		}
		if got[1] == first {
			t.Error("古いセッションが再利用された")
		}
	})

	t.Run("開始に失敗した場合はセッションを保持しないこと", func(t *testing.T) {
		t.Parallel()
		starter := &fakeStarter{err: push.ErrConnection}
		var started int
		m := New(&fakeCreds{token: "tok"}, starter.start,
			WithLogger(logging.Discard()),
			WithOnStart(func(Session) { started++ }),
		)

		m.Observe(context.Background())

		if _, ok := m.Current(); ok {
			t.Error("失敗したのにセッションが保持された")
		}
		if started != 0 {
			t.Error("失敗したのにOnStartが呼ばれた")
		}

		starter.mu.Lock()
		starter.err = nil
		starter.mu.Unlock()
		m.Observe(context.Background())
		if _, ok := m.Current(); !ok {
			t.Error("次の観測でセッションが開始されなかった")
		}
	})

	t.Run("トークンが空の場合は接続を中止すること", func(t *testing.T) {
		t.Parallel()
		starter := &fakeStarter{err: push.ErrMissingCredential}
		m := New(&fakeCreds{token: "tok"}, starter.start, WithLogger(logging.Discard()))

		m.Observe(context.Background())
		if _, ok := m.Current(); ok {
			t.Error("ErrMissingCredentialなのにセッションが保持された")
		}
	})
}

// TestManager_Token はトークン関数が毎回現在の認証情報を読むことを検証する。
func TestManager_Token(t *testing.T) {
	t.Parallel()

	creds := &fakeCreds{token: "first"}
	m := New(creds, (&fakeStarter{}).start, WithLogger(logging.Discard()))

	got, err := m.token(context.Background())
	if err != nil || got != "first" {
		t.Fatalf("token() = %q, %v", got, err)
	}

	creds.set("rotated")
	if got, _ := m.token(context.Background()); got != "rotated" {
		t.Errorf("token() = %q, want %q", got, "rotated")
	}

	creds.set("")
	if _, err := m.token(context.Background()); !errors.Is(err, push.ErrMissingCredential) {
		t.Errorf("err = %v, want ErrMissingCredential", err)
	}
}

// TestManager_Run はパルスでの観測と終了時の停止を検証する。
func TestManager_Run(t *testing.T) {
	t.Parallel()

	creds := &fakeCreds{}
	starter := &fakeStarter{}
	m := New(creds, starter.start, WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	pulses := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, pulses) }()

	creds.set("tok")
	pulses <- struct{}{}

	deadline := time.Now().Add(5 * time.Second)
	for len(starter.started()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("パルス後にセッションが開始されなかった")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Runが終了しなかった")
	}

	if n := starter.started()[0].stopCount(); n != 1 {
		t.Errorf("終了後のStop回数 = %d, want 1", n)
	}

	m.Observe(context.Background())
	if n := len(starter.started()); n != 1 {
		t.Errorf("終了後に観測が無視されなかった: %d", n)
	}
}

// TestManager_CloseWhileStarting は接続中のCloseが接続の完了を待たないことを検証する。
func TestManager_CloseWhileStarting(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	var stopped []*fakeSession
	var mu sync.Mutex
	start := func(ctx context.Context, _ push.TokenFunc) (Session, error) {
		close(entered)
		<-ctx.Done()
		s := &fakeSession{}
		mu.Lock()
		stopped = append(stopped, s)
		mu.Unlock()
		return s, nil
	}
	m := New(&fakeCreds{token: "tok"}, start, WithLogger(logging.Discard()))

	observed := make(chan struct{})
	go func() {
		defer close(observed)
		m.Observe(context.Background())
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		m.Close()
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close()が接続の完了を待っている")
	}

	select {
	case <-observed:
	case <-time.After(5 * time.Second):
		t.Fatal("接続が打ち切られなかった")
	}
	if _, ok := m.Current(); ok {
		t.Error("Close後にセッションが保持された")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(stopped) != 1 || stopped[0].stopCount() != 1 {
		t.Error("Close後に開始したセッションが停止されていない")
	}
}
