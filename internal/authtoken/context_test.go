package authtoken

import (
	"testing"
	"time"
)

func TestEmptyHistoryYieldsAnonymousWindow(t *testing.T) {
	c := NewContext(nil)
	windows := c.ValidityWindows()
	if len(windows) != 1 {
		t.Fatalf("windows = %d, want 1", len(windows))
	}
	if windows[0].Token != "" || !windows[0].Start.IsZero() || !windows[0].End.IsZero() {
		t.Fatalf("anonymous window = %+v, want open unbounded", windows[0])
	}
	if c.CurrentToken() != "" {
		t.Fatalf("current token = %q, want empty", c.CurrentToken())
	}
}

func TestSetAuthTokenClosesPreviousWindow(t *testing.T) {
	c := NewContext(nil)
	c.SetAuthToken("", "", time.Time{}) // anonymous period begins
	c.SetAuthToken("tok-1", "acct-1", time.Time{})

	windows := c.ValidityWindows()
	if len(windows) != 2 {
		t.Fatalf("windows = %d, want 2", len(windows))
	}
	if windows[0].Token != "" || windows[0].End.IsZero() {
		t.Fatalf("previous window not closed: %+v", windows[0])
	}
	if windows[1].Token != "tok-1" || !windows[1].End.IsZero() {
		t.Fatalf("current window = %+v, want open tok-1", windows[1])
	}
	if !windows[0].End.Equal(windows[1].Start) && windows[0].End.After(windows[1].Start) {
		t.Fatalf("windows overlap: %v / %v", windows[0].End, windows[1].Start)
	}
	if c.CurrentToken() != "tok-1" {
		t.Fatalf("current token = %q, want tok-1", c.CurrentToken())
	}
}

func TestRefreshSameTokenExtendsWindow(t *testing.T) {
	c := NewContext(nil)
	first := time.Now().Add(time.Hour)
	c.SetAuthToken("tok-1", "acct-1", first)
	later := first.Add(time.Hour)
	c.SetAuthToken("tok-1", "acct-1", later)

	windows := c.ValidityWindows()
	if len(windows) != 1 {
		t.Fatalf("windows = %d, want 1 (refresh must not split)", len(windows))
	}
	if !windows[0].End.Equal(later) {
		t.Fatalf("window end = %v, want %v", windows[0].End, later)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	c := NewContext(nil)
	for i := 0; i < maxHistory*2; i++ {
		c.SetAuthToken(time.Now().Add(time.Duration(i)).String(), "", time.Time{})
	}
	if n := len(c.ValidityWindows()); n > maxHistory {
		t.Fatalf("history = %d windows, want at most %d", n, maxHistory)
	}
}

type tokenObserver struct {
	tokens   []string
	accounts []string
}

func (o *tokenObserver) DidUpdateAuthToken(token, accountID string) {
	o.tokens = append(o.tokens, token)
	o.accounts = append(o.accounts, accountID)
}

func TestDelegatesObserveUpdates(t *testing.T) {
	c := NewContext(nil)
	obs := &tokenObserver{}
	c.AddDelegate(obs)
	c.SetAuthToken("tok-1", "acct-1", time.Time{})
	c.RemoveDelegate(obs)
	c.SetAuthToken("tok-2", "acct-2", time.Time{})

	if len(obs.tokens) != 1 || obs.tokens[0] != "tok-1" || obs.accounts[0] != "acct-1" {
		t.Fatalf("observed = %v/%v, want single tok-1/acct-1", obs.tokens, obs.accounts)
	}
}

func TestValidityWindowsIsASnapshot(t *testing.T) {
	c := NewContext(nil)
	c.SetAuthToken("tok-1", "", time.Time{})
	snap := c.ValidityWindows()
	c.SetAuthToken("tok-2", "", time.Time{})
	if len(snap) != 1 || snap[0].Token != "tok-1" {
		t.Fatalf("snapshot mutated by later update: %+v", snap)
	}
}
