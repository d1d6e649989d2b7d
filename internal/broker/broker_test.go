package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

type netErr struct{}

func (netErr) Error() string   { return "connection reset" }
func (netErr) Timeout() bool   { return false }
func (netErr) Temporary() bool { return true }

func TestTokenRecord_AccessTokenValid(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		record *TokenRecord
		want   bool
	}{
		{"nil record", nil, false},
		{"no access token", &TokenRecord{ExpiresAt: now.Add(time.Hour)}, false},
		{"no expiry", &TokenRecord{AccessToken: "a"}, false},
		{"fresh", &TokenRecord{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}, true},
		{"inside skew margin", &TokenRecord{AccessToken: "a", ExpiresAt: now.Add(30 * time.Second)}, false},
		{"expired", &TokenRecord{AccessToken: "a", ExpiresAt: now.Add(-time.Minute)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.AccessTokenValid(now, DefaultSkewMargin))
		})
	}
}

func TestTokenRecord_Validate(t *testing.T) {
	assert.NoError(t, (&TokenRecord{RealmID: "1", RefreshToken: "r"}).Validate())

	err := (&TokenRecord{RefreshToken: "r"}).Validate()
	assert.True(t, errors.Is(err, ErrValidation))

	err = (&TokenRecord{RealmID: "1"}).Validate()
	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "refresh_token", be.Field)

	err = (&TokenRecord{RealmID: "1", RefreshToken: "r", AccessToken: "a"}).Validate()
	assert.True(t, IsKind(err, KindValidation))
}

func TestTokenRecord_WithAccessToken(t *testing.T) {
	now := time.Now()
	base := TokenRecord{RealmID: "1", RefreshToken: "old", AccessToken: "a0"}

	kept := base.WithAccessToken("a1", now.Add(time.Hour), "", time.Time{}, now)
	assert.Equal(t, "old", kept.RefreshToken)
	assert.Equal(t, "a1", kept.AccessToken)
	assert.Equal(t, now, kept.UpdatedAt)

	rotated := base.WithAccessToken("a2", now.Add(time.Hour), "new", now.Add(100*24*time.Hour), now)
	assert.Equal(t, "new", rotated.RefreshToken)
	assert.False(t, rotated.RefreshTokenExpiresAt.IsZero())

	assert.Equal(t, "a0", base.AccessToken, "original must not change")
}

func TestCompany_DisplayName(t *testing.T) {
	assert.Equal(t, "Acme", Company{Name: "Acme", RealmID: "1"}.DisplayName())
	assert.Equal(t, "Company 42", Company{RealmID: "42"}.DisplayName())
}

func TestError_IsByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", NeedsAuth("123", "no tokens"))

	assert.True(t, errors.Is(err, ErrNeedsAuth))
	assert.False(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, KindNeedsAuth, KindOf(err))
	assert.Contains(t, err.Error(), "[123]")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindFatal, KindOf(errors.New("plain")))
	assert.Equal(t, KindBroker, KindOf(BrokerError(503, "Service Unavailable")))
}

func TestAmbiguousTenant_ListsCandidates(t *testing.T) {
	err := AmbiguousTenant([]Company{{ID: "1", Name: "Acme", RealmID: "1"}, {ID: "2", RealmID: "2"}})
	assert.Len(t, err.Candidates, 2)
	assert.Contains(t, err.Error(), "Acme (1)")
	assert.Contains(t, err.Error(), "Company 2 (2)")
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"tagged passes through", NewError(KindCompanyNotFound, "x"), KindCompanyNotFound},
		{"invalid_grant", &oauth2.RetrieveError{ErrorCode: "invalid_grant", Response: &http.Response{StatusCode: 400}}, KindNeedsAuth},
		{"retrieve 401", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 401}}, KindNeedsAuth},
		{"retrieve 429", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 429}}, KindRateLimited},
		{"retrieve 502", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 502}}, KindTransient},
		{"retrieve 400", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}}, KindFatal},
		{"api 401", statusErr(401), KindNeedsAuth},
		{"api 429", statusErr(429), KindRateLimited},
		{"api 500", statusErr(500), KindTransient},
		{"api 403", statusErr(403), KindFatal},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"network", netErr{}, KindTransient},
		{"wrapped network", fmt.Errorf("post: %w", netErr{}), KindTransient},
		{"other", errors.New("boom"), KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			assert.Equal(t, tt.want, KindOf(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.NoError(t, ClassifyError(nil))
}

func TestClassifyError_KeepsStatus(t *testing.T) {
	var be *Error
	require.True(t, errors.As(ClassifyError(statusErr(429)), &be))
	assert.Equal(t, 429, be.Status)
	assert.Equal(t, "Too Many Requests", be.StatusText)
}

func TestTenantLocks_SerializesPerKey(t *testing.T) {
	locks := NewTenantLocks()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("realm")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, 0, locks.Len())
}

func TestTenantLocks_IndependentKeys(t *testing.T) {
	locks := NewTenantLocks()
	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}
